package views

import "strings"

// sanitizeForTerminal drops codepoints that tcell renders with the wrong
// width: skin tone modifiers, zero width joiners and variation selectors. A
// composed emoji collapses to its base glyph.
func sanitizeForTerminal(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 0x1F3FB && r <= 0x1F3FF, // skin tones
			r == 0x200D,                  // zero width joiner
			r >= 0xFE00 && r <= 0xFE0F,   // variation selectors
			r >= 0xE0100 && r <= 0xE01EF: // variation selectors supplement
			return -1
		}
		return r
	}, s)
}
