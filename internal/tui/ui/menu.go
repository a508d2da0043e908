package ui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// MenuHint describes a keyboard shortcut for display in the menu.
type MenuHint struct {
	Key         string
	Description string
	Numeric     bool // digit shortcuts get their own color
	global      bool
}

// Component is a page the app can push: it names its crumb and lists the
// keys it handles.
type Component interface {
	Name() string
	Hints() []MenuHint
}

// Menu lays hints out in columns of at most rows lines. Page hints come
// first, then the global ones in the muted color.
type Menu struct {
	*tview.TextView
	theme  *Theme
	rows   int
	global []MenuHint
}

// NewMenu creates a menu that fills rows lines before starting a column.
func NewMenu(theme *Theme, rows int) *Menu {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 2, 0)
	return &Menu{TextView: tv, theme: theme, rows: max(rows, 1)}
}

// SetGlobal sets the hints shown under every page.
func (m *Menu) SetGlobal(hints []MenuHint) {
	m.global = make([]MenuHint, len(hints))
	for i, h := range hints {
		h.global = true
		m.global[i] = h
	}
}

// Update renders the page hints followed by the global hints.
func (m *Menu) Update(hints []MenuHint) {
	m.SetText(m.render(append(append([]MenuHint(nil), hints...), m.global...)))
}

func (m *Menu) render(hints []MenuHint) string {
	cols := columns(hints, m.rows)
	widths := make([]int, len(cols))
	for c, col := range cols {
		for _, h := range col {
			widths[c] = max(widths[c], len(h.Key)+len(h.Description)+3)
		}
	}

	var b strings.Builder
	for r := 0; r < m.rows; r++ {
		for c, col := range cols {
			if r >= len(col) {
				continue
			}
			h := col[r]
			pad := widths[c] - len(h.Key) - len(h.Description) - 3 + 2
			_, _ = fmt.Fprintf(&b, "[%s::b]<%s>[-:-:-] %s%s", ColorName(m.keyColor(h)), h.Key,
				tview.Escape(h.Description), strings.Repeat(" ", pad))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Menu) keyColor(h MenuHint) tcell.Color {
	switch {
	case h.global:
		return m.theme.MutedColor
	case h.Numeric:
		return m.theme.NumericKeyColor
	default:
		return m.theme.MenuKeyColor
	}
}

// columns splits hints into consecutive columns of at most rows entries.
func columns(hints []MenuHint, rows int) [][]MenuHint {
	var cols [][]MenuHint
	for len(hints) > rows {
		cols = append(cols, hints[:rows])
		hints = hints[rows:]
	}
	if len(hints) > 0 {
		cols = append(cols, hints)
	}
	return cols
}
