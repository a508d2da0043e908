package views

import (
	"fmt"
	"strings"

	"github.com/rivo/tview"

	"github.com/pigeonai/pigeon/internal/api"
	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/tui/ui"
)

// ShareScheme prefixes conversation links rendered as QR codes.
const ShareScheme = "pigeon://conversation/"

// ConversationInfo shows a conversation's metadata and a QR code another
// device can scan to open it.
type ConversationInfo struct {
	*tview.TextView
	theme *ui.Theme
}

// NewConversationInfo creates a new conversation info view.
func NewConversationInfo(theme *ui.Theme) *ConversationInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Conversation Details ")
	tv.SetTitleColor(theme.TitleColor)
	return &ConversationInfo{TextView: tv, theme: theme}
}

func (ci *ConversationInfo) Name() string { return "Details" }

func (ci *ConversationInfo) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "Esc", Description: "Back"},
	}
}

// Update renders c.
func (ci *ConversationInfo) Update(c api.Conversation) {
	ci.Clear()
	fg := ui.ColorName(ci.theme.FgColor)
	val := ui.ColorName(ci.theme.CounterColor)

	kind := "Direct"
	if c.Type == chat.Group {
		kind = "Group"
	}
	lastActive := formatTimestamp(c.LastMessageTime)
	if lastActive == "" {
		lastActive = "-"
	}

	row := func(label, value string) {
		_, _ = fmt.Fprintf(ci, " [%s::b]%-14s[-:-:-] [%s]%s[-]\n", fg, label, val, tview.Escape(sanitizeForTerminal(value)))
	}
	_, _ = fmt.Fprintln(ci)
	row("Title:", c.Title)
	row("ID:", c.ID)
	row("Type:", kind)
	row("Members:", strings.Join(c.Participants, ", "))
	row("Unread:", fmt.Sprint(c.Unread))
	row("Last Active:", lastActive)
	row("Last Message:", c.LastMessage)

	_, _ = fmt.Fprintf(ci, "\n [::d]Scan to open on another device:[-:-:-]\n\n%s", renderQR(ShareScheme+c.ID))
	ci.SetTitle(fmt.Sprintf(" %s Details ", tview.Escape(c.Title)))
}
