package ui

import (
	"fmt"
	"time"

	"github.com/rivo/tview"
)

// SessionData is what the header shows about the daemon.
type SessionData struct {
	Session       string
	UserID        string
	Online        bool
	Conversations int
	Pending       int
	Breaker       string
	Uptime        time.Duration
}

// SessionInfo displays session metadata in the header.
type SessionInfo struct {
	*tview.TextView
	theme *Theme
}

// NewSessionInfo creates a new session info panel.
func NewSessionInfo(theme *Theme) *SessionInfo {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 1, 1)
	return &SessionInfo{TextView: tv, theme: theme}
}

// Update renders the session info.
func (si *SessionInfo) Update(data *SessionData) {
	si.Clear()
	if data == nil {
		return
	}

	fg := ColorName(si.theme.FgColor)
	val := ColorName(si.theme.CounterColor)
	network, netColor := "offline", si.theme.OfflineColor
	if data.Online {
		network, netColor = "online", si.theme.OnlineColor
	}
	breaker := data.Breaker
	if breaker == "" {
		breaker = "-"
	}

	row := func(label, color, value string) {
		_, _ = fmt.Fprintf(si, "[%s::b]%-8s[-:-:-] [%s]%s[-]\n", fg, label, color, tview.Escape(value))
	}
	row("Session:", val, data.Session)
	row("User:", val, data.UserID)
	row("Network:", ColorName(netColor), network)
	row("Chats:", val, fmt.Sprint(data.Conversations))
	row("Outbox:", val, fmt.Sprint(data.Pending))
	row("Breaker:", val, breaker)
	row("Uptime:", val, formatDuration(data.Uptime))
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
