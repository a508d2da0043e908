package views

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/pigeonai/pigeon/internal/api"
	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/status"
	"github.com/pigeonai/pigeon/internal/tui/ui"
)

// MessageThread displays messages and a composer for a single conversation.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.TextView
	composer *tview.InputField
	title    string
	selfID   string
	onSend   func(text string)
}

// NewMessageThread creates a new message thread view.
func NewMessageThread(theme *ui.Theme) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitle(" Messages ")
	messages.SetTitleColor(theme.TitleColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetLabelColor(theme.MenuKeyColor)
	composer.SetTitle(" Compose (i to focus, /image <url> for pictures) ")
	composer.SetTitleColor(theme.TitleColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		composer: composer,
	}

	composer.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter && mt.onSend != nil {
			if text := composer.GetText(); text != "" {
				mt.onSend(text)
				composer.SetText("")
			}
		}
	})
	return mt
}

func (mt *MessageThread) Name() string {
	if mt.title != "" {
		return mt.title
	}
	return "Messages"
}

func (mt *MessageThread) Hints() []ui.MenuHint {
	return []ui.MenuHint{
		{Key: "i", Description: "Compose"},
		{Key: "r", Description: "Refresh"},
		{Key: "m", Description: "Mark read"},
		{Key: "d", Description: "Details"},
		{Key: "Esc", Description: "Back"},
	}
}

// SetConversation names the conversation in the border and the crumb.
func (mt *MessageThread) SetConversation(title string) {
	mt.title = title
	mt.messages.SetTitle(fmt.Sprintf(" %s ", tview.Escape(title)))
}

// SetSelf sets the user whose messages are shown as "You".
func (mt *MessageThread) SetSelf(id string) {
	mt.selfID = id
}

// SetOnSend sets the callback when a message is submitted.
func (mt *MessageThread) SetOnSend(fn func(text string)) {
	mt.onSend = fn
}

// Update renders msgs oldest first.
func (mt *MessageThread) Update(msgs []api.Message) {
	mt.messages.Clear()
	for _, m := range msgs {
		_, _ = fmt.Fprint(mt.messages, mt.line(m))
	}
	mt.messages.ScrollToEnd()
}

func (mt *MessageThread) line(m api.Message) string {
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	nameColor := mt.theme.CounterColor
	mark := ""
	if m.SenderID == mt.selfID {
		sender = "You"
		nameColor = mt.theme.SelfColor
		glyph, c := mt.theme.StatusMark(m.Status)
		mark = fmt.Sprintf(" [%s]%s[-]", ui.ColorName(c), glyph)
		if m.Status == status.Failed {
			mark += fmt.Sprintf(" [%s]queued for retry[-]", ui.ColorName(mt.theme.FlashErrColor))
		}
	}

	body := tview.Escape(sanitizeForTerminal(m.Content))
	if m.Type == chat.Image {
		img := fmt.Sprintf("[%s](image) %s[-]", ui.ColorName(mt.theme.MenuKeyColor), tview.Escape(m.ImageURL))
		if body != "" {
			body = img + "\n" + body
		} else {
			body = img
		}
	}

	return fmt.Sprintf("[%s::b]%s[-:-:-] [::d]%s[-:-:-]%s\n%s\n\n",
		ui.ColorName(nameColor), tview.Escape(sanitizeForTerminal(sender)),
		formatTimestamp(m.Timestamp), mark, body)
}

// Messages returns the messages text view (for focus management).
func (mt *MessageThread) Messages() *tview.TextView {
	return mt.messages
}

// Composer returns the composer input field (for focus management).
func (mt *MessageThread) Composer() *tview.InputField {
	return mt.composer
}
