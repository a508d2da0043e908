package keys

import (
	"testing"

	"github.com/gdamore/tcell/v2"
)

func TestPageBindingShadowsGlobal(t *testing.T) {
	r := NewRegistry()
	var got string
	r.Global(tcell.KeyRune, 'q', func() { got = "global" })
	r.Rune("thread", 'q', func() { got = "thread" })

	if !r.HandleEvent("thread", tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone)) {
		t.Fatal("expected a match")
	}
	if got != "thread" {
		t.Errorf("handler = %q, want thread", got)
	}

	if !r.HandleEvent("list", tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone)) {
		t.Fatal("expected the global binding")
	}
	if got != "global" {
		t.Errorf("handler = %q, want global", got)
	}
}

func TestSpecialKeys(t *testing.T) {
	r := NewRegistry()
	hit := false
	r.Page("list", tcell.KeyCtrlR, 0, func() { hit = true })

	if r.HandleEvent("list", tcell.NewEventKey(tcell.KeyRune, 'r', tcell.ModNone)) {
		t.Error("plain r should not match ctrl-r")
	}
	if !r.HandleEvent("list", tcell.NewEventKey(tcell.KeyCtrlR, 0, tcell.ModCtrl)) || !hit {
		t.Error("ctrl-r not handled")
	}
}
