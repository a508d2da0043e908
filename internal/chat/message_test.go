package chat

import (
	"testing"

	"github.com/pigeonai/pigeon/internal/status"
)

func TestTempIDs(t *testing.T) {
	id := NewTempID()
	if !IsTemp(id) {
		t.Errorf("IsTemp(%q) = false", id)
	}
	if IsTemp("m-123") {
		t.Error("canonical id reported as temporary")
	}
	if NewTempID() == id {
		t.Error("temp ids must be unique")
	}
}

func TestCloneDoesNotShareReadBy(t *testing.T) {
	m := Message{ID: "m1", Status: status.Read, ReadBy: map[string]int64{"bob": 1}}
	c := m.Clone()
	c.ReadBy["alice"] = 2
	if len(m.ReadBy) != 1 {
		t.Errorf("original read_by mutated: %v", m.ReadBy)
	}
	if m.ReadByEqual(c) {
		t.Error("ReadByEqual should report a difference")
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{Message{Type: Text, Content: "hi"}, "hi"},
		{Message{Type: Image}, "[image]"},
		{Message{Type: Image, Content: "look"}, "look"},
	}
	for _, tt := range tests {
		if got := tt.msg.Preview(); got != tt.want {
			t.Errorf("Preview() = %q, want %q", got, tt.want)
		}
	}
}

func TestConversationClone(t *testing.T) {
	c := Conversation{ID: "c1", Participants: []string{"a", "b"}, UnreadCount: map[string]int{"a": 2}}
	d := c.Clone()
	d.Participants[0] = "z"
	d.UnreadCount["a"] = 0
	if c.Participants[0] != "a" || c.Unread("a") != 2 {
		t.Error("clone shares state with original")
	}
	if !c.HasParticipant("b") || c.HasParticipant("z") {
		t.Error("HasParticipant mismatch")
	}
}
