package chat

import (
	"cmp"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/pigeonai/pigeon/internal/status"
)

// TempPrefix marks ids generated on the device before the remote store
// assigns a canonical one.
const TempPrefix = "temp_"

// Type is the content kind of a message.
type Type string

const (
	Text  Type = "text"
	Image Type = "image"
)

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	return t == Text || t == Image
}

// Message is a single chat message as seen by the client.
type Message struct {
	ID             string           `json:"id" msgpack:"id"`
	ConversationID string           `json:"conversation_id" msgpack:"conversation_id"`
	SenderID       string           `json:"sender_id" msgpack:"sender_id"`
	Content        string           `json:"content" msgpack:"content"`
	Type           Type             `json:"type" msgpack:"type"`
	ImageURL       string           `json:"image_url,omitempty" msgpack:"image_url,omitempty"`
	Timestamp      int64            `json:"timestamp" msgpack:"timestamp"`
	Status         status.State     `json:"status" msgpack:"status"`
	ReadBy         map[string]int64 `json:"read_by,omitempty" msgpack:"read_by,omitempty"`
}

// NewTempID returns a fresh temporary message id.
func NewTempID() string {
	return TempPrefix + uuid.NewString()
}

// IsTemp reports whether id is a device-local temporary id.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// Temp reports whether the message has not been confirmed by the remote store.
func (m Message) Temp() bool {
	return IsTemp(m.ID)
}

// Clone returns a copy that shares no maps with m.
func (m Message) Clone() Message {
	m.ReadBy = maps.Clone(m.ReadBy)
	return m
}

// ReadByEqual reports whether both messages carry the same read receipts.
func (m Message) ReadByEqual(o Message) bool {
	return maps.Equal(m.ReadBy, o.ReadBy)
}

// Preview is the conversation list text for a message.
func (m Message) Preview() string {
	if m.Type == Image && m.Content == "" {
		return "[image]"
	}
	return m.Content
}

// CloneMessages copies a slice of messages deeply.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// SortMessages orders messages by timestamp, then id.
func SortMessages(msgs []Message) {
	slices.SortFunc(msgs, func(a, b Message) int {
		return cmp.Or(cmp.Compare(a.Timestamp, b.Timestamp), strings.Compare(a.ID, b.ID))
	})
}
