// Package remote defines the real-time document store the engine syncs
// against, with an in-process backend and a NATS JetStream key-value backend.
package remote

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/status"
)

var (
	// ErrPermissionDenied is reported when the current user may not read a
	// conversation. Subscriptions ending with it are not retried.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound is returned for a missing message or profile.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is returned while the store cannot be reached.
	ErrUnavailable = errors.New("remote store unavailable")
)

// WriteRequest carries the fields of a new message. The store assigns the
// canonical id.
type WriteRequest struct {
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Type           chat.Type `json:"type"`
	ImageURL       string    `json:"image_url,omitempty"`
	Timestamp      int64     `json:"timestamp"`
}

// Message builds the stored form of the request under id.
func (r WriteRequest) Message(id string) chat.Message {
	typ := r.Type
	if typ == "" {
		typ = chat.Text
	}
	return chat.Message{
		ID:             id,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		Type:           typ,
		ImageURL:       r.ImageURL,
		Timestamp:      r.Timestamp,
		Status:         status.Sent,
	}
}

// SnapshotFunc receives the full ordered message list of a conversation.
type SnapshotFunc func(msgs []chat.Message)

// ConversationsFunc receives the full conversation list of a user.
type ConversationsFunc func(convs []chat.Conversation)

// ErrorFunc is called at most once, when a subscription ends abnormally.
type ErrorFunc func(err error)

// Subscription is a cancellable listener handle.
type Subscription interface {
	Close()
}

// Store is the remote real-time document store.
type Store interface {
	// Subscribe delivers a snapshot now and after every change until the
	// subscription is closed or fails.
	Subscribe(ctx context.Context, conversationID string, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error)
	// Fetch returns the current messages of a conversation once.
	Fetch(ctx context.Context, conversationID string) ([]chat.Message, error)
	// Write stores a new message and returns its canonical id. Retried writes
	// may create duplicates.
	Write(ctx context.Context, req WriteRequest) (string, error)
	UpdateStatus(ctx context.Context, conversationID, messageID string, to status.State) error
	MarkRead(ctx context.Context, conversationID, messageID, userID string) error
	SubscribeConversations(ctx context.Context, userID string, onSnapshot ConversationsFunc, onError ErrorFunc) (Subscription, error)
	Profile(ctx context.Context, userID string) (chat.Profile, error)
}

func sortConversations(convs []chat.Conversation) {
	slices.SortFunc(convs, func(a, b chat.Conversation) int {
		return cmp.Or(cmp.Compare(b.LastMessageTime, a.LastMessageTime), strings.Compare(a.ID, b.ID))
	})
}

// applyWrite updates a conversation's preview fields for a newly written message.
func applyWrite(c chat.Conversation, m chat.Message, now int64) chat.Conversation {
	c = c.Clone()
	if m.Timestamp >= c.LastMessageTime {
		c.LastMessage = m.Preview()
		c.LastMessageTime = m.Timestamp
	}
	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int)
	}
	for _, p := range c.Participants {
		if p != m.SenderID {
			c.UnreadCount[p]++
		}
	}
	c.UpdatedAt = now
	return c
}

// applyRead marks m read by userID. It reports whether anything changed.
func applyRead(m *chat.Message, userID string, now int64) bool {
	if m.SenderID == userID {
		return false
	}
	changed := false
	if _, ok := m.ReadBy[userID]; !ok {
		if m.ReadBy == nil {
			m.ReadBy = make(map[string]int64)
		}
		m.ReadBy[userID] = now
		changed = true
	}
	if m.Status != status.Read && status.CanTransition(m.Status, status.Read) {
		m.Status = status.Read
		changed = true
	}
	return changed
}

// applyStatus advances m to the given state; regressions are ignored so the
// most advanced writer wins.
func applyStatus(m *chat.Message, to status.State) bool {
	if status.Rank(to) <= status.Rank(m.Status) {
		return false
	}
	if !status.CanTransition(m.Status, to) {
		return false
	}
	m.Status = to
	return true
}
