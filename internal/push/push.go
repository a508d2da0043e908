// Package push hands new-message notifications to the push delivery service.
package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"
)

// Notification is the payload delivered to the other participants.
type Notification struct {
	Content  string `json:"content"`
	SenderID string `json:"sender_id"`
}

// Dispatcher triggers a push notification for a confirmed message.
type Dispatcher interface {
	Notify(ctx context.Context, conversationID, messageID string, n Notification) error
}

// Nop discards notifications.
type Nop struct{}

// Notify implements Dispatcher.
func (Nop) Notify(context.Context, string, string, Notification) error { return nil }

// envelope is the wire form published for the push service.
type envelope struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Content        string `json:"content"`
	SenderID       string `json:"sender_id"`
	SentAt         int64  `json:"sent_at"`
}

// NATS publishes notifications to a JetStream stream. The message id is used
// as Nats-Msg-Id so a retried send inside the duplicate window is delivered
// once.
type NATS struct {
	js      jetstream.JetStream
	subject string
}

// NewNATS ensures the stream capturing "<subject>.>" exists.
func NewNATS(ctx context.Context, js jetstream.JetStream, stream, subject string) (*NATS, error) {
	if subject == "" {
		return nil, errors.New("push subject is empty")
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       stream,
		Subjects:   []string{subject + ".>"},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		MaxAge:     24 * time.Hour,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("push stream %s: %w", stream, err)
	}
	return &NATS{js: js, subject: subject}, nil
}

// Notify implements Dispatcher.
func (p *NATS) Notify(ctx context.Context, conversationID, messageID string, n Notification) error {
	data, err := json.Marshal(envelope{
		ConversationID: conversationID,
		MessageID:      messageID,
		Content:        n.Content,
		SenderID:       n.SenderID,
		SentAt:         time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if _, err := p.js.Publish(ctx, p.subject+"."+conversationID, data, jetstream.WithMsgID(messageID)); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
