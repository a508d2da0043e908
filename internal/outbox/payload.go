package outbox

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/remote"
	"github.com/pigeonai/pigeon/internal/store"
)

// SendPayload is the queued form of a message send.
type SendPayload struct {
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Type           chat.Type `json:"type"`
	ImageURL       string    `json:"image_url,omitempty"`
	TempID         string    `json:"temp_id"`
	Timestamp      int64     `json:"timestamp"`
}

// Request rebuilds the remote write.
func (p SendPayload) Request() remote.WriteRequest {
	return remote.WriteRequest{
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		Type:           p.Type,
		ImageURL:       p.ImageURL,
		Timestamp:      p.Timestamp,
	}
}

// NewSendOp builds the queue entry replaying the send of msg.
func NewSendOp(msg chat.Message) (store.PendingOp, error) {
	data, err := json.Marshal(SendPayload{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Type:           msg.Type,
		ImageURL:       msg.ImageURL,
		TempID:         msg.ID,
		Timestamp:      msg.Timestamp,
	})
	if err != nil {
		return store.PendingOp{}, fmt.Errorf("encode send payload: %w", err)
	}
	return store.PendingOp{
		ID:         uuid.NewString(),
		Kind:       store.OpSendMessage,
		Payload:    data,
		EnqueuedAt: time.Now().UnixMilli(),
	}, nil
}

// DecodeSend parses the payload of a sendMessage entry.
func DecodeSend(op store.PendingOp) (SendPayload, error) {
	if op.Kind != store.OpSendMessage {
		return SendPayload{}, fmt.Errorf("unsupported operation %q", op.Kind)
	}
	var p SendPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return SendPayload{}, fmt.Errorf("decode send payload: %w", err)
	}
	if p.ConversationID == "" || p.TempID == "" {
		return SendPayload{}, fmt.Errorf("send payload missing conversation or temp id")
	}
	return p, nil
}
