package api

import (
	"github.com/goccy/go-json"

	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/outbox"
	"github.com/pigeonai/pigeon/internal/store"
)

// Empty is used by calls without arguments or results.
type Empty struct{}

type StatusResponse struct {
	Session        string `json:"session"`
	UserID         string `json:"user_id"`
	Online         bool   `json:"online"`
	Conversation   string `json:"conversation,omitempty"`
	Pending        int    `json:"pending"`
	CachedMessages int    `json:"cached_messages"`
	Breaker        string `json:"breaker,omitempty"`
	DroppedEvents  uint64 `json:"dropped_events"`
	UptimeMs       int64  `json:"uptime_ms"`
}

// Conversation is a cached conversation with its title resolved.
type Conversation struct {
	chat.Conversation
	Title  string `json:"title"`
	Unread int    `json:"unread"`
}

type ConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

type OpenRequest struct {
	ConversationID string `json:"conversation_id"`
}

// Message is a message with the sender's display name.
type Message struct {
	chat.Message
	SenderName string `json:"sender_name"`
}

type MessagesResponse struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
}

type SendRequest struct {
	Content  string    `json:"content"`
	Type     chat.Type `json:"type,omitempty"`
	ImageURL string    `json:"image_url,omitempty"`
}

type SendResponse struct {
	Message chat.Message `json:"message"`
}

type MarkReadRequest struct {
	MessageID string `json:"message_id"`
}

// PendingSend is a queued send as shown to the user.
type PendingSend struct {
	OpID           string `json:"op_id"`
	ConversationID string `json:"conversation_id"`
	TempID         string `json:"temp_id"`
	Content        string `json:"content"`
	RetryCount     int    `json:"retry_count"`
	EnqueuedAt     int64  `json:"enqueued_at"`
}

type PendingResponse struct {
	Pending []PendingSend `json:"pending"`
}

type DrainResponse struct {
	Stats outbox.Stats `json:"stats"`
}

type SetNetworkRequest struct {
	Online bool `json:"online"`
}

type SearchRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type SearchResponse struct {
	Results []store.SearchResult `json:"results"`
}

type WatchRequest struct {
	// Prefix selects event kinds; empty means all.
	Prefix string `json:"prefix,omitempty"`
}

// Event is one bus event on the Watch stream.
type Event struct {
	Kind       string          `json:"kind"`
	OccurredAt int64           `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
