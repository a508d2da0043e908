package store

import (
	"errors"

	"github.com/pigeonai/pigeon/internal/chat"
)

// ErrNotFound is returned by updates that matched no row.
var ErrNotFound = errors.New("not found")

// OpKind names the operation a queued entry replays.
type OpKind string

// OpSendMessage is the only queued operation kind.
const OpSendMessage OpKind = "sendMessage"

// PendingOp is a durable record of a remote write that has not been confirmed.
type PendingOp struct {
	Seq        int64
	ID         string
	Kind       OpKind
	Payload    []byte
	RetryCount int
	EnqueuedAt int64
}

// SearchResult is a cached message matching a search query.
type SearchResult struct {
	Message chat.Message `json:"message"`
	Snippet string       `json:"snippet"`
}
