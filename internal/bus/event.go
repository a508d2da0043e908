package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine.
const (
	KindMessageUpserted = "message.upserted"
	KindMessageRemoved  = "message.removed"
	KindMessageStatus   = "message.status_changed"

	KindOutboxSending = "outbox.sending"
	KindOutboxSent    = "outbox.sent"
	KindOutboxFailed  = "outbox.failed"
	KindOutboxDropped = "outbox.dropped"

	KindNetOnline  = "net.online"
	KindNetOffline = "net.offline"

	KindSyncSnapshot      = "sync.snapshot"
	KindSyncLost          = "sync.subscription_lost"
	KindConversationsSync = "sync.conversations"
)
