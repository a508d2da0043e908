package sync

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pigeonai/pigeon/internal/bus"
	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/remote"
	"github.com/pigeonai/pigeon/internal/store"
)

// ConversationFeed mirrors the user's conversation list into the local store.
type ConversationFeed struct {
	db     *store.DB
	remote remote.Store
	bus    *bus.Bus
	logger *zap.Logger
	selfID string

	mu  sync.Mutex
	sub remote.Subscription
	gen uint64
}

// NewConversationFeed creates a feed for selfID.
func NewConversationFeed(db *store.DB, rs remote.Store, b *bus.Bus, logger *zap.Logger, selfID string) *ConversationFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationFeed{db: db, remote: rs, bus: b, logger: logger, selfID: selfID}
}

// Resubscribe (re)attaches the remote conversation listener.
func (f *ConversationFeed) Resubscribe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		f.sub.Close()
		f.sub = nil
	}
	f.gen++
	gen := f.gen
	sub, err := f.remote.SubscribeConversations(ctx, f.selfID,
		func(convs []chat.Conversation) { f.onSnapshot(gen, convs) },
		func(err error) { f.onError(gen, err) })
	if err != nil {
		return fmt.Errorf("subscribe conversations: %w", err)
	}
	f.sub = sub
	return nil
}

// Close detaches the listener.
func (f *ConversationFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		f.sub.Close()
		f.sub = nil
	}
	f.gen++
}

// Conversations returns the cached conversation list.
func (f *ConversationFeed) Conversations() ([]chat.Conversation, error) {
	return f.db.GetConversations()
}

func (f *ConversationFeed) onSnapshot(gen uint64, convs []chat.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		return
	}
	if err := f.db.UpsertConversations(convs); err != nil {
		f.logger.Error("cache conversations", zap.Error(err))
		return
	}
	f.bus.Emit(bus.KindConversationsSync, len(convs))
}

func (f *ConversationFeed) onError(gen uint64, err error) {
	f.mu.Lock()
	if gen != f.gen {
		f.mu.Unlock()
		return
	}
	f.sub = nil
	f.mu.Unlock()
	f.logger.Warn("conversation feed lost", zap.Error(err))
	f.bus.Emit(bus.KindSyncLost, SubscriptionLost{Err: err.Error()})
}
