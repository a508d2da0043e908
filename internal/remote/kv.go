package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/status"
)

const casAttempts = 5

// KVConfig names the key-value buckets backing the store.
type KVConfig struct {
	MessagesBucket      string
	ConversationsBucket string
	ProfilesBucket      string
	// SelfID is checked against conversation participants before a
	// subscription is opened.
	SelfID string
}

// KV is a Store on NATS JetStream key-value buckets. Messages live under
// "<conversation>.<message>" so a conversation is one wildcard watch.
type KV struct {
	messages jetstream.KeyValue
	convs    jetstream.KeyValue
	profiles jetstream.KeyValue
	selfID   string
	logger   *zap.Logger
}

// NewKV creates or binds the buckets named in cfg.
func NewKV(ctx context.Context, js jetstream.JetStream, cfg KVConfig, logger *zap.Logger) (*KV, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	k := &KV{selfID: cfg.SelfID, logger: logger}
	for _, b := range []struct {
		name string
		dst  *jetstream.KeyValue
	}{
		{cfg.MessagesBucket, &k.messages},
		{cfg.ConversationsBucket, &k.convs},
		{cfg.ProfilesBucket, &k.profiles},
	} {
		kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:  b.name,
			History: 1,
			Storage: jetstream.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("bucket %s: %w", b.name, mapErr(err))
		}
		*b.dst = kv
	}
	return k, nil
}

// Subscribe implements Store. The watch outlives ctx; only Close ends it.
func (k *KV) Subscribe(ctx context.Context, conversationID string, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error) {
	if err := validToken("conversation id", conversationID); err != nil {
		return nil, err
	}
	if err := k.checkAccess(ctx, conversationID); err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			s := newKVSub(func() {})
			go s.fail(onError, err)
			return s, nil
		}
		return nil, err
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w, err := k.messages.Watch(wctx, conversationID+".*")
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch %s: %w", conversationID, mapErr(err))
	}
	s := newKVSub(func() {
		cancel()
		_ = w.Stop()
	})
	go runWatch(s, w, func(entries map[string]chat.Message) {
		out := make([]chat.Message, 0, len(entries))
		for _, m := range entries {
			out = append(out, m.Clone())
		}
		chat.SortMessages(out)
		onSnapshot(out)
	}, onError, k.logger.With(zap.String("conversation_id", conversationID)))
	return s, nil
}

// SubscribeConversations implements Store.
func (k *KV) SubscribeConversations(ctx context.Context, userID string, onSnapshot ConversationsFunc, onError ErrorFunc) (Subscription, error) {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w, err := k.convs.WatchAll(wctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch conversations: %w", mapErr(err))
	}
	s := newKVSub(func() {
		cancel()
		_ = w.Stop()
	})
	go runWatch(s, w, func(entries map[string]chat.Conversation) {
		var out []chat.Conversation
		for _, c := range entries {
			if c.HasParticipant(userID) {
				out = append(out, c.Clone())
			}
		}
		sortConversations(out)
		onSnapshot(out)
	}, onError, k.logger.With(zap.String("user_id", userID)))
	return s, nil
}

// Fetch implements Store.
func (k *KV) Fetch(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if err := validToken("conversation id", conversationID); err != nil {
		return nil, err
	}
	if err := k.checkAccess(ctx, conversationID); err != nil {
		return nil, err
	}
	w, err := k.messages.Watch(ctx, conversationID+".*", jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", conversationID, mapErr(err))
	}
	defer func() { _ = w.Stop() }()

	var out []chat.Message
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch %s: %w", conversationID, mapErr(ctx.Err()))
		case e, ok := <-w.Updates():
			if !ok {
				return nil, fmt.Errorf("fetch %s: %w", conversationID, ErrUnavailable)
			}
			if e == nil {
				chat.SortMessages(out)
				return out, nil
			}
			m, err := decodeRecord[chat.Message](e.Value())
			if err != nil {
				k.logger.Warn("skip undecodable message", zap.String("key", e.Key()), zap.Error(err))
				continue
			}
			out = append(out, m)
		}
	}
}

// Write implements Store. The conversation preview is updated after the
// message is stored; a failed preview update does not fail the write.
func (k *KV) Write(ctx context.Context, req WriteRequest) (string, error) {
	if err := validToken("conversation id", req.ConversationID); err != nil {
		return "", err
	}
	id := uuid.NewString()
	msg := req.Message(id)
	data, err := encodeRecord(&msg)
	if err != nil {
		return "", err
	}
	if _, err := k.messages.Create(ctx, messageKey(req.ConversationID, id), data); err != nil {
		return "", fmt.Errorf("write message: %w", mapErr(err))
	}

	now := time.Now().UnixMilli()
	err = casUpdate(ctx, k.convs, req.ConversationID, func(c *chat.Conversation) bool {
		*c = applyWrite(*c, msg, now)
		return true
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		k.logger.Warn("conversation preview update failed",
			zap.String("conversation_id", req.ConversationID), zap.Error(err))
	}
	return id, nil
}

// UpdateStatus implements Store.
func (k *KV) UpdateStatus(ctx context.Context, conversationID, messageID string, to status.State) error {
	return casUpdate(ctx, k.messages, messageKey(conversationID, messageID), func(m *chat.Message) bool {
		return applyStatus(m, to)
	})
}

// MarkRead implements Store.
func (k *KV) MarkRead(ctx context.Context, conversationID, messageID, userID string) error {
	now := time.Now().UnixMilli()
	err := casUpdate(ctx, k.messages, messageKey(conversationID, messageID), func(m *chat.Message) bool {
		return applyRead(m, userID, now)
	})
	if err != nil {
		return err
	}
	err = casUpdate(ctx, k.convs, conversationID, func(c *chat.Conversation) bool {
		if c.Unread(userID) == 0 {
			return false
		}
		c.UnreadCount[userID] = 0
		return true
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		k.logger.Warn("reset unread failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return nil
}

// Profile implements Store.
func (k *KV) Profile(ctx context.Context, userID string) (chat.Profile, error) {
	if err := validToken("user id", userID); err != nil {
		return chat.Profile{}, err
	}
	e, err := k.profiles.Get(ctx, userID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return chat.Profile{}, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return chat.Profile{}, fmt.Errorf("profile %s: %w", userID, mapErr(err))
	}
	return decodeRecord[chat.Profile](e.Value())
}

// PutConversation creates or replaces a conversation record.
func (k *KV) PutConversation(ctx context.Context, c chat.Conversation) error {
	if err := validToken("conversation id", c.ID); err != nil {
		return err
	}
	data, err := encodeRecord(&c)
	if err != nil {
		return err
	}
	if _, err := k.convs.Put(ctx, c.ID, data); err != nil {
		return fmt.Errorf("put conversation %s: %w", c.ID, mapErr(err))
	}
	return nil
}

// PutProfile creates or replaces a profile record.
func (k *KV) PutProfile(ctx context.Context, p chat.Profile) error {
	if err := validToken("user id", p.UserID); err != nil {
		return err
	}
	data, err := encodeRecord(&p)
	if err != nil {
		return err
	}
	if _, err := k.profiles.Put(ctx, p.UserID, data); err != nil {
		return fmt.Errorf("put profile %s: %w", p.UserID, mapErr(err))
	}
	return nil
}

// checkAccess rejects conversations the current user does not take part in.
// Unknown conversations are allowed.
func (k *KV) checkAccess(ctx context.Context, conversationID string) error {
	if k.selfID == "" {
		return nil
	}
	e, err := k.convs.Get(ctx, conversationID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, mapErr(err))
	}
	c, err := decodeRecord[chat.Conversation](e.Value())
	if err != nil {
		return err
	}
	if !c.HasParticipant(k.selfID) {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrPermissionDenied)
	}
	return nil
}

// casUpdate applies fn to the record at key with optimistic concurrency,
// retrying when another writer got there first. fn returning false skips the
// write.
func casUpdate[T any](ctx context.Context, kv jetstream.KeyValue, key string, fn func(*T) bool) error {
	var lastErr error
	for range casAttempts {
		e, err := kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("update %s: %w", key, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("update %s: %w", key, mapErr(err))
		}
		v, err := decodeRecord[T](e.Value())
		if err != nil {
			return err
		}
		if !fn(&v) {
			return nil
		}
		data, err := encodeRecord(&v)
		if err != nil {
			return err
		}
		if _, err = kv.Update(ctx, key, data, e.Revision()); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("update %s: %w", key, mapErr(ctx.Err()))
		}
		lastErr = err
	}
	return fmt.Errorf("update %s: %w", key, mapErr(lastErr))
}

// mapErr translates NATS errors into the package sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, natsgo.ErrPermissionViolation),
		strings.Contains(strings.ToLower(err.Error()), "permissions violation"):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case errors.Is(err, natsgo.ErrConnectionClosed),
		errors.Is(err, natsgo.ErrTimeout),
		errors.Is(err, natsgo.ErrNoResponders),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

type kvSub struct {
	stop func()
	done chan struct{}
	once sync.Once
}

func newKVSub(stop func()) *kvSub {
	return &kvSub{stop: stop, done: make(chan struct{})}
}

// Close implements Subscription.
func (s *kvSub) Close() {
	s.once.Do(func() {
		close(s.done)
		s.stop()
	})
}

func (s *kvSub) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *kvSub) fail(onError ErrorFunc, err error) {
	first := false
	s.once.Do(func() {
		first = true
		close(s.done)
		s.stop()
	})
	if first && onError != nil {
		onError(err)
	}
}

// runWatch folds watcher entries into a key -> record map and emits the whole
// map once the initial values are in and after every later batch of changes.
func runWatch[T any](s *kvSub, w jetstream.KeyWatcher, emit func(map[string]T), onError ErrorFunc, logger *zap.Logger) {
	state := make(map[string]T)
	ready := false

	apply := func(e jetstream.KeyValueEntry) {
		switch e.Operation() {
		case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			delete(state, e.Key())
		default:
			v, err := decodeRecord[T](e.Value())
			if err != nil {
				logger.Warn("skip undecodable record", zap.String("key", e.Key()), zap.Error(err))
				return
			}
			state[e.Key()] = v
		}
	}

	for {
		select {
		case <-s.done:
			return
		case e, ok := <-w.Updates():
			if !ok {
				if !s.closed() {
					s.fail(onError, fmt.Errorf("watch ended: %w", ErrUnavailable))
				}
				return
			}
			if e == nil {
				ready = true
			} else {
				apply(e)
				if !ready {
					continue
				}
			}
		drain:
			for {
				select {
				case e, ok := <-w.Updates():
					if !ok || e == nil {
						break drain
					}
					apply(e)
				default:
					break drain
				}
			}
			if s.closed() {
				return
			}
			emit(state)
		}
	}
}
