package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pigeonai/pigeon/internal/bus"
	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/outbox"
	"github.com/pigeonai/pigeon/internal/push"
	"github.com/pigeonai/pigeon/internal/remote"
	"github.com/pigeonai/pigeon/internal/status"
	"github.com/pigeonai/pigeon/internal/store"
)

var (
	// ErrNoConversation is returned by operations that need an open conversation.
	ErrNoConversation = errors.New("no conversation open")
	// ErrAlreadySubscribed is returned when opening the conversation that is
	// already open and listening.
	ErrAlreadySubscribed = errors.New("conversation already subscribed")
)

// Connectivity reports whether the remote store is reachable.
type Connectivity interface {
	Online() bool
}

// Config tunes the coordinator.
type Config struct {
	SelfID    string
	Tolerance time.Duration
	// SideEffectTimeout bounds push notifications and delivery receipts.
	SideEffectTimeout time.Duration
	// FetchTimeout bounds the remote fetch shared by concurrent Refresh calls.
	FetchTimeout time.Duration
}

// Coordinator owns the in-memory message list of the open conversation and is
// its only writer. Remote snapshots, local sends and queue results all pass
// through it.
type Coordinator struct {
	db     *store.DB
	remote remote.Store
	push   push.Dispatcher
	net    Connectivity
	bus    *bus.Bus
	logger *zap.Logger
	cfg    Config
	rec    Reconciler

	mu     sync.Mutex
	convID string
	msgs   []chat.Message
	sub    remote.Subscription
	gen    uint64
	denied bool

	refresh  singleflight.Group
	inflight sync.WaitGroup
	errs     chan error
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewCoordinator creates a coordinator.
func NewCoordinator(db *store.DB, rs remote.Store, pd push.Dispatcher, net Connectivity, b *bus.Bus, logger *zap.Logger, cfg Config) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pd == nil {
		pd = push.Nop{}
	}
	if cfg.SideEffectTimeout <= 0 {
		cfg.SideEffectTimeout = 10 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	return &Coordinator{
		db:     db,
		remote: rs,
		push:   pd,
		net:    net,
		bus:    b,
		logger: logger,
		cfg:    cfg,
		rec:    Reconciler{SelfID: cfg.SelfID, Tolerance: cfg.Tolerance},
		errs:   make(chan error, 8),
	}
}

// Start follows queue processor results on the bus.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	ch, unsub := c.bus.Subscribe("outbox.", 256)

	go func() {
		defer close(c.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				c.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops following the bus, closes the conversation and waits for
// in-flight sends.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	c.Close()
	c.Wait()
}

func (c *Coordinator) handleEvent(evt bus.Event) {
	r, ok := evt.Payload.(outbox.Result)
	if !ok {
		return
	}
	switch evt.Kind {
	case bus.KindOutboxSending:
		c.setStatus(r.ConversationID, r.TempID, status.Sending)
	case bus.KindOutboxFailed, bus.KindOutboxDropped:
		c.setStatus(r.ConversationID, r.TempID, status.Failed)
	case bus.KindOutboxSent:
		if r.Message != nil {
			c.confirm(r.ConversationID, r.TempID, *r.Message)
		}
	}
}

// Errors reports subscription failures, once per subscription.
func (c *Coordinator) Errors() <-chan error {
	return c.errs
}

// ConversationID returns the open conversation, or "".
func (c *Coordinator) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convID
}

// Messages returns a copy of the in-memory message list.
func (c *Coordinator) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chat.CloneMessages(c.msgs)
}

// Open makes conversationID the active conversation. Cached messages are
// loaded first; the remote subscription follows when online. Any previous
// conversation is closed.
func (c *Coordinator) Open(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("open: empty conversation id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.convID == conversationID && c.sub != nil {
		return nil, ErrAlreadySubscribed
	}
	c.closeLocked()
	c.convID = conversationID

	msgs, err := c.db.GetMessages(conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	c.msgs = msgs
	c.emitSnapshotLocked()

	if c.online() {
		if err := c.subscribeLocked(ctx); err != nil {
			c.logger.Warn("subscribe failed, showing cached messages",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	return chat.CloneMessages(c.msgs), nil
}

// Close detaches from the open conversation. In-flight sends and queued
// retries continue.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Coordinator) closeLocked() {
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	c.gen++
	c.convID = ""
	c.msgs = nil
	c.denied = false
}

// Resubscribe re-attaches the remote listener of the open conversation. It
// does nothing after a permission failure.
func (c *Coordinator) Resubscribe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.convID == "" || c.denied {
		return nil
	}
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	return c.subscribeLocked(ctx)
}

func (c *Coordinator) subscribeLocked(ctx context.Context) error {
	c.gen++
	gen, convID := c.gen, c.convID
	sub, err := c.remote.Subscribe(ctx, convID,
		func(msgs []chat.Message) { c.onSnapshot(gen, convID, msgs) },
		func(err error) { c.onSubscriptionError(gen, convID, err) })
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", convID, err)
	}
	c.sub = sub
	return nil
}

func (c *Coordinator) onSnapshot(gen uint64, convID string, snapshot []chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.applySnapshotLocked(convID, snapshot)
}

func (c *Coordinator) applySnapshotLocked(convID string, snapshot []chat.Message) {
	res := c.rec.Reconcile(c.msgs, snapshot)
	if err := c.db.ApplySnapshot(convID, res.Upserts, res.Superseded); err != nil {
		c.logger.Error("cache snapshot", zap.String("conversation_id", convID), zap.Error(err))
	}
	if err := c.db.SetCheckpoint(store.SnapshotKey(convID), strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		c.logger.Warn("checkpoint snapshot", zap.String("conversation_id", convID), zap.Error(err))
	}
	c.msgs = res.Messages
	c.emitSnapshotLocked()

	for _, id := range res.MarkDelivered {
		c.markDelivered(convID, id)
	}
}

func (c *Coordinator) onSubscriptionError(gen uint64, convID string, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
	if errors.Is(err, remote.ErrPermissionDenied) {
		c.denied = true
	}
	c.mu.Unlock()

	c.logger.Warn("subscription lost", zap.String("conversation_id", convID), zap.Error(err))
	c.bus.Emit(bus.KindSyncLost, SubscriptionLost{ConversationID: convID, Err: err.Error()})
	select {
	case c.errs <- fmt.Errorf("conversation %s: %w", convID, err):
	default:
	}
}

// SubscriptionLost is the payload of sync.subscription_lost events.
type SubscriptionLost struct {
	ConversationID string
	Err            string
}

// Snapshot is the payload of sync.snapshot events.
type Snapshot struct {
	ConversationID string
	Messages       []chat.Message
}

func (c *Coordinator) emitSnapshotLocked() {
	c.bus.Emit(bus.KindSyncSnapshot, Snapshot{ConversationID: c.convID, Messages: chat.CloneMessages(c.msgs)})
}

// markDelivered reports receipt of another sender's message. Best effort.
func (c *Coordinator) markDelivered(convID, msgID string) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SideEffectTimeout)
		defer cancel()
		if err := c.remote.UpdateStatus(ctx, convID, msgID, status.Delivered); err != nil {
			c.logger.Debug("delivery receipt failed", zap.String("message_id", msgID), zap.Error(err))
		}
	}()
}

// Send creates a temporary message, shows and persists it, and returns. The
// remote write happens in the background when online; otherwise the send is
// queued. A local storage failure is returned with the message marked failed.
func (c *Coordinator) Send(ctx context.Context, content string, typ chat.Type, imageURL string) (chat.Message, error) {
	if typ == "" {
		typ = chat.Text
	}
	if !typ.Valid() {
		return chat.Message{}, fmt.Errorf("send: unknown message type %q", typ)
	}

	c.mu.Lock()
	if c.convID == "" {
		c.mu.Unlock()
		return chat.Message{}, ErrNoConversation
	}
	msg := chat.Message{
		ID:             chat.NewTempID(),
		ConversationID: c.convID,
		SenderID:       c.cfg.SelfID,
		Content:        content,
		Type:           typ,
		ImageURL:       imageURL,
		Timestamp:      time.Now().UnixMilli(),
		Status:         status.Sending,
	}
	c.upsertLocked(msg)
	c.mu.Unlock()
	c.bus.Emit(bus.KindMessageUpserted, msg)

	var op *store.PendingOp
	online := c.online()
	if !online {
		pending, err := outbox.NewSendOp(msg)
		if err != nil {
			return c.failLocal(msg, err)
		}
		op = &pending
	}
	if err := c.db.SaveOptimistic(msg, op); err != nil {
		return c.failLocal(msg, err)
	}
	if !online {
		c.logger.Info("queued offline send", zap.String("conversation_id", msg.ConversationID), zap.String("temp_id", msg.ID))
		return msg, nil
	}

	c.inflight.Add(1)
	go c.deliver(context.WithoutCancel(ctx), msg)
	return msg, nil
}

func (c *Coordinator) failLocal(msg chat.Message, err error) (chat.Message, error) {
	c.logger.Error("save message", zap.String("temp_id", msg.ID), zap.Error(err))
	c.setStatus(msg.ConversationID, msg.ID, status.Failed)
	msg.Status = status.Failed
	return msg, fmt.Errorf("save message: %w", err)
}

// deliver performs the direct remote write of a send. It is not tied to the
// conversation staying open.
func (c *Coordinator) deliver(ctx context.Context, msg chat.Message) {
	defer c.inflight.Done()
	logger := c.logger.With(zap.String("conversation_id", msg.ConversationID), zap.String("temp_id", msg.ID))

	req := remote.WriteRequest{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Type:           msg.Type,
		ImageURL:       msg.ImageURL,
		Timestamp:      msg.Timestamp,
	}
	id, err := c.remote.Write(ctx, req)
	if err != nil {
		logger.Warn("send failed, queued for retry", zap.Error(err))
		op, oerr := outbox.NewSendOp(msg)
		if oerr == nil {
			oerr = c.db.MarkFailedAndEnqueue(msg.ConversationID, msg.ID, op)
		}
		if oerr != nil {
			logger.Error("queue retry", zap.Error(oerr))
		}
		c.setStatus(msg.ConversationID, msg.ID, status.Failed)
		return
	}

	canonical := req.Message(id)
	if err := c.db.CompleteSend(msg.ConversationID, "", msg.ID, &canonical); err != nil {
		logger.Error("complete send", zap.Error(err))
	}
	c.confirm(msg.ConversationID, msg.ID, canonical)
	logger.Info("message sent", zap.String("message_id", id))

	pctx, cancel := context.WithTimeout(context.Background(), c.cfg.SideEffectTimeout)
	defer cancel()
	if err := c.push.Notify(pctx, msg.ConversationID, id, push.Notification{Content: canonical.Preview(), SenderID: msg.SenderID}); err != nil {
		logger.Warn("push notification failed", zap.Error(err))
	}
}

// MarkAsRead records that the current user read msgID. Offline, and for
// messages not yet confirmed, it does nothing.
func (c *Coordinator) MarkAsRead(ctx context.Context, msgID string) error {
	if !c.online() || chat.IsTemp(msgID) {
		return nil
	}
	convID := c.ConversationID()
	if convID == "" {
		return ErrNoConversation
	}
	if err := c.remote.MarkRead(ctx, convID, msgID, c.cfg.SelfID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Refresh reloads the open conversation: from the remote store when online,
// from the local cache otherwise. Concurrent calls share one reload.
func (c *Coordinator) Refresh(ctx context.Context) ([]chat.Message, error) {
	c.mu.Lock()
	convID, gen := c.convID, c.gen
	c.mu.Unlock()
	if convID == "" {
		return nil, ErrNoConversation
	}

	// The reload outlives any single caller: one cancelling must not fail
	// the others waiting on it.
	ch := c.refresh.DoChan(convID, func() (any, error) {
		if c.online() {
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
			defer cancel()
			snapshot, err := c.remote.Fetch(fctx, convID)
			if err != nil {
				return nil, fmt.Errorf("fetch: %w", err)
			}
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.convID == convID && c.gen == gen {
				c.applySnapshotLocked(convID, snapshot)
			}
			return nil, nil
		}

		msgs, err := c.db.GetMessages(convID)
		if err != nil {
			return nil, fmt.Errorf("load messages: %w", err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.convID == convID && c.gen == gen {
			c.msgs = msgs
			c.emitSnapshotLocked()
		}
		return nil, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.Messages(), nil
}

// Wait blocks until background sends and receipts finish.
func (c *Coordinator) Wait() {
	c.inflight.Wait()
}

func (c *Coordinator) online() bool {
	return c.net == nil || c.net.Online()
}

// upsertLocked inserts or replaces msg in the in-memory list, keeping order.
func (c *Coordinator) upsertLocked(msg chat.Message) {
	for i := range c.msgs {
		if c.msgs[i].ID == msg.ID {
			c.msgs[i] = msg
			return
		}
	}
	c.msgs = append(c.msgs, msg)
	chat.SortMessages(c.msgs)
}

func (c *Coordinator) removeLocked(id string) bool {
	for i := range c.msgs {
		if c.msgs[i].ID == id {
			c.msgs = append(c.msgs[:i], c.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// setStatus applies a status change to the in-memory copy when its
// conversation is open.
func (c *Coordinator) setStatus(convID, msgID string, to status.State) {
	c.mu.Lock()
	if c.convID != convID {
		c.mu.Unlock()
		return
	}
	var change *status.Change
	for i := range c.msgs {
		m := &c.msgs[i]
		if m.ID != msgID || m.Status == to {
			continue
		}
		if !status.CanTransition(m.Status, to) {
			c.logger.Debug("ignored status change",
				zap.String("message_id", msgID),
				zap.String("from", string(m.Status)),
				zap.String("to", string(to)))
			break
		}
		change = &status.Change{ConversationID: convID, MessageID: msgID, From: m.Status, To: to}
		m.Status = to
		break
	}
	c.mu.Unlock()
	if change != nil {
		c.bus.Emit(bus.KindMessageStatus, *change)
	}
}

// confirm replaces a temporary message with its confirmed copy. A copy that
// a snapshot already delivered wins over the write result.
func (c *Coordinator) confirm(convID, tempID string, canonical chat.Message) {
	c.mu.Lock()
	if c.convID != convID {
		c.mu.Unlock()
		return
	}
	removed := c.removeLocked(tempID)
	known := slices.ContainsFunc(c.msgs, func(m chat.Message) bool { return m.ID == canonical.ID })
	if !known {
		c.upsertLocked(canonical)
	}
	c.mu.Unlock()

	if removed {
		c.bus.Emit(bus.KindMessageRemoved, tempID)
	}
	if !known {
		c.bus.Emit(bus.KindMessageUpserted, canonical)
	}
}
