package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pigeonai/pigeon/internal/bus"
	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/push"
	"github.com/pigeonai/pigeon/internal/remote"
	"github.com/pigeonai/pigeon/internal/status"
	"github.com/pigeonai/pigeon/internal/store"
)

// DefaultMaxRetries is the number of failed replays after which a queued send
// is abandoned.
const DefaultMaxRetries = 3

// Connectivity reports whether the remote store is reachable.
type Connectivity interface {
	Online() bool
}

// Config tunes the processor.
type Config struct {
	MaxRetries int
	// FlushInterval enables a periodic drain while online. Zero disables it.
	FlushInterval time.Duration
	// ReplayRate caps replayed writes per second. Zero means unlimited.
	ReplayRate float64
	// PushTimeout bounds each best-effort push notification.
	PushTimeout time.Duration
}

// Result is the payload of every outbox.* bus event.
type Result struct {
	ConversationID string
	TempID         string
	OpID           string
	Retries        int
	// Message is the confirmed copy on outbox.sent.
	Message *chat.Message
	Err     string
}

// Stats summarizes one drain pass.
type Stats struct {
	Sent    int
	Failed  int
	Dropped int
	Skipped int
	Halted  bool
}

// Processor replays queued sends against the remote store. Only one drain
// runs at a time and entries are replayed strictly in queue order.
type Processor struct {
	db      *store.DB
	remote  remote.Store
	push    push.Dispatcher
	net     Connectivity
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config
	limiter *rate.Limiter

	mu     sync.Mutex
	pushes sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProcessor creates a processor. net may be nil, in which case the remote
// is assumed reachable.
func NewProcessor(db *store.DB, rs remote.Store, pd push.Dispatcher, net Connectivity, b *bus.Bus, logger *zap.Logger, cfg Config) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pd == nil {
		pd = push.Nop{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 10 * time.Second
	}
	p := &Processor{
		db:     db,
		remote: rs,
		push:   pd,
		net:    net,
		bus:    b,
		logger: logger,
		cfg:    cfg,
	}
	if cfg.ReplayRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.ReplayRate), 1)
	}
	return p
}

// Enqueue persists op. It returns once the entry is durable.
func (p *Processor) Enqueue(op store.PendingOp) error {
	return p.db.Enqueue(op)
}

// Pending returns the queued entries in replay order.
func (p *Processor) Pending() ([]store.PendingOp, error) {
	return p.db.ListPending()
}

// Start runs the periodic flush loop when a flush interval is configured.
func (p *Processor) Start(ctx context.Context) {
	if p.cfg.FlushInterval <= 0 {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.loop(ctx)
}

// Stop stops the flush loop and waits for outstanding push notifications.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	p.pushes.Wait()
}

func (p *Processor) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !p.online() {
				continue
			}
			if n, err := p.db.PendingCount(); err != nil || n == 0 {
				continue
			}
			if _, err := p.Drain(ctx); err != nil {
				p.logger.Error("periodic drain failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Recover requeues sends interrupted by a restart: unconfirmed messages still
// marked sending that have no queue entry are flagged failed and queued.
func (p *Processor) Recover() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ops, err := p.db.ListPending()
	if err != nil {
		return 0, err
	}
	queued := make(map[string]bool, len(ops))
	for _, op := range ops {
		if payload, err := DecodeSend(op); err == nil {
			queued[payload.TempID] = true
		}
	}

	msgs, err := p.db.TempMessagesWithStatus(status.Sending)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range msgs {
		if queued[m.ID] {
			continue
		}
		op, err := NewSendOp(m)
		if err != nil {
			return n, err
		}
		if err := p.db.MarkFailedAndEnqueue(m.ConversationID, m.ID, op); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		p.logger.Info("requeued interrupted sends", zap.Int("count", n))
	}
	return n, nil
}

// Drain replays every queued entry once, in order. After a failure the
// remaining entries of that conversation wait for the next drain so a
// conversation's sends never overtake each other.
func (p *Processor) Drain(ctx context.Context) (Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stats Stats
	ops, err := p.db.ListPending()
	if err != nil {
		return stats, err
	}
	if len(ops) == 0 {
		return stats, nil
	}
	p.logger.Info("draining offline queue", zap.Int("pending", len(ops)))

	blocked := make(map[string]bool)
	for _, op := range ops {
		if ctx.Err() != nil || !p.online() {
			stats.Halted = true
			break
		}
		payload, err := DecodeSend(op)
		if err != nil {
			p.logger.Error("discarding unreadable queue entry", zap.String("op_id", op.ID), zap.Error(err))
			if err := p.db.Dequeue(op.ID); err != nil {
				return stats, err
			}
			stats.Dropped++
			continue
		}
		if blocked[payload.ConversationID] {
			stats.Skipped++
			continue
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				stats.Halted = true
				break
			}
		}

		switch p.replay(ctx, op, payload) {
		case replaySent:
			stats.Sent++
		case replayFailed:
			stats.Failed++
			blocked[payload.ConversationID] = true
		case replayExhausted:
			stats.Failed++
			stats.Dropped++
		case replayDropped:
			stats.Dropped++
		case replayHalted:
			stats.Halted = true
		}
		if stats.Halted {
			break
		}
	}
	return stats, nil
}

type replayOutcome int

const (
	replaySent replayOutcome = iota
	replayFailed
	replayExhausted
	replayDropped
	replayHalted
)

func (p *Processor) replay(ctx context.Context, op store.PendingOp, payload SendPayload) replayOutcome {
	logger := p.logger.With(
		zap.String("op_id", op.ID),
		zap.String("conversation_id", payload.ConversationID),
		zap.String("temp_id", payload.TempID))

	if op.RetryCount >= p.cfg.MaxRetries {
		p.drop(logger, op, payload)
		return replayDropped
	}

	msg, err := p.db.GetMessage(payload.TempID)
	if err != nil {
		logger.Error("load queued message", zap.Error(err))
		return replayHalted
	}
	if msg == nil {
		// A snapshot already replaced the temporary copy with the confirmed
		// one, so an earlier attempt reached the store.
		logger.Info("queued message already confirmed")
		if err := p.db.Dequeue(op.ID); err != nil {
			logger.Error("dequeue confirmed entry", zap.Error(err))
			return replayHalted
		}
		return replaySent
	}
	if msg.Status == status.Failed {
		if _, err := status.Transition(msg.Status, status.Sending); err == nil {
			if err := p.db.SetMessageState(payload.ConversationID, payload.TempID, status.Sending); err != nil {
				logger.Error("mark sending", zap.Error(err))
				return replayHalted
			}
		}
	}
	p.emit(bus.KindOutboxSending, Result{ConversationID: payload.ConversationID, TempID: payload.TempID, OpID: op.ID, Retries: op.RetryCount})

	id, err := p.remote.Write(ctx, payload.Request())
	if err != nil {
		if errors.Is(err, remote.ErrCircuitOpen) || ctx.Err() != nil {
			// The attempt never reached the store: do not count it.
			logger.Warn("replay postponed", zap.Error(err))
			if err := p.db.SetMessageState(payload.ConversationID, payload.TempID, status.Failed); err != nil {
				logger.Error("mark failed", zap.Error(err))
			}
			p.emit(bus.KindOutboxFailed, Result{ConversationID: payload.ConversationID, TempID: payload.TempID, OpID: op.ID, Retries: op.RetryCount, Err: err.Error()})
			return replayHalted
		}

		retries, rerr := p.db.RecordFailure(payload.ConversationID, op.ID, payload.TempID)
		if rerr != nil {
			logger.Error("record failure", zap.Error(rerr))
			return replayHalted
		}
		logger.Warn("replay failed", zap.Int("retries", retries), zap.Error(err))
		p.emit(bus.KindOutboxFailed, Result{ConversationID: payload.ConversationID, TempID: payload.TempID, OpID: op.ID, Retries: retries, Err: err.Error()})
		if retries >= p.cfg.MaxRetries {
			p.drop(logger, op, payload)
			return replayExhausted
		}
		return replayFailed
	}

	canonical := payload.Request().Message(id)
	if err := p.db.CompleteSend(payload.ConversationID, op.ID, payload.TempID, &canonical); err != nil {
		// The remote write landed; the next snapshot supersedes the temp row.
		logger.Error("complete send", zap.Error(err))
	}
	logger.Info("queued message sent", zap.String("message_id", id))
	p.emit(bus.KindOutboxSent, Result{ConversationID: payload.ConversationID, TempID: payload.TempID, OpID: op.ID, Retries: op.RetryCount, Message: &canonical})
	p.notify(canonical)
	return replaySent
}

func (p *Processor) drop(logger *zap.Logger, op store.PendingOp, payload SendPayload) {
	if err := p.db.DropOperation(payload.ConversationID, op.ID, payload.TempID); err != nil {
		logger.Error("drop queue entry", zap.Error(err))
		return
	}
	logger.Warn("send abandoned after retries", zap.Int("max_retries", p.cfg.MaxRetries))
	p.emit(bus.KindOutboxDropped, Result{ConversationID: payload.ConversationID, TempID: payload.TempID, OpID: op.ID, Retries: p.cfg.MaxRetries})
}

// notify sends the push notification in the background; failures are logged.
func (p *Processor) notify(m chat.Message) {
	p.pushes.Add(1)
	go func() {
		defer p.pushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PushTimeout)
		defer cancel()
		if err := p.push.Notify(ctx, m.ConversationID, m.ID, push.Notification{Content: m.Preview(), SenderID: m.SenderID}); err != nil {
			p.logger.Warn("push notification failed", zap.String("message_id", m.ID), zap.Error(err))
		}
	}()
}

func (p *Processor) online() bool {
	return p.net == nil || p.net.Online()
}

func (p *Processor) emit(kind string, r Result) {
	p.bus.Emit(kind, r)
}
