package connectivity

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pigeonai/pigeon/internal/bus"
)

// ReconnectFunc is work run when connectivity comes back.
type ReconnectFunc func(ctx context.Context) error

type hook struct {
	name string
	fn   ReconnectFunc
}

// Monitor turns a Source into edge events. Only the previous state is kept:
// false -> true runs the reconnect hooks in registration order, true -> false
// only publishes an event.
type Monitor struct {
	src    Source
	bus    *bus.Bus
	logger *zap.Logger

	mu     sync.RWMutex
	hooks  []hook
	online bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor over src.
func NewMonitor(src Source, b *bus.Bus, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{src: src, bus: b, logger: logger}
}

// OnReconnect registers fn to run on every offline -> online edge.
func (m *Monitor) OnReconnect(name string, fn ReconnectFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook{name: name, fn: fn})
}

// Online reports the last state the monitor processed.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Start seeds the state from the source and follows its changes. Starting
// online does not count as an edge.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	m.mu.Lock()
	m.online = m.src.Online()
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		for {
			select {
			case <-ctx.Done():
				return
			case v := <-m.src.Changes():
				m.handle(ctx, v)
			}
		}
	}()
}

// Stop ends the monitor loop and waits for a running hook to return.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *Monitor) handle(ctx context.Context, online bool) {
	m.mu.Lock()
	prev := m.online
	m.online = online
	hooks := append([]hook(nil), m.hooks...)
	m.mu.Unlock()

	switch {
	case !prev && online:
		m.logger.Info("connectivity restored")
		m.bus.Emit(bus.KindNetOnline, nil)
		for _, h := range hooks {
			if ctx.Err() != nil {
				return
			}
			if err := h.fn(ctx); err != nil {
				m.logger.Warn("reconnect hook failed", zap.String("hook", h.name), zap.Error(err))
			}
		}
	case prev && !online:
		m.logger.Info("connectivity lost")
		m.bus.Emit(bus.KindNetOffline, nil)
	}
}
