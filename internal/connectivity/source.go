// Package connectivity tracks whether the device can reach the remote store
// and runs reconnect work on offline -> online edges.
package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

// Source reports network reachability.
type Source interface {
	// Online is a one-shot query of the current state.
	Online() bool
	// Changes emits every state transition in order. Consumers should still
	// tolerate repeated values.
	Changes() <-chan bool
}

// level holds the current reachability value and queues every transition
// in order, so a reader busy with one edge still sees a quick flap after it.
// Setting the current value again queues nothing.
type level struct {
	mu      sync.Mutex
	v       bool
	pending []bool
	wake    chan struct{}
	out     chan bool
	once    sync.Once
}

func newLevel(v bool) *level {
	return &level{v: v, wake: make(chan struct{}, 1), out: make(chan bool)}
}

func (l *level) Online() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v
}

func (l *level) Changes() <-chan bool {
	l.once.Do(func() { go l.pump() })
	return l.out
}

func (l *level) set(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v == l.v {
		return
	}
	l.v = v
	l.pending = append(l.pending, v)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *level) pump() {
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.mu.Unlock()
			<-l.wake
			continue
		}
		v := l.pending[0]
		l.pending = l.pending[1:]
		l.mu.Unlock()
		l.out <- v
	}
}

// Manual is a Source switched explicitly.
type Manual struct {
	*level
}

// NewManual creates a Manual source in the given state.
func NewManual(online bool) *Manual {
	return &Manual{level: newLevel(online)}
}

// Set changes the reported state.
func (m *Manual) Set(online bool) {
	m.set(online)
}

// NATS follows the state of a NATS client connection.
type NATS struct {
	*level
}

// NewNATS creates a source that starts offline until a connection reports in.
func NewNATS() *NATS {
	return &NATS{level: newLevel(false)}
}

// Options returns the connection handlers feeding this source.
func (n *NATS) Options() []natsgo.Option {
	return []natsgo.Option{
		natsgo.ConnectHandler(func(*natsgo.Conn) { n.set(true) }),
		natsgo.DisconnectErrHandler(func(*natsgo.Conn, error) { n.set(false) }),
		natsgo.ReconnectHandler(func(*natsgo.Conn) { n.set(true) }),
		natsgo.ClosedHandler(func(*natsgo.Conn) { n.set(false) }),
	}
}

// Attach records the state of an established connection. The connect handler
// does not fire when the first dial succeeds.
func (n *NATS) Attach(nc *natsgo.Conn) {
	n.set(nc.IsConnected())
}

// Probe polls a TCP address and reports online while it accepts connections.
type Probe struct {
	*level
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewProbe creates a probe for addr. It reports offline until the first check.
func NewProbe(addr string, interval, timeout time.Duration) *Probe {
	d := &net.Dialer{}
	return &Probe{
		level:    newLevel(false),
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		dial:     d.DialContext,
	}
}

// Run checks the address immediately and then every interval until ctx ends.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.set(p.check(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Probe) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
