package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrCircuitOpen is returned by Guarded writes rejected without reaching the
// store.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerConfig tunes the write guard.
type BreakerConfig struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
	WriteTimeout     time.Duration
}

// Guarded wraps a Store so every Write runs with a deadline behind a circuit
// breaker. Other calls pass through.
type Guarded struct {
	Store
	cb      *gobreaker.CircuitBreaker[string]
	timeout time.Duration
}

// NewGuarded wraps s.
func NewGuarded(s Store, cfg BreakerConfig, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrPermissionDenied)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("remote write breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Guarded{Store: s, cb: cb, timeout: cfg.WriteTimeout}
}

// Write implements Store.
func (g *Guarded) Write(ctx context.Context, req WriteRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	id, err := g.cb.Execute(func() (string, error) {
		return g.Store.Write(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return id, err
}

// BreakerState names the breaker state for status reporting.
func (g *Guarded) BreakerState() string {
	return g.cb.State().String()
}
