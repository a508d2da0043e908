package remote

import (
	"context"
	"errors"
	"testing"
	"time"
)

type slowStore struct {
	*Memory
	delay time.Duration
}

func (s slowStore) Write(ctx context.Context, req WriteRequest) (string, error) {
	select {
	case <-time.After(s.delay):
		return s.Memory.Write(ctx, req)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestGuardedWriteTimeout(t *testing.T) {
	g := NewGuarded(slowStore{Memory: NewMemory(), delay: time.Second}, BreakerConfig{
		Name:         "test",
		WriteTimeout: 20 * time.Millisecond,
		OpenTimeout:  time.Minute,
	}, nil)

	start := time.Now()
	_, err := g.Write(context.Background(), WriteRequest{ConversationID: "c1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("write was not bounded by the timeout")
	}
}

func TestGuardedOpensAfterConsecutiveFailures(t *testing.T) {
	m := NewMemory()
	m.FailWrites(10, errors.New("boom"))
	g := NewGuarded(m, BreakerConfig{Name: "test", FailureThreshold: 2, OpenTimeout: time.Minute}, nil)

	ctx := context.Background()
	for range 2 {
		if _, err := g.Write(ctx, WriteRequest{ConversationID: "c1"}); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := g.Write(ctx, WriteRequest{ConversationID: "c1"})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if got := len(m.Writes()); got != 2 {
		t.Errorf("writes reaching the store = %d, want 2", got)
	}
	if g.BreakerState() != "open" {
		t.Errorf("state = %s, want open", g.BreakerState())
	}
}
