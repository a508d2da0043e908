package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pigeonai/pigeon/internal/api"
	"github.com/pigeonai/pigeon/internal/config"
	"github.com/pigeonai/pigeon/internal/lock"
	"github.com/pigeonai/pigeon/internal/session"
)

// testParams points the session tree at a temp HOME and the socket at a short
// path to stay under the Unix socket path limit.
func testParams(t *testing.T, name string, engine *config.Engine) Params {
	t.Helper()
	tmpDir, err := os.MkdirTemp("/tmp", "pigeon-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	t.Setenv("HOME", tmpDir)

	return Params{
		SessionName: name,
		SocketPath:  filepath.Join(tmpDir, "d.sock"),
		Engine:      engine,
		Logger:      zap.NewNop(),
	}
}

func memoryEngine() *config.Engine {
	cfg := config.DefaultEngine()
	cfg.UserID = "alice"
	return &cfg
}

func startApp(t *testing.T, p Params) *api.Client {
	t.Helper()
	app := fx.New(Module(p), fx.NopLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("app start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Stop(ctx); err != nil {
			t.Errorf("app stop: %v", err)
		}
	})

	c, err := api.NewClient(p.SocketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitConfirmed polls the open conversation until it holds want confirmed
// messages.
func waitConfirmed(t *testing.T, c *api.Client, want int) []api.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		resp, err := c.Messages(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		confirmed := 0
		for _, m := range resp.Messages {
			if !m.Temp() {
				confirmed++
			}
		}
		if confirmed == want && len(resp.Messages) == want {
			return resp.Messages
		}
		select {
		case <-deadline:
			t.Fatalf("messages = %+v, want %d confirmed", resp.Messages, want)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestDaemonLifecycle(t *testing.T) {
	p := testParams(t, "test", memoryEngine())
	c := startApp(t, p)
	ctx := context.Background()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if st.Session != "test" || st.UserID != "alice" || !st.Online {
		t.Errorf("status = %+v", st)
	}
	if st.Breaker != "closed" {
		t.Errorf("breaker = %q, want closed", st.Breaker)
	}

	if _, err := c.Open(ctx, "notes"); err != nil {
		t.Fatalf("Open error = %v", err)
	}
	if _, err := c.Send(ctx, &api.SendRequest{Content: "note to self"}); err != nil {
		t.Fatalf("Send error = %v", err)
	}
	msgs := waitConfirmed(t, c, 1)
	if msgs[0].Content != "note to self" || msgs[0].SenderID != "alice" {
		t.Errorf("message = %+v", msgs[0])
	}

	// The session tree lives under HOME.
	if _, err := os.Stat(session.DBPath("test")); err != nil {
		t.Errorf("store not created: %v", err)
	}
}

func TestDaemonOfflineSendsReplayOnReconnect(t *testing.T) {
	p := testParams(t, "flap", memoryEngine())
	c := startApp(t, p)
	ctx := context.Background()

	if _, err := c.Open(ctx, "notes"); err != nil {
		t.Fatal(err)
	}
	if err := c.SetNetwork(ctx, false); err != nil {
		t.Fatal(err)
	}
	for _, text := range []string{"one", "two"} {
		if _, err := c.Send(ctx, &api.SendRequest{Content: text}); err != nil {
			t.Fatal(err)
		}
	}
	pending, err := c.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending.Pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending.Pending))
	}

	// The reconnect hooks drain the queue and resubscribe.
	if err := c.SetNetwork(ctx, true); err != nil {
		t.Fatal(err)
	}
	msgs := waitConfirmed(t, c, 2)
	if msgs[0].Content != "one" || msgs[1].Content != "two" {
		t.Errorf("order = %s, %s", msgs[0].Content, msgs[1].Content)
	}
	if pending, _ := c.Pending(ctx); len(pending.Pending) != 0 {
		t.Errorf("pending after reconnect = %d", len(pending.Pending))
	}
}

func TestDaemonWithEmbeddedNATS(t *testing.T) {
	cfg := memoryEngine()
	cfg.Remote.Backend = config.BackendNATS
	cfg.NATS.Embedded = true
	cfg.Connectivity.Source = config.SourceNATS
	p := testParams(t, "nats", cfg)
	cfg.NATS.StoreDir = filepath.Join(filepath.Dir(p.SocketPath), "js")

	c := startApp(t, p)
	ctx := context.Background()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Online {
		t.Error("daemon connected to the embedded server should be online")
	}
	if _, err := c.Open(ctx, "room1"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Send(ctx, &api.SendRequest{Content: "over nats"}); err != nil {
		t.Fatal(err)
	}
	msgs := waitConfirmed(t, c, 1)
	if msgs[0].Content != "over nats" {
		t.Errorf("content = %q", msgs[0].Content)
	}
}

func TestSecondDaemonRejected(t *testing.T) {
	p := testParams(t, "busy", memoryEngine())
	if err := session.EnsureDir(p.SessionName); err != nil {
		t.Fatal(err)
	}
	lk, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	app := fx.New(Module(p), fx.NopLogger)
	err = app.Err()
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = app.Start(ctx)
	}
	var held *lock.HeldError
	if !errors.As(err, &held) {
		t.Fatalf("error = %v, want HeldError", err)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	cfg := config.DefaultEngine() // no user_id
	p := testParams(t, "bad", &cfg)
	app := fx.New(Module(p), fx.NopLogger)
	if app.Err() == nil {
		t.Fatal("expected fx error for config without user_id")
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	p := testParams(t, "fxtest", memoryEngine())
	if err := fx.ValidateApp(Module(p), fx.NopLogger); err != nil {
		t.Fatalf("fx graph invalid: %v", err)
	}
}
