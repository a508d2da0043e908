package api

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/pigeonai/pigeon/internal/bus"
	"github.com/pigeonai/pigeon/internal/cache"
	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/connectivity"
	"github.com/pigeonai/pigeon/internal/outbox"
	"github.com/pigeonai/pigeon/internal/remote"
	"github.com/pigeonai/pigeon/internal/status"
	"github.com/pigeonai/pigeon/internal/store"
	intsync "github.com/pigeonai/pigeon/internal/sync"
)

type fixture struct {
	client *Client
	rs     *remote.Memory
	db     *store.DB
	net    *connectivity.Manual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	// Use a short path to stay under the Unix socket path limit.
	tmpDir, err := os.MkdirTemp("/tmp", "pigeon-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	db, err := store.Open(filepath.Join(tmpDir, "pigeon.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	b := bus.New()
	rs := remote.NewMemory()
	rs.PutConversation(chat.Conversation{ID: "c1", Type: chat.Direct, Participants: []string{"alice", "bob"}})
	rs.PutProfile(chat.Profile{UserID: "bob", DisplayName: "Bob"})
	net0 := connectivity.NewManual(true)
	mon := connectivity.NewMonitor(net0, b, logger)
	mon.Start(context.Background())
	t.Cleanup(mon.Stop)

	coord := intsync.NewCoordinator(db, rs, nil, net0, b, logger, intsync.Config{SelfID: "alice"})
	coord.Start(context.Background())
	t.Cleanup(coord.Stop)
	feed := intsync.NewConversationFeed(db, rs, b, logger, "alice")
	if err := feed.Resubscribe(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(feed.Close)
	proc := outbox.NewProcessor(db, rs, nil, net0, b, logger, outbox.Config{})
	t.Cleanup(proc.Stop)

	svc := NewSyncService(Deps{
		SessionName: "test",
		UserID:      "alice",
		DB:          db,
		Bus:         b,
		Coordinator: coord,
		Feed:        feed,
		Processor:   proc,
		Network:     net0,
		Manual:      net0,
		Profiles:    cache.NewProfiles(db, rs, logger),
		Logger:      logger,
	})

	socketPath := filepath.Join(tmpDir, "d.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	grpcSrv := grpc.NewServer()
	RegisterSyncServer(grpcSrv, svc)
	go func() { _ = grpcSrv.Serve(listener) }()
	t.Cleanup(grpcSrv.Stop)

	client, err := NewClient(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return &fixture{client: client, rs: rs, db: db, net: net0}
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := grpcstatus.Code(err); got != code {
		t.Errorf("code = %v (%v), want %v", got, err, code)
	}
}

func TestStatusAndConversations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := f.client.Status(ctx)
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if st.Session != "test" || st.UserID != "alice" || !st.Online {
		t.Errorf("status = %+v", st)
	}

	deadline := time.After(2 * time.Second)
	for {
		resp, err := f.client.Conversations(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(resp.Conversations) == 1 {
			if resp.Conversations[0].Title != "Bob" {
				t.Errorf("title = %q, want Bob", resp.Conversations[0].Title)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("conversation list never synced")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestOpenSendAndRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rs.Seed(chat.Message{ID: "m1", ConversationID: "c1", SenderID: "bob", Content: "hello there", Type: chat.Text, Timestamp: 1, Status: status.Delivered})

	if _, err := f.client.Messages(ctx); err == nil {
		t.Fatal("Messages without an open conversation should fail")
	} else {
		wantCode(t, err, codes.FailedPrecondition)
	}

	if _, err := f.client.Open(ctx, "c1"); err != nil {
		t.Fatalf("Open error = %v", err)
	}
	_, err := f.client.Open(ctx, "c1")
	wantCode(t, err, codes.AlreadyExists)

	sent, err := f.client.Send(ctx, &SendRequest{Content: "hi bob"})
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if !sent.Message.Temp() {
		t.Errorf("send returned %q, want a temporary id", sent.Message.ID)
	}

	deadline := time.After(2 * time.Second)
	for {
		resp, err := f.client.Messages(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(resp.Messages) == 2 && !resp.Messages[1].Temp() {
			if resp.Messages[0].SenderName != "Bob" {
				t.Errorf("sender name = %q, want Bob", resp.Messages[0].SenderName)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("messages never converged: %+v", resp.Messages)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := f.client.MarkRead(ctx, "m1"); err != nil {
		t.Fatalf("MarkRead error = %v", err)
	}
	snap, _ := f.rs.Fetch(ctx, "c1")
	if _, ok := snap[0].ReadBy["alice"]; !ok {
		t.Error("read receipt not written")
	}

	res, err := f.client.Search(ctx, &SearchRequest{Query: "hello"})
	if err != nil {
		t.Fatalf("Search error = %v", err)
	}
	if len(res.Results) != 1 || res.Results[0].Message.ID != "m1" {
		t.Errorf("search = %+v", res.Results)
	}

	if err := f.client.CloseConversation(ctx); err != nil {
		t.Fatal(err)
	}
	_, err = f.client.Messages(ctx)
	wantCode(t, err, codes.FailedPrecondition)
}

func TestOfflineQueueThroughAPI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.client.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := f.client.SetNetwork(ctx, false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.client.Send(ctx, &SendRequest{Content: "Hello"}); err != nil {
		t.Fatal(err)
	}

	pending, err := f.client.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending.Pending) != 1 || pending.Pending[0].Content != "Hello" || pending.Pending[0].ConversationID != "c1" {
		t.Fatalf("pending = %+v", pending.Pending)
	}

	if err := f.client.SetNetwork(ctx, true); err != nil {
		t.Fatal(err)
	}
	drained, err := f.client.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if drained.Stats.Sent != 1 {
		t.Errorf("stats = %+v, want one sent", drained.Stats)
	}
	if pending, _ := f.client.Pending(ctx); len(pending.Pending) != 0 {
		t.Errorf("pending after drain = %+v", pending.Pending)
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.client.Open(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		req  *SendRequest
	}{
		{"empty text", &SendRequest{Content: "  "}},
		{"unknown type", &SendRequest{Content: "x", Type: "video"}},
		{"image without url", &SendRequest{Type: chat.Image}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.client.Send(ctx, tt.req)
			wantCode(t, err, codes.InvalidArgument)
		})
	}
}

func TestWatchStreamsEvents(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	got := make(chan *Event, 1)
	errDone := errors.New("done")
	go func() {
		_ = f.client.Watch(ctx, "net.", func(e *Event) error {
			got <- e
			return errDone
		})
	}()

	// The stream subscribes asynchronously; keep flipping until one arrives.
	for i := 0; ; i++ {
		if err := f.client.SetNetwork(ctx, i%2 == 1); err != nil {
			t.Fatal(err)
		}
		select {
		case e := <-got:
			if e.Kind != bus.KindNetOnline && e.Kind != bus.KindNetOffline {
				t.Errorf("kind = %q", e.Kind)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}

func TestSignOutClearsProfiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.client.Conversations(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.db.UpsertProfile(chat.Profile{UserID: "bob", DisplayName: "Bob"}); err != nil {
		t.Fatal(err)
	}
	if err := f.client.SignOut(ctx); err != nil {
		t.Fatal(err)
	}
	if p, _ := f.db.GetProfile("bob"); p != nil {
		t.Errorf("profile survived sign out: %+v", p)
	}
}
