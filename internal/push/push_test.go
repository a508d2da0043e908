package push

import (
	"context"
	"testing"
	"time"

	"github.com/pigeonai/pigeon/internal/natsx"
)

func testConn(t *testing.T) *natsx.Conn {
	t.Helper()
	srv, err := natsx.StartServer(natsx.ServerConfig{Port: -1, StoreDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	conn, err := natsx.Connect(srv.ClientURL(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return conn
}

func TestNotifyDeduplicatesByMessageID(t *testing.T) {
	conn := testConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := NewNATS(ctx, conn.JS, "PUSH", "pigeon.push")
	if err != nil {
		t.Fatal(err)
	}
	n := Notification{Content: "Hello", SenderID: "alice"}
	for range 2 {
		if err := p.Notify(ctx, "c1", "m-1", n); err != nil {
			t.Fatal(err)
		}
	}
	if err := p.Notify(ctx, "c1", "m-2", n); err != nil {
		t.Fatal(err)
	}

	stream, err := conn.JS.Stream(ctx, "PUSH")
	if err != nil {
		t.Fatal(err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.State.Msgs != 2 {
		t.Errorf("stream messages = %d, want 2", info.State.Msgs)
	}
}

func TestNewNATSRejectsEmptySubject(t *testing.T) {
	if _, err := NewNATS(context.Background(), nil, "PUSH", ""); err == nil {
		t.Error("expected error for empty subject")
	}
}

func TestNop(t *testing.T) {
	var d Dispatcher = Nop{}
	if err := d.Notify(context.Background(), "c", "m", Notification{}); err != nil {
		t.Error(err)
	}
}
