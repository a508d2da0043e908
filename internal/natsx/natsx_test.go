package natsx

import (
	"context"
	"testing"
	"time"
)

func TestEmbeddedServerRoundTrip(t *testing.T) {
	srv, err := StartServer(ServerConfig{Port: -1, StoreDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	conn, err := Connect(srv.ClientURL(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if !conn.NC.IsConnected() {
		t.Fatal("client not connected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := conn.JS.AccountInfo(ctx)
	if err != nil {
		t.Fatalf("jetstream not enabled: %v", err)
	}
	if info.Streams != 0 {
		t.Errorf("streams = %d, want 0", info.Streams)
	}
}
