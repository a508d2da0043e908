package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/remote"
	"github.com/pigeonai/pigeon/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCacheGetPutClear(t *testing.T) {
	c := New[string, int]()
	if _, ok := c.Get("a"); ok {
		t.Fatal("empty cache returned a value")
	}
	c.Put("a", 1)
	c.Put("b", 2)
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v", v, ok)
	}
	c.Delete("b")
	c.Delete("missing")
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
	c.Clear()
	if _, ok := c.Get("a"); ok || c.Len() != 0 {
		t.Error("clear left entries behind")
	}
}

func TestProfilesResolveOrder(t *testing.T) {
	db := testDB(t)
	rs := remote.NewMemory()
	rs.PutProfile(chat.Profile{UserID: "bob", DisplayName: "Bob"})
	p := NewProfiles(db, rs, nil)
	ctx := context.Background()

	got, err := p.Get(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.DisplayName != "Bob" {
		t.Errorf("display name = %q, want Bob", got.DisplayName)
	}
	stored, _ := db.GetProfile("bob")
	if stored == nil || stored.DisplayName != "Bob" {
		t.Errorf("stored = %+v, want cached Bob", stored)
	}

	// The remote copy changes; the cached one wins until cleared.
	rs.PutProfile(chat.Profile{UserID: "bob", DisplayName: "Robert"})
	if got, _ := p.Get(ctx, "bob"); got.DisplayName != "Bob" {
		t.Errorf("display name = %q, want cached Bob", got.DisplayName)
	}

	if err := p.Clear(); err != nil {
		t.Fatal(err)
	}
	if p.Len() != 0 {
		t.Errorf("len after clear = %d", p.Len())
	}
	if got, _ := p.Get(ctx, "bob"); got.DisplayName != "Robert" {
		t.Errorf("display name = %q, want refreshed Robert", got.DisplayName)
	}
}

func TestProfilesUnknownUser(t *testing.T) {
	p := NewProfiles(testDB(t), remote.NewMemory(), nil)
	got, err := p.Get(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if got.DisplayName != "ghost" {
		t.Errorf("display name = %q, want user id fallback", got.DisplayName)
	}
}
