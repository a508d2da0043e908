package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/status"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func msg(id, conv string, ts int64, st status.State) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "alice",
		Content:        "content " + id,
		Type:           chat.Text,
		Timestamp:      ts,
		Status:         st,
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.From != 2 || result.Version != 2 {
		t.Errorf("from %d to %d, want 2 to 2 (init + profiles)", result.From, result.Version)
	}
}

func TestMigrateFreshAndDirty(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed || result.From != 0 || result.Version != 2 {
		t.Errorf("fresh migrate = %+v", result)
	}

	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); !errors.Is(err, ErrDirtySchema) {
		t.Errorf("Migrate() on dirty schema = %v, want ErrDirtySchema", err)
	}
}

func TestGetMessagesOrdering(t *testing.T) {
	db := testDB(t)

	for _, m := range []chat.Message{
		msg("m3", "c1", 3000, status.Sent),
		msg("m1", "c1", 1000, status.Sent),
		msg("m2b", "c1", 2000, status.Sent),
		msg("m2a", "c1", 2000, status.Sent),
		msg("other", "c2", 500, status.Sent),
	} {
		if err := db.InsertOrReplace(m, true); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.GetMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m1", "m2a", "m2b", "m3"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("messages[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestInsertOrReplaceRoundTrip(t *testing.T) {
	db := testDB(t)

	m := msg("m1", "c1", 1000, status.Read)
	m.Type = chat.Image
	m.ImageURL = "https://img/1.png"
	m.ReadBy = map[string]int64{"bob": 1500}
	if err := db.InsertOrReplace(m, true); err != nil {
		t.Fatal(err)
	}
	m.Content = "edited"
	if err := db.InsertOrReplace(m, true); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("message not found")
	}
	if got.Content != "edited" || got.Type != chat.Image || got.ImageURL != m.ImageURL {
		t.Errorf("got %+v", got)
	}
	if got.ReadBy["bob"] != 1500 {
		t.Errorf("read_by = %v, want bob:1500", got.ReadBy)
	}

	n, _ := db.MessageCount()
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestGetMessageMissing(t *testing.T) {
	db := testDB(t)
	got, err := db.GetMessage("nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestUpdateMessageStatus(t *testing.T) {
	db := testDB(t)
	if err := db.InsertOrReplace(msg("m1", "c1", 1000, status.Sent), true); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateMessageStatus("m1", status.Delivered); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("m1")
	if got.Status != status.Delivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}
	if err := db.UpdateMessageStatus("missing", status.Read); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestQueueFIFO(t *testing.T) {
	db := testDB(t)

	// Enqueue timestamps deliberately out of order: FIFO follows insertion.
	for i, ts := range []int64{300, 100, 200} {
		op := PendingOp{ID: fmt.Sprintf("op%d", i), Kind: OpSendMessage, Payload: []byte("{}"), EnqueuedAt: ts}
		if err := db.Enqueue(op); err != nil {
			t.Fatal(err)
		}
	}
	ops, err := db.ListPending()
	if err != nil {
		t.Fatal(err)
	}
	for i, op := range ops {
		if want := fmt.Sprintf("op%d", i); op.ID != want {
			t.Errorf("ops[%d] = %s, want %s", i, op.ID, want)
		}
	}

	n, err := db.IncrementRetry("op1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("retry = %d, want 1", n)
	}
	if _, err := db.IncrementRetry("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	if err := db.Dequeue("op0"); err != nil {
		t.Fatal(err)
	}
	if c, _ := db.PendingCount(); c != 2 {
		t.Errorf("pending = %d, want 2", c)
	}
}

func TestSaveOptimisticIsAtomic(t *testing.T) {
	db := testDB(t)

	op := PendingOp{ID: "op1", Kind: OpSendMessage, Payload: []byte("{}")}
	if err := db.Enqueue(op); err != nil {
		t.Fatal(err)
	}

	// Duplicate op id makes the queue insert fail; the message must not persist.
	m := msg("temp_1", "c1", 1000, status.Sending)
	if err := db.SaveOptimistic(m, &op); err == nil {
		t.Fatal("expected unique violation")
	}
	if got, _ := db.GetMessage("temp_1"); got != nil {
		t.Error("message persisted despite rolled back transaction")
	}

	op2 := PendingOp{ID: "op2", Kind: OpSendMessage, Payload: []byte("{}")}
	if err := db.SaveOptimistic(m, &op2); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetMessage("temp_1"); got == nil {
		t.Error("message not persisted")
	}
}

func TestSendFlowLifecycle(t *testing.T) {
	db := testDB(t)

	temp := msg("temp_1", "c1", 1000, status.Sending)
	if err := db.SaveOptimistic(temp, nil); err != nil {
		t.Fatal(err)
	}
	op := PendingOp{ID: "op1", Kind: OpSendMessage, Payload: []byte("{}")}
	if err := db.MarkFailedAndEnqueue("c1", "temp_1", op); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("temp_1")
	if got.Status != status.Failed {
		t.Errorf("status = %s, want failed", got.Status)
	}

	n, err := db.RecordFailure("c1", "op1", "temp_1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("retry = %d, want 1", n)
	}

	canonical := temp
	canonical.ID = "m-1"
	canonical.Status = status.Sent
	if err := db.CompleteSend("c1", "op1", "temp_1", &canonical); err != nil {
		t.Fatal(err)
	}
	if got, _ := db.GetMessage("temp_1"); got != nil {
		t.Error("temp row survived CompleteSend")
	}
	if got, _ := db.GetMessage("m-1"); got == nil || got.Status != status.Sent {
		t.Errorf("canonical = %+v", got)
	}
	if c, _ := db.PendingCount(); c != 0 {
		t.Errorf("pending = %d, want 0", c)
	}
}

func TestCompleteSendKeepsSnapshotCopy(t *testing.T) {
	db := testDB(t)

	if err := db.SaveOptimistic(msg("temp_1", "c1", 1000, status.Sending), nil); err != nil {
		t.Fatal(err)
	}
	// The snapshot stored the confirmed copy, already read, before the write
	// returned.
	if err := db.ApplySnapshot("c1", []chat.Message{msg("m-1", "c1", 1200, status.Read)}, []string{"temp_1"}); err != nil {
		t.Fatal(err)
	}

	canonical := msg("m-1", "c1", 1200, status.Sent)
	if err := db.CompleteSend("c1", "", "temp_1", &canonical); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("m-1")
	if got == nil || got.Status != status.Read {
		t.Errorf("canonical = %+v, want read kept", got)
	}
}

func TestDropOperationKeepsFailedMessage(t *testing.T) {
	db := testDB(t)

	op := PendingOp{ID: "op1", Kind: OpSendMessage, Payload: []byte("{}")}
	if err := db.SaveOptimistic(msg("temp_1", "c1", 1000, status.Sending), &op); err != nil {
		t.Fatal(err)
	}
	if err := db.DropOperation("c1", "op1", "temp_1"); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("temp_1")
	if got == nil || got.Status != status.Failed {
		t.Errorf("message = %+v, want failed", got)
	}
	if c, _ := db.PendingCount(); c != 0 {
		t.Errorf("pending = %d, want 0", c)
	}
}

func TestApplySnapshot(t *testing.T) {
	db := testDB(t)

	if err := db.SaveOptimistic(msg("temp_1", "c1", 1000, status.Sending), nil); err != nil {
		t.Fatal(err)
	}
	remote := msg("m-1", "c1", 1200, status.Sent)
	if err := db.ApplySnapshot("c1", []chat.Message{remote}, []string{"temp_1"}); err != nil {
		t.Fatal(err)
	}
	msgs, _ := db.GetMessages("c1")
	if len(msgs) != 1 || msgs[0].ID != "m-1" {
		t.Errorf("messages = %+v, want only m-1", msgs)
	}
}

func TestConcurrentConversationWrites(t *testing.T) {
	db := testDB(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conv := fmt.Sprintf("c%d", i%3)
			m := msg(fmt.Sprintf("temp_%d", i), conv, int64(i), status.Sending)
			op := PendingOp{ID: fmt.Sprintf("op%d", i), Kind: OpSendMessage, Payload: []byte("{}")}
			if err := db.SaveOptimistic(m, &op); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if c, _ := db.PendingCount(); c != 20 {
		t.Errorf("pending = %d, want 20", c)
	}
	if n, _ := db.MessageCount(); n != 20 {
		t.Errorf("messages = %d, want 20", n)
	}
}

func TestConversations(t *testing.T) {
	db := testDB(t)

	convs := []chat.Conversation{
		{ID: "c1", Type: chat.Direct, Participants: []string{"alice", "bob"}, LastMessage: "hi", LastMessageTime: 100, UnreadCount: map[string]int{"alice": 2}},
		{ID: "c2", Type: chat.Group, Participants: []string{"alice", "bob", "carol"}, LastMessage: "yo", LastMessageTime: 200},
	}
	if err := db.UpsertConversations(convs); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetConversations()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c2" {
		t.Fatalf("conversations = %+v, want c2 first", got)
	}
	if len(got[0].Participants) != 3 {
		t.Errorf("participants = %v", got[0].Participants)
	}
	if got[1].Unread("alice") != 2 {
		t.Errorf("unread = %d, want 2", got[1].Unread("alice"))
	}

	c, err := db.GetConversation("missing")
	if err != nil || c != nil {
		t.Errorf("GetConversation(missing) = %v, %v", c, err)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	m1 := msg("m1", "c1", 1000, status.Sent)
	m1.Content = "lunch at noon?"
	m2 := msg("m2", "c2", 2000, status.Sent)
	m2.Content = "Lunch tomorrow"
	m3 := msg("m3", "c1", 3000, status.Sent)
	m3.Content = "100% sure"
	for _, m := range []chat.Message{m1, m2, m3} {
		if err := db.InsertOrReplace(m, true); err != nil {
			t.Fatal(err)
		}
	}

	results, err := db.SearchMessages("lunch", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Message.ID != "m2" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Snippet != "<<Lunch>> tomorrow" {
		t.Errorf("snippet = %q", results[0].Snippet)
	}

	results, _ = db.SearchMessages("lunch", "c1", 10)
	if len(results) != 1 || results[0].Message.ID != "m1" {
		t.Errorf("scoped results = %+v", results)
	}

	results, _ = db.SearchMessages("%", "", 10)
	if len(results) != 1 || results[0].Message.ID != "m3" {
		t.Errorf("wildcard must be literal, got %+v", results)
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)

	v, err := db.Checkpoint(SnapshotKey("c1"))
	if err != nil || v != "" {
		t.Fatalf("empty checkpoint = %q, %v", v, err)
	}
	if err := db.SetCheckpoint(SnapshotKey("c1"), "1000"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint(SnapshotKey("c1"), "2000"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.Checkpoint(SnapshotKey("c1")); v != "2000" {
		t.Errorf("checkpoint = %q, want 2000", v)
	}
}

func TestProfile(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertProfile(chat.Profile{UserID: "bob", DisplayName: "Bob", AvatarURL: "a.png"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertProfile(chat.Profile{UserID: "bob", DisplayName: "Bobby"}); err != nil {
		t.Fatal(err)
	}
	p, err := db.GetProfile("bob")
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayName != "Bobby" || p.AvatarURL != "a.png" {
		t.Errorf("profile = %+v", p)
	}
	if err := db.ClearProfiles(); err != nil {
		t.Fatal(err)
	}
	if p, _ := db.GetProfile("bob"); p != nil {
		t.Error("profile survived ClearProfiles")
	}
}

func TestSnippet(t *testing.T) {
	tests := []struct {
		name    string
		content string
		query   string
		radius  int
		want    string
	}{
		{"case insensitive", "Lunch tomorrow", "lunch", 32, "<<Lunch>> tomorrow"},
		{"multibyte fold before match", "İstanbul trip", "trip", 32, "İstanbul <<trip>>"},
		{"radius trims both sides", "one two three four", "three", 4, "...two <<three>> fou..."},
		{"no match", "hello", "bye", 8, "hello"},
		{"empty query", "hello", "", 8, "hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := snippet(tt.content, tt.query, tt.radius); got != tt.want {
				t.Errorf("snippet(%q, %q) = %q, want %q", tt.content, tt.query, got, tt.want)
			}
		})
	}
}
