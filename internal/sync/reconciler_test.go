package sync

import (
	"reflect"
	"testing"

	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/status"
)

func msg(id, sender, content string, ts int64, st status.State) chat.Message {
	return chat.Message{ID: id, ConversationID: "c1", SenderID: sender, Content: content, Type: chat.Text, Timestamp: ts, Status: st}
}

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestReconcileSupersedesMatchingTemp(t *testing.T) {
	r := Reconciler{SelfID: "alice"}
	local := []chat.Message{msg("temp_1", "alice", "hi", 1000, status.Sending)}
	snapshot := []chat.Message{msg("m1", "alice", "hi", 1500, status.Sent)}

	res := r.Reconcile(local, snapshot)
	if got := ids(res.Messages); !reflect.DeepEqual(got, []string{"m1"}) {
		t.Errorf("messages = %v, want [m1]", got)
	}
	if !reflect.DeepEqual(res.Superseded, []string{"temp_1"}) {
		t.Errorf("superseded = %v", res.Superseded)
	}
	if len(res.Upserts) != 1 || res.Upserts[0].ID != "m1" {
		t.Errorf("upserts = %v", ids(res.Upserts))
	}
	if len(res.MarkDelivered) != 0 {
		t.Errorf("own message marked delivered: %v", res.MarkDelivered)
	}
}

func TestReconcileKeepsDifferentSenders(t *testing.T) {
	r := Reconciler{SelfID: "alice"}
	local := []chat.Message{msg("temp_1", "alice", "ok", 1000, status.Sending)}
	snapshot := []chat.Message{msg("m9", "bob", "ok", 1400, status.Sent)}

	res := r.Reconcile(local, snapshot)
	if len(res.Messages) != 2 {
		t.Fatalf("messages = %v, want two distinct", ids(res.Messages))
	}
	if len(res.Superseded) != 0 {
		t.Errorf("superseded = %v, want none", res.Superseded)
	}
	if !reflect.DeepEqual(res.MarkDelivered, []string{"m9"}) {
		t.Errorf("mark delivered = %v, want [m9]", res.MarkDelivered)
	}
}

func TestReconcileToleranceWindow(t *testing.T) {
	r := Reconciler{SelfID: "alice"}
	local := []chat.Message{msg("temp_1", "alice", "hi", 1000, status.Failed)}
	snapshot := []chat.Message{msg("m1", "alice", "hi", 3500, status.Sent)}

	res := r.Reconcile(local, snapshot)
	if len(res.Superseded) != 0 {
		t.Errorf("temp outside tolerance superseded: %v", res.Superseded)
	}
	if got := ids(res.Messages); !reflect.DeepEqual(got, []string{"temp_1", "m1"}) {
		t.Errorf("messages = %v", got)
	}
}

func TestReconcilePicksClosestTemp(t *testing.T) {
	r := Reconciler{SelfID: "alice"}
	local := []chat.Message{
		msg("temp_a", "alice", "ok", 1000, status.Sending),
		msg("temp_b", "alice", "ok", 1900, status.Sending),
	}
	snapshot := []chat.Message{msg("m1", "alice", "ok", 1800, status.Sent)}

	res := r.Reconcile(local, snapshot)
	if !reflect.DeepEqual(res.Superseded, []string{"temp_b"}) {
		t.Errorf("superseded = %v, want [temp_b]", res.Superseded)
	}
	if got := ids(res.Messages); !reflect.DeepEqual(got, []string{"temp_a", "m1"}) {
		t.Errorf("messages = %v", got)
	}
}

func TestReconcileEachTempMatchesOnce(t *testing.T) {
	r := Reconciler{SelfID: "alice"}
	local := []chat.Message{msg("temp_a", "alice", "ok", 1000, status.Sending)}
	snapshot := []chat.Message{
		msg("m1", "alice", "ok", 1000, status.Sent),
		msg("m2", "alice", "ok", 1100, status.Sent),
	}

	res := r.Reconcile(local, snapshot)
	if len(res.Superseded) != 1 {
		t.Errorf("superseded = %v, want exactly one", res.Superseded)
	}
	if got := ids(res.Messages); !reflect.DeepEqual(got, []string{"m1", "m2"}) {
		t.Errorf("messages = %v", got)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	r := Reconciler{SelfID: "alice"}
	local := []chat.Message{
		msg("temp_1", "alice", "hi", 1000, status.Sending),
		msg("temp_2", "alice", "later", 9000, status.Failed),
		msg("m0", "bob", "old", 500, status.Delivered),
	}
	snapshot := []chat.Message{
		msg("m0", "bob", "old", 500, status.Read),
		msg("m1", "alice", "hi", 1200, status.Sent),
	}

	first := r.Reconcile(local, snapshot)
	second := r.Reconcile(first.Messages, snapshot)
	if !reflect.DeepEqual(first.Messages, second.Messages) {
		t.Errorf("second pass changed messages: %v -> %v", ids(first.Messages), ids(second.Messages))
	}
	if len(second.Upserts) != 0 || len(second.Superseded) != 0 {
		t.Errorf("second pass upserts=%v superseded=%v", ids(second.Upserts), second.Superseded)
	}
}

func TestReconcileUpsertsOnlyChanges(t *testing.T) {
	r := Reconciler{SelfID: "alice"}
	same := msg("m1", "alice", "a", 1, status.Sent)
	read := msg("m2", "alice", "b", 2, status.Sent)
	local := []chat.Message{same, read}

	remoteRead := read.Clone()
	remoteRead.ReadBy = map[string]int64{"bob": 10}
	res := r.Reconcile(local, []chat.Message{same, remoteRead})
	if got := ids(res.Upserts); !reflect.DeepEqual(got, []string{"m2"}) {
		t.Errorf("upserts = %v, want [m2]", got)
	}
	if res.Messages[1].ReadBy["bob"] != 10 {
		t.Errorf("read receipt not applied: %+v", res.Messages[1])
	}
}

func TestReconcileDropsConfirmedMissingFromSnapshot(t *testing.T) {
	r := Reconciler{SelfID: "alice"}
	local := []chat.Message{
		msg("m1", "bob", "gone", 1, status.Delivered),
		msg("temp_1", "alice", "pending", 2, status.Sending),
	}
	res := r.Reconcile(local, nil)
	if got := ids(res.Messages); !reflect.DeepEqual(got, []string{"temp_1"}) {
		t.Errorf("messages = %v, want [temp_1]", got)
	}
}

func TestReconcileOrdersByTimestampThenID(t *testing.T) {
	r := Reconciler{SelfID: "alice"}
	snapshot := []chat.Message{
		msg("b", "bob", "x", 5, status.Delivered),
		msg("a", "bob", "y", 5, status.Delivered),
		msg("c", "bob", "z", 1, status.Delivered),
	}
	res := r.Reconcile(nil, snapshot)
	if got := ids(res.Messages); !reflect.DeepEqual(got, []string{"c", "a", "b"}) {
		t.Errorf("order = %v, want [c a b]", got)
	}
}
