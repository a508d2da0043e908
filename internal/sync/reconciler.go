package sync

import (
	"time"

	"github.com/pigeonai/pigeon/internal/chat"
	"github.com/pigeonai/pigeon/internal/status"
)

// DefaultTolerance is how far apart a temporary message and its confirmed
// copy may be stamped and still be treated as the same send.
const DefaultTolerance = 2 * time.Second

// Reconciler merges a remote snapshot into the in-memory message list. It is
// pure: the same inputs always give the same Result.
type Reconciler struct {
	SelfID    string
	Tolerance time.Duration
}

// Result is the outcome of one reconciliation.
type Result struct {
	// Messages is the new in-memory list, sorted by timestamp then id.
	Messages []chat.Message
	// Upserts are remote copies that are new or changed and must be cached.
	Upserts []chat.Message
	// Superseded are temporary ids replaced by their confirmed copy.
	Superseded []string
	// MarkDelivered are messages from other senders still marked sent.
	MarkDelivered []string
}

// Reconcile merges snapshot into local.
//
// A remote message whose id is known replaces the local copy only when its
// read receipts or status differ. An unknown remote message adopts the closest
// unmatched temporary message from the same sender with the same content
// stamped within the tolerance. Temporary messages nothing matched are kept;
// confirmed local messages missing from the snapshot are not.
func (r Reconciler) Reconcile(local, snapshot []chat.Message) Result {
	tol := r.Tolerance
	if tol <= 0 {
		tol = DefaultTolerance
	}

	byID := make(map[string]chat.Message, len(local))
	var temps []chat.Message
	for _, m := range local {
		byID[m.ID] = m
		if m.Temp() {
			temps = append(temps, m)
		}
	}

	var res Result
	matched := make(map[string]bool)
	merged := make([]chat.Message, 0, len(snapshot)+len(temps))

	for _, rm := range snapshot {
		if lm, ok := byID[rm.ID]; ok {
			if lm.Status != rm.Status || !lm.ReadByEqual(rm) {
				merged = append(merged, rm.Clone())
				res.Upserts = append(res.Upserts, rm.Clone())
			} else {
				merged = append(merged, lm.Clone())
			}
			continue
		}
		if t, ok := closestTemp(temps, matched, rm, tol); ok {
			matched[t] = true
			res.Superseded = append(res.Superseded, t)
		}
		merged = append(merged, rm.Clone())
		res.Upserts = append(res.Upserts, rm.Clone())
	}

	for _, t := range temps {
		if !matched[t.ID] {
			merged = append(merged, t.Clone())
		}
	}

	seen := make(map[string]bool, len(merged))
	out := merged[:0]
	for _, m := range merged {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	chat.SortMessages(out)
	res.Messages = out

	for _, rm := range snapshot {
		if rm.SenderID != r.SelfID && rm.Status == status.Sent {
			res.MarkDelivered = append(res.MarkDelivered, rm.ID)
		}
	}
	return res
}

// closestTemp finds the unmatched temporary message that best corresponds to
// the confirmed message rm. Ties go to the earlier temporary in list order.
func closestTemp(temps []chat.Message, matched map[string]bool, rm chat.Message, tol time.Duration) (string, bool) {
	best := ""
	bestDelta := int64(-1)
	for _, t := range temps {
		if matched[t.ID] || t.SenderID != rm.SenderID || t.Content != rm.Content {
			continue
		}
		d := t.Timestamp - rm.Timestamp
		if d < 0 {
			d = -d
		}
		if d > tol.Milliseconds() {
			continue
		}
		if bestDelta < 0 || d < bestDelta {
			best, bestDelta = t.ID, d
		}
	}
	return best, bestDelta >= 0
}
