package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// PendingTracker
// ============================================================================

// DefaultEchoTolerance is the timestamp window used when matching a
// realtime-pushed message against a locally pending send. The source of truth
// for a send is the server response; the tolerance only guards against clock
// skew when the echo arrives first.
const DefaultEchoTolerance = 5 * time.Second

// TrackerOptions configures a PendingTracker.
type TrackerOptions struct {
	EchoTolerance time.Duration
}

// PendingTracker bridges the gap between "user hit send" and "server
// confirmed", and reconciles pending entries against realtime echoes. Because
// the realtime channel broadcasts every insert, including the client's own,
// every send would double-display without this reconciliation.
type PendingTracker struct {
	mu        sync.Mutex
	tolerance time.Duration
	pending   []*PendingMessage // insertion order; TempIDs unique
}

// NewPendingTracker creates a tracker. opts may be nil.
func NewPendingTracker(opts *TrackerOptions) *PendingTracker {
	t := &PendingTracker{tolerance: DefaultEchoTolerance}
	if opts != nil && opts.EchoTolerance > 0 {
		t.tolerance = opts.EchoTolerance
	}
	return t
}

// newTempID generates a client-unique id disjoint from the server id space.
func newTempID() string {
	return "local-" + uuid.NewString()
}

// BeginSend creates a Pending entry for a user send and returns it. The entry
// is displayed immediately by the caller; this is the sole source of perceived
// latency-hiding.
func (t *PendingTracker) BeginSend(conversationID, content, authorID string, now time.Time) *PendingMessage {
	p := &PendingMessage{
		TempID:         newTempID(),
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        content,
		CreatedAt:      now.UnixMilli(),
		State:          StatePending,
	}

	t.mu.Lock()
	t.pending = append(t.pending, p)
	t.mu.Unlock()
	return p
}

// Confirm resolves a pending entry against the server-confirmed message and
// reports whether the tempID was known. Unknown tempIDs are a no-op, never an
// error: network races can deliver a confirmation after the user cancelled, or
// after a realtime echo already resolved it.
func (t *PendingTracker) Confirm(tempID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(tempID)
}

// Fail transitions a pending entry to Failed with the reason attached. The
// entry stays visible so the user can retry or discard; it is never retried
// automatically. Unknown tempIDs are a silent no-op.
func (t *PendingTracker) Fail(tempID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pending {
		if p.TempID == tempID {
			p.State = StateFailed
			p.ErrorDetail = reason
			return
		}
	}
}

// Resend flips a Failed entry back to Pending ahead of a retry, keeping the
// same tempID so a late echo of the first attempt still reconciles. Returns
// the entry, or nil if the tempID is unknown or not in the Failed state.
func (t *PendingTracker) Resend(tempID string) *PendingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pending {
		if p.TempID == tempID && p.State == StateFailed {
			p.State = StatePending
			p.ErrorDetail = ""
			return p
		}
	}
	return nil
}

// Discard removes an entry outright. No-op for unknown tempIDs.
func (t *PendingTracker) Discard(tempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(tempID)
}

// Get returns a copy of the entry for tempID, or nil.
func (t *PendingTracker) Get(tempID string) *PendingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pending {
		if p.TempID == tempID {
			cp := *p
			return &cp
		}
	}
	return nil
}

// Entries returns copies of all pending and failed entries in creation order.
func (t *PendingTracker) Entries() []PendingMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]PendingMessage, 0, len(t.pending))
	for _, p := range t.pending {
		out = append(out, *p)
	}
	return out
}

// ReconcileIncoming matches an arriving server message against pending sends:
// same author, same content, timestamps within the tolerance window. On match
// it behaves like Confirm and returns the matched tempID; on no match the
// message is simply new.
//
// Failed entries never match: auto-resolving them would amount to a silent
// retry of user-authored content. Matching scans newest-first so two rapid
// identical sends resolve against the later pending entry first.
func (t *PendingTracker) ReconcileIncoming(serverMessage Message) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tol := t.tolerance.Milliseconds()
	for i := len(t.pending) - 1; i >= 0; i-- {
		p := t.pending[i]
		if p.State != StatePending {
			continue
		}
		if p.AuthorID != serverMessage.AuthorID || p.Content != serverMessage.Content {
			continue
		}
		delta := serverMessage.CreatedAt - p.CreatedAt
		if delta < 0 {
			delta = -delta
		}
		if delta > tol {
			continue
		}
		tempID := p.TempID
		t.removeLocked(tempID)
		return tempID, true
	}
	return "", false
}

func (t *PendingTracker) removeLocked(tempID string) bool {
	for i, p := range t.pending {
		if p.TempID == tempID {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return true
		}
	}
	return false
}
