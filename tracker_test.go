package relay

import (
	"strings"
	"testing"
	"time"
)

var trackerNow = time.UnixMilli(1_700_000_000_000)

func echoOf(p *PendingMessage, id string, skew time.Duration) Message {
	return Message{
		ID:             id,
		ConversationID: p.ConversationID,
		AuthorID:       p.AuthorID,
		Content:        p.Content,
		CreatedAt:      p.CreatedAt + skew.Milliseconds(),
	}
}

// =======================================================================
// BeginSend / Confirm
// =======================================================================

func TestTracker_BeginSend(t *testing.T) {
	tr := NewPendingTracker(nil)
	p := tr.BeginSend("conv-1", "hello", "user-1", trackerNow)

	if !strings.HasPrefix(p.TempID, "local-") {
		t.Errorf("tempID missing local- prefix: %q", p.TempID)
	}
	if p.State != StatePending {
		t.Errorf("expected pending state, got %q", p.State)
	}
	if p.CreatedAt != trackerNow.UnixMilli() {
		t.Errorf("expected CreatedAt %d, got %d", trackerNow.UnixMilli(), p.CreatedAt)
	}

	q := tr.BeginSend("conv-1", "hello", "user-1", trackerNow)
	if q.TempID == p.TempID {
		t.Error("two sends produced the same tempID")
	}
}

func TestTracker_ConfirmRemovesEntry(t *testing.T) {
	tr := NewPendingTracker(nil)
	p := tr.BeginSend("conv-1", "hello", "user-1", trackerNow)

	if !tr.Confirm(p.TempID) {
		t.Fatal("confirm of known tempID reported unknown")
	}
	if tr.Get(p.TempID) != nil {
		t.Error("entry still present after confirm")
	}
	// Double confirm is a no-op, never an error.
	if tr.Confirm(p.TempID) {
		t.Error("second confirm reported known")
	}
}

func TestTracker_ConfirmUnknownIsNoop(t *testing.T) {
	tr := NewPendingTracker(nil)
	if tr.Confirm("local-nope") {
		t.Error("confirm of unknown tempID reported known")
	}
}

// =======================================================================
// Fail / Resend / Discard
// =======================================================================

func TestTracker_FailThenResend(t *testing.T) {
	tr := NewPendingTracker(nil)
	p := tr.BeginSend("conv-1", "hello", "user-1", trackerNow)

	tr.Fail(p.TempID, "connection reset")
	got := tr.Get(p.TempID)
	if got == nil || got.State != StateFailed {
		t.Fatalf("expected failed entry, got %+v", got)
	}
	if got.ErrorDetail != "connection reset" {
		t.Errorf("expected error detail preserved, got %q", got.ErrorDetail)
	}

	re := tr.Resend(p.TempID)
	if re == nil {
		t.Fatal("resend of failed entry returned nil")
	}
	if re.TempID != p.TempID {
		t.Errorf("resend changed tempID: %q -> %q", p.TempID, re.TempID)
	}
	if re.State != StatePending || re.ErrorDetail != "" {
		t.Errorf("resend did not reset state: %+v", re)
	}
}

func TestTracker_ResendRequiresFailedState(t *testing.T) {
	tr := NewPendingTracker(nil)
	p := tr.BeginSend("conv-1", "hello", "user-1", trackerNow)

	if tr.Resend(p.TempID) != nil {
		t.Error("resend of a still-pending entry should return nil")
	}
	if tr.Resend("local-nope") != nil {
		t.Error("resend of unknown tempID should return nil")
	}
}

func TestTracker_Discard(t *testing.T) {
	tr := NewPendingTracker(nil)
	p := tr.BeginSend("conv-1", "hello", "user-1", trackerNow)
	tr.Fail(p.TempID, "boom")

	tr.Discard(p.TempID)
	if tr.Get(p.TempID) != nil {
		t.Error("entry still present after discard")
	}
	tr.Discard(p.TempID) // idempotent
}

// =======================================================================
// Echo reconciliation
// =======================================================================

func TestTracker_ReconcileMatchesEcho(t *testing.T) {
	tr := NewPendingTracker(nil)
	p := tr.BeginSend("conv-1", "hello", "user-1", trackerNow)

	tempID, matched := tr.ReconcileIncoming(echoOf(p, "srv-1", 2*time.Second))
	if !matched {
		t.Fatal("echo within tolerance did not match")
	}
	if tempID != p.TempID {
		t.Errorf("expected tempID %q, got %q", p.TempID, tempID)
	}
	if tr.Get(p.TempID) != nil {
		t.Error("pending entry survived reconciliation")
	}
}

func TestTracker_ReconcileRejectsMismatch(t *testing.T) {
	tr := NewPendingTracker(nil)
	p := tr.BeginSend("conv-1", "hello", "user-1", trackerNow)

	t.Run("different author", func(t *testing.T) {
		m := echoOf(p, "srv-1", 0)
		m.AuthorID = "user-2"
		if _, matched := tr.ReconcileIncoming(m); matched {
			t.Error("matched despite different author")
		}
	})

	t.Run("different content", func(t *testing.T) {
		m := echoOf(p, "srv-2", 0)
		m.Content = "goodbye"
		if _, matched := tr.ReconcileIncoming(m); matched {
			t.Error("matched despite different content")
		}
	})

	t.Run("outside tolerance", func(t *testing.T) {
		if _, matched := tr.ReconcileIncoming(echoOf(p, "srv-3", 6*time.Second)); matched {
			t.Error("matched despite timestamp outside tolerance")
		}
	})

	if tr.Get(p.TempID) == nil {
		t.Error("non-matching echoes removed the pending entry")
	}
}

func TestTracker_ReconcileNeverMatchesFailed(t *testing.T) {
	tr := NewPendingTracker(nil)
	p := tr.BeginSend("conv-1", "hello", "user-1", trackerNow)
	tr.Fail(p.TempID, "timeout")

	// A late echo of the failed attempt must not silently resolve it; the
	// user decides between retry and discard.
	if _, matched := tr.ReconcileIncoming(echoOf(p, "srv-1", 0)); matched {
		t.Error("failed entry matched an echo")
	}
}

func TestTracker_ReconcileMatchesNewestFirst(t *testing.T) {
	tr := NewPendingTracker(nil)
	first := tr.BeginSend("conv-1", "hello", "user-1", trackerNow)
	second := tr.BeginSend("conv-1", "hello", "user-1", trackerNow.Add(time.Second))

	tempID, matched := tr.ReconcileIncoming(echoOf(second, "srv-1", 0))
	if !matched || tempID != second.TempID {
		t.Fatalf("expected newest pending %q to match, got %q (matched=%v)",
			second.TempID, tempID, matched)
	}
	if tr.Get(first.TempID) == nil {
		t.Error("older pending entry was consumed instead")
	}
}

func TestTracker_CustomTolerance(t *testing.T) {
	tr := NewPendingTracker(&TrackerOptions{EchoTolerance: time.Second})
	p := tr.BeginSend("conv-1", "hello", "user-1", trackerNow)

	if _, matched := tr.ReconcileIncoming(echoOf(p, "srv-1", 3*time.Second)); matched {
		t.Error("matched outside the tightened tolerance")
	}
	if _, matched := tr.ReconcileIncoming(echoOf(p, "srv-1", 500*time.Millisecond)); !matched {
		t.Error("did not match within the tightened tolerance")
	}
}

func TestTracker_EntriesPreserveCreationOrder(t *testing.T) {
	tr := NewPendingTracker(nil)
	a := tr.BeginSend("conv-1", "one", "user-1", trackerNow)
	b := tr.BeginSend("conv-1", "two", "user-1", trackerNow)
	tr.Fail(a.TempID, "boom")

	entries := tr.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].TempID != a.TempID || entries[1].TempID != b.TempID {
		t.Error("entries out of creation order")
	}
	if entries[0].State != StateFailed || entries[1].State != StatePending {
		t.Errorf("unexpected states: %q, %q", entries[0].State, entries[1].State)
	}
}
