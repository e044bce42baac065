package relay

import (
	"testing"
)

func msg(id string, createdAt int64) Message {
	return Message{
		ID:             id,
		ConversationID: "conv-1",
		AuthorID:       "user-1",
		Content:        "content of " + id,
		CreatedAt:      createdAt,
	}
}

func storeIDs(s *MessageStore) []string {
	snapshot := s.Snapshot()
	ids := make([]string, len(snapshot))
	for i, m := range snapshot {
		ids[i] = m.ID
	}
	return ids
}

func assertOrder(t *testing.T, s *MessageStore, want ...string) {
	t.Helper()
	got := storeIDs(s)
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch at %d: expected %v, got %v", i, want, got)
		}
	}
}

// =======================================================================
// Load / PrependOlder
// =======================================================================

func TestStore_LoadReplacesContents(t *testing.T) {
	s := NewMessageStore()
	s.Load([]Message{msg("a", 100), msg("b", 200)})
	s.Load([]Message{msg("c", 300)})

	assertOrder(t, s, "c")
	if s.OldestCreatedAt() != 300 {
		t.Errorf("expected oldest 300, got %d", s.OldestCreatedAt())
	}
}

func TestStore_LoadSortsByCreatedAt(t *testing.T) {
	s := NewMessageStore()
	s.Load([]Message{msg("b", 200), msg("a", 100), msg("c", 300)})
	assertOrder(t, s, "a", "b", "c")
}

func TestStore_PrependOlderKeepsAscendingOrder(t *testing.T) {
	s := NewMessageStore()
	s.Load([]Message{msg("d", 400), msg("e", 500)})
	s.PrependOlder([]Message{msg("a", 100), msg("b", 200), msg("c", 300)})

	assertOrder(t, s, "a", "b", "c", "d", "e")
	if s.OldestCreatedAt() != 100 {
		t.Errorf("expected oldest 100, got %d", s.OldestCreatedAt())
	}
}

func TestStore_PrependOlderSkipsKnownIDs(t *testing.T) {
	s := NewMessageStore()
	s.Load([]Message{msg("b", 200), msg("c", 300)})

	// Overlapping page: "b" arrives again with different content. The
	// existing row wins; pagination must never clobber live state.
	dup := msg("b", 200)
	dup.Content = "stale copy"
	s.PrependOlder([]Message{msg("a", 100), dup})

	assertOrder(t, s, "a", "b", "c")
	if got := s.Snapshot()[1].Content; got != "content of b" {
		t.Errorf("prepend overwrote existing message: %q", got)
	}
}

// =======================================================================
// Upsert
// =======================================================================

func TestStore_UpsertIsIdempotent(t *testing.T) {
	s := NewMessageStore()
	m := msg("a", 100)

	if err := s.Upsert(m); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	if err := s.Upsert(m); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 message after duplicate upsert, got %d", s.Len())
	}
}

func TestStore_UpsertReplacesInPlace(t *testing.T) {
	s := NewMessageStore()
	s.Load([]Message{msg("a", 100), msg("b", 200), msg("c", 300)})

	edited := msg("b", 999) // server may restamp; position must not move
	edited.Content = "edited"
	edited.Edited = true
	if err := s.Upsert(edited); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	assertOrder(t, s, "a", "b", "c")
	got := s.Snapshot()[1]
	if got.Content != "edited" || !got.Edited {
		t.Errorf("edit not applied: %+v", got)
	}
	if got.CreatedAt != 200 {
		t.Errorf("edit changed CreatedAt: %d", got.CreatedAt)
	}
}

func TestStore_UpsertRejectsCrossConversationCollision(t *testing.T) {
	s := NewMessageStore()
	s.Load([]Message{msg("a", 100)})

	bad := msg("a", 100)
	bad.ConversationID = "conv-other"
	err := s.Upsert(bad)
	if err == nil {
		t.Fatal("expected error for cross-conversation id collision")
	}
	if KindOf(err) != KindMalformedServerData {
		t.Errorf("expected KindMalformedServerData, got %q", KindOf(err))
	}
	if got := s.Snapshot()[0].ConversationID; got != "conv-1" {
		t.Errorf("collision corrupted stored row: %q", got)
	}
}

func TestStore_UpsertEqualTimestampsKeepArrivalOrder(t *testing.T) {
	s := NewMessageStore()
	if err := s.Upsert(msg("a", 100)); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(msg("b", 100)); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(msg("c", 100)); err != nil {
		t.Fatal(err)
	}
	assertOrder(t, s, "a", "b", "c")
}

// =======================================================================
// Remove
// =======================================================================

func TestStore_Remove(t *testing.T) {
	s := NewMessageStore()
	s.Load([]Message{msg("a", 100), msg("b", 200), msg("c", 300)})

	s.Remove("b")
	assertOrder(t, s, "a", "c")

	// Absent id is a no-op, and the freed id can be reinserted.
	s.Remove("zz")
	if err := s.Upsert(msg("b", 200)); err != nil {
		t.Fatalf("reinsert after remove failed: %v", err)
	}
	assertOrder(t, s, "a", "b", "c")
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := NewMessageStore()
	s.Load([]Message{msg("a", 100)})

	snap := s.Snapshot()
	snap[0].Content = "mutated"
	if got := s.Snapshot()[0].Content; got != "content of a" {
		t.Errorf("snapshot aliased internal state: %q", got)
	}
}

func TestStore_OldestCreatedAtEmpty(t *testing.T) {
	if got := NewMessageStore().OldestCreatedAt(); got != 0 {
		t.Errorf("expected 0 for empty store, got %d", got)
	}
}
