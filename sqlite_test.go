package relay

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStorage_RoundTrip(t *testing.T) {
	s := openTestDB(t)

	other := msg("x", 150)
	other.ConversationID = "conv-2"
	edited := msg("b", 200)
	edited.Edited = true
	edited.EditedContent = "fixed"
	if err := s.PutMessages([]Message{msg("a", 100), edited, other}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMessages("conv-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("expected ascending order, got %q, %q", got[0].ID, got[1].ID)
	}
	if !got[1].Edited || got[1].EditedContent != "fixed" {
		t.Errorf("edit flags lost: %+v", got[1])
	}
}

func TestSQLiteStorage_PutUpserts(t *testing.T) {
	s := openTestDB(t)
	if err := s.PutMessages([]Message{msg("a", 100)}); err != nil {
		t.Fatal(err)
	}

	update := msg("a", 100)
	update.Content = "edited"
	if err := s.PutMessages([]Message{update}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMessages("conv-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "edited" {
		t.Errorf("upsert did not replace: %+v", got)
	}
}

func TestSQLiteStorage_GetLimitKeepsNewest(t *testing.T) {
	s := openTestDB(t)
	if err := s.PutMessages([]Message{msg("a", 100), msg("b", 200), msg("c", 300)}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMessages("conv-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Errorf("expected the 2 newest in ascending order, got %+v", got)
	}
}

func TestSQLiteStorage_Delete(t *testing.T) {
	s := openTestDB(t)
	if err := s.PutMessages([]Message{msg("a", 100), msg("b", 200)}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteMessage("a"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteMessage("ghost"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMessages("conv-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("unexpected contents after delete: %+v", got)
	}
}
