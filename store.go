package relay

import (
	"fmt"
	"sync"
)

// ============================================================================
// MessageStore
// ============================================================================

// MessageStore holds the ordered, deduplicated set of confirmed messages for
// one conversation. Order is CreatedAt ascending with ties broken by arrival.
// All operations are goroutine-safe and idempotent; the only rejected input is
// an Upsert whose id is already present under a different conversationId.
type MessageStore struct {
	mu      sync.RWMutex
	ordered []Message
	byID    map[string]int // id -> index into ordered
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{byID: make(map[string]int)}
}

// Load replaces the entire contents with initialBatch. Later duplicates of an
// id within the batch win, mirroring Upsert semantics.
func (s *MessageStore) Load(initialBatch []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ordered = s.ordered[:0]
	s.byID = make(map[string]int, len(initialBatch))
	for _, m := range initialBatch {
		s.insertLocked(m)
	}
}

// PrependOlder merges a batch of strictly-older messages, skipping ids already
// present and preserving ascending time order.
func (s *MessageStore) PrependOlder(olderBatch []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range olderBatch {
		if _, ok := s.byID[m.ID]; ok {
			continue
		}
		s.insertLocked(m)
	}
}

// Upsert inserts message if its id is unseen, else replaces it in place.
// Calling twice with identical input yields identical state. An id collision
// across conversations is rejected rather than silently corrupting state.
func (s *MessageStore) Upsert(message Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.byID[message.ID]; ok {
		if s.ordered[idx].ConversationID != message.ConversationID {
			return newError(KindMalformedServerData, "store.upsert",
				fmt.Errorf("message %s belongs to conversation %s, got %s",
					message.ID, s.ordered[idx].ConversationID, message.ConversationID))
		}
		// Replace in place; edits do not reorder the conversation.
		message.CreatedAt = s.ordered[idx].CreatedAt
		s.ordered[idx] = message
		return nil
	}
	s.insertLocked(message)
	return nil
}

// Remove deletes a message by id. No-op if absent.
func (s *MessageStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[id]
	if !ok {
		return
	}
	s.ordered = append(s.ordered[:idx], s.ordered[idx+1:]...)
	delete(s.byID, id)
	for i := idx; i < len(s.ordered); i++ {
		s.byID[s.ordered[i].ID] = i
	}
}

// Snapshot returns a copy of the current ordered view.
func (s *MessageStore) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ordered)
}

// OldestCreatedAt returns the timestamp of the oldest message, or 0 when the
// store is empty. Pagination uses it as the before-cursor.
func (s *MessageStore) OldestCreatedAt() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.ordered) == 0 {
		return 0
	}
	return s.ordered[0].CreatedAt
}

// insertLocked places m at the position that keeps CreatedAt ascending, after
// any existing entries with an equal timestamp (stable arrival order).
func (s *MessageStore) insertLocked(m Message) {
	if idx, ok := s.byID[m.ID]; ok {
		s.ordered[idx] = m
		return
	}

	pos := len(s.ordered)
	for pos > 0 && s.ordered[pos-1].CreatedAt > m.CreatedAt {
		pos--
	}

	s.ordered = append(s.ordered, Message{})
	copy(s.ordered[pos+1:], s.ordered[pos:])
	s.ordered[pos] = m

	for i := pos; i < len(s.ordered); i++ {
		s.byID[s.ordered[i].ID] = i
	}
}
