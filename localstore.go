package relay

import (
	"sort"
	"sync"
)

// ============================================================================
// Local Storage
// ============================================================================

// Storage persists confirmed messages locally so a reopened conversation can
// show history before its network fetch completes. The local store is never
// authoritative; the server wins on any divergence.
type Storage interface {
	// PutMessages upserts confirmed messages by id.
	PutMessages(msgs []Message) error
	// GetMessages returns up to limit of the newest messages for the
	// conversation, ordered CreatedAt ascending.
	GetMessages(conversationID string, limit int) ([]Message, error)
	// DeleteMessage removes a message by id. No-op if absent.
	DeleteMessage(id string) error
}

// MemoryStorage is a goroutine-safe in-memory Storage.
type MemoryStorage struct {
	mu       sync.RWMutex
	messages map[string]Message
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{messages: make(map[string]Message)}
}

// PutMessages implements Storage.
func (s *MemoryStorage) PutMessages(msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages[m.ID] = m
	}
	return nil
}

// GetMessages implements Storage.
func (s *MemoryStorage) GetMessages(conversationID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt < result[j].CreatedAt })
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// DeleteMessage implements Storage.
func (s *MemoryStorage) DeleteMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	return nil
}
