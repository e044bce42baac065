package relay

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error returned by the Relay backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the generic Relay API response envelope.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *APIResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// Message is a server-confirmed message row. The ID is server-assigned and
// immutable once assigned; the engine never mutates a Message except through
// reconciliation (Upsert/Remove).
type Message struct {
	ID                string `json:"id"`
	ConversationID    string `json:"conversationId"`
	AuthorID          string `json:"authorId"`
	AuthorDisplayName string `json:"authorDisplayName,omitempty"`
	Content           string `json:"content"`
	CreatedAt         int64  `json:"createdAt"` // epoch millis
	Edited            bool   `json:"edited,omitempty"`
	EditedContent     string `json:"editedContent,omitempty"`
}

// PendingState is the lifecycle state of a locally-created message.
type PendingState string

const (
	StatePending PendingState = "pending"
	StateFailed  PendingState = "failed"
)

// PendingMessage is a client-only message awaiting server confirmation.
// TempID is client-generated ("local-" prefix + UUID) and never collides with
// a server Message.ID.
type PendingMessage struct {
	TempID         string       `json:"tempId"`
	ConversationID string       `json:"conversationId"`
	AuthorID       string       `json:"authorId"`
	Content        string       `json:"content"`
	CreatedAt      int64        `json:"createdAt"` // epoch millis
	State          PendingState `json:"state"`
	ErrorDetail    string       `json:"errorDetail,omitempty"`
}

// Entry is one row of a merged conversation view: either a confirmed Message
// or a PendingMessage, never both for the same logical message.
type Entry struct {
	Message *Message        `json:"message,omitempty"`
	Pending *PendingMessage `json:"pending,omitempty"`
}

// CreatedAt returns the display timestamp of the entry.
func (e Entry) CreatedAt() int64 {
	if e.Message != nil {
		return e.Message.CreatedAt
	}
	if e.Pending != nil {
		return e.Pending.CreatedAt
	}
	return 0
}

// ============================================================================
// Channels / Conversations
// ============================================================================

// Channel describes a conversation scope (a per-course channel or a direct
// conversation) as listed by the backend.
type Channel struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"` // "course" or "direct"
	Title       string   `json:"title,omitempty"`
	CourseID    string   `json:"courseId,omitempty"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount,omitempty"`
	CreatedAt   int64    `json:"createdAt,omitempty"`
}

// UserProfile is the subset of a user row the engine needs for display.
type UserProfile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role,omitempty"` // "student", "lecturer", "admin"
}

// TokenData is returned by the token refresh endpoint.
type TokenData struct {
	Token     string `json:"token"`
	ExpiresIn string `json:"expiresIn"`
}
