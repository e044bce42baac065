package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Session
// ============================================================================

// SessionState is the lifecycle of a Session.
type SessionState string

const (
	SessionClosed  SessionState = "closed"
	SessionOpening SessionState = "opening"
	SessionActive  SessionState = "active"
)

// SessionOptions configures a Session. The zero value is usable.
type SessionOptions struct {
	// AuthorID is the local user id stamped on optimistic entries.
	AuthorID string
	// PageSize is the history page size (DefaultPageSize when 0).
	PageSize int
	// SendTimeout bounds each send and fetch (DefaultTimeout when 0).
	SendTimeout time.Duration
	// Tracker tunes echo reconciliation.
	Tracker *TrackerOptions
	// Backoff tunes subscription reconnects.
	Backoff BackoffOptions
	// Storage, when set, persists confirmed messages and warms a reopened
	// conversation before the network fetch completes.
	Storage Storage
	// Profiles, when set, decorates messages missing an author display name.
	Profiles *ProfileCache
	// OnChange, when set, is invoked after every view-affecting mutation.
	OnChange func()
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// Session composes the store, tracker, cursor and subscription for one active
// conversation and is the engine's public contract. A Session owns its parts
// exclusively; nothing is shared across sessions.
type Session struct {
	backend Backend
	manager *SubscriptionManager
	opts    SessionOptions
	logger  *zap.Logger

	mu             sync.Mutex
	state          SessionState
	generation     uint64
	conversationID string
	store          *MessageStore
	tracker        *PendingTracker
	cursor         *HistoryCursor
	sub            *Subscription
	connected      bool
	lastErr        error
}

// NewSession creates a session over backend and transport. opts may be nil.
func NewSession(backend Backend, transport Transport, opts *SessionOptions) *Session {
	o := SessionOptions{}
	if opts != nil {
		o = *opts
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	return &Session{
		backend: backend,
		manager: NewSubscriptionManager(transport, o.Backoff, o.Logger),
		opts:    o,
		logger:  o.Logger,
		state:   SessionClosed,
		store:   NewMessageStore(),
		tracker: NewPendingTracker(o.Tracker),
	}
}

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the active conversation, or "".
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Connected reports whether the realtime subscription is currently up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LastError returns the most recent surfaced error (e.g. a failed initial
// fetch), or nil. It is cleared by the next successful Open.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// HasMore reports whether older history is believed to exist.
func (s *Session) HasMore() bool {
	s.mu.Lock()
	cursor := s.cursor
	s.mu.Unlock()
	if cursor == nil {
		return false
	}
	return cursor.HasMore()
}

// ----------------------------------------------------------------------------
// Open / Close
// ----------------------------------------------------------------------------

// Open switches the session to conversationID: the prior subscription is
// closed, the store cleared, the newest history page fetched, and a fresh
// subscription opened. In-flight work for a superseded conversation is
// invalidated by the generation counter and its completions become no-ops.
//
// A failed initial fetch still lands the session in Active with an empty
// store; the error is surfaced via the return value and LastError, and the
// realtime subscription is opened regardless so the conversation heals
// without a manual reopen.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	prevSub := s.sub
	s.sub = nil
	s.state = SessionOpening
	s.conversationID = conversationID
	s.connected = false
	s.lastErr = nil
	s.store = NewMessageStore()
	s.tracker = NewPendingTracker(s.opts.Tracker)
	s.cursor = NewHistoryCursor(s.store, s.opts.PageSize)
	store := s.store
	cursor := s.cursor
	s.mu.Unlock()

	if prevSub != nil {
		prevSub.Close()
	}

	// Warm the view from the local cache while the fetch is in flight.
	if s.opts.Storage != nil {
		if cached, err := s.opts.Storage.GetMessages(conversationID, s.opts.PageSize); err == nil && len(cached) > 0 {
			store.Load(cached)
			s.notify()
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	msgs, fetchErr := s.backend.FetchMessages(fetchCtx, conversationID, 0, s.opts.PageSize)
	cancel()

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return nil // superseded by a newer Open or Close
	}
	s.state = SessionActive
	if fetchErr != nil {
		s.lastErr = newError(KindFetchFailed, "session.open", fetchErr)
	} else {
		store.Load(msgs)
		cursor.Initialize(len(msgs))
	}
	s.mu.Unlock()
	s.notify()

	if fetchErr == nil {
		s.persist(msgs)
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return nil
	}
	// Registered under the session lock. A newer Open bumps the generation
	// under this same lock, so a superseded open can never reach the manager
	// and displace the live subscription.
	s.sub = s.manager.Open(ctx, conversationID, EventHandlers{
		OnInsert:           func(m Message) { s.applyIncoming(gen, m) },
		OnUpdate:           func(m Message) { s.applyIncoming(gen, m) },
		OnDelete:           func(id string) { s.applyDelete(gen, id) },
		OnConnectionChange: func(up bool) { s.setConnected(gen, up) },
		OnTerminalError:    func(err error) { s.surfaceError(gen, err) },
	})
	err := s.lastErr
	s.mu.Unlock()
	return err
}

// Close tears down the session. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	s.generation++
	sub := s.sub
	s.sub = nil
	s.state = SessionClosed
	s.connected = false
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	s.manager.CloseAll()
}

// ----------------------------------------------------------------------------
// Send / Retry / Discard
// ----------------------------------------------------------------------------

// Send creates an optimistic pending entry, performs the network send, and
// resolves the entry on the outcome. The tempID is returned immediately in
// either case; on failure the entry stays visible in the Failed state.
func (s *Session) Send(ctx context.Context, content string) (string, error) {
	s.mu.Lock()
	if s.state != SessionActive {
		s.mu.Unlock()
		return "", newError(KindSendFailed, "session.send", errSessionNotActive)
	}
	gen := s.generation
	conversationID := s.conversationID
	p := s.tracker.BeginSend(conversationID, content, s.opts.AuthorID, time.Now())
	s.mu.Unlock()
	s.notify()

	return p.TempID, s.performSend(ctx, gen, conversationID, p.TempID, content)
}

// Retry re-attempts a Failed entry's send, reusing the same tempID so a late
// echo of the first attempt still reconciles to a single entry.
func (s *Session) Retry(ctx context.Context, tempID string) error {
	s.mu.Lock()
	if s.state != SessionActive {
		s.mu.Unlock()
		return newError(KindSendFailed, "session.retry", errSessionNotActive)
	}
	gen := s.generation
	conversationID := s.conversationID
	p := s.tracker.Resend(tempID)
	s.mu.Unlock()

	if p == nil {
		return newError(KindNotFound, "session.retry", errUnknownTempID)
	}
	s.notify()
	return s.performSend(ctx, gen, conversationID, tempID, p.Content)
}

// Discard removes a pending or failed entry entirely. No-op if unknown.
func (s *Session) Discard(tempID string) {
	s.mu.Lock()
	s.tracker.Discard(tempID)
	s.mu.Unlock()
	s.notify()
}

func (s *Session) performSend(ctx context.Context, gen uint64, conversationID, tempID, content string) error {
	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	msg, err := s.backend.SendMessage(sendCtx, conversationID, content)
	cancel()

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return nil // conversation switched mid-send; outcome no longer applies
	}
	if err != nil {
		s.tracker.Fail(tempID, err.Error())
		s.mu.Unlock()
		s.notify()
		return newError(KindSendFailed, "session.send", err)
	}

	// The realtime echo may have confirmed this tempID already; both paths
	// converge on the idempotent upsert.
	s.tracker.Confirm(tempID)
	if upErr := s.store.Upsert(msg); upErr != nil {
		s.logger.Warn("dropping conflicting send response", zap.String("id", msg.ID), zap.Error(upErr))
	}
	s.mu.Unlock()
	s.notify()
	s.persist([]Message{msg})
	return nil
}

// ----------------------------------------------------------------------------
// Pagination
// ----------------------------------------------------------------------------

// LoadOlder fetches the next page of older history. Returns the number of
// rows appended; concurrent calls while one is in flight return 0.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.state != SessionActive {
		s.mu.Unlock()
		return 0, newError(KindFetchFailed, "session.loadOlder", errSessionNotActive)
	}
	gen := s.generation
	conversationID := s.conversationID
	cursor := s.cursor
	s.mu.Unlock()

	n, err := cursor.LoadOlder(ctx, func(ctx context.Context, beforeMillis int64, limit int) ([]Message, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
		defer cancel()
		msgs, err := s.backend.FetchMessages(fetchCtx, conversationID, beforeMillis, limit)
		if err != nil {
			return nil, err
		}
		s.persistIfCurrent(gen, msgs)
		return msgs, nil
	})
	if n > 0 {
		s.notify()
	}
	return n, err
}

// ----------------------------------------------------------------------------
// View
// ----------------------------------------------------------------------------

// View returns the merged, deduplicated display list for the active
// conversation: confirmed messages plus pending/failed entries, ordered by
// CreatedAt ascending with ties kept stable. No two entries ever represent
// the same logical message.
func (s *Session) View() []Entry {
	s.mu.Lock()
	confirmed := s.store.Snapshot()
	pending := s.tracker.Entries()
	conversationID := s.conversationID
	s.mu.Unlock()

	entries := make([]Entry, 0, len(confirmed)+len(pending))
	for i := range confirmed {
		m := confirmed[i]
		s.decorate(&m)
		entries = append(entries, Entry{Message: &m})
	}
	for i := range pending {
		p := pending[i]
		if p.ConversationID != conversationID {
			continue
		}
		entries = append(entries, Entry{Pending: &p})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt() < entries[j].CreatedAt()
	})
	return entries
}

// decorate fills a missing author display name from the profile cache.
func (s *Session) decorate(m *Message) {
	if m.AuthorDisplayName != "" || s.opts.Profiles == nil {
		return
	}
	if p, ok := s.opts.Profiles.Peek(m.AuthorID); ok {
		m.AuthorDisplayName = p.DisplayName
	}
}

// ----------------------------------------------------------------------------
// Realtime funnel
// ----------------------------------------------------------------------------

// applyIncoming is the single reconciliation path for realtime inserts and
// updates: match against a pending echo first, then upsert. Both steps happen
// under the session lock so there is no window where the pending and the
// confirmed entry are visible together.
func (s *Session) applyIncoming(gen uint64, msg Message) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	if tempID, matched := s.tracker.ReconcileIncoming(msg); matched {
		s.logger.Debug("echo reconciled", zap.String("tempId", tempID), zap.String("id", msg.ID))
	}
	if err := s.store.Upsert(msg); err != nil {
		s.logger.Warn("dropping conflicting realtime message", zap.String("id", msg.ID), zap.Error(err))
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.notify()
	s.persistIfCurrent(gen, []Message{msg})
	s.warmProfile(msg.AuthorID)
}

func (s *Session) applyDelete(gen uint64, id string) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.store.Remove(id)
	s.mu.Unlock()
	s.notify()

	if s.opts.Storage != nil {
		if err := s.opts.Storage.DeleteMessage(id); err != nil {
			s.logger.Warn("local delete failed", zap.String("id", id), zap.Error(err))
		}
	}
}

func (s *Session) setConnected(gen uint64, up bool) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.connected = up
	s.mu.Unlock()
	s.notify()
}

func (s *Session) surfaceError(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.lastErr = err
	s.mu.Unlock()
	s.notify()
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

func (s *Session) notify() {
	if s.opts.OnChange != nil {
		s.opts.OnChange()
	}
}

func (s *Session) persist(msgs []Message) {
	if s.opts.Storage == nil || len(msgs) == 0 {
		return
	}
	if err := s.opts.Storage.PutMessages(msgs); err != nil {
		s.logger.Warn("local persist failed", zap.Int("count", len(msgs)), zap.Error(err))
	}
}

func (s *Session) persistIfCurrent(gen uint64, msgs []Message) {
	s.mu.Lock()
	current := gen == s.generation
	s.mu.Unlock()
	if current {
		s.persist(msgs)
	}
}

// warmProfile fills the profile cache in the background so a later View can
// decorate synchronously.
func (s *Session) warmProfile(userID string) {
	if s.opts.Profiles == nil || userID == "" {
		return
	}
	if _, ok := s.opts.Profiles.Peek(userID); ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.SendTimeout)
		defer cancel()
		if _, err := s.opts.Profiles.Get(ctx, userID); err != nil {
			s.logger.Debug("profile warm failed", zap.String("user", userID), zap.Error(err))
		}
	}()
}
