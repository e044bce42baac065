package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Format
// ============================================================================

// RealtimeEnvelope is the wire format for all realtime events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DeletePayload is the payload of a message.delete event.
type DeletePayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
}

// SubscribedPayload acknowledges a subscription.
type SubscribedPayload struct {
	ConversationID string `json:"conversationId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	eventSubscribed = "subscribed"
	eventInsert     = "message.insert"
	eventUpdate     = "message.update"
	eventDelete     = "message.delete"
	eventError      = "error"
)

// ============================================================================
// Connection State
// ============================================================================

// ConnectionState represents the lifecycle of one subscription handle.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	// StateClosed is terminal for a handle; a new handle is required for a new
	// conversation.
	StateClosed ConnectionState = "closed"
)

// EventHandlers receives row-change events and connection-state transitions
// for one subscription. Handlers are invoked only while the subscription is
// the manager's current one; events from a superseded handle are dropped.
type EventHandlers struct {
	OnInsert           func(Message)
	OnUpdate           func(Message)
	OnDelete           func(id string)
	OnConnectionChange func(connected bool)
	OnTerminalError    func(error)
}

// ============================================================================
// Transport
// ============================================================================

// ErrAuthRejected marks a fatal subscription failure: the token was rejected.
// It is reported once via OnTerminalError and never retried.
var ErrAuthRejected = errors.New("realtime: auth rejected")

// Conn is one live transport connection bound to a conversation.
type Conn interface {
	// Read blocks until the next envelope or a transport error.
	Read(ctx context.Context) (*RealtimeEnvelope, error)
	Close() error
}

// Transport dials realtime connections. The websocket implementation is the
// default; tests substitute fakes.
type Transport interface {
	Dial(ctx context.Context, conversationID string) (Conn, error)
}

// ============================================================================
// Reconnect Backoff
// ============================================================================

// BackoffOptions tunes the reconnect policy. Zero values pick defaults.
// MaxAttempts 0 means retry indefinitely, which is what subscriptions use
// while their conversation stays active.
type BackoffOptions struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (b *BackoffOptions) defaults() {
	if b.BaseDelay == 0 {
		b.BaseDelay = 1 * time.Second
	}
	if b.MaxDelay == 0 {
		b.MaxDelay = 30 * time.Second
	}
}

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(opts BackoffOptions) *reconnector {
	opts.defaults()
	return &reconnector{
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		maxAttempts: opts.MaxAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// SubscriptionManager
// ============================================================================

// SubscriptionManager owns at most one live subscription at a time. Opening a
// subscription for a new conversation supersedes the previous handle; events
// still in flight on a superseded handle are discarded, never applied.
type SubscriptionManager struct {
	transport Transport
	backoff   BackoffOptions
	logger    *zap.Logger

	mu      sync.Mutex
	current *Subscription
}

// NewSubscriptionManager creates a manager over the given transport.
// logger may be nil.
func NewSubscriptionManager(transport Transport, backoff BackoffOptions, logger *zap.Logger) *SubscriptionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionManager{transport: transport, backoff: backoff, logger: logger}
}

// Open begins connecting a subscription for conversationID and returns its
// handle. Any previously-open handle is closed first.
func (m *SubscriptionManager) Open(ctx context.Context, conversationID string, handlers EventHandlers) *Subscription {
	sub := &Subscription{
		conversationID: conversationID,
		handlers:       handlers,
		manager:        m,
		state:          StateIdle,
		logger:         m.logger.With(zap.String("conversation", conversationID)),
	}
	runCtx, cancel := context.WithCancel(ctx)
	sub.cancel = cancel

	m.mu.Lock()
	prev := m.current
	m.current = sub
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	go sub.run(runCtx)
	return sub
}

// Close tears down sub. Idempotent; closing a superseded handle is safe.
func (m *SubscriptionManager) Close(sub *Subscription) {
	if sub != nil {
		sub.Close()
	}
}

// CloseAll closes the current subscription, if any.
func (m *SubscriptionManager) CloseAll() {
	m.mu.Lock()
	cur := m.current
	m.current = nil
	m.mu.Unlock()
	if cur != nil {
		cur.Close()
	}
}

// isCurrent reports whether sub is the manager's active handle.
func (m *SubscriptionManager) isCurrent(sub *Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == sub
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription is one live handle bound to one conversation.
type Subscription struct {
	conversationID string
	handlers       EventHandlers
	manager        *SubscriptionManager
	logger         *zap.Logger
	cancel         context.CancelFunc

	mu     sync.Mutex
	state  ConnectionState
	closed bool
	conn   Conn
}

// ConversationID returns the conversation this handle is bound to.
func (s *Subscription) ConversationID() string { return s.conversationID }

// State returns the current connection state.
func (s *Subscription) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close tears down the subscription. Idempotent. After Close returns, no
// further handler invocations are made for this handle.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

func (s *Subscription) setState(state ConnectionState) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
}

// live reports whether events from this handle may still be applied.
func (s *Subscription) live() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	return !closed && s.manager.isCurrent(s)
}

func (s *Subscription) run(ctx context.Context) {
	recon := newReconnector(s.manager.backoff)

	for {
		if ctx.Err() != nil || !s.live() {
			return
		}
		s.setState(StateConnecting)

		conn, err := s.manager.transport.Dial(ctx, s.conversationID)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				s.logger.Warn("subscription rejected", zap.Error(err))
				s.setState(StateClosed)
				if s.live() && s.handlers.OnTerminalError != nil {
					s.handlers.OnTerminalError(newError(KindAuthExpired, "realtime.dial", err))
				}
				s.Close()
				return
			}
			if !recon.shouldReconnect() {
				s.Close()
				return
			}
			s.setState(StateReconnecting)
			if !sleepCtx(ctx, recon.nextDelay()) {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.state = StateConnected
		s.mu.Unlock()

		recon.markConnected()
		if s.live() && s.handlers.OnConnectionChange != nil {
			s.handlers.OnConnectionChange(true)
		}

		s.readLoop(ctx, conn)

		if s.live() && s.handlers.OnConnectionChange != nil {
			s.handlers.OnConnectionChange(false)
		}
		if ctx.Err() != nil || !s.live() {
			return
		}
		s.setState(StateReconnecting)
		if !sleepCtx(ctx, recon.nextDelay()) {
			return
		}
	}
}

// readLoop pumps envelopes until the connection drops or the handle closes.
// Events are delivered in transport order; duplicates or slight reordering
// from at-least-once delivery are absorbed by the store's idempotent
// Upsert/Remove downstream.
func (s *Subscription) readLoop(ctx context.Context, conn Conn) {
	defer conn.Close()

	for {
		env, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !s.live() {
			return
		}
		s.dispatch(env)
	}
}

func (s *Subscription) dispatch(env *RealtimeEnvelope) {
	switch env.Type {
	case eventSubscribed:
		// Ack only; the Connected transition already fired.

	case eventInsert, eventUpdate:
		var msg Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			s.logger.Warn("dropping undecodable event", zap.String("type", env.Type), zap.Error(err))
			return
		}
		if msg.ID == "" || msg.ConversationID == "" {
			s.logger.Warn("dropping event with missing fields", zap.String("type", env.Type))
			return
		}
		if msg.ConversationID != s.conversationID {
			s.logger.Warn("dropping cross-conversation event",
				zap.String("type", env.Type), zap.String("got", msg.ConversationID))
			return
		}
		if env.Type == eventInsert {
			if s.handlers.OnInsert != nil {
				s.handlers.OnInsert(msg)
			}
		} else if s.handlers.OnUpdate != nil {
			s.handlers.OnUpdate(msg)
		}

	case eventDelete:
		var p DeletePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ID == "" {
			s.logger.Warn("dropping malformed delete event", zap.Error(err))
			return
		}
		if p.ConversationID != "" && p.ConversationID != s.conversationID {
			s.logger.Warn("dropping cross-conversation delete", zap.String("got", p.ConversationID))
			return
		}
		if s.handlers.OnDelete != nil {
			s.handlers.OnDelete(p.ID)
		}

	case eventError:
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			s.logger.Warn("server error event", zap.String("code", p.Code), zap.String("message", p.Message))
		}

	default:
		s.logger.Debug("ignoring unknown event type", zap.String("type", env.Type))
	}
}

// sleepCtx sleeps for d, returning false if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ============================================================================
// WebsocketTransport
// ============================================================================

// WebsocketTransport dials the Relay realtime endpoint over websocket. The
// handshake expects a "subscribed" ack as the first envelope; an "error"
// envelope with an auth code instead means the token was rejected.
type WebsocketTransport struct {
	BaseURL string
	Token   string
}

// NewWebsocketTransport creates a websocket transport for the given base URL
// and bearer token.
func NewWebsocketTransport(baseURL, token string) *WebsocketTransport {
	return &WebsocketTransport{BaseURL: strings.TrimRight(baseURL, "/"), Token: token}
}

// Dial connects and completes the subscribe handshake for conversationID.
func (t *WebsocketTransport) Dial(ctx context.Context, conversationID string) (Conn, error) {
	wsURL := strings.Replace(t.BaseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime?conversation=" + conversationID + "&token=" + t.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	// First envelope must be the subscribe ack.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read subscribe ack: %w", err)
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("decode subscribe ack: %w", err)
	}
	if env.Type == eventError {
		var p RealtimeErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		conn.Close(websocket.StatusNormalClosure, "")
		if strings.Contains(p.Code, "AUTH") {
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, p.Message)
		}
		return nil, fmt.Errorf("subscribe failed: %s: %s", p.Code, p.Message)
	}
	if env.Type != eventSubscribed {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected %q, got %q", eventSubscribed, env.Type)
	}

	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (*RealtimeEnvelope, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			// Undecodable frame: drop it rather than tearing the connection down.
			continue
		}
		return &env, nil
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client close")
}
