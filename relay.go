// Package relay is the Go client engine for Lectora's realtime course-channel
// chat. It keeps a conversation's message list correct on a flaky network:
// optimistic pending sends, reconciliation of realtime echoes, backward
// pagination, and a self-healing subscription per active conversation.
//
// Example:
//
//	client := relay.NewClient("https://chat.lectora.app", token)
//	session := relay.NewSession(client, relay.NewWebsocketTransport("https://chat.lectora.app", token), nil)
//	defer session.Close()
//
//	session.Open(ctx, "course-chan-42")
//	tempID, _ := session.Send(ctx, "hello")
//	for _, entry := range session.View() { ... }
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds every backend request; a send past it is treated as
// failed rather than left pending indefinitely.
const DefaultTimeout = 30 * time.Second

// DefaultPageSize is the history page size used when none is configured.
const DefaultPageSize = 50

// ============================================================================
// Backend contract
// ============================================================================

// Backend is the slice of the chat backend a Session consumes. *Client is the
// HTTP implementation; tests substitute fakes.
type Backend interface {
	// FetchMessages returns up to limit messages of conversationID older than
	// beforeMillis (0 means newest page), ordered CreatedAt ascending.
	FetchMessages(ctx context.Context, conversationID string, beforeMillis int64, limit int) ([]Message, error)
	// SendMessage persists a message and returns the server-assigned row.
	SendMessage(ctx context.Context, conversationID, content string) (Message, error)
}

// ProfileFetcher loads a user profile; the ProfileCache wraps it.
type ProfileFetcher func(ctx context.Context, userID string) (UserProfile, error)

// ============================================================================
// Client
// ============================================================================

// Client is the bearer-token HTTP client for the Relay backend.
type Client struct {
	baseURL    string
	agent      string
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithTimeout overrides the default request timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithAgent sets the X-Relay-Agent header for request attribution.
func WithAgent(agent string) ClientOption {
	return func(c *Client) { c.agent = agent }
}

// NewClient creates a Relay client for baseURL authenticated with token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token (e.g. after an external refresh).
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) bearer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// ----------------------------------------------------------------------------
// Internal request helpers
// ----------------------------------------------------------------------------

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if c.agent != "" {
		req.Header.Set("X-Relay-Agent", c.agent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, newError(KindNetworkFailure, "client.request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, newError(KindNetworkFailure, "client.request", err)
	}
	return data, resp.StatusCode, nil
}

// do performs a request and applies the refresh-and-retry-once policy on an
// expired token. Other failures surface with their mapped kind.
func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	result, err := c.doOnce(ctx, op, method, path, body, query)
	if KindOf(err) != KindAuthExpired {
		return result, err
	}
	if refreshErr := c.RefreshToken(ctx); refreshErr != nil {
		return nil, err
	}
	return c.doOnce(ctx, op, method, path, body, query)
}

func (c *Client) doOnce(ctx context.Context, op, method, path string, body interface{}, query map[string]string) (*APIResult, error) {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusUnauthorized:
		return nil, newError(KindAuthExpired, op, fmt.Errorf("HTTP %d", status))
	case status == http.StatusNotFound:
		return nil, newError(KindNotFound, op, fmt.Errorf("HTTP %d", status))
	case status >= 500:
		return nil, newError(KindNetworkFailure, op, fmt.Errorf("HTTP %d", status))
	}

	var result APIResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, newError(KindMalformedServerData, op, err)
	}
	if !result.OK {
		kind := KindNetworkFailure
		if result.Error != nil {
			switch {
			case strings.Contains(result.Error.Code, "AUTH"):
				kind = KindAuthExpired
			case strings.Contains(result.Error.Code, "NOT_FOUND"):
				kind = KindNotFound
			}
		}
		apiErr := error(result.Error)
		if result.Error == nil {
			apiErr = fmt.Errorf("request not ok")
		}
		return &result, newError(kind, op, apiErr)
	}
	return &result, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ----------------------------------------------------------------------------
// Chat API
// ----------------------------------------------------------------------------

// FetchMessages implements Backend.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, beforeMillis int64, limit int) ([]Message, error) {
	query := map[string]string{"limit": strconv.Itoa(limit)}
	if beforeMillis > 0 {
		query["before"] = strconv.FormatInt(beforeMillis, 10)
	}
	result, err := c.do(ctx, "client.fetchMessages", "GET",
		"/api/chat/conversations/"+conversationID+"/messages", nil, query)
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := result.Decode(&msgs); err != nil {
		return nil, newError(KindMalformedServerData, "client.fetchMessages", err)
	}
	return msgs, nil
}

// SendMessage implements Backend.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (Message, error) {
	result, err := c.do(ctx, "client.sendMessage", "POST",
		"/api/chat/conversations/"+conversationID+"/messages",
		map[string]string{"content": content}, nil)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := result.Decode(&msg); err != nil {
		return Message{}, newError(KindMalformedServerData, "client.sendMessage", err)
	}
	if msg.ID == "" {
		return Message{}, newError(KindMalformedServerData, "client.sendMessage",
			fmt.Errorf("server message missing id"))
	}
	return msg, nil
}

// EditMessage updates a message's content and returns the edited row.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, content string) (Message, error) {
	result, err := c.do(ctx, "client.editMessage", "PATCH",
		"/api/chat/conversations/"+conversationID+"/messages/"+messageID,
		map[string]string{"content": content}, nil)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	if err := result.Decode(&msg); err != nil {
		return Message{}, newError(KindMalformedServerData, "client.editMessage", err)
	}
	return msg, nil
}

// DeleteMessage removes a message (author or moderator action).
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := c.do(ctx, "client.deleteMessage", "DELETE",
		"/api/chat/conversations/"+conversationID+"/messages/"+messageID, nil, nil)
	return err
}

// MarkRead marks the conversation read up to now.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.do(ctx, "client.markRead", "POST",
		"/api/chat/conversations/"+conversationID+"/read", nil, nil)
	return err
}

// ListChannels returns the channels visible to the authenticated user.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	result, err := c.do(ctx, "client.listChannels", "GET", "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	var channels []Channel
	if err := result.Decode(&channels); err != nil {
		return nil, newError(KindMalformedServerData, "client.listChannels", err)
	}
	return channels, nil
}

// GetProfile fetches a user profile. ProfileCache wraps this as its loader.
func (c *Client) GetProfile(ctx context.Context, userID string) (UserProfile, error) {
	result, err := c.do(ctx, "client.getProfile", "GET", "/api/chat/users/"+userID, nil, nil)
	if err != nil {
		return UserProfile{}, err
	}
	var p UserProfile
	if err := result.Decode(&p); err != nil {
		return UserProfile{}, newError(KindMalformedServerData, "client.getProfile", err)
	}
	return p, nil
}

// RefreshToken exchanges the current token for a fresh one and stores it.
// The refresh endpoint accepts the expired token.
func (c *Client) RefreshToken(ctx context.Context) error {
	data, status, err := c.doRequest(ctx, "POST", "/api/auth/token/refresh", nil, nil)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		return newError(KindAuthExpired, "client.refreshToken", fmt.Errorf("HTTP %d", status))
	}
	if status >= 400 {
		return newError(KindNetworkFailure, "client.refreshToken", fmt.Errorf("HTTP %d", status))
	}

	result, err := decodeJSON[APIResult](data)
	if err != nil {
		return newError(KindMalformedServerData, "client.refreshToken", err)
	}
	var tok TokenData
	if err := result.Decode(&tok); err != nil || tok.Token == "" {
		return newError(KindMalformedServerData, "client.refreshToken",
			fmt.Errorf("refresh response missing token"))
	}
	c.SetToken(tok.Token)
	return nil
}
