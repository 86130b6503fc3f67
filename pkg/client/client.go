// Package client is a Go SDK for the messaging HTTP API. *Client
// satisfies outbox.Sender.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// TokenSource returns the bearer token for the next request.
type TokenSource func(ctx context.Context) (string, error)

func StaticToken(tok string) TokenSource {
	return func(context.Context) (string, error) { return tok, nil }
}

type Client struct {
	base  string
	http  *http.Client
	token TokenSource
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func New(baseURL string, token TokenSource, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: &http.Transport{
				DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				MaxIdleConns:    8,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		token: token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("messaging: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("messaging: status %d", e.Status)
}

// retryable reports whether a later attempt may succeed.
func retryable(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

type envelope struct {
	Status  string          `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// do sends one request and decodes the data field into out. Client
// errors that retrying cannot fix come back wrapped in
// backoff.Permanent.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return backoff.Permanent(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("messaging: token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		if retryable(resp.StatusCode) {
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return backoff.Permanent(fmt.Errorf("messaging: decode: %w", err))
	}
	if len(env.Data) == 0 {
		// endpoints such as realtime auth answer without an envelope
		return json.Unmarshal(raw, out)
	}
	return json.Unmarshal(env.Data, out)
}

type Conversation struct {
	ID            string    `json:"id"`
	Preview       string    `json:"preview"`
	LastMessageAt time.Time `json:"last_message_at"`
}

type StartResult struct {
	Conversation Conversation `json:"conversation"`
	Created      bool         `json:"created"`
}

type Message struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	SenderID        string    `json:"sender_id"`
	Body            string    `json:"body"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type ConversationSummary struct {
	ID                string     `json:"id"`
	Preview           string     `json:"preview"`
	LastMessageAt     time.Time  `json:"last_message_at"`
	UnreadCount       int        `json:"unread_count"`
	LastReadAt        *time.Time `json:"last_read_at,omitempty"`
	CounterpartID     string     `json:"counterpart_id"`
	CounterpartName   string     `json:"counterpart_name"`
	CounterpartAvatar string     `json:"counterpart_avatar,omitempty"`
}

type TimelineItem struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	Direction      string    `json:"direction"`
	DeliveryStatus string    `json:"delivery_status,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Start opens (or returns) the conversation with participantID. A
// non-empty body is sent as the first message.
func (c *Client) Start(ctx context.Context, participantID, body string) (*StartResult, error) {
	return c.start(ctx, uuid.NewString(), participantID, body)
}

func (c *Client) start(ctx context.Context, clientMessageID, participantID, body string) (*StartResult, error) {
	var out StartResult
	req := map[string]string{"participant_id": participantID, "body": body}
	if body != "" {
		req["client_message_id"] = clientMessageID
	}
	if err := c.do(ctx, http.MethodPost, "/v1/conversations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Send posts one message under a fresh client message id.
func (c *Client) Send(ctx context.Context, conversationID, body string) (*Message, error) {
	return c.send(ctx, uuid.NewString(), conversationID, body)
}

func (c *Client) send(ctx context.Context, clientMessageID, conversationID, body string) (*Message, error) {
	var out Message
	err := c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages",
		map[string]string{"body": body, "client_message_id": clientMessageID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// StartConversation and SendMessage satisfy outbox.Sender.
func (c *Client) StartConversation(ctx context.Context, clientMessageID, participantID, body string) error {
	_, err := c.start(ctx, clientMessageID, participantID, body)
	return err
}

func (c *Client) SendMessage(ctx context.Context, clientMessageID, conversationID, body string) error {
	_, err := c.send(ctx, clientMessageID, conversationID, body)
	return err
}

func (c *Client) Conversations(ctx context.Context, limit int) ([]ConversationSummary, error) {
	var out []ConversationSummary
	path := "/v1/conversations"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Messages(ctx context.Context, conversationID string, before time.Time, limit int) ([]TimelineItem, error) {
	q := url.Values{}
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []TimelineItem
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

// Typing reports whether the server throttled the signal.
func (c *Client) Typing(ctx context.Context, conversationID string) (bool, error) {
	var out struct {
		Throttled bool `json:"throttled"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/typing", nil, &out)
	return out.Throttled, err
}

type Grant struct {
	Auth     string `json:"auth"`
	SocketID string `json:"socket_id"`
	Channel  string `json:"channel"`
}

// AuthorizeChannel asks the server for a subscription grant.
func (c *Client) AuthorizeChannel(ctx context.Context, socketID, channel string) (*Grant, error) {
	var out Grant
	err := c.do(ctx, http.MethodPost, "/v1/realtime/auth",
		map[string]string{"socket_id": socketID, "channel_name": channel}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
