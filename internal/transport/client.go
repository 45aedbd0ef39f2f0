// Package transport implements the HTTP client for the /sync API. The
// engine treats every failure here the same way: the record is marked
// failed locally and retried by a later sweep, so no error kind leaks
// past the sync layer.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/converselabs/converse/internal/store"
)

// maxResponseBytes caps response body reads so a misbehaving server
// cannot consume unbounded memory.
const maxResponseBytes = 4 * 1024 * 1024

// API is the server-of-record boundary the sync engine pushes to and
// pulls from. Push responses carry the winning copy of the record: the
// server may answer with a newer version than the one uploaded.
type API interface {
	PushChat(ctx context.Context, c *store.Chat) (*store.Chat, error)
	PushMessage(ctx context.Context, m *store.Message) (*store.Message, error)
	ChatsSince(ctx context.Context, since int64) ([]store.Chat, error)
	MessagesSince(ctx context.Context, since int64) ([]store.Message, error)
}

// TokenSource supplies the opaque bearer credential. Issuance and
// refresh belong to an external auth collaborator.
type TokenSource func() string

// Client talks to a converse-hub sync server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      TokenSource
}

// NewClient creates a sync API client. httpClient must carry whatever
// request timeout the caller wants; a zero-timeout client lets a hung
// upload stall the push queue.
func NewClient(baseURL string, token TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
	}
}

// PushChat upserts a chat by id on the server and returns the stored
// winner.
func (c *Client) PushChat(ctx context.Context, chat *store.Chat) (*store.Chat, error) {
	var out struct {
		Chat store.Chat `json:"chat"`
	}
	if err := c.post(ctx, "/v1/sync/chat", map[string]any{"chat": chat}, &out); err != nil {
		return nil, err
	}
	return &out.Chat, nil
}

// PushMessage upserts a message by id on the server and returns the
// stored winner.
func (c *Client) PushMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	var out struct {
		Message store.Message `json:"message"`
	}
	if err := c.post(ctx, "/v1/sync/message", map[string]any{"message": msg}, &out); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

// ChatsSince fetches chats created or updated at or after since.
func (c *Client) ChatsSince(ctx context.Context, since int64) ([]store.Chat, error) {
	var out struct {
		Chats []store.Chat `json:"chats"`
	}
	if err := c.get(ctx, "/v1/sync/chats", since, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// MessagesSince fetches messages created or updated at or after since.
func (c *Client) MessagesSince(ctx context.Context, since int64) ([]store.Message, error) {
	var out struct {
		Messages []store.Message `json:"messages"`
	}
	if err := c.get(ctx, "/v1/sync/messages", since, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, since int64, out any) error {
	url := c.baseURL + path + "?since=" + strconv.FormatInt(since, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
