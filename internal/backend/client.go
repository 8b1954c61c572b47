// Package backend is the HTTP client for the task backend: conversations,
// chat, chat history and tasks. All calls are bearer-token authenticated JSON.
package backend

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
	"time"

	"github.com/google/uuid"
)

// TokenSource yields the bearer token for each request.
type TokenSource interface {
	Token() (string, error)
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status code: %d", e.Method, e.Path, e.Code)
}

// Client is a client for the task backend API
type Client struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

// NewClient creates a new Client whose requests time out after timeout.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		client:  &http.Client{Timeout: timeout},
	}
}

// WithHTTPClient swaps the underlying transport, mostly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client = hc
	return c
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return fmt.Errorf("auth token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func idPath(prefix string, id int64) string {
	return prefix + strconv.FormatInt(id, 10)
}

// ListConversations returns the user's conversations, most recent first.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations/", nil, nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// CreateConversation creates a conversation with the given title.
func (c *Client) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodPost, "/api/conversations/", nil, map[string]string{"title": title}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation deletes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, idPath("/api/conversations/", id), nil, nil, nil)
}

// RenameConversation changes a conversation title and returns the updated record.
func (c *Client) RenameConversation(ctx context.Context, id int64, title string) (*Conversation, error) {
	var conv Conversation
	if err := c.do(ctx, http.MethodPatch, idPath("/api/conversations/", id), nil, map[string]string{"title": title}, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// History returns up to limit messages of a conversation in chronological order.
func (c *Client) History(ctx context.Context, conversationID int64, limit int) ([]HistoryMessage, error) {
	q := url.Values{}
	q.Set("conversation_id", strconv.FormatInt(conversationID, 10))
	q.Set("limit", strconv.Itoa(limit))

	var msgs []HistoryMessage
	if err := c.do(ctx, http.MethodGet, "/api/chat/history", q, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ClearHistory deletes every chat message of the user and returns how many went.
func (c *Client) ClearHistory(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/chat/history", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// Chat sends the message list to the assistant and returns its reply.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	if err := c.do(ctx, http.MethodPost, "/api/chat/", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SaveMessage persists one chat message.
func (c *Client) SaveMessage(ctx context.Context, req SaveMessageRequest) error {
	return c.do(ctx, http.MethodPost, "/api/chat/save-message", nil, req, nil)
}

// ListTasks returns the tasks matching filter.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	q := url.Values{}
	if filter.Search != "" {
		q.Set("search", filter.Search)
	}
	if filter.Category != "" {
		q.Set("category", filter.Category)
	}

	var tasks []Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/", q, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in TaskCreate) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks/", nil, in, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTask changes the non-nil fields of a task.
func (c *Client) UpdateTask(ctx context.Context, id int64, in TaskUpdate) (*Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodPut, idPath("/api/tasks/", id), nil, in, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CompleteTask sets the completion flag of a task.
func (c *Client) CompleteTask(ctx context.Context, id int64, completed bool) (*Task, error) {
	var task Task
	path := idPath("/api/tasks/", id) + "/complete"
	if err := c.do(ctx, http.MethodPatch, path, nil, map[string]bool{"completed": completed}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTask deletes a task.
func (c *Client) DeleteTask(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, idPath("/api/tasks/", id), nil, nil, nil)
}
