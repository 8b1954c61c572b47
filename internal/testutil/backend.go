// Package testutil provides an in-memory task backend for tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comigor/taskpilot/internal/backend"
)

// Backend is a fake of the task backend REST API. Its exported fields may be
// changed between requests; all access is guarded by the embedded mutex.
type Backend struct {
	mu sync.Mutex

	Token string

	// Reply builds the assistant answer for a chat request.
	Reply func(req backend.ChatRequest) backend.ChatResponse
	// Fail maps "METHOD /path" to a status code returned instead of handling
	// the request. A trailing "*" matches any path with that prefix.
	Fail map[string]int

	Conversations []backend.Conversation
	Messages      []backend.HistoryMessage
	Tasks         []backend.Task
	ChatRequests  []backend.ChatRequest
	// Calls records "METHOD path" for every request in arrival order.
	Calls []string

	nextID int64
	server *httptest.Server
}

// NewBackend starts a fake backend that is closed when the test ends.
func NewBackend(t *testing.T) *Backend {
	t.Helper()
	gin.SetMode(gin.TestMode)

	b := &Backend{
		Fail:   map[string]int{},
		nextID: 1,
		Reply: func(req backend.ChatRequest) backend.ChatResponse {
			last := req.Messages[len(req.Messages)-1]
			return backend.ChatResponse{Response: "echo: " + last.Content, Source: "Fake"}
		},
	}
	b.server = httptest.NewServer(b.router())
	t.Cleanup(b.server.Close)
	return b
}

// URL is the base URL of the fake.
func (b *Backend) URL() string { return b.server.URL }

// StaticToken is a fixed bearer token.
type StaticToken string

func (s StaticToken) Token() (string, error) { return string(s), nil }

// FailWith makes requests matching route answer with code.
func (b *Backend) FailWith(route string, code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Fail[route] = code
}

// Heal removes an injected failure.
func (b *Backend) Heal(route string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.Fail, route)
}

// CallsSnapshot returns a copy of the recorded calls.
func (b *Backend) CallsSnapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.Calls...)
}

// ConversationsSnapshot returns a copy of the stored conversations.
func (b *Backend) ConversationsSnapshot() []backend.Conversation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.Conversation(nil), b.Conversations...)
}

// MessagesSnapshot returns a copy of the saved messages.
func (b *Backend) MessagesSnapshot() []backend.HistoryMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.HistoryMessage(nil), b.Messages...)
}

// ChatRequestsSnapshot returns a copy of the received chat requests.
func (b *Backend) ChatRequestsSnapshot() []backend.ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.ChatRequest(nil), b.ChatRequests...)
}

// TasksSnapshot returns a copy of the stored tasks.
func (b *Backend) TasksSnapshot() []backend.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.Task(nil), b.Tasks...)
}

// AddConversation seeds a conversation and returns its id.
func (b *Backend) AddConversation(title string, at time.Time) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.id()
	b.Conversations = append(b.Conversations, backend.Conversation{ID: id, Title: title, CreatedAt: at, UpdatedAt: at})
	return id
}

// AddMessage seeds a history message.
func (b *Backend) AddMessage(convID int64, role backend.Role, content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := convID
	b.Messages = append(b.Messages, backend.HistoryMessage{
		ID: b.id(), Role: role, Content: content, Timestamp: time.Now(), ConversationID: &id,
	})
}

// AddTask seeds a task and returns it.
func (b *Backend) AddTask(task backend.Task) backend.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	task.ID = b.id()
	b.Tasks = append(b.Tasks, task)
	return task
}

func (b *Backend) id() int64 {
	id := b.nextID
	b.nextID++
	return id
}

func (b *Backend) router() *gin.Engine {
	r := gin.New()
	r.RedirectTrailingSlash = false
	r.Use(b.record(), b.failures(), b.requireToken())

	api := r.Group("/api")
	api.GET("/conversations/", b.listConversations)
	api.POST("/conversations/", b.createConversation)
	api.DELETE("/conversations/:id", b.deleteConversation)
	api.PATCH("/conversations/:id", b.renameConversation)

	api.GET("/chat/history", b.history)
	api.DELETE("/chat/history", b.clearHistory)
	api.POST("/chat/", b.chat)
	api.POST("/chat/save-message", b.saveMessage)

	api.GET("/tasks/", b.listTasks)
	api.POST("/tasks/", b.createTask)
	api.PUT("/tasks/:id", b.updateTask)
	api.PATCH("/tasks/:id/complete", b.completeTask)
	api.DELETE("/tasks/:id", b.deleteTask)
	return r
}

func (b *Backend) record() gin.HandlerFunc {
	return func(c *gin.Context) {
		b.mu.Lock()
		b.Calls = append(b.Calls, c.Request.Method+" "+c.Request.URL.Path)
		b.mu.Unlock()
		c.Next()
	}
}

func (b *Backend) failures() gin.HandlerFunc {
	return func(c *gin.Context) {
		b.mu.Lock()
		defer b.mu.Unlock()
		for route, code := range b.Fail {
			method, path, _ := strings.Cut(route, " ")
			if c.Request.Method != method {
				continue
			}
			prefix, wildcard := strings.CutSuffix(path, "*")
			if c.Request.URL.Path == path || (wildcard && strings.HasPrefix(c.Request.URL.Path, prefix)) {
				c.AbortWithStatusJSON(code, gin.H{"detail": "injected failure"})
				return
			}
		}
	}
}

func (b *Backend) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		b.mu.Lock()
		token := b.Token
		b.mu.Unlock()
		if token == "" {
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "not authenticated"})
		}
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid id"})
		return 0, false
	}
	return id, true
}

func (b *Backend) listConversations(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]backend.Conversation{}, b.Conversations...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	c.JSON(http.StatusOK, out)
}

func (b *Backend) createConversation(c *gin.Context) {
	var in struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	conv := backend.Conversation{ID: b.id(), Title: in.Title, CreatedAt: now, UpdatedAt: now}
	b.Conversations = append(b.Conversations, conv)
	c.JSON(http.StatusOK, conv)
}

func (b *Backend) deleteConversation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, conv := range b.Conversations {
		if conv.ID == id {
			b.Conversations = append(b.Conversations[:i], b.Conversations[i+1:]...)
			c.JSON(http.StatusOK, gin.H{"message": "deleted"})
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "conversation not found"})
}

func (b *Backend) renameConversation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var in struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.Conversations {
		if b.Conversations[i].ID == id {
			b.Conversations[i].Title = in.Title
			b.Conversations[i].UpdatedAt = time.Now()
			c.JSON(http.StatusOK, b.Conversations[i])
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "conversation not found"})
}

func (b *Backend) history(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid limit"})
		return
	}
	convID, hasConv := int64(0), c.Query("conversation_id") != ""
	if hasConv {
		if convID, err = strconv.ParseInt(c.Query("conversation_id"), 10, 64); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid conversation_id"})
			return
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var out []backend.HistoryMessage
	for _, m := range b.Messages {
		if hasConv && (m.ConversationID == nil || *m.ConversationID != convID) {
			continue
		}
		out = append(out, m)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	if out == nil {
		out = []backend.HistoryMessage{}
	}
	c.JSON(http.StatusOK, out)
}

func (b *Backend) clearHistory(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.Messages)
	b.Messages = nil
	c.JSON(http.StatusOK, gin.H{"message": "cleared", "count": n})
}

func (b *Backend) chat(c *gin.Context) {
	var req backend.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Messages) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "messages required"})
		return
	}
	b.mu.Lock()
	b.ChatRequests = append(b.ChatRequests, req)
	reply := b.Reply
	b.mu.Unlock()
	c.JSON(http.StatusOK, reply(req))
}

func (b *Backend) saveMessage(c *gin.Context) {
	var req backend.SaveMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := backend.HistoryMessage{
		ID: b.id(), Role: req.Role, Content: req.Content, Source: req.Source,
		Timestamp: time.Now(), ConversationID: req.ConversationID,
	}
	b.Messages = append(b.Messages, msg)
	c.JSON(http.StatusOK, msg)
}

func (b *Backend) listTasks(c *gin.Context) {
	search := strings.ToLower(c.Query("search"))
	category := c.Query("category")

	b.mu.Lock()
	defer b.mu.Unlock()
	out := []backend.Task{}
	for _, t := range b.Tasks {
		if category != "" && t.Category != category {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(t.Title+" "+t.Description+" "+t.Category), search) {
			continue
		}
		out = append(out, t)
	}
	c.JSON(http.StatusOK, out)
}

func (b *Backend) createTask(c *gin.Context) {
	var in backend.TaskCreate
	if err := c.ShouldBindJSON(&in); err != nil || in.Title == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "title required"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	task := backend.Task{
		ID: b.id(), Title: in.Title, Description: in.Description, Priority: in.Priority,
		Category: in.Category, CreatedAt: now, UpdatedAt: now,
	}
	if task.Priority == "" {
		task.Priority = backend.PriorityMedium
	}
	b.Tasks = append(b.Tasks, task)
	c.JSON(http.StatusOK, task)
}

func (b *Backend) withTask(c *gin.Context, fn func(t *backend.Task)) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.Tasks {
		if b.Tasks[i].ID == id {
			fn(&b.Tasks[i])
			b.Tasks[i].UpdatedAt = time.Now()
			c.JSON(http.StatusOK, b.Tasks[i])
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "task not found"})
}

func (b *Backend) updateTask(c *gin.Context) {
	var in backend.TaskUpdate
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	b.withTask(c, func(t *backend.Task) {
		if in.Title != nil {
			t.Title = *in.Title
		}
		if in.Description != nil {
			t.Description = *in.Description
		}
		if in.Priority != nil {
			t.Priority = *in.Priority
		}
		if in.Category != nil {
			t.Category = *in.Category
		}
		if in.Completed != nil {
			t.Completed = *in.Completed
		}
	})
}

func (b *Backend) completeTask(c *gin.Context) {
	var in struct {
		Completed bool `json:"completed"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	b.withTask(c, func(t *backend.Task) { t.Completed = in.Completed })
}

func (b *Backend) deleteTask(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, t := range b.Tasks {
		if t.ID == id {
			b.Tasks = append(b.Tasks[:i], b.Tasks[i+1:]...)
			c.Status(http.StatusNoContent)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "task not found"})
}
