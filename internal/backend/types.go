package backend

import "time"

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat turn as exchanged with the chat endpoint.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Conversation groups a sequence of chat messages.
type Conversation struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryMessage is a persisted chat message returned by the history endpoint.
type HistoryMessage struct {
	ID             int64     `json:"id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Source         string    `json:"source,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID *int64    `json:"conversation_id"`
}

// ChatRequest is the payload of POST /api/chat/.
type ChatRequest struct {
	Messages []Message `json:"messages"`
	Model    string    `json:"model"`
}

// ChatResponse is the assistant reply. Source names the model that answered.
type ChatResponse struct {
	Response string `json:"response"`
	Source   string `json:"source,omitempty"`
}

// SaveMessageRequest is the payload of POST /api/chat/save-message.
// ConversationID is sent as null when no conversation is active.
type SaveMessageRequest struct {
	Role           Role   `json:"role"`
	Content        string `json:"content"`
	Source         string `json:"source,omitempty"`
	ConversationID *int64 `json:"conversation_id"`
}

// Priority levels understood by the backend.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Task is a todo item owned by the backend.
type Task struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Completed   bool      `json:"completed"`
	Priority    string    `json:"priority,omitempty"`
	Category    string    `json:"category,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskCreate is the payload for creating a task.
type TaskCreate struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Category    string `json:"category,omitempty"`
}

// TaskUpdate carries the fields to change; nil fields are left untouched.
type TaskUpdate struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Category    *string `json:"category,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
}

// TaskFilter narrows a task listing. Empty fields do not filter.
type TaskFilter struct {
	Search   string
	Category string
}
