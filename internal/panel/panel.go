// Package panel is the conversation panel: which conversation is active, its
// message list, and the calls that keep both in step with the backend.
//
// Sending is optimistic. Message saves are fire-and-forget with an
// at-most-once contract: a failed save is logged (or queued, when the Saver is
// an outbox) and the panel carries on. Conversation fetches are not cancelled
// when the user switches again; a late history response is still applied.
package panel

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/comigor/taskpilot/internal/backend"
	"github.com/comigor/taskpilot/internal/logger"
)

const (
	// Greeting is the first message of a new chat.
	Greeting = `Hi! I can help you manage your tasks. Try "Add a task to buy milk" or "List my tasks".`
	// FallbackReply replaces the assistant answer when the chat call fails.
	FallbackReply = "Sorry, I encountered an error. Please try again."

	DefaultHistoryLimit = 50
	saveTimeout         = 30 * time.Second
)

// Conversations is the conversation part of the backend.
type Conversations interface {
	ListConversations(ctx context.Context) ([]backend.Conversation, error)
	CreateConversation(ctx context.Context, title string) (*backend.Conversation, error)
	DeleteConversation(ctx context.Context, id int64) error
	RenameConversation(ctx context.Context, id int64, title string) (*backend.Conversation, error)
	History(ctx context.Context, conversationID int64, limit int) ([]backend.HistoryMessage, error)
}

// Chatter answers a message list.
type Chatter interface {
	Chat(ctx context.Context, req backend.ChatRequest) (*backend.ChatResponse, error)
}

// Saver persists a chat message.
type Saver interface {
	SaveMessage(ctx context.Context, req backend.SaveMessageRequest) error
}

// Invalidator forces task views to refetch.
type Invalidator interface {
	InvalidateTasks()
}

// Options configure a Panel.
type Options struct {
	Conversations Conversations
	Chatter       Chatter
	Saver         Saver
	Invalidator   Invalidator
	Model         string
	HistoryLimit  int
	Logger        *slog.Logger
}

// State is a snapshot of the panel.
type State struct {
	Open           bool
	SidebarOpen    bool
	Conversations  []backend.Conversation
	ActiveID       *int64
	Messages       []backend.Message
	IsLoading      bool
	LoadingHistory bool
}

// Panel holds the conversation panel state. All methods are safe for
// concurrent use; network calls run without holding the lock.
type Panel struct {
	convs        Conversations
	chatter      Chatter
	saver        Saver
	invalidator  Invalidator
	model        string
	historyLimit int
	log          *slog.Logger

	mu             sync.Mutex
	open           bool
	sidebarOpen    bool
	conversations  []backend.Conversation
	activeID       *int64
	messages       []backend.Message
	isLoading      bool
	loadingHistory bool
	historySeq     uint64 // bumped per history fetch; only the latest clears loadingHistory

	saves sync.WaitGroup
}

// New creates a closed panel showing the new-chat greeting.
func New(opts Options) *Panel {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Logger == nil {
		opts.Logger = logger.L
	}
	return &Panel{
		convs:        opts.Conversations,
		chatter:      opts.Chatter,
		saver:        opts.Saver,
		invalidator:  opts.Invalidator,
		model:        opts.Model,
		historyLimit: opts.HistoryLimit,
		log:          opts.Logger.With("component", "panel"),
		sidebarOpen:  true,
		messages:     []backend.Message{greeting()},
	}
}

func greeting() backend.Message {
	return backend.Message{Role: backend.RoleAssistant, Content: Greeting}
}

// State returns a copy of the current state.
func (p *Panel) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := State{
		Open:           p.open,
		SidebarOpen:    p.sidebarOpen,
		Conversations:  slices.Clone(p.conversations),
		Messages:       slices.Clone(p.messages),
		IsLoading:      p.isLoading,
		LoadingHistory: p.loadingHistory,
	}
	if p.activeID != nil {
		id := *p.activeID
		s.ActiveID = &id
	}
	return s
}

// Open shows the panel and loads the conversation list.
func (p *Panel) Open(ctx context.Context) {
	p.mu.Lock()
	p.open = true
	p.mu.Unlock()
	p.LoadConversations(ctx)
}

// Close hides the panel. State is kept for the next Open.
func (p *Panel) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = false
}

// Toggle opens a closed panel and closes an open one.
func (p *Panel) Toggle(ctx context.Context) {
	p.mu.Lock()
	open := p.open
	p.mu.Unlock()
	if open {
		p.Close()
		return
	}
	p.Open(ctx)
}

// ToggleSidebar shows or hides the conversation list.
func (p *Panel) ToggleSidebar() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sidebarOpen = !p.sidebarOpen
}

// LoadConversations refreshes the conversation list. When nothing is active
// the most recent conversation is selected and its history loaded.
func (p *Panel) LoadConversations(ctx context.Context) {
	convs, ok := p.refreshConversations(ctx)
	if !ok {
		return
	}

	p.mu.Lock()
	pick := p.activeID == nil && len(convs) > 0
	p.mu.Unlock()
	if pick {
		p.SelectConversation(ctx, convs[0].ID)
	}
}

func (p *Panel) refreshConversations(ctx context.Context) ([]backend.Conversation, bool) {
	convs, err := p.convs.ListConversations(ctx)
	if err != nil {
		p.log.Error("failed to load conversations", "error", err)
		return nil, false
	}
	p.mu.Lock()
	p.conversations = convs
	p.mu.Unlock()
	return convs, true
}

// SelectConversation makes id active and replaces the message list with its
// most recent history.
func (p *Panel) SelectConversation(ctx context.Context, id int64) {
	p.mu.Lock()
	p.activeID = &id
	p.loadingHistory = true
	p.historySeq++
	seq := p.historySeq
	p.mu.Unlock()

	history, err := p.convs.History(ctx, id, p.historyLimit)

	p.mu.Lock()
	defer p.mu.Unlock()
	if seq == p.historySeq {
		p.loadingHistory = false
	}
	if err != nil {
		p.log.Error("failed to load messages", "conversation_id", id, "error", err)
		return
	}
	if p.activeID == nil || *p.activeID != id {
		// known race: the user switched while this fetch was in flight
		p.log.Warn("history arrived for a conversation that is no longer active", "conversation_id", id)
	}
	msgs := make([]backend.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, backend.Message{Role: m.Role, Content: m.Content})
	}
	p.messages = msgs
}

// NewChat deselects the active conversation and shows the greeting. The
// conversation list is left alone.
func (p *Panel) NewChat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *Panel) resetLocked() {
	p.activeID = nil
	p.historySeq++
	p.loadingHistory = false
	p.messages = []backend.Message{greeting()}
}

// DeleteConversation deletes a conversation; deleting the active one starts
// a new chat.
func (p *Panel) DeleteConversation(ctx context.Context, id int64) {
	if err := p.convs.DeleteConversation(ctx, id); err != nil {
		p.log.Error("failed to delete conversation", "conversation_id", id, "error", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conversations = slices.DeleteFunc(p.conversations, func(c backend.Conversation) bool { return c.ID == id })
	if p.activeID != nil && *p.activeID == id {
		p.resetLocked()
	}
}

// RenameConversation renames a conversation and takes the backend's record.
func (p *Panel) RenameConversation(ctx context.Context, id int64, title string) {
	updated, err := p.convs.RenameConversation(ctx, id, title)
	if err != nil {
		p.log.Error("failed to rename conversation", "conversation_id", id, "error", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.conversations {
		if p.conversations[i].ID == id {
			p.conversations[i] = *updated
		}
	}
}

// Send posts input as a user message and appends the assistant reply. It
// returns false without doing anything when input is blank or another send is
// in flight. Failures never surface: the reply becomes FallbackReply.
func (p *Panel) Send(ctx context.Context, input string) bool {
	if strings.TrimSpace(input) == "" {
		return false
	}

	p.mu.Lock()
	if p.isLoading {
		p.mu.Unlock()
		return false
	}
	userMsg := backend.Message{Role: backend.RoleUser, Content: input}
	p.messages = append(p.messages, userMsg)
	history := slices.Clone(p.messages)
	p.isLoading = true
	var convID *int64
	if p.activeID != nil {
		id := *p.activeID
		convID = &id
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.isLoading = false
		p.mu.Unlock()
	}()

	if convID == nil {
		convID = p.createConversation(ctx, input)
	}

	p.saveAsync(backend.SaveMessageRequest{Role: backend.RoleUser, Content: input, ConversationID: convID})

	resp, err := p.chatter.Chat(ctx, backend.ChatRequest{Messages: history, Model: p.model})
	if err != nil {
		p.log.Error("chat request failed", "error", err)
		p.appendMessage(backend.Message{Role: backend.RoleAssistant, Content: FallbackReply})
		return true
	}

	if resp.Source != "" {
		p.log.Info("assistant model used", "source", resp.Source)
	}
	p.appendMessage(backend.Message{Role: backend.RoleAssistant, Content: resp.Response})
	p.saveAsync(backend.SaveMessageRequest{
		Role: backend.RoleAssistant, Content: resp.Response, Source: resp.Source, ConversationID: convID,
	})

	// any reply may have come from a task tool call
	if p.invalidator != nil {
		p.invalidator.InvalidateTasks()
	}
	return true
}

// createConversation creates a conversation titled after firstMessage,
// refreshes the list and activates it without reloading history, so the
// optimistic message list stays in place. Returns nil on failure.
func (p *Panel) createConversation(ctx context.Context, firstMessage string) *int64 {
	conv, err := p.convs.CreateConversation(ctx, DeriveTitle(firstMessage))
	if err != nil {
		p.log.Error("failed to create conversation", "error", err)
		return nil
	}
	p.refreshConversations(ctx)

	id := conv.ID
	p.mu.Lock()
	p.activeID = &id
	p.mu.Unlock()
	return &id
}

func (p *Panel) appendMessage(m backend.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, m)
}

func (p *Panel) saveAsync(req backend.SaveMessageRequest) {
	if p.saver == nil {
		return
	}
	p.saves.Add(1)
	go func() {
		defer p.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := p.saver.SaveMessage(ctx, req); err != nil {
			p.log.Error("failed to save message", "role", req.Role, "error", err)
		}
	}()
}

// Wait blocks until every pending message save has finished.
func (p *Panel) Wait() {
	p.saves.Wait()
}
