// Package assistant answers chat requests locally: an OpenAI-compatible model
// calls the task tools until it produces a reply.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/taskpilot/internal/backend"
	"github.com/comigor/taskpilot/internal/config"
	"github.com/comigor/taskpilot/internal/llm"
	"github.com/comigor/taskpilot/internal/logger"
	"github.com/comigor/taskpilot/pkg/tools"
)

// FSM States
type FSMState stateless.State

var (
	StateReadyToCallLLM FSMState = "ReadyToCallLLM"
	StateExecutingTools FSMState = "ExecutingTools"
	StateDone           FSMState = "Done"  // Terminal: successful completion
	StateError          FSMState = "Error" // Terminal: error state
)

// FSM Triggers
type FSMTrigger stateless.Trigger

var (
	TriggerProcessInput            FSMTrigger = "ProcessInput"
	TriggerLLMRespondedWithContent FSMTrigger = "LLMRespondedWithContent"
	TriggerLLMRequestedTools       FSMTrigger = "LLMRequestedTools"
	TriggerToolsExecutionCompleted FSMTrigger = "ToolsExecutionCompleted"
	TriggerErrorOccurred           FSMTrigger = "ErrorOccurred"
)

// DefaultMaxTurns bounds model calls per chat request.
const DefaultMaxTurns = 5

// ErrMaxTurns is returned when the model keeps calling tools.
var ErrMaxTurns = errors.New("exceeded maximum interaction turns")

const defaultSystemPrompt = `You are a friendly todo assistant. Manage the user's tasks with the tools provided.
- Infer title, category and priority when adding a task; fix obvious typos.
- Categories: Work, Shopping, Study, Health, Personal, Home, otherwise General.
- Priority is high for urgent or important work, low for "maybe" or "sometime", otherwise medium.
- Tasks can be referenced by ID or by name.
- Answer in the user's language and confirm what you did. Use emojis sparingly.`

// Assistant runs the tool-calling loop.
type Assistant struct {
	llmClient llm.Client
	cfg       config.LLMConfig
	tools     *tools.ToolManager
	llmTools  []openai.Tool

	fallback      llm.Client
	fallbackModel string
}

// New creates an assistant exposing every tool of tm to the model.
func New(llmClient llm.Client, cfg config.LLMConfig, tm *tools.ToolManager) *Assistant {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	a := &Assistant{llmClient: llmClient, cfg: cfg, tools: tm}
	for _, t := range tm.List() {
		a.llmTools = append(a.llmTools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
		logger.L.Debug("Registered tool for LLM", "tool", t.Name())
	}
	return a
}

// WithFallback sets a second client and model that answer when the primary
// call fails.
func (a *Assistant) WithFallback(client llm.Client, model string) *Assistant {
	a.fallback = client
	a.fallbackModel = model
	return a
}

// Source names the primary model in chat responses.
func (a *Assistant) Source() string {
	return fmt.Sprintf("Direct (%s)", a.cfg.Model)
}

// FallbackSource names the fallback model in chat responses.
func (a *Assistant) FallbackSource() string {
	return fmt.Sprintf("Fallback (%s)", a.fallbackModel)
}

func (a *Assistant) systemPrompt() string {
	if a.cfg.SystemPrompt != "" {
		return a.cfg.SystemPrompt
	}
	return defaultSystemPrompt
}

// Chat answers the conversation in req. The requested backend model is
// ignored; the configured LLM model answers, or the fallback when the primary
// fails. Source names whichever one answered.
func (a *Assistant) Chat(ctx context.Context, req backend.ChatRequest) (*backend.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("no messages")
	}
	content, err := a.Process(ctx, req.Messages)
	if err == nil {
		return &backend.ChatResponse{Response: content, Source: a.Source()}, nil
	}
	if a.fallback == nil || errors.Is(err, ErrMaxTurns) || ctx.Err() != nil {
		return nil, err
	}

	logger.L.Warn("Primary LLM failed, trying fallback", "model", a.cfg.Model, "fallback", a.fallbackModel, "error", err)
	content, fbErr := a.process(ctx, a.fallback, a.fallbackModel, req.Messages)
	if fbErr != nil {
		return nil, errors.Join(err, fbErr)
	}
	return &backend.ChatResponse{Response: content, Source: a.FallbackSource()}, nil
}

// Process runs the conversation against the primary model through a finite
// state machine: call the model, execute requested tools, repeat until the
// model answers with content or the turn limit is hit.
func (a *Assistant) Process(ctx context.Context, history []backend.Message) (string, error) {
	return a.process(ctx, a.llmClient, a.cfg.Model, history)
}

func (a *Assistant) process(ctx context.Context, client llm.Client, model string, history []backend.Message) (string, error) {
	type fsmContext struct {
		messages     []openai.ChatCompletionMessage
		llmResponse  *openai.ChatCompletionResponse
		finalContent string
		lastError    error
		currentTurn  int
	}

	fsmCtx := &fsmContext{
		messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: a.systemPrompt()}},
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == backend.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		fsmCtx.messages = append(fsmCtx.messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	fsm := stateless.NewStateMachine(StateReadyToCallLLM)

	fsm.Configure(StateReadyToCallLLM).
		PermitReentry(TriggerProcessInput).
		OnEntry(func(ctx context.Context, args ...any) error {
			if fsmCtx.currentTurn >= a.cfg.MaxTurns {
				logger.L.Warn("Max interaction turns reached.", "maxTurns", a.cfg.MaxTurns)
				fsmCtx.lastError = ErrMaxTurns
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			fsmCtx.currentTurn++
			logger.L.Debug("FSM: Entering StateReadyToCallLLM", "turn", fsmCtx.currentTurn)

			llmResp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:    model,
				Messages: fsmCtx.messages,
				Tools:    a.llmTools,
			})
			if err != nil {
				logger.L.Error("LLM call failed", "model", model, "error", err)
				fsmCtx.lastError = err
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			if len(llmResp.Choices) == 0 {
				fsmCtx.lastError = errors.New("LLM returned no choices")
				return fsm.FireCtx(ctx, TriggerErrorOccurred)
			}
			fsmCtx.llmResponse = &llmResp

			if len(llmResp.Choices[0].Message.ToolCalls) > 0 {
				return fsm.FireCtx(ctx, TriggerLLMRequestedTools)
			}
			return fsm.FireCtx(ctx, TriggerLLMRespondedWithContent)
		}).
		Permit(TriggerLLMRequestedTools, StateExecutingTools).
		Permit(TriggerLLMRespondedWithContent, StateDone).
		Permit(TriggerErrorOccurred, StateError)

	fsm.Configure(StateExecutingTools).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: Entering StateExecutingTools")
			llmMessage := fsmCtx.llmResponse.Choices[0].Message
			fsmCtx.messages = append(fsmCtx.messages, llmMessage)

			for _, toolCall := range llmMessage.ToolCalls {
				fsmCtx.messages = append(fsmCtx.messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    a.executeTool(ctx, toolCall),
					ToolCallID: toolCall.ID,
					Name:       toolCall.Function.Name,
				})
			}
			return fsm.FireCtx(ctx, TriggerToolsExecutionCompleted)
		}).
		Permit(TriggerToolsExecutionCompleted, StateReadyToCallLLM).
		Permit(TriggerErrorOccurred, StateError)

	fsm.Configure(StateDone).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: Entering StateDone")
			fsmCtx.finalContent = fsmCtx.llmResponse.Choices[0].Message.Content
			return nil
		})

	fsm.Configure(StateError).
		OnEntry(func(ctx context.Context, args ...any) error {
			logger.L.Debug("FSM: Entering StateError")
			if fsmCtx.lastError == nil {
				fsmCtx.lastError = errors.New("FSM: reached error state without a specific error")
			}
			return nil
		})

	// transitions fired from OnEntry are queued and run before FireCtx returns
	if err := fsm.FireCtx(ctx, TriggerProcessInput); err != nil {
		logger.L.Error("FSM start failed", "error", err)
		if fsmCtx.lastError != nil {
			return "", fsmCtx.lastError
		}
		return "", fmt.Errorf("FSM start error: %w", err)
	}

	currentState, err := fsm.State(ctx)
	if err != nil {
		return "", fmt.Errorf("FSM internal error: %w", err)
	}
	switch currentState {
	case StateDone:
		return fsmCtx.finalContent, nil
	case StateError:
		return "", fsmCtx.lastError
	}
	return "", fmt.Errorf("FSM ended in an unexpected state: %v", currentState)
}

// executeTool runs one tool call and returns the text sent back to the model.
// Failures become text so the model can recover.
func (a *Assistant) executeTool(ctx context.Context, call openai.ToolCall) string {
	name := call.Function.Name
	if !json.Valid([]byte(orEmptyObject(call.Function.Arguments))) {
		logger.L.Error("Failed to parse tool arguments", "function", name)
		return "Error: Could not parse arguments for tool " + name
	}
	out, err := a.tools.Call(ctx, name, call.Function.Arguments)
	if err != nil {
		logger.L.Warn("Tool call failed", "tool", name, "error", err)
		return "Tool Error: " + err.Error()
	}
	logger.L.Info("Tool executed", "tool", name)
	return out
}

func orEmptyObject(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}
