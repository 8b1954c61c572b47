// Package app wires configuration into the backend client, the task query
// layer, the chat source and the conversation panel.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/comigor/taskpilot/internal/assistant"
	"github.com/comigor/taskpilot/internal/auth"
	"github.com/comigor/taskpilot/internal/backend"
	"github.com/comigor/taskpilot/internal/config"
	"github.com/comigor/taskpilot/internal/llm"
	"github.com/comigor/taskpilot/internal/logger"
	"github.com/comigor/taskpilot/internal/outbox"
	"github.com/comigor/taskpilot/internal/panel"
	"github.com/comigor/taskpilot/internal/query"
	"github.com/comigor/taskpilot/internal/tasks"
	"github.com/comigor/taskpilot/pkg/tools"
)

// App holds the wired components.
type App struct {
	Config *config.Config
	API    *backend.Client
	Cache  *query.Cache
	Tasks  *tasks.Queries
	Tools  *tools.ToolManager
	Panel  *panel.Panel

	Chatter panel.Chatter
	Saver   panel.Saver
	// Outbox is nil unless outbox.enabled is set.
	Outbox *outbox.Outbox

	closers []func() error
}

// New builds the application. The invalidation bus, when configured, listens
// until ctx is done; an unreachable redis only disables it.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	tokens := auth.NewSource(cfg.API.Token, cfg.API.TokenFile, config.Dir())
	checkToken(tokens)

	a := &App{Config: cfg}
	a.API = backend.NewClient(cfg.API.BaseURL, tokens, cfg.API.Timeout)
	a.Cache = query.New(query.Options{
		StaleTime:  cfg.Query.StaleTime,
		Retry:      cfg.Query.Retry,
		RetryDelay: cfg.Query.RetryDelay,
	})

	if cfg.Cache.Redis.Addr != "" {
		bus, err := query.NewRedisBus(ctx, query.RedisOptions{
			Addr:     cfg.Cache.Redis.Addr,
			Username: cfg.Cache.Redis.Username,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Channel:  cfg.Cache.Redis.Channel,
		})
		if err != nil {
			logger.L.Warn("invalidation bus unavailable", "addr", cfg.Cache.Redis.Addr, "error", err)
		} else {
			a.Cache.Attach(ctx, bus)
			a.closers = append(a.closers, bus.Close)
			logger.L.Info("invalidation bus attached", "addr", cfg.Cache.Redis.Addr)
		}
	}

	a.Tasks = tasks.New(a.API, a.Cache)
	a.Tools = tools.NewTaskToolManager(a.Tasks)

	switch cfg.Chat.Mode {
	case config.ChatModeDirect:
		chat := assistant.New(llm.NewClient(cfg.LLM), cfg.LLM, a.Tools)
		if fb, ok := cfg.LLM.FallbackLLM(); ok {
			chat.WithFallback(llm.NewClient(fb), fb.Model)
			logger.L.Info("fallback model configured", "model", fb.Model, "provider", fb.Provider)
		}
		a.Chatter = chat
		logger.L.Info("chat answered locally", "model", cfg.LLM.Model)
	case config.ChatModeBackend, "":
		a.Chatter = a.API
	default:
		a.Close()
		return nil, errors.New("unknown chat mode: " + cfg.Chat.Mode)
	}

	a.Saver = a.API
	if cfg.Outbox.Enabled {
		a.Outbox = outbox.Open(cfg.Outbox.Path, a.API)
		a.Saver = a.Outbox
		a.closers = append(a.closers, a.Outbox.Close)
	}

	a.Panel = panel.New(panel.Options{
		Conversations: a.API,
		Chatter:       a.Chatter,
		Saver:         a.Saver,
		Invalidator:   a.Tasks,
		Model:         cfg.Chat.Model,
		HistoryLimit:  cfg.Chat.HistoryLimit,
	})
	return a, nil
}

// Close waits for pending message saves and releases the bus and outbox.
func (a *App) Close() error {
	if a.Panel != nil {
		a.Panel.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func checkToken(src *auth.Source) {
	token, err := src.Token()
	if err != nil {
		logger.L.Warn("failed to read token", "file", src.File, "error", err)
		return
	}
	if token == "" {
		logger.L.Debug("no API token configured")
		return
	}
	if auth.Expired(token, time.Now()) {
		logger.L.Warn("API token has expired; requests will be rejected until it is renewed")
	}
}
