// Package cli holds the taskpilot commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/comigor/taskpilot/internal/app"
	"github.com/comigor/taskpilot/internal/config"
	"github.com/comigor/taskpilot/internal/logger"
	"github.com/comigor/taskpilot/internal/tui"
)

// runtime carries the global flags to the subcommands.
type runtime struct {
	version    string
	configPath string
	logLevel   string
}

// NewRootCmd builds the command tree. Without a subcommand the TUI starts.
func NewRootCmd(version string) *cobra.Command {
	rt := &runtime{version: version}

	root := &cobra.Command{
		Use:   "taskpilot",
		Short: "Manage tasks from the terminal, with an assistant on the side",
		Long: `taskpilot is a terminal client for the task backend.

Run it without arguments for the task list and assistant panel, or use the
subcommands for one-shot operations.`,
		RunE:          rt.runTUI,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&rt.configPath, "config", "c", "", "config file (default ./config.yaml, then ~/.config/taskpilot/config.yaml)")
	root.PersistentFlags().StringVar(&rt.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(rt.sendCmd())
	root.AddCommand(rt.tasksCmd())
	root.AddCommand(rt.conversationsCmd())
	root.AddCommand(rt.outboxCmd())
	root.AddCommand(rt.mcpCmd())
	return root
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute(version string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd(version).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		return err
	}
	return nil
}

func (rt *runtime) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFrom(rt.configOrEnv())
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	level := cfg.Log.Level
	if rt.logLevel != "" {
		level = rt.logLevel
	}
	logger.SetLevel(level)
	return cfg, nil
}

func (rt *runtime) configOrEnv() string {
	if rt.configPath != "" {
		return rt.configPath
	}
	return os.Getenv("CONFIG_PATH")
}

// open loads the configuration and wires the application. Callers Close it.
func (rt *runtime) open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := rt.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), cfg)
}

func (rt *runtime) runTUI(cmd *cobra.Command, _ []string) error {
	cfg, err := rt.loadConfig()
	if err != nil {
		return err
	}

	// the terminal belongs to the UI; logs go to a file
	logPath := cfg.Log.File
	if logPath == "" {
		logPath = filepath.Join(config.Dir(), "taskpilot.log")
	}
	restore, err := logger.OpenFile(logPath)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer restore()

	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.L.Info("starting UI", "version", rt.version, "api", cfg.API.BaseURL, "chat_mode", cfg.Chat.Mode)
	return tui.Run(cmd.Context(), a.Panel, a.Tasks)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
