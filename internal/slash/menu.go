// Package slash holds the slash-command menu: a fixed command list and the
// closed/open(selectedIndex) state machine driven by input and keys.
package slash

import (
	"context"
	"strings"

	"github.com/qmuntal/stateless"

	"github.com/comigor/taskpilot/internal/logger"
)

// Command is a slash shortcut inserted into the message input.
type Command struct {
	Command     string
	Description string
	Example     string
}

// Commands is the fixed command set.
var Commands = []Command{
	{Command: "/add", Description: "Add a new task", Example: "/add Buy groceries"},
	{Command: "/list", Description: "Show all tasks", Example: "/list"},
	{Command: "/delete", Description: "Delete a task", Example: "/delete 5"},
	{Command: "/complete", Description: "Mark task as done", Example: "/complete 3"},
	{Command: "/update", Description: "Update a task", Example: "/update 2 New title"},
	{Command: "/search", Description: "Search tasks", Example: "/search work"},
}

// Menu states
type State string

const (
	StateClosed State = "Closed"
	StateOpen   State = "Open"
)

// Menu triggers
type trigger string

const (
	triggerOpen   trigger = "Open"
	triggerClose  trigger = "Close"
	triggerUp     trigger = "Up"
	triggerDown   trigger = "Down"
	triggerCommit trigger = "Commit"
)

// Key is a key press the menu reacts to.
type Key int

const (
	KeyUp Key = iota
	KeyDown
	KeyTab
	KeyEscape
	KeyEnter
)

// ActionKind tells the caller what to do after a key press.
type ActionKind int

const (
	ActionNone ActionKind = iota
	// ActionSend asks the caller to send the current input.
	ActionSend
	// ActionSetInput asks the caller to replace the input with Action.Input.
	ActionSetInput
)

// Action is the outcome of a key press.
type Action struct {
	Kind  ActionKind
	Input string
}

// Menu is the slash-command menu. It is not safe for concurrent use; the UI
// event loop owns it.
type Menu struct {
	fsm      *stateless.StateMachine
	commands []Command
	selected int
}

// NewMenu creates a closed menu over commands (Commands when nil).
func NewMenu(commands []Command) *Menu {
	if commands == nil {
		commands = Commands
	}
	m := &Menu{commands: commands}
	m.fsm = stateless.NewStateMachine(StateClosed)

	// State: Closed. Only typing a "/" opens the menu.
	m.fsm.Configure(StateClosed).
		Permit(triggerOpen, StateOpen).
		Ignore(triggerClose).
		Ignore(triggerUp).
		Ignore(triggerDown).
		Ignore(triggerCommit)

	// State: Open(selected). Every input change re-enters and resets the cursor.
	m.fsm.Configure(StateOpen).
		OnEntry(func(_ context.Context, _ ...any) error {
			m.selected = 0
			return nil
		}).
		PermitReentry(triggerOpen).
		InternalTransition(triggerDown, func(_ context.Context, _ ...any) error {
			if m.selected < len(m.commands)-1 {
				m.selected++
			} else {
				m.selected = 0
			}
			return nil
		}).
		InternalTransition(triggerUp, func(_ context.Context, _ ...any) error {
			if m.selected > 0 {
				m.selected--
			} else {
				m.selected = len(m.commands) - 1
			}
			return nil
		}).
		Permit(triggerClose, StateClosed).
		Permit(triggerCommit, StateClosed)

	return m
}

func (m *Menu) fire(t trigger) {
	if err := m.fsm.Fire(t); err != nil {
		logger.L.Debug("slash menu trigger rejected", "trigger", string(t), "state", string(m.State()), "error", err)
	}
}

// State returns the current state.
func (m *Menu) State() State {
	return m.fsm.MustState().(State)
}

// IsOpen reports whether the menu is shown.
func (m *Menu) IsOpen() bool { return m.State() == StateOpen }

// Selected is the cursor position; meaningful only while open.
func (m *Menu) Selected() int { return m.selected }

// Commands returns the menu entries.
func (m *Menu) Commands() []Command { return m.commands }

// InputChanged opens the menu (cursor at 0) when value starts with "/" and
// closes it otherwise.
func (m *Menu) InputChanged(value string) {
	if strings.HasPrefix(value, "/") {
		m.fire(triggerOpen)
		return
	}
	m.fire(triggerClose)
}

// HandleKey applies a key press. shift is the state of the shift modifier.
func (m *Menu) HandleKey(key Key, shift bool) Action {
	if !m.IsOpen() {
		if key == KeyEnter && !shift {
			return Action{Kind: ActionSend}
		}
		return Action{}
	}

	switch key {
	case KeyDown:
		m.fire(triggerDown)
	case KeyUp:
		m.fire(triggerUp)
	case KeyTab:
		return m.Select(m.selected)
	case KeyEscape:
		m.fire(triggerClose)
	case KeyEnter:
		if shift {
			return Action{}
		}
		m.fire(triggerClose)
		return Action{Kind: ActionSend}
	}
	return Action{}
}

// Select commits command i, as a click on the entry does.
func (m *Menu) Select(i int) Action {
	if i < 0 || i >= len(m.commands) {
		return Action{}
	}
	m.fire(triggerCommit)
	return Action{Kind: ActionSetInput, Input: m.commands[i].Command + " "}
}

// Matching returns the indices of commands whose name starts with the typed
// word, for highlighting. The cursor still walks the full list.
func (m *Menu) Matching(input string) []int {
	word, _, _ := strings.Cut(input, " ")
	var out []int
	for i, c := range m.commands {
		if strings.HasPrefix(c.Command, word) {
			out = append(out, i)
		}
	}
	return out
}
