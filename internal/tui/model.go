// Package tui is the terminal front-end: a task list with the assistant chat
// panel beside it.
package tui

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/comigor/taskpilot/internal/backend"
	"github.com/comigor/taskpilot/internal/logger"
	"github.com/comigor/taskpilot/internal/panel"
	"github.com/comigor/taskpilot/internal/slash"
)

// TaskSource is the task query layer as the UI uses it.
type TaskSource interface {
	Tasks(ctx context.Context, filter backend.TaskFilter) ([]backend.Task, error)
	ToggleTask(ctx context.Context, id int64, completed bool) (*backend.Task, error)
	InvalidateTasks()
	OnInvalidate(fn func()) func()
}

type (
	tasksLoadedMsg struct {
		tasks []backend.Task
		err   error
	}
	// tasksInvalidatedMsg is sent from the cache subscription.
	tasksInvalidatedMsg struct{}
	panelUpdatedMsg     struct{}
	sendDoneMsg         struct{}
)

const (
	sidebarWidth = 26
	minChatWidth = 30
)

type Model struct {
	ctx   context.Context
	panel *panel.Panel
	tasks TaskSource
	menu  *slash.Menu

	input     textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model
	renderer  *glamour.TermRenderer
	wrapWidth int
	rendered  map[string]string // markdown render cache keyed by content

	taskList   []backend.Task
	taskErr    error
	taskCursor int

	sending   bool
	renaming  bool
	signature uint64 // of the content last put in the viewport

	width    int
	height   int
	quitting bool
}

// New creates the UI model. The chat panel starts closed.
func New(ctx context.Context, p *panel.Panel, tasks TaskSource) Model {
	ti := textinput.New()
	ti.Placeholder = `Ask me anything, or type "/" for commands`
	ti.CharLimit = 2000
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		ctx:      ctx,
		panel:    p,
		tasks:    tasks,
		menu:     slash.NewMenu(nil),
		input:    ti,
		viewport: viewport.New(60, 20),
		spinner:  sp,
		rendered: map[string]string{},
		width:    120,
		height:   30,
	}
	m.resize()
	return m
}

// Run starts the UI and blocks until the user quits. Pending message saves
// are waited for before returning.
func Run(ctx context.Context, p *panel.Panel, tasks TaskSource) error {
	prog := tea.NewProgram(New(ctx, p, tasks), tea.WithAltScreen(), tea.WithContext(ctx))
	defer subscribe(prog, tasks)()

	_, err := prog.Run()
	p.Wait()
	return err
}

// subscribe forwards task invalidations to prog. Send blocks until the event
// loop takes the message, so it must not run on the invalidating goroutine.
func subscribe(prog *tea.Program, tasks TaskSource) func() {
	return tasks.OnInvalidate(func() {
		go prog.Send(tasksInvalidatedMsg{})
	})
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.loadTasks())
}

func (m Model) loadTasks() tea.Cmd {
	return func() tea.Msg {
		list, err := m.tasks.Tasks(m.ctx, backend.TaskFilter{})
		return tasksLoadedMsg{tasks: list, err: err}
	}
}

// refreshTasks invalidates the task cache from a command goroutine; the
// subscription set up in Run then delivers tasksInvalidatedMsg.
func (m Model) refreshTasks() tea.Cmd {
	return func() tea.Msg {
		m.tasks.InvalidateTasks()
		return nil
	}
}

func (m Model) panelCmd(fn func(ctx context.Context)) tea.Cmd {
	return func() tea.Msg {
		fn(m.ctx)
		return panelUpdatedMsg{}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()

	case tasksLoadedMsg:
		m.taskErr = msg.err
		if msg.err != nil {
			logger.L.Error("failed to load tasks", "error", msg.err)
		} else {
			m.taskList = msg.tasks
		}
		m.taskCursor = min(m.taskCursor, max(0, len(m.taskList)-1))

	case tasksInvalidatedMsg:
		cmd = m.loadTasks()

	case panelUpdatedMsg:
		m.resize()

	case sendDoneMsg:
		m.sending = false

	case spinner.TickMsg:
		if m.panel.State().IsLoading || m.sending {
			m.spinner, cmd = m.spinner.Update(msg)
		}

	case tea.KeyMsg:
		if m.panel.State().Open {
			var mm tea.Model
			mm, cmd = m.updateChat(msg)
			m = mm.(Model)
		} else {
			var mm tea.Model
			mm, cmd = m.updateTasks(msg)
			m = mm.(Model)
		}
	}

	m.syncViewport()
	return m, cmd
}

// updateTasks handles keys while only the task list is shown.
func (m Model) updateTasks(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "up", "k":
		if m.taskCursor > 0 {
			m.taskCursor--
		}
	case "down", "j":
		if m.taskCursor < len(m.taskList)-1 {
			m.taskCursor++
		}
	case " ", "x":
		if len(m.taskList) == 0 {
			return m, nil
		}
		t := m.taskList[m.taskCursor]
		return m, func() tea.Msg {
			if _, err := m.tasks.ToggleTask(m.ctx, t.ID, !t.Completed); err != nil {
				logger.L.Error("failed to toggle task", "task_id", t.ID, "error", err)
			}
			return panelUpdatedMsg{}
		}
	case "ctrl+r":
		return m, m.refreshTasks()
	case "ctrl+o":
		return m.openPanel()
	}
	return m, nil
}

func (m Model) openPanel() (tea.Model, tea.Cmd) {
	return m, m.panelCmd(m.panel.Open)
}

// updateChat handles keys while the chat panel is open.
func (m Model) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.renaming {
		return m.updateRename(msg)
	}

	state := m.panel.State()
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "ctrl+o":
		m.panel.Close()
		m.resize()
		return m, nil
	case "ctrl+b":
		m.panel.ToggleSidebar()
		m.resize()
		return m, nil
	case "ctrl+n":
		m.panel.NewChat()
		return m, nil
	case "ctrl+r":
		return m, m.refreshTasks()
	case "pgup":
		return m, m.switchConversation(state, -1)
	case "pgdown":
		return m, m.switchConversation(state, 1)
	case "ctrl+d":
		if state.ActiveID == nil {
			return m, nil
		}
		id := *state.ActiveID
		return m, m.panelCmd(func(ctx context.Context) { m.panel.DeleteConversation(ctx, id) })
	case "ctrl+e":
		if state.ActiveID == nil {
			return m, nil
		}
		m.renaming = true
		m.input.SetValue(conversationTitle(state, *state.ActiveID))
		m.input.CursorEnd()
		m.menu.InputChanged("")
		return m, nil
	case "up", "down":
		if !m.menu.IsOpen() {
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
		return m.applyMenuKey(menuKey(msg.String()))
	case "tab", "esc", "enter":
		return m.applyMenuKey(menuKey(msg.String()))
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.menu.InputChanged(m.input.Value())
	return m, cmd
}

func menuKey(s string) slash.Key {
	switch s {
	case "up":
		return slash.KeyUp
	case "down":
		return slash.KeyDown
	case "tab":
		return slash.KeyTab
	case "esc":
		return slash.KeyEscape
	}
	return slash.KeyEnter
}

func (m Model) applyMenuKey(key slash.Key) (tea.Model, tea.Cmd) {
	act := m.menu.HandleKey(key, false)
	switch act.Kind {
	case slash.ActionSetInput:
		m.input.SetValue(act.Input)
		m.input.CursorEnd()
	case slash.ActionSend:
		return m.send()
	}
	return m, nil
}

func (m Model) send() (tea.Model, tea.Cmd) {
	text := m.input.Value()
	if strings.TrimSpace(text) == "" || m.sending || m.panel.State().IsLoading {
		return m, nil
	}
	m.sending = true
	m.input.Reset()
	m.menu.InputChanged("")

	send := func() tea.Msg {
		m.panel.Send(m.ctx, text)
		return sendDoneMsg{}
	}
	return m, tea.Batch(send, m.spinner.Tick)
}

func (m Model) updateRename(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.renaming = false
		m.input.Reset()
		return m, nil
	case "enter":
		m.renaming = false
		title := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		state := m.panel.State()
		if title == "" || state.ActiveID == nil {
			return m, nil
		}
		id := *state.ActiveID
		return m, m.panelCmd(func(ctx context.Context) { m.panel.RenameConversation(ctx, id, title) })
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// switchConversation selects the conversation dir steps away from the active
// one in the list; with nothing active it starts from the top.
func (m Model) switchConversation(state panel.State, dir int) tea.Cmd {
	n := len(state.Conversations)
	if n == 0 {
		return nil
	}
	idx := -1
	if state.ActiveID != nil {
		for i, c := range state.Conversations {
			if c.ID == *state.ActiveID {
				idx = i
			}
		}
	}
	next := idx + dir
	if idx == -1 {
		next = 0
	}
	if next < 0 || next >= n {
		return nil
	}
	id := state.Conversations[next].ID
	return m.panelCmd(func(ctx context.Context) { m.panel.SelectConversation(ctx, id) })
}

func conversationTitle(state panel.State, id int64) string {
	for _, c := range state.Conversations {
		if c.ID == id {
			return c.Title
		}
	}
	return ""
}

// layout returns the task pane, sidebar and chat widths.
func (m Model) layout() (tasksW, sidebarW, chatW int) {
	state := m.panel.State()
	if !state.Open {
		return m.width, 0, 0
	}
	tasksW = m.width / 3
	if state.SidebarOpen {
		sidebarW = sidebarWidth
	}
	chatW = m.width - tasksW - sidebarW
	if chatW < minChatWidth {
		tasksW = max(0, m.width-sidebarW-minChatWidth)
		chatW = m.width - tasksW - sidebarW
	}
	return tasksW, sidebarW, chatW
}

func (m *Model) resize() {
	_, _, chatW := m.layout()
	inner := max(10, chatW-4)
	m.viewport.Width = inner
	m.viewport.Height = max(3, m.height-10)
	m.input.Width = max(10, inner-4)

	if m.renderer == nil || m.wrapWidth != inner {
		m.wrapWidth = inner
		r, err := glamour.NewTermRenderer(glamour.WithStylePath("dark"), glamour.WithWordWrap(inner))
		if err != nil {
			logger.L.Warn("markdown renderer unavailable", "error", err)
		} else {
			m.renderer = r
			m.rendered = map[string]string{}
		}
	}
	m.signature = 0
}

// syncViewport re-renders the message list when it changed.
func (m *Model) syncViewport() {
	state := m.panel.State()
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%d|%t|", m.viewport.Width, len(state.Messages), state.LoadingHistory)
	for _, msg := range state.Messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte(msg.Content))
	}
	sig := h.Sum64()
	if sig == m.signature {
		return
	}
	m.signature = sig
	m.viewport.SetContent(m.renderMessages(state))
	m.viewport.GotoBottom()
}

func (m Model) markdown(s string) string {
	if m.renderer == nil {
		return s
	}
	if out, ok := m.rendered[s]; ok {
		return out
	}
	out, err := m.renderer.Render(s)
	if err != nil {
		return s
	}
	out = strings.TrimSpace(out)
	m.rendered[s] = out
	return out
}

func (m Model) renderMessages(state panel.State) string {
	if state.LoadingHistory {
		return dimStyle.Render("Loading messages...")
	}
	var b strings.Builder
	wrap := lipgloss.NewStyle().Width(m.viewport.Width)
	for i, msg := range state.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if msg.Role == backend.RoleUser {
			b.WriteString(userRoleStyle.Render(" You ") + "\n")
			b.WriteString(wrap.Render(msg.Content))
			continue
		}
		b.WriteString(assistantRoleStyle.Render(" Assistant ") + "\n")
		b.WriteString(m.markdown(msg.Content))
	}
	return b.String()
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}
	state := m.panel.State()
	tasksW, sidebarW, chatW := m.layout()

	header := titleStyle.Render("TaskPilot") + dimStyle.Render(fmt.Sprintf("  %d tasks", len(m.taskList)))

	var cols []string
	if tasksW > 0 {
		cols = append(cols, m.renderTasks(tasksW))
	}
	if sidebarW > 0 {
		cols = append(cols, m.renderSidebar(state, sidebarW))
	}
	if chatW > 0 {
		cols = append(cols, m.renderChat(state, chatW))
	}
	body := lipgloss.JoinHorizontal(lipgloss.Top, cols...)

	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.renderHelp(state))
}

func (m Model) paneHeight() int {
	return max(5, m.height-4)
}

func (m Model) renderTasks(width int) string {
	var b strings.Builder
	b.WriteString(paneTitleStyle.Render("Tasks") + "\n")
	if m.taskErr != nil {
		b.WriteString(errorStyle.Render("Failed to load tasks") + "\n")
	}
	if len(m.taskList) == 0 && m.taskErr == nil {
		b.WriteString(dimStyle.Render("No tasks yet. Ask the assistant to add one."))
	}
	inner := max(4, width-4)
	for i, t := range m.taskList {
		check := "[ ]"
		title := t.Title
		if t.Completed {
			check = "[x]"
		}
		line := truncateLine(fmt.Sprintf("%s %s", check, title), inner-8)
		if t.Completed {
			line = doneStyle.Render(line)
		}
		if p, ok := priorityStyles[t.Priority]; ok {
			line += " " + p.Render(t.Priority)
		}
		if i == m.taskCursor && !m.panel.State().Open {
			line = selectedStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	return paneStyle.Width(inner).Height(m.paneHeight()).Render(b.String())
}

func (m Model) renderSidebar(state panel.State, width int) string {
	var b strings.Builder
	b.WriteString(paneTitleStyle.Render("Conversations") + "\n")
	if len(state.Conversations) == 0 {
		b.WriteString(dimStyle.Render("No conversations yet"))
	}
	inner := max(4, width-4)
	for _, c := range state.Conversations {
		line := truncateLine(c.Title, inner)
		if state.ActiveID != nil && c.ID == *state.ActiveID {
			line = activeConversationStyle.Render(line)
		}
		b.WriteString(line + "\n")
	}
	return paneStyle.Width(inner).Height(m.paneHeight()).Render(b.String())
}

func (m Model) renderChat(state panel.State, width int) string {
	var b strings.Builder
	b.WriteString(paneTitleStyle.Render("Assistant") + "\n")
	b.WriteString(m.viewport.View() + "\n")
	if state.IsLoading || m.sending {
		b.WriteString(m.spinner.View() + dimStyle.Render(" Thinking...") + "\n")
	} else {
		b.WriteString("\n")
	}
	if m.menu.IsOpen() {
		b.WriteString(m.renderMenu() + "\n")
	}
	label := ""
	if m.renaming {
		label = dimStyle.Render("Rename: ")
	}
	b.WriteString(inputStyle.Width(max(10, width-8)).Render(label + m.input.View()))
	return paneStyle.Width(max(10, width-4)).Render(b.String())
}

func (m Model) renderMenu() string {
	matching := map[int]bool{}
	for _, i := range m.menu.Matching(m.input.Value()) {
		matching[i] = true
	}
	var lines []string
	for i, c := range m.menu.Commands() {
		line := fmt.Sprintf("%-10s %s", c.Command, c.Description)
		switch {
		case i == m.menu.Selected():
			line = selectedStyle.Render(line + "  " + c.Example)
		case !matching[i]:
			line = dimStyle.Render(line)
		}
		lines = append(lines, line)
	}
	return menuStyle.Render(strings.Join(lines, "\n"))
}

func (m Model) renderHelp(state panel.State) string {
	if !state.Open {
		return helpStyle.Render("  ↑/↓: move  space: toggle done  ctrl+r: refresh  ctrl+o: assistant  q: quit")
	}
	if m.renaming {
		return helpStyle.Render("  enter: save title  esc: cancel")
	}
	return helpStyle.Render("  enter: send  /: commands  ctrl+n: new chat  pgup/pgdn: switch  ctrl+e: rename  ctrl+d: delete  ctrl+b: sidebar  ctrl+o: close")
}

func truncateLine(s string, width int) string {
	runes := []rune(s)
	if width <= 1 || len(runes) <= width {
		return s
	}
	return string(runes[:width-1]) + "…"
}
