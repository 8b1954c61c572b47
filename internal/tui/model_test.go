package tui

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/taskpilot/internal/backend"
	"github.com/comigor/taskpilot/internal/panel"
	"github.com/comigor/taskpilot/internal/query"
	"github.com/comigor/taskpilot/internal/tasks"
	"github.com/comigor/taskpilot/internal/testutil"
)

type harness struct {
	fake  *testutil.Backend
	panel *panel.Panel
	tasks *tasks.Queries
	m     Model

	// invalidated stands in for the program subscription set up by Run.
	invalidated chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := testutil.NewBackend(t)
	client := backend.NewClient(fake.URL(), testutil.StaticToken(""), 5*time.Second)
	q := tasks.New(client, query.New(query.Options{StaleTime: time.Minute}))
	p := panel.New(panel.Options{Conversations: client, Chatter: client, Saver: client, Invalidator: q})
	t.Cleanup(p.Wait)

	m := New(context.Background(), p, q)
	mm, _ := m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	h := &harness{fake: fake, panel: p, tasks: q, m: mm.(Model), invalidated: make(chan struct{}, 16)}
	t.Cleanup(q.OnInvalidate(func() {
		select {
		case h.invalidated <- struct{}{}:
		default:
		}
	}))
	return h
}

// run executes cmd and feeds resulting messages back into the model,
// skipping spinner ticks.
func (h *harness) run(t *testing.T, cmd tea.Cmd) {
	t.Helper()
	queue := []tea.Cmd{cmd}
	for steps := 0; ; steps++ {
		require.Less(t, steps, 50, "command loop did not settle")
		if len(queue) == 0 {
			select {
			case <-h.invalidated:
				queue = append(queue, func() tea.Msg { return tasksInvalidatedMsg{} })
			default:
				return
			}
		}
		c := queue[0]
		queue = queue[1:]
		if c == nil {
			continue
		}
		switch msg := c().(type) {
		case nil, spinner.TickMsg:
		case tea.BatchMsg:
			queue = append(queue, msg...)
		default:
			mm, next := h.m.Update(msg)
			h.m = mm.(Model)
			queue = append(queue, next)
		}
	}
}

func (h *harness) key(t *testing.T, k tea.KeyMsg) {
	t.Helper()
	mm, cmd := h.m.Update(k)
	h.m = mm.(Model)
	h.run(t, cmd)
}

func (h *harness) typeText(s string) {
	for _, r := range s {
		mm, _ := h.m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
		h.m = mm.(Model)
	}
}

func ctrl(k tea.KeyType) tea.KeyMsg { return tea.KeyMsg{Type: k} }

func TestTaskList(t *testing.T) {
	h := newHarness(t)
	h.fake.AddTask(backend.Task{Title: "Buy milk", Priority: "high"})
	h.fake.AddTask(backend.Task{Title: "Walk dog", Priority: "low"})

	h.run(t, h.m.loadTasks())
	require.Len(t, h.m.taskList, 2)

	view := h.m.View()
	assert.Contains(t, view, "Buy milk")
	assert.Contains(t, view, "2 tasks")

	h.key(t, ctrl(tea.KeyDown))
	assert.Equal(t, 1, h.m.taskCursor)

	h.key(t, tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}})
	stored := h.fake.TasksSnapshot()
	assert.True(t, stored[1].Completed)
	assert.True(t, h.m.taskList[1].Completed, "the toggle invalidation reloads the list")
}

func TestRefreshKeyRefetches(t *testing.T) {
	h := newHarness(t)
	h.run(t, h.m.loadTasks())
	require.Empty(t, h.m.taskList)

	h.fake.AddTask(backend.Task{Title: "Added elsewhere"})
	h.run(t, h.m.loadTasks())
	assert.Empty(t, h.m.taskList, "fresh cache is served")

	h.key(t, ctrl(tea.KeyCtrlR))
	require.Len(t, h.m.taskList, 1)
}

func TestRefreshKeyFromChat(t *testing.T) {
	h := newHarness(t)
	h.key(t, ctrl(tea.KeyCtrlO))
	h.run(t, h.m.loadTasks())

	h.fake.AddTask(backend.Task{Title: "Added elsewhere"})
	h.key(t, ctrl(tea.KeyCtrlR))
	require.Len(t, h.m.taskList, 1)
}

// runProgram starts a real event loop over model with the invalidation
// subscription Run installs. The returned channel yields Run's error.
func runProgram(t *testing.T, h *harness, model tea.Model) (*tea.Program, <-chan error) {
	t.Helper()
	prog := tea.NewProgram(model,
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
		tea.WithoutRenderer(),
		tea.WithoutSignalHandler(),
	)
	t.Cleanup(subscribe(prog, h.tasks))

	done := make(chan error, 1)
	go func() {
		_, err := prog.Run()
		done <- err
	}()
	t.Cleanup(prog.Kill)
	return prog, done
}

func waitExit(t *testing.T, done <-chan error, msg string) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal(msg)
	}
}

func TestProgramQuits(t *testing.T) {
	h := newHarness(t)
	prog, done := runProgram(t, h, h.m)
	prog.Send(ctrl(tea.KeyCtrlC))
	waitExit(t, done, "program did not quit")
}

func TestProgramSurvivesRefreshKey(t *testing.T) {
	h := newHarness(t)
	h.fake.AddTask(backend.Task{Title: "Buy milk"})
	prog, done := runProgram(t, h, h.m)

	prog.Send(ctrl(tea.KeyCtrlR))
	prog.Send(ctrl(tea.KeyCtrlO))
	prog.Send(ctrl(tea.KeyCtrlR))
	prog.Send(ctrl(tea.KeyCtrlC))
	waitExit(t, done, "event loop stuck after the refresh key")
}

type invalidateNowMsg struct{}

// syncInvalidator invalidates tasks inside Update, on the event loop itself.
type syncInvalidator struct{ Model }

func (s syncInvalidator) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if _, ok := msg.(invalidateNowMsg); ok {
		s.tasks.InvalidateTasks()
		return s, nil
	}
	mm, cmd := s.Model.Update(msg)
	s.Model = mm.(Model)
	return s, cmd
}

func TestProgramSurvivesInvalidationFromUpdate(t *testing.T) {
	h := newHarness(t)
	prog, done := runProgram(t, h, syncInvalidator{h.m})

	prog.Send(invalidateNowMsg{})
	prog.Send(ctrl(tea.KeyCtrlC))
	waitExit(t, done, "event loop stuck after a synchronous invalidation")
}

func TestOpenPanelAndSend(t *testing.T) {
	h := newHarness(t)
	h.key(t, ctrl(tea.KeyCtrlO))
	require.True(t, h.panel.State().Open)
	assert.Contains(t, h.m.View(), "Conversations")

	h.typeText("add task buy milk")
	h.key(t, ctrl(tea.KeyEnter))
	h.panel.Wait()

	state := h.panel.State()
	require.Len(t, state.Messages, 3)
	assert.Equal(t, "echo: add task buy milk", state.Messages[2].Content)
	assert.False(t, h.m.sending)
	assert.Empty(t, h.m.input.Value())
	require.Len(t, state.Conversations, 1)
	assert.Equal(t, "Buy milk", state.Conversations[0].Title)
	assert.Contains(t, h.m.viewport.View(), "add task buy milk")
}

func TestBlankEnterDoesNothing(t *testing.T) {
	h := newHarness(t)
	h.key(t, ctrl(tea.KeyCtrlO))
	h.typeText("   ")
	h.key(t, ctrl(tea.KeyEnter))

	assert.False(t, h.m.sending)
	assert.Len(t, h.panel.State().Messages, 1)
	assert.Empty(t, h.fake.ChatRequestsSnapshot())
}

func TestSlashMenuFlow(t *testing.T) {
	h := newHarness(t)
	h.key(t, ctrl(tea.KeyCtrlO))

	h.typeText("/")
	require.True(t, h.m.menu.IsOpen())
	assert.Contains(t, h.m.View(), "/search")

	h.key(t, ctrl(tea.KeyDown))
	h.key(t, ctrl(tea.KeyTab))
	assert.False(t, h.m.menu.IsOpen())
	assert.Equal(t, "/list ", h.m.input.Value())

	h.typeText("x")
	assert.True(t, h.m.menu.IsOpen(), "typing after a slash reopens the menu")
	h.key(t, ctrl(tea.KeyEsc))
	assert.False(t, h.m.menu.IsOpen())
	assert.Equal(t, "/list x", h.m.input.Value())
}

func TestConversationKeys(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	older := h.fake.AddConversation("Older", now.Add(-time.Hour))
	newer := h.fake.AddConversation("Newer", now)
	h.fake.AddMessage(older, backend.RoleUser, "old message")
	h.fake.AddMessage(newer, backend.RoleUser, "new message")

	h.key(t, ctrl(tea.KeyCtrlO))
	require.Equal(t, newer, *h.panel.State().ActiveID)

	h.key(t, ctrl(tea.KeyPgDown))
	require.Equal(t, older, *h.panel.State().ActiveID)
	assert.Equal(t, "old message", h.panel.State().Messages[0].Content)

	h.key(t, ctrl(tea.KeyPgDown))
	assert.Equal(t, older, *h.panel.State().ActiveID, "no wrap past the end")

	h.key(t, ctrl(tea.KeyPgUp))
	assert.Equal(t, newer, *h.panel.State().ActiveID)

	h.key(t, ctrl(tea.KeyCtrlE))
	require.True(t, h.m.renaming)
	assert.Equal(t, "Newer", h.m.input.Value())
	h.typeText("!")
	h.key(t, ctrl(tea.KeyEnter))
	assert.False(t, h.m.renaming)
	assert.Equal(t, "Newer!", h.panel.State().Conversations[0].Title)

	h.key(t, ctrl(tea.KeyCtrlD))
	state := h.panel.State()
	assert.Nil(t, state.ActiveID)
	assert.Len(t, state.Conversations, 1)
	assert.Equal(t, panel.Greeting, state.Messages[0].Content)

	h.key(t, ctrl(tea.KeyCtrlB))
	assert.False(t, h.panel.State().SidebarOpen)
	assert.NotContains(t, h.m.View(), "Conversations")

	h.key(t, ctrl(tea.KeyCtrlN))
	assert.Nil(t, h.panel.State().ActiveID)

	h.key(t, ctrl(tea.KeyCtrlO))
	assert.False(t, h.panel.State().Open)
}

func TestRenameEscapeCancels(t *testing.T) {
	h := newHarness(t)
	id := h.fake.AddConversation("Keep", time.Now())
	h.key(t, ctrl(tea.KeyCtrlO))
	require.Equal(t, id, *h.panel.State().ActiveID)

	h.key(t, ctrl(tea.KeyCtrlE))
	h.typeText(" me not")
	h.key(t, ctrl(tea.KeyEsc))
	assert.False(t, h.m.renaming)
	assert.Equal(t, "Keep", h.panel.State().Conversations[0].Title)
	assert.Empty(t, h.m.input.Value())
}

func TestTruncateLine(t *testing.T) {
	assert.Equal(t, "short", truncateLine("short", 10))
	got := truncateLine("a much longer line", 8)
	assert.Equal(t, 8, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}
