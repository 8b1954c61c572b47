package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/taskpilot/internal/backend"
)

// memTasks is an in-memory TaskService.
type memTasks struct {
	tasks  []backend.Task
	nextID int64
	err    error
}

func newMemTasks(tasks ...backend.Task) *memTasks {
	m := &memTasks{nextID: 100}
	m.tasks = append(m.tasks, tasks...)
	return m
}

func (m *memTasks) Tasks(_ context.Context, filter backend.TaskFilter) ([]backend.Task, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []backend.Task
	for _, t := range m.tasks {
		if filter.Search != "" && !strings.Contains(strings.ToLower(t.Title), strings.ToLower(filter.Search)) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *memTasks) CreateTask(_ context.Context, in backend.TaskCreate) (*backend.Task, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.nextID++
	t := backend.Task{ID: m.nextID, Title: in.Title, Priority: in.Priority, Category: in.Category}
	m.tasks = append(m.tasks, t)
	return &t, nil
}

func (m *memTasks) find(id int64) (*backend.Task, error) {
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			return &m.tasks[i], nil
		}
	}
	return nil, &backend.StatusError{Code: http.StatusNotFound}
}

func (m *memTasks) UpdateTask(_ context.Context, id int64, in backend.TaskUpdate) (*backend.Task, error) {
	t, err := m.find(id)
	if err != nil {
		return nil, err
	}
	if in.Title != nil {
		t.Title = *in.Title
	}
	if in.Priority != nil {
		t.Priority = *in.Priority
	}
	if in.Category != nil {
		t.Category = *in.Category
	}
	return t, nil
}

func (m *memTasks) ToggleTask(_ context.Context, id int64, completed bool) (*backend.Task, error) {
	t, err := m.find(id)
	if err != nil {
		return nil, err
	}
	t.Completed = completed
	return t, nil
}

func (m *memTasks) DeleteTask(_ context.Context, id int64) error {
	for i, t := range m.tasks {
		if t.ID == id {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return nil
		}
	}
	return &backend.StatusError{Code: http.StatusNotFound}
}

func call(t *testing.T, svc TaskService, name, args string) string {
	t.Helper()
	out, err := NewTaskToolManager(svc).Call(context.Background(), name, args)
	require.NoError(t, err)
	return out
}

func seed() *memTasks {
	return newMemTasks(
		backend.Task{ID: 1, Title: "Buy milk", Priority: "medium", Category: "Shopping"},
		backend.Task{ID: 2, Title: "Team meeting", Priority: "high", Category: "Work", Completed: true},
		backend.Task{ID: 3, Title: "Call mom"},
	)
}

func TestManager_RegistersAllTaskTools(t *testing.T) {
	m := NewTaskToolManager(seed())
	var names []string
	for _, tool := range m.List() {
		names = append(names, tool.Name())
		var schema map[string]any
		require.NoError(t, json.Unmarshal(tool.Parameters(), &schema), tool.Name())
		assert.Equal(t, "object", schema["type"], tool.Name())
		assert.NotEmpty(t, tool.Description())
	}
	assert.Equal(t, []string{
		"add_task", "clear_completed", "complete_task", "delete_task",
		"get_task_analytics", "list_tasks", "search_tasks", "update_task",
	}, names)

	_, err := m.Call(context.Background(), "nope", "{}")
	require.Error(t, err)
}

func TestAddTask(t *testing.T) {
	svc := newMemTasks()
	out := call(t, svc, "add_task", `{"title":"Buy milk","priority":"HIGH"}`)
	assert.Contains(t, out, "Title: Buy milk")
	assert.Contains(t, out, "Priority: HIGH")
	assert.Contains(t, out, "Category: General")
	require.Len(t, svc.tasks, 1)
	assert.Equal(t, "high", svc.tasks[0].Priority)

	out = call(t, svc, "add_task", `{"title":"  "}`)
	assert.Contains(t, out, "needs a title")

	_, err := NewTaskToolManager(svc).Call(context.Background(), "add_task", `{not json`)
	require.Error(t, err)
}

func TestListTasks(t *testing.T) {
	svc := seed()
	out := call(t, svc, "list_tasks", "")
	assert.Contains(t, out, "(3 total)")
	assert.Contains(t, out, "✅ **Team meeting**")
	assert.Contains(t, out, "ID: 3 | Priority: MEDIUM | Category: General")

	out = call(t, svc, "list_tasks", `{"status":"pending"}`)
	assert.Contains(t, out, "(2 total)")
	assert.NotContains(t, out, "Team meeting")

	out = call(t, svc, "list_tasks", `{"status":"completed"}`)
	assert.Contains(t, out, "(1 total)")

	assert.Equal(t, "📋 No tasks found.", call(t, newMemTasks(), "list_tasks", "{}"))
}

func TestCompleteTask(t *testing.T) {
	svc := seed()
	out := call(t, svc, "complete_task", `{"task_id":1}`)
	assert.Contains(t, out, "Task Completed!** (ID: 1)")
	assert.True(t, svc.tasks[0].Completed)

	out = call(t, svc, "complete_task", `{"task_name":"call"}`)
	assert.Contains(t, out, "(ID: 3)")
	assert.True(t, svc.tasks[2].Completed)

	out = call(t, svc, "complete_task", `{"task_id":"42"}`)
	assert.Contains(t, out, "Task 42 not found")

	out = call(t, svc, "complete_task", `{"task_name":"groceries"}`)
	assert.Contains(t, out, "No task found with name 'groceries'")

	out = call(t, svc, "complete_task", `{}`)
	assert.Contains(t, out, "to complete a task")
}

func TestDeleteTask(t *testing.T) {
	svc := seed()
	out := call(t, svc, "delete_task", `{"task_name":"milk"}`)
	assert.Contains(t, out, "Task Deleted** (ID: 1)")
	assert.Len(t, svc.tasks, 2)

	out = call(t, svc, "delete_task", `{"task_id":1}`)
	assert.Contains(t, out, "Task 1 not found")
}

func TestSearchTasks(t *testing.T) {
	svc := seed()
	out := call(t, svc, "search_tasks", `{"query":"mee"}`)
	assert.Contains(t, out, "Search Results for 'mee'** (1 found)")
	assert.Contains(t, out, "✅ **Team meeting** (ID: 2)")

	out = call(t, svc, "search_tasks", `{"query":"zzz"}`)
	assert.Equal(t, "🔍 No tasks found matching 'zzz'", out)
}

func TestAnalytics(t *testing.T) {
	a := Analyze(seed().tasks)
	assert.Equal(t, 3, a.Total)
	assert.Equal(t, 1, a.Completed)
	assert.Equal(t, 2, a.Pending)
	assert.Equal(t, 2, a.ByPriority["medium"])
	assert.Equal(t, 1, a.ByPriority["high"])

	out := call(t, seed(), "get_task_analytics", "")
	assert.Contains(t, out, "Total Tasks: 3")
	assert.Contains(t, out, "High: 1")
	assert.Contains(t, out, "Medium: 2")
	assert.Contains(t, out, "Low: 0")
}

func TestClearCompleted(t *testing.T) {
	svc := seed()
	out := call(t, svc, "clear_completed", "")
	assert.Contains(t, out, "Removed 1 completed task.")
	assert.Len(t, svc.tasks, 2)

	out = call(t, svc, "clear_completed", "")
	assert.Contains(t, out, "No completed tasks to clear")
}

func TestUpdateTask(t *testing.T) {
	svc := seed()
	out := call(t, svc, "update_task", `{"task_id":3,"new_title":"Call dad","new_priority":"High"}`)
	assert.Contains(t, out, "Changes: title: Call dad, priority: high")
	assert.Equal(t, "Call dad", svc.tasks[2].Title)
	assert.Equal(t, "high", svc.tasks[2].Priority)

	out = call(t, svc, "update_task", `{"task_id":3}`)
	assert.Contains(t, out, "at least one field")

	out = call(t, svc, "update_task", `{"task_name":"nothing","new_title":"x"}`)
	assert.Contains(t, out, "No task found")
}

func TestTools_BackendErrorsSurface(t *testing.T) {
	svc := seed()
	svc.err = errors.New("backend down")
	_, err := NewTaskToolManager(svc).Call(context.Background(), "list_tasks", "{}")
	require.EqualError(t, err, "backend down")
}
