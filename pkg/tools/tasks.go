package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/comigor/taskpilot/internal/backend"
	"github.com/comigor/taskpilot/internal/logger"
)

// TaskService is what the task tools operate on. The task query layer
// implements it, so every mutation invalidates cached listings.
type TaskService interface {
	Tasks(ctx context.Context, filter backend.TaskFilter) ([]backend.Task, error)
	CreateTask(ctx context.Context, in backend.TaskCreate) (*backend.Task, error)
	UpdateTask(ctx context.Context, id int64, in backend.TaskUpdate) (*backend.Task, error)
	ToggleTask(ctx context.Context, id int64, completed bool) (*backend.Task, error)
	DeleteTask(ctx context.Context, id int64) error
}

const defaultCategory = "General"

// funcTool adapts a function to Tool.
type funcTool struct {
	name        string
	description string
	schema      json.RawMessage
	run         func(ctx context.Context, args string) (string, error)
}

func (t *funcTool) Name() string                { return t.name }
func (t *funcTool) Description() string         { return t.description }
func (t *funcTool) Parameters() json.RawMessage { return t.schema }
func (t *funcTool) Run(ctx context.Context, args string) (string, error) {
	logger.L.Debug("tool invoked", "tool", t.name, "args", args)
	return t.run(ctx, args)
}

// TaskTools returns the task management tools.
func TaskTools(svc TaskService) []Tool {
	tt := &taskTools{svc: svc}
	return []Tool{
		&funcTool{
			name:        "add_task",
			description: "Add a new task to the user's todo list. Infer title, priority and category from the request and fix typos.",
			schema: json.RawMessage(`{"type":"object","properties":{` +
				`"title":{"type":"string","description":"Task title (fix typos)"},` +
				`"priority":{"type":"string","enum":["low","medium","high"]},` +
				`"category":{"type":"string","description":"Category (e.g. 'work', 'personal') inferred from context"}},` +
				`"required":["title"]}`),
			run: tt.add,
		},
		&funcTool{
			name:        "list_tasks",
			description: "List existing tasks, optionally filtered by status.",
			schema:      json.RawMessage(`{"type":"object","properties":{"status":{"type":"string","enum":["all","pending","completed"]}}}`),
			run:         tt.list,
		},
		&funcTool{
			name:        "complete_task",
			description: "Complete a task by ID or by name/title.",
			schema:      refSchema(""),
			run:         tt.complete,
		},
		&funcTool{
			name:        "delete_task",
			description: "Delete a task by ID or by name/title.",
			schema:      refSchema(""),
			run:         tt.delete,
		},
		&funcTool{
			name:        "search_tasks",
			description: "Search tasks by keyword (title/description/category).",
			schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"]}`),
			run:         tt.search,
		},
		&funcTool{
			name:        "get_task_analytics",
			description: "Get statistics about tasks (counts, priority breakdown).",
			schema:      emptySchema,
			run:         tt.analytics,
		},
		&funcTool{
			name:        "clear_completed",
			description: "Delete all completed tasks.",
			schema:      emptySchema,
			run:         tt.clearCompleted,
		},
		&funcTool{
			name:        "update_task",
			description: "Update a task's properties (title, priority, category) by ID or name.",
			schema: refSchema(`,"new_title":{"type":"string","description":"New task title"},` +
				`"new_priority":{"type":"string","enum":["low","medium","high"],"description":"New priority level"},` +
				`"new_category":{"type":"string","description":"New category"}`),
			run: tt.update,
		},
	}
}

// NewTaskToolManager registers every task tool in a new manager.
func NewTaskToolManager(svc TaskService) *ToolManager {
	m := NewToolManager()
	for _, t := range TaskTools(svc) {
		m.RegisterTool(t)
	}
	return m
}

func refSchema(extra string) json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{` +
		`"task_id":{"type":"integer","description":"Task ID number"},` +
		`"task_name":{"type":"string","description":"Task title/name"}` + extra + `}}`)
}

type taskTools struct {
	svc TaskService
}

// taskRef names a task by id or by title. Models send ids both as numbers and
// as strings; json.Number takes either.
type taskRef struct {
	TaskID   json.Number `json:"task_id"`
	TaskName string      `json:"task_name"`
}

func decodeArgs(args string, v any) error {
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if err := json.Unmarshal([]byte(args), v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// resolve returns the referenced task id. A name resolves to the first task
// whose title, description or category contains it. A non-empty reply
// explains to the model why nothing was resolved.
func (tt *taskTools) resolve(ctx context.Context, ref taskRef, action string) (id int64, reply string, err error) {
	if ref.TaskID != "" {
		id, err := ref.TaskID.Int64()
		if err != nil {
			return 0, "", fmt.Errorf("invalid task_id %q", ref.TaskID)
		}
		if id != 0 {
			return id, "", nil
		}
	}
	name := strings.TrimSpace(ref.TaskName)
	if name == "" {
		return 0, fmt.Sprintf("❌ Please provide either task_id or task_name to %s a task.", action), nil
	}
	matches, err := tt.svc.Tasks(ctx, backend.TaskFilter{Search: name})
	if err != nil {
		return 0, "", err
	}
	if len(matches) == 0 {
		return 0, fmt.Sprintf("❌ No task found with name '%s'. Try listing your tasks first.", name), nil
	}
	return matches[0].ID, "", nil
}

func isNotFound(err error) bool {
	var se *backend.StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func notFound(id int64) string {
	return fmt.Sprintf("❌ Task %d not found. Please check the task ID.", id)
}

func priorityOrDefault(p string) string {
	if p == "" {
		return backend.PriorityMedium
	}
	return strings.ToLower(p)
}

func (tt *taskTools) add(ctx context.Context, args string) (string, error) {
	var in struct {
		Title    string `json:"title"`
		Priority string `json:"priority"`
		Category string `json:"category"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Title) == "" {
		return "❌ A task needs a title.", nil
	}
	if in.Category == "" {
		in.Category = defaultCategory
	}
	task, err := tt.svc.CreateTask(ctx, backend.TaskCreate{
		Title:    in.Title,
		Priority: priorityOrDefault(in.Priority),
		Category: in.Category,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Task Added Successfully!\nTitle: %s\nCategory: %s\nPriority: %s\nID: %d",
		task.Title, task.Category, strings.ToUpper(priorityOrDefault(task.Priority)), task.ID), nil
}

func (tt *taskTools) list(ctx context.Context, args string) (string, error) {
	var in struct {
		Status string `json:"status"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	all, err := tt.svc.Tasks(ctx, backend.TaskFilter{})
	if err != nil {
		return "", err
	}

	var lines []string
	for _, t := range all {
		if (in.Status == "pending" && t.Completed) || (in.Status == "completed" && !t.Completed) {
			continue
		}
		category := t.Category
		if category == "" {
			category = defaultCategory
		}
		lines = append(lines, fmt.Sprintf("%s **%s**\n   ID: %d | Priority: %s | Category: %s",
			statusIcon(t), t.Title, t.ID, strings.ToUpper(priorityOrDefault(t.Priority)), category))
	}
	if len(lines) == 0 {
		return "📋 No tasks found.", nil
	}
	header := fmt.Sprintf("📋 **Your Tasks** (%d total):\n%s\n", len(lines), strings.Repeat("=", 40))
	return header + strings.Join(lines, "\n\n"), nil
}

func statusIcon(t backend.Task) string {
	if t.Completed {
		return "✅"
	}
	return "⏳"
}

func (tt *taskTools) complete(ctx context.Context, args string) (string, error) {
	var ref taskRef
	if err := decodeArgs(args, &ref); err != nil {
		return "", err
	}
	id, reply, err := tt.resolve(ctx, ref, "complete")
	if err != nil || reply != "" {
		return reply, err
	}
	if _, err := tt.svc.ToggleTask(ctx, id, true); err != nil {
		if isNotFound(err) {
			return notFound(id), nil
		}
		return "", err
	}
	return fmt.Sprintf("✅ **Task Completed!** (ID: %d)\nGreat job! Keep it up! 🎉", id), nil
}

func (tt *taskTools) delete(ctx context.Context, args string) (string, error) {
	var ref taskRef
	if err := decodeArgs(args, &ref); err != nil {
		return "", err
	}
	id, reply, err := tt.resolve(ctx, ref, "delete")
	if err != nil || reply != "" {
		return reply, err
	}
	if err := tt.svc.DeleteTask(ctx, id); err != nil {
		if isNotFound(err) {
			return notFound(id), nil
		}
		return "", err
	}
	return fmt.Sprintf("🗑️ **Task Deleted** (ID: %d)\nTask removed from your list.", id), nil
}

func (tt *taskTools) search(ctx context.Context, args string) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	found, err := tt.svc.Tasks(ctx, backend.TaskFilter{Search: in.Query})
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return fmt.Sprintf("🔍 No tasks found matching '%s'", in.Query), nil
	}
	lines := make([]string, 0, len(found))
	for _, t := range found {
		lines = append(lines, fmt.Sprintf("%s **%s** (ID: %d)", statusIcon(t), t.Title, t.ID))
	}
	header := fmt.Sprintf("🔍 **Search Results for '%s'** (%d found):\n%s\n", in.Query, len(found), strings.Repeat("=", 40))
	return header + strings.Join(lines, "\n"), nil
}

// Analytics summarizes a task list.
type Analytics struct {
	Total      int
	Completed  int
	Pending    int
	ByPriority map[string]int
}

// Analyze counts tasks by status and priority. Tasks without a priority count
// as medium.
func Analyze(all []backend.Task) Analytics {
	a := Analytics{Total: len(all), ByPriority: map[string]int{}}
	for _, t := range all {
		if t.Completed {
			a.Completed++
		} else {
			a.Pending++
		}
		a.ByPriority[priorityOrDefault(t.Priority)]++
	}
	return a
}

func (tt *taskTools) analytics(ctx context.Context, _ string) (string, error) {
	all, err := tt.svc.Tasks(ctx, backend.TaskFilter{})
	if err != nil {
		return "", err
	}
	a := Analyze(all)
	return fmt.Sprintf("📊 **Task Analytics**\n%s\n📋 Total Tasks: %d\n✅ Completed: %d\n⏳ Pending: %d\n\n"+
		"**By Priority:**\n🔴 High: %d\n🟡 Medium: %d\n🟢 Low: %d\n",
		strings.Repeat("=", 40), a.Total, a.Completed, a.Pending,
		a.ByPriority[backend.PriorityHigh], a.ByPriority[backend.PriorityMedium], a.ByPriority[backend.PriorityLow]), nil
}

func (tt *taskTools) clearCompleted(ctx context.Context, _ string) (string, error) {
	all, err := tt.svc.Tasks(ctx, backend.TaskFilter{})
	if err != nil {
		return "", err
	}
	count := 0
	for _, t := range all {
		if !t.Completed {
			continue
		}
		if err := tt.svc.DeleteTask(ctx, t.ID); err != nil && !isNotFound(err) {
			return "", fmt.Errorf("clear task %d: %w", t.ID, err)
		}
		count++
	}
	if count == 0 {
		return "✨ No completed tasks to clear. Your list is already clean!", nil
	}
	plural := "s"
	if count == 1 {
		plural = ""
	}
	return fmt.Sprintf("🗑️ **Cleared!** Removed %d completed task%s.\nYour list is now cleaner! ✨", count, plural), nil
}

func (tt *taskTools) update(ctx context.Context, args string) (string, error) {
	var in struct {
		taskRef
		NewTitle    string `json:"new_title"`
		NewPriority string `json:"new_priority"`
		NewCategory string `json:"new_category"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	id, reply, err := tt.resolve(ctx, in.taskRef, "update")
	if err != nil || reply != "" {
		return reply, err
	}

	var (
		upd     backend.TaskUpdate
		changes []string
	)
	if in.NewTitle != "" {
		upd.Title = &in.NewTitle
		changes = append(changes, "title: "+in.NewTitle)
	}
	if in.NewPriority != "" {
		p := strings.ToLower(in.NewPriority)
		upd.Priority = &p
		changes = append(changes, "priority: "+p)
	}
	if in.NewCategory != "" {
		upd.Category = &in.NewCategory
		changes = append(changes, "category: "+in.NewCategory)
	}
	if len(changes) == 0 {
		return "❌ Please provide at least one field to update (title, priority, or category).", nil
	}

	if _, err := tt.svc.UpdateTask(ctx, id, upd); err != nil {
		if isNotFound(err) {
			return notFound(id), nil
		}
		return "", err
	}
	return fmt.Sprintf("✅ **Task Updated!** (ID: %d)\nChanges: %s\nTask successfully modified! 🎉", id, strings.Join(changes, ", ")), nil
}
