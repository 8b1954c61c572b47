package backend_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/taskpilot/internal/backend"
	"github.com/comigor/taskpilot/internal/testutil"
)

func newClient(t *testing.T) (*backend.Client, *testutil.Backend) {
	t.Helper()
	fake := testutil.NewBackend(t)
	fake.Token = "secret"
	return backend.NewClient(fake.URL()+"/", testutil.StaticToken("secret"), 5*time.Second), fake
}

func TestClient_Conversations(t *testing.T) {
	client, fake := newClient(t)
	ctx := context.Background()

	older := fake.AddConversation("Older", time.Now().Add(-time.Hour))

	conv, err := client.CreateConversation(ctx, "Buy milk")
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", conv.Title)

	convs, err := client.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, conv.ID, convs[0].ID, "most recent conversation first")

	renamed, err := client.RenameConversation(ctx, older, "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", renamed.Title)

	require.NoError(t, client.DeleteConversation(ctx, conv.ID))
	convs, err = client.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
}

func TestClient_ChatAndHistory(t *testing.T) {
	client, fake := newClient(t)
	ctx := context.Background()
	conv := fake.AddConversation("c", time.Now())

	for i := 0; i < 3; i++ {
		require.NoError(t, client.SaveMessage(ctx, backend.SaveMessageRequest{
			Role: backend.RoleUser, Content: "m", ConversationID: &conv,
		}))
	}
	require.NoError(t, client.SaveMessage(ctx, backend.SaveMessageRequest{Role: backend.RoleUser, Content: "orphan"}))

	history, err := client.History(ctx, conv, 2)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	resp, err := client.Chat(ctx, backend.ChatRequest{
		Messages: []backend.Message{{Role: backend.RoleUser, Content: "hi"}},
		Model:    "m1",
	})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", resp.Response)
	assert.Equal(t, "Fake", resp.Source)
	reqs := fake.ChatRequestsSnapshot()
	require.Len(t, reqs, 1)
	assert.Equal(t, "m1", reqs[0].Model)

	n, err := client.ClearHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestClient_Tasks(t *testing.T) {
	client, _ := newClient(t)
	ctx := context.Background()

	milk, err := client.CreateTask(ctx, backend.TaskCreate{Title: "Buy milk", Category: "home"})
	require.NoError(t, err)
	_, err = client.CreateTask(ctx, backend.TaskCreate{Title: "Write report", Category: "work"})
	require.NoError(t, err)

	tasks, err := client.ListTasks(ctx, backend.TaskFilter{Category: "home"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, milk.ID, tasks[0].ID)

	tasks, err = client.ListTasks(ctx, backend.TaskFilter{Search: "REPORT"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	title := "Buy oat milk"
	updated, err := client.UpdateTask(ctx, milk.ID, backend.TaskUpdate{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)

	done, err := client.CompleteTask(ctx, milk.ID, true)
	require.NoError(t, err)
	assert.True(t, done.Completed)

	require.NoError(t, client.DeleteTask(ctx, milk.ID))
	tasks, err = client.ListTasks(ctx, backend.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestClient_StatusError(t *testing.T) {
	client, fake := newClient(t)
	fake.FailWith("POST /api/chat/", http.StatusServiceUnavailable)

	_, err := client.Chat(context.Background(), backend.ChatRequest{
		Messages: []backend.Message{{Role: backend.RoleUser, Content: "hi"}},
	})
	var statusErr *backend.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)

	// save-message shares the /api/chat/ prefix but is not affected
	require.NoError(t, client.SaveMessage(context.Background(), backend.SaveMessageRequest{Role: backend.RoleUser, Content: "x"}))
}

func TestClient_Unauthorized(t *testing.T) {
	fake := testutil.NewBackend(t)
	fake.Token = "secret"
	client := backend.NewClient(fake.URL(), testutil.StaticToken("wrong"), time.Second)

	_, err := client.ListConversations(context.Background())
	var statusErr *backend.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
}
