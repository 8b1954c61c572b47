// Package tasks is the task query layer: cached task listings and mutations
// that invalidate them.
package tasks

import (
	"context"

	"github.com/comigor/taskpilot/internal/backend"
	"github.com/comigor/taskpilot/internal/query"
)

// Prefix is the cache key prefix shared by every task listing.
var Prefix = query.Key{"tasks"}

// API is the part of the backend client the task layer needs.
type API interface {
	ListTasks(ctx context.Context, filter backend.TaskFilter) ([]backend.Task, error)
	CreateTask(ctx context.Context, in backend.TaskCreate) (*backend.Task, error)
	UpdateTask(ctx context.Context, id int64, in backend.TaskUpdate) (*backend.Task, error)
	CompleteTask(ctx context.Context, id int64, completed bool) (*backend.Task, error)
	DeleteTask(ctx context.Context, id int64) error
}

// Queries exposes task reads and writes through a shared cache.
type Queries struct {
	api   API
	cache *query.Cache
}

// New creates the task query layer over cache.
func New(api API, cache *query.Cache) *Queries {
	return &Queries{api: api, cache: cache}
}

// Key returns the cache key of a filtered listing.
func Key(filter backend.TaskFilter) query.Key {
	return query.Key{Prefix[0], filter.Search, filter.Category}
}

// Tasks lists tasks, served from cache while fresh.
func (q *Queries) Tasks(ctx context.Context, filter backend.TaskFilter) ([]backend.Task, error) {
	return query.Fetch(ctx, q.cache, Key(filter), func(ctx context.Context) ([]backend.Task, error) {
		return q.api.ListTasks(ctx, filter)
	})
}

// CreateTask creates a task and invalidates task listings.
func (q *Queries) CreateTask(ctx context.Context, in backend.TaskCreate) (*backend.Task, error) {
	return query.Mutate(ctx, q.cache, Prefix, func(ctx context.Context) (*backend.Task, error) {
		return q.api.CreateTask(ctx, in)
	})
}

// UpdateTask updates a task and invalidates task listings.
func (q *Queries) UpdateTask(ctx context.Context, id int64, in backend.TaskUpdate) (*backend.Task, error) {
	return query.Mutate(ctx, q.cache, Prefix, func(ctx context.Context) (*backend.Task, error) {
		return q.api.UpdateTask(ctx, id, in)
	})
}

// ToggleTask sets the completion flag and invalidates task listings.
func (q *Queries) ToggleTask(ctx context.Context, id int64, completed bool) (*backend.Task, error) {
	return query.Mutate(ctx, q.cache, Prefix, func(ctx context.Context) (*backend.Task, error) {
		return q.api.CompleteTask(ctx, id, completed)
	})
}

// DeleteTask deletes a task and invalidates task listings.
func (q *Queries) DeleteTask(ctx context.Context, id int64) error {
	_, err := query.Mutate(ctx, q.cache, Prefix, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, q.api.DeleteTask(ctx, id)
	})
	return err
}

// InvalidateTasks forces the next task read to refetch. It is the signal the
// chat panel fires after the assistant may have changed tasks.
func (q *Queries) InvalidateTasks() {
	q.cache.Invalidate(Prefix)
}

// OnInvalidate runs fn whenever task listings are invalidated, locally or by
// another process on the bus.
func (q *Queries) OnInvalidate(fn func()) func() {
	return q.cache.Subscribe(func(k query.Key) {
		if k.HasPrefix(Prefix) || Prefix.HasPrefix(k) {
			fn()
		}
	})
}
