// Package outbox queues chat message saves that failed to reach the backend.
// The queue lives in SQLite and is opened eagerly; if opening the DB or
// creating the table fails, the package falls back to in-memory storage.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"

	"github.com/comigor/taskpilot/internal/backend"
	"github.com/comigor/taskpilot/internal/logger"
)

// Sender delivers a save to the backend.
type Sender interface {
	SaveMessage(ctx context.Context, req backend.SaveMessageRequest) error
}

// Entry is a queued save.
type Entry struct {
	ID        string
	Request   backend.SaveMessageRequest
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Outbox sends saves and keeps the failed ones for a later Flush.
type Outbox struct {
	sender Sender

	mu      sync.Mutex
	db      *sql.DB
	pending []Entry // in-memory fallback
}

// Open opens (or creates) the queue at path and wraps sender.
func Open(path string, sender Sender) *Outbox {
	o := &Outbox{sender: sender}
	if path == "" {
		logger.L.Info("outbox path empty; using in-memory queue")
		return o
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.L.Warn("outbox dir create failed; using in-memory queue", "error", err)
		return o
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		logger.L.Warn("sqlite open failed; using in-memory queue", "error", err)
		return o
	}
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS outbox (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE,
        role TEXT NOT NULL,
        content TEXT NOT NULL,
        source TEXT,
        conversation_id INTEGER,
        attempts INTEGER NOT NULL DEFAULT 1,
        last_error TEXT,
        created_at DATETIME NOT NULL
    );`); err != nil {
		logger.L.Warn("sqlite table creation failed; using in-memory queue", "error", err)
		db.Close()
		return o
	}
	logger.L.Debug("sqlite outbox initialized", "path", path)
	o.db = db
	return o
}

// Close releases the database.
func (o *Outbox) Close() error {
	if o.db == nil {
		return nil
	}
	return o.db.Close()
}

// SaveMessage tries to deliver req. On failure the save is queued and the
// delivery error is still returned so the caller can log it.
func (o *Outbox) SaveMessage(ctx context.Context, req backend.SaveMessageRequest) error {
	err := o.sender.SaveMessage(ctx, req)
	if err == nil {
		return nil
	}
	entry := Entry{ID: uuid.NewString(), Request: req, Attempts: 1, LastError: err.Error(), CreatedAt: time.Now().UTC()}
	if qerr := o.enqueue(entry); qerr != nil {
		logger.L.Error("failed to queue message save", "error", qerr)
	}
	return fmt.Errorf("save queued for retry: %w", err)
}

func (o *Outbox) enqueue(e Entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.db != nil {
		var conv sql.NullInt64
		if e.Request.ConversationID != nil {
			conv = sql.NullInt64{Int64: *e.Request.ConversationID, Valid: true}
		}
		_, err := o.db.Exec(`INSERT INTO outbox (id, role, content, source, conversation_id, attempts, last_error, created_at) VALUES (?,?,?,?,?,?,?,?);`,
			e.ID, string(e.Request.Role), e.Request.Content, e.Request.Source, conv, e.Attempts, e.LastError, e.CreatedAt)
		if err == nil {
			return nil
		}
		logger.L.Error("failed to store save in sqlite; falling back to memory", "error", err)
	}
	o.pending = append(o.pending, e)
	return nil
}

// Pending lists queued saves, oldest first.
func (o *Outbox) Pending(ctx context.Context) ([]Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := append([]Entry(nil), o.pending...)
	if o.db == nil {
		return out, nil
	}
	rows, err := o.db.QueryContext(ctx, `SELECT id, role, content, source, conversation_id, attempts, last_error, created_at FROM outbox ORDER BY seq ASC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stored []Entry
	for rows.Next() {
		var (
			e       Entry
			role    string
			source  sql.NullString
			conv    sql.NullInt64
			lastErr sql.NullString
		)
		if err := rows.Scan(&e.ID, &role, &e.Request.Content, &source, &conv, &e.Attempts, &lastErr, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Request.Role = backend.Role(role)
		e.Request.Source = source.String
		e.LastError = lastErr.String
		if conv.Valid {
			id := conv.Int64
			e.Request.ConversationID = &id
		}
		stored = append(stored, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return append(stored, out...), nil
}

// Flush replays queued saves in order. Delivered saves are removed; the first
// failure stops the replay so later messages are not persisted ahead of it.
func (o *Outbox) Flush(ctx context.Context) (int, error) {
	entries, err := o.Pending(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, e := range entries {
		if err := o.sender.SaveMessage(ctx, e.Request); err != nil {
			o.markFailed(e.ID, err)
			return sent, fmt.Errorf("flush stopped at %s: %w", e.ID, err)
		}
		o.remove(e.ID)
		sent++
	}
	if sent > 0 {
		logger.L.Info("outbox flushed", "sent", sent)
	}
	return sent, nil
}

func (o *Outbox) remove(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, e := range o.pending {
		if e.ID == id {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			return
		}
	}
	if o.db != nil {
		if _, err := o.db.Exec(`DELETE FROM outbox WHERE id = ?;`, id); err != nil {
			logger.L.Error("failed to remove delivered save", "id", id, "error", err)
		}
	}
}

func (o *Outbox) markFailed(id string, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.pending {
		if o.pending[i].ID == id {
			o.pending[i].Attempts++
			o.pending[i].LastError = cause.Error()
			return
		}
	}
	if o.db != nil {
		if _, err := o.db.Exec(`UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?;`, cause.Error(), id); err != nil {
			logger.L.Error("failed to record save attempt", "id", id, "error", err)
		}
	}
}
