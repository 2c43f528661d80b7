package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/metalagman/tally/internal/queue"
)

// Store persists finished background tasks.
type Store struct {
	db *sql.DB
}

// NewStore creates a journal store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// JournalEntry is one row of the task journal.
type JournalEntry struct {
	TaskID       string `json:"task_id"`
	IntentID     string `json:"intent_id"`
	OriginalText string `json:"original_text"`
	Priority     int    `json:"priority"`
	Status       string `json:"status"`
	RetryCount   int    `json:"retry_count"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
	CreatedAt    string `json:"created_at"`
	StartedAt    string `json:"started_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

// RecordTask upserts a task row. It satisfies queue.Journal.
func (s *Store) RecordTask(ctx context.Context, t queue.Task) error {
	message := ""
	if t.Result != nil {
		message = t.Result.Message
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_journal(task_id, intent_id, original_text, priority, status, retry_count, message, error, created_at, started_at, completed_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET status=excluded.status, retry_count=excluded.retry_count,
			message=excluded.message, error=excluded.error, started_at=excluded.started_at, completed_at=excluded.completed_at`,
		t.ID, t.Intent.IntentID(), t.Intent.OriginalText, t.Intent.Priority, string(t.Status), t.RetryCount,
		nullableString(message), nullableString(t.LastError),
		formatTime(t.CreatedAt), nullableString(formatTime(t.StartedAt)), nullableString(formatTime(t.CompletedAt)))
	if err != nil {
		return fmt.Errorf("record task %s: %w", t.ID, err)
	}
	return nil
}

// ListTasks returns the newest journal rows first, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, status string, limit int) ([]JournalEntry, error) {
	query := `SELECT task_id, intent_id, original_text, priority, status, retry_count, message, error, created_at, started_at, completed_at FROM task_journal`
	args := []any{}
	if status != "" {
		query += " WHERE status=?"
		args = append(args, status)
	}
	query += " ORDER BY COALESCE(completed_at, created_at) DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task journal: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var message, errText, startedAt, completedAt sql.NullString
		if err := rows.Scan(&e.TaskID, &e.IntentID, &e.OriginalText, &e.Priority, &e.Status, &e.RetryCount,
			&message, &errText, &e.CreatedAt, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan task journal: %w", err)
		}
		e.Message = message.String
		e.Error = errText.String
		e.StartedAt = startedAt.String
		e.CompletedAt = completedAt.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task journal: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
