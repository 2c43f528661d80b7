package queue

import (
	"errors"
	"time"

	"github.com/metalagman/tally/internal/action"
	"github.com/metalagman/tally/internal/model"
)

// Status is the lifecycle state of a background task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	ErrClosed     = errors.New("queue closed")
	ErrNotFound   = errors.New("task not found")
	ErrNotPending = errors.New("task is no longer pending")
)

// Task is one background unit of work.
type Task struct {
	ID          string             `json:"id"`
	Intent      model.ActionIntent `json:"intent"`
	Status      Status             `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   time.Time          `json:"started_at,omitzero"`
	CompletedAt time.Time          `json:"completed_at,omitzero"`
	RetryCount  int                `json:"retry_count"`
	MaxRetries  int                `json:"max_retries"`
	Result      *action.Result     `json:"result,omitempty"`
	LastError   string             `json:"last_error,omitempty"`

	seq uint64
}

// ExecutionResult is published once per task reaching a terminal state.
type ExecutionResult struct {
	TaskID      string             `json:"task_id"`
	ActionID    string             `json:"action_id"`
	Intent      model.ActionIntent `json:"intent"`
	Status      Status             `json:"status"`
	Success     bool               `json:"success"`
	Message     string             `json:"message"`
	Data        map[string]any     `json:"data,omitempty"`
	Attempts    int                `json:"attempts"`
	Error       string             `json:"error,omitempty"`
	CompletedAt time.Time          `json:"completed_at"`
}

func resultOf(t *Task) ExecutionResult {
	r := ExecutionResult{
		TaskID:      t.ID,
		ActionID:    t.Intent.IntentID(),
		Intent:      t.Intent,
		Status:      t.Status,
		Success:     t.Status == StatusCompleted,
		Attempts:    t.RetryCount,
		Error:       t.LastError,
		CompletedAt: t.CompletedAt,
	}
	if t.Status == StatusCompleted {
		r.Attempts++
	}
	if t.Result != nil {
		r.Message = t.Result.Message
		r.Data = t.Result.Data
	}
	if r.Message == "" && t.LastError != "" {
		r.Message = t.LastError
	}
	return r
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
