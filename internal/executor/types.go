package executor

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/metalagman/tally/internal/action"
	"github.com/metalagman/tally/internal/model"
	"github.com/metalagman/tally/internal/safety"
)

// Failure taxonomy. Every Outcome carries one of these in Err unless the
// operation succeeded.
var (
	ErrUnsupported          = errors.New("unsupported command")
	ErrMissingParameters    = errors.New("missing parameters")
	ErrInvalidParameters    = errors.New("invalid parameter format")
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrBlocked              = errors.New("operation blocked")
	ErrExecutionFailed      = errors.New("execution failed")
	ErrTimeout              = errors.New("pending request timed out")
	ErrNothingPending       = errors.New("nothing pending")
)

// State is the executor's conversational state.
type State string

const (
	StateIdle                   State = "idle"
	StateWaitingForParams       State = "waiting_for_params"
	StateWaitingForConfirmation State = "waiting_for_confirmation"
	StateWaitingForBatch        State = "waiting_for_batch"
	StateExecuting              State = "executing"
	StateCompleted              State = "completed"
	StateFailed                 State = "failed"
)

// PendingAction is a single action waiting for either parameters or a
// confirmation, never both. Build it with NewParamsPending or NewConfirmPending.
type PendingAction struct {
	Action              action.Action
	Params              map[string]any
	Missing             []string
	ConfirmationMessage string
	ConfirmLevel        safety.Level
	RedirectRoute       string
	RawInput            string
	CreatedAt           time.Time
	Timeout             time.Duration
}

// NewParamsPending builds a pending action waiting for missing params.
func NewParamsPending(a action.Action, params map[string]any, missing []string, raw string, now time.Time, timeout time.Duration) (*PendingAction, error) {
	if len(missing) == 0 {
		return nil, fmt.Errorf("params pending for %s: no missing params", a.Spec().ID)
	}
	return &PendingAction{
		Action:    a,
		Params:    maps.Clone(params),
		Missing:   append([]string(nil), missing...),
		RawInput:  raw,
		CreatedAt: now,
		Timeout:   timeout,
	}, nil
}

// NewConfirmPending builds a pending action waiting for a confirmation.
func NewConfirmPending(a action.Action, params map[string]any, level safety.Level, message, raw string, now time.Time, timeout time.Duration) (*PendingAction, error) {
	if message == "" {
		return nil, fmt.Errorf("confirm pending for %s: empty confirmation message", a.Spec().ID)
	}
	if level == safety.LevelNone {
		level = safety.LevelLight
	}
	return &PendingAction{
		Action:              a,
		Params:              maps.Clone(params),
		ConfirmationMessage: message,
		ConfirmLevel:        level,
		RawInput:            raw,
		CreatedAt:           now,
		Timeout:             timeout,
	}, nil
}

func (p *PendingAction) WaitingForParams() bool { return len(p.Missing) > 0 }

func (p *PendingAction) WaitingForConfirmation() bool { return p.ConfirmationMessage != "" }

// Expired reports whether the pending action has outlived its timeout at now.
// The window runs from creation; replies that do not complete it do not
// extend it.
func (p *PendingAction) Expired(now time.Time) bool {
	return now.Sub(p.CreatedAt) > p.Timeout
}

// MultiItem is one intent of a multi-intent batch.
type MultiItem struct {
	Intent        model.ActionIntent
	Action        action.Action
	Params        map[string]any
	Missing       []string
	ConfirmLevel  safety.Level
	ConfirmPrompt string
	Executed      bool
	Result        *action.Result
	Err           error
}

// Complete reports whether the item can run.
func (i *MultiItem) Complete() bool {
	return i.Action != nil && len(i.Missing) == 0
}

// ActionID names the item's action, or the raw intent id when unresolved.
func (i *MultiItem) ActionID() string {
	if i.Action != nil {
		return i.Action.Spec().ID
	}
	return i.Intent.IntentID()
}

// MultiPending is a batch waiting for confirmation or supplements.
type MultiPending struct {
	Items     []*MultiItem
	CreatedAt time.Time
	Timeout   time.Duration
}

// Expired reports whether the batch has outlived its timeout at now.
func (m *MultiPending) Expired(now time.Time) bool {
	return now.Sub(m.CreatedAt) > m.Timeout
}

// TotalAmount sums the amount of complete items only.
func (m *MultiPending) TotalAmount() float64 {
	total := 0.0
	for _, it := range m.Items {
		if !it.Complete() {
			continue
		}
		if f, ok := action.Number(it.Params["amount"]); ok {
			total += f
		}
	}
	return total
}

// ConfirmLevel is the strictest tier an item asked for. A batch held only
// by its own rules asks at the standard tier.
func (m *MultiPending) ConfirmLevel() safety.Level {
	level := safety.LevelNone
	for _, it := range m.Items {
		level = max(level, it.ConfirmLevel)
	}
	if level == safety.LevelNone {
		return safety.LevelStandard
	}
	return level
}

// AllComplete reports whether every item can run.
func (m *MultiPending) AllComplete() bool {
	for _, it := range m.Items {
		if !it.Complete() {
			return false
		}
	}
	return true
}

// Timeout event types.
const (
	TimeoutSingle = "single"
	TimeoutMulti  = "multi"
)

// TimeoutEvent describes a pending request that expired.
type TimeoutEvent struct {
	Type     string         `json:"type"`
	ActionID string         `json:"action_id,omitempty"`
	Message  string         `json:"message"`
	Params   map[string]any `json:"params,omitempty"`
}

// Kind classifies an Outcome.
type Kind string

const (
	KindExecuted         Kind = "executed"
	KindFailed           Kind = "failed"
	KindNeedParams       Kind = "need_params"
	KindNeedConfirmation Kind = "need_confirmation"
	KindBlocked          Kind = "blocked"
	KindUnsupported      Kind = "unsupported"
	KindInvalidParams    Kind = "invalid_params"
	KindCancelled        Kind = "cancelled"
	KindBatch            Kind = "batch"
	KindNoAction         Kind = "no_action"
	KindNothingPending   Kind = "nothing_pending"
)

// ItemOutcome reports one batch item.
type ItemOutcome struct {
	ActionID string   `json:"action_id"`
	Message  string   `json:"message"`
	Success  bool     `json:"success"`
	Skipped  bool     `json:"skipped,omitempty"`
	Missing  []string `json:"missing,omitempty"`
}

// Outcome is the reply of one executor call.
type Outcome struct {
	Kind          Kind           `json:"kind"`
	Message       string         `json:"message"`
	ActionID      string         `json:"action_id,omitempty"`
	Result        *action.Result `json:"result,omitempty"`
	Missing       []string       `json:"missing,omitempty"`
	Invalid       []string       `json:"invalid,omitempty"`
	ConfirmLevel  safety.Level   `json:"confirm_level,omitempty"`
	RedirectRoute string         `json:"redirect_route,omitempty"`
	SuccessCount  int            `json:"success_count,omitempty"`
	FailCount     int            `json:"fail_count,omitempty"`
	Items         []ItemOutcome  `json:"items,omitempty"`
	Err           error          `json:"-"`
}

// Pending reports whether the outcome left the executor waiting on the user.
func (o Outcome) Pending() bool {
	return o.Kind == KindNeedParams || o.Kind == KindNeedConfirmation
}
