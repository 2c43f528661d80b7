// Package action defines the contract every executable operation implements
// and the registry that resolves intents to operations.
package action

import (
	"context"

	"github.com/metalagman/tally/internal/safety"
)

// ParamType is the declared type of an action parameter.
type ParamType string

const (
	TypeNumber   ParamType = "number"
	TypeString   ParamType = "string"
	TypeBoolean  ParamType = "boolean"
	TypeDatetime ParamType = "datetime"
	TypeList     ParamType = "list"
	TypeMap      ParamType = "map"
)

// Param declares one parameter of an action.
type Param struct {
	Name        string
	Type        ParamType
	Required    bool
	Default     any
	Pattern     string
	Label       string
	Description string
	// Hidden params are never echoed back in prompts.
	Hidden bool
}

// Spec is the static description of an action.
type Spec struct {
	ID                    string
	Name                  string
	Description           string
	Triggers              []string
	Required              []Param
	Optional              []Param
	RequiresConfirmation  bool
	ConfirmationThreshold float64
}

// Params returns required then optional parameters.
func (s Spec) Params() []Param {
	out := make([]Param, 0, len(s.Required)+len(s.Optional))
	for _, p := range s.Required {
		p.Required = true
		out = append(out, p)
	}
	for _, p := range s.Optional {
		p.Required = false
		out = append(out, p)
	}
	return out
}

// Param looks up a declared parameter by name.
func (s Spec) Param(name string) (Param, bool) {
	for _, p := range s.Params() {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// DemandsConfirmation applies the declared confirmation flag and the
// amount threshold to params.
func (s Spec) DemandsConfirmation(params map[string]any) bool {
	if s.RequiresConfirmation {
		return true
	}
	if s.ConfirmationThreshold > 0 {
		if f, ok := Number(params["amount"]); ok && f >= s.ConfirmationThreshold {
			return true
		}
	}
	return false
}

// Category is the namespace prefix of the action id.
func (s Spec) Category() string {
	for i := 0; i < len(s.ID); i++ {
		if s.ID[i] == '.' {
			return s.ID[:i]
		}
	}
	return s.ID
}

// Request is one invocation of an action.
type Request struct {
	Params           map[string]any
	SkipConfirmation bool
	RawInput         string
}

// Result is what an action returns. NeedsConfirmation and Blocked results
// mean the side effect has not happened.
type Result struct {
	Success            bool           `json:"success"`
	Message            string         `json:"message"`
	Data               map[string]any `json:"data,omitempty"`
	NeedsConfirmation  bool           `json:"needs_confirmation,omitempty"`
	ConfirmLevel       safety.Level   `json:"confirm_level,omitempty"`
	ConfirmationPrompt string         `json:"confirmation_prompt,omitempty"`
	Blocked            bool           `json:"blocked,omitempty"`
	BlockReason        string         `json:"block_reason,omitempty"`
	RedirectRoute      string         `json:"redirect_route,omitempty"`
	// Bound pins a confirmation to what was graded. The executor merges it
	// into the params of the confirmed call.
	Bound map[string]any `json:"bound,omitempty"`
}

// Succeeded builds a successful result.
func Succeeded(message string, data map[string]any) Result {
	return Result{Success: true, Message: message, Data: data}
}

// Failed builds a failed result.
func Failed(message string) Result {
	return Result{Message: message}
}

// NeedConfirmation builds a result asking for confirmation at level.
func NeedConfirmation(level safety.Level, prompt string) Result {
	return Result{NeedsConfirmation: true, ConfirmLevel: level, ConfirmationPrompt: prompt, Message: prompt}
}

// FromSafety converts a safety classification into a result. ok is false
// when the operation may proceed without asking.
func FromSafety(c safety.Result) (Result, bool) {
	switch {
	case c.IsBlocked:
		return Result{
			Blocked:       true,
			BlockReason:   c.BlockReason,
			RedirectRoute: c.RedirectRoute,
			ConfirmLevel:  c.Level,
			Message:       c.Prompt,
		}, true
	case c.NeedsConfirmation():
		r := NeedConfirmation(c.Level, c.Prompt)
		r.RedirectRoute = c.RedirectRoute
		return r, true
	default:
		return Result{}, false
	}
}

// Action is an executable operation.
type Action interface {
	Spec() Spec
	Execute(ctx context.Context, req Request) (Result, error)
}

// ExecuteFunc is the body of an action built with Func.
type ExecuteFunc func(ctx context.Context, req Request) (Result, error)

type funcAction struct {
	spec Spec
	fn   ExecuteFunc
}

// Func adapts a function to the Action interface.
func Func(spec Spec, fn ExecuteFunc) Action {
	return &funcAction{spec: spec, fn: fn}
}

func (a *funcAction) Spec() Spec { return a.spec }

func (a *funcAction) Execute(ctx context.Context, req Request) (Result, error) {
	return a.fn(ctx, req)
}
