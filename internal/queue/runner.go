package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/metalagman/tally/internal/action"
	"github.com/metalagman/tally/internal/executor"
	"github.com/metalagman/tally/internal/model"
)

// ActionRunner executes intents against a registry with no dialogue.
// Anything that would need a follow-up question fails permanently.
type ActionRunner struct {
	registry *action.Registry
}

func NewActionRunner(registry *action.Registry) *ActionRunner {
	return &ActionRunner{registry: registry}
}

// Run implements Runner.
func (r *ActionRunner) Run(ctx context.Context, intent model.ActionIntent) (action.Result, error) {
	a, ok := r.registry.Resolve(intent.Category, intent.Action, intent.OriginalText)
	if !ok {
		return action.Failed("抱歉，我还不支持这个操作。"),
			Permanent(fmt.Errorf("resolve %s: %w", intent.IntentID(), executor.ErrUnsupported))
	}
	spec := a.Spec()
	params := action.Normalize(spec, intent.Entities)

	v := action.ValidateParams(spec, params)
	if len(v.Invalid) > 0 {
		return action.Failed(spec.Name + "的参数格式不正确。"),
			Permanent(fmt.Errorf("%s: %w: %s", spec.ID, executor.ErrInvalidParameters, strings.Join(v.Invalid, ",")))
	}
	if len(v.Missing) > 0 {
		return action.Failed(action.MissingParamPrompt(spec, v.Missing)),
			Permanent(fmt.Errorf("%s: %w: %s", spec.ID, executor.ErrMissingParameters, strings.Join(v.Missing, ",")))
	}
	if spec.DemandsConfirmation(params) {
		return action.Failed(spec.Name + "需要确认，请直接对我说。"),
			Permanent(fmt.Errorf("%s: %w", spec.ID, executor.ErrConfirmationRequired))
	}

	res, err := a.Execute(ctx, action.Request{
		Params:   action.ApplyDefaults(spec, params),
		RawInput: intent.OriginalText,
	})
	if err != nil {
		return res, fmt.Errorf("execute %s: %w", spec.ID, err)
	}
	switch {
	case res.Blocked:
		return res, Permanent(fmt.Errorf("%s: %w", spec.ID, executor.ErrBlocked))
	case res.NeedsConfirmation:
		res.Success = false
		return res, Permanent(fmt.Errorf("%s: %w", spec.ID, executor.ErrConfirmationRequired))
	}
	return res, nil
}
