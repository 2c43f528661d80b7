// Package executor turns classified intents into executions, follow-up
// questions, confirmations or refusals. An Executor holds the state of one
// conversation and must not be shared between concurrent turns.
package executor

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/rs/zerolog"

	"github.com/metalagman/tally/internal/action"
	"github.com/metalagman/tally/internal/logging"
	"github.com/metalagman/tally/internal/metrics"
	"github.com/metalagman/tally/internal/model"
	"github.com/metalagman/tally/internal/safety"
)

// ReplyMatcher recognises bare confirmation and cancellation phrases. It
// returns model.CategoryConfirm, model.CategoryCancel or "".
type ReplyMatcher interface {
	MatchReply(text string) string
}

// Reply is the classification of an answer to a confirmation prompt.
type Reply int

const (
	ReplyOther Reply = iota
	ReplyConfirm
	ReplyCancel
)

// Config holds executor policy.
type Config struct {
	PendingTimeout       time.Duration `json:"pending_timeout" mapstructure:"pending_timeout"`
	MultiTimeout         time.Duration `json:"multi_timeout" mapstructure:"multi_timeout"`
	BatchConfirmAmount   float64       `json:"batch_confirm_amount" mapstructure:"batch_confirm_amount"`
	MaxAmount            float64       `json:"max_amount" mapstructure:"max_amount"`
	MaxStringLen         int           `json:"max_string_len" mapstructure:"max_string_len"`
	NewCommandConfidence float64       `json:"new_command_confidence" mapstructure:"new_command_confidence"`
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		PendingTimeout:       60 * time.Second,
		MultiTimeout:         120 * time.Second,
		BatchConfirmAmount:   500,
		MaxAmount:            10_000_000,
		MaxStringLen:         200,
		NewCommandConfidence: 0.6,
	}
}

// Executor is the per-conversation confirmation state machine.
type Executor struct {
	registry  *action.Registry
	replies   ReplyMatcher
	cfg       Config
	now       func() time.Time
	onTimeout func(TimeoutEvent)
	log       zerolog.Logger

	state   State
	pending *PendingAction
	multi   *MultiPending
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithTimeoutHook receives one event per expired pending request.
func WithTimeoutHook(fn func(TimeoutEvent)) Option {
	return func(e *Executor) { e.onTimeout = fn }
}

// New builds an Executor over registry.
func New(registry *action.Registry, replies ReplyMatcher, cfg Config, opts ...Option) *Executor {
	def := DefaultConfig()
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = def.PendingTimeout
	}
	if cfg.MultiTimeout <= 0 {
		cfg.MultiTimeout = def.MultiTimeout
	}
	if cfg.MaxAmount <= 0 {
		cfg.MaxAmount = def.MaxAmount
	}
	if cfg.MaxStringLen <= 0 {
		cfg.MaxStringLen = def.MaxStringLen
	}
	e := &Executor{
		registry: registry,
		replies:  replies,
		cfg:      cfg,
		now:      time.Now,
		log:      logging.Component("executor"),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State reports the current conversational state.
func (e *Executor) State() State {
	return e.state
}

// HasPending expires stale state, then reports whether a pending request
// will capture the next utterance.
func (e *Executor) HasPending() bool {
	e.expire()
	return e.pending != nil || e.multi != nil
}

// Pending returns the live single-intent pending action, if any.
func (e *Executor) Pending() *PendingAction {
	return e.pending
}

// Multi returns the live batch, if any.
func (e *Executor) Multi() *MultiPending {
	return e.multi
}

// Execute handles one classified utterance. Identical completed intents
// execute again on every call: there is no deduplication.
func (e *Executor) Execute(ctx context.Context, intent model.IntentResult) Outcome {
	e.expire()
	var out Outcome
	switch {
	case e.multi != nil:
		out = e.continueMulti(ctx, intent)
	case e.pending != nil && e.pending.WaitingForParams():
		out = e.completeParams(ctx, intent)
	case e.pending != nil:
		out = e.handleConfirmation(ctx, intent)
	default:
		out = e.startNew(ctx, intent)
	}
	metrics.RecordOutcome(string(out.Kind))
	e.log.Debug().Str("kind", string(out.Kind)).Str("action", out.ActionID).
		Str("state", string(e.state)).Msg("executed intent")
	return out
}

// Cancel drops any pending request.
func (e *Executor) Cancel() Outcome {
	if e.pending == nil && e.multi == nil {
		return Outcome{Kind: KindNothingPending, Message: "当前没有待处理的操作。", Err: ErrNothingPending}
	}
	id := ""
	if e.pending != nil {
		id = e.pending.Action.Spec().ID
	}
	e.clear(StateIdle)
	return Outcome{Kind: KindCancelled, Message: "好的，已取消。", ActionID: id}
}

// ConfirmOnScreen completes a pending confirmation through a non-voice
// channel. It is the only way to satisfy a strict confirmation.
func (e *Executor) ConfirmOnScreen(ctx context.Context) Outcome {
	e.expire()
	switch {
	case e.multi != nil:
		return e.confirmMulti(ctx, safety.LevelStrict)
	case e.pending != nil && e.pending.WaitingForConfirmation():
		p := e.pending
		if p.ConfirmLevel == safety.LevelVoiceProhibited {
			e.clear(StateFailed)
			return e.blocked(p.Action.Spec().ID, "该操作需要在设置页面完成。", p.RedirectRoute, p.ConfirmLevel)
		}
		e.clear(StateIdle)
		return e.run(ctx, p.Action, p.Params, p.RawInput, true)
	default:
		return Outcome{Kind: KindNothingPending, Message: "当前没有需要确认的操作。", Err: ErrNothingPending}
	}
}

// ClassifyReply decides whether an utterance confirms, cancels or neither.
// The classifier's own category is trusted; otherwise the raw text must be
// exactly a confirmation or cancellation phrase.
func (e *Executor) ClassifyReply(intent model.IntentResult) Reply {
	switch intent.Category {
	case model.CategoryConfirm:
		return ReplyConfirm
	case model.CategoryCancel:
		return ReplyCancel
	}
	if e.replies == nil {
		return ReplyOther
	}
	switch e.replies.MatchReply(intent.RawInput) {
	case model.CategoryConfirm:
		return ReplyConfirm
	case model.CategoryCancel:
		return ReplyCancel
	}
	return ReplyOther
}

func (e *Executor) expire() {
	now := e.now()
	if e.pending != nil && e.pending.Expired(now) {
		p := e.pending
		e.clear(StateIdle)
		spec := p.Action.Spec()
		e.fire(TimeoutEvent{
			Type:     TimeoutSingle,
			ActionID: spec.ID,
			Message:  fmt.Sprintf("刚才的%s请求已超时，请重新说一遍。", spec.Name),
			Params:   maps.Clone(p.Params),
		})
	}
	if e.multi != nil && e.multi.Expired(now) {
		n := len(e.multi.Items)
		e.clear(StateIdle)
		e.fire(TimeoutEvent{
			Type:    TimeoutMulti,
			Message: fmt.Sprintf("刚才的%d项操作已超时，请重新说一遍。", n),
		})
	}
}

func (e *Executor) fire(ev TimeoutEvent) {
	e.log.Info().Str("type", ev.Type).Str("action", ev.ActionID).Msg("pending request expired")
	if e.onTimeout != nil {
		e.onTimeout(ev)
	}
}

func (e *Executor) clear(next State) {
	e.pending = nil
	e.multi = nil
	e.state = next
}

func (e *Executor) startNew(ctx context.Context, intent model.IntentResult) Outcome {
	if intent.RouteType == model.RouteChat {
		return Outcome{Kind: KindNoAction, Message: intent.ChatResponse}
	}
	a, ok := e.registry.Resolve(intent.Category, intent.Action, intent.RawInput)
	if !ok {
		return Outcome{
			Kind:    KindUnsupported,
			Message: "抱歉，我还不支持这个操作，换个说法试试？",
			Err:     ErrUnsupported,
		}
	}
	spec := a.Spec()
	params := action.Normalize(spec, intent.Entities)

	v := action.ValidateParams(spec, params)
	if len(v.Invalid) > 0 {
		e.state = StateFailed
		return Outcome{
			Kind:     KindInvalidParams,
			ActionID: spec.ID,
			Message:  fmt.Sprintf("%s的格式不正确，请换个说法再试一次。", labels(spec, v.Invalid)),
			Invalid:  v.Invalid,
			Err:      fmt.Errorf("%s: %w", spec.ID, ErrInvalidParameters),
		}
	}
	if len(v.Missing) > 0 {
		return e.askParams(a, params, v.Missing, intent.RawInput)
	}
	return e.gateAndRun(ctx, a, params, intent.RawInput)
}

func (e *Executor) askParams(a action.Action, params map[string]any, missing []string, raw string) Outcome {
	spec := a.Spec()
	p, err := NewParamsPending(a, params, missing, raw, e.now(), e.cfg.PendingTimeout)
	if err != nil {
		return e.failed(spec.ID, err)
	}
	e.pending = p
	e.state = StateWaitingForParams
	return Outcome{
		Kind:     KindNeedParams,
		ActionID: spec.ID,
		Message:  action.MissingParamPrompt(spec, missing),
		Missing:  p.Missing,
		Err:      fmt.Errorf("%s: %w", spec.ID, ErrMissingParameters),
	}
}

func (e *Executor) askConfirmation(a action.Action, params map[string]any, level safety.Level, prompt, raw string) Outcome {
	spec := a.Spec()
	p, err := NewConfirmPending(a, params, level, prompt, raw, e.now(), e.cfg.PendingTimeout)
	if err != nil {
		return e.failed(spec.ID, err)
	}
	e.pending = p
	e.state = StateWaitingForConfirmation
	return Outcome{
		Kind:         KindNeedConfirmation,
		ActionID:     spec.ID,
		Message:      prompt,
		ConfirmLevel: p.ConfirmLevel,
		Err:          fmt.Errorf("%s: %w", spec.ID, ErrConfirmationRequired),
	}
}

func (e *Executor) gateAndRun(ctx context.Context, a action.Action, params map[string]any, raw string) Outcome {
	spec := a.Spec()
	if spec.DemandsConfirmation(params) {
		prompt := fmt.Sprintf("即将执行%s，确认吗？", describe(spec, action.ApplyDefaults(spec, params)))
		return e.askConfirmation(a, params, safety.LevelStandard, prompt, raw)
	}
	return e.run(ctx, a, params, raw, false)
}

func (e *Executor) invoke(ctx context.Context, a action.Action, params map[string]any, raw string, skip bool) (action.Result, error) {
	spec := a.Spec()
	return a.Execute(ctx, action.Request{
		Params:           action.ApplyDefaults(spec, params),
		SkipConfirmation: skip,
		RawInput:         raw,
	})
}

func (e *Executor) run(ctx context.Context, a action.Action, params map[string]any, raw string, skip bool) Outcome {
	spec := a.Spec()
	e.state = StateExecuting
	res, err := e.invoke(ctx, a, params, raw, skip)
	if err != nil {
		e.clear(StateFailed)
		return e.failed(spec.ID, err)
	}
	switch {
	case res.Blocked:
		e.clear(StateFailed)
		msg := res.Message
		if msg == "" {
			msg = res.BlockReason
		}
		out := e.blocked(spec.ID, msg, res.RedirectRoute, res.ConfirmLevel)
		out.Result = &res
		return out
	case res.NeedsConfirmation:
		prompt := res.ConfirmationPrompt
		if prompt == "" {
			prompt = res.Message
		}
		if prompt == "" {
			prompt = fmt.Sprintf("确认%s吗？", describe(spec, params))
		}
		out := e.askConfirmation(a, bind(params, res.Bound), res.ConfirmLevel, prompt, raw)
		if e.pending != nil {
			e.pending.RedirectRoute = res.RedirectRoute
			out.RedirectRoute = res.RedirectRoute
		}
		out.Result = &res
		return out
	case !res.Success:
		e.clear(StateFailed)
		msg := res.Message
		if msg == "" {
			msg = spec.Name + "没有成功，请稍后再试。"
		}
		return Outcome{
			Kind:     KindFailed,
			ActionID: spec.ID,
			Message:  msg,
			Result:   &res,
			Err:      fmt.Errorf("%s: %w", spec.ID, ErrExecutionFailed),
		}
	default:
		e.clear(StateCompleted)
		return Outcome{Kind: KindExecuted, ActionID: spec.ID, Message: res.Message, Result: &res}
	}
}

// bind returns params with the values an action pinned before asking for
// confirmation.
func bind(params, bound map[string]any) map[string]any {
	if len(bound) == 0 {
		return params
	}
	out := maps.Clone(params)
	if out == nil {
		out = make(map[string]any, len(bound))
	}
	maps.Copy(out, bound)
	return out
}

func (e *Executor) failed(id string, err error) Outcome {
	e.log.Warn().Err(err).Str("action", id).Msg("action failed")
	return Outcome{
		Kind:     KindFailed,
		ActionID: id,
		Message:  "操作失败了，请稍后再试。",
		Err:      fmt.Errorf("%s: %w: %w", id, ErrExecutionFailed, err),
	}
}

func (e *Executor) blocked(id, msg, route string, level safety.Level) Outcome {
	if msg == "" {
		msg = "这个操作不能通过语音完成。"
	}
	return Outcome{
		Kind:          KindBlocked,
		ActionID:      id,
		Message:       msg,
		RedirectRoute: route,
		ConfirmLevel:  level,
		Err:           fmt.Errorf("%s: %w", id, ErrBlocked),
	}
}

func (e *Executor) completeParams(ctx context.Context, intent model.IntentResult) Outcome {
	p := e.pending
	spec := p.Action.Spec()

	if e.ClassifyReply(intent) == ReplyCancel {
		e.clear(StateIdle)
		return Outcome{Kind: KindCancelled, ActionID: spec.ID, Message: "好的，已取消。"}
	}
	if e.IsNewCommand(p, intent) {
		e.log.Debug().Str("pending", spec.ID).Str("intent", intent.IntentID()).Msg("abandoning pending action for new command")
		e.clear(StateIdle)
		return e.startNew(ctx, intent)
	}

	supplied := e.supplement(spec, p.Missing, intent)
	if len(supplied) == 0 {
		return Outcome{
			Kind:     KindNeedParams,
			ActionID: spec.ID,
			Message:  action.MissingParamPrompt(spec, p.Missing),
			Missing:  p.Missing,
			Err:      fmt.Errorf("%s: %w", spec.ID, ErrMissingParameters),
		}
	}

	merged := maps.Clone(p.Params)
	if merged == nil {
		merged = make(map[string]any)
	}
	maps.Copy(merged, supplied)
	v := action.ValidateParams(spec, merged)
	if len(v.Invalid) > 0 {
		e.clear(StateFailed)
		return Outcome{
			Kind:     KindInvalidParams,
			ActionID: spec.ID,
			Message:  fmt.Sprintf("%s的格式不正确，请换个说法再试一次。", labels(spec, v.Invalid)),
			Invalid:  v.Invalid,
			Err:      fmt.Errorf("%s: %w", spec.ID, ErrInvalidParameters),
		}
	}
	if len(v.Missing) > 0 {
		return e.askParams(p.Action, merged, v.Missing, p.RawInput)
	}
	e.clear(StateIdle)
	return e.gateAndRun(ctx, p.Action, merged, p.RawInput)
}

func (e *Executor) handleConfirmation(ctx context.Context, intent model.IntentResult) Outcome {
	p := e.pending
	spec := p.Action.Spec()

	switch e.ClassifyReply(intent) {
	case ReplyConfirm:
		switch {
		case p.ConfirmLevel == safety.LevelVoiceProhibited:
			e.clear(StateFailed)
			return e.blocked(spec.ID, "这个操作不支持语音确认，请到设置页面完成。", p.RedirectRoute, p.ConfirmLevel)
		case p.ConfirmLevel >= safety.LevelStrict:
			return Outcome{
				Kind:         KindNeedConfirmation,
				ActionID:     spec.ID,
				Message:       p.ConfirmationMessage + "（此操作需要在屏幕上点击确认）",
				ConfirmLevel:  p.ConfirmLevel,
				RedirectRoute: p.RedirectRoute,
				Err:           fmt.Errorf("%s: %w", spec.ID, ErrConfirmationRequired),
			}
		}
		e.clear(StateIdle)
		return e.run(ctx, p.Action, p.Params, p.RawInput, true)
	case ReplyCancel:
		e.clear(StateIdle)
		return Outcome{Kind: KindCancelled, ActionID: spec.ID, Message: "好的，已取消。"}
	default:
		e.clear(StateIdle)
		return e.startNew(ctx, intent)
	}
}
