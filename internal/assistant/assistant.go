// Package assistant runs conversational turns: it decomposes utterances,
// answers small talk, drives the executor and hands hybrid work to the
// background queue.
package assistant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/metalagman/tally/internal/action"
	"github.com/metalagman/tally/internal/executor"
	"github.com/metalagman/tally/internal/logging"
	"github.com/metalagman/tally/internal/model"
	"github.com/metalagman/tally/internal/queue"
	"github.com/metalagman/tally/internal/safety"
)

// Router classifies utterances.
type Router interface {
	Route(ctx context.Context, input, contextSummary string) model.IntentResult
	Decompose(ctx context.Context, input, contextSummary string) model.Decomposed
}

// Preparer is warned that a user interaction is starting.
type Preparer interface {
	PrepareForInteraction()
}

// Queue accepts background work and streams its results.
type Queue interface {
	EnqueueAll(intents []model.ActionIntent) ([]queue.Task, error)
	Subscribe() (<-chan queue.ExecutionResult, func())
}

// Kind classifies a Reply.
type Kind string

const (
	KindChat     Kind = "chat"
	KindAction   Kind = "action"
	KindHybrid   Kind = "hybrid"
	KindBatch    Kind = "batch"
	KindFallback Kind = "fallback"
)

// Reply is the assistant's answer to one turn.
type Reply struct {
	Text          string            `json:"text"`
	Kind          Kind              `json:"kind"`
	Emotion       string            `json:"emotion,omitempty"`
	Outcome       *executor.Outcome `json:"outcome,omitempty"`
	Queued        []queue.Task      `json:"queued,omitempty"`
	Pending       bool              `json:"pending"`
	ConfirmLevel  safety.Level      `json:"confirm_level,omitempty"`
	RedirectRoute string            `json:"redirect_route,omitempty"`
}

const (
	fallbackText = "抱歉，我没听懂，可以换个说法吗？"
	emptyText    = "我没听清，请再说一遍。"
	historyTurns = 6
)

// Config wires an Assistant.
type Config struct {
	Router          Router
	Registry        *action.Registry
	Replies         executor.ReplyMatcher
	Executor        executor.Config
	ExecutorOptions []executor.Option
	Queue           Queue
	Network         Preparer
	SweepInterval   time.Duration
}

type turn struct {
	user, assistant string
}

// Assistant holds one conversation. Turns are serialized.
type Assistant struct {
	router  Router
	queue   Queue
	network Preparer
	sweep   time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	exec    *executor.Executor
	history []turn

	notes *broadcaster
}

// New builds an Assistant and its executor.
func New(cfg Config) *Assistant {
	a := &Assistant{
		router:  cfg.Router,
		queue:   cfg.Queue,
		network: cfg.Network,
		sweep:   cfg.SweepInterval,
		log:     logging.Component("assistant"),
		notes:   newBroadcaster(),
	}
	if a.sweep <= 0 {
		a.sweep = time.Second
	}
	opts := append([]executor.Option{executor.WithTimeoutHook(a.onTimeout)}, cfg.ExecutorOptions...)
	a.exec = executor.New(cfg.Registry, cfg.Replies, cfg.Executor, opts...)
	return a
}

// HandleTurn answers one utterance.
func (a *Assistant) HandleTurn(ctx context.Context, utterance string) Reply {
	a.mu.Lock()
	defer a.mu.Unlock()

	text := strings.TrimSpace(utterance)
	if text == "" {
		return Reply{Text: emptyText, Kind: KindFallback}
	}
	if a.network != nil {
		a.network.PrepareForInteraction()
	}
	summary := a.summaryLocked()

	var reply Reply
	if a.exec.HasPending() {
		intent := a.router.Route(ctx, text, summary)
		reply = fromOutcome(a.exec.Execute(ctx, intent))
	} else {
		reply = a.fresh(ctx, text, summary)
	}
	a.rememberLocked(text, reply.Text)
	a.log.Debug().Str("kind", string(reply.Kind)).Bool("pending", reply.Pending).Msg("turn handled")
	return reply
}

func (a *Assistant) fresh(ctx context.Context, text, summary string) Reply {
	d := a.router.Decompose(ctx, text, summary)
	switch {
	case len(d.Actions) == 0:
		return chatReply(d.Chat)
	case d.IsHybrid() && a.queue != nil:
		tasks, err := a.queue.EnqueueAll(d.Actions)
		if err != nil {
			a.log.Warn().Err(err).Msg("queue unavailable, running actions inline")
			break
		}
		return Reply{
			Text:    fmt.Sprintf("%s（已在后台处理%d项操作）", d.Chat.ChatResponse, len(tasks)),
			Kind:    KindHybrid,
			Emotion: d.Chat.Emotion,
			Queued:  tasks,
		}
	}

	if len(d.Actions) == 1 {
		src := model.SourceRule
		if d.Chat != nil {
			src = d.Chat.Source
		}
		return fromOutcome(a.exec.Execute(ctx, d.Actions[0].AsResult(src)))
	}
	return fromOutcome(a.exec.ExecuteMulti(ctx, d.Actions))
}

func chatReply(chat *model.IntentResult) Reply {
	if chat == nil || strings.TrimSpace(chat.ChatResponse) == "" {
		return Reply{Text: fallbackText, Kind: KindFallback}
	}
	return Reply{Text: chat.ChatResponse, Kind: KindChat, Emotion: chat.Emotion}
}

func fromOutcome(out executor.Outcome) Reply {
	r := Reply{
		Text:          out.Message,
		Kind:          KindAction,
		Outcome:       &out,
		Pending:       out.Pending(),
		ConfirmLevel:  out.ConfirmLevel,
		RedirectRoute: out.RedirectRoute,
	}
	switch out.Kind {
	case executor.KindBatch:
		r.Kind = KindBatch
	case executor.KindNoAction:
		r.Kind = KindChat
		if r.Text == "" {
			r.Text = fallbackText
			r.Kind = KindFallback
		}
	}
	if r.Text == "" {
		r.Text = "好的。"
	}
	return r
}

// ConfirmOnScreen satisfies the pending confirmation through the screen.
func (a *Assistant) ConfirmOnScreen(ctx context.Context) Reply {
	a.mu.Lock()
	defer a.mu.Unlock()
	reply := fromOutcome(a.exec.ConfirmOnScreen(ctx))
	a.rememberLocked("（屏幕确认）", reply.Text)
	return reply
}

// Cancel drops whatever the conversation is waiting for.
func (a *Assistant) Cancel() Reply {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fromOutcome(a.exec.Cancel())
}

// Pending reports the executor state and whether it awaits the user.
func (a *Assistant) Pending() (executor.State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pending := a.exec.HasPending()
	return a.exec.State(), pending
}

// ExpirePending drops stale pending state, firing timeout notifications.
func (a *Assistant) ExpirePending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exec.HasPending()
}

// Start forwards background results as notifications and sweeps expired
// pending state until stop is called. The queue subscription is live when
// Start returns.
func (a *Assistant) Start(ctx context.Context) (stop func()) {
	var results <-chan queue.ExecutionResult
	unsubscribe := func() {}
	if a.queue != nil {
		results, unsubscribe = a.queue.Subscribe()
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsubscribe()
		a.loop(ctx, results)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (a *Assistant) loop(ctx context.Context, results <-chan queue.ExecutionResult) {
	ticker := time.NewTicker(a.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.ExpirePending()
		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			a.log.Debug().Str("task", r.TaskID).Str("status", string(r.Status)).Msg("background task finished")
			a.notes.publish(taskNotification(r))
		}
	}
}

// Subscribe streams notifications until the returned function is called.
func (a *Assistant) Subscribe() (<-chan Notification, func()) {
	return a.notes.subscribe()
}

func (a *Assistant) onTimeout(ev executor.TimeoutEvent) {
	a.notes.publish(Notification{Kind: NotifyTimeout, Text: ev.Message, Timeout: &ev, At: time.Now()})
}

// Summary renders the recent turns for the language model.
func (a *Assistant) Summary() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summaryLocked()
}

func (a *Assistant) summaryLocked() string {
	var b strings.Builder
	for _, t := range a.history {
		fmt.Fprintf(&b, "用户：%s\n助手：%s\n", t.user, t.assistant)
	}
	return b.String()
}

func (a *Assistant) rememberLocked(user, reply string) {
	a.history = append(a.history, turn{user: user, assistant: reply})
	if len(a.history) > historyTurns {
		a.history = append([]turn(nil), a.history[len(a.history)-historyTurns:]...)
	}
}
