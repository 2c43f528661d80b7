// Package queue runs action intents in the background with bounded
// concurrency, priority ordering and bounded retries.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/metalagman/tally/internal/action"
	"github.com/metalagman/tally/internal/logging"
	"github.com/metalagman/tally/internal/metrics"
	"github.com/metalagman/tally/internal/model"
)

// Runner executes one intent without dialogue.
type Runner interface {
	Run(ctx context.Context, intent model.ActionIntent) (action.Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, intent model.ActionIntent) (action.Result, error)

func (f RunnerFunc) Run(ctx context.Context, intent model.ActionIntent) (action.Result, error) {
	return f(ctx, intent)
}

// Journal persists tasks that reached a terminal state.
type Journal interface {
	RecordTask(ctx context.Context, t Task) error
}

// Config controls queue capacity and retry policy.
type Config struct {
	Concurrency int           `json:"concurrency" mapstructure:"concurrency"`
	MaxRetries  int           `json:"max_retries" mapstructure:"max_retries"`
	HistorySize int           `json:"history_size" mapstructure:"history_size"`
	TaskTimeout time.Duration `json:"task_timeout" mapstructure:"task_timeout"`
}

// DefaultConfig returns the stock queue policy.
func DefaultConfig() Config {
	return Config{
		Concurrency: 3,
		MaxRetries:  2,
		HistorySize: 20,
		TaskTimeout: 30 * time.Second,
	}
}

const subscriberBuffer = 16

// Queue is a priority FIFO of background tasks. Lower priority values run
// first; equal priorities run in arrival order and retries go to the tail.
type Queue struct {
	runner  Runner
	cfg     Config
	journal Journal
	now     func() time.Time
	log     zerolog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	seq     uint64
	pending []*Task
	running map[string]*Task
	history []Task
	subs    map[int]chan ExecutionResult
	nextSub int
	closed  bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithJournal persists terminal tasks to j.
func WithJournal(j Journal) Option {
	return func(q *Queue) { q.journal = j }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New builds a Queue executing tasks through runner.
func New(runner Runner, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		runner:  runner,
		cfg:     cfg,
		now:     time.Now,
		log:     logging.Component("queue"),
		baseCtx: ctx,
		stop:    cancel,
		running: make(map[string]*Task),
		subs:    make(map[int]chan ExecutionResult),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds one intent and starts it if a slot is free.
func (q *Queue) Enqueue(intent model.ActionIntent) (Task, error) {
	tasks, err := q.EnqueueAll([]model.ActionIntent{intent})
	if err != nil {
		return Task{}, err
	}
	return tasks[0], nil
}

// EnqueueAll adds intents in order and drains once.
func (q *Queue) EnqueueAll(intents []model.ActionIntent) ([]Task, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	out := make([]Task, 0, len(intents))
	for _, in := range intents {
		t := &Task{
			ID:         uuid.NewString(),
			Intent:     in,
			Status:     StatusPending,
			CreatedAt:  q.now(),
			MaxRetries: q.cfg.MaxRetries,
		}
		q.push(t)
		out = append(out, *t)
		metrics.RecordTask(string(StatusPending))
		q.log.Debug().Str("task", t.ID).Str("intent", in.IntentID()).Int("priority", in.Priority).Msg("task enqueued")
	}
	q.drainLocked()
	q.mu.Unlock()
	return out, nil
}

// push inserts t after every pending task of the same or lower priority value.
func (q *Queue) push(t *Task) {
	q.seq++
	t.seq = q.seq
	i := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Intent.Priority > t.Intent.Priority
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = t
}

func (q *Queue) drainLocked() {
	for !q.closed && len(q.running) < q.cfg.Concurrency && len(q.pending) > 0 {
		t := q.pending[0]
		q.pending = q.pending[1:]
		t.Status = StatusRunning
		t.StartedAt = q.now()
		q.running[t.ID] = t
		metrics.RecordTask(string(StatusRunning))
		metrics.QueueRunning.Set(float64(len(q.running)))

		snapshot := *t
		q.wg.Add(1)
		go q.execute(snapshot)
	}
}

func (q *Queue) execute(t Task) {
	defer q.wg.Done()

	ctx := q.baseCtx
	if q.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.TaskTimeout)
		defer cancel()
	}
	res, err := q.run(ctx, t.Intent)
	if err == nil && !res.Success {
		msg := res.Message
		if msg == "" {
			msg = "action reported failure"
		}
		err = fmt.Errorf("run %s: %s", t.Intent.IntentID(), msg)
	}

	q.mu.Lock()
	live, ok := q.running[t.ID]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.running, t.ID)
	metrics.QueueRunning.Set(float64(len(q.running)))
	live.Result = &res

	var done *Task
	switch {
	case err == nil:
		live.Status = StatusCompleted
		live.CompletedAt = q.now()
		live.LastError = ""
		done = live
	default:
		live.RetryCount++
		live.LastError = err.Error()
		if !IsPermanent(err) && live.RetryCount < live.MaxRetries && !q.closed {
			live.Status = StatusPending
			live.StartedAt = time.Time{}
			q.push(live)
			metrics.RecordTask("retried")
			q.log.Warn().Err(err).Str("task", live.ID).Int("retry", live.RetryCount).Msg("task failed, retrying")
		} else {
			live.Status = StatusFailed
			live.CompletedAt = q.now()
			done = live
			q.log.Warn().Err(err).Str("task", live.ID).Int("attempts", live.RetryCount).Msg("task failed")
		}
	}
	var finished Task
	if done != nil {
		finished = *done
		q.remember(finished)
		q.publishLocked(resultOf(done))
		metrics.RecordTask(string(finished.Status))
	}
	q.drainLocked()
	q.mu.Unlock()

	if done != nil {
		q.record(finished)
	}
}

func (q *Queue) run(ctx context.Context, intent model.ActionIntent) (res action.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("run %s: panic: %v", intent.IntentID(), r))
		}
	}()
	return q.runner.Run(ctx, intent)
}

func (q *Queue) remember(t Task) {
	q.history = append(q.history, t)
	if over := len(q.history) - q.cfg.HistorySize; over > 0 {
		q.history = append([]Task(nil), q.history[over:]...)
	}
}

func (q *Queue) record(t Task) {
	if q.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.journal.RecordTask(ctx, t); err != nil {
		q.log.Error().Err(err).Str("task", t.ID).Msg("failed to journal task")
	}
}

func (q *Queue) publishLocked(r ExecutionResult) {
	for id, ch := range q.subs {
		select {
		case ch <- r:
		default:
			q.log.Warn().Int("subscriber", id).Str("task", r.TaskID).Msg("subscriber full, dropping result")
		}
	}
}

// Subscribe returns a stream of terminal results and a function that ends
// the subscription. Slow subscribers lose results rather than block tasks.
func (q *Queue) Subscribe() (<-chan ExecutionResult, func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch := make(chan ExecutionResult, subscriberBuffer)
	if q.closed {
		close(ch)
		return ch, func() {}
	}
	id := q.nextSub
	q.nextSub++
	q.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			if c, ok := q.subs[id]; ok {
				delete(q.subs, id)
				close(c)
			}
		})
	}
}

// Cancel removes a pending task. Running tasks cannot be cancelled.
func (q *Queue) Cancel(id string) (Task, error) {
	q.mu.Lock()
	if _, ok := q.running[id]; ok {
		q.mu.Unlock()
		return Task{}, fmt.Errorf("cancel %s: %w", id, ErrNotPending)
	}
	idx := -1
	for i, t := range q.pending {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		for _, t := range q.history {
			if t.ID == id {
				q.mu.Unlock()
				return Task{}, fmt.Errorf("cancel %s: %w", id, ErrNotPending)
			}
		}
		q.mu.Unlock()
		return Task{}, fmt.Errorf("cancel %s: %w", id, ErrNotFound)
	}
	t := q.pending[idx]
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	t.Status = StatusCancelled
	t.CompletedAt = q.now()
	finished := *t
	q.remember(finished)
	q.publishLocked(resultOf(t))
	metrics.RecordTask(string(StatusCancelled))
	q.mu.Unlock()

	q.record(finished)
	return finished, nil
}

// Get returns a task by id from the live set or the history.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.running[id]; ok {
		return *t, true
	}
	for _, t := range q.pending {
		if t.ID == id {
			return *t, true
		}
	}
	for i := len(q.history) - 1; i >= 0; i-- {
		if q.history[i].ID == id {
			return q.history[i], true
		}
	}
	return Task{}, false
}

// Snapshot lists running tasks, then pending tasks in dispatch order.
func (q *Queue) Snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.running)+len(q.pending))
	for _, t := range q.running {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	for _, t := range q.pending {
		out = append(out, *t)
	}
	return out
}

// History returns finished tasks, oldest first.
func (q *Queue) History() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.history...)
}

// Stats reports pending and running counts.
func (q *Queue) Stats() (pending, running int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.running)
}

// Close stops intake, cancels pending tasks and waits for running ones
// until ctx is done. Subscriber streams are closed afterwards.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	var cancelled []Task
	for _, t := range dropped {
		t.Status = StatusCancelled
		t.CompletedAt = q.now()
		q.remember(*t)
		q.publishLocked(resultOf(t))
		cancelled = append(cancelled, *t)
	}
	q.mu.Unlock()

	for _, t := range cancelled {
		q.record(t)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("close queue: %w", ctx.Err())
	}
	q.stop()

	q.mu.Lock()
	for id, ch := range q.subs {
		delete(q.subs, id)
		close(ch)
	}
	q.mu.Unlock()
	return err
}
