package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/tally/internal/action"
	"github.com/metalagman/tally/internal/model"
	"github.com/metalagman/tally/internal/rules"
	"github.com/metalagman/tally/internal/safety"
)

type recorder struct {
	mu       sync.Mutex
	requests []action.Request
}

func (r *recorder) add(req action.Request) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return len(r.requests)
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

func (r *recorder) last() action.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

type fixture struct {
	exec    *Executor
	clock   *time.Time
	events  []TimeoutEvent
	add     *recorder
	del     *recorder
	stats   *recorder
	level   safety.Level
	blocked bool
	bound   map[string]any
	route   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{add: &recorder{}, del: &recorder{}, stats: &recorder{}, level: safety.LevelLight}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.clock = &now

	reg := action.NewRegistry()
	require.NoError(t, reg.Register(
		action.Func(action.Spec{
			ID:                    "transaction.add",
			Name:                  "记账",
			Triggers:              []string{"记一笔"},
			Required:              []action.Param{{Name: "amount", Type: action.TypeNumber}},
			Optional:              []action.Param{{Name: "category", Type: action.TypeString, Default: "其他"}, {Name: "date", Type: action.TypeDatetime}, {Name: "note", Type: action.TypeString}},
			ConfirmationThreshold: 10000,
		}, func(_ context.Context, req action.Request) (action.Result, error) {
			f.add.add(req)
			if amount, _ := action.Number(req.Params["amount"]); amount == 13 {
				return action.Result{}, errors.New("unlucky")
			}
			return action.Succeeded("记好了", req.Params), nil
		}),
		action.Func(action.Spec{
			ID:       "transaction.delete",
			Name:     "删除记录",
			Triggers: []string{"删掉", "删除"},
		}, func(_ context.Context, req action.Request) (action.Result, error) {
			f.del.add(req)
			if f.blocked {
				return action.Result{Blocked: true, BlockReason: "高风险", RedirectRoute: "/settings/trash", ConfirmLevel: safety.LevelVoiceProhibited}, nil
			}
			if !req.SkipConfirmation {
				res := action.NeedConfirmation(f.level, "确定删除吗？")
				res.Bound = f.bound
				res.RedirectRoute = f.route
				return res, nil
			}
			return action.Succeeded("已删除", nil), nil
		}),
		action.Func(action.Spec{
			ID:       "data.statistics",
			Name:     "统计",
			Optional: []action.Param{{Name: "period", Type: action.TypeString, Default: "month"}},
		}, func(_ context.Context, req action.Request) (action.Result, error) {
			f.stats.add(req)
			return action.Succeeded("本月支出100元", nil), nil
		}),
		action.Func(action.Spec{
			ID:                   "budget.set",
			Name:                 "设置预算",
			Required:             []action.Param{{Name: "amount", Type: action.TypeNumber}},
			RequiresConfirmation: true,
		}, func(context.Context, action.Request) (action.Result, error) {
			return action.Succeeded("预算已更新", nil), nil
		}),
	))

	engine, err := rules.Default(rules.WithClock(func() time.Time { return *f.clock }))
	require.NoError(t, err)

	f.exec = New(reg, engine, DefaultConfig(),
		WithClock(func() time.Time { return *f.clock }),
		WithTimeoutHook(func(ev TimeoutEvent) { f.events = append(f.events, ev) }),
	)
	return f
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func act(cat, a string, entities map[string]any, raw string) model.IntentResult {
	return model.IntentResult{RouteType: model.RouteAction, Category: cat, Action: a, Entities: entities, RawInput: raw, Confidence: 0.9, Source: model.SourceRule}
}

func reply(raw string) model.IntentResult {
	return model.IntentResult{RouteType: model.RouteUnknown, RawInput: raw, Source: model.SourceRule}
}

func TestPendingConstructorsEnforceExclusivity(t *testing.T) {
	a := action.Func(action.Spec{ID: "x"}, nil)
	now := time.Now()

	_, err := NewParamsPending(a, nil, nil, "", now, time.Minute)
	assert.Error(t, err)
	_, err = NewConfirmPending(a, nil, safety.LevelLight, "", "", now, time.Minute)
	assert.Error(t, err)

	p, err := NewParamsPending(a, nil, []string{"amount"}, "", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, p.WaitingForParams() != p.WaitingForConfirmation())

	p, err = NewConfirmPending(a, nil, safety.LevelNone, "ok?", "", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, p.WaitingForParams() != p.WaitingForConfirmation())
	assert.Equal(t, safety.LevelLight, p.ConfirmLevel)
}

func TestUnsupported(t *testing.T) {
	f := newFixture(t)
	out := f.exec.Execute(context.Background(), act("misc", "dance", nil, "跳个舞"))
	assert.Equal(t, KindUnsupported, out.Kind)
	assert.ErrorIs(t, out.Err, ErrUnsupported)
	assert.False(t, f.exec.HasPending())
}

func TestChatIntentIsNoAction(t *testing.T) {
	f := newFixture(t)
	out := f.exec.Execute(context.Background(), model.IntentResult{RouteType: model.RouteChat, ChatResponse: "你好"})
	assert.Equal(t, KindNoAction, out.Kind)
	assert.Equal(t, "你好", out.Message)
}

func TestInvalidParamsIsTerminal(t *testing.T) {
	f := newFixture(t)
	out := f.exec.Execute(context.Background(), act("transaction", "add", map[string]any{"amount": "lots"}, "记一笔lots"))
	assert.Equal(t, KindInvalidParams, out.Kind)
	assert.Equal(t, []string{"amount"}, out.Invalid)
	assert.ErrorIs(t, out.Err, ErrInvalidParameters)
	assert.False(t, f.exec.HasPending())
	assert.Zero(t, f.add.calls())
}

func TestMissingParamsThenSupplement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.exec.Execute(ctx, act("transaction", "add", map[string]any{"category": "餐饮"}, "记一笔午饭"))
	require.Equal(t, KindNeedParams, out.Kind)
	assert.Equal(t, []string{"amount"}, out.Missing)
	assert.Contains(t, out.Message, "金额")
	assert.ErrorIs(t, out.Err, ErrMissingParameters)
	assert.Equal(t, StateWaitingForParams, f.exec.State())
	p := f.exec.Pending()
	require.NotNil(t, p)
	assert.True(t, p.WaitingForParams())
	assert.False(t, p.WaitingForConfirmation())

	out = f.exec.Execute(ctx, reply("35"))
	require.Equal(t, KindExecuted, out.Kind, out.Message)
	assert.Equal(t, 35.0, f.add.last().Params["amount"])
	assert.Equal(t, "餐饮", f.add.last().Params["category"])
	assert.False(t, f.exec.HasPending())
	assert.Equal(t, StateCompleted, f.exec.State())
}

func TestSupplementUsesAliasAndIgnoresUnrelatedEntities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.Execute(ctx, act("transaction", "add", nil, "记一笔"))

	out := f.exec.Execute(ctx, model.IntentResult{
		RouteType: model.RouteUnknown,
		Entities:  map[string]any{"configValue": 88, "category": "交通"},
		RawInput:  "88",
	})
	require.Equal(t, KindExecuted, out.Kind)
	params := f.add.last().Params
	assert.Equal(t, 88.0, params["amount"])
	assert.Equal(t, "其他", params["category"], "only missing fields are taken from a supplement")
}

func TestSupplementSanitizesAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.Execute(ctx, act("transaction", "add", nil, "记一笔"))

	for _, bad := range []any{-5, 0, 2e7, "abc"} {
		out := f.exec.Execute(ctx, model.IntentResult{RouteType: model.RouteUnknown, Entities: map[string]any{"amount": bad}, RawInput: "x"})
		assert.Equal(t, KindNeedParams, out.Kind, "%v", bad)
	}
	assert.Zero(t, f.add.calls())
	assert.True(t, f.exec.HasPending())
}

func TestSupplementDateFromWords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := f.exec.registry
	require.NoError(t, reg.Register(action.Func(action.Spec{
		ID:       "reminder.set",
		Name:     "提醒",
		Required: []action.Param{{Name: "date", Type: action.TypeDatetime}, {Name: "note", Type: action.TypeString}},
	}, func(_ context.Context, req action.Request) (action.Result, error) {
		return action.Succeeded("ok", req.Params), nil
	})))

	out := f.exec.Execute(ctx, act("reminder", "set", map[string]any{"note": "  交房租  "}, "提醒我交房租"))
	require.Equal(t, KindNeedParams, out.Kind)

	out = f.exec.Execute(ctx, model.IntentResult{RouteType: model.RouteUnknown, Entities: map[string]any{"date": "昨天"}, RawInput: "昨天"})
	require.Equal(t, KindExecuted, out.Kind)
	assert.Equal(t, "2026-02-28", out.Result.Data["date"])
}

func TestNewCommandAbandonsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.Execute(ctx, act("transaction", "add", nil, "记一笔"))

	out := f.exec.Execute(ctx, act("data", "statistics", nil, "这个月花了多少"))
	assert.Equal(t, KindExecuted, out.Kind)
	assert.Equal(t, 1, f.stats.calls())
	assert.False(t, f.exec.HasPending())
}

func TestCompleteAlternativeParamSetIsNewCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.Execute(ctx, act("transaction", "add", map[string]any{"note": "午饭"}, "记一笔午饭"))

	p := f.exec.Pending()
	assert.True(t, f.exec.IsNewCommand(p, act("transaction", "add", map[string]any{"amount": 20.0, "category": "交通"}, "打车20")))
	assert.False(t, f.exec.IsNewCommand(p, reply("20")))
	low := act("data", "statistics", nil, "x")
	low.Confidence = 0.3
	assert.False(t, f.exec.IsNewCommand(p, low))

	out := f.exec.Execute(ctx, act("transaction", "add", map[string]any{"amount": 20.0, "category": "交通"}, "打车20"))
	require.Equal(t, KindExecuted, out.Kind)
	assert.Nil(t, f.add.last().Params["note"], "pending params are discarded")
}

func TestCancelWhileWaitingForParams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.Execute(ctx, act("transaction", "add", nil, "记一笔"))
	out := f.exec.Execute(ctx, reply("算了"))
	assert.Equal(t, KindCancelled, out.Kind)
	assert.False(t, f.exec.HasPending())
}

func TestConfirmationLight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.exec.Execute(ctx, act("transaction", "delete", nil, "删掉刚才那笔"))
	require.Equal(t, KindNeedConfirmation, out.Kind)
	assert.Equal(t, safety.LevelLight, out.ConfirmLevel)
	assert.Equal(t, StateWaitingForConfirmation, f.exec.State())
	p := f.exec.Pending()
	assert.True(t, p.WaitingForConfirmation())
	assert.False(t, p.WaitingForParams())

	out = f.exec.Execute(ctx, reply("好的"))
	require.Equal(t, KindExecuted, out.Kind)
	assert.True(t, f.del.last().SkipConfirmation)
	assert.False(t, f.exec.HasPending())
}

func TestConfirmationRunsWithBoundParams(t *testing.T) {
	f := newFixture(t)
	f.bound = map[string]any{"targetIds": []string{"r1"}}
	ctx := context.Background()

	out := f.exec.Execute(ctx, act("transaction", "delete", map[string]any{"targetRef": "last"}, "删除上一笔"))
	require.Equal(t, KindNeedConfirmation, out.Kind)
	assert.Equal(t, []string{"r1"}, f.exec.Pending().Params["targetIds"])
	assert.Nil(t, f.del.last().Params["targetIds"], "the grading call sees only the original params")

	out = f.exec.Execute(ctx, reply("好的"))
	require.Equal(t, KindExecuted, out.Kind)
	confirmed := f.del.last()
	assert.True(t, confirmed.SkipConfirmation)
	assert.Equal(t, []string{"r1"}, confirmed.Params["targetIds"])
	assert.Equal(t, "last", confirmed.Params["targetRef"])
}

func TestConfirmationTrustsClassifierCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.Execute(ctx, act("transaction", "delete", nil, "删掉"))
	out := f.exec.Execute(ctx, model.IntentResult{RouteType: model.RouteChat, Category: model.CategoryConfirm, RawInput: "没错就是它"})
	assert.Equal(t, KindExecuted, out.Kind)
}

func TestConfirmationContentAfterKeywordIsNewIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.Execute(ctx, act("transaction", "delete", nil, "删掉"))

	out := f.exec.Execute(ctx, act("transaction", "add", map[string]any{"amount": 30.0}, "好的，帮我记一下午餐30"))
	assert.Equal(t, KindExecuted, out.Kind)
	assert.Equal(t, 1, f.del.calls(), "delete must not run")
	assert.Equal(t, 1, f.add.calls())
}

func TestConfirmationCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.Execute(ctx, act("transaction", "delete", nil, "删掉"))
	out := f.exec.Execute(ctx, reply("不要了"))
	assert.Equal(t, KindCancelled, out.Kind)
	assert.Equal(t, 1, f.del.calls())
	assert.False(t, f.exec.HasPending())
}

func TestStrictRefusesVoice(t *testing.T) {
	f := newFixture(t)
	f.level = safety.LevelStrict
	ctx := context.Background()

	out := f.exec.Execute(ctx, act("transaction", "delete", nil, "删掉这三笔"))
	require.Equal(t, KindNeedConfirmation, out.Kind)

	out = f.exec.Execute(ctx, reply("确定"))
	assert.Equal(t, KindNeedConfirmation, out.Kind)
	assert.ErrorIs(t, out.Err, ErrConfirmationRequired)
	assert.Contains(t, out.Message, "屏幕")
	assert.Equal(t, 1, f.del.calls())
	assert.True(t, f.exec.HasPending())

	out = f.exec.ConfirmOnScreen(ctx)
	assert.Equal(t, KindExecuted, out.Kind)
	assert.True(t, f.del.last().SkipConfirmation)
	assert.False(t, f.exec.HasPending())
}

func TestVoiceProhibitedConfirmIsBlocked(t *testing.T) {
	f := newFixture(t)
	f.level = safety.LevelVoiceProhibited
	f.route = "/settings/trash"
	ctx := context.Background()
	out := f.exec.Execute(ctx, act("transaction", "delete", nil, "删掉"))
	require.Equal(t, KindNeedConfirmation, out.Kind)
	assert.Equal(t, "/settings/trash", out.RedirectRoute)

	out = f.exec.Execute(ctx, reply("确定"))
	assert.Equal(t, KindBlocked, out.Kind)
	assert.ErrorIs(t, out.Err, ErrBlocked)
	assert.Equal(t, "/settings/trash", out.RedirectRoute)
	assert.False(t, f.exec.HasPending())
}

func TestVoiceProhibitedOnScreenKeepsRedirect(t *testing.T) {
	f := newFixture(t)
	f.level = safety.LevelVoiceProhibited
	f.route = "/settings/trash"
	ctx := context.Background()
	f.exec.Execute(ctx, act("transaction", "delete", nil, "删掉"))

	out := f.exec.ConfirmOnScreen(ctx)
	assert.Equal(t, KindBlocked, out.Kind)
	assert.Equal(t, "/settings/trash", out.RedirectRoute)
	assert.Equal(t, 1, f.del.calls())
}

func TestBlockedResult(t *testing.T) {
	f := newFixture(t)
	f.blocked = true
	out := f.exec.Execute(context.Background(), act("transaction", "delete", nil, "清空回收站"))
	assert.Equal(t, KindBlocked, out.Kind)
	assert.Equal(t, "/settings/trash", out.RedirectRoute)
	assert.False(t, f.exec.HasPending())
}

func TestDeclaredThresholdGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.exec.Execute(ctx, act("transaction", "add", map[string]any{"amount": 12000.0}, "记一笔12000"))
	require.Equal(t, KindNeedConfirmation, out.Kind)
	assert.Equal(t, safety.LevelStandard, out.ConfirmLevel)
	assert.Zero(t, f.add.calls(), "side effect must not happen before confirmation")

	out = f.exec.Execute(ctx, reply("确认"))
	assert.Equal(t, KindExecuted, out.Kind)
	assert.Equal(t, 1, f.add.calls())
}

func TestRequiresConfirmationGate(t *testing.T) {
	f := newFixture(t)
	out := f.exec.Execute(context.Background(), act("budget", "set", map[string]any{"amount": 3000.0}, "预算设为3000"))
	assert.Equal(t, KindNeedConfirmation, out.Kind)
}

func TestExecutionFailure(t *testing.T) {
	f := newFixture(t)
	out := f.exec.Execute(context.Background(), act("transaction", "add", map[string]any{"amount": 13.0}, "记一笔13"))
	assert.Equal(t, KindFailed, out.Kind)
	assert.ErrorIs(t, out.Err, ErrExecutionFailed)
	assert.NotEmpty(t, out.Message)
	assert.Equal(t, StateFailed, f.exec.State())
}

func TestNoImplicitDedup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := act("transaction", "add", map[string]any{"amount": 10.0}, "记一笔10")
	assert.Equal(t, KindExecuted, f.exec.Execute(ctx, in).Kind)
	assert.Equal(t, KindExecuted, f.exec.Execute(ctx, in).Kind)
	assert.Equal(t, 2, f.add.calls())
}

func TestPendingTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.Execute(ctx, act("transaction", "add", map[string]any{"note": "午饭"}, "记一笔"))

	f.advance(61 * time.Second)
	assert.False(t, f.exec.HasPending())
	assert.False(t, f.exec.HasPending())
	require.Len(t, f.events, 1)
	assert.Equal(t, TimeoutSingle, f.events[0].Type)
	assert.Equal(t, "transaction.add", f.events[0].ActionID)
	assert.Equal(t, "午饭", f.events[0].Params["note"])

	out := f.exec.Execute(ctx, reply("35"))
	assert.Equal(t, KindUnsupported, out.Kind, "expired state no longer captures the reply")
	assert.Len(t, f.events, 1)
}

func TestUnrelatedReplyDoesNotExtendPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.Execute(ctx, act("transaction", "add", nil, "记一笔"))

	f.advance(40 * time.Second)
	out := f.exec.Execute(ctx, reply("等一下"))
	require.Equal(t, KindNeedParams, out.Kind)

	f.advance(21 * time.Second)
	assert.False(t, f.exec.HasPending())
	require.Len(t, f.events, 1)
	assert.Equal(t, TimeoutSingle, f.events[0].Type)
}

func TestPendingNotExpiredAtBoundary(t *testing.T) {
	f := newFixture(t)
	f.exec.Execute(context.Background(), act("transaction", "add", nil, "记一笔"))
	f.advance(60 * time.Second)
	assert.True(t, f.exec.HasPending())
	assert.Empty(t, f.events)
}

func TestCancelAndConfirmWithNothingPending(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, KindNothingPending, f.exec.Cancel().Kind)
	assert.ErrorIs(t, f.exec.ConfirmOnScreen(context.Background()).Err, ErrNothingPending)
}
