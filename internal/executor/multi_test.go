package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/tally/internal/model"
	"github.com/metalagman/tally/internal/safety"
)

func addIntent(entities map[string]any, text string) model.ActionIntent {
	return model.ActionIntent{Category: "transaction", Action: "add", Entities: entities, OriginalText: text, Confidence: 0.9}
}

func TestMultiRunsSmallCompleteBatchImmediately(t *testing.T) {
	f := newFixture(t)
	out := f.exec.ExecuteMulti(context.Background(), []model.ActionIntent{
		addIntent(map[string]any{"amount": 30.0, "category": "餐饮"}, "午饭30"),
		addIntent(map[string]any{"amount": 20.0, "category": "交通"}, "打车20"),
	})
	require.Equal(t, KindBatch, out.Kind)
	assert.Equal(t, 2, out.SuccessCount)
	assert.Zero(t, out.FailCount)
	assert.Equal(t, 2, f.add.calls())
	assert.Contains(t, out.Message, "已完成2项，失败0项")
	assert.False(t, f.exec.HasPending())
}

func TestMultiFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	out := f.exec.ExecuteMulti(context.Background(), []model.ActionIntent{
		addIntent(map[string]any{"amount": 13.0}, "记13"),
		addIntent(map[string]any{"amount": 20.0}, "记20"),
	})
	require.Equal(t, KindBatch, out.Kind)
	assert.Equal(t, 1, out.SuccessCount)
	assert.Equal(t, 1, out.FailCount)
	assert.Equal(t, 2, f.add.calls())
	require.Len(t, out.Items, 2)
	assert.False(t, out.Items[0].Success)
	assert.True(t, out.Items[1].Success)
}

func TestMultiLargeTotalNeedsConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.exec.ExecuteMulti(ctx, []model.ActionIntent{
		addIntent(map[string]any{"amount": 300.0}, "房租300"),
		addIntent(map[string]any{"amount": 250.0}, "水电250"),
	})
	require.Equal(t, KindNeedConfirmation, out.Kind)
	assert.Contains(t, out.Message, "合计金额550元")
	assert.Zero(t, f.add.calls())
	assert.Equal(t, StateWaitingForBatch, f.exec.State())

	out = f.exec.Execute(ctx, reply("确认"))
	require.Equal(t, KindBatch, out.Kind)
	assert.Equal(t, 2, out.SuccessCount)
	assert.False(t, f.exec.HasPending())
}

func TestMultiSupplementCompletesAndRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.exec.ExecuteMulti(ctx, []model.ActionIntent{
		addIntent(map[string]any{"category": "餐饮"}, "午饭"),
		addIntent(map[string]any{"amount": 20.0}, "打车20"),
	})
	require.Equal(t, KindNeedParams, out.Kind)
	assert.Equal(t, []string{"amount"}, out.Missing)
	assert.Equal(t, 20.0, f.exec.Multi().TotalAmount(), "incomplete items are not counted")

	out = f.exec.Execute(ctx, reply("35"))
	require.Equal(t, KindBatch, out.Kind)
	assert.Equal(t, 2, out.SuccessCount)
	assert.Equal(t, 35.0, f.add.requests[0].Params["amount"])
	assert.Equal(t, "餐饮", f.add.requests[0].Params["category"])
}

func TestMultiSupplementFirstFit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.ExecuteMulti(ctx, []model.ActionIntent{
		addIntent(map[string]any{"category": "餐饮"}, "午饭"),
		addIntent(map[string]any{"category": "交通"}, "打车"),
	})

	out := f.exec.Execute(ctx, reply("10"))
	require.Equal(t, KindNeedParams, out.Kind)
	mp := f.exec.Multi()
	require.NotNil(t, mp)
	assert.True(t, mp.Items[0].Complete())
	assert.Equal(t, 10.0, mp.Items[0].Params["amount"])
	assert.False(t, mp.Items[1].Complete())
	assert.Zero(t, f.add.calls())
}

func TestMultiConfirmSkipsIncompleteItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.ExecuteMulti(ctx, []model.ActionIntent{
		addIntent(nil, "记一笔"),
		{Category: "data", Action: "statistics", OriginalText: "看看本月", Confidence: 0.9},
	})

	out := f.exec.Execute(ctx, reply("确认"))
	require.Equal(t, KindBatch, out.Kind)
	assert.Equal(t, 1, out.SuccessCount)
	assert.Zero(t, out.FailCount)
	require.Len(t, out.Items, 2)
	assert.True(t, out.Items[0].Skipped)
	assert.Zero(t, f.add.calls())
	assert.Equal(t, 1, f.stats.calls())
}

func TestMultiConfirmationCoversLightItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.exec.ExecuteMulti(ctx, []model.ActionIntent{
		addIntent(map[string]any{"amount": 600.0}, "记600"),
		{Category: "transaction", Action: "delete", OriginalText: "删掉上一笔", Confidence: 0.9},
	})
	require.Equal(t, KindNeedConfirmation, out.Kind)

	out = f.exec.Execute(ctx, reply("好的"))
	require.Equal(t, KindBatch, out.Kind)
	assert.Equal(t, 2, out.SuccessCount)
	assert.True(t, f.del.last().SkipConfirmation)
}

func TestMultiStrictItemNeedsItsOwnConfirmation(t *testing.T) {
	f := newFixture(t)
	f.level = safety.LevelStrict
	ctx := context.Background()
	f.exec.ExecuteMulti(ctx, []model.ActionIntent{
		addIntent(map[string]any{"amount": 600.0}, "记600"),
		{Category: "transaction", Action: "delete", OriginalText: "删掉这几笔", Confidence: 0.9},
	})

	out := f.exec.Execute(ctx, reply("确认"))
	require.Equal(t, KindBatch, out.Kind)
	assert.Equal(t, 1, out.SuccessCount)
	assert.Equal(t, 1, out.FailCount)
	assert.Contains(t, out.Items[1].Message, "需要单独确认")
	assert.Equal(t, 1, f.del.calls())
}

func TestMultiOnScreenConfirmationCoversStrictItems(t *testing.T) {
	f := newFixture(t)
	f.level = safety.LevelStrict
	ctx := context.Background()
	f.exec.ExecuteMulti(ctx, []model.ActionIntent{
		addIntent(map[string]any{"amount": 600.0}, "记600"),
		{Category: "transaction", Action: "delete", OriginalText: "删掉这几笔", Confidence: 0.9},
	})

	out := f.exec.ConfirmOnScreen(ctx)
	require.Equal(t, KindBatch, out.Kind)
	assert.Equal(t, 2, out.SuccessCount)
	assert.Zero(t, out.FailCount)
	assert.True(t, f.del.last().SkipConfirmation)
}

func TestMultiItemAskingConfirmationHoldsBatch(t *testing.T) {
	f := newFixture(t)
	f.bound = map[string]any{"targetIds": []string{"r1"}}
	ctx := context.Background()

	out := f.exec.ExecuteMulti(ctx, []model.ActionIntent{
		{Category: "transaction", Action: "delete", Entities: map[string]any{"targetRef": "last"}, OriginalText: "删掉上一笔", Confidence: 0.9},
		addIntent(map[string]any{"amount": 20.0, "category": "交通"}, "打车20"),
	})
	require.Equal(t, KindNeedConfirmation, out.Kind)
	assert.Equal(t, safety.LevelLight, out.ConfirmLevel)
	assert.Equal(t, StateWaitingForBatch, f.exec.State())
	assert.Contains(t, out.Message, "确定删除吗？")
	assert.NotContains(t, out.Message, "last")
	assert.Equal(t, 1, f.del.calls())
	assert.Zero(t, f.add.calls())

	out = f.exec.Execute(ctx, reply("好的"))
	require.Equal(t, KindBatch, out.Kind)
	assert.Equal(t, 2, out.SuccessCount)
	assert.Zero(t, out.FailCount)
	assert.True(t, f.del.last().SkipConfirmation)
	assert.Equal(t, []string{"r1"}, f.del.last().Params["targetIds"])
	assert.Equal(t, 1, f.add.calls())
	assert.False(t, f.exec.HasPending())
}

func TestMultiHeldBatchDoesNotRepeatFinishedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.exec.ExecuteMulti(ctx, []model.ActionIntent{
		addIntent(map[string]any{"amount": 20.0, "category": "交通"}, "打车20"),
		{Category: "transaction", Action: "delete", OriginalText: "删掉上一笔", Confidence: 0.9},
	})
	require.Equal(t, KindNeedConfirmation, out.Kind)
	assert.Contains(t, out.Message, "成功：记好了")
	assert.Equal(t, 1, f.add.calls())

	out = f.exec.Execute(ctx, reply("确认"))
	require.Equal(t, KindBatch, out.Kind)
	assert.Equal(t, 2, out.SuccessCount)
	assert.Equal(t, 1, f.add.calls())
	assert.Contains(t, out.Message, "已完成2项，失败0项")
}

func TestMultiCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.ExecuteMulti(ctx, []model.ActionIntent{
		addIntent(map[string]any{"amount": 300.0}, "记300"),
		addIntent(map[string]any{"amount": 300.0}, "记300"),
	})
	out := f.exec.Execute(ctx, reply("取消"))
	assert.Equal(t, KindCancelled, out.Kind)
	assert.False(t, f.exec.HasPending())
	assert.Zero(t, f.add.calls())
}

func TestMultiNewCommandAbandonsBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.ExecuteMulti(ctx, []model.ActionIntent{
		addIntent(nil, "记一笔"),
		addIntent(nil, "再记一笔"),
	})
	out := f.exec.Execute(ctx, act("data", "statistics", nil, "这个月花了多少"))
	assert.Equal(t, KindExecuted, out.Kind)
	assert.Nil(t, f.exec.Multi())
}

func TestMultiTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.exec.ExecuteMulti(ctx, []model.ActionIntent{
		addIntent(nil, "记一笔"),
		addIntent(nil, "再记一笔"),
	})

	f.advance(120 * time.Second)
	assert.True(t, f.exec.HasPending())
	f.advance(time.Second)
	assert.False(t, f.exec.HasPending())
	require.Len(t, f.events, 1)
	assert.Equal(t, TimeoutMulti, f.events[0].Type)
}
