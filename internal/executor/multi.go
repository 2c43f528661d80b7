package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/metalagman/tally/internal/action"
	"github.com/metalagman/tally/internal/metrics"
	"github.com/metalagman/tally/internal/model"
	"github.com/metalagman/tally/internal/safety"
)

// ExecuteMulti handles several intents split out of one utterance. A batch
// whose items are all complete and which trips no confirmation rule runs
// at once; otherwise one consolidated prompt is issued. An item that asks
// for confirmation while running stops the batch at that item and turns
// the rest into a consolidated prompt.
func (e *Executor) ExecuteMulti(ctx context.Context, intents []model.ActionIntent) Outcome {
	e.expire()
	e.clear(StateIdle)

	mp := &MultiPending{CreatedAt: e.now(), Timeout: e.cfg.MultiTimeout}
	for _, in := range intents {
		mp.Items = append(mp.Items, e.buildItem(in))
	}

	var out Outcome
	if mp.AllComplete() && !e.batchNeedsConfirmation(mp) {
		out = e.runBatch(ctx, mp, safety.LevelNone)
	} else {
		out = e.holdBatch(mp)
	}
	metrics.RecordOutcome(string(out.Kind))
	return out
}

func (e *Executor) buildItem(in model.ActionIntent) *MultiItem {
	it := &MultiItem{Intent: in}
	a, ok := e.registry.Resolve(in.Category, in.Action, in.OriginalText)
	if !ok {
		return it
	}
	spec := a.Spec()
	it.Action = a
	it.Params = action.Normalize(spec, in.Entities)
	v := action.ValidateParams(spec, it.Params)
	// Malformed values are dropped and asked for again like missing ones.
	for _, name := range v.Invalid {
		delete(it.Params, name)
	}
	it.Missing = append(v.Missing, v.Invalid...)
	return it
}

func (e *Executor) batchNeedsConfirmation(mp *MultiPending) bool {
	if e.cfg.BatchConfirmAmount > 0 && mp.TotalAmount() > e.cfg.BatchConfirmAmount {
		return true
	}
	for _, it := range mp.Items {
		if it.Complete() && it.Action.Spec().DemandsConfirmation(it.Params) {
			return true
		}
	}
	return false
}

func (e *Executor) holdBatch(mp *MultiPending) Outcome {
	e.multi = mp
	e.state = StateWaitingForBatch

	out := Outcome{Message: batchPrompt(mp), Items: itemOutcomes(mp.Items)}
	if mp.AllComplete() {
		out.Kind = KindNeedConfirmation
		out.ConfirmLevel = mp.ConfirmLevel()
		out.Err = ErrConfirmationRequired
		return out
	}
	out.Kind = KindNeedParams
	for _, it := range mp.Items {
		out.Missing = append(out.Missing, it.Missing...)
	}
	out.Err = ErrMissingParameters
	return out
}

func batchPrompt(mp *MultiPending) string {
	var b strings.Builder
	fmt.Fprintf(&b, "我听到了%d项操作：\n", len(mp.Items))
	for i, it := range mp.Items {
		fmt.Fprintf(&b, "%d. ", i+1)
		switch {
		case it.Action == nil:
			fmt.Fprintf(&b, "「%s」暂不支持，将跳过", it.Intent.OriginalText)
		case it.Executed:
			fmt.Fprintf(&b, "%s：%s", itemStatus(it), itemMessage(it))
		case it.ConfirmPrompt != "":
			b.WriteString(it.ConfirmPrompt)
		case it.Complete():
			b.WriteString(describe(it.Action.Spec(), it.Params))
		default:
			spec := it.Action.Spec()
			fmt.Fprintf(&b, "%s（还缺少%s）", describe(spec, it.Params), labels(spec, it.Missing))
		}
		b.WriteString("\n")
	}
	if total := mp.TotalAmount(); total > 0 {
		fmt.Fprintf(&b, "合计金额%s元。\n", formatValue(total))
	}
	switch {
	case mp.AllComplete() && mp.ConfirmLevel() >= safety.LevelStrict:
		b.WriteString("其中有操作需要在屏幕上确认，确认全部执行吗？")
	case mp.AllComplete():
		b.WriteString("确认全部执行吗？")
	default:
		b.WriteString("可以补充缺少的信息，或者说“确认”只执行完整的项目，说“取消”放弃。")
	}
	return b.String()
}

func itemOutcomes(items []*MultiItem) []ItemOutcome {
	out := make([]ItemOutcome, 0, len(items))
	for _, it := range items {
		io := ItemOutcome{ActionID: it.ActionID(), Missing: it.Missing}
		switch {
		case it.Executed && it.Result != nil:
			io.Success = it.Result.Success && it.Err == nil
			io.Message = it.Result.Message
		case it.Err != nil:
			io.Message = it.Err.Error()
		}
		out = append(out, io)
	}
	return out
}

func (e *Executor) continueMulti(ctx context.Context, intent model.IntentResult) Outcome {
	switch e.ClassifyReply(intent) {
	case ReplyConfirm:
		return e.confirmMulti(ctx, safety.LevelStandard)
	case ReplyCancel:
		e.clear(StateIdle)
		return Outcome{Kind: KindCancelled, Message: "好的，这几项都取消了。"}
	}

	mp := e.multi
	if !e.applySupplement(mp, intent) {
		if intent.IsAction() && intent.Confidence >= e.cfg.NewCommandConfidence {
			if _, ok := e.registry.Resolve(intent.Category, intent.Action, intent.RawInput); ok {
				e.clear(StateIdle)
				return e.startNew(ctx, intent)
			}
		}
		return e.holdBatch(mp)
	}
	if mp.AllComplete() && !e.batchNeedsConfirmation(mp) {
		e.clear(StateIdle)
		return e.runBatch(ctx, mp, safety.LevelNone)
	}
	mp.CreatedAt = e.now()
	return e.holdBatch(mp)
}

// confirmMulti runs the held batch with items asking up to grant covered by
// the confirmation.
func (e *Executor) confirmMulti(ctx context.Context, grant safety.Level) Outcome {
	mp := e.multi
	e.clear(StateIdle)
	return e.runBatch(ctx, mp, grant)
}

// applySupplement assigns each supplied field to the first incomplete item
// still missing it.
func (e *Executor) applySupplement(mp *MultiPending, intent model.IntentResult) bool {
	applied := false
	entities := intent.Entities
	if len(entities) == 0 && !intent.IsAction() {
		raw := strings.TrimRight(strings.TrimSpace(intent.RawInput), "元块钱 ")
		if f, ok := action.Number(raw); ok {
			entities = map[string]any{"amount": f}
		}
	}
	for _, key := range sortedKeys(entities) {
		for _, it := range mp.Items {
			if it.Action == nil || it.Complete() {
				continue
			}
			spec := it.Action.Spec()
			idx := indexOf(it.Missing, key)
			if idx < 0 {
				for _, alias := range aliasTargets(key) {
					if idx = indexOf(it.Missing, alias); idx >= 0 {
						break
					}
				}
			}
			if idx < 0 {
				continue
			}
			name := it.Missing[idx]
			p, _ := spec.Param(name)
			clean, ok := e.sanitize(p, entities[key])
			if !ok {
				continue
			}
			if it.Params == nil {
				it.Params = make(map[string]any)
			}
			it.Params[name] = clean
			it.Missing = append(it.Missing[:idx:idx], it.Missing[idx+1:]...)
			applied = true
			break
		}
	}
	return applied
}

// aliasTargets returns the declared names an entity key may stand for.
func aliasTargets(key string) []string {
	var out []string
	for name, aliases := range action.ParamAliases {
		for _, a := range aliases {
			if a == key {
				out = append(out, name)
			}
		}
	}
	return out
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// runBatch executes complete items in order. Failures never abort the batch.
// Items asking for confirmation up to grant are re-invoked as confirmed;
// stricter ones fail and must be done on their own. With no grant, the
// first item asking for confirmation holds the remaining batch. Items that
// already ran are never run again.
func (e *Executor) runBatch(ctx context.Context, mp *MultiPending, grant safety.Level) Outcome {
	e.state = StateExecuting
	for _, it := range mp.Items {
		if !it.Complete() || it.Executed {
			continue
		}
		res, err := e.invoke(ctx, it.Action, it.Params, it.Intent.OriginalText, false)
		if err == nil && res.NeedsConfirmation && !res.Blocked {
			it.Params = bind(it.Params, res.Bound)
			it.ConfirmLevel = res.ConfirmLevel
			it.ConfirmPrompt = confirmPrompt(it, res)
			switch {
			case grant == safety.LevelNone:
				return e.holdBatch(mp)
			case res.ConfirmLevel <= grant:
				res, err = e.invoke(ctx, it.Action, it.Params, it.Intent.OriginalText, true)
			}
		}
		it.Executed = true
		it.Err = err
		switch {
		case err != nil:
			it.Result = &action.Result{Message: "执行出错"}
			e.log.Warn().Err(err).Str("action", it.ActionID()).Msg("batch item failed")
		case res.NeedsConfirmation && !res.Blocked:
			res.Success = false
			res.Message = "需要单独确认：" + it.ConfirmPrompt
			it.Result = &res
		default:
			it.Result = &res
		}
	}
	return e.batchSummary(mp)
}

func (e *Executor) batchSummary(mp *MultiPending) Outcome {
	out := Outcome{Kind: KindBatch}
	var lines []string
	for i, it := range mp.Items {
		if !it.Complete() || !it.Executed {
			lines = append(lines, fmt.Sprintf("%d. 已跳过（信息不完整）", i+1))
			continue
		}
		if itemSucceeded(it) {
			out.SuccessCount++
		} else {
			out.FailCount++
		}
		lines = append(lines, fmt.Sprintf("%d. %s：%s", i+1, itemStatus(it), itemMessage(it)))
	}
	out.Items = itemOutcomes(mp.Items)
	for i := range out.Items {
		if !mp.Items[i].Executed {
			out.Items[i].Skipped = true
		}
	}
	out.Message = fmt.Sprintf("已完成%d项，失败%d项。\n%s", out.SuccessCount, out.FailCount, strings.Join(lines, "\n"))
	if out.FailCount > 0 && out.SuccessCount == 0 {
		out.Err = ErrExecutionFailed
		e.state = StateFailed
	} else {
		e.state = StateCompleted
	}
	return out
}

func confirmPrompt(it *MultiItem, res action.Result) string {
	switch {
	case res.ConfirmationPrompt != "":
		return res.ConfirmationPrompt
	case res.Message != "":
		return res.Message
	}
	return describe(it.Action.Spec(), it.Params)
}

func itemSucceeded(it *MultiItem) bool {
	return it.Err == nil && it.Result != nil && it.Result.Success && !it.Result.Blocked
}

func itemStatus(it *MultiItem) string {
	if itemSucceeded(it) {
		return "成功"
	}
	return "失败"
}

func itemMessage(it *MultiItem) string {
	if it.Result != nil && it.Result.Message != "" {
		return it.Result.Message
	}
	return describe(it.Action.Spec(), it.Params)
}
