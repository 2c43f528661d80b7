package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/metalagman/tally/internal/action"
	"github.com/metalagman/tally/internal/ledger"
	"github.com/metalagman/tally/internal/safety"
)

// AddConfirmationThreshold forces a confirmation for large single entries.
const AddConfirmationThreshold = 10000

type addParams struct {
	Amount   float64 `mapstructure:"amount"`
	Category string  `mapstructure:"category"`
	Type     string  `mapstructure:"transactionType"`
	Date     string  `mapstructure:"date"`
	Note     string  `mapstructure:"note"`
}

type addTransaction struct {
	store *ledger.Store
}

func (a *addTransaction) Spec() action.Spec {
	return action.Spec{
		ID:          "transaction.add",
		Name:        "记账",
		Description: "记录一笔支出或收入",
		Triggers:    []string{"记一笔", "记账", "帮我记"},
		Required: []action.Param{
			{Name: "amount", Type: action.TypeNumber, Label: "金额"},
		},
		Optional: []action.Param{
			{Name: "category", Type: action.TypeString, Default: "其他", Label: "分类"},
			{Name: "transactionType", Type: action.TypeString, Default: safety.TypeExpense, Pattern: `^(expense|income)$`, Label: "类型"},
			{Name: "date", Type: action.TypeDatetime, Label: "日期"},
			{Name: "note", Type: action.TypeString, Label: "备注"},
		},
		ConfirmationThreshold: AddConfirmationThreshold,
	}
}

func (a *addTransaction) Execute(ctx context.Context, req action.Request) (action.Result, error) {
	var p addParams
	if err := decode(req.Params, &p); err != nil {
		return action.Failed("金额或日期的格式不对，请再说一遍。"), nil
	}
	if p.Amount <= 0 {
		return action.Failed("金额需要大于0。"), nil
	}
	date, ok := normalizeDate(p.Date, a.store.Now())
	if !ok {
		return action.Failed("没听懂日期，请再说一遍。"), nil
	}
	e, err := a.store.Add(ctx, ledger.Entry{
		Record: safety.Record{Amount: p.Amount, Type: p.Type, Category: p.Category, Note: strings.TrimSpace(p.Note)},
		Date:   date,
	})
	if err != nil {
		return action.Result{}, fmt.Errorf("add transaction: %w", err)
	}
	msg := fmt.Sprintf("已记录%s%s元（%s）", typeLabel(e.Type), formatAmount(e.Amount), e.Category)
	return action.Succeeded(msg, entryData(e)), nil
}

type targetParams struct {
	TargetID  string   `mapstructure:"targetId"`
	TargetRef string   `mapstructure:"targetRef"`
	TargetIDs []string `mapstructure:"targetIds"`
	Category  string   `mapstructure:"category"`
	Date      string   `mapstructure:"date"`
	Period    string   `mapstructure:"period"`
}

func targetOptional() []action.Param {
	return []action.Param{
		{Name: "targetId", Type: action.TypeString, Label: "记录", Hidden: true},
		{Name: "targetRef", Type: action.TypeString, Label: "指代", Hidden: true},
		{Name: pinnedKey, Type: action.TypeList, Label: "已确认的记录", Hidden: true},
		{Name: "date", Type: action.TypeDatetime, Label: "日期"},
		{Name: "period", Type: action.TypeString, Label: "时间范围"},
	}
}

type deleteTransaction struct {
	store    *ledger.Store
	safety   *safety.Classifier
	resolver Disambiguator
}

func (a *deleteTransaction) Spec() action.Spec {
	return action.Spec{
		ID:          "transaction.delete",
		Name:        "删除记录",
		Description: "删除一条或多条记录",
		Triggers:    []string{"删除", "删掉", "撤销"},
		Optional: append(targetOptional(),
			action.Param{Name: "category", Type: action.TypeString, Label: "分类"},
		),
	}
}

func (a *deleteTransaction) Execute(ctx context.Context, req action.Request) (action.Result, error) {
	// Irreversible bulk phrases are refused before anything is looked up.
	if res, ask := action.FromSafety(a.safety.ClassifyDeletion(nil, req.RawInput)); ask && res.Blocked {
		return res, nil
	}
	var p targetParams
	if err := decode(req.Params, &p); err != nil {
		return action.Failed("没听懂要删除哪一笔，请再说一遍。"), nil
	}
	q := Query{TargetID: p.TargetID, TargetRef: p.TargetRef, Source: a.store, Filter: ledger.Filter{Category: p.Category}}
	applyDateFilter(&q.Filter, p.Date, p.Period, a.store)

	res, err := resolveTargets(ctx, a.resolver, req.RawInput, q, p.TargetIDs)
	if err != nil {
		return action.Result{}, fmt.Errorf("delete transaction: %w", err)
	}
	if res.Status != StatusResolved {
		return action.Failed(res.Prompt), nil
	}

	records := make([]safety.Record, 0, len(res.Records))
	ids := make([]string, 0, len(res.Records))
	for _, e := range res.Records {
		records = append(records, e.Record)
		ids = append(ids, e.ID)
	}
	if !req.SkipConfirmation {
		if out, ask := action.FromSafety(a.safety.ClassifyDeletion(records, req.RawInput)); ask {
			return pin(out, ids), nil
		}
	}
	n, err := a.store.Delete(ctx, ids...)
	if err != nil {
		return action.Result{}, fmt.Errorf("delete transaction: %w", err)
	}
	msg := fmt.Sprintf("已删除%d条记录", n)
	if n == 1 {
		msg = fmt.Sprintf("已删除这笔%s元的%s记录", formatAmount(res.Records[0].Amount), res.Records[0].Category)
	}
	return action.Succeeded(msg, map[string]any{"ids": ids, "count": n}), nil
}

type modifyParams struct {
	targetParams `mapstructure:",squash"`
	Amount       *float64 `mapstructure:"amount"`
	Type         string   `mapstructure:"transactionType"`
	Note         *string  `mapstructure:"note"`
	NewDate      string   `mapstructure:"newDate"`
}

type modifyTransaction struct {
	store    *ledger.Store
	safety   *safety.Classifier
	resolver Disambiguator
}

func (a *modifyTransaction) Spec() action.Spec {
	return action.Spec{
		ID:          "transaction.modify",
		Name:        "修改记录",
		Description: "修改一条记录的金额、分类、类型、备注或日期",
		Triggers:    []string{"修改", "改成", "改为"},
		Optional: append(targetOptional(),
			action.Param{Name: "amount", Type: action.TypeNumber, Label: "金额"},
			action.Param{Name: "category", Type: action.TypeString, Label: "分类"},
			action.Param{Name: "transactionType", Type: action.TypeString, Pattern: `^(expense|income)$`, Label: "类型"},
			action.Param{Name: "note", Type: action.TypeString, Label: "备注"},
			action.Param{Name: "newDate", Type: action.TypeDatetime, Label: "新日期"},
		),
	}
}

func (a *modifyTransaction) Execute(ctx context.Context, req action.Request) (action.Result, error) {
	var p modifyParams
	if err := decode(req.Params, &p); err != nil {
		return action.Failed("没听懂要改成什么，请再说一遍。"), nil
	}
	changes, fields := p.changes()
	if changes.Empty() {
		return action.Failed("要把它改成什么呢？比如“把上一笔改成50元”。"), nil
	}
	if changes.Date != nil {
		d, ok := normalizeDate(*changes.Date, a.store.Now())
		if !ok {
			return action.Failed("没听懂新的日期，请再说一遍。"), nil
		}
		changes.Date = &d
	}

	q := Query{TargetID: p.TargetID, TargetRef: p.TargetRef, Source: a.store}
	applyDateFilter(&q.Filter, p.Date, p.Period, a.store)
	res, err := resolveTargets(ctx, a.resolver, req.RawInput, q, p.TargetIDs)
	if err != nil {
		return action.Result{}, fmt.Errorf("modify transaction: %w", err)
	}
	if res.Status != StatusResolved {
		return action.Failed(res.Prompt), nil
	}
	if len(res.Records) != 1 {
		return action.Failed("一次只能修改一条记录，请说得具体一些。"), nil
	}
	target := res.Records[0]

	if !req.SkipConfirmation {
		if out, ask := action.FromSafety(a.safety.ClassifyModification(target.Record, fields)); ask {
			return pin(out, []string{target.ID}), nil
		}
	}
	updated, err := a.store.Update(ctx, target.ID, changes)
	if err != nil {
		return action.Result{}, fmt.Errorf("modify transaction: %w", err)
	}
	msg := fmt.Sprintf("已修改：%s%s元（%s）", typeLabel(updated.Type), formatAmount(updated.Amount), updated.Category)
	return action.Succeeded(msg, entryData(updated)), nil
}

// changes splits decoded params into a ledger update and the field map the
// safety classifier grades.
func (p modifyParams) changes() (ledger.Changes, map[string]any) {
	var c ledger.Changes
	fields := make(map[string]any)
	if p.Amount != nil {
		c.Amount = p.Amount
		fields["amount"] = *p.Amount
	}
	if p.Type != "" {
		c.Type = &p.Type
		fields["type"] = p.Type
	}
	if p.Category != "" {
		c.Category = &p.Category
		fields["category"] = p.Category
	}
	if p.Note != nil {
		c.Note = p.Note
		fields["note"] = *p.Note
	}
	if p.NewDate != "" {
		c.Date = &p.NewDate
		fields["date"] = p.NewDate
	}
	return c, fields
}

func applyDateFilter(f *ledger.Filter, date, period string, store *ledger.Store) {
	if d, ok := action.Datetime(date); ok && date != "" {
		f.From = d.Format(ledger.DateLayout)
		f.To = f.From
		return
	}
	if from, to, ok := periodRange(period, store.Now()); ok {
		f.From, f.To = from, to
	}
}

func entryData(e ledger.Entry) map[string]any {
	return map[string]any{
		"id":              e.ID,
		"amount":          e.Amount,
		"category":        e.Category,
		"transactionType": e.Type,
		"date":            e.Date,
		"note":            e.Note,
	}
}
