package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/metalagman/tally/internal/action"
	"github.com/metalagman/tally/internal/ledger"
)

type statsParams struct {
	Period   string `mapstructure:"period"`
	Category string `mapstructure:"category"`
}

type statistics struct {
	store *ledger.Store
}

func (a *statistics) Spec() action.Spec {
	return action.Spec{
		ID:          "data.statistics",
		Name:        "收支统计",
		Description: "汇总一个时间范围内的收支",
		Triggers:    []string{"花了多少", "统计"},
		Optional: []action.Param{
			{Name: "period", Type: action.TypeString, Default: PeriodMonth, Pattern: `^(day|week|month|year|last_month)$`, Label: "时间范围"},
			{Name: "category", Type: action.TypeString, Label: "分类"},
		},
	}
}

func (a *statistics) Execute(ctx context.Context, req action.Request) (action.Result, error) {
	var p statsParams
	if err := decode(req.Params, &p); err != nil {
		return action.Failed("没听懂要统计哪段时间。"), nil
	}
	from, to, ok := periodRange(p.Period, a.store.Now())
	if !ok {
		return action.Failed("没听懂要统计哪段时间。"), nil
	}
	sum, err := a.store.Summarize(ctx, from, to)
	if err != nil {
		return action.Result{}, fmt.Errorf("statistics: %w", err)
	}
	label := periodLabels[p.Period]
	data := map[string]any{
		"period":      p.Period,
		"from":        from,
		"to":          to,
		"expense":     sum.Expense,
		"income":      sum.Income,
		"count":       sum.Count,
		"by_category": sum.ByCategory,
	}

	var b strings.Builder
	if p.Category != "" {
		spent := sum.ByCategory[p.Category]
		data["category"] = p.Category
		fmt.Fprintf(&b, "%s%s支出%s元", label, p.Category, formatAmount(spent))
	} else {
		fmt.Fprintf(&b, "%s支出%s元，收入%s元，共%d笔", label, formatAmount(sum.Expense), formatAmount(sum.Income), sum.Count)
		if top, amount := topCategory(sum.ByCategory); top != "" {
			fmt.Fprintf(&b, "，%s花得最多（%s元）", top, formatAmount(amount))
		}
	}

	if p.Period != PeriodLastMonth {
		budget, found, err := a.store.Budget(ctx, p.Period, p.Category)
		if err != nil {
			return action.Result{}, fmt.Errorf("statistics: %w", err)
		}
		if found {
			spent := sum.Expense
			if p.Category != "" {
				spent = sum.ByCategory[p.Category]
			}
			left := budget.Amount - spent
			data["budget"] = budget.Amount
			data["remaining"] = left
			if left >= 0 {
				fmt.Fprintf(&b, "，预算还剩%s元", formatAmount(left))
			} else {
				fmt.Fprintf(&b, "，已超出预算%s元", formatAmount(-left))
			}
		}
	}
	b.WriteString("。")
	return action.Succeeded(b.String(), data), nil
}

func topCategory(by map[string]float64) (string, float64) {
	names := make([]string, 0, len(by))
	for k := range by {
		names = append(names, k)
	}
	sort.Strings(names)
	best, amount := "", 0.0
	for _, k := range names {
		if by[k] > amount {
			best, amount = k, by[k]
		}
	}
	return best, amount
}
