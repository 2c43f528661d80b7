package actions

import (
	"context"
	"fmt"

	"github.com/metalagman/tally/internal/action"
	"github.com/metalagman/tally/internal/ledger"
)

type budgetParams struct {
	Amount   float64 `mapstructure:"amount"`
	Period   string  `mapstructure:"period"`
	Category string  `mapstructure:"category"`
}

type setBudget struct {
	store *ledger.Store
}

func (a *setBudget) Spec() action.Spec {
	return action.Spec{
		ID:          "budget.set",
		Name:        "设置预算",
		Description: "设置某个周期的总预算或分类预算",
		Triggers:    []string{"预算"},
		Required: []action.Param{
			{Name: "amount", Type: action.TypeNumber, Label: "预算金额"},
		},
		Optional: []action.Param{
			{Name: "period", Type: action.TypeString, Default: PeriodMonth, Pattern: `^(day|week|month|year)$`, Label: "周期"},
			{Name: "category", Type: action.TypeString, Label: "分类"},
		},
	}
}

func (a *setBudget) Execute(ctx context.Context, req action.Request) (action.Result, error) {
	var p budgetParams
	if err := decode(req.Params, &p); err != nil {
		return action.Failed("预算金额的格式不对，请再说一遍。"), nil
	}
	if p.Amount <= 0 {
		return action.Failed("预算金额需要大于0。"), nil
	}
	b := ledger.Budget{Period: p.Period, Category: p.Category, Amount: p.Amount}
	if err := a.store.SetBudget(ctx, b); err != nil {
		return action.Result{}, fmt.Errorf("set budget: %w", err)
	}
	scope := periodLabels[p.Period]
	if p.Category != "" {
		scope += p.Category
	}
	return action.Succeeded(fmt.Sprintf("已将%s预算设为%s元", scope, formatAmount(p.Amount)), map[string]any{
		"period":   b.Period,
		"category": b.Category,
		"amount":   b.Amount,
	}), nil
}
