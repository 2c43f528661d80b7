package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/tally/internal/safety"
)

func noop(spec Spec) Action {
	return Func(spec, func(context.Context, Request) (Result, error) {
		return Succeeded(spec.ID, nil), nil
	})
}

func addSpec() Spec {
	return Spec{
		ID:       "transaction.add",
		Name:     "记账",
		Triggers: []string{"记一笔", "记账"},
		Required: []Param{{Name: "amount", Type: TypeNumber}},
		Optional: []Param{
			{Name: "category", Type: TypeString, Default: "其他"},
			{Name: "date", Type: TypeDatetime},
			{Name: "note", Type: TypeString, Pattern: `^.{0,10}$`},
		},
	}
}

func TestValidateParams(t *testing.T) {
	spec := addSpec()
	spec.Required = append(spec.Required, Param{Name: "currency", Type: TypeString, Default: "CNY"})

	tests := []struct {
		name    string
		params  map[string]any
		missing []string
		invalid []string
	}{
		{name: "complete", params: map[string]any{"amount": 12.5}},
		{name: "numeric string", params: map[string]any{"amount": "30"}},
		{name: "missing amount", params: map[string]any{"category": "餐饮"}, missing: []string{"amount"}},
		{name: "blank amount is missing", params: map[string]any{"amount": "  "}, missing: []string{"amount"}},
		{name: "malformed amount", params: map[string]any{"amount": "lots"}, invalid: []string{"amount"}},
		{name: "bad date", params: map[string]any{"amount": 1, "date": "someday"}, invalid: []string{"date"}},
		{name: "iso date", params: map[string]any{"amount": 1, "date": "2026-03-01"}},
		{name: "pattern", params: map[string]any{"amount": 1, "note": "this note is far too long"}, invalid: []string{"note"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := ValidateParams(spec, tt.params)
			assert.Equal(t, tt.missing, v.Missing)
			assert.Equal(t, tt.invalid, v.Invalid)
			for _, m := range v.Missing {
				assert.NotContains(t, v.Invalid, m)
			}
			assert.Equal(t, len(tt.missing) == 0 && len(tt.invalid) == 0, v.OK())
		})
	}
}

func TestCheckType(t *testing.T) {
	assert.True(t, CheckType(TypeBoolean, "true"))
	assert.False(t, CheckType(TypeBoolean, "maybe"))
	assert.True(t, CheckType(TypeList, []string{"a"}))
	assert.False(t, CheckType(TypeList, "a"))
	assert.True(t, CheckType(TypeMap, map[string]any{}))
	assert.False(t, CheckType(TypeMap, 3))
}

func TestApplyDefaults(t *testing.T) {
	in := map[string]any{"amount": 1.0}
	out := ApplyDefaults(addSpec(), in)
	assert.Equal(t, "其他", out["category"])
	assert.NotContains(t, in, "category")
}

func TestMissingParamPrompt(t *testing.T) {
	got := MissingParamPrompt(addSpec(), []string{"amount", "date"})
	assert.Equal(t, "记账还需要金额、日期，请告诉我", got)
	assert.Empty(t, MissingParamPrompt(addSpec(), nil))
}

func TestFromSafety(t *testing.T) {
	_, ask := FromSafety(safety.Result{Level: safety.LevelNone})
	assert.False(t, ask)

	r, ask := FromSafety(safety.Result{Level: safety.LevelStandard, Prompt: "确定吗？"})
	require.True(t, ask)
	assert.True(t, r.NeedsConfirmation)
	assert.Equal(t, safety.LevelStandard, r.ConfirmLevel)

	r, ask = FromSafety(safety.Result{Level: safety.LevelStrict, Prompt: "请在屏幕上确认", RedirectRoute: "/records"})
	require.True(t, ask)
	assert.True(t, r.NeedsConfirmation)
	assert.Equal(t, "/records", r.RedirectRoute)

	r, ask = FromSafety(safety.Result{Level: safety.LevelVoiceProhibited, IsBlocked: true, RedirectRoute: "/settings/trash"})
	require.True(t, ask)
	assert.True(t, r.Blocked)
	assert.False(t, r.NeedsConfirmation)
	assert.Equal(t, "/settings/trash", r.RedirectRoute)
}

func TestSpecCategory(t *testing.T) {
	assert.Equal(t, "transaction", addSpec().Category())
	assert.Equal(t, "help", Spec{ID: "help"}.Category())
}

func TestNormalize(t *testing.T) {
	in := map[string]any{"configValue": 30, "memo": "午饭", "note": "", "extra": true}
	out := Normalize(addSpec(), in)
	assert.Equal(t, 30, out["amount"])
	assert.Equal(t, "午饭", out["note"])
	assert.Equal(t, true, out["extra"])
	assert.NotContains(t, in, "amount", "input is not mutated")

	out = Normalize(addSpec(), map[string]any{"amount": 5, "value": 9})
	assert.Equal(t, 5, out["amount"])
}

func TestDemandsConfirmation(t *testing.T) {
	spec := Spec{ID: "transaction.add", ConfirmationThreshold: 1000}
	assert.False(t, spec.DemandsConfirmation(map[string]any{"amount": 999.0}))
	assert.True(t, spec.DemandsConfirmation(map[string]any{"amount": 1000.0}))
	assert.False(t, spec.DemandsConfirmation(nil))

	spec = Spec{ID: "budget.set", RequiresConfirmation: true}
	assert.True(t, spec.DemandsConfirmation(nil))
}
