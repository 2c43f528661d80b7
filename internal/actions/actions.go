// Package actions holds the built-in ledger, budget, statistics and
// navigation actions.
package actions

import (
	"fmt"
	"reflect"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/metalagman/tally/internal/action"
	"github.com/metalagman/tally/internal/ledger"
	"github.com/metalagman/tally/internal/safety"
)

// Deps are the collaborators the built-in actions need.
type Deps struct {
	Ledger    *ledger.Store
	Safety    *safety.Classifier
	Resolver  Disambiguator
	Navigator Navigator
}

// New builds every built-in action.
func New(deps Deps) []action.Action {
	if deps.Safety == nil {
		deps.Safety = safety.NewClassifier(safety.WithClock(deps.Ledger.Now))
	}
	if deps.Resolver == nil {
		deps.Resolver = NewRecentResolver()
	}
	if deps.Navigator == nil {
		deps.Navigator = LogNavigator{}
	}
	return []action.Action{
		&addTransaction{store: deps.Ledger},
		&deleteTransaction{store: deps.Ledger, safety: deps.Safety, resolver: deps.Resolver},
		&modifyTransaction{store: deps.Ledger, safety: deps.Safety, resolver: deps.Resolver},
		&setBudget{store: deps.Ledger},
		&openScreen{nav: deps.Navigator},
		&statistics{store: deps.Ledger},
	}
}

// Register adds the built-in actions to reg.
func Register(reg *action.Registry, deps Deps) error {
	if err := reg.Register(New(deps)...); err != nil {
		return fmt.Errorf("register built-in actions: %w", err)
	}
	return nil
}

// decode maps request params onto a tagged struct, coercing loose types.
func decode(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(timeToDate),
	})
	if err != nil {
		return fmt.Errorf("build param decoder: %w", err)
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

func timeToDate(from, to reflect.Type, data any) (any, error) {
	if t, ok := data.(time.Time); ok && to.Kind() == reflect.String {
		return t.Format(ledger.DateLayout), nil
	}
	return data, nil
}

// normalizeDate accepts any supported datetime form and returns a calendar day.
func normalizeDate(s string, now time.Time) (string, bool) {
	if s == "" {
		return now.Format(ledger.DateLayout), true
	}
	t, ok := action.Datetime(s)
	if !ok {
		return "", false
	}
	return t.Format(ledger.DateLayout), true
}

// Periods understood by statistics and filters.
const (
	PeriodDay       = "day"
	PeriodWeek      = "week"
	PeriodMonth     = "month"
	PeriodYear      = "year"
	PeriodLastMonth = "last_month"
)

var periodLabels = map[string]string{
	PeriodDay:       "今天",
	PeriodWeek:      "本周",
	PeriodMonth:     "本月",
	PeriodYear:      "今年",
	PeriodLastMonth: "上个月",
}

// periodRange returns the inclusive calendar range of period around now.
func periodRange(period string, now time.Time) (from, to string, ok bool) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var start, end time.Time
	switch period {
	case PeriodDay:
		start, end = day, day
	case PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
		end = start.AddDate(0, 0, 6)
	case PeriodMonth:
		start = time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
		end = start.AddDate(0, 1, -1)
	case PeriodLastMonth:
		start = time.Date(day.Year(), day.Month()-1, 1, 0, 0, 0, 0, day.Location())
		end = start.AddDate(0, 1, -1)
	case PeriodYear:
		start = time.Date(day.Year(), 1, 1, 0, 0, 0, 0, day.Location())
		end = time.Date(day.Year(), 12, 31, 0, 0, 0, 0, day.Location())
	default:
		return "", "", false
	}
	return start.Format(ledger.DateLayout), end.Format(ledger.DateLayout), true
}

func formatAmount(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.2f", v)
}

func typeLabel(t string) string {
	if t == safety.TypeIncome {
		return "收入"
	}
	return "支出"
}
