package executor

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/metalagman/tally/internal/action"
	"github.com/metalagman/tally/internal/model"
	"github.com/metalagman/tally/internal/rules"
)

// sanitize coerces a supplied value for p, rejecting implausible input.
func (e *Executor) sanitize(p action.Param, val any) (any, bool) {
	switch p.Type {
	case action.TypeNumber:
		f, ok := action.Number(val)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		if p.Name == "amount" && (f <= 0 || f > e.cfg.MaxAmount) {
			return nil, false
		}
		return f, true
	case action.TypeString:
		s := strings.TrimSpace(fmt.Sprint(val))
		if s == "" {
			return nil, false
		}
		if utf8.RuneCountInString(s) > e.cfg.MaxStringLen {
			s = string([]rune(s)[:e.cfg.MaxStringLen])
		}
		return s, true
	case action.TypeDatetime:
		if t, ok := action.Datetime(val); ok {
			return t.Format("2006-01-02"), true
		}
		if s, ok := val.(string); ok {
			if t, ok := rules.ParseDate(s, e.now()); ok {
				return t.Format("2006-01-02"), true
			}
		}
		return nil, false
	case action.TypeBoolean:
		switch b := val.(type) {
		case bool:
			return b, true
		case string:
			v, err := strconv.ParseBool(strings.TrimSpace(b))
			return v, err == nil
		}
		return nil, false
	default:
		return val, action.CheckType(p.Type, val)
	}
}

// supplement extracts values for the missing names only.
func (e *Executor) supplement(spec action.Spec, missing []string, intent model.IntentResult) map[string]any {
	entities := action.Normalize(spec, intent.Entities)
	out := make(map[string]any)
	for _, name := range missing {
		p, ok := spec.Param(name)
		if !ok {
			continue
		}
		val, present := entities[name]
		if !present || val == nil {
			continue
		}
		if clean, ok := e.sanitize(p, val); ok {
			out[name] = clean
		}
	}
	if len(out) > 0 || intent.IsAction() {
		return out
	}

	// A bare reply like "50" or "和同事聚餐" answers the single missing param.
	if len(missing) != 1 {
		return out
	}
	p, ok := spec.Param(missing[0])
	if !ok {
		return out
	}
	raw := strings.TrimSpace(intent.RawInput)
	switch p.Type {
	case action.TypeNumber:
		raw = strings.TrimRight(raw, "元块钱 ")
	case action.TypeString:
		if len(intent.Entities) > 0 {
			return out
		}
	default:
		return out
	}
	if clean, ok := e.sanitize(p, raw); ok {
		out[p.Name] = clean
	}
	return out
}

// IsNewCommand decides whether an utterance arriving while parameters are
// pending is an unrelated command rather than a supplement. It is a new
// command when it is a confident action that resolves either to a
// different action or to an action whose parameters it fully supplies.
func (e *Executor) IsNewCommand(p *PendingAction, intent model.IntentResult) bool {
	if !intent.IsAction() || intent.Confidence < e.cfg.NewCommandConfidence {
		return false
	}
	a, ok := e.registry.Resolve(intent.Category, intent.Action, intent.RawInput)
	if !ok {
		return false
	}
	if a.Spec().ID != p.Action.Spec().ID {
		return true
	}
	spec := a.Spec()
	if len(spec.Required) == 0 {
		return false
	}
	return action.ValidateParams(spec, action.Normalize(spec, intent.Entities)).OK()
}

// describe renders "记账：金额 30，分类 餐饮".
func describe(spec action.Spec, params map[string]any) string {
	var parts []string
	for _, p := range spec.Params() {
		v, ok := params[p.Name]
		if !ok || v == nil || p.Hidden {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s", action.Label(spec, p.Name), formatValue(v)))
	}
	name := spec.Name
	if name == "" {
		name = spec.ID
	}
	if len(parts) == 0 {
		return name
	}
	return name + "：" + strings.Join(parts, "，")
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		if x == math.Trunc(x) {
			return strconv.FormatFloat(x, 'f', 0, 64)
		}
		return strconv.FormatFloat(x, 'f', 2, 64)
	case time.Time:
		return x.Format("2006-01-02")
	default:
		return fmt.Sprint(v)
	}
}

func labels(spec action.Spec, names []string) string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, action.Label(spec, n))
	}
	return strings.Join(out, "、")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
