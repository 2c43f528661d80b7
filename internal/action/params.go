package action

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Validation is the outcome of ValidateParams. A name never appears in both lists.
type Validation struct {
	Missing []string
	Invalid []string
}

// OK reports whether the params can be passed to the action.
func (v Validation) OK() bool {
	return len(v.Missing) == 0 && len(v.Invalid) == 0
}

// DateLayouts are the accepted textual datetime forms.
var DateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ValidateParams checks params against the declared schema. Required params
// without a default must be present; present params must match their type
// and pattern. A present but malformed required param is reported as invalid.
func ValidateParams(spec Spec, params map[string]any) Validation {
	var v Validation
	for _, p := range spec.Params() {
		val, present := lookup(params, p.Name)
		if !present {
			if p.Required && p.Default == nil {
				v.Missing = append(v.Missing, p.Name)
			}
			continue
		}
		if !CheckType(p.Type, val) || !matchPattern(p.Pattern, val) {
			v.Invalid = append(v.Invalid, p.Name)
		}
	}
	return v
}

// ApplyDefaults returns a copy of params with declared defaults filled in.
func ApplyDefaults(spec Spec, params map[string]any) map[string]any {
	out := maps.Clone(params)
	if out == nil {
		out = make(map[string]any)
	}
	for _, p := range spec.Params() {
		if _, ok := lookup(out, p.Name); !ok && p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

// ParamAliases lists entity names classifiers use for a declared param.
var ParamAliases = map[string][]string{
	"amount":          {"configValue", "value", "money", "price", "cost", "total"},
	"category":        {"categoryName", "category_name"},
	"date":            {"time", "day", "datetime"},
	"note":            {"description", "remark", "memo"},
	"targetId":        {"recordId", "record_id", "id"},
	"transactionType": {"type", "transaction_type"},
}

// Normalize copies entities and maps aliased names onto declared params
// the entities do not already carry under the declared name.
func Normalize(spec Spec, entities map[string]any) map[string]any {
	out := make(map[string]any, len(entities))
	maps.Copy(out, entities)
	for _, p := range spec.Params() {
		if Present(out, p.Name) {
			continue
		}
		for _, alias := range ParamAliases[p.Name] {
			if Present(entities, alias) {
				out[p.Name] = entities[alias]
				break
			}
		}
	}
	return out
}

// Present reports whether name carries a usable value in params.
func Present(params map[string]any, name string) bool {
	_, ok := lookup(params, name)
	return ok
}

func lookup(params map[string]any, name string) (any, bool) {
	val, ok := params[name]
	if !ok || val == nil {
		return nil, false
	}
	if s, isStr := val.(string); isStr && strings.TrimSpace(s) == "" {
		return nil, false
	}
	return val, true
}

// CheckType reports whether val is acceptable for t.
func CheckType(t ParamType, val any) bool {
	switch t {
	case TypeNumber:
		_, ok := Number(val)
		return ok
	case TypeString:
		_, ok := val.(string)
		return ok
	case TypeBoolean:
		switch b := val.(type) {
		case bool:
			return true
		case string:
			_, err := strconv.ParseBool(b)
			return err == nil
		}
		return false
	case TypeDatetime:
		_, ok := Datetime(val)
		return ok
	case TypeList:
		if val == nil {
			return false
		}
		k := reflect.TypeOf(val).Kind()
		return k == reflect.Slice || k == reflect.Array
	case TypeMap:
		if val == nil {
			return false
		}
		return reflect.TypeOf(val).Kind() == reflect.Map
	default:
		return true
	}
}

// Number converts common numeric representations to float64.
func Number(val any) (float64, bool) {
	switch n := val.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// Datetime converts a time.Time or a textual date to time.Time.
func Datetime(val any) (time.Time, bool) {
	switch d := val.(type) {
	case time.Time:
		return d, true
	case string:
		s := strings.TrimSpace(d)
		for _, layout := range DateLayouts {
			if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

var patternCache sync.Map

func matchPattern(pattern string, val any) bool {
	if pattern == "" {
		return true
	}
	cached, ok := patternCache.Load(pattern)
	if !ok {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		cached, _ = patternCache.LoadOrStore(pattern, re)
	}
	return cached.(*regexp.Regexp).MatchString(fmt.Sprint(val))
}

var defaultLabels = map[string]string{
	"amount":          "金额",
	"category":        "分类",
	"date":            "日期",
	"note":            "备注",
	"transactionType": "收支类型",
	"route":           "页面",
	"targetId":        "要操作的记录",
	"period":          "统计周期",
}

// Label is the user-facing name of a parameter.
func Label(spec Spec, name string) string {
	if p, ok := spec.Param(name); ok && p.Label != "" {
		return p.Label
	}
	if l, ok := defaultLabels[name]; ok {
		return l
	}
	return name
}

// MissingParamPrompt renders the follow-up question for missing params.
func MissingParamPrompt(spec Spec, missing []string) string {
	if len(missing) == 0 {
		return ""
	}
	labels := make([]string, 0, len(missing))
	for _, m := range missing {
		labels = append(labels, Label(spec, m))
	}
	subject := spec.Name
	if subject == "" {
		subject = "这个操作"
	}
	return fmt.Sprintf("%s还需要%s，请告诉我", subject, strings.Join(labels, "、"))
}
