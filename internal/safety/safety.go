// Package safety assigns confirmation tiers to destructive and modifying operations.
package safety

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// Level is a confirmation tier. Higher levels demand stronger proof of intent.
type Level int

const (
	LevelNone Level = iota
	LevelLight
	LevelStandard
	LevelStrict
	LevelVoiceProhibited
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLight:
		return "light"
	case LevelStandard:
		return "standard"
	case LevelStrict:
		return "strict"
	case LevelVoiceProhibited:
		return "voice_prohibited"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// AllowsVoice reports whether a spoken confirmation is enough at this level.
func (l Level) AllowsVoice() bool {
	return l <= LevelStandard
}

// ParseLevel is the inverse of Level.String.
func ParseLevel(s string) (Level, error) {
	for l := LevelNone; l <= LevelVoiceProhibited; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("unknown confirmation level %q", s)
}

// Transaction types.
const (
	TypeExpense = "expense"
	TypeIncome  = "income"
)

// Record is the ledger row shape the classifier reasons about.
type Record struct {
	ID        string    `json:"id"`
	Amount    float64   `json:"amount"`
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// Result is the outcome of a risk classification.
type Result struct {
	Level                Level  `json:"level"`
	AllowVoiceConfirm    bool   `json:"allow_voice_confirm"`
	RequireScreenConfirm bool   `json:"require_screen_confirm"`
	Prompt               string `json:"prompt,omitempty"`
	IsBlocked            bool   `json:"is_blocked"`
	BlockReason          string `json:"block_reason,omitempty"`
	RedirectRoute        string `json:"redirect_route,omitempty"`
}

// NeedsConfirmation reports whether the operation must wait for the user.
func (r Result) NeedsConfirmation() bool {
	return r.Level > LevelNone && !r.IsBlocked
}

func newResult(level Level, prompt string) Result {
	return Result{
		Level:                level,
		AllowVoiceConfirm:    level.AllowsVoice(),
		RequireScreenConfirm: level >= LevelStrict,
		Prompt:               prompt,
	}
}

// Thresholds are the business-policy numbers behind both ladders.
// Amounts are in the ledger currency.
type Thresholds struct {
	DeleteAmount          float64       `json:"delete_amount" mapstructure:"delete_amount"`
	AgedAfter             time.Duration `json:"aged_after" mapstructure:"aged_after"`
	ModifyAmount          float64       `json:"modify_amount" mapstructure:"modify_amount"`
	ModifyDelta           float64       `json:"modify_delta" mapstructure:"modify_delta"`
	ModifyRelativeDelta   float64       `json:"modify_relative_delta" mapstructure:"modify_relative_delta"`
	ModifyRelativeMinimum float64       `json:"modify_relative_minimum" mapstructure:"modify_relative_minimum"`
	ModifyAgedDelta       float64       `json:"modify_aged_delta" mapstructure:"modify_aged_delta"`
}

// DefaultThresholds returns the stock policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DeleteAmount:          100,
		AgedAfter:             24 * time.Hour,
		ModifyAmount:          500,
		ModifyDelta:           200,
		ModifyRelativeDelta:   0.5,
		ModifyRelativeMinimum: 50,
		ModifyAgedDelta:       20,
	}
}

type highRisk struct {
	pattern *regexp.Regexp
	reason  string
	route   string
}

var highRiskPhrases = []highRisk{
	{regexp.MustCompile(`(?i)清空回收站|empty\s+(the\s+)?trash`), "清空回收站", "/settings/trash"},
	{regexp.MustCompile(`(?i)(删除|删掉|清空)(整个|这个)?账本|delete\s+(the\s+)?(ledger|book)`), "删除账本", "/settings/books"},
	{regexp.MustCompile(`(?i)重置|恢复出厂|\breset\b`), "重置数据", "/settings/reset"},
	{regexp.MustCompile(`(?i)(清空|删除|删掉)(全部|所有)(数据|记录|账单)|wipe\s+(all|everything)`), "清空全部数据", "/settings/data"},
}

var batchDelete = regexp.MustCompile(`(?i)批量|全部|所有|这些|都删|一起删|\ball\b|\bthese\b`)

// Classifier evaluates the deletion and modification ladders.
type Classifier struct {
	th  Thresholds
	now func() time.Time
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithThresholds overrides the stock policy.
func WithThresholds(th Thresholds) Option {
	return func(c *Classifier) { c.th = th }
}

// WithClock injects the time source used for record age.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// NewClassifier builds a Classifier with the default thresholds.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{th: DefaultThresholds(), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Thresholds returns the active policy.
func (c *Classifier) Thresholds() Thresholds {
	return c.th
}

// ClassifyDeletion grades deleting records as requested by utterance.
func (c *Classifier) ClassifyDeletion(records []Record, utterance string) Result {
	for _, hr := range highRiskPhrases {
		if hr.pattern.MatchString(utterance) {
			r := newResult(LevelVoiceProhibited, fmt.Sprintf("%s无法通过语音完成，请到设置页面操作", hr.reason))
			r.IsBlocked = true
			r.BlockReason = hr.reason + "属于高风险操作，不支持语音执行"
			r.RedirectRoute = hr.route
			return r
		}
	}

	if len(records) >= 2 || batchDelete.MatchString(utterance) {
		total := 0.0
		for _, rec := range records {
			total += rec.Amount
		}
		return newResult(LevelStrict, fmt.Sprintf("即将删除%d条记录，合计%s元，请在屏幕上确认", len(records), formatAmount(total)))
	}

	if len(records) == 0 {
		return newResult(LevelNone, "")
	}

	rec := records[0]
	desc := describe(rec)
	if rec.Amount >= c.th.DeleteAmount || c.age(rec) >= c.th.AgedAfter {
		return newResult(LevelStandard, fmt.Sprintf("确定要删除%s吗？", desc))
	}
	return newResult(LevelLight, fmt.Sprintf("删除%s？", desc))
}

// ClassifyModification grades applying changes to record. Keys of changes
// are field names: amount, type (or transactionType), category, note, date.
func (c *Classifier) ClassifyModification(record Record, changes map[string]any) Result {
	changed := changedFields(record, changes)
	if len(changed) == 0 {
		return newResult(LevelNone, "")
	}
	desc := describe(record)

	if newType, ok := changed["type"]; ok {
		return newResult(LevelStrict, fmt.Sprintf("将%s的类型改为%s会影响收支统计，请在屏幕上确认", desc, typeLabel(fmt.Sprint(newType))))
	}

	aged := c.age(record) >= c.th.AgedAfter
	if v, ok := changed["amount"]; ok {
		newAmount := v.(float64)
		delta := math.Abs(newAmount - record.Amount)
		relative := 0.0
		if record.Amount != 0 {
			relative = delta / math.Abs(record.Amount)
		}
		if newAmount >= c.th.ModifyAmount ||
			delta >= c.th.ModifyDelta ||
			(relative > c.th.ModifyRelativeDelta && delta >= c.th.ModifyRelativeMinimum) ||
			(aged && delta >= c.th.ModifyAgedDelta) {
			return newResult(LevelStandard, fmt.Sprintf("确定把%s的金额从%s元改为%s元吗？", desc, formatAmount(record.Amount), formatAmount(newAmount)))
		}
	}

	if len(changed) > 1 {
		return newResult(LevelStandard, fmt.Sprintf("确定同时修改%s的%d项内容吗？", desc, len(changed)))
	}
	if aged {
		return newResult(LevelLight, fmt.Sprintf("修改%s？", desc))
	}
	return newResult(LevelNone, "")
}

func (c *Classifier) age(rec Record) time.Duration {
	if rec.CreatedAt.IsZero() {
		return 0
	}
	return c.now().Sub(rec.CreatedAt)
}

// changedFields keeps only entries that differ from the record, with
// amounts normalised to float64.
func changedFields(rec Record, changes map[string]any) map[string]any {
	out := make(map[string]any, len(changes))
	for k, v := range changes {
		if v == nil {
			continue
		}
		switch k {
		case "amount":
			f, ok := toFloat(v)
			if !ok || f == rec.Amount {
				continue
			}
			out[k] = f
		case "type", "transactionType":
			if s := fmt.Sprint(v); s != "" && s != rec.Type {
				out["type"] = s
			}
		case "category":
			if s := fmt.Sprint(v); s != rec.Category {
				out[k] = s
			}
		case "note":
			if s := fmt.Sprint(v); s != rec.Note {
				out[k] = s
			}
		default:
			out[k] = v
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func describe(rec Record) string {
	var b strings.Builder
	b.WriteString("这笔")
	b.WriteString(formatAmount(rec.Amount))
	b.WriteString("元")
	if rec.Category != "" {
		b.WriteString("的")
		b.WriteString(rec.Category)
	}
	b.WriteString("记录")
	return b.String()
}

func typeLabel(t string) string {
	switch t {
	case TypeIncome:
		return "收入"
	case TypeExpense:
		return "支出"
	default:
		return t
	}
}

func formatAmount(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}
