// Package rules is the deterministic intent classifier. Its pattern table
// is a YAML document embedded at build time and may be replaced at runtime.
package rules

import (
	_ "embed"
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/metalagman/tally/internal/model"
)

//go:embed patterns.yaml
var defaultTable []byte

// Confidence assigned to results the table does not score itself.
const (
	ReplyConfidence    = 0.95
	ChatConfidence     = 0.9
	ImplicitConfidence = 0.65
	MissingConfidence  = 0.6
	FragmentConfidence = 0.3
)

// Table is the YAML pattern table.
type Table struct {
	Particles  string              `yaml:"particles"`
	Confirm    []string            `yaml:"confirm"`
	Cancel     []string            `yaml:"cancel"`
	Separators []string            `yaml:"separators"`
	Intents    []IntentRule        `yaml:"intents"`
	Chat       []ChatRule          `yaml:"chat"`
	Categories map[string][]string `yaml:"categories"`
	Periods    map[string][]string `yaml:"periods"`
	References []string            `yaml:"references"`
}

// IntentRule maps patterns to an action intent.
type IntentRule struct {
	Category   string         `yaml:"category"`
	Action     string         `yaml:"action"`
	Confidence float64        `yaml:"confidence"`
	Requires   []string       `yaml:"requires"`
	Patterns   []string       `yaml:"patterns"`
	Entities   map[string]any `yaml:"entities"`
}

// ChatRule maps patterns to a canned small-talk reply.
type ChatRule struct {
	Patterns []string `yaml:"patterns"`
	Response string   `yaml:"response"`
	Emotion  string   `yaml:"emotion"`
}

type compiledIntent struct {
	IntentRule
	res []*regexp.Regexp
}

type compiledChat struct {
	ChatRule
	res []*regexp.Regexp
}

type keyword struct {
	word  string
	value string
}

// Engine classifies utterances against a Table.
type Engine struct {
	table      Table
	intents    []compiledIntent
	chat       []compiledChat
	categories []keyword
	periods    []keyword
	separators *regexp.Regexp
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source for relative dates.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Default builds an Engine from the embedded table.
func Default(opts ...Option) (*Engine, error) {
	return Parse(defaultTable, opts...)
}

// Load builds an Engine from a table file on disk.
func Load(path string, opts ...Option) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	return Parse(data, opts...)
}

// Parse builds an Engine from YAML.
func Parse(data []byte, opts ...Option) (*Engine, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	e := &Engine{table: t, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}

	for i, ir := range t.Intents {
		ci := compiledIntent{IntentRule: ir}
		for _, p := range ir.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("compile intent %d (%s.%s) pattern %q: %w", i, ir.Category, ir.Action, p, err)
			}
			ci.res = append(ci.res, re)
		}
		e.intents = append(e.intents, ci)
	}
	for i, cr := range t.Chat {
		cc := compiledChat{ChatRule: cr}
		for _, p := range cr.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("compile chat rule %d pattern %q: %w", i, p, err)
			}
			cc.res = append(cc.res, re)
		}
		e.chat = append(e.chat, cc)
	}

	e.categories = keywords(t.Categories, true)
	e.periods = keywords(t.Periods, false)

	if len(t.Separators) > 0 {
		quoted := make([]string, 0, len(t.Separators))
		for _, s := range t.Separators {
			quoted = append(quoted, regexp.QuoteMeta(s))
		}
		e.separators = regexp.MustCompile(strings.Join(quoted, "|"))
	}
	return e, nil
}

// keywords flattens a value->words table, longest word first.
func keywords(table map[string][]string, includeValue bool) []keyword {
	var out []keyword
	for value, words := range table {
		if includeValue {
			out = append(out, keyword{word: value, value: value})
		}
		for _, w := range words {
			out = append(out, keyword{word: strings.ToLower(w), value: value})
		}
	}
	slices.SortFunc(out, func(a, b keyword) int {
		if la, lb := utf8.RuneCountInString(a.word), utf8.RuneCountInString(b.word); la != lb {
			return lb - la
		}
		return strings.Compare(a.value+a.word, b.value+b.word)
	})
	return out
}

// Classify runs the rule table over one utterance.
func (e *Engine) Classify(input string) model.IntentResult {
	text := strings.TrimSpace(input)
	res := model.IntentResult{RouteType: model.RouteUnknown, RawInput: input, Source: model.SourceRule}
	if text == "" {
		return res
	}

	if cat := e.MatchReply(text); cat != "" {
		res.RouteType = model.RouteChat
		res.Category = cat
		res.Confidence = ReplyConfidence
		res.ChatResponse = "好的。"
		return res
	}

	entities := e.ExtractEntities(text)
	chat, isChat := e.matchChat(text)
	rule, isAction := e.matchIntent(text)

	switch {
	case isAction:
		res.RouteType = model.RouteAction
		res.Category = rule.Category
		res.Action = rule.Action
		res.Confidence = rule.Confidence
		maps.Copy(entities, rule.Entities)
		for _, req := range rule.Requires {
			if _, ok := entities[req]; !ok {
				res.Confidence = min(res.Confidence, MissingConfidence)
			}
		}
		if isChat {
			res.RouteType = model.RouteHybrid
			res.ChatResponse = chat.Response
			res.Emotion = chat.Emotion
		}
	case isChat:
		res.RouteType = model.RouteChat
		res.Category = model.CategoryChat
		res.Confidence = ChatConfidence
		res.ChatResponse = chat.Response
		res.Emotion = chat.Emotion
	case entities["amount"] != nil && entities["category"] != nil:
		// "午饭30" carries no verb but is plainly an expense.
		res.RouteType = model.RouteAction
		res.Category = "transaction"
		res.Action = "add"
		res.Confidence = ImplicitConfidence
	case len(entities) > 0:
		res.Confidence = FragmentConfidence
	}
	if len(entities) > 0 {
		res.Entities = entities
	}
	return res
}

func (e *Engine) matchIntent(text string) (IntentRule, bool) {
	for _, ci := range e.intents {
		for _, re := range ci.res {
			if re.MatchString(text) {
				return ci.IntentRule, true
			}
		}
	}
	return IntentRule{}, false
}

func (e *Engine) matchChat(text string) (ChatRule, bool) {
	for _, cc := range e.chat {
		for _, re := range cc.res {
			if re.MatchString(text) {
				return cc.ChatRule, true
			}
		}
	}
	return ChatRule{}, false
}

const replyPunctuation = "。！!？?，,.~～… \t"

// MatchReply reports whether text is exactly a confirmation or cancellation,
// optionally followed by up to two particles. It returns model.CategoryConfirm,
// model.CategoryCancel or "".
func (e *Engine) MatchReply(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimRight(s, replyPunctuation)
	if s == "" {
		return ""
	}
	best, bestLen := "", 0
	try := func(phrases []string, category string) {
		for _, p := range phrases {
			p = strings.ToLower(p)
			if !strings.HasPrefix(s, p) || len(p) <= bestLen {
				continue
			}
			if e.onlyParticles(s[len(p):]) {
				best, bestLen = category, len(p)
			}
		}
	}
	try(e.table.Confirm, model.CategoryConfirm)
	try(e.table.Cancel, model.CategoryCancel)
	return best
}

func (e *Engine) onlyParticles(rest string) bool {
	if utf8.RuneCountInString(rest) > 2 {
		return false
	}
	for _, r := range rest {
		if !strings.ContainsRune(e.table.Particles, r) {
			return false
		}
	}
	return true
}

// Split cuts an utterance into clauses on the table's separators.
func (e *Engine) Split(input string) []string {
	if e.separators == nil {
		if s := strings.TrimSpace(input); s != "" {
			return []string{s}
		}
		return nil
	}
	var out []string
	for _, part := range e.separators.Split(input, -1) {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Decompose splits an utterance into a chat part and action parts. Clauses
// that carry only entities are folded into the preceding action.
func (e *Engine) Decompose(input string) model.Decomposed {
	var d model.Decomposed
	for _, clause := range e.Split(input) {
		r := e.Classify(clause)
		switch {
		case r.IsAction():
			d.Actions = append(d.Actions, model.FromResult(r, len(d.Actions)))
			if r.RouteType == model.RouteHybrid && d.Chat == nil {
				chat := r
				chat.RouteType = model.RouteChat
				d.Chat = &chat
			}
		case r.RouteType == model.RouteChat && r.Category == model.CategoryChat:
			if d.Chat == nil {
				d.Chat = &r
			}
		case len(r.Entities) > 0 && len(d.Actions) > 0:
			last := &d.Actions[len(d.Actions)-1]
			if last.Entities == nil {
				last.Entities = make(map[string]any)
			}
			for k, v := range r.Entities {
				if _, ok := last.Entities[k]; !ok {
					last.Entities[k] = v
				}
			}
			last.OriginalText += "，" + clause
		}
	}
	if len(d.Actions) == 0 && d.Chat == nil {
		whole := e.Classify(input)
		if whole.IsAction() {
			d.Actions = []model.ActionIntent{model.FromResult(whole, 0)}
		} else {
			d.Chat = &whole
		}
	}
	return d
}
