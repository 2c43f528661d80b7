// Package router decides, per utterance, which recognizer to trust.
package router

import (
	"context"
	"maps"
	"time"

	"github.com/rs/zerolog"

	"github.com/metalagman/tally/internal/llm"
	"github.com/metalagman/tally/internal/logging"
	"github.com/metalagman/tally/internal/metrics"
	"github.com/metalagman/tally/internal/model"
	"github.com/metalagman/tally/internal/network"
)

// RuleClassifier is the deterministic recognizer.
type RuleClassifier interface {
	Classify(input string) model.IntentResult
	Decompose(input string) model.Decomposed
}

// StatusSource exposes the cached network status.
type StatusSource interface {
	Status() network.Status
}

// Config holds the routing policy.
type Config struct {
	LLMTimeout  time.Duration `json:"llm_timeout" mapstructure:"llm_timeout"`
	LLMRetries  int           `json:"llm_retries" mapstructure:"llm_retries"`
	AcceptLLM   float64       `json:"accept_llm" mapstructure:"accept_llm"`
	AcceptRule  float64       `json:"accept_rule" mapstructure:"accept_rule"`
	MergeMargin float64       `json:"merge_margin" mapstructure:"merge_margin"`
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		LLMTimeout:  3 * time.Second,
		LLMRetries:  1,
		AcceptLLM:   0.7,
		AcceptRule:  0.85,
		MergeMargin: 0.1,
	}
}

// Router is safe for concurrent use.
type Router struct {
	rules RuleClassifier
	llm   llm.Classifier
	net   StatusSource
	cfg   Config
	log   zerolog.Logger
}

// New builds a Router. A nil classifier disables the language model.
func New(rules RuleClassifier, classifier llm.Classifier, net StatusSource, cfg Config) *Router {
	if classifier == nil {
		classifier = llm.Disabled{}
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = DefaultConfig().LLMTimeout
	}
	return &Router{rules: rules, llm: classifier, net: net, cfg: cfg, log: logging.Component("router")}
}

// Route classifies one utterance. It never fails: classifier errors fall
// through to the rule engine.
func (r *Router) Route(ctx context.Context, input, contextSummary string) model.IntentResult {
	mode := r.net.Status().Mode
	var res model.IntentResult
	switch mode {
	case network.ModeLLMPreferred:
		res = r.routeLLMPreferred(ctx, input, contextSummary)
	case network.ModeRulePreferred:
		res = r.routeRulePreferred(ctx, input, contextSummary)
	default:
		res = r.rules.Classify(input)
	}
	res.RawInput = input

	metrics.RecordRoute(string(mode), string(res.Source))
	r.log.Debug().Str("mode", string(mode)).Str("source", string(res.Source)).
		Str("intent", res.IntentID()).Float64("confidence", res.Confidence).Msg("routed")
	return res
}

func (r *Router) routeLLMPreferred(ctx context.Context, input, summary string) model.IntentResult {
	got, err := r.classify(ctx, input, summary, r.cfg.LLMRetries)
	if err != nil {
		r.log.Debug().Err(err).Msg("llm unavailable, using rules")
		return r.rules.Classify(input)
	}
	if got.Confidence >= r.cfg.AcceptLLM {
		return *got
	}
	return Merge(*got, r.rules.Classify(input), r.cfg.MergeMargin)
}

func (r *Router) routeRulePreferred(ctx context.Context, input, summary string) model.IntentResult {
	ruled := r.rules.Classify(input)
	if ruled.Confidence >= r.cfg.AcceptRule {
		return ruled
	}
	got, err := r.classify(ctx, input, summary, 0)
	if err != nil {
		return ruled
	}
	if got.Confidence > ruled.Confidence {
		return *got
	}
	return ruled
}

// classify calls the language model with a bounded timeout per attempt.
func (r *Router) classify(ctx context.Context, input, summary string, retries int) (*model.IntentResult, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res, err := r.callWithTimeout(ctx, "classify", func(c context.Context) (any, error) {
			return r.llm.Classify(c, input, summary)
		})
		if err == nil {
			if got, _ := res.(*model.IntentResult); got != nil {
				return got, nil
			}
			err = llm.ErrUnavailable
		}
		lastErr = err
	}
	return nil, lastErr
}

func (r *Router) callWithTimeout(ctx context.Context, call string, fn func(context.Context) (any, error)) (any, error) {
	c, cancel := context.WithTimeout(ctx, r.cfg.LLMTimeout)
	defer cancel()

	type reply struct {
		v   any
		err error
	}
	done := make(chan reply, 1)
	start := time.Now()
	go func() {
		v, err := fn(c)
		done <- reply{v, err}
	}()
	select {
	case rep := <-done:
		metrics.RecordLLMCall(call, rep.err, time.Since(start))
		return rep.v, rep.err
	case <-c.Done():
		metrics.RecordLLMCall(call, c.Err(), time.Since(start))
		return nil, c.Err()
	}
}

// Decompose splits an utterance into chat and action parts, preferring the
// language model when the network allows it.
func (r *Router) Decompose(ctx context.Context, input, contextSummary string) model.Decomposed {
	mode := r.net.Status().Mode
	switch mode {
	case network.ModeRuleOnly:
		return r.rules.Decompose(input)
	case network.ModeRulePreferred:
		ruled := r.rules.Decompose(input)
		if r.confident(ruled) {
			return ruled
		}
		if d, err := r.decompose(ctx, input, contextSummary, 0); err == nil {
			return *d
		}
		return ruled
	default:
		if d, err := r.decompose(ctx, input, contextSummary, r.cfg.LLMRetries); err == nil {
			return *d
		}
		return r.rules.Decompose(input)
	}
}

func (r *Router) confident(d model.Decomposed) bool {
	if len(d.Actions) == 0 {
		return d.Chat != nil && d.Chat.Confidence >= r.cfg.AcceptRule
	}
	for _, a := range d.Actions {
		if a.Confidence < r.cfg.AcceptRule {
			return false
		}
	}
	return true
}

func (r *Router) decompose(ctx context.Context, input, summary string, retries int) (*model.Decomposed, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res, err := r.callWithTimeout(ctx, "decompose", func(c context.Context) (any, error) {
			return r.llm.ClassifyDecomposed(c, input, summary)
		})
		if err == nil {
			d, _ := res.(*model.Decomposed)
			if d != nil && (d.Chat != nil || len(d.Actions) > 0) {
				for i := range d.Actions {
					if d.Actions[i].OriginalText == "" {
						d.Actions[i].OriginalText = input
					}
				}
				return d, nil
			}
			err = llm.ErrMalformedOutput
		}
		lastErr = err
	}
	return nil, lastErr
}

// Merge fuses a language model result with a rule result. The model's
// classification wins only when it beats the rule by more than margin;
// its emotion and chat response are kept either way.
func Merge(fromLLM, fromRule model.IntentResult, margin float64) model.IntentResult {
	var out model.IntentResult
	if fromLLM.Confidence > fromRule.Confidence+margin {
		out = fromLLM
		out.Entities = union(fromRule.Entities, fromLLM.Entities)
	} else {
		out = fromRule
		out.Entities = union(fromLLM.Entities, fromRule.Entities)
		if fromLLM.Emotion != "" {
			out.Emotion = fromLLM.Emotion
		}
		if fromLLM.ChatResponse != "" {
			out.ChatResponse = fromLLM.ChatResponse
		}
	}
	out.Source = model.SourceHybrid
	if out.RawInput == "" {
		out.RawInput = fromRule.RawInput
	}
	return out
}

// union copies low then high; high wins on collisions.
func union(low, high map[string]any) map[string]any {
	if len(low) == 0 && len(high) == 0 {
		return nil
	}
	out := make(map[string]any, len(low)+len(high))
	maps.Copy(out, low)
	maps.Copy(out, high)
	return out
}
