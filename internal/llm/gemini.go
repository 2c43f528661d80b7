package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"google.golang.org/genai"

	"github.com/metalagman/tally/internal/model"
)

const (
	defaultModel     = "gemini-2.5-flash"
	defaultAPIKeyEnv = "GEMINI_API_KEY"
	pingPrompt       = `回复 {"ok": true}`
)

// Config configures the Gemini client.
type Config struct {
	Enabled     bool    `json:"enabled"               mapstructure:"enabled"`
	Model       string  `json:"model,omitempty"       mapstructure:"model"`
	APIKey      string  `json:"api_key,omitempty"     mapstructure:"api_key"`
	APIKeyEnv   string  `json:"api_key_env,omitempty" mapstructure:"api_key_env"`
	BaseURL     string  `json:"base_url,omitempty"    mapstructure:"base_url"`
	Temperature float32 `json:"temperature,omitempty" mapstructure:"temperature"`
}

// Generator produces one model completion.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

type genaiGenerator struct {
	client      *genai.Client
	model       string
	temperature float32
}

// NewGenerator builds a genai-backed Generator. The API key falls back to
// the APIKeyEnv environment variable.
func NewGenerator(ctx context.Context, cfg Config, httpClient *http.Client) (Generator, error) {
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = defaultModel
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		envKey := strings.TrimSpace(cfg.APIKeyEnv)
		if envKey == "" {
			envKey = defaultAPIKeyEnv
		}
		apiKey = strings.TrimSpace(os.Getenv(envKey))
	}
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required (set llm.api_key or llm.api_key_env)")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.HTTPOptions.BaseURL = base
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &genaiGenerator{client: client, model: modelName, temperature: cfg.Temperature}, nil
}

func (g *genaiGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr(g.temperature),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	return resp.Text(), nil
}

// Gemini implements Classifier on top of a Generator guarded by a circuit breaker.
type Gemini struct {
	gen     Generator
	breaker *gobreaker.CircuitBreaker
	actions func() []string
}

// Option configures Gemini.
type Option func(*gobreaker.Settings, *Gemini)

// WithActionCatalog supplies the action ids listed in every prompt.
func WithActionCatalog(ids func() []string) Option {
	return func(_ *gobreaker.Settings, g *Gemini) { g.actions = ids }
}

// WithBreaker tunes the circuit breaker. It trips after failures
// consecutive errors and probes again after cooldown.
func WithBreaker(failures uint32, cooldown time.Duration) Option {
	return func(s *gobreaker.Settings, _ *Gemini) {
		s.Timeout = cooldown
		s.ReadyToTrip = func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		}
	}
}

// NewGemini wraps gen.
func NewGemini(gen Generator, opts ...Option) *Gemini {
	g := &Gemini{gen: gen, actions: func() []string { return nil }}
	st := gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMalformedOutput) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("component", "llm").Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}
	for _, opt := range opts {
		opt(&st, g)
	}
	g.breaker = gobreaker.NewCircuitBreaker(st)
	return g
}

func (g *Gemini) generate(ctx context.Context, system, prompt string) (string, error) {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.gen.Generate(ctx, system, prompt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", err
	}
	return out.(string), nil
}

// Classify asks the model for a single intent.
func (g *Gemini) Classify(ctx context.Context, text, contextSummary string) (*model.IntentResult, error) {
	out, err := g.generate(ctx, classifySystem, userPrompt(text, contextSummary, g.actions()))
	if err != nil {
		return nil, err
	}
	var w wireIntent
	if err := decode(out, &w); err != nil {
		return nil, err
	}
	res, err := w.toResult(text)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ClassifyDecomposed asks the model to split text into chat and action parts.
func (g *Gemini) ClassifyDecomposed(ctx context.Context, text, contextSummary string) (*model.Decomposed, error) {
	out, err := g.generate(ctx, decomposeSystem, userPrompt(text, contextSummary, g.actions()))
	if err != nil {
		return nil, err
	}
	var w wireDecomposed
	if err := decode(out, &w); err != nil {
		return nil, err
	}

	d := &model.Decomposed{}
	if w.Chat != nil && (w.Chat.ChatResponse != "" || w.Chat.RouteType != "") {
		chat, err := w.Chat.toResult(text)
		if err != nil {
			return nil, err
		}
		chat.RouteType = model.RouteChat
		d.Chat = &chat
	}
	for i, wa := range w.Actions {
		r, err := wa.toResult(text)
		if err != nil {
			return nil, err
		}
		if !r.IsAction() {
			continue
		}
		d.Actions = append(d.Actions, model.FromResult(r, i))
	}
	return d, nil
}

// CheckAvailability pings the model unless the breaker is open.
func (g *Gemini) CheckAvailability(ctx context.Context) bool {
	if g.breaker.State() == gobreaker.StateOpen {
		return false
	}
	_, err := g.generate(ctx, classifySystem, pingPrompt)
	return err == nil
}

// MeasureLatency times one ping round trip.
func (g *Gemini) MeasureLatency(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := g.generate(ctx, classifySystem, pingPrompt); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Warmup primes the connection.
func (g *Gemini) Warmup(ctx context.Context) error {
	if _, err := g.generate(ctx, classifySystem, pingPrompt); err != nil {
		return fmt.Errorf("warm up llm: %w", err)
	}
	log.Debug().Str("component", "llm").Msg("llm warmed up")
	return nil
}

// BreakerState reports the circuit breaker state for diagnostics.
func (g *Gemini) BreakerState() string {
	return g.breaker.State().String()
}
