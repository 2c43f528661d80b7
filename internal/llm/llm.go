// Package llm is the language-model intent classifier collaborator.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/metalagman/tally/internal/model"
)

var (
	// ErrUnavailable means the classifier cannot be consulted right now.
	ErrUnavailable = errors.New("llm unavailable")
	// ErrMalformedOutput means the model answered with something unusable.
	ErrMalformedOutput = errors.New("llm returned malformed output")
)

// Classifier is the contract the router consumes. Any error means
// "unavailable now" and is never a classification.
type Classifier interface {
	Classify(ctx context.Context, text, contextSummary string) (*model.IntentResult, error)
	ClassifyDecomposed(ctx context.Context, text, contextSummary string) (*model.Decomposed, error)
	CheckAvailability(ctx context.Context) bool
	MeasureLatency(ctx context.Context) (time.Duration, error)
	Warmup(ctx context.Context) error
}

// Disabled is the classifier used when no model is configured.
type Disabled struct{}

func (Disabled) Classify(context.Context, string, string) (*model.IntentResult, error) {
	return nil, ErrUnavailable
}

func (Disabled) ClassifyDecomposed(context.Context, string, string) (*model.Decomposed, error) {
	return nil, ErrUnavailable
}

func (Disabled) CheckAvailability(context.Context) bool { return false }

func (Disabled) MeasureLatency(context.Context) (time.Duration, error) { return 0, ErrUnavailable }

func (Disabled) Warmup(context.Context) error { return nil }

// wireIntent is the JSON shape the model is asked to produce.
type wireIntent struct {
	RouteType    string         `json:"route_type"`
	Confidence   float64        `json:"confidence"`
	Category     string         `json:"category"`
	Action       string         `json:"action"`
	Entities     map[string]any `json:"entities"`
	Emotion      string         `json:"emotion"`
	ChatResponse string         `json:"chat_response"`
}

type wireDecomposed struct {
	Chat    *wireIntent  `json:"chat"`
	Actions []wireIntent `json:"actions"`
}

// extractJSON returns the outermost JSON object embedded in content.
func extractJSON(content string) string {
	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}
	end := strings.LastIndex(content, "}")
	if end == -1 || end <= start {
		return ""
	}
	return content[start : end+1]
}

func decode(content string, v any) error {
	raw := extractJSON(content)
	if raw == "" {
		return fmt.Errorf("%w: no json object", ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

func (w wireIntent) toResult(raw string) (model.IntentResult, error) {
	rt := model.RouteType(strings.ToLower(strings.TrimSpace(w.RouteType)))
	switch rt {
	case model.RouteChat, model.RouteAction, model.RouteHybrid, model.RouteUnknown:
	default:
		return model.IntentResult{}, fmt.Errorf("%w: route_type %q", ErrMalformedOutput, w.RouteType)
	}
	category, act := strings.TrimSpace(w.Category), strings.TrimSpace(w.Action)
	if (rt == model.RouteAction || rt == model.RouteHybrid) && act == "" {
		return model.IntentResult{}, fmt.Errorf("%w: %s without action", ErrMalformedOutput, rt)
	}
	return model.IntentResult{
		RouteType:    rt,
		Confidence:   min(max(w.Confidence, 0), 1),
		Category:     category,
		Action:       act,
		Entities:     w.Entities,
		Emotion:      w.Emotion,
		ChatResponse: w.ChatResponse,
		RawInput:     raw,
		Source:       model.SourceLLM,
	}, nil
}
