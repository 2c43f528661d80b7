// Package model holds the intent types shared by the router, executor, queue and orchestrator.
package model

import (
	"maps"
	"strings"
)

// RouteType is the coarse class of an utterance.
type RouteType string

const (
	RouteChat    RouteType = "chat"
	RouteAction  RouteType = "action"
	RouteHybrid  RouteType = "hybrid"
	RouteUnknown RouteType = "unknown"
)

// Source records which recognizer produced an IntentResult.
type Source string

const (
	SourceLLM    Source = "llm"
	SourceRule   Source = "rule"
	SourceCache  Source = "cache"
	SourceHybrid Source = "hybrid"
)

// Reply categories the rule engine and the LLM use for dialogue control.
const (
	CategoryConfirm = "confirm"
	CategoryCancel  = "cancel"
	CategoryChat    = "chat"
)

// IntentResult is the output of intent routing.
type IntentResult struct {
	RouteType    RouteType      `json:"route_type"`
	Confidence   float64        `json:"confidence"`
	Category     string         `json:"category"`
	Action       string         `json:"action"`
	Entities     map[string]any `json:"entities,omitempty"`
	Emotion      string         `json:"emotion,omitempty"`
	ChatResponse string         `json:"chat_response,omitempty"`
	RawInput     string         `json:"raw_input"`
	Source       Source         `json:"source"`
}

// IntentID is the dotted category.action identifier.
func (r IntentResult) IntentID() string {
	if r.Category == "" {
		return r.Action
	}
	if r.Action == "" {
		return r.Category
	}
	return r.Category + "." + r.Action
}

// IsAction reports whether the result names something to execute.
func (r IntentResult) IsAction() bool {
	return (r.RouteType == RouteAction || r.RouteType == RouteHybrid) && r.Action != ""
}

// WithEntities returns a copy of r with its own entity map.
func (r IntentResult) WithEntities(entities map[string]any) IntentResult {
	r.Entities = maps.Clone(entities)
	return r
}

// Unknown builds the "nothing recognised" result.
func Unknown(raw string) IntentResult {
	return IntentResult{RouteType: RouteUnknown, RawInput: raw, Source: SourceRule}
}

// ActionIntent is one executable sub-command split out of an utterance.
type ActionIntent struct {
	Category     string         `json:"category"`
	Action       string         `json:"action"`
	Entities     map[string]any `json:"entities,omitempty"`
	OriginalText string         `json:"original_text"`
	Confidence   float64        `json:"confidence"`
	Priority     int            `json:"priority"`
}

// IntentID is the dotted category.action identifier.
func (a ActionIntent) IntentID() string {
	return IntentResult{Category: a.Category, Action: a.Action}.IntentID()
}

// AsResult converts the sub-command into a routable action result.
func (a ActionIntent) AsResult(src Source) IntentResult {
	return IntentResult{
		RouteType:  RouteAction,
		Confidence: a.Confidence,
		Category:   a.Category,
		Action:     a.Action,
		Entities:   maps.Clone(a.Entities),
		RawInput:   a.OriginalText,
		Source:     src,
	}
}

// FromResult turns a routed action into a sub-command.
func FromResult(r IntentResult, priority int) ActionIntent {
	return ActionIntent{
		Category:     r.Category,
		Action:       r.Action,
		Entities:     maps.Clone(r.Entities),
		OriginalText: r.RawInput,
		Confidence:   r.Confidence,
		Priority:     priority,
	}
}

// Decomposed is an utterance split into its chat part and its action parts.
type Decomposed struct {
	Chat    *IntentResult  `json:"chat,omitempty"`
	Actions []ActionIntent `json:"actions"`
}

// IsHybrid reports whether the utterance mixes conversation with commands.
func (d Decomposed) IsHybrid() bool {
	return d.Chat != nil && strings.TrimSpace(d.Chat.ChatResponse) != "" && len(d.Actions) > 0
}
