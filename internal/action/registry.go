package action

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// DefaultAliases maps intent ids some classifiers emit to registered action ids.
var DefaultAliases = map[string]string{
	"query.statistics":   "data.statistics",
	"query.stats":        "data.statistics",
	"record.add":         "transaction.add",
	"record.delete":      "transaction.delete",
	"record.modify":      "transaction.modify",
	"transaction.create": "transaction.add",
	"transaction.update": "transaction.modify",
	"transaction.remove": "transaction.delete",
	"budget.update":      "budget.set",
	"navigate.open":      "navigation.open",
	"navigation.goto":    "navigation.open",
}

// Registry is the catalog of actions. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
	order   []string
	aliases map[string]string
}

// NewRegistry returns an empty registry seeded with DefaultAliases.
func NewRegistry() *Registry {
	r := &Registry{
		actions: make(map[string]Action),
		aliases: make(map[string]string, len(DefaultAliases)),
	}
	for k, v := range DefaultAliases {
		r.aliases[k] = v
	}
	return r
}

// Register adds actions. Ids must be unique.
func (r *Registry) Register(actions ...Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range actions {
		id := a.Spec().ID
		if id == "" {
			return fmt.Errorf("register action: empty id")
		}
		if _, exists := r.actions[id]; exists {
			return fmt.Errorf("register action %q: already registered", id)
		}
		r.actions[id] = a
		r.order = append(r.order, id)
	}
	return nil
}

// Alias maps an intent id to a registered action id.
func (r *Registry) Alias(intentID, actionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[intentID] = actionID
}

// Get returns the action registered under id.
func (r *Registry) Get(id string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[id]
	return a, ok
}

// Resolve finds the action for a classified intent: alias table, direct id,
// category.action, then the first action whose trigger occurs in rawInput.
func (r *Registry) Resolve(category, act, rawInput string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	full := act
	if category != "" && act != "" && !strings.HasPrefix(act, category+".") {
		full = category + "." + act
	}
	if target, ok := r.aliases[full]; ok {
		if a, ok := r.actions[target]; ok {
			return a, true
		}
	}
	if act != "" {
		if a, ok := r.actions[act]; ok {
			return a, true
		}
	}
	if a, ok := r.actions[full]; ok {
		return a, true
	}
	if a := r.byTriggerLocked(rawInput); a != nil {
		return a, true
	}
	return nil, false
}

// ByTrigger returns the first action whose trigger phrase occurs in text.
func (r *Registry) ByTrigger(text string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a := r.byTriggerLocked(text)
	return a, a != nil
}

func (r *Registry) byTriggerLocked(text string) Action {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	lower := strings.ToLower(text)
	for _, id := range r.order {
		a := r.actions[id]
		for _, trig := range a.Spec().Triggers {
			if trig != "" && strings.Contains(lower, strings.ToLower(trig)) {
				return a
			}
		}
	}
	return nil
}

// ByCategory returns actions whose id starts with prefix, in registration order.
func (r *Registry) ByCategory(prefix string) []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Action
	for _, id := range r.order {
		if id == prefix || strings.HasPrefix(id, prefix+".") {
			out = append(out, r.actions[id])
		}
	}
	return out
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := slices.Clone(r.order)
	slices.Sort(ids)
	return ids
}

// Specs returns every registered spec in registration order.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.actions[id].Spec())
	}
	return out
}
