package actions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/metalagman/tally/internal/action"
	"github.com/metalagman/tally/internal/ledger"
)

// ResolutionStatus is the outcome of resolving a referring expression.
type ResolutionStatus string

const (
	StatusResolved          ResolutionStatus = "resolved"
	StatusNeedClarification ResolutionStatus = "need_clarification"
	StatusNeedMoreInfo      ResolutionStatus = "need_more_info"
	StatusNoMatch           ResolutionStatus = "no_match"
	StatusNoReference       ResolutionStatus = "no_reference"
)

// Resolution names the records an utterance refers to.
type Resolution struct {
	Status  ResolutionStatus
	Records []ledger.Entry
	Prompt  string
}

// Source is the record lookup a Disambiguator may use.
type Source interface {
	Get(ctx context.Context, id string) (ledger.Entry, error)
	Find(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error)
}

// Query carries the hints extracted from the utterance.
type Query struct {
	TargetID  string
	TargetRef string
	Batch     bool
	Filter    ledger.Filter
	Source    Source
}

// Disambiguator resolves "that one" style references to ledger records.
type Disambiguator interface {
	Disambiguate(ctx context.Context, rawInput string, q Query) (Resolution, error)
}

// DefaultReferences are phrases that point at the most recent record.
var DefaultReferences = []string{"上一笔", "刚才那笔", "刚刚那笔", "最后一笔", "最近一笔", "那一笔", "这笔", "那笔", "last one"}

var batchWords = regexp.MustCompile(`(所有|全部|这几笔|这些|那些|都)`)

// RecentResolver resolves explicit ids, references to the most recent
// record, and filtered batches. Anything else has no reference.
type RecentResolver struct {
	references []string
}

func NewRecentResolver(references ...string) *RecentResolver {
	if len(references) == 0 {
		references = DefaultReferences
	}
	return &RecentResolver{references: references}
}

// Disambiguate implements Disambiguator.
func (r *RecentResolver) Disambiguate(ctx context.Context, rawInput string, q Query) (Resolution, error) {
	if q.TargetID != "" {
		e, err := q.Source.Get(ctx, q.TargetID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return Resolution{Status: StatusNoMatch, Prompt: "没有找到这条记录。"}, nil
			}
			return Resolution{}, fmt.Errorf("resolve target id: %w", err)
		}
		return Resolution{Status: StatusResolved, Records: []ledger.Entry{e}}, nil
	}

	filtered := q.Filter != (ledger.Filter{})
	if q.Batch || batchWords.MatchString(rawInput) {
		if !filtered {
			return Resolution{Status: StatusNeedMoreInfo, Prompt: "要处理哪些记录？可以说明日期或分类。"}, nil
		}
		f := q.Filter
		f.Limit = 0
		found, err := q.Source.Find(ctx, f)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve batch: %w", err)
		}
		if len(found) == 0 {
			return Resolution{Status: StatusNoMatch, Prompt: "没有找到符合条件的记录。"}, nil
		}
		return Resolution{Status: StatusResolved, Records: found}, nil
	}

	if q.TargetRef != "" || r.refers(rawInput) || filtered {
		f := q.Filter
		f.Limit = 2
		found, err := q.Source.Find(ctx, f)
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve reference: %w", err)
		}
		switch {
		case len(found) == 0:
			return Resolution{Status: StatusNoMatch, Prompt: "没有找到可以操作的记录。"}, nil
		case len(found) > 1 && filtered && q.TargetRef == "" && !r.refers(rawInput):
			return Resolution{
				Status:  StatusNeedClarification,
				Records: found,
				Prompt:  "找到了不止一条记录，是最近的那笔吗？可以说“上一笔”。",
			}, nil
		}
		return Resolution{Status: StatusResolved, Records: found[:1]}, nil
	}
	return Resolution{Status: StatusNoReference, Prompt: "要操作哪一笔？可以说“上一笔”或者说明日期和分类。"}, nil
}

func (r *RecentResolver) refers(raw string) bool {
	lower := strings.ToLower(raw)
	for _, ref := range r.references {
		if strings.Contains(lower, ref) {
			return true
		}
	}
	return false
}

// pinnedKey is the param carrying the record ids a confirmation was graded
// against.
const pinnedKey = "targetIds"

// pin binds a confirmation request to ids so the confirmed call acts on
// exactly those records.
func pin(res action.Result, ids []string) action.Result {
	if res.NeedsConfirmation {
		res.Bound = map[string]any{pinnedKey: ids}
	}
	return res
}

// resolveTargets looks up pinned ids directly and falls back to r when
// nothing is pinned. A pinned record that has gone away fails the whole
// resolution.
func resolveTargets(ctx context.Context, r Disambiguator, rawInput string, q Query, pinned []string) (Resolution, error) {
	if len(pinned) == 0 {
		return r.Disambiguate(ctx, rawInput, q)
	}
	out := Resolution{Status: StatusResolved}
	for _, id := range pinned {
		e, err := q.Source.Get(ctx, id)
		if errors.Is(err, ledger.ErrNotFound) {
			return Resolution{Status: StatusNoMatch, Prompt: "刚才要处理的记录已经不存在了，请重新说一遍。"}, nil
		}
		if err != nil {
			return Resolution{}, fmt.Errorf("resolve pinned record: %w", err)
		}
		out.Records = append(out.Records, e)
	}
	return out, nil
}
