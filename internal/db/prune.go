package db

import (
	"context"
	"fmt"
	"time"

	"github.com/metalagman/tally/internal/queue"
)

// RetentionPolicy controls journal cleanup.
type RetentionPolicy struct {
	KeepLast int
	KeepDays int
}

// PruneResult summarizes a prune operation.
type PruneResult struct {
	Considered int
	Kept       int
	Deleted    int
}

// PruneTasks deletes old journal rows. Tasks that are not finished are
// always kept, as are rows whose timestamp cannot be parsed.
func (s *Store) PruneTasks(ctx context.Context, policy RetentionPolicy, now time.Time, dryRun bool) (PruneResult, error) {
	if policy.KeepLast <= 0 && policy.KeepDays <= 0 {
		return PruneResult{}, nil
	}
	cutoff := time.Time{}
	if policy.KeepDays > 0 {
		cutoff = now.UTC().Add(-time.Duration(policy.KeepDays) * 24 * time.Hour)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT task_id, status, COALESCE(completed_at, created_at) FROM task_journal
		ORDER BY COALESCE(completed_at, created_at) DESC, rowid DESC`)
	if err != nil {
		return PruneResult{}, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type taskRow struct {
		id       string
		status   queue.Status
		at       time.Time
		parseErr error
	}
	var tasks []taskRow
	for rows.Next() {
		var id, status, at string
		if err := rows.Scan(&id, &status, &at); err != nil {
			return PruneResult{}, fmt.Errorf("scan task: %w", err)
		}
		parsed, parseErr := time.Parse(time.RFC3339, at)
		tasks = append(tasks, taskRow{id: id, status: queue.Status(status), at: parsed, parseErr: parseErr})
	}
	if err := rows.Err(); err != nil {
		return PruneResult{}, fmt.Errorf("iterate tasks: %w", err)
	}
	_ = rows.Close()

	res := PruneResult{Considered: len(tasks)}
	for idx, row := range tasks {
		keep := !row.status.Terminal()
		if !keep && policy.KeepLast > 0 && idx < policy.KeepLast {
			keep = true
		}
		if !keep && policy.KeepDays > 0 && (row.parseErr != nil || row.at.After(cutoff)) {
			keep = true
		}
		if keep {
			res.Kept++
			continue
		}
		if !dryRun {
			if _, err := s.db.ExecContext(ctx, `DELETE FROM task_journal WHERE task_id=?`, row.id); err != nil {
				return res, fmt.Errorf("delete task %s: %w", row.id, err)
			}
		}
		res.Deleted++
	}
	return res, nil
}
