// Package ledger stores transactions and budgets in sqlite.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/metalagman/tally/internal/safety"
)

// DateLayout is the calendar-day form of Entry.Date.
const DateLayout = "2006-01-02"

// stampLayout is fixed width so stored timestamps sort as text.
const stampLayout = "2006-01-02T15:04:05.000000000Z07:00"

var ErrNotFound = errors.New("record not found")

// Entry is a ledger row.
type Entry struct {
	safety.Record
	Date string `json:"date"`
}

// Changes is a partial update. Nil fields are left alone.
type Changes struct {
	Amount   *float64
	Type     *string
	Category *string
	Note     *string
	Date     *string
}

// Empty reports whether nothing would change.
func (c Changes) Empty() bool {
	return c.Amount == nil && c.Type == nil && c.Category == nil && c.Note == nil && c.Date == nil
}

// Filter narrows Find. Zero fields match everything.
type Filter struct {
	From     string
	To       string
	Type     string
	Category string
	Limit    int
}

// Summary aggregates a date range.
type Summary struct {
	From       string             `json:"from"`
	To         string             `json:"to"`
	Expense    float64            `json:"expense"`
	Income     float64            `json:"income"`
	Count      int                `json:"count"`
	ByCategory map[string]float64 `json:"by_category"`
}

// Budget is a spending limit for a period, optionally per category.
type Budget struct {
	Period   string  `json:"period"`
	Category string  `json:"category,omitempty"`
	Amount   float64 `json:"amount"`
}

// Store manages ledger persistence.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a ledger store on an opened database.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

const entryColumns = `id, type, amount, category, note, occurred_on, created_at`

// Add inserts e and returns it with id, timestamps and defaults filled in.
func (s *Store) Add(ctx context.Context, e Entry) (Entry, error) {
	if e.Amount <= 0 {
		return Entry{}, fmt.Errorf("add record: amount must be positive")
	}
	now := s.now().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Type == "" {
		e.Type = safety.TypeExpense
	}
	if e.Category == "" {
		e.Category = "其他"
	}
	if e.Date == "" {
		e.Date = s.now().Format(DateLayout)
	}
	e.CreatedAt = now
	stamp := now.Format(stampLayout)
	if _, err := s.db.ExecContext(ctx, `INSERT INTO transactions(id, type, amount, category, note, occurred_on, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`, e.ID, e.Type, e.Amount, e.Category, e.Note, e.Date, stamp, stamp); err != nil {
		return Entry{}, fmt.Errorf("insert record: %w", err)
	}
	return e, nil
}

// Get fetches a live record by id.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM transactions WHERE id=? AND deleted_at IS NULL`, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, fmt.Errorf("record %s: %w", id, ErrNotFound)
		}
		return Entry{}, fmt.Errorf("read record: %w", err)
	}
	return e, nil
}

// Latest returns up to n live records, most recently created first.
func (s *Store) Latest(ctx context.Context, n int) ([]Entry, error) {
	return s.Find(ctx, Filter{Limit: n})
}

// Find lists live records matching f, most recently created first.
func (s *Store) Find(ctx context.Context, f Filter) ([]Entry, error) {
	var where []string
	var args []any
	where = append(where, "deleted_at IS NULL")
	if f.From != "" {
		where = append(where, "occurred_on >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		where = append(where, "occurred_on <= ?")
		args = append(args, f.To)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	query := `SELECT ` + entryColumns + ` FROM transactions WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Delete moves live records to the trash and reports how many moved.
func (s *Store) Delete(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	stamp := s.now().UTC().Format(stampLayout)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin delete: %w", err)
	}
	total := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE transactions SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, stamp, stamp, id)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("delete record %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("read affected rows: %w", err)
		}
		total += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit delete: %w", err)
	}
	return total, nil
}

// PurgeTrash permanently removes records deleted more than olderThan ago.
func (s *Store) PurgeTrash(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan).UTC().Format(stampLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE deleted_at IS NOT NULL AND deleted_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge trash: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read affected rows: %w", err)
	}
	return int(n), nil
}

// Update applies c to a live record and returns the new row.
func (s *Store) Update(ctx context.Context, id string, c Changes) (Entry, error) {
	if c.Empty() {
		return s.Get(ctx, id)
	}
	var sets []string
	var args []any
	if c.Amount != nil {
		if *c.Amount <= 0 {
			return Entry{}, fmt.Errorf("update record: amount must be positive")
		}
		sets = append(sets, "amount=?")
		args = append(args, *c.Amount)
	}
	if c.Type != nil {
		sets = append(sets, "type=?")
		args = append(args, *c.Type)
	}
	if c.Category != nil {
		sets = append(sets, "category=?")
		args = append(args, *c.Category)
	}
	if c.Note != nil {
		sets = append(sets, "note=?")
		args = append(args, *c.Note)
	}
	if c.Date != nil {
		sets = append(sets, "occurred_on=?")
		args = append(args, *c.Date)
	}
	sets = append(sets, "updated_at=?")
	args = append(args, s.now().UTC().Format(stampLayout), id)
	res, err := s.db.ExecContext(ctx, `UPDATE transactions SET `+strings.Join(sets, ", ")+` WHERE id=? AND deleted_at IS NULL`, args...)
	if err != nil {
		return Entry{}, fmt.Errorf("update record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Entry{}, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return s.Get(ctx, id)
}

// Summarize totals live records whose date falls in [from, to].
func (s *Store) Summarize(ctx context.Context, from, to string) (Summary, error) {
	sum := Summary{From: from, To: to, ByCategory: map[string]float64{}}
	rows, err := s.db.QueryContext(ctx, `SELECT type, category, SUM(amount), COUNT(*) FROM transactions
		WHERE deleted_at IS NULL AND occurred_on >= ? AND occurred_on <= ? GROUP BY type, category`, from, to)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ, category string
		var amount float64
		var count int
		if err := rows.Scan(&typ, &category, &amount, &count); err != nil {
			return Summary{}, fmt.Errorf("scan summary: %w", err)
		}
		sum.Count += count
		if typ == safety.TypeIncome {
			sum.Income += amount
			continue
		}
		sum.Expense += amount
		sum.ByCategory[category] += amount
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("iterate summary: %w", err)
	}
	return sum, nil
}

// SetBudget creates or replaces a budget.
func (s *Store) SetBudget(ctx context.Context, b Budget) error {
	if b.Amount <= 0 {
		return fmt.Errorf("set budget: amount must be positive")
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO budgets(period, category, amount, updated_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(period, category) DO UPDATE SET amount=excluded.amount, updated_at=excluded.updated_at`,
		b.Period, b.Category, b.Amount, s.now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("set budget: %w", err)
	}
	return nil
}

// Budget returns the budget for period and category, if one is set.
func (s *Store) Budget(ctx context.Context, period, category string) (Budget, bool, error) {
	b := Budget{Period: period, Category: category}
	err := s.db.QueryRowContext(ctx, `SELECT amount FROM budgets WHERE period=? AND category=?`, period, category).Scan(&b.Amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Budget{}, false, nil
		}
		return Budget{}, false, fmt.Errorf("read budget: %w", err)
	}
	return b, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var created string
	if err := row.Scan(&e.ID, &e.Type, &e.Amount, &e.Category, &e.Note, &e.Date, &created); err != nil {
		return Entry{}, err
	}
	t, err := time.Parse(stampLayout, created)
	if err != nil {
		return Entry{}, fmt.Errorf("parse created_at: %w", err)
	}
	e.CreatedAt = t
	return e, nil
}
