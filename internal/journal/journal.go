// Package journal records every command the mirror dispatches to the remote
// backend, together with the remote's answer.
//
// It is an audit trail of intents, not a store of entity state: rows are
// never read back into the reconciliation store.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome is the lifecycle position of a journalled command.
type Outcome string

// Command outcomes.
const (
	OutcomeSent       Outcome = "sent"
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeRejected   Outcome = "rejected"
	OutcomeSendFailed Outcome = "send_failed"
)

// ErrNotFound is returned when resolving an entry that does not exist.
var ErrNotFound = errors.New("journal: entry not found")

// Entry is one dispatched command.
type Entry struct {
	ID         string         `json:"id"`
	EntityID   string         `json:"entity_id"`
	Kind       string         `json:"kind"`
	Action     string         `json:"action"`
	Params     map[string]any `json:"params,omitempty"`
	Source     string         `json:"source"`
	Outcome    Outcome        `json:"outcome"`
	Detail     string         `json:"detail,omitempty"`
	IssuedAt   time.Time      `json:"issued_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// Filter controls which entries to return.
type Filter struct {
	EntityID string  // optional
	Action   string  // optional
	Outcome  Outcome // optional
	Limit    int     // default 50, max 200
	Offset   int
}

// ListResult is one page of entries.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository is the journal storage interface.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	Resolve(ctx context.Context, id string, outcome Outcome, detail string, at time.Time) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores the journal in the command_journal table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a journal repository on db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// NewID returns a fresh entry id.
func NewID() string {
	return "cmd-" + uuid.NewString()
}

// Create inserts e. ID, IssuedAt and Outcome are filled in when empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.IssuedAt.IsZero() {
		e.IssuedAt = time.Now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeSent
	}

	var paramsJSON *string
	if len(e.Params) > 0 {
		b, err := json.Marshal(e.Params)
		if err != nil {
			return fmt.Errorf("marshalling command params: %w", err)
		}
		s := string(b)
		paramsJSON = &s
	}

	var resolvedAt any
	if e.ResolvedAt != nil {
		resolvedAt = e.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_journal (id, entity_id, kind, action, params, source, outcome, detail, issued_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EntityID, e.Kind, e.Action, paramsJSON, e.Source,
		string(e.Outcome), nullableString(e.Detail),
		e.IssuedAt.UTC().Format(time.RFC3339Nano), resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}
	return nil
}

// Resolve records the final outcome of an entry.
func (r *SQLiteRepository) Resolve(ctx context.Context, id string, outcome Outcome, detail string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE command_journal SET outcome = ?, detail = ?, resolved_at = ? WHERE id = ?`,
		string(outcome), nullableString(detail), at.UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("resolving journal entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolving journal entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// nullableString maps "" to SQL NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) { //nolint:gocognit // dynamic query builder
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM command_journal %s", where) //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting journal entries: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		`SELECT id, entity_id, kind, action, params, source, outcome, detail, issued_at, resolved_at
		 FROM command_journal %s ORDER BY issued_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var params, detail, resolvedAt sql.NullString
		var outcome, issuedAt string

		if err := rows.Scan(&e.ID, &e.EntityID, &e.Kind, &e.Action, &params,
			&e.Source, &outcome, &detail, &issuedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", err)
		}

		e.Outcome = Outcome(outcome)
		e.Detail = detail.String
		if params.Valid && params.String != "" {
			var p map[string]any
			if json.Unmarshal([]byte(params.String), &p) == nil {
				e.Params = p
			}
		}

		t, err := time.Parse(time.RFC3339Nano, issuedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing journal timestamp %q: %w", issuedAt, err)
		}
		e.IssuedAt = t

		if resolvedAt.Valid {
			rt, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing journal timestamp %q: %w", resolvedAt.String, err)
			}
			e.ResolvedAt = &rt
		}

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}
