// Package journal records compensations the reconciler could not finish
// inline and replays them until they succeed or run out of attempts.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/database"
	"github.com/nerrad567/iothub-portal/internal/paging"
)

// Recorder is what the domain services need: a way to leave a repair
// behind.
type Recorder interface {
	Record(ctx context.Context, e Entry) (*Entry, error)
}

// Repository defines the journal's persistence operations.
type Repository interface {
	Recorder
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, filter Filter) (paging.Page[Entry], error)
	Pending(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	MarkDone(ctx context.Context, id string) error
	MarkAttempt(ctx context.Context, id string, cause error, next time.Time, failed bool) error
	CountPending(ctx context.Context) (int, error)
}

// SQLiteRepository stores the journal in the reconcile_journal table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new journal repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

const entryColumns = `id, entity_kind, entity_id, action, reason, status, attempts, last_error,
	next_attempt_at, created_at, updated_at`

// Record adds a pending entry, due immediately. A pending entry for the
// same entity and action absorbs the new one; its reason is refreshed and
// the existing entry is returned.
func (r *SQLiteRepository) Record(ctx context.Context, e Entry) (*Entry, error) {
	if e.EntityKind == "" || e.EntityID == "" || e.Action == "" {
		return nil, fmt.Errorf("journal entry requires kind, id and action")
	}
	now := r.now().UTC()

	var out *Entry
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		existing, err := scanOne(tx.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM reconcile_journal
			WHERE entity_kind = ? AND entity_id = ? AND action = ? AND status = 'pending'`,
			e.EntityKind, e.EntityID, e.Action))
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx,
				`UPDATE reconcile_journal SET reason = ?, updated_at = ? WHERE id = ?`,
				e.Reason, database.FormatTime(now), existing.ID); err != nil {
				return fmt.Errorf("refreshing journal entry %s: %w", existing.ID, err)
			}
			existing.Reason = e.Reason
			existing.UpdatedAt = now
			out = existing
			return nil
		case !errors.Is(err, ErrEntryNotFound):
			return err
		}

		e.ID = "jrn-" + uuid.NewString()
		e.Status = StatusPending
		e.Attempts = 0
		e.NextAttemptAt = now
		e.CreatedAt, e.UpdatedAt = now, now
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO reconcile_journal (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.EntityKind, e.EntityID, e.Action, e.Reason, e.Status, e.Attempts, nil,
			database.FormatTime(e.NextAttemptAt), database.FormatTime(e.CreatedAt), database.FormatTime(e.UpdatedAt)); err != nil {
			return fmt.Errorf("inserting journal entry: %w", err)
		}
		out = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one entry.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Entry, error) {
	return scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM reconcile_journal WHERE id = ?`, id))
}

// List returns entries matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (paging.Page[Entry], error) {
	var conditions []string
	var args []any
	if filter.EntityKind != "" {
		conditions = append(conditions, "entity_kind = ?")
		args = append(args, filter.EntityKind)
	}
	if filter.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	req := paging.NewRequest(filter.Page, filter.PageSize)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reconcile_journal"+where, args...).Scan(&total); err != nil {
		return paging.Page[Entry]{}, fmt.Errorf("counting journal entries: %w", err)
	}

	entries, err := r.query(ctx,
		"SELECT "+entryColumns+" FROM reconcile_journal"+where+" ORDER BY created_at DESC, id LIMIT ? OFFSET ?",
		append(args, req.PageSize, req.Offset())...)
	if err != nil {
		return paging.Page[Entry]{}, err
	}
	return paging.New(entries, total, req), nil
}

// Pending returns up to limit pending entries due at or before now,
// oldest due first.
func (r *SQLiteRepository) Pending(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	return r.query(ctx,
		`SELECT `+entryColumns+` FROM reconcile_journal
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY next_attempt_at, created_at LIMIT ?`,
		database.FormatTime(now), limit)
}

// CountPending counts entries still waiting for replay.
func (r *SQLiteRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reconcile_journal WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending journal entries: %w", err)
	}
	return n, nil
}

// MarkDone closes an entry.
func (r *SQLiteRepository) MarkDone(ctx context.Context, id string) error {
	return r.exec(ctx, id,
		`UPDATE reconcile_journal SET status = 'done', last_error = NULL, updated_at = ? WHERE id = ?`,
		database.FormatTime(r.now().UTC()), id)
}

// MarkAttempt records a failed replay. The entry stays pending until next
// unless failed is set.
func (r *SQLiteRepository) MarkAttempt(ctx context.Context, id string, cause error, next time.Time, failed bool) error {
	status := StatusPending
	if failed {
		status = StatusFailed
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.exec(ctx, id,
		`UPDATE reconcile_journal SET attempts = attempts + 1, last_error = ?, status = ?,
			next_attempt_at = ?, updated_at = ? WHERE id = ?`,
		database.NullString(msg), status, database.FormatTime(next), database.FormatTime(r.now().UTC()), id)
}

func (r *SQLiteRepository) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating journal entry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return ErrEntryNotFound
	}
	return nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal: %w", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (*Entry, error) {
	e, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func scan(s scanner) (*Entry, error) {
	var e Entry
	var lastError sql.NullString
	var next, created, updated string
	if err := s.Scan(&e.ID, &e.EntityKind, &e.EntityID, &e.Action, &e.Reason, &e.Status, &e.Attempts,
		&lastError, &next, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning journal entry: %w", err)
	}
	e.LastError = lastError.String
	e.NextAttemptAt = database.ParseTime(next)
	e.CreatedAt = database.ParseTime(created)
	e.UpdatedAt = database.ParseTime(updated)
	return &e, nil
}
