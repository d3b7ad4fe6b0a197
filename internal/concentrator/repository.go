package concentrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/database"
	"github.com/nerrad567/iothub-portal/internal/paging"
)

// Repository is the concentrator mirror.
type Repository interface {
	List(ctx context.Context, req paging.Request) ([]Concentrator, int, error)
	Get(ctx context.Context, id string) (*Concentrator, error)
	// Version returns the twin version a row was written from.
	Version(ctx context.Context, id string) (int64, error)
	IDs(ctx context.Context) ([]string, error)
	Save(ctx context.Context, c *Concentrator) error
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

const columns = `id, name, lora_region, device_type, client_thumbprint, is_connected, is_enabled,
	already_logged_in_once, version, created_at, updated_at`

// List returns one page of concentrators ordered by name and the total count.
func (r *SQLiteRepository) List(ctx context.Context, req paging.Request) ([]Concentrator, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM concentrators").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting concentrators: %w", err)
	}
	items, err := r.query(ctx, "SELECT "+columns+" FROM concentrators ORDER BY name, id LIMIT ? OFFSET ?",
		req.PageSize, req.Offset())
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Get retrieves a concentrator by ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Concentrator, error) {
	items, err := r.query(ctx, "SELECT "+columns+" FROM concentrators WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}

// Version returns the stored twin version.
func (r *SQLiteRepository) Version(ctx context.Context, id string) (int64, error) {
	var v int64
	err := r.db.QueryRowContext(ctx, "SELECT version FROM concentrators WHERE id = ?", id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reading concentrator version %s: %w", id, err)
	}
	return v, nil
}

// IDs returns every mirrored concentrator ID.
func (r *SQLiteRepository) IDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM concentrators")
	if err != nil {
		return nil, fmt.Errorf("querying concentrator ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning concentrator id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Save inserts or replaces a concentrator. CreatedAt of an existing row is kept.
func (r *SQLiteRepository) Save(ctx context.Context, c *Concentrator) error {
	now := r.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	var thumbprint any
	if c.ClientThumbprint != "" {
		thumbprint = c.ClientThumbprint
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO concentrators (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			lora_region = excluded.lora_region,
			device_type = excluded.device_type,
			client_thumbprint = excluded.client_thumbprint,
			is_connected = excluded.is_connected,
			is_enabled = excluded.is_enabled,
			already_logged_in_once = excluded.already_logged_in_once,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.LoraRegion, c.DeviceType, thumbprint,
		database.BoolToInt(c.IsConnected), database.BoolToInt(c.IsEnabled),
		database.BoolToInt(c.AlreadyLoggedInOnce), c.Version,
		database.FormatTime(c.CreatedAt), database.FormatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving concentrator %s: %w", c.ID, err)
	}
	return nil
}

// Delete removes a concentrator. Returns ErrNotFound if no row was removed.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM concentrators WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting concentrator %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 always reports
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]Concentrator, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying concentrators: %w", err)
	}
	defer rows.Close()

	items := []Concentrator{}
	for rows.Next() {
		var c Concentrator
		var thumbprint sql.NullString
		var connected, enabled, loggedIn int
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Name, &c.LoraRegion, &c.DeviceType, &thumbprint,
			&connected, &enabled, &loggedIn, &c.Version, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning concentrator: %w", err)
		}
		c.ClientThumbprint = thumbprint.String
		c.IsConnected = connected == 1
		c.IsEnabled = enabled == 1
		c.AlreadyLoggedInOnce = loggedIn == 1
		c.CreatedAt = database.ParseTime(createdAt)
		c.UpdatedAt = database.ParseTime(updatedAt)
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating concentrators: %w", err)
	}
	return items, nil
}
