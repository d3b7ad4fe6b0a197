// Package devicetag manages the portal-wide tag settings: which custom twin
// tags devices may carry, which are required, and which are searchable.
package devicetag

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/database"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
)

var (
	// ErrInvalidTag is returned when a tag setting fails validation.
	ErrInvalidTag = errors.New("devicetag: invalid tag")

	// ErrTagNotFound is returned when deleting an unknown tag.
	ErrTagNotFound = errors.New("devicetag: tag not found")
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

// reserved tag names are written by the portal itself.
var reserved = map[string]bool{
	iothub.TagDeviceName: true,
	iothub.TagDeviceType: true,
	iothub.TagModelID:    true,
	iothub.TagLoRaRegion: true,
}

// DeviceTag is a tag definition devices may carry.
type DeviceTag struct {
	Name       string `json:"name"`
	Label      string `json:"label"`
	Required   bool   `json:"required"`
	Searchable bool   `json:"searchable"`
}

// Validate checks a single tag definition.
func (t DeviceTag) Validate() error {
	switch {
	case !namePattern.MatchString(t.Name):
		return fmt.Errorf("%w: name %q must be alphanumeric", ErrInvalidTag, t.Name)
	case reserved[t.Name]:
		return fmt.Errorf("%w: name %q is reserved", ErrInvalidTag, t.Name)
	case strings.TrimSpace(t.Label) == "":
		return fmt.Errorf("%w: label is required for %q", ErrInvalidTag, t.Name)
	}
	return nil
}

// Repository persists tag settings.
type Repository interface {
	List(ctx context.Context) ([]DeviceTag, error)
	Replace(ctx context.Context, tags []DeviceTag) error
	Upsert(ctx context.Context, tag DeviceTag) error
	Delete(ctx context.Context, name string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed tag settings repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// List returns every tag definition ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]DeviceTag, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, label, required, searchable FROM device_tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying device tags: %w", err)
	}
	defer rows.Close()

	var tags []DeviceTag
	for rows.Next() {
		var t DeviceTag
		var required, searchable int
		if err := rows.Scan(&t.Name, &t.Label, &required, &searchable); err != nil {
			return nil, fmt.Errorf("scanning device tag: %w", err)
		}
		t.Required = required == 1
		t.Searchable = searchable == 1
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device tags: %w", err)
	}
	return tags, nil
}

// Replace swaps the whole tag set in one transaction.
func (r *SQLiteRepository) Replace(ctx context.Context, tags []DeviceTag) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM device_tags`); err != nil {
			return fmt.Errorf("clearing device tags: %w", err)
		}
		for _, t := range tags {
			if err := upsert(ctx, tx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

// Upsert inserts or replaces one tag definition.
func (r *SQLiteRepository) Upsert(ctx context.Context, tag DeviceTag) error {
	return upsert(ctx, r.db, tag)
}

// Delete removes one tag definition.
func (r *SQLiteRepository) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM device_tags WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting device tag %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return ErrTagNotFound
	}
	return nil
}

func upsert(ctx context.Context, q database.Querier, t DeviceTag) error {
	const query = `INSERT INTO device_tags (name, label, required, searchable)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			label = excluded.label,
			required = excluded.required,
			searchable = excluded.searchable`
	if _, err := q.ExecContext(ctx, query,
		t.Name, t.Label, database.BoolToInt(t.Required), database.BoolToInt(t.Searchable)); err != nil {
		return fmt.Errorf("saving device tag %s: %w", t.Name, err)
	}
	return nil
}

// Service validates tag settings before persisting them.
type Service struct {
	repo Repository
}

// NewService creates a tag settings service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// List returns every tag definition.
func (s *Service) List(ctx context.Context) ([]DeviceTag, error) {
	return s.repo.List(ctx)
}

// Replace validates and stores the complete tag set.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - tags: The new tag set; names must be unique
//
// Returns:
//   - error: ErrInvalidTag for any invalid or duplicate entry, otherwise the
//     repository error
//
// Example:
//
//	err := svc.Replace(ctx, []devicetag.DeviceTag{
//	    {Name: "site", Label: "Site", Required: true, Searchable: true},
//	})
func (s *Service) Replace(ctx context.Context, tags []DeviceTag) error {
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidTag, t.Name)
		}
		seen[t.Name] = true
	}
	return s.repo.Replace(ctx, tags)
}

// Upsert validates and stores one tag definition.
func (s *Service) Upsert(ctx context.Context, tag DeviceTag) error {
	if err := tag.Validate(); err != nil {
		return err
	}
	return s.repo.Upsert(ctx, tag)
}

// Delete removes a tag definition. Values already stored on devices are
// left in place and stop being editable.
func (s *Service) Delete(ctx context.Context, name string) error {
	return s.repo.Delete(ctx, name)
}

// Required returns the names of required tags.
func (s *Service) Required(ctx context.Context) ([]string, error) {
	return s.names(ctx, func(t DeviceTag) bool { return t.Required })
}

// Searchable returns the names of searchable tags.
func (s *Service) Searchable(ctx context.Context) ([]string, error) {
	return s.names(ctx, func(t DeviceTag) bool { return t.Searchable })
}

// Defined returns the set of all defined tag names.
func (s *Service) Defined(ctx context.Context) (map[string]DeviceTag, error) {
	tags, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]DeviceTag, len(tags))
	for _, t := range tags {
		out[t.Name] = t
	}
	return out, nil
}

func (s *Service) names(ctx context.Context, keep func(DeviceTag) bool) ([]string, error) {
	tags, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range tags {
		if keep(t) {
			out = append(out, t.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}
