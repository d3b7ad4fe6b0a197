package edge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/database"
	"github.com/nerrad567/iothub-portal/internal/label"
	"github.com/nerrad567/iothub-portal/internal/paging"
)

// Repository is the edge device mirror and the edge model store.
type Repository interface {
	ListDevices(ctx context.Context, filter DeviceFilter) ([]EdgeDevice, int, error)
	GetDevice(ctx context.Context, id string) (*EdgeDevice, error)
	// DeviceVersion returns the twin version a row was written from.
	DeviceVersion(ctx context.Context, id string) (int64, error)
	DeviceIDs(ctx context.Context) ([]string, error)
	SaveDevice(ctx context.Context, d *EdgeDevice) error
	DeleteDevice(ctx context.Context, id string) error
	CountDevicesOfModel(ctx context.Context, modelID string) (int, error)

	ListModels(ctx context.Context, filter ModelFilter) ([]EdgeModel, error)
	GetModel(ctx context.Context, id string) (*EdgeModel, error)
	CreateModel(ctx context.Context, m *EdgeModel) error
	UpdateModel(ctx context.Context, m *EdgeModel) error
	DeleteModel(ctx context.Context, id string) error
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

const deviceColumns = `id, name, model_id, scope, is_enabled, connection_state, nb_devices, nb_modules,
	tags, version, created_at, updated_at`

const modelColumns = `id, name, description, modules, system_modules, routes, created_at, updated_at`

// ListDevices returns one page of edge devices ordered by name and the
// total match count.
func (r *SQLiteRepository) ListDevices(ctx context.Context, filter DeviceFilter) ([]EdgeDevice, int, error) {
	var where []string
	var args []any
	if s := strings.TrimSpace(filter.SearchText); s != "" {
		where = append(where, "(id LIKE ? OR name LIKE ?)")
		like := "%" + s + "%"
		args = append(args, like, like)
	}
	if filter.ModelID != "" {
		where = append(where, "model_id = ?")
		args = append(args, filter.ModelID)
	}
	if filter.IsEnabled != nil {
		where = append(where, "is_enabled = ?")
		args = append(args, database.BoolToInt(*filter.IsEnabled))
	}
	for _, l := range filter.Labels {
		where = append(where, `EXISTS (SELECT 1 FROM labels l
			WHERE l.owner_kind = 'edge_device' AND l.owner_id = edge_devices.id AND l.name = ?)`)
		args = append(args, l)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM edge_devices"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting edge devices: %w", err)
	}
	req := paging.NewRequest(filter.Page, filter.PageSize)
	items, err := r.queryDevices(ctx,
		"SELECT "+deviceColumns+" FROM edge_devices"+clause+" ORDER BY name, id LIMIT ? OFFSET ?",
		append(args, req.PageSize, req.Offset())...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// GetDevice returns one edge device with its labels.
func (r *SQLiteRepository) GetDevice(ctx context.Context, id string) (*EdgeDevice, error) {
	items, err := r.queryDevices(ctx, "SELECT "+deviceColumns+" FROM edge_devices WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrDeviceNotFound
	}
	return &items[0], nil
}

// DeviceVersion returns the stored twin version.
func (r *SQLiteRepository) DeviceVersion(ctx context.Context, id string) (int64, error) {
	var v int64
	err := r.db.QueryRowContext(ctx, "SELECT version FROM edge_devices WHERE id = ?", id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrDeviceNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reading edge device version %s: %w", id, err)
	}
	return v, nil
}

// DeviceIDs returns every mirrored edge device ID.
func (r *SQLiteRepository) DeviceIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM edge_devices")
	if err != nil {
		return nil, fmt.Errorf("querying edge device ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning edge device id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SaveDevice inserts or replaces an edge device and its labels in one
// transaction. CreatedAt of an existing row is kept.
func (r *SQLiteRepository) SaveDevice(ctx context.Context, d *EdgeDevice) error {
	now := r.now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	tags, err := json.Marshal(cloneTags(d.Tags))
	if err != nil {
		return fmt.Errorf("encoding tags of %s: %w", d.ID, err)
	}
	var scope any
	if d.Scope != "" {
		scope = d.Scope
	}
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO edge_devices (`+deviceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				model_id = excluded.model_id,
				scope = excluded.scope,
				is_enabled = excluded.is_enabled,
				connection_state = excluded.connection_state,
				nb_devices = excluded.nb_devices,
				nb_modules = excluded.nb_modules,
				tags = excluded.tags,
				version = excluded.version,
				updated_at = excluded.updated_at`,
			d.ID, d.Name, d.ModelID, scope, database.BoolToInt(d.IsEnabled), d.ConnectionState,
			d.NbDevices, d.NbModules, string(tags), d.Version,
			database.FormatTime(d.CreatedAt), database.FormatTime(d.UpdatedAt))
		if err != nil {
			return fmt.Errorf("saving edge device %s: %w", d.ID, err)
		}
		return label.SetForOwner(ctx, tx, label.OwnerEdgeDevice, d.ID, d.Labels)
	})
}

// DeleteDevice removes an edge device and its labels.
func (r *SQLiteRepository) DeleteDevice(ctx context.Context, id string) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM edge_devices WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("deleting edge device %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 always reports
			return ErrDeviceNotFound
		}
		return label.DeleteForOwner(ctx, tx, label.OwnerEdgeDevice, id)
	})
}

// CountDevicesOfModel counts the mirrored edge devices built from a model.
func (r *SQLiteRepository) CountDevicesOfModel(ctx context.Context, modelID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM edge_devices WHERE model_id = ?", modelID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting edge devices of model %s: %w", modelID, err)
	}
	return n, nil
}

// ListModels returns the models matching filter ordered by name.
func (r *SQLiteRepository) ListModels(ctx context.Context, filter ModelFilter) ([]EdgeModel, error) {
	var where []string
	var args []any
	if s := strings.TrimSpace(filter.SearchText); s != "" {
		where = append(where, "(name LIKE ? OR description LIKE ?)")
		like := "%" + s + "%"
		args = append(args, like, like)
	}
	for _, l := range filter.Labels {
		where = append(where, `EXISTS (SELECT 1 FROM labels l
			WHERE l.owner_kind = 'edge_model' AND l.owner_id = edge_models.id AND l.name = ?)`)
		args = append(args, l)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	return r.queryModels(ctx, "SELECT "+modelColumns+" FROM edge_models"+clause+" ORDER BY name, id", args...)
}

// GetModel returns one model with its labels.
func (r *SQLiteRepository) GetModel(ctx context.Context, id string) (*EdgeModel, error) {
	models, err := r.queryModels(ctx, "SELECT "+modelColumns+" FROM edge_models WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, ErrModelNotFound
	}
	return &models[0], nil
}

// CreateModel inserts a model and its labels.
func (r *SQLiteRepository) CreateModel(ctx context.Context, m *EdgeModel) error {
	now := r.now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	modules, system, routes, err := encodeModel(m)
	if err != nil {
		return err
	}
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO edge_models (`+modelColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.Name, m.Description, modules, system, routes,
			database.FormatTime(m.CreatedAt), database.FormatTime(m.UpdatedAt)); err != nil {
			if database.IsUniqueViolation(err) {
				return ErrModelExists
			}
			return fmt.Errorf("inserting edge model %s: %w", m.ID, err)
		}
		return label.SetForOwner(ctx, tx, label.OwnerEdgeModel, m.ID, m.Labels)
	})
}

// UpdateModel replaces a model's fields and labels.
func (r *SQLiteRepository) UpdateModel(ctx context.Context, m *EdgeModel) error {
	m.UpdatedAt = r.now().UTC()
	modules, system, routes, err := encodeModel(m)
	if err != nil {
		return err
	}
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE edge_models SET name = ?, description = ?, modules = ?,
			system_modules = ?, routes = ?, updated_at = ? WHERE id = ?`,
			m.Name, m.Description, modules, system, routes, database.FormatTime(m.UpdatedAt), m.ID)
		if err != nil {
			return fmt.Errorf("updating edge model %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 always reports
			return ErrModelNotFound
		}
		return label.SetForOwner(ctx, tx, label.OwnerEdgeModel, m.ID, m.Labels)
	})
}

// DeleteModel removes a model and its labels.
func (r *SQLiteRepository) DeleteModel(ctx context.Context, id string) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM edge_models WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("deleting edge model %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 always reports
			return ErrModelNotFound
		}
		return label.DeleteForOwner(ctx, tx, label.OwnerEdgeModel, id)
	})
}

// queryDevices scans edge devices, then bulk-loads their labels once the
// rows are closed. The pool holds a single connection.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]EdgeDevice, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying edge devices: %w", err)
	}

	items := []EdgeDevice{}
	for rows.Next() {
		var d EdgeDevice
		var scope sql.NullString
		var enabled int
		var tags, createdAt, updatedAt string
		if err := rows.Scan(&d.ID, &d.Name, &d.ModelID, &scope, &enabled, &d.ConnectionState,
			&d.NbDevices, &d.NbModules, &tags, &d.Version, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning edge device: %w", err)
		}
		d.Scope = scope.String
		d.IsEnabled = enabled == 1
		d.Tags = map[string]string{}
		if err := json.Unmarshal([]byte(tags), &d.Tags); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decoding tags of %s: %w", d.ID, err)
		}
		d.CreatedAt = database.ParseTime(createdAt)
		d.UpdatedAt = database.ParseTime(updatedAt)
		items = append(items, d)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating edge devices: %w", err)
	}

	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].ID
	}
	labels, err := label.ForOwners(ctx, r.db, label.OwnerEdgeDevice, ids)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Labels = nonNilLabels(labels[items[i].ID])
	}
	return items, nil
}

func (r *SQLiteRepository) queryModels(ctx context.Context, query string, args ...any) ([]EdgeModel, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying edge models: %w", err)
	}

	models := []EdgeModel{}
	for rows.Next() {
		var m EdgeModel
		var modules, system, routes, createdAt, updatedAt string
		if err := rows.Scan(&m.ID, &m.Name, &m.Description, &modules, &system, &routes,
			&createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning edge model: %w", err)
		}
		if err := decodeModel(&m, modules, system, routes); err != nil {
			rows.Close()
			return nil, err
		}
		m.CreatedAt = database.ParseTime(createdAt)
		m.UpdatedAt = database.ParseTime(updatedAt)
		models = append(models, m)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating edge models: %w", err)
	}

	ids := make([]string, len(models))
	for i := range models {
		ids[i] = models[i].ID
	}
	labels, err := label.ForOwners(ctx, r.db, label.OwnerEdgeModel, ids)
	if err != nil {
		return nil, err
	}
	for i := range models {
		models[i].Labels = nonNilLabels(labels[models[i].ID])
	}
	return models, nil
}

func encodeModel(m *EdgeModel) (modules, system, routes string, err error) {
	parts := []struct {
		name string
		v    any
		out  *string
	}{
		{"modules", nonNil(m.Modules), &modules},
		{"system modules", nonNil(m.SystemModules), &system},
		{"routes", nonNil(m.Routes), &routes},
	}
	for _, p := range parts {
		raw, err := json.Marshal(p.v)
		if err != nil {
			return "", "", "", fmt.Errorf("encoding %s of %s: %w", p.name, m.ID, err)
		}
		*p.out = string(raw)
	}
	return modules, system, routes, nil
}

func decodeModel(m *EdgeModel, modules, system, routes string) error {
	if err := json.Unmarshal([]byte(modules), &m.Modules); err != nil {
		return fmt.Errorf("decoding modules of %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(system), &m.SystemModules); err != nil {
		return fmt.Errorf("decoding system modules of %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(routes), &m.Routes); err != nil {
		return fmt.Errorf("decoding routes of %s: %w", m.ID, err)
	}
	return nil
}

// nonNil keeps empty slices encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilLabels(l []label.Label) []label.Label {
	return nonNil(l)
}
