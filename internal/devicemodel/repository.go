package devicemodel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/database"
	"github.com/nerrad567/iothub-portal/internal/label"
	"github.com/nerrad567/iothub-portal/internal/paging"
)

// Repository defines the persistence operations for device models.
type Repository interface {
	List(ctx context.Context, filter Filter) ([]DeviceModel, int, error)
	ListAll(ctx context.Context) ([]DeviceModel, error)
	GetByID(ctx context.Context, id string) (*DeviceModel, error)
	Create(ctx context.Context, m *DeviceModel) error
	Update(ctx context.Context, m *DeviceModel) error
	Delete(ctx context.Context, id string) error
	CountUsage(ctx context.Context, id string) (int, error)

	GetProperties(ctx context.Context, modelID string) ([]Property, error)
	SetProperties(ctx context.Context, modelID string, props []Property) error
	GetCommands(ctx context.Context, modelID string) ([]Command, error)
	SetCommands(ctx context.Context, modelID string, cmds []Command) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed model repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const modelColumns = `id, name, description, is_builtin, support_lora, lora_settings, created_at, updated_at`

var orderColumns = map[string]string{
	"":            "name",
	"name":        "name",
	"description": "description",
	"id":          "id",
	"created_at":  "created_at",
}

// List returns one page of models and the total match count.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) ([]DeviceModel, int, error) {
	var where []string
	var args []any
	if s := strings.TrimSpace(filter.SearchText); s != "" {
		where = append(where, "(name LIKE ? OR description LIKE ?)")
		like := "%" + s + "%"
		args = append(args, like, like)
	}
	for _, l := range filter.Labels {
		where = append(where, `EXISTS (SELECT 1 FROM labels l
			WHERE l.owner_kind = 'device_model' AND l.owner_id = device_models.id AND l.name = ?)`)
		args = append(args, l)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM device_models"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting device models: %w", err)
	}

	order, desc := parseOrder(filter.OrderBy)
	col, ok := orderColumns[order]
	if !ok {
		col = "name"
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	req := paging.NewRequest(filter.Page, filter.PageSize)
	query := "SELECT " + modelColumns + " FROM device_models" + clause +
		" ORDER BY " + col + " " + dir + ", id LIMIT ? OFFSET ?"
	models, err := r.queryModels(ctx, query, append(args, req.PageSize, req.Offset())...)
	if err != nil {
		return nil, 0, err
	}
	return models, total, nil
}

// parseOrder splits "name desc" into ("name", true).
func parseOrder(orderBy string) (string, bool) {
	fields := strings.Fields(strings.ToLower(orderBy))
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], len(fields) > 1 && fields[1] == "desc"
}

// ListAll returns every model.
func (r *SQLiteRepository) ListAll(ctx context.Context) ([]DeviceModel, error) {
	return r.queryModels(ctx, "SELECT "+modelColumns+" FROM device_models ORDER BY name, id")
}

// GetByID returns one model with its labels.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*DeviceModel, error) {
	models, err := r.queryModels(ctx, "SELECT "+modelColumns+" FROM device_models WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, ErrModelNotFound
	}
	return &models[0], nil
}

// Create inserts a model and its labels in one transaction.
func (r *SQLiteRepository) Create(ctx context.Context, m *DeviceModel) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now

	lora, err := encodeLoRa(m.LoRa)
	if err != nil {
		return err
	}
	err = database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		const query = `INSERT INTO device_models (` + modelColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, query,
			m.ID, m.Name, m.Description, database.BoolToInt(m.IsBuiltin), database.BoolToInt(m.SupportLoRaFeatures),
			lora, database.FormatTime(m.CreatedAt), database.FormatTime(m.UpdatedAt)); err != nil {
			if database.IsUniqueViolation(err) {
				return ErrModelExists
			}
			return fmt.Errorf("inserting device model %s: %w", m.ID, err)
		}
		return label.SetForOwner(ctx, tx, label.OwnerDeviceModel, m.ID, m.Labels)
	})
	return err
}

// Update replaces a model's fields and labels.
func (r *SQLiteRepository) Update(ctx context.Context, m *DeviceModel) error {
	m.UpdatedAt = time.Now().UTC()
	lora, err := encodeLoRa(m.LoRa)
	if err != nil {
		return err
	}
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		const query = `UPDATE device_models SET name = ?, description = ?, support_lora = ?,
			lora_settings = ?, updated_at = ? WHERE id = ?`
		res, err := tx.ExecContext(ctx, query,
			m.Name, m.Description, database.BoolToInt(m.SupportLoRaFeatures), lora,
			database.FormatTime(m.UpdatedAt), m.ID)
		if err != nil {
			return fmt.Errorf("updating device model %s: %w", m.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
			return ErrModelNotFound
		}
		return label.SetForOwner(ctx, tx, label.OwnerDeviceModel, m.ID, m.Labels)
	})
}

// Delete removes a model, its properties, commands and labels.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM device_models WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("deleting device model %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
			return ErrModelNotFound
		}
		return label.DeleteForOwner(ctx, tx, label.OwnerDeviceModel, id)
	})
}

// CountUsage counts regular and LoRaWAN devices built from the model.
func (r *SQLiteRepository) CountUsage(ctx context.Context, id string) (int, error) {
	const query = `SELECT
		(SELECT COUNT(*) FROM devices WHERE model_id = ?) +
		(SELECT COUNT(*) FROM lorawan_devices WHERE model_id = ?)`
	var n int
	if err := r.db.QueryRowContext(ctx, query, id, id).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting devices of model %s: %w", id, err)
	}
	return n, nil
}

// GetProperties returns a model's properties in display order.
func (r *SQLiteRepository) GetProperties(ctx context.Context, modelID string) ([]Property, error) {
	const query = `SELECT id, model_id, name, display_name, is_writable, sort_order, property_type
		FROM device_model_properties WHERE model_id = ? ORDER BY sort_order, name`
	rows, err := r.db.QueryContext(ctx, query, modelID)
	if err != nil {
		return nil, fmt.Errorf("querying properties of %s: %w", modelID, err)
	}
	defer rows.Close()

	props := []Property{}
	for rows.Next() {
		var p Property
		var writable int
		var typ string
		if err := rows.Scan(&p.ID, &p.ModelID, &p.Name, &p.DisplayName, &writable, &p.Order, &typ); err != nil {
			return nil, fmt.Errorf("scanning property: %w", err)
		}
		p.IsWritable = writable == 1
		p.Type = PropertyType(typ)
		props = append(props, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating properties: %w", err)
	}
	return props, nil
}

// SetProperties replaces a model's properties in one transaction.
func (r *SQLiteRepository) SetProperties(ctx context.Context, modelID string, props []Property) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM device_model_properties WHERE model_id = ?`, modelID); err != nil {
			return fmt.Errorf("clearing properties of %s: %w", modelID, err)
		}
		const query = `INSERT INTO device_model_properties
			(id, model_id, name, display_name, is_writable, sort_order, property_type)
			VALUES (?, ?, ?, ?, ?, ?, ?)`
		for i := range props {
			p := &props[i]
			if p.ID == "" {
				p.ID = uuid.NewString()
			}
			p.ModelID = modelID
			if _, err := tx.ExecContext(ctx, query,
				p.ID, modelID, p.Name, p.DisplayName, database.BoolToInt(p.IsWritable), p.Order, string(p.Type)); err != nil {
				return fmt.Errorf("inserting property %s: %w", p.Name, err)
			}
		}
		return nil
	})
}

// GetCommands returns a model's commands ordered by name.
func (r *SQLiteRepository) GetCommands(ctx context.Context, modelID string) ([]Command, error) {
	const query = `SELECT id, model_id, name, frame, port, confirmed, is_builtin
		FROM device_model_commands WHERE model_id = ? ORDER BY name`
	rows, err := r.db.QueryContext(ctx, query, modelID)
	if err != nil {
		return nil, fmt.Errorf("querying commands of %s: %w", modelID, err)
	}
	defer rows.Close()

	cmds := []Command{}
	for rows.Next() {
		var c Command
		var confirmed, builtin int
		if err := rows.Scan(&c.ID, &c.ModelID, &c.Name, &c.Frame, &c.Port, &confirmed, &builtin); err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		c.Confirmed = confirmed == 1
		c.IsBuiltin = builtin == 1
		cmds = append(cmds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return cmds, nil
}

// SetCommands replaces a model's commands in one transaction.
func (r *SQLiteRepository) SetCommands(ctx context.Context, modelID string, cmds []Command) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM device_model_commands WHERE model_id = ?`, modelID); err != nil {
			return fmt.Errorf("clearing commands of %s: %w", modelID, err)
		}
		const query = `INSERT INTO device_model_commands
			(id, model_id, name, frame, port, confirmed, is_builtin) VALUES (?, ?, ?, ?, ?, ?, ?)`
		for i := range cmds {
			c := &cmds[i]
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			c.ModelID = modelID
			c.Frame = strings.ToUpper(c.Frame)
			if _, err := tx.ExecContext(ctx, query,
				c.ID, modelID, c.Name, c.Frame, c.Port, database.BoolToInt(c.Confirmed), database.BoolToInt(c.IsBuiltin)); err != nil {
				return fmt.Errorf("inserting command %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

// queryModels scans models, then bulk-loads their labels once the rows
// are closed. The pool holds a single connection.
func (r *SQLiteRepository) queryModels(ctx context.Context, query string, args ...any) ([]DeviceModel, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying device models: %w", err)
	}

	models := []DeviceModel{}
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		models = append(models, *m)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterating device models: %w", err)
	}

	ids := make([]string, len(models))
	for i := range models {
		ids[i] = models[i].ID
	}
	labels, err := label.ForOwners(ctx, r.db, label.OwnerDeviceModel, ids)
	if err != nil {
		return nil, err
	}
	for i := range models {
		models[i].Labels = labels[models[i].ID]
		if models[i].Labels == nil {
			models[i].Labels = []label.Label{}
		}
	}
	return models, nil
}

func scanModel(rows *sql.Rows) (*DeviceModel, error) {
	var m DeviceModel
	var builtin, lora int
	var settings sql.NullString
	var createdAt, updatedAt string
	if err := rows.Scan(&m.ID, &m.Name, &m.Description, &builtin, &lora, &settings, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scanning device model: %w", err)
	}
	m.IsBuiltin = builtin == 1
	m.SupportLoRaFeatures = lora == 1
	m.CreatedAt = database.ParseTime(createdAt)
	m.UpdatedAt = database.ParseTime(updatedAt)
	if settings.Valid && settings.String != "" {
		var s LoRaSettings
		if err := json.Unmarshal([]byte(settings.String), &s); err != nil {
			return nil, fmt.Errorf("decoding LoRa settings of %s: %w", m.ID, err)
		}
		m.LoRa = &s
	}
	return &m, nil
}

func encodeLoRa(s *LoRaSettings) (any, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding LoRa settings: %w", err)
	}
	return string(b), nil
}

// isNotFound reports whether err means the model is missing.
func isNotFound(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}
