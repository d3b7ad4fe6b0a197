package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/database"
	"github.com/nerrad567/iothub-portal/internal/label"
	"github.com/nerrad567/iothub-portal/internal/paging"
)

// Repository defines the interface for the device mirror.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// List returns one page of devices of both kinds and the total match count.
	List(ctx context.Context, filter Filter) ([]ListItem, int, error)

	// Lookup returns which table holds a device and the twin version it was
	// written from. Returns ErrDeviceNotFound if neither table holds it.
	Lookup(ctx context.Context, id string) (Kind, int64, error)

	// GetDevice retrieves a plain device with its tags and labels.
	GetDevice(ctx context.Context, id string) (*Device, error)

	// GetLoRaWANDevice retrieves a LoRaWAN device with its tags and labels.
	GetLoRaWANDevice(ctx context.Context, id string) (*LoRaWANDevice, error)

	// ListAllDevices and ListAllLoRaWANDevices return every mirrored device
	// of one kind, ordered by ID.
	ListAllDevices(ctx context.Context) ([]Device, error)
	ListAllLoRaWANDevices(ctx context.Context) ([]LoRaWANDevice, error)

	// IDs returns the IDs in both tables.
	IDs(ctx context.Context) ([]string, error)

	// Save inserts or replaces a row with its tags and labels in one
	// transaction. A device moving between kinds leaves the other table.
	SaveDevice(ctx context.Context, d *Device) error
	SaveLoRaWANDevice(ctx context.Context, d *LoRaWANDevice) error

	// Delete removes a device from either table together with its tags,
	// labels and telemetry. Returns ErrDeviceNotFound if nothing was removed.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

const listColumns = `id, name, model_id, is_connected, is_enabled, status_updated_at, last_activity_at`

var listOrderColumns = map[string]string{
	"":                  "name",
	"name":              "name",
	"id":                "id",
	"deviceid":          "id",
	"model_id":          "model_id",
	"modelid":           "model_id",
	"is_connected":      "is_connected",
	"isconnected":       "is_connected",
	"is_enabled":        "is_enabled",
	"isenabled":         "is_enabled",
	"status_updated_at": "status_updated_at",
	"statusupdatedtime": "status_updated_at",
	"last_activity_at":  "last_activity_at",
	"lastactivitytime":  "last_activity_at",
}

// listPart is one side of the listing union.
type listPart struct {
	table     string
	ownerKind string
	lora      int
	kind      Kind
}

var listParts = []listPart{
	{table: "devices", ownerKind: label.OwnerDevice, lora: 0, kind: KindDevice},
	{table: "lorawan_devices", ownerKind: label.OwnerLoRaWANDevice, lora: 1, kind: KindLoRaWAN},
}

// List composes both device tables with UNION ALL, applying the same
// predicates to each side.
//
// Text search matches the ID or name. Tag filters match tag values with a
// case-insensitive substring LIKE. Every listed label must be present.
// Results are ordered by a whitelisted column with ID as tiebreaker.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) ([]ListItem, int, error) {
	var selects []string
	var args []any
	for _, part := range listParts {
		if filter.Kind != "" && filter.Kind != part.kind {
			continue
		}
		where, partArgs := listWhere(part, filter)
		selects = append(selects, fmt.Sprintf("SELECT %s, %d AS lora, '%s' AS owner_kind FROM %s%s",
			listColumns, part.lora, part.ownerKind, part.table, where))
		args = append(args, partArgs...)
	}
	if len(selects) == 0 {
		return []ListItem{}, 0, nil
	}
	union := strings.Join(selects, " UNION ALL ")

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ("+union+")", args...).Scan(&total); err != nil { //nolint:gosec // whitelisted identifiers
		return nil, 0, fmt.Errorf("counting devices: %w", err)
	}

	order, desc := parseOrder(filter.OrderBy)
	col, ok := listOrderColumns[order]
	if !ok {
		col = "name"
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	req := paging.NewRequest(filter.Page, filter.PageSize)
	query := union + " ORDER BY " + col + " " + dir + ", id LIMIT ? OFFSET ?"

	rows, err := r.db.QueryContext(ctx, query, append(args, req.PageSize, req.Offset())...) //nolint:gosec // whitelisted identifiers
	if err != nil {
		return nil, 0, fmt.Errorf("listing devices: %w", err)
	}
	items := []ListItem{}
	owners := map[string][]string{}
	for rows.Next() {
		var it ListItem
		var connected, enabled, lora int
		var statusAt, activityAt sql.NullString
		var ownerKind string
		if err := rows.Scan(&it.ID, &it.Name, &it.ModelID, &connected, &enabled, &statusAt, &activityAt, &lora, &ownerKind); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scanning device: %w", err)
		}
		it.IsConnected = connected == 1
		it.IsEnabled = enabled == 1
		it.SupportLoRaFeatures = lora == 1
		it.StatusUpdatedTime = database.ParseTime(statusAt.String)
		it.LastActivityTime = database.ParseTime(activityAt.String)
		items = append(items, it)
		owners[ownerKind] = append(owners[ownerKind], it.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, fmt.Errorf("iterating devices: %w", err)
	}
	rows.Close()

	// Labels load after the rows close; the pool holds one connection.
	labels := map[string][]label.Label{}
	for kind, ids := range owners {
		byOwner, err := label.ForOwners(ctx, r.db, kind, ids)
		if err != nil {
			return nil, 0, err
		}
		for id, ls := range byOwner {
			labels[id] = ls
		}
	}
	for i := range items {
		items[i].Labels = labels[items[i].ID]
		if items[i].Labels == nil {
			items[i].Labels = []label.Label{}
		}
	}
	return items, total, nil
}

func listWhere(part listPart, filter Filter) (string, []any) {
	var conds []string
	var args []any
	if s := strings.TrimSpace(filter.SearchText); s != "" {
		conds = append(conds, `(id LIKE ? ESCAPE '\' OR name LIKE ? ESCAPE '\')`)
		like := likePattern(s)
		args = append(args, like, like)
	}
	if filter.IsEnabled != nil {
		conds = append(conds, "is_enabled = ?")
		args = append(args, database.BoolToInt(*filter.IsEnabled))
	}
	if filter.IsConnected != nil {
		conds = append(conds, "is_connected = ?")
		args = append(args, database.BoolToInt(*filter.IsConnected))
	}
	if filter.ModelID != "" {
		conds = append(conds, "model_id = ?")
		args = append(args, filter.ModelID)
	}
	for _, name := range sortedKeys(filter.Tags) {
		value := strings.TrimSpace(filter.Tags[name])
		if value == "" {
			continue
		}
		conds = append(conds, fmt.Sprintf(`EXISTS (SELECT 1 FROM device_tag_values t
			WHERE t.device_id = %s.id AND t.name = ? AND t.value LIKE ? ESCAPE '\')`, part.table))
		args = append(args, name, likePattern(value))
	}
	for _, l := range filter.Labels {
		conds = append(conds, fmt.Sprintf(`EXISTS (SELECT 1 FROM labels l
			WHERE l.owner_kind = ? AND l.owner_id = %s.id AND l.name = ?)`, part.table))
		args = append(args, part.ownerKind, l)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// likePattern wraps s for a substring LIKE, escaping wildcards.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// parseOrder splits "name desc" into ("name", true).
func parseOrder(orderBy string) (string, bool) {
	fields := strings.Fields(strings.ToLower(orderBy))
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], len(fields) > 1 && fields[1] == "desc"
}

// Lookup returns the table holding id and its stored twin version.
func (r *SQLiteRepository) Lookup(ctx context.Context, id string) (Kind, int64, error) {
	var kind string
	var version int64
	err := r.db.QueryRowContext(ctx, `
		SELECT 'device', version FROM devices WHERE id = ?
		UNION ALL
		SELECT 'lorawan_device', version FROM lorawan_devices WHERE id = ?`, id, id).Scan(&kind, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, ErrDeviceNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("looking up device %s: %w", id, err)
	}
	return Kind(kind), version, nil
}

const deviceColumns = `id, name, model_id, is_connected, is_enabled, status_updated_at, last_activity_at, version, created_at, updated_at`

// GetDevice retrieves a plain device by its unique identifier.
func (r *SQLiteRepository) GetDevice(ctx context.Context, id string) (*Device, error) {
	devices, err := r.queryDevices(ctx, "SELECT "+deviceColumns+" FROM devices WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrDeviceNotFound
	}
	return &devices[0], nil
}

// ListAllDevices returns every plain device.
func (r *SQLiteRepository) ListAllDevices(ctx context.Context) ([]Device, error) {
	return r.queryDevices(ctx, "SELECT "+deviceColumns+" FROM devices ORDER BY id")
}

// GetLoRaWANDevice retrieves a LoRaWAN device by its DevEUI.
func (r *SQLiteRepository) GetLoRaWANDevice(ctx context.Context, id string) (*LoRaWANDevice, error) {
	devices, err := r.queryLoRaWAN(ctx,
		"SELECT "+deviceColumns+", already_logged_in_once, settings FROM lorawan_devices WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrDeviceNotFound
	}
	return &devices[0], nil
}

// ListAllLoRaWANDevices returns every LoRaWAN device.
func (r *SQLiteRepository) ListAllLoRaWANDevices(ctx context.Context) ([]LoRaWANDevice, error) {
	return r.queryLoRaWAN(ctx,
		"SELECT "+deviceColumns+", already_logged_in_once, settings FROM lorawan_devices ORDER BY id")
}

// IDs returns every mirrored device ID.
func (r *SQLiteRepository) IDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM devices UNION ALL SELECT id FROM lorawan_devices")
	if err != nil {
		return nil, fmt.Errorf("querying device ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning device id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device ids: %w", err)
	}
	return ids, nil
}

// SaveDevice inserts or replaces a plain device.
func (r *SQLiteRepository) SaveDevice(ctx context.Context, d *Device) error {
	r.stamp(d)
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := removeRow(ctx, tx, "lorawan_devices", label.OwnerLoRaWANDevice, d.ID); err != nil {
			return err
		}
		const query = `INSERT INTO devices (` + deviceColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				model_id = excluded.model_id,
				is_connected = excluded.is_connected,
				is_enabled = excluded.is_enabled,
				status_updated_at = excluded.status_updated_at,
				last_activity_at = excluded.last_activity_at,
				version = excluded.version,
				updated_at = excluded.updated_at`
		if _, err := tx.ExecContext(ctx, query, deviceArgs(d)...); err != nil {
			return fmt.Errorf("saving device %s: %w", d.ID, err)
		}
		return saveAssociations(ctx, tx, label.OwnerDevice, d)
	})
}

// SaveLoRaWANDevice inserts or replaces a LoRaWAN device.
func (r *SQLiteRepository) SaveLoRaWANDevice(ctx context.Context, d *LoRaWANDevice) error {
	r.stamp(&d.Device)
	settings, err := json.Marshal(d.LoRa)
	if err != nil {
		return fmt.Errorf("encoding LoRaWAN settings: %w", err)
	}
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := removeRow(ctx, tx, "devices", label.OwnerDevice, d.ID); err != nil {
			return err
		}
		const query = `INSERT INTO lorawan_devices (` + deviceColumns + `, already_logged_in_once, settings)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				model_id = excluded.model_id,
				is_connected = excluded.is_connected,
				is_enabled = excluded.is_enabled,
				status_updated_at = excluded.status_updated_at,
				last_activity_at = excluded.last_activity_at,
				version = excluded.version,
				already_logged_in_once = excluded.already_logged_in_once,
				settings = excluded.settings,
				updated_at = excluded.updated_at`
		args := append(deviceArgs(&d.Device), database.BoolToInt(d.AlreadyLoggedInOnce), string(settings))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("saving LoRaWAN device %s: %w", d.ID, err)
		}
		return saveAssociations(ctx, tx, label.OwnerLoRaWANDevice, &d.Device)
	})
}

// Delete removes a device and everything attached to it.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	var removed int64
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, part := range listParts {
			res, err := tx.ExecContext(ctx, "DELETE FROM "+part.table+" WHERE id = ?", id) //nolint:gosec // fixed table names
			if err != nil {
				return fmt.Errorf("deleting device %s: %w", id, err)
			}
			n, _ := res.RowsAffected() //nolint:errcheck // sqlite3 always reports
			removed += n
			if err := label.DeleteForOwner(ctx, tx, part.ownerKind, id); err != nil {
				return err
			}
		}
		if err := deleteTagValues(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM lorawan_device_telemetry WHERE device_id = ?", id); err != nil {
			return fmt.Errorf("deleting telemetry of %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *SQLiteRepository) stamp(d *Device) {
	now := r.now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
}

func deviceArgs(d *Device) []any {
	return []any{
		d.ID, d.Name, d.ModelID,
		database.BoolToInt(d.IsConnected), database.BoolToInt(d.IsEnabled),
		database.NullableTime(d.StatusUpdatedTime), database.NullableTime(d.LastActivityTime),
		d.Version, database.FormatTime(d.CreatedAt), database.FormatTime(d.UpdatedAt),
	}
}

func saveAssociations(ctx context.Context, tx *sql.Tx, ownerKind string, d *Device) error {
	if err := setTagValues(ctx, tx, d.ID, d.Tags); err != nil {
		return err
	}
	return label.SetForOwner(ctx, tx, ownerKind, d.ID, d.Labels)
}

// removeRow drops id from the other table when a device changes kind.
func removeRow(ctx context.Context, tx *sql.Tx, table, ownerKind, id string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE id = ?", id); err != nil { //nolint:gosec // fixed table names
		return fmt.Errorf("clearing %s row %s: %w", table, id, err)
	}
	return label.DeleteForOwner(ctx, tx, ownerKind, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner, extra ...any) (*Device, error) {
	var d Device
	var connected, enabled int
	var statusAt, activityAt sql.NullString
	var createdAt, updatedAt string
	dest := append([]any{&d.ID, &d.Name, &d.ModelID, &connected, &enabled, &statusAt, &activityAt,
		&d.Version, &createdAt, &updatedAt}, extra...)
	if err := s.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}
	d.IsConnected = connected == 1
	d.IsEnabled = enabled == 1
	d.StatusUpdatedTime = database.ParseTime(statusAt.String)
	d.LastActivityTime = database.ParseTime(activityAt.String)
	d.CreatedAt = database.ParseTime(createdAt)
	d.UpdatedAt = database.ParseTime(updatedAt)
	return &d, nil
}

// queryDevices scans plain devices, then attaches tags and labels once the
// rows are closed.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	rows.Close()

	ptrs := make([]*Device, len(devices))
	for i := range devices {
		ptrs[i] = &devices[i]
	}
	if err := r.attach(ctx, label.OwnerDevice, ptrs); err != nil {
		return nil, err
	}
	return devices, nil
}

func (r *SQLiteRepository) queryLoRaWAN(ctx context.Context, query string, args ...any) ([]LoRaWANDevice, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying LoRaWAN devices: %w", err)
	}
	var devices []LoRaWANDevice
	for rows.Next() {
		var loggedIn int
		var settings string
		d, err := scanDevice(rows, &loggedIn, &settings)
		if err != nil {
			rows.Close()
			return nil, err
		}
		ld := LoRaWANDevice{Device: *d, AlreadyLoggedInOnce: loggedIn == 1}
		if err := json.Unmarshal([]byte(settings), &ld.LoRa); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decoding settings of %s: %w", d.ID, err)
		}
		devices = append(devices, ld)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating LoRaWAN devices: %w", err)
	}
	rows.Close()

	ptrs := make([]*Device, len(devices))
	for i := range devices {
		ptrs[i] = &devices[i].Device
	}
	if err := r.attach(ctx, label.OwnerLoRaWANDevice, ptrs); err != nil {
		return nil, err
	}
	return devices, nil
}

// attach bulk-loads tags and labels onto devices.
func (r *SQLiteRepository) attach(ctx context.Context, ownerKind string, devices []*Device) error {
	if len(devices) == 0 {
		return nil
	}
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	tags, err := tagValuesFor(ctx, r.db, ids)
	if err != nil {
		return err
	}
	labels, err := label.ForOwners(ctx, r.db, ownerKind, ids)
	if err != nil {
		return err
	}
	for _, d := range devices {
		d.Tags = cloneTags(tags[d.ID])
		d.Labels = labels[d.ID]
		if d.Labels == nil {
			d.Labels = []label.Label{}
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
