package lorawan

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/database"
)

// DefaultTelemetryHistory is how many messages are kept per device when
// the configured value is not positive.
const DefaultTelemetryHistory = 100

// TelemetryRepository stores recent uplinks.
type TelemetryRepository interface {
	// Insert stores a message and drops the device's oldest rows beyond keep.
	Insert(ctx context.Context, t *Telemetry, keep int) error
	// List returns a device's messages, newest first.
	List(ctx context.Context, deviceID string, limit int) ([]Telemetry, error)
	// DeleteDevice removes every stored message of a device.
	DeleteDevice(ctx context.Context, deviceID string) error
}

// SQLiteRepository stores telemetry in lorawan_device_telemetry.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a telemetry repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert implements TelemetryRepository.
func (r *SQLiteRepository) Insert(ctx context.Context, t *Telemetry, keep int) error {
	if keep <= 0 {
		keep = DefaultTelemetryHistory
	}
	payload, err := json.Marshal(t.Data)
	if err != nil {
		return fmt.Errorf("encoding telemetry of %s: %w", t.DeviceID, err)
	}

	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO lorawan_device_telemetry (device_id, enqueued_at, fcnt, payload) VALUES (?, ?, ?, ?)`,
			t.DeviceID, database.FormatTime(t.EnqueuedAt), int64(t.FCnt), string(payload))
		if err != nil {
			return fmt.Errorf("inserting telemetry of %s: %w", t.DeviceID, err)
		}
		if id, err := res.LastInsertId(); err == nil {
			t.ID = id
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM lorawan_device_telemetry
			WHERE device_id = ? AND id NOT IN (
				SELECT id FROM lorawan_device_telemetry
				WHERE device_id = ?
				ORDER BY enqueued_at DESC, id DESC
				LIMIT ?)`,
			t.DeviceID, t.DeviceID, keep); err != nil {
			return fmt.Errorf("trimming telemetry of %s: %w", t.DeviceID, err)
		}
		return nil
	})
}

// List implements TelemetryRepository.
func (r *SQLiteRepository) List(ctx context.Context, deviceID string, limit int) ([]Telemetry, error) {
	if limit <= 0 {
		limit = DefaultTelemetryHistory
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, enqueued_at, fcnt, payload FROM lorawan_device_telemetry
		WHERE device_id = ?
		ORDER BY enqueued_at DESC, id DESC
		LIMIT ?`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying telemetry of %s: %w", deviceID, err)
	}
	defer rows.Close()

	out := []Telemetry{}
	for rows.Next() {
		var (
			t        Telemetry
			enqueued string
			fcnt     int64
			payload  string
		)
		if err := rows.Scan(&t.ID, &t.DeviceID, &enqueued, &fcnt, &payload); err != nil {
			return nil, fmt.Errorf("scanning telemetry: %w", err)
		}
		t.EnqueuedAt = database.ParseTime(enqueued)
		t.FCnt = uint32(fcnt)
		if err := json.Unmarshal([]byte(payload), &t.Data); err != nil {
			return nil, fmt.Errorf("decoding telemetry %d: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteDevice implements TelemetryRepository.
func (r *SQLiteRepository) DeleteDevice(ctx context.Context, deviceID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM lorawan_device_telemetry WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("deleting telemetry of %s: %w", deviceID, err)
	}
	return nil
}
