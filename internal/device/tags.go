package device

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/database"
)

// setTagValues replaces all tag values for a device.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - q: Transaction or connection the statements run on
//   - deviceID: Unique device identifier
//   - tags: Tag values to replace the current set; empty values are skipped
//
// Returns:
//   - error: nil on success, otherwise the underlying database error
//
// Security: Uses parameterised SQL statements.
// Example:
//
//	err := setTagValues(ctx, tx, "sensor-01", map[string]string{"site": "north"})
func setTagValues(ctx context.Context, q database.Querier, deviceID string, tags map[string]string) error {
	if deviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if _, err := q.ExecContext(ctx, "DELETE FROM device_tag_values WHERE device_id = ?", deviceID); err != nil {
		return fmt.Errorf("clearing tag values: %w", err)
	}

	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := strings.TrimSpace(tags[name])
		if value == "" {
			continue
		}
		if _, err := q.ExecContext(ctx,
			"INSERT INTO device_tag_values (device_id, name, value) VALUES (?, ?, ?)",
			deviceID, name, value); err != nil {
			return fmt.Errorf("inserting tag value %s: %w", name, err)
		}
	}
	return nil
}

// deleteTagValues removes all tag values for a device.
func deleteTagValues(ctx context.Context, q database.Querier, deviceID string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM device_tag_values WHERE device_id = ?", deviceID); err != nil {
		return fmt.Errorf("deleting tag values of %s: %w", deviceID, err)
	}
	return nil
}

// tagValuesFor bulk-loads tag values for a set of devices.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - q: Connection the query runs on
//   - deviceIDs: Devices to load; an empty slice returns an empty map
//
// Returns:
//   - map[string]map[string]string: device ID to tag name to value;
//     devices without tags are absent
//   - error: nil on success, otherwise the underlying query error
func tagValuesFor(ctx context.Context, q database.Querier, deviceIDs []string) (map[string]map[string]string, error) {
	result := make(map[string]map[string]string, len(deviceIDs))
	if len(deviceIDs) == 0 {
		return result, nil
	}

	placeholders := strings.Repeat("?,", len(deviceIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(deviceIDs))
	for i, id := range deviceIDs {
		args[i] = id
	}

	rows, err := q.QueryContext(ctx,
		"SELECT device_id, name, value FROM device_tag_values WHERE device_id IN ("+placeholders+")", //nolint:gosec // placeholders only
		args...)
	if err != nil {
		return nil, fmt.Errorf("querying tag values: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, name, value string
		if err := rows.Scan(&id, &name, &value); err != nil {
			return nil, fmt.Errorf("scanning tag value: %w", err)
		}
		if result[id] == nil {
			result[id] = make(map[string]string)
		}
		result[id][name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tag values: %w", err)
	}
	return result, nil
}
