package influxdb

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the portal.
const (
	MeasurementTelemetry = "lorawan_telemetry"
	MeasurementSync      = "portal_sync"
)

// maxHistoryPoints bounds a single history query.
const maxHistoryPoints = 1000

// TelemetryPoint is one field value read back from the telemetry history.
type TelemetryPoint struct {
	Time  time.Time `json:"time"`
	Field string    `json:"field"`
	Value any       `json:"value"`
}

// WriteTelemetry records the numeric and boolean fields of one decoded
// LoRaWAN uplink. Fields of other types are skipped. Returns the number of
// fields written.
func (c *Client) WriteTelemetry(deviceID string, fcnt uint32, fields map[string]any, at time.Time) int {
	if !c.IsConnected() {
		return 0
	}

	values := numericFields(fields)
	if len(values) == 0 {
		return 0
	}
	values["fcnt"] = int64(fcnt)

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementTelemetry,
		map[string]string{"device_id": deviceID},
		values,
		at,
	))
	return len(values) - 1
}

// WriteSyncResult records one reconciliation run.
func (c *Client) WriteSyncResult(job string, seen, upserted, removed int, took time.Duration, failed bool) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementSync,
		map[string]string{"job": job},
		map[string]any{
			"seen":        seen,
			"upserted":    upserted,
			"removed":     removed,
			"duration_ms": took.Milliseconds(),
			"failed":      failed,
		},
		time.Now(),
	))
}

// QueryTelemetry returns the device's telemetry fields recorded within the
// lookback window, newest first.
func (c *Client) QueryTelemetry(ctx context.Context, deviceID string, lookback time.Duration) ([]TelemetryPoint, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}

	result, err := c.queryAPI.Query(ctx, telemetryQuery(c.cfg.Bucket, deviceID, lookback))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	defer result.Close() //nolint:errcheck // read-only result

	var points []TelemetryPoint
	for result.Next() {
		rec := result.Record()
		if rec.Field() == "fcnt" {
			continue
		}
		points = append(points, TelemetryPoint{
			Time:  rec.Time(),
			Field: rec.Field(),
			Value: rec.Value(),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return points, nil
}

// telemetryQuery builds the Flux query for one device. Identifiers are
// quoted as Flux string literals.
func telemetryQuery(bucket, deviceID string, lookback time.Duration) string {
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %s and r.device_id == %s)
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)`,
		strconv.Quote(bucket),
		int64(lookback/time.Second),
		strconv.Quote(MeasurementTelemetry),
		strconv.Quote(deviceID),
		maxHistoryPoints,
	)
}

// numericFields keeps values InfluxDB can store as numbers or booleans.
// JSON numbers arrive as float64.
func numericFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		switch val := v.(type) {
		case float64, float32, int, int32, int64, uint32, uint64, bool:
			out[k] = val
		}
	}
	return out
}
