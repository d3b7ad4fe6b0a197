package influxdb

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/config"
)

// testConfig matches the development docker-compose InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "portal-dev-token",
		Org:           "portal",
		Bucket:        "telemetry",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

func connectOrSkip(t *testing.T) *Client {
	t.Helper()
	client, err := Connect(testConfig())
	if err != nil {
		if os.Getenv("RUN_INTEGRATION") != "" {
			t.Fatalf("Connect() error = %v", err)
		}
		t.Skip("InfluxDB not available, skipping integration test")
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // test cleanup
	return client
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	_, err := Connect(cfg)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:1"

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestTelemetryQuery(t *testing.T) {
	q := telemetryQuery("telemetry", `dev"ice`, 2*time.Hour)

	for _, want := range []string{
		`from(bucket: "telemetry")`,
		`range(start: -7200s)`,
		`r._measurement == "lorawan_telemetry"`,
		`r.device_id == "dev\"ice"`,
		`limit(n: 1000)`,
	} {
		if !strings.Contains(q, want) {
			t.Errorf("query missing %q:\n%s", want, q)
		}
	}

	if !strings.Contains(telemetryQuery("b", "d", 0), "range(start: -86400s)") {
		t.Error("zero lookback should default to 24h")
	}
}

func TestNumericFields(t *testing.T) {
	got := numericFields(map[string]any{
		"temperature": 21.5,
		"open":        true,
		"label":       "kitchen",
		"nested":      map[string]any{"a": 1.0},
		"count":       int64(3),
	})

	if len(got) != 3 {
		t.Fatalf("numericFields() = %v, want 3 entries", got)
	}
	if _, ok := got["label"]; ok {
		t.Error("string field should be dropped")
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := &Client{}

	if n := c.WriteTelemetry("dev", 1, map[string]any{"t": 1.0}, time.Now()); n != 0 {
		t.Errorf("WriteTelemetry() on disconnected client = %d", n)
	}
	if _, err := c.QueryTelemetry(context.Background(), "dev", time.Hour); !errors.Is(err, ErrNotConnected) {
		t.Errorf("QueryTelemetry() error = %v, want ErrNotConnected", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	c.Flush()
}

func TestWriteAndQueryTelemetry(t *testing.T) {
	client := connectOrSkip(t)
	deviceID := "it-" + time.Now().Format("150405.000")

	n := client.WriteTelemetry(deviceID, 7, map[string]any{"temperature": 19.25}, time.Now())
	if n != 1 {
		t.Fatalf("WriteTelemetry() = %d, want 1", n)
	}
	client.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	points, err := client.QueryTelemetry(ctx, deviceID, time.Hour)
	if err != nil {
		t.Fatalf("QueryTelemetry() error = %v", err)
	}
	if len(points) == 0 || points[0].Field != "temperature" {
		t.Errorf("QueryTelemetry() = %+v", points)
	}
}
