package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/nerrad567/iothub-portal/internal/devicemodel"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/config"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/database/databasetest"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub/iothubtest"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/logging"
	"github.com/nerrad567/iothub-portal/internal/reconcile"
)

const testConnectionString = "HostName=test-hub.azure-devices.net;SharedAccessKeyName=iothubowner;SharedAccessKey=dGVzdC1rZXk="

// writeConfig writes a minimal valid configuration using a database in a
// temporary directory and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
database:
  path: "` + filepath.Join(dir, "portal.db") + `"
  wal_mode: true
  busy_timeout: 5

iothub:
  connection_string: "` + testConnectionString + `"

logging:
  level: error
  format: text
  output: stderr
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// execute runs the command tree with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGetConfigPath(t *testing.T) {
	tests := []struct {
		name string
		flag string
		env  string
		want string
	}{
		{name: "default", want: defaultConfigPath},
		{name: "environment", env: "/etc/portal/env.yaml", want: "/etc/portal/env.yaml"},
		{name: "flag wins", flag: "/tmp/flag.yaml", env: "/etc/portal/env.yaml", want: "/tmp/flag.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PORTAL_CONFIG", tt.env)
			if got := getConfigPath(tt.flag); got != tt.want {
				t.Errorf("getConfigPath(%q) = %q, want %q", tt.flag, got, tt.want)
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "portal "+version) {
		t.Errorf("output = %q, want prefix %q", out, "portal "+version)
	}
}

func TestServe_InvalidConfig(t *testing.T) {
	_, err := execute(t, "--config", "/nonexistent/path/config.yaml", "serve")
	if err == nil {
		t.Fatal("serve should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config failure", err)
	}
}

func TestServe_MissingConnectionString(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "database:\n  path: \"" + filepath.Join(dir, "portal.db") + "\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("PORTAL_IOTHUB_CONNECTION_STRING", "")

	_, err := execute(t, "--config", path, "serve")
	if err == nil || !strings.Contains(err.Error(), "iothub.connection_string") {
		t.Fatalf("serve error = %v, want connection string validation failure", err)
	}
}

func TestMigrateCommands(t *testing.T) {
	path := writeConfig(t)

	out, err := execute(t, "--config", path, "migrate", "status")
	if err != nil {
		t.Fatalf("migrate status: %v", err)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("fresh database should list pending migrations, got:\n%s", out)
	}

	out, err = execute(t, "--config", path, "migrate", "up")
	if err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if strings.Contains(out, "pending") {
		t.Errorf("after up no migration should be pending, got:\n%s", out)
	}

	out, err = execute(t, "--config", path, "migrate", "down")
	if err != nil {
		t.Fatalf("migrate down: %v", err)
	}
	if got := strings.Count(out, "pending"); got != 1 {
		t.Errorf("after down exactly one migration should be pending, got %d:\n%s", got, out)
	}
}

// newTestApp wires the services against a migrated database and a fake hub.
func newTestApp(t *testing.T) (*app, *iothubtest.Registry) {
	t.Helper()
	db := databasetest.Open(t)
	hub := iothubtest.New()
	cfg := &config.Config{
		Sync:   config.SyncConfig{Devices: true, EdgeDevices: true},
		IoTHub: config.IoTHubConfig{QueryPageSize: 100},
	}

	a, err := newApp(context.Background(), cfg, logging.Discard(), db, hub, nil)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	return a, hub
}

func TestNewApp_LoRaWANDisabled(t *testing.T) {
	a, _ := newTestApp(t)
	if a.concentrators != nil {
		t.Error("concentrator service should not be built when LoRaWAN is disabled")
	}
	if a.devices == nil || a.edge == nil || a.configurations == nil {
		t.Error("core services should always be built")
	}
}

func TestRunSyncOnce(t *testing.T) {
	ctx := context.Background()
	a, hub := newTestApp(t)

	if _, err := a.models.Create(ctx, &devicemodel.DeviceModel{ID: "thermostat", Name: "Thermostat"}); err != nil {
		t.Fatalf("creating model: %v", err)
	}
	hub.SeedTwin(iothub.Twin{
		DeviceID: "from-hub",
		Tags:     map[string]any{"deviceName": "Seeded", "modelId": "thermostat"},
	})

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	if err := runSyncOnce(ctx, a, true, cmd); err != nil {
		t.Fatalf("runSyncOnce: %v", err)
	}

	var results []reconcile.Result
	if err := json.Unmarshal(out.Bytes(), &results); err != nil {
		t.Fatalf("decoding output %q: %v", out.String(), err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Job != reconcile.JobDevices || results[0].Upserted != 1 {
		t.Errorf("devices result = %+v, want one upsert", results[0])
	}

	if _, err := a.devices.GetDevice(ctx, "from-hub"); err != nil {
		t.Errorf("seeded device not mirrored: %v", err)
	}
}

func TestRunSyncOnce_Incomplete(t *testing.T) {
	a, hub := newTestApp(t)
	hub.FailNext(iothubtest.OpQueryTwins, iothub.ErrUnavailable)

	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})

	err := runSyncOnce(context.Background(), a, false, cmd)
	if !errors.Is(err, errSyncIncomplete) {
		t.Fatalf("runSyncOnce error = %v, want errSyncIncomplete", err)
	}
}
