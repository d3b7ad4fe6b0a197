package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/iothub-portal/internal/concentrator"
	"github.com/nerrad567/iothub-portal/internal/configuration"
	"github.com/nerrad567/iothub-portal/internal/device"
	"github.com/nerrad567/iothub-portal/internal/devicemodel"
	"github.com/nerrad567/iothub-portal/internal/devicetag"
	"github.com/nerrad567/iothub-portal/internal/edge"
	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/config"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/database/databasetest"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub/iothubtest"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/logging"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/mqtt"
	"github.com/nerrad567/iothub-portal/internal/journal"
	"github.com/nerrad567/iothub-portal/internal/lorawan"
	"github.com/nerrad567/iothub-portal/internal/reconcile"
	"github.com/nerrad567/iothub-portal/internal/rollout"
)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

type testEnv struct {
	srv     *Server
	router  http.Handler
	hub     *iothubtest.Registry
	devices *device.Service
	journal *journal.SQLiteRepository
}

// testServer wires every service against a migrated SQLite database and an
// in-memory hub. lora toggles the LoRaWAN feature gate.
func testServer(t *testing.T, lora bool) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := testLogger()

	db := databasetest.Open(t)
	hub := iothubtest.New()
	em := events.NewEmitter(nil, nil)
	jr := journal.NewSQLiteRepository(db.DB)

	modelRepo := devicemodel.NewSQLiteRepository(db.DB)
	models := devicemodel.NewService(modelRepo, devicemodel.NewRegistry(modelRepo), rollout.New(hub), jr, em)
	tags := devicetag.NewService(devicetag.NewSQLiteRepository(db.DB))
	devices := device.NewService(device.Deps{
		Hub:     hub,
		Repo:    device.NewSQLiteRepository(db.DB),
		Models:  models,
		Tags:    tags,
		Journal: jr,
		Events:  em,
	})
	edges := edge.NewService(edge.Deps{
		Hub:     hub,
		Repo:    edge.NewSQLiteRepository(db.DB),
		Tags:    tags,
		Journal: jr,
		Events:  em,
	})
	gateways := concentrator.NewService(hub, concentrator.NewSQLiteRepository(db.DB), jr, em, nil)
	telemetry := lorawan.NewTelemetryIngestor(lorawan.NewSQLiteRepository(db.DB),
		lorawan.NewDeduplicator(100, 0.01, 90), mqtt.Topics{}, 10, em)
	devices.SetTelemetry(telemetry)
	scheduler := reconcile.NewScheduler(hub, reconcile.Config{}, em,
		reconcile.DeviceJob(devices), reconcile.EdgeDeviceJob(edges))

	if _, err := models.Create(ctx, &devicemodel.DeviceModel{ID: "thermostat", Name: "Thermostat"}); err != nil {
		t.Fatalf("creating model: %v", err)
	}

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:             testWSConfig(),
		LoRaWAN:        config.LoRaWANConfig{Enabled: lora, TelemetryHistory: 10},
		Portal:         config.PortalConfig{Name: "Test Portal", Copyright: "Test"},
		Logger:         log,
		DB:             db.DB,
		Hub:            hub,
		Devices:        devices,
		Models:         models,
		Tags:           tags,
		Edge:           edges,
		Concentrators:  gateways,
		Configurations: configuration.NewService(hub, models, tags, em),
		Telemetry:      telemetry,
		Journal:        jr,
		Scheduler:      scheduler,
		Version:        "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return &testEnv{srv: srv, router: srv.Handler(), hub: hub, devices: devices, journal: jr}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

func deviceBody(id string) string {
	return fmt.Sprintf(`{"id":%q,"name":"Device %s","model_id":"thermostat","is_enabled":true}`, id, id)
}

func TestNewRequiresCoreServices(t *testing.T) {
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Fatal("New() without services should fail")
	}
}

func TestHealth(t *testing.T) {
	env := testServer(t, false)

	w := env.do(t, http.MethodGet, "/api/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	resp := decodeBody[map[string]any](t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
}

// ─── Middleware Tests ──────────────────────────────────────────────

func TestRequestID(t *testing.T) {
	env := testServer(t, false)

	t.Run("generated", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/health", "")
		if w.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header to be set")
		}
	})

	t.Run("preserves client value", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.Header.Set("X-Request-ID", "client-123")
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		if got := w.Header().Get("X-Request-ID"); got != "client-123" {
			t.Errorf("X-Request-ID = %q, want client-123", got)
		}
	})
}

func TestCORSPreflight(t *testing.T) {
	env := testServer(t, false)

	req := httptest.NewRequest(http.MethodOptions, "/api/devices", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestBodySizeLimit(t *testing.T) {
	env := testServer(t, false)

	big := `{"id":"big","name":"` + strings.Repeat("x", maxRequestBodySize) + `"}`
	w := env.do(t, http.MethodPost, "/api/devices", big)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := testServer(t, false)

	if w := env.do(t, http.MethodGet, "/api/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Device Tests ──────────────────────────────────────────────────

func TestDeviceLifecycle(t *testing.T) {
	env := testServer(t, false)

	w := env.do(t, http.MethodPost, "/api/devices", deviceBody("dev-1"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body: %s", w.Code, w.Body.String())
	}
	created := decodeBody[device.Device](t, w)
	if created.ID != "dev-1" || created.Version == 0 {
		t.Errorf("created = %+v", created)
	}

	w = env.do(t, http.MethodGet, "/api/devices/dev-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = env.do(t, http.MethodPut, "/api/devices/dev-1",
		`{"id":"ignored","name":"Renamed","model_id":"thermostat","is_enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d; body: %s", w.Code, w.Body.String())
	}
	updated := decodeBody[device.Device](t, w)
	if updated.ID != "dev-1" || updated.Name != "Renamed" || updated.IsEnabled {
		t.Errorf("updated = %+v", updated)
	}

	w = env.do(t, http.MethodDelete, "/api/devices/dev-1", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d; body: %s", w.Code, w.Body.String())
	}
	if w = env.do(t, http.MethodGet, "/api/devices/dev-1", ""); w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestDeviceErrors(t *testing.T) {
	env := testServer(t, false)
	if w := env.do(t, http.MethodPost, "/api/devices", deviceBody("dev-1")); w.Code != http.StatusCreated {
		t.Fatalf("seed status = %d", w.Code)
	}

	tests := []struct {
		name     string
		method   string
		target   string
		body     string
		fail     string
		wantCode int
		wantErr  string
	}{
		{"invalid json", http.MethodPost, "/api/devices", `{"id":`, "", http.StatusBadRequest, ErrCodeBadRequest},
		{"empty body", http.MethodPost, "/api/devices", "", "", http.StatusBadRequest, ErrCodeBadRequest},
		{"missing name", http.MethodPost, "/api/devices", `{"id":"dev-2","model_id":"thermostat"}`, "", http.StatusBadRequest, ErrCodeValidation},
		{"unknown model", http.MethodPost, "/api/devices", `{"id":"dev-2","name":"x","model_id":"nope"}`, "", http.StatusBadRequest, ErrCodeValidation},
		{"duplicate", http.MethodPost, "/api/devices", deviceBody("dev-1"), "", http.StatusConflict, ErrCodeConflict},
		{"not found", http.MethodGet, "/api/devices/missing", "", "", http.StatusNotFound, ErrCodeNotFound},
		{"hub unavailable", http.MethodPost, "/api/devices", deviceBody("dev-3"), iothubtest.OpCreateDevice, http.StatusBadGateway, ErrCodeHubUnavailable},
		{"bad page", http.MethodGet, "/api/devices?page=-1", "", "", http.StatusBadRequest, ErrCodeBadRequest},
		{"bad flag", http.MethodGet, "/api/devices?isEnabled=maybe", "", "", http.StatusBadRequest, ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.fail != "" {
				env.hub.FailNext(tt.fail, iothub.ErrUnavailable)
			}
			w := env.do(t, tt.method, tt.target, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d; body: %s", w.Code, tt.wantCode, w.Body.String())
			}
			if got := decodeBody[Error](t, w); got.Code != tt.wantErr {
				t.Errorf("code = %q, want %q", got.Code, tt.wantErr)
			}
		})
	}
}

func TestListDevicesNextPageKeepsQuery(t *testing.T) {
	env := testServer(t, false)
	for _, id := range []string{"dev-a", "dev-b", "dev-c"} {
		if w := env.do(t, http.MethodPost, "/api/devices", deviceBody(id)); w.Code != http.StatusCreated {
			t.Fatalf("create %s status = %d", id, w.Code)
		}
	}

	w := env.do(t, http.MethodGet, "/api/devices?searchText=dev&pageSize=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	page := decodeBody[pageResponse[device.ListItem]](t, w)
	if page.TotalItems != 3 || len(page.Items) != 2 || page.CurrentPage != 0 {
		t.Fatalf("page = %+v", page)
	}

	next, err := url.Parse(page.NextPage)
	if err != nil {
		t.Fatalf("next page %q: %v", page.NextPage, err)
	}
	q := next.Query()
	if next.Path != "/api/devices" || q.Get("page") != "1" || q.Get("pageSize") != "2" || q.Get("searchText") != "dev" {
		t.Errorf("next page = %q", page.NextPage)
	}

	w = env.do(t, http.MethodGet, page.NextPage, "")
	last := decodeBody[pageResponse[device.ListItem]](t, w)
	if len(last.Items) != 1 || last.NextPage != "" {
		t.Errorf("last page = %+v", last)
	}
}

func TestDeviceProperties(t *testing.T) {
	env := testServer(t, false)

	if w := env.do(t, http.MethodPost, "/api/models/thermostat/properties",
		`[{"name":"setpoint","display_name":"Setpoint","is_writable":true,"type":"double"}]`); w.Code != http.StatusOK {
		t.Fatalf("set model properties status = %d; body: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodPost, "/api/devices", deviceBody("dev-1")); w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}

	w := env.do(t, http.MethodPost, "/api/devices/dev-1/properties", `{"setpoint":21.5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set properties status = %d; body: %s", w.Code, w.Body.String())
	}
	props := decodeBody[[]device.PropertyValue](t, w)
	if len(props) != 1 || props[0].Value != 21.5 {
		t.Errorf("properties = %+v", props)
	}

	if w := env.do(t, http.MethodPost, "/api/devices/dev-1/properties", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty write status = %d, want 400", w.Code)
	}
}

func TestExportDevices(t *testing.T) {
	env := testServer(t, false)
	if w := env.do(t, http.MethodPost, "/api/devices", deviceBody("dev-1")); w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}

	w := env.do(t, http.MethodGet, "/api/devices/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("export status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(w.Header().Get("Content-Disposition"), "attachment") {
		t.Errorf("Content-Disposition = %q", w.Header().Get("Content-Disposition"))
	}
	if !strings.Contains(w.Body.String(), "dev-1") {
		t.Errorf("export body = %q", w.Body.String())
	}
}

func TestImportDevicesRejectsEmptyFile(t *testing.T) {
	env := testServer(t, false)

	req := httptest.NewRequest(http.MethodPost, "/api/devices/import", strings.NewReader(""))
	req.Header.Set("Content-Type", "text/csv")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400; body: %s", w.Code, w.Body.String())
	}
}

// ─── LoRaWAN Tests ─────────────────────────────────────────────────

func TestLoRaWANRoutesGated(t *testing.T) {
	env := testServer(t, false)

	for _, target := range []string{"/api/lorawan/devices", "/api/lorawan/concentrators"} {
		w := env.do(t, http.MethodGet, target, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", target, w.Code)
			continue
		}
		if got := decodeBody[Error](t, w); got.Code != ErrCodeLoRaDisabled {
			t.Errorf("%s code = %q, want %q", target, got.Code, ErrCodeLoRaDisabled)
		}
	}
}

func TestConcentrators(t *testing.T) {
	env := testServer(t, true)

	w := env.do(t, http.MethodPost, "/api/lorawan/concentrators",
		`{"id":"0016c001f0000001","name":"Roof","lora_region":"EU863","is_enabled":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/lorawan/concentrators", "")
	page := decodeBody[pageResponse[concentrator.Concentrator]](t, w)
	if page.TotalItems != 1 || page.Items[0].ID != "0016C001F0000001" {
		t.Errorf("page = %+v", page)
	}

	w = env.do(t, http.MethodPost, "/api/lorawan/concentrators",
		`{"id":"0016C001F0000002","name":"Barn","lora_region":"MARS"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown region status = %d, want 400", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/lorawan/concentrators/regions", "")
	if regions := decodeBody[[]string](t, w); len(regions) != 5 {
		t.Errorf("regions = %v", regions)
	}
}

func TestTelemetryOfUnknownDevice(t *testing.T) {
	env := testServer(t, true)

	if w := env.do(t, http.MethodGet, "/api/lorawan/devices/0004A30B001C0530/telemetry", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestDeleteLoRaWANRouteKeepsPlainDevice(t *testing.T) {
	env := testServer(t, true)

	if w := env.do(t, http.MethodPost, "/api/devices", deviceBody("dev-1")); w.Code != http.StatusCreated {
		t.Fatalf("seed status = %d; body: %s", w.Code, w.Body.String())
	}

	if w := env.do(t, http.MethodDelete, "/api/lorawan/devices/dev-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if !env.hub.Has("dev-1") {
		t.Error("plain device was removed from the hub through the LoRaWAN route")
	}
}

func TestCommandWithoutBroker(t *testing.T) {
	env := testServer(t, true)

	w := env.do(t, http.MethodPost, "/api/lorawan/devices/0004A30B001C0530/_command/reboot", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── Settings Tests ────────────────────────────────────────────────

func TestDeviceTagSettings(t *testing.T) {
	env := testServer(t, false)

	w := env.do(t, http.MethodPut, "/api/settings/device-tags",
		`[{"name":"site","label":"Site","required":false,"searchable":true}]`)
	if w.Code != http.StatusOK {
		t.Fatalf("replace status = %d; body: %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/settings/device-tags", `{"name":"room","label":"Room"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("upsert status = %d; body: %s", w.Code, w.Body.String())
	}

	tags := decodeBody[[]devicetag.DeviceTag](t, env.do(t, http.MethodGet, "/api/settings/device-tags", ""))
	if len(tags) != 2 {
		t.Fatalf("tags = %+v", tags)
	}

	available := decodeBody[[]string](t, env.do(t, http.MethodGet, "/api/devices/available-tags", ""))
	if len(available) != 1 || available[0] != "site" {
		t.Errorf("available tags = %v", available)
	}

	if w := env.do(t, http.MethodPost, "/api/settings/device-tags", `{"name":"modelId","label":"Model"}`); w.Code != http.StatusBadRequest {
		t.Errorf("reserved name status = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/settings/device-tags/room", ""); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", w.Code)
	}
}

func TestPortalAndLoRaSettings(t *testing.T) {
	env := testServer(t, true)

	portal := decodeBody[map[string]any](t, env.do(t, http.MethodGet, "/api/settings/portal", ""))
	if portal["name"] != "Test Portal" {
		t.Errorf("portal = %v", portal)
	}
	lora := decodeBody[map[string]any](t, env.do(t, http.MethodGet, "/api/settings/lora", ""))
	if lora["enabled"] != true || lora["commands_enabled"] != false {
		t.Errorf("lora = %v", lora)
	}
}

func TestListLabelsEmpty(t *testing.T) {
	env := testServer(t, false)

	w := env.do(t, http.MethodGet, "/api/labels", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("labels = %d %s", w.Code, w.Body.String())
	}
}

// ─── Configuration, Dashboard and Reconcile Tests ──────────────────

func TestConfigurations(t *testing.T) {
	env := testServer(t, false)

	w := env.do(t, http.MethodPost, "/api/configurations",
		`{"id":"Winter","model_id":"thermostat","priority":5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("save status = %d; body: %s", w.Code, w.Body.String())
	}

	list := decodeBody[[]configuration.DeviceConfiguration](t, env.do(t, http.MethodGet, "/api/configurations", ""))
	if len(list) != 1 || list[0].ID != "winter" {
		t.Fatalf("configurations = %+v", list)
	}

	if w := env.do(t, http.MethodGet, "/api/configurations/winter/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("metrics status = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/configurations/model-thermostat", ""); w.Code != http.StatusNotFound {
		t.Errorf("model template status = %d, want 404", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/api/configurations/winter", ""); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
}

func TestEdgeModelDeployment(t *testing.T) {
	env := testServer(t, false)

	w := env.do(t, http.MethodPost, "/api/edge/models", `{"name":"Camera"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body: %s", w.Code, w.Body.String())
	}
	created := decodeBody[edge.EdgeModel](t, w)

	w = env.do(t, http.MethodGet, "/api/edge/models/"+created.ID+"/deployment", "")
	if w.Code != http.StatusOK {
		t.Fatalf("deployment status = %d; body: %s", w.Code, w.Body.String())
	}
	dep := decodeBody[iothub.Configuration](t, w)
	if dep.ID == "" {
		t.Error("deployment should carry the hub configuration id")
	}

	if w := env.do(t, http.MethodGet, "/api/edge/models/missing/deployment", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown model status = %d, want 404", w.Code)
	}
}

func TestDashboardMetrics(t *testing.T) {
	env := testServer(t, false)
	if w := env.do(t, http.MethodPost, "/api/devices", deviceBody("dev-1")); w.Code != http.StatusCreated {
		t.Fatalf("create status = %d", w.Code)
	}

	w := env.do(t, http.MethodGet, "/api/dashboard/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	m := decodeBody[DashboardMetrics](t, w)
	if m.Devices.Total != 1 || m.Hub == nil || m.Hub.Total != 1 || m.LoRaWAN != nil {
		t.Errorf("metrics = %+v", m)
	}

	env.hub.FailNext(iothubtest.OpStatistics, iothub.ErrUnavailable)
	m = decodeBody[DashboardMetrics](t, env.do(t, http.MethodGet, "/api/dashboard/metrics", ""))
	if m.Hub != nil || m.Devices.Total != 1 {
		t.Errorf("metrics with hub down = %+v", m)
	}
}

func TestRunSync(t *testing.T) {
	env := testServer(t, false)
	env.hub.SeedTwin(iothub.Twin{
		DeviceID: "from-hub",
		Tags:     map[string]any{"deviceName": "Seeded", "modelId": "thermostat"},
	})

	w := env.do(t, http.MethodPost, "/api/reconcile/sync", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	results := decodeBody[[]reconcile.Result](t, w)
	if len(results) != 2 || results[0].Job != reconcile.JobDevices || results[0].Upserted != 1 {
		t.Fatalf("results = %+v", results)
	}

	if w := env.do(t, http.MethodGet, "/api/devices/from-hub", ""); w.Code != http.StatusOK {
		t.Errorf("synced device status = %d", w.Code)
	}
	if last := decodeBody[[]reconcile.Result](t, env.do(t, http.MethodGet, "/api/reconcile/sync", "")); len(last) != 2 {
		t.Errorf("last = %+v", last)
	}
}

func TestListJournal(t *testing.T) {
	env := testServer(t, false)
	ctx := context.Background()
	if _, err := env.journal.Record(ctx, journal.Entry{
		EntityKind: journal.KindDevice, EntityID: "dev-1", Action: journal.ActionHubDelete, Reason: "test",
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	page := decodeBody[pageResponse[journal.Entry]](t, env.do(t, http.MethodGet, "/api/reconcile/journal?status=pending", ""))
	if page.TotalItems != 1 || page.Items[0].EntityID != "dev-1" {
		t.Errorf("page = %+v", page)
	}
	if w := env.do(t, http.MethodGet, "/api/reconcile/journal?status=bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want 400", w.Code)
	}
}

func TestWriteDomainError(t *testing.T) {
	env := testServer(t, false)

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", device.ErrDeviceNotFound), http.StatusNotFound},
		{devicemodel.ErrModelInUse, http.StatusConflict},
		{iothub.ErrPreconditionFailed, http.StatusConflict},
		{edge.ErrInvalidModel, http.StatusBadRequest},
		{lorawan.ErrHistoryDisabled, http.StatusServiceUnavailable},
		{iothub.ErrThrottled, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			env.srv.writeDomainError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

// ─── WebSocket Tests ───────────────────────────────────────────────

func newTestClient(hub *Hub, channels ...string) *WSClient {
	subs := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		subs[ch] = struct{}{}
	}
	client := &WSClient{hub: hub, send: make(chan []byte, wsSendBufferSize), subscriptions: subs}
	hub.Register(client)
	return client
}

func TestHubPublish(t *testing.T) {
	hub := NewHub(testWSConfig(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	subscribed := newTestClient(hub, events.DeviceCreated)
	wildcard := newTestClient(hub, WSChannelAll)
	other := newTestClient(hub, events.DeviceDeleted)

	ev := events.New(events.DeviceCreated, "device", "dev-1", nil)
	if err := hub.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for name, client := range map[string]*WSClient{"subscribed": subscribed, "wildcard": wildcard} {
		select {
		case msg := <-client.send:
			var wsMsg WSMessage
			if err := json.Unmarshal(msg, &wsMsg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if wsMsg.EventType != events.DeviceCreated {
				t.Errorf("%s event_type = %q", name, wsMsg.EventType)
			}
		case <-time.After(time.Second):
			t.Errorf("%s client timed out waiting for event", name)
		}
	}

	select {
	case <-other.send:
		t.Error("client subscribed elsewhere should not receive the event")
	case <-time.After(100 * time.Millisecond):
	}

	if hub.ClientCount() != 3 {
		t.Errorf("ClientCount() = %d, want 3", hub.ClientCount())
	}
}

func TestWebSocketStream(t *testing.T) {
	env := testServer(t, false)
	ts := httptest.NewServer(env.router)
	defer ts.Close()

	ws, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	defer ws.Close()

	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{events.DeviceCreated}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack WSMessage
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "sub-1" {
		t.Fatalf("ack = %+v", ack)
	}

	if err := env.srv.hub.Publish(context.Background(), events.New(events.DeviceCreated, "device", "dev-9", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if msg.Type != WSTypeEvent || msg.EventType != events.DeviceCreated {
		t.Errorf("event = %+v", msg)
	}

	if err := ws.WriteJSON(WSMessage{Type: "bogus", ID: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var errMsg WSMessage
	if err := ws.ReadJSON(&errMsg); err != nil {
		t.Fatalf("read error: %v", err)
	}
	if errMsg.Type != WSTypeError {
		t.Errorf("unknown type reply = %+v", errMsg)
	}
}

func TestServerStartAndClose(t *testing.T) {
	env := testServer(t, false)
	env.srv.cfg.Port = 0

	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck before Start should fail")
	}
	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
	if err := env.srv.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
