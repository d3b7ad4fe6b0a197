package device

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nerrad567/iothub-portal/internal/devicemodel"
	"github.com/nerrad567/iothub-portal/internal/devicetag"
	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/config"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/database"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/database/databasetest"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub/iothubtest"
	"github.com/nerrad567/iothub-portal/internal/journal"
	"github.com/nerrad567/iothub-portal/internal/rollout"
)

// testGroupKey is base64 for "enrollment-group-key".
const testGroupKey = "ZW5yb2xsbWVudC1ncm91cC1rZXk="

type fixture struct {
	db      *database.DB
	hub     *iothubtest.Registry
	repo    *SQLiteRepository
	models  *devicemodel.Service
	tags    *devicetag.Service
	journal *journal.SQLiteRepository
	events  *recordingPublisher
	svc     *Service
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db := databasetest.Open(t)
	hub := iothubtest.New()
	jr := journal.NewSQLiteRepository(db.DB)
	modelRepo := devicemodel.NewSQLiteRepository(db.DB)
	models := devicemodel.NewService(modelRepo, devicemodel.NewRegistry(modelRepo), rollout.New(hub), jr, events.NewEmitter(nil, nil))
	tags := devicetag.NewService(devicetag.NewSQLiteRepository(db.DB))
	pub := &recordingPublisher{}

	f := &fixture{
		db:      db,
		hub:     hub,
		repo:    NewSQLiteRepository(db.DB),
		models:  models,
		tags:    tags,
		journal: jr,
		events:  pub,
	}
	f.svc = NewService(Deps{
		Hub:     hub,
		Repo:    f.repo,
		Models:  models,
		Tags:    tags,
		Journal: jr,
		Events:  events.NewEmitter(pub, nil),
		Provisioning: config.ProvisioningConfig{
			IDScope:        "0ne000AAAAA",
			GlobalEndpoint: "global.azure-devices-provisioning.net",
			GroupKey:       testGroupKey,
		},
	})

	if _, err := models.Create(ctx, &devicemodel.DeviceModel{ID: "thermostat", Name: "Thermostat"}); err != nil {
		t.Fatalf("creating model: %v", err)
	}
	if _, err := models.Create(ctx, &devicemodel.DeviceModel{
		ID:                  "soil",
		Name:                "Soil sensor",
		SupportLoRaFeatures: true,
		LoRa:                &devicemodel.LoRaSettings{ClassType: devicemodel.ClassC, UseOTAA: true, AppEUI: "70B3D57ED0000001"},
	}); err != nil {
		t.Fatalf("creating LoRa model: %v", err)
	}
	if err := tags.Replace(ctx, []devicetag.DeviceTag{
		{Name: "site", Label: "Site", Required: true, Searchable: true},
		{Name: "room", Label: "Room", Searchable: true},
	}); err != nil {
		t.Fatalf("defining tags: %v", err)
	}
	return f
}

func (f *fixture) journalEntries(t *testing.T) []journal.Entry {
	t.Helper()
	page, err := f.journal.List(context.Background(), journal.Filter{PageSize: 100})
	if err != nil {
		t.Fatalf("listing journal: %v", err)
	}
	return page.Items
}

func plainDevice(id string) *Device {
	return &Device{
		ID:        id,
		Name:      "Device " + id,
		ModelID:   "thermostat",
		IsEnabled: true,
		Tags:      map[string]string{"site": "north"},
	}
}

func loraDevice(id string) *LoRaWANDevice {
	return &LoRaWANDevice{
		Device: Device{
			ID:        id,
			Name:      "Soil " + id,
			ModelID:   "soil",
			IsEnabled: true,
			Tags:      map[string]string{"site": "field"},
		},
		LoRa: LoRaWANSettings{UseOTAA: true, AppKey: "000102030405060708090A0B0C0D0E0F"},
	}
}

// failingRepo fails selected writes of an underlying repository.
type failingRepo struct {
	Repository
	saveErr   error
	deleteErr error
}

func (r *failingRepo) SaveDevice(ctx context.Context, d *Device) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	return r.Repository.SaveDevice(ctx, d)
}

func (r *failingRepo) SaveLoRaWANDevice(ctx context.Context, d *LoRaWANDevice) error {
	if r.saveErr != nil {
		return r.saveErr
	}
	return r.Repository.SaveLoRaWANDevice(ctx, d)
}

func (r *failingRepo) Delete(ctx context.Context, id string) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}
	return r.Repository.Delete(ctx, id)
}

// flakyHub fails the nth UpdateTwin call.
type flakyHub struct {
	*iothubtest.Registry
	mu       sync.Mutex
	calls    int
	failCall int
}

func (h *flakyHub) UpdateTwin(ctx context.Context, id string, patch iothub.TwinPatch, etag string) (*iothub.Twin, error) {
	h.mu.Lock()
	h.calls++
	fail := h.calls == h.failCall
	h.mu.Unlock()
	if fail {
		return nil, iothub.ErrUnavailable
	}
	return h.Registry.UpdateTwin(ctx, id, patch, etag)
}

var errDisk = errors.New("disk I/O error")

// recordingTelemetry remembers which devices had their telemetry dropped.
type recordingTelemetry struct {
	mu        sync.Mutex
	forgotten []string
}

func (r *recordingTelemetry) Forget(_ context.Context, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgotten = append(r.forgotten, deviceID)
	return nil
}

func (r *recordingTelemetry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.forgotten...)
}
