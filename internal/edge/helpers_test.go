package edge

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/iothub-portal/internal/devicetag"
	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/config"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/database/databasetest"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub/iothubtest"
	"github.com/nerrad567/iothub-portal/internal/journal"
)

// testEdgeKey is base64 for "edge-enrollment-key".
const testEdgeKey = "ZWRnZS1lbnJvbGxtZW50LWtleQ=="

type fixture struct {
	hub     *iothubtest.Registry
	repo    *SQLiteRepository
	tags    *devicetag.Service
	journal *journal.SQLiteRepository
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := databasetest.Open(t)
	f := &fixture{
		hub:     iothubtest.New(),
		repo:    NewSQLiteRepository(db.DB),
		tags:    devicetag.NewService(devicetag.NewSQLiteRepository(db.DB)),
		journal: journal.NewSQLiteRepository(db.DB),
	}
	f.svc = f.with(f.repo)

	if err := f.tags.Replace(context.Background(), []devicetag.DeviceTag{
		{Name: "site", Label: "Site", Required: true, Searchable: true},
		{Name: "floor", Label: "Floor"},
	}); err != nil {
		t.Fatalf("defining tags: %v", err)
	}
	return f
}

// with builds a service over repo sharing the fixture's hub and journal.
func (f *fixture) with(repo Repository) *Service {
	return NewService(Deps{
		Hub:     f.hub,
		Repo:    repo,
		Tags:    f.tags,
		Journal: f.journal,
		Events:  events.NewEmitter(nil, nil),
		Provisioning: config.ProvisioningConfig{
			IDScope:        "0ne000EDGE1",
			GlobalEndpoint: "global.azure-devices-provisioning.net",
			EdgeGroupKey:   testEdgeKey,
		},
	})
}

func (f *fixture) journalEntries(t *testing.T) []journal.Entry {
	t.Helper()
	page, err := f.journal.List(context.Background(), journal.Filter{PageSize: 100})
	if err != nil {
		t.Fatalf("listing journal: %v", err)
	}
	return page.Items
}

func (f *fixture) createModel(t *testing.T, m *EdgeModel) *EdgeModel {
	t.Helper()
	created, err := f.svc.CreateModel(context.Background(), m)
	if err != nil {
		t.Fatalf("CreateModel() error = %v", err)
	}
	return created
}

func intPtr(v int) *int { return &v }

func gatewayModel() *EdgeModel {
	return &EdgeModel{
		ID:          "factory-gateway",
		Name:        "Factory gateway",
		Description: "OPC UA publisher with a local filter",
		Modules: []Module{
			{
				Name:                   "opcPublisher",
				ImageURI:               "mcr.microsoft.com/iotedge/opc-publisher:2.8",
				ContainerCreateOptions: `{"Hostname":"publisher"}`,
				StartupOrder:           2,
				Env:                    map[string]string{"PUBLISH_INTERVAL": "1000"},
				TwinSettings:           map[string]any{"samplingInterval": float64(500)},
				Commands:               []ModuleCommand{{Name: "Reset"}},
			},
			{
				Name:         "filter",
				ImageURI:     "registry.example.com/filter:1.0",
				StartupOrder: 1,
			},
		},
		Routes: []Route{
			{Name: "toFilter", Value: "FROM /messages/modules/opcPublisher/* INTO BrokeredEndpoint(\"/modules/filter/inputs/in\")"},
			{Name: "upstream", Value: "FROM /messages/modules/filter/* INTO $upstream", Priority: intPtr(1), TimeToLive: intPtr(3600)},
		},
	}
}

func edgeDevice(id string) *EdgeDevice {
	return &EdgeDevice{
		ID:        id,
		Name:      "Gateway " + id,
		ModelID:   "factory-gateway",
		IsEnabled: true,
		Tags:      map[string]string{"site": "plant-1"},
	}
}

// failingSave makes every mirror device write fail.
type failingSave struct {
	Repository
}

func (failingSave) SaveDevice(context.Context, *EdgeDevice) error {
	return errors.New("disk full")
}

// failingModelStore makes every model insert fail.
type failingModelStore struct {
	Repository
}

func (failingModelStore) CreateModel(context.Context, *EdgeModel) error {
	return errors.New("disk full")
}
