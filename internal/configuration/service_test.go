package configuration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/nerrad567/iothub-portal/internal/devicemodel"
	"github.com/nerrad567/iothub-portal/internal/devicetag"
	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub/iothubtest"
	"github.com/nerrad567/iothub-portal/internal/rollout"
)

// stubModels serves one thermostat model.
type stubModels struct{}

func (stubModels) Get(_ context.Context, id string) (*devicemodel.DeviceModel, error) {
	if id != "thermo" {
		return nil, fmt.Errorf("%w: %s", devicemodel.ErrModelNotFound, id)
	}
	return &devicemodel.DeviceModel{ID: id, Name: "Thermostat"}, nil
}

func (stubModels) GetProperties(_ context.Context, id string) ([]devicemodel.Property, error) {
	return []devicemodel.Property{
		{Name: "setpoint", IsWritable: true, Type: devicemodel.PropertyDouble},
		{Name: "eco", IsWritable: true, Type: devicemodel.PropertyBoolean},
		{Name: "firmware", Type: devicemodel.PropertyString},
	}, nil
}

func (stubModels) ValidateDesired(_ context.Context, _ string, values map[string]any) error {
	if v, ok := values["setpoint"].(float64); ok && v > 35 {
		return fmt.Errorf("%w: setpoint above maximum", devicemodel.ErrInvalidValue)
	}
	return nil
}

type stubTags map[string]devicetag.DeviceTag

func (s stubTags) Defined(context.Context) (map[string]devicetag.DeviceTag, error) {
	return s, nil
}

type recorder struct {
	mu    sync.Mutex
	types []string
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, ev.Type)
	return nil
}

func newService(t *testing.T) (*Service, *iothubtest.Registry, *recorder) {
	t.Helper()
	hub := iothubtest.New()
	rec := &recorder{}
	tags := stubTags{"site": {Name: "site"}}
	return NewService(hub, stubModels{}, tags, events.NewEmitter(rec, nil)), hub, rec
}

func ecoConfig() *DeviceConfiguration {
	return &DeviceConfiguration{
		ID:         "Eco-Mode",
		ModelID:    "thermo",
		Tags:       map[string]string{"site": "north"},
		Properties: map[string]string{"setpoint": "18.5", "eco": "true"},
		Priority:   5,
	}
}

func TestCreateOrUpdateCreates(t *testing.T) {
	ctx := context.Background()
	svc, hub, rec := newService(t)

	dc, err := svc.CreateOrUpdate(ctx, ecoConfig())
	if err != nil {
		t.Fatalf("CreateOrUpdate() error = %v", err)
	}
	if dc.ID != "eco-mode" {
		t.Errorf("ID = %q, want lower-cased", dc.ID)
	}

	cfgs := hub.Configurations()
	if len(cfgs) != 1 {
		t.Fatalf("hub has %d configurations", len(cfgs))
	}
	cfg := cfgs[0]
	if cfg.TargetCondition != "tags.modelId = 'thermo' AND tags.site = 'north'" {
		t.Errorf("target = %q", cfg.TargetCondition)
	}
	if v := cfg.Content.DeviceContent["properties.desired.setpoint"]; v != 18.5 {
		t.Errorf("setpoint = %#v, want typed 18.5", v)
	}
	if v := cfg.Content.DeviceContent["properties.desired.eco"]; v != true {
		t.Errorf("eco = %#v, want true", v)
	}
	if cfg.Labels[rollout.LabelKind] != Kind || cfg.Labels[rollout.LabelCreatedBy] != rollout.CreatedBy {
		t.Errorf("labels = %v", cfg.Labels)
	}
	if cfg.Metrics.Queries[MetricSuccess] == "" || cfg.Metrics.Queries[MetricFailure] == "" {
		t.Errorf("metric queries = %v", cfg.Metrics.Queries)
	}
	if rollout.IsTemplate(cfg) {
		t.Error("device configuration treated as model template")
	}
	if len(rec.types) != 1 || rec.types[0] != events.ConfigurationChanged {
		t.Errorf("events = %v", rec.types)
	}
}

func TestCreateOrUpdateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DeviceConfiguration)
	}{
		{"bad id", func(dc *DeviceConfiguration) { dc.ID = "no spaces" }},
		{"no model", func(dc *DeviceConfiguration) { dc.ModelID = "" }},
		{"unknown model", func(dc *DeviceConfiguration) { dc.ModelID = "ghost" }},
		{"unknown property", func(dc *DeviceConfiguration) { dc.Properties["colour"] = "red" }},
		{"read-only property", func(dc *DeviceConfiguration) { dc.Properties["firmware"] = "2.0" }},
		{"wrong type", func(dc *DeviceConfiguration) { dc.Properties["eco"] = "maybe" }},
		{"schema violation", func(dc *DeviceConfiguration) { dc.Properties["setpoint"] = "40" }},
		{"undefined tag", func(dc *DeviceConfiguration) { dc.Tags["building"] = "b1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, hub, _ := newService(t)
			dc := ecoConfig()
			tt.mutate(dc)
			_, err := svc.CreateOrUpdate(context.Background(), dc)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("error = %v, want ErrInvalid", err)
			}
			if n := hub.Calls(iothubtest.OpCreateConfiguration); n != 0 {
				t.Errorf("CreateConfiguration called %d times", n)
			}
		})
	}
}

func TestCreateOrUpdateSameContentUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	svc, hub, _ := newService(t)
	if _, err := svc.CreateOrUpdate(ctx, ecoConfig()); err != nil {
		t.Fatal(err)
	}

	dc := ecoConfig()
	dc.Priority = 9
	dc.Tags = map[string]string{"site": "south"}
	got, err := svc.CreateOrUpdate(ctx, dc)
	if err != nil {
		t.Fatalf("update error = %v", err)
	}
	if got.Priority != 9 || got.Tags["site"] != "south" {
		t.Errorf("updated = %+v", got)
	}
	if n := hub.Calls(iothubtest.OpUpdateConfiguration); n != 1 {
		t.Errorf("UpdateConfiguration calls = %d, want 1", n)
	}
	if n := hub.Calls(iothubtest.OpDeleteConfiguration); n != 0 {
		t.Errorf("DeleteConfiguration calls = %d, want 0", n)
	}
}

func TestCreateOrUpdateChangedContentReplaces(t *testing.T) {
	ctx := context.Background()
	svc, hub, _ := newService(t)
	if _, err := svc.CreateOrUpdate(ctx, ecoConfig()); err != nil {
		t.Fatal(err)
	}

	dc := ecoConfig()
	dc.Properties["setpoint"] = "21"
	got, err := svc.CreateOrUpdate(ctx, dc)
	if err != nil {
		t.Fatalf("replace error = %v", err)
	}
	if got.Properties["setpoint"] != "21" {
		t.Errorf("setpoint = %q", got.Properties["setpoint"])
	}
	if n := hub.Calls(iothubtest.OpDeleteConfiguration); n != 1 {
		t.Errorf("DeleteConfiguration calls = %d, want 1", n)
	}
	if cfgs := hub.Configurations(); len(cfgs) != 1 || cfgs[0].ID != "eco-mode" {
		t.Errorf("configurations = %+v", cfgs)
	}
}

func TestListSkipsTemplates(t *testing.T) {
	ctx := context.Background()
	svc, hub, _ := newService(t)
	if _, err := rollout.New(hub).Apply(ctx, rollout.Spec{Kind: rollout.KindDeviceModel, OwnerID: "thermo"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CreateOrUpdate(ctx, ecoConfig()); err != nil {
		t.Fatal(err)
	}

	list, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != "eco-mode" {
		t.Errorf("List() = %+v", list)
	}

	templates, _ := rollout.New(hub).Current(ctx, rollout.KindDeviceModel, "thermo")
	if _, err := svc.Get(ctx, templates.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(template) error = %v, want ErrNotFound", err)
	}
}

func TestCreateOrUpdateKeepsForeignConfigurations(t *testing.T) {
	ctx := context.Background()
	svc, hub, _ := newService(t)

	template, err := rollout.New(hub).Apply(ctx, rollout.Spec{Kind: rollout.KindDeviceModel, OwnerID: "thermo"})
	if err != nil {
		t.Fatal(err)
	}
	hub.SeedConfiguration(iothub.Configuration{
		ID:      "edge-camera",
		Content: iothub.ConfigurationContent{ModulesContent: map[string]any{"$edgeAgent": map[string]any{}}},
	})

	for _, id := range []string{template.ID, "edge-camera"} {
		t.Run(id, func(t *testing.T) {
			dc := ecoConfig()
			dc.ID = id
			if _, err := svc.CreateOrUpdate(ctx, dc); !errors.Is(err, ErrInvalid) {
				t.Fatalf("CreateOrUpdate() error = %v, want ErrInvalid", err)
			}
		})
	}

	for _, cfg := range hub.Configurations() {
		switch cfg.ID {
		case template.ID:
			if !rollout.IsTemplate(cfg) {
				t.Errorf("model rollout overwritten: labels = %v", cfg.Labels)
			}
		case "edge-camera":
			if len(cfg.Content.ModulesContent) == 0 || len(cfg.Content.DeviceContent) != 0 {
				t.Errorf("edge deployment overwritten: content = %+v", cfg.Content)
			}
		}
	}
}

func TestGetMetrics(t *testing.T) {
	ctx := context.Background()
	svc, hub, _ := newService(t)
	hub.SeedConfiguration(iothub.Configuration{
		ID:              "eco",
		TargetCondition: TargetCondition("thermo", nil),
		SystemMetrics:   iothub.ConfigurationMetrics{Results: map[string]int64{"targetedCount": 10, "appliedCount": 8}},
		Metrics:         iothub.ConfigurationMetrics{Results: map[string]int64{MetricSuccess: 7, MetricFailure: 1}},
	})

	m, err := svc.GetMetrics(ctx, "ECO")
	if err != nil {
		t.Fatalf("GetMetrics() error = %v", err)
	}
	if *m != (Metrics{Targeted: 10, Applied: 8, Success: 7, Failure: 1}) {
		t.Errorf("metrics = %+v", *m)
	}
	if _, err := svc.GetMetrics(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing error = %v", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	svc, hub, rec := newService(t)
	if _, err := svc.CreateOrUpdate(ctx, ecoConfig()); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, "ECO-MODE"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(hub.Configurations()) != 0 {
		t.Error("configuration still in hub")
	}
	if rec.types[len(rec.types)-1] != events.ConfigurationDeleted {
		t.Errorf("events = %v", rec.types)
	}
	if err := svc.Delete(ctx, "eco-mode"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestHubFailureSurfaces(t *testing.T) {
	svc, hub, _ := newService(t)
	hub.FailNext(iothubtest.OpCreateConfiguration, iothub.ErrUnavailable)
	_, err := svc.CreateOrUpdate(context.Background(), ecoConfig())
	if !errors.Is(err, iothub.ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}
