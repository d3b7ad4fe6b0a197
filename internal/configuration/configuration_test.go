package configuration

import (
	"errors"
	"testing"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/rollout"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "Night-Mode", want: "night-mode"},
		{in: "  eco:1 ", want: "eco:1"},
		{in: "", wantErr: true},
		{in: "has space", wantErr: true},
		{in: "slash/id", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeID(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("NormalizeID(%q) error = %v, want ErrInvalid", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("NormalizeID(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestTargetConditionRoundTrip(t *testing.T) {
	cond := TargetCondition("thermo", map[string]string{"site": "o'hare", "floor": "2"})
	want := "tags.modelId = 'thermo' AND tags.floor = '2' AND tags.site = 'o\\'hare'"
	if cond != want {
		t.Fatalf("TargetCondition() = %q, want %q", cond, want)
	}

	model, tags, ok := ParseTargetCondition(cond)
	if !ok || model != "thermo" {
		t.Fatalf("ParseTargetCondition() = %q, %v", model, ok)
	}
	if tags["site"] != "o'hare" || tags["floor"] != "2" || len(tags) != 2 {
		t.Errorf("tags = %v", tags)
	}
}

func TestParseTargetConditionRejectsForeign(t *testing.T) {
	for _, cond := range []string{
		"*",
		"tags.site = 'north'",
		"tags.modelId = 'a' OR tags.modelId = 'b'",
		"properties.reported.fw = '1.0'",
	} {
		if _, _, ok := ParseTargetCondition(cond); ok {
			t.Errorf("ParseTargetCondition(%q) accepted", cond)
		}
	}
}

func TestFromHubSkipsTemplatesAndDeployments(t *testing.T) {
	template := iothub.Configuration{
		ID:              "model-thermo-1",
		Labels:          map[string]string{rollout.LabelCreatedBy: rollout.CreatedBy, rollout.LabelKind: rollout.KindDeviceModel},
		TargetCondition: rollout.TargetModel("thermo"),
	}
	if _, ok := fromHub(&template); ok {
		t.Error("model template mapped as device configuration")
	}

	deployment := iothub.Configuration{
		ID:              "manual-edge",
		Content:         iothub.ConfigurationContent{ModulesContent: map[string]any{"$edgeAgent": map[string]any{}}},
		TargetCondition: rollout.TargetModel("gw"),
	}
	if _, ok := fromHub(&deployment); ok {
		t.Error("edge deployment mapped as device configuration")
	}

	cfg := iothub.Configuration{
		ID:              "eco",
		Content:         iothub.ConfigurationContent{DeviceContent: map[string]any{"properties.desired.setpoint": 19.5, "properties.desired.eco": true}},
		TargetCondition: TargetCondition("thermo", nil),
		Priority:        3,
		SystemMetrics:   iothub.ConfigurationMetrics{Results: map[string]int64{"targetedCount": 4, "appliedCount": 3}},
		Metrics:         iothub.ConfigurationMetrics{Results: map[string]int64{MetricSuccess: 2, MetricFailure: 1}},
	}
	dc, ok := fromHub(&cfg)
	if !ok {
		t.Fatal("device configuration not mapped")
	}
	if dc.Properties["setpoint"] != "19.5" || dc.Properties["eco"] != "true" {
		t.Errorf("properties = %v", dc.Properties)
	}
	if dc.Metrics != (Metrics{Targeted: 4, Applied: 3, Success: 2, Failure: 1}) {
		t.Errorf("metrics = %+v", dc.Metrics)
	}
}
