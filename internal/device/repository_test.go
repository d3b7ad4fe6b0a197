package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/database/databasetest"
	"github.com/nerrad567/iothub-portal/internal/label"
)

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

func seedRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	repo := NewSQLiteRepository(databasetest.Open(t).DB)

	devices := []*Device{
		{ID: "boiler-1", Name: "Boiler room", ModelID: "thermostat", IsEnabled: true, IsConnected: true, Version: 3,
			Tags: map[string]string{"site": "North Plant"}, Labels: []label.Label{{Name: "heating", Color: "#ff0000"}}},
		{ID: "boiler-2", Name: "Boiler annex", ModelID: "thermostat", IsEnabled: false, Version: 1,
			Tags: map[string]string{"site": "South 100%"}},
		{ID: "lobby", Name: "Lobby display", ModelID: "display", IsEnabled: true, Version: 7},
	}
	for _, d := range devices {
		if err := repo.SaveDevice(ctx, d); err != nil {
			t.Fatalf("SaveDevice(%s) error = %v", d.ID, err)
		}
	}
	lora := &LoRaWANDevice{
		Device: Device{ID: "0004A30B001C0530", Name: "Boiler flow sensor", ModelID: "soil", IsEnabled: true, Version: 2,
			Tags: map[string]string{"site": "north"}, Labels: []label.Label{{Name: "heating", Color: "#ff0000"}}},
		LoRa: LoRaWANSettings{UseOTAA: true, AppEUI: "70B3D57ED0000001", AppKey: "000102030405060708090A0B0C0D0E0F",
			ClassType: "A", Deduplication: "Drop", PreferredWindow: 1, RXDelay: intPtr(2)},
	}
	if err := repo.SaveLoRaWANDevice(ctx, lora); err != nil {
		t.Fatalf("SaveLoRaWANDevice() error = %v", err)
	}
	return repo
}

func listIDs(items []ListItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func equalIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRepositorySaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)

	d, err := repo.GetDevice(ctx, "boiler-1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if d.Name != "Boiler room" || !d.IsConnected || d.Version != 3 {
		t.Errorf("GetDevice() = %+v", d)
	}
	if d.Tags["site"] != "North Plant" {
		t.Errorf("tags = %v", d.Tags)
	}
	if len(d.Labels) != 1 || d.Labels[0].Name != "heating" {
		t.Errorf("labels = %v", d.Labels)
	}
	if d.CreatedAt.IsZero() || d.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	ld, err := repo.GetLoRaWANDevice(ctx, "0004A30B001C0530")
	if err != nil {
		t.Fatalf("GetLoRaWANDevice() error = %v", err)
	}
	if ld.LoRa.AppKey != "000102030405060708090A0B0C0D0E0F" || ld.LoRa.RXDelay == nil || *ld.LoRa.RXDelay != 2 {
		t.Errorf("settings = %+v", ld.LoRa)
	}

	if _, err := repo.GetDevice(ctx, "0004A30B001C0530"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice(lora id) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRepositorySaveKeepsCreatedAt(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)

	first, err := repo.GetDevice(ctx, "lobby")
	if err != nil {
		t.Fatal(err)
	}
	repo.now = func() time.Time { return time.Now().Add(time.Hour) }

	first.Name = "Lobby screen"
	first.Tags = map[string]string{}
	if err := repo.SaveDevice(ctx, first); err != nil {
		t.Fatalf("SaveDevice() error = %v", err)
	}
	got, err := repo.GetDevice(ctx, "lobby")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Lobby screen" {
		t.Errorf("Name = %q", got.Name)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed from %v to %v", first.CreatedAt, got.CreatedAt)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("UpdatedAt %v not after CreatedAt %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestRepositoryLookup(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)

	tests := []struct {
		id      string
		kind    Kind
		version int64
		wantErr error
	}{
		{"boiler-1", KindDevice, 3, nil},
		{"0004A30B001C0530", KindLoRaWAN, 2, nil},
		{"missing", "", 0, ErrDeviceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			kind, version, err := repo.Lookup(ctx, tt.id)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Lookup() error = %v, want %v", err, tt.wantErr)
			}
			if kind != tt.kind || version != tt.version {
				t.Errorf("Lookup() = (%q, %d), want (%q, %d)", kind, version, tt.kind, tt.version)
			}
		})
	}
}

func TestRepositorySaveMovesBetweenTables(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)

	moved := &LoRaWANDevice{
		Device: Device{ID: "lobby", Name: "Lobby", ModelID: "soil", IsEnabled: true, Version: 8},
		LoRa:   LoRaWANSettings{ClassType: "A", Deduplication: "Drop", PreferredWindow: 1},
	}
	if err := repo.SaveLoRaWANDevice(ctx, moved); err != nil {
		t.Fatalf("SaveLoRaWANDevice() error = %v", err)
	}
	kind, _, err := repo.Lookup(ctx, "lobby")
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindLoRaWAN {
		t.Errorf("kind = %q, want %q", kind, KindLoRaWAN)
	}
	if _, err := repo.GetDevice(ctx, "lobby"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("plain row still present: %v", err)
	}
}

func TestRepositoryList(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all ordered by name", Filter{}, []string{"boiler-2", "0004A30B001C0530", "boiler-1", "lobby"}},
		{"search matches name", Filter{SearchText: "boiler"}, []string{"boiler-2", "0004A30B001C0530", "boiler-1"}},
		{"search matches id", Filter{SearchText: "a30b"}, []string{"0004A30B001C0530"}},
		{"enabled only", Filter{IsEnabled: boolPtr(true)}, []string{"0004A30B001C0530", "boiler-1", "lobby"}},
		{"connected", Filter{IsConnected: boolPtr(true)}, []string{"boiler-1"}},
		{"model", Filter{ModelID: "thermostat"}, []string{"boiler-2", "boiler-1"}},
		{"tag substring", Filter{Tags: map[string]string{"site": "north"}}, []string{"0004A30B001C0530", "boiler-1"}},
		{"tag wildcard is literal", Filter{Tags: map[string]string{"site": "100%"}}, []string{"boiler-2"}},
		{"label", Filter{Labels: []string{"heating"}}, []string{"0004A30B001C0530", "boiler-1"}},
		{"kind", Filter{Kind: KindLoRaWAN}, []string{"0004A30B001C0530"}},
		{"order by id desc", Filter{OrderBy: "id desc"}, []string{"lobby", "boiler-2", "boiler-1", "0004A30B001C0530"}},
		{"unknown order column falls back to name", Filter{OrderBy: "secret"}, []string{"boiler-2", "0004A30B001C0530", "boiler-1", "lobby"}},
		{"no match", Filter{SearchText: "nothing"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, total, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if got := listIDs(items); !equalIDs(got, tt.want) {
				t.Errorf("List() = %v, want %v", got, tt.want)
			}
			if total != len(tt.want) {
				t.Errorf("total = %d, want %d", total, len(tt.want))
			}
		})
	}
}

func TestRepositoryListPaging(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)

	items, total, err := repo.List(ctx, Filter{Page: 1, PageSize: 3})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 4 {
		t.Errorf("total = %d, want 4", total)
	}
	if got := listIDs(items); !equalIDs(got, []string{"lobby"}) {
		t.Errorf("second page = %v", got)
	}
	if items[0].SupportLoRaFeatures {
		t.Error("plain device flagged as LoRa")
	}

	items, _, err = repo.List(ctx, Filter{Kind: KindLoRaWAN})
	if err != nil {
		t.Fatal(err)
	}
	if !items[0].SupportLoRaFeatures || len(items[0].Labels) != 1 {
		t.Errorf("lora item = %+v", items[0])
	}
}

func TestRepositoryDelete(t *testing.T) {
	ctx := context.Background()
	repo := seedRepo(t)

	if err := repo.Delete(ctx, "boiler-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, _, err := repo.Lookup(ctx, "boiler-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Lookup() after delete error = %v", err)
	}
	items, _, err := repo.List(ctx, Filter{Labels: []string{"heating"}})
	if err != nil {
		t.Fatal(err)
	}
	if got := listIDs(items); !equalIDs(got, []string{"0004A30B001C0530"}) {
		t.Errorf("labels not removed: %v", got)
	}
	values, err := tagValuesFor(ctx, repo.db, []string{"boiler-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(values["boiler-1"]) != 0 {
		t.Errorf("tag values not removed: %v", values)
	}

	if err := repo.Delete(ctx, "boiler-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second Delete() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRepositoryIDs(t *testing.T) {
	repo := seedRepo(t)
	ids, err := repo.IDs(context.Background())
	if err != nil {
		t.Fatalf("IDs() error = %v", err)
	}
	if len(ids) != 4 {
		t.Errorf("IDs() = %v, want 4 ids", ids)
	}
}
