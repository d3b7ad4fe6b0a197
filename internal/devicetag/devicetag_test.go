package devicetag

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/database/databasetest"
)

func newService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewSQLiteRepository(databasetest.Open(t).DB))
}

func TestDeviceTagValidate(t *testing.T) {
	tests := []struct {
		name    string
		tag     DeviceTag
		wantErr bool
	}{
		{"valid", DeviceTag{Name: "site", Label: "Site"}, false},
		{"punctuation", DeviceTag{Name: "site-id", Label: "Site"}, true},
		{"empty name", DeviceTag{Label: "Site"}, true},
		{"reserved", DeviceTag{Name: "modelId", Label: "Model"}, true},
		{"blank label", DeviceTag{Name: "site", Label: "  "}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tag.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServiceReplace(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	err := svc.Replace(ctx, []DeviceTag{
		{Name: "site", Label: "Site", Required: true, Searchable: true},
		{Name: "floor", Label: "Floor", Searchable: true},
		{Name: "owner", Label: "Owner"},
	})
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	req, _ := svc.Required(ctx)
	if len(req) != 1 || req[0] != "site" {
		t.Errorf("Required() = %v", req)
	}
	search, _ := svc.Searchable(ctx)
	if len(search) != 2 || search[0] != "floor" {
		t.Errorf("Searchable() = %v", search)
	}

	// A failing replace leaves the previous set untouched.
	err = svc.Replace(ctx, []DeviceTag{{Name: "a", Label: "A"}, {Name: "a", Label: "B"}})
	if !errors.Is(err, ErrInvalidTag) {
		t.Fatalf("Replace(duplicate) error = %v, want ErrInvalidTag", err)
	}
	all, _ := svc.List(ctx)
	if len(all) != 3 {
		t.Errorf("List() after failed replace = %v", all)
	}

	if err := svc.Replace(ctx, []DeviceTag{{Name: "zone", Label: "Zone"}}); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	all, _ = svc.List(ctx)
	if len(all) != 1 || all[0].Name != "zone" {
		t.Errorf("List() = %v", all)
	}
}

func TestServiceUpsertDelete(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	if err := svc.Upsert(ctx, DeviceTag{Name: "site", Label: "Site"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := svc.Upsert(ctx, DeviceTag{Name: "site", Label: "Site name", Required: true}); err != nil {
		t.Fatalf("Upsert() update error = %v", err)
	}
	defined, _ := svc.Defined(ctx)
	if got := defined["site"]; got.Label != "Site name" || !got.Required {
		t.Errorf("Defined()[site] = %+v", got)
	}

	if err := svc.Delete(ctx, "site"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := svc.Delete(ctx, "site"); !errors.Is(err, ErrTagNotFound) {
		t.Errorf("Delete() missing error = %v, want ErrTagNotFound", err)
	}
}
