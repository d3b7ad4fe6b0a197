package label

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/database/databasetest"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		label   Label
		wantErr bool
	}{
		{"valid", Label{"critical", "#ff0000"}, false},
		{"uppercase hex", Label{"ok", "#00AAff"}, false},
		{"empty name", Label{" ", "#ff0000"}, true},
		{"short colour", Label{"x", "#fff"}, true},
		{"no hash", Label{"x", "ff0000"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.label.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidLabel) {
				t.Errorf("error does not wrap ErrInvalidLabel: %v", err)
			}
		})
	}

	if err := ValidateAll([]Label{{"a", "#000000"}, {"a", "#111111"}}); err == nil {
		t.Error("ValidateAll() accepted duplicate names")
	}
}

func TestOwnerLabels(t *testing.T) {
	ctx := context.Background()
	db := databasetest.Open(t)

	if err := SetForOwner(ctx, db, OwnerDevice, "d1", []Label{{"b", "#00FF00"}, {"a", "#ff0000"}}); err != nil {
		t.Fatalf("SetForOwner() error = %v", err)
	}
	if err := SetForOwner(ctx, db, OwnerDevice, "d2", []Label{{"a", "#ff0000"}}); err != nil {
		t.Fatalf("SetForOwner() error = %v", err)
	}
	if err := SetForOwner(ctx, db, OwnerDeviceModel, "d1", []Label{{"a", "#0000ff"}}); err != nil {
		t.Fatalf("SetForOwner() error = %v", err)
	}

	got, err := ForOwner(ctx, db, OwnerDevice, "d1")
	if err != nil {
		t.Fatalf("ForOwner() error = %v", err)
	}
	if len(got) != 2 || got[0].Name != "a" || got[1].Color != "#00ff00" {
		t.Errorf("ForOwner() = %+v", got)
	}

	bulk, err := ForOwners(ctx, db, OwnerDevice, []string{"d1", "d2", "d3"})
	if err != nil {
		t.Fatalf("ForOwners() error = %v", err)
	}
	if len(bulk["d1"]) != 2 || len(bulk["d2"]) != 1 || len(bulk["d3"]) != 0 {
		t.Errorf("ForOwners() = %+v", bulk)
	}

	avail, err := ListAvailable(ctx, db.DB)
	if err != nil {
		t.Fatalf("ListAvailable() error = %v", err)
	}
	if len(avail) != 2 || avail[0].Name != "a" || avail[0].Color != "#ff0000" {
		t.Errorf("ListAvailable() = %+v", avail)
	}

	if err := DeleteForOwner(ctx, db, OwnerDevice, "d1"); err != nil {
		t.Fatalf("DeleteForOwner() error = %v", err)
	}
	if got, _ := ForOwner(ctx, db, OwnerDevice, "d1"); len(got) != 0 {
		t.Errorf("labels after delete = %+v", got)
	}
}
