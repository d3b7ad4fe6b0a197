package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/iothub-portal/internal/devicemodel"
	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/journal"
)

// SyncOutcome reports what SyncFromTwin did with a twin.
type SyncOutcome int

// Sync outcomes.
const (
	SyncSkipped SyncOutcome = iota
	SyncUpserted
)

// SyncFromTwin brings the mirror row of a twin up to date. Twins not newer
// than the mirror are skipped, as are twins without a known model.
func (s *Service) SyncFromTwin(ctx context.Context, twin iothub.Twin) (SyncOutcome, error) {
	return s.syncTwin(ctx, &twin, false)
}

// Forget removes a device from the mirror only. Removing a device that is
// not mirrored is not an error.
func (s *Service) Forget(ctx context.Context, id string) error {
	kind, _, err := s.repo.Lookup(ctx, id)
	if errors.Is(err, ErrDeviceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return err
	}
	s.forgetTelemetry(ctx, kind, id)
	s.logger.Info("device removed from mirror", "id", id)
	s.events.Emit(ctx, events.DeviceDeleted, string(kind), id, nil)
	return nil
}

// DeviceIDs returns every mirrored device ID of either kind.
func (s *Service) DeviceIDs(ctx context.Context) ([]string, error) {
	return s.repo.IDs(ctx)
}

// Compensate performs a journaled repair for a device or LoRaWAN device.
func (s *Service) Compensate(ctx context.Context, e journal.Entry) error {
	switch e.Action {
	case journal.ActionHubDelete:
		// A later create of the same ID owns the identity now.
		if _, _, err := s.repo.Lookup(ctx, e.EntityID); err == nil {
			return nil
		} else if !errors.Is(err, ErrDeviceNotFound) {
			return err
		}
		if err := s.hub.DeleteDevice(ctx, e.EntityID); err != nil && !iothub.IsNotFound(err) {
			return err
		}
		return nil

	case journal.ActionLocalDelete, journal.ActionResync:
		twin, err := s.hub.GetTwin(ctx, e.EntityID)
		if iothub.IsNotFound(err) {
			return s.Forget(ctx, e.EntityID)
		}
		if err != nil {
			return err
		}
		_, err = s.syncTwin(ctx, twin, true)
		return err

	default:
		return fmt.Errorf("unsupported device action %q", e.Action)
	}
}

func (s *Service) syncTwin(ctx context.Context, twin *iothub.Twin, force bool) (SyncOutcome, error) {
	modelID := twin.Tag(iothub.TagModelID)
	if modelID == "" {
		s.logger.Warn("skipping twin without model", "id", twin.DeviceID)
		return SyncSkipped, nil
	}
	m, err := s.models.Get(ctx, modelID)
	if errors.Is(err, devicemodel.ErrModelNotFound) {
		s.logger.Warn("skipping twin with unknown model", "id", twin.DeviceID, "model", modelID)
		return SyncSkipped, nil
	}
	if err != nil {
		return SyncSkipped, err
	}
	kind := KindDevice
	if m.SupportLoRaFeatures {
		kind = KindLoRaWAN
	}

	existingKind, version, err := s.repo.Lookup(ctx, twin.DeviceID)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return SyncSkipped, err
	}
	if exists && !force && existingKind == kind && version >= twin.Version {
		return SyncSkipped, nil
	}

	defined, err := s.tags.Defined(ctx)
	if err != nil {
		return SyncSkipped, err
	}
	names := make(map[string]bool, len(defined))
	for name := range defined {
		names[name] = true
	}

	d := deviceFromTwin(twin, names)
	var prev *Device
	if exists {
		if prev, err = s.GetDevice(ctx, twin.DeviceID); err != nil {
			return SyncSkipped, err
		}
		// Labels and creation time exist only in the mirror.
		d.Labels = prev.Labels
		d.CreatedAt = prev.CreatedAt
	}

	if kind == KindLoRaWAN {
		lora, joined := loraFromTwin(twin)
		ld := &LoRaWANDevice{Device: d, LoRa: lora, AlreadyLoggedInOnce: joined}
		if exists && existingKind == KindLoRaWAN {
			if old, err := s.repo.GetLoRaWANDevice(ctx, twin.DeviceID); err == nil {
				ld.AlreadyLoggedInOnce = ld.AlreadyLoggedInOnce || old.AlreadyLoggedInOnce
			}
		}
		err = s.repo.SaveLoRaWANDevice(ctx, ld)
	} else {
		err = s.repo.SaveDevice(ctx, &d)
	}
	if err != nil {
		return SyncSkipped, err
	}

	typ := events.DeviceUpdated
	if !exists {
		typ = events.DeviceCreated
	}
	s.events.Emit(ctx, typ, string(kind), d.ID, d)
	s.logger.Debug("device synced from twin", "id", d.ID, "kind", kind, "version", twin.Version)
	return SyncUpserted, nil
}
