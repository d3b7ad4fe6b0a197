package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/iothub-portal/internal/devicemodel"
	"github.com/nerrad567/iothub-portal/internal/devicetag"
	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/config"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/journal"
	"github.com/nerrad567/iothub-portal/internal/paging"
)

// Logger is the logging interface used by the service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ModelCatalog resolves device models. *devicemodel.Service implements it.
type ModelCatalog interface {
	Get(ctx context.Context, id string) (*devicemodel.DeviceModel, error)
	GetProperties(ctx context.Context, id string) ([]devicemodel.Property, error)
	ValidateDesired(ctx context.Context, id string, values map[string]any) error
}

// TagCatalog exposes the tag settings. *devicetag.Service implements it.
type TagCatalog interface {
	Defined(ctx context.Context) (map[string]devicetag.DeviceTag, error)
	Searchable(ctx context.Context) ([]string, error)
}

// TelemetryStore drops the telemetry kept for a LoRaWAN device.
// *lorawan.TelemetryIngestor implements it.
type TelemetryStore interface {
	Forget(ctx context.Context, deviceID string) error
}

// Deps holds the collaborators of a Service.
type Deps struct {
	Hub          iothub.Registry
	Repo         Repository
	Models       ModelCatalog
	Tags         TagCatalog
	Journal      journal.Recorder
	Events       *events.Emitter
	Provisioning config.ProvisioningConfig
	Logger       Logger
}

// Service keeps the device mirror consistent with the hub.
//
// The hub is the system of record. Every write goes to the hub first and
// to the mirror second; when the second step fails the first is undone,
// and when undoing fails too the repair is left in the journal for the
// replayer. No operation holds a transaction across both stores.
type Service struct {
	hub          iothub.Registry
	repo         Repository
	models       ModelCatalog
	tags         TagCatalog
	journal      journal.Recorder
	events       *events.Emitter
	provisioning config.ProvisioningConfig
	telemetry    TelemetryStore
	logger       Logger
}

// NewService creates a device service.
func NewService(deps Deps) *Service {
	s := &Service{
		hub:          deps.Hub,
		repo:         deps.Repo,
		models:       deps.Models,
		tags:         deps.Tags,
		journal:      deps.Journal,
		events:       deps.Events,
		provisioning: deps.Provisioning,
		logger:       deps.Logger,
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	return s
}

// SetTelemetry makes every removal of a LoRaWAN device from the mirror
// drop its telemetry and duplicate filter too.
func (s *Service) SetTelemetry(t TelemetryStore) {
	s.telemetry = t
}

func (s *Service) forgetTelemetry(ctx context.Context, kind Kind, id string) {
	if s.telemetry == nil || kind != KindLoRaWAN {
		return
	}
	if err := s.telemetry.Forget(ctx, id); err != nil {
		s.logger.Warn("dropping telemetry of removed device failed", "id", id, "error", err)
	}
}

// GetDevices returns one page of the combined device listing.
func (s *Service) GetDevices(ctx context.Context, filter Filter) (paging.Page[ListItem], error) {
	req := paging.NewRequest(filter.Page, filter.PageSize)
	filter.Page, filter.PageSize = req.Page, req.PageSize
	items, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return paging.Page[ListItem]{}, err
	}
	return paging.New(items, total, req), nil
}

// GetDevice returns a mirrored device of either kind.
func (s *Service) GetDevice(ctx context.Context, id string) (*Device, error) {
	kind, _, err := s.repo.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if kind == KindLoRaWAN {
		d, err := s.repo.GetLoRaWANDevice(ctx, id)
		if err != nil {
			return nil, err
		}
		return &d.Device, nil
	}
	return s.repo.GetDevice(ctx, id)
}

// GetLoRaWANDevice returns a mirrored LoRaWAN device.
func (s *Service) GetLoRaWANDevice(ctx context.Context, id string) (*LoRaWANDevice, error) {
	kind, _, err := s.repo.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if kind != KindLoRaWAN {
		return nil, ErrNotLoRaWAN
	}
	return s.repo.GetLoRaWANDevice(ctx, id)
}

// AvailableTags returns the tag names devices can be searched by.
func (s *Service) AvailableTags(ctx context.Context) ([]string, error) {
	return s.tags.Searchable(ctx)
}

// CreateDevice registers a plain device in the hub and mirrors it.
func (s *Service) CreateDevice(ctx context.Context, d *Device) (*Device, error) {
	if err := s.validate(ctx, KindDevice, d, nil); err != nil {
		return nil, err
	}
	err := s.create(ctx, KindDevice, d, nil, func(twin *iothub.Twin) error {
		applyTwinState(d, twin)
		return s.repo.SaveDevice(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	s.events.Emit(ctx, events.DeviceCreated, string(KindDevice), d.ID, d)
	return s.repo.GetDevice(ctx, d.ID)
}

// CreateLoRaWANDevice registers a LoRaWAN device in the hub, writes its
// LoRaWAN settings as desired properties and mirrors it.
func (s *Service) CreateLoRaWANDevice(ctx context.Context, d *LoRaWANDevice) (*LoRaWANDevice, error) {
	if err := s.validate(ctx, KindLoRaWAN, &d.Device, d); err != nil {
		return nil, err
	}
	err := s.create(ctx, KindLoRaWAN, &d.Device, withoutNulls(loraDesired(&d.LoRa)), func(twin *iothub.Twin) error {
		applyTwinState(&d.Device, twin)
		return s.repo.SaveLoRaWANDevice(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	s.events.Emit(ctx, events.DeviceCreated, string(KindLoRaWAN), d.ID, d)
	return s.repo.GetLoRaWANDevice(ctx, d.ID)
}

// validate checks a device against its model and the tag settings.
// lora is nil for plain devices.
func (s *Service) validate(ctx context.Context, kind Kind, d *Device, lora *LoRaWANDevice) error {
	m, err := s.model(ctx, d.ModelID)
	if err != nil {
		return err
	}
	if err := ValidateModelKind(kind, m); err != nil {
		return err
	}
	if lora != nil {
		if err := ValidateLoRaWAN(lora, m); err != nil {
			return err
		}
	}
	if err := ValidateDevice(d); err != nil {
		return err
	}
	defined, err := s.tags.Defined(ctx)
	if err != nil {
		return err
	}
	if d.Tags == nil {
		d.Tags = map[string]string{}
	}
	return ValidateTags(d.Tags, defined)
}

func (s *Service) model(ctx context.Context, id string) (*devicemodel.DeviceModel, error) {
	m, err := s.models.Get(ctx, id)
	if errors.Is(err, devicemodel.ErrModelNotFound) {
		return nil, fmt.Errorf("%w: model %s does not exist", ErrInvalidDevice, id)
	}
	return m, err
}

// create runs the create sequence: identity, twin patch, mirror write.
// A failure after the identity exists removes it again; if that fails too
// the removal is journaled and the original error returned.
func (s *Service) create(ctx context.Context, kind Kind, d *Device, desired map[string]any, store func(*iothub.Twin) error) error {
	if _, _, err := s.repo.Lookup(ctx, d.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrDeviceExists, d.ID)
	} else if !errors.Is(err, ErrDeviceNotFound) {
		return err
	}

	if _, err := s.hub.CreateDevice(ctx, d.ID, iothub.CreateOptions{Disabled: !d.IsEnabled}); err != nil {
		return hubError(d.ID, err)
	}

	patch := iothub.TwinPatch{Tags: tagPatch(d, kind, nil)}
	if len(desired) > 0 {
		patch.Properties = &iothub.PatchProperties{Desired: desired}
	}
	twin, err := s.hub.UpdateTwin(ctx, d.ID, patch, "")
	if err != nil {
		s.discardIdentity(ctx, kind, d.ID, err)
		return hubError(d.ID, err)
	}
	if err := store(twin); err != nil {
		s.discardIdentity(ctx, kind, d.ID, err)
		return err
	}
	s.logger.Info("device created", "id", d.ID, "kind", kind, "version", twin.Version)
	return nil
}

// discardIdentity removes an identity whose create did not complete.
func (s *Service) discardIdentity(ctx context.Context, kind Kind, id string, cause error) {
	err := s.hub.DeleteDevice(ctx, id)
	if err == nil || iothub.IsNotFound(err) {
		return
	}
	s.logger.Error("removing half-created device failed", "id", id, "error", err)
	s.record(ctx, kind, id, journal.ActionHubDelete, "create failed: "+cause.Error())
}

// UpdateDevice writes a plain device's changes to the hub and the mirror.
func (s *Service) UpdateDevice(ctx context.Context, d *Device) (*Device, error) {
	prev, err := s.repo.GetDevice(ctx, d.ID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			if _, lerr := s.GetLoRaWANDevice(ctx, d.ID); lerr == nil {
				return nil, fmt.Errorf("%w: %s is a LoRaWAN device", ErrModelMismatch, d.ID)
			}
		}
		return nil, err
	}
	twin, err := s.liveTwin(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, KindDevice, d, nil); err != nil {
		return nil, err
	}
	d.CreatedAt = prev.CreatedAt

	err = s.update(ctx, KindDevice, twin, d, prev, nil, nil, func(t *iothub.Twin) error {
		applyTwinState(d, t)
		return s.repo.SaveDevice(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	s.events.Emit(ctx, events.DeviceUpdated, string(KindDevice), d.ID, d)
	return s.repo.GetDevice(ctx, d.ID)
}

// UpdateLoRaWANDevice writes a LoRaWAN device's changes to the hub and the
// mirror.
func (s *Service) UpdateLoRaWANDevice(ctx context.Context, d *LoRaWANDevice) (*LoRaWANDevice, error) {
	d.ID = strings.ToUpper(d.ID)
	prev, err := s.GetLoRaWANDevice(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	twin, err := s.liveTwin(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	if err := s.validate(ctx, KindLoRaWAN, &d.Device, d); err != nil {
		return nil, err
	}
	d.CreatedAt = prev.CreatedAt
	d.AlreadyLoggedInOnce = prev.AlreadyLoggedInOnce
	d.LoRa.DataRate, d.LoRa.TxPower, d.LoRa.NbRep = prev.LoRa.DataRate, prev.LoRa.TxPower, prev.LoRa.NbRep

	err = s.update(ctx, KindLoRaWAN, twin, &d.Device, &prev.Device, loraDesired(&d.LoRa), loraDesired(&prev.LoRa),
		func(t *iothub.Twin) error {
			applyTwinState(&d.Device, t)
			return s.repo.SaveLoRaWANDevice(ctx, d)
		})
	if err != nil {
		return nil, err
	}
	s.events.Emit(ctx, events.DeviceUpdated, string(KindLoRaWAN), d.ID, d)
	return s.repo.GetLoRaWANDevice(ctx, d.ID)
}

// liveTwin loads the twin an update starts from. A twin the hub no longer
// holds drops the stale mirror row.
func (s *Service) liveTwin(ctx context.Context, id string) (*iothub.Twin, error) {
	twin, err := s.hub.GetTwin(ctx, id)
	if iothub.IsNotFound(err) {
		if ferr := s.Forget(ctx, id); ferr != nil {
			s.logger.Warn("dropping stale mirror row failed", "id", id, "error", ferr)
		}
		return nil, fmt.Errorf("%w: %s no longer exists in the hub", ErrDeviceNotFound, id)
	}
	if err != nil {
		return nil, hubError(id, err)
	}
	return twin, nil
}

// update runs the update sequence: twin patch guarded by the twin's etag,
// status change, mirror write. A mirror failure reverts the hub to prev;
// if the revert fails a resync is journaled.
func (s *Service) update(ctx context.Context, kind Kind, twin *iothub.Twin, d, prev *Device,
	desired, prevDesired map[string]any, store func(*iothub.Twin) error) error {
	patch := iothub.TwinPatch{Tags: tagPatch(d, kind, prev.Tags)}
	if len(desired) > 0 {
		patch.Properties = &iothub.PatchProperties{Desired: desired}
	}
	updated, err := s.hub.UpdateTwin(ctx, d.ID, patch, twin.ETag)
	if err != nil {
		return hubError(d.ID, err)
	}

	statusChanged := d.IsEnabled != twin.IsEnabled()
	if statusChanged {
		if _, err := s.hub.SetDeviceStatus(ctx, d.ID, d.IsEnabled); err != nil {
			s.revert(ctx, kind, prev, d, prevDesired, false, err)
			return hubError(d.ID, err)
		}
		updated.Status = iothub.StatusDisabled
		if d.IsEnabled {
			updated.Status = iothub.StatusEnabled
		}
	}

	if err := store(updated); err != nil {
		s.revert(ctx, kind, prev, d, prevDesired, statusChanged, err)
		return err
	}
	s.logger.Info("device updated", "id", d.ID, "kind", kind, "version", updated.Version)
	return nil
}

// revert restores the hub to the mirror's previous state after a failed
// update.
func (s *Service) revert(ctx context.Context, kind Kind, prev, attempted *Device, prevDesired map[string]any, statusChanged bool, cause error) {
	patch := iothub.TwinPatch{Tags: tagPatch(prev, kind, attempted.Tags)}
	if len(prevDesired) > 0 {
		patch.Properties = &iothub.PatchProperties{Desired: prevDesired}
	}
	_, err := s.hub.UpdateTwin(ctx, prev.ID, patch, "")
	if err == nil && statusChanged {
		_, err = s.hub.SetDeviceStatus(ctx, prev.ID, prev.IsEnabled)
	}
	if err == nil {
		return
	}
	s.logger.Error("reverting device update failed", "id", prev.ID, "error", err)
	s.record(ctx, kind, prev.ID, journal.ActionResync, "update failed: "+cause.Error())
}

// DeleteDevice removes a device from the hub, then from the mirror. Once
// the hub no longer holds the device the call succeeds; a mirror failure
// is journaled. An identity missing from the mirror is only deleted when
// its twin is a leaf device with a model, so edge devices and
// concentrators stay with their own services.
func (s *Service) DeleteDevice(ctx context.Context, id string) error {
	kind, _, err := s.repo.Lookup(ctx, id)
	if errors.Is(err, ErrDeviceNotFound) {
		return s.deleteUnmirrored(ctx, id)
	}
	if err != nil {
		return err
	}
	return s.delete(ctx, kind, id)
}

// DeleteLoRaWANDevice is DeleteDevice restricted to LoRaWAN devices.
func (s *Service) DeleteLoRaWANDevice(ctx context.Context, id string) error {
	kind, _, err := s.repo.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if kind != KindLoRaWAN {
		return ErrNotLoRaWAN
	}
	return s.delete(ctx, kind, id)
}

func (s *Service) deleteUnmirrored(ctx context.Context, id string) error {
	twin, err := s.hub.GetTwin(ctx, id)
	if iothub.IsNotFound(err) {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if err != nil {
		return hubError(id, err)
	}
	leaf := iothub.TwinQuery{Kind: iothub.KindDevice}.Matches(*twin)
	if !leaf || twin.Tag(iothub.TagModelID) == "" {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}

	if err := s.hub.DeleteDevice(ctx, id); err != nil && !iothub.IsNotFound(err) {
		return hubError(id, err)
	}
	s.logger.Info("device deleted", "id", id, "kind", KindDevice)
	s.events.Emit(ctx, events.DeviceDeleted, string(KindDevice), id, nil)
	return nil
}

func (s *Service) delete(ctx context.Context, kind Kind, id string) error {
	if err := s.hub.DeleteDevice(ctx, id); err != nil && !iothub.IsNotFound(err) {
		return hubError(id, err)
	}
	if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, ErrDeviceNotFound) {
		s.logger.Error("removing deleted device from mirror failed", "id", id, "error", err)
		s.record(ctx, kind, id, journal.ActionLocalDelete, "mirror delete failed: "+err.Error())
	} else {
		s.forgetTelemetry(ctx, kind, id)
	}

	s.logger.Info("device deleted", "id", id, "kind", kind)
	s.events.Emit(ctx, events.DeviceDeleted, string(kind), id, nil)
	return nil
}

func (s *Service) record(ctx context.Context, kind Kind, id string, action journal.Action, reason string) {
	entry, err := s.journal.Record(ctx, journal.Entry{
		EntityKind: journalKind(kind),
		EntityID:   id,
		Action:     action,
		Reason:     reason,
	})
	if err != nil {
		s.logger.Error("journaling compensation failed", "id", id, "action", action, "error", err)
		return
	}
	s.events.Emit(ctx, events.JournalRecorded, string(entry.EntityKind), id, entry)
}

func journalKind(kind Kind) journal.EntityKind {
	if kind == KindLoRaWAN {
		return journal.KindLoRaWANDevice
	}
	return journal.KindDevice
}

// applyTwinState copies the hub-owned fields of a twin onto d.
func applyTwinState(d *Device, twin *iothub.Twin) {
	d.Version = twin.Version
	d.IsConnected = twin.IsConnected()
	d.IsEnabled = twin.IsEnabled()
	d.StatusUpdatedTime = twin.StatusUpdateTime
	d.LastActivityTime = twin.LastActivityTime
}

// hubError maps registry errors onto device errors.
func hubError(id string, err error) error {
	switch {
	case errors.Is(err, iothub.ErrConflict):
		return fmt.Errorf("%w: %s is registered in the hub", ErrDeviceExists, id)
	case errors.Is(err, iothub.ErrPreconditionFailed):
		return fmt.Errorf("%w: %s", ErrConcurrentUpdate, id)
	case errors.Is(err, iothub.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	case errors.Is(err, iothub.ErrInvalidID):
		return fmt.Errorf("%w: %w", ErrInvalidDevice, err)
	default:
		return fmt.Errorf("hub call for %s: %w", id, err)
	}
}
