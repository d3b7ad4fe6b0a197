package edge

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/iothub-portal/internal/devicetag"
	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/config"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/journal"
	"github.com/nerrad567/iothub-portal/internal/paging"
	"github.com/nerrad567/iothub-portal/internal/rollout"
)

const (
	deviceKind = string(journal.KindEdgeDevice)
	modelKind  = "edge_model"
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

// TagCatalog exposes the tag settings. *devicetag.Service implements it.
type TagCatalog interface {
	Defined(ctx context.Context) (map[string]devicetag.DeviceTag, error)
}

// Deps holds the collaborators of a Service.
type Deps struct {
	Hub          iothub.Registry
	Repo         Repository
	Rollout      *rollout.Rollout
	Tags         TagCatalog
	Journal      journal.Recorder
	Events       *events.Emitter
	Provisioning config.ProvisioningConfig
	Logger       Logger
}

// Service manages edge devices and edge models.
type Service struct {
	hub          iothub.Registry
	repo         Repository
	rollout      *rollout.Rollout
	tags         TagCatalog
	journal      journal.Recorder
	events       *events.Emitter
	provisioning config.ProvisioningConfig
	logger       Logger
}

// NewService creates an edge service. A nil Rollout is built on Hub.
func NewService(deps Deps) *Service {
	s := &Service{
		hub:          deps.Hub,
		repo:         deps.Repo,
		rollout:      deps.Rollout,
		tags:         deps.Tags,
		journal:      deps.Journal,
		events:       deps.Events,
		provisioning: deps.Provisioning,
		logger:       deps.Logger,
	}
	if s.rollout == nil {
		s.rollout = rollout.New(deps.Hub)
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	return s
}

// ListDevices returns one page of mirrored edge devices.
func (s *Service) ListDevices(ctx context.Context, filter DeviceFilter) (paging.Page[EdgeDevice], error) {
	req := paging.NewRequest(filter.Page, filter.PageSize)
	filter.Page, filter.PageSize = req.Page, req.PageSize
	items, total, err := s.repo.ListDevices(ctx, filter)
	if err != nil {
		return paging.Page[EdgeDevice]{}, err
	}
	return paging.New(items, total, req), nil
}

// GetDevice returns the mirror row enriched with the live runtime state
// reported by $edgeAgent and the number of leaf devices in its scope.
func (s *Service) GetDevice(ctx context.Context, id string) (*EdgeDevice, error) {
	d, err := s.repo.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}

	agent, err := s.hub.GetModuleTwin(ctx, id, AgentModule)
	switch {
	case err == nil:
		applyRuntime(d, agent)
	case iothub.IsNotFound(err):
		// The runtime has not reported yet.
	default:
		return nil, hubError(id, err)
	}

	if d.Scope != "" {
		n, err := s.hub.CountDevicesInScope(ctx, d.Scope)
		if err != nil {
			return nil, hubError(id, err)
		}
		d.NbDevices = n
	}
	return d, nil
}

// CreateDevice registers an edge identity, tags it with its model and
// mirrors it. The model's configuration then deploys to it.
func (s *Service) CreateDevice(ctx context.Context, d *EdgeDevice) (*EdgeDevice, error) {
	if err := ValidateDevice(d); err != nil {
		return nil, err
	}
	if err := s.validateTags(ctx, d.Tags); err != nil {
		return nil, err
	}
	model, err := s.repo.GetModel(ctx, d.ModelID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDevice, err)
	}
	if _, err := s.repo.DeviceVersion(ctx, d.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceExists, d.ID)
	} else if !errors.Is(err, ErrDeviceNotFound) {
		return nil, err
	}

	identity, err := s.hub.CreateDevice(ctx, d.ID, iothub.CreateOptions{Edge: true, Disabled: !d.IsEnabled})
	if err != nil {
		return nil, hubError(d.ID, err)
	}
	twin, err := s.hub.UpdateTwin(ctx, d.ID, iothub.TwinPatch{Tags: tagsFor(d, nil)}, "")
	if err != nil {
		s.discard(ctx, d.ID, err)
		return nil, hubError(d.ID, err)
	}
	applyTwin(d, twin)
	if d.Scope == "" {
		d.Scope = identity.DeviceScope
	}
	d.NbModules = len(model.Modules)
	if err := s.repo.SaveDevice(ctx, d); err != nil {
		s.discard(ctx, d.ID, err)
		return nil, err
	}

	s.logger.Info("edge device created", "id", d.ID, "model", d.ModelID)
	s.events.Emit(ctx, events.EdgeDeviceCreated, deviceKind, d.ID, d)
	return s.repo.GetDevice(ctx, d.ID)
}

func (s *Service) discard(ctx context.Context, id string, cause error) {
	err := s.hub.DeleteDevice(ctx, id)
	if err == nil || iothub.IsNotFound(err) {
		return
	}
	s.logger.Error("removing half-created edge device failed", "id", id, "error", err)
	s.record(ctx, id, journal.ActionHubDelete, "create failed: "+cause.Error())
}

// UpdateDevice writes name, model, tag and status changes to the hub, then
// the mirror. A failed mirror write reverts the hub; a failed revert is
// journaled for resync.
func (s *Service) UpdateDevice(ctx context.Context, d *EdgeDevice) (*EdgeDevice, error) {
	if err := ValidateDevice(d); err != nil {
		return nil, err
	}
	if err := s.validateTags(ctx, d.Tags); err != nil {
		return nil, err
	}
	prev, err := s.repo.GetDevice(ctx, d.ID)
	if err != nil {
		return nil, err
	}
	model, err := s.repo.GetModel(ctx, d.ModelID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDevice, err)
	}
	twin, err := s.hub.GetTwin(ctx, d.ID)
	if iothub.IsNotFound(err) {
		if ferr := s.Forget(ctx, d.ID); ferr != nil {
			s.logger.Warn("dropping stale edge device failed", "id", d.ID, "error", ferr)
		}
		return nil, fmt.Errorf("%w: %s no longer exists in the hub", ErrDeviceNotFound, d.ID)
	}
	if err != nil {
		return nil, hubError(d.ID, err)
	}

	updated, err := s.hub.UpdateTwin(ctx, d.ID, iothub.TwinPatch{Tags: tagsFor(d, prev.Tags)}, twin.ETag)
	if err != nil {
		return nil, hubError(d.ID, err)
	}
	statusChanged := d.IsEnabled != twin.IsEnabled()
	if statusChanged {
		if _, err := s.hub.SetDeviceStatus(ctx, d.ID, d.IsEnabled); err != nil {
			s.revert(ctx, prev, d.Tags, false, err)
			return nil, hubError(d.ID, err)
		}
		updated.Status = iothub.StatusDisabled
		if d.IsEnabled {
			updated.Status = iothub.StatusEnabled
		}
	}

	d.CreatedAt = prev.CreatedAt
	d.Scope = prev.Scope
	d.NbDevices = prev.NbDevices
	d.NbModules = len(model.Modules)
	applyTwin(d, updated)
	if err := s.repo.SaveDevice(ctx, d); err != nil {
		s.revert(ctx, prev, d.Tags, statusChanged, err)
		return nil, err
	}

	s.logger.Info("edge device updated", "id", d.ID, "version", d.Version)
	s.events.Emit(ctx, events.EdgeDeviceUpdated, deviceKind, d.ID, d)
	return s.repo.GetDevice(ctx, d.ID)
}

// revert restores prev's tags and status. written holds the tags the
// failed update wrote, so tags it added are removed again.
func (s *Service) revert(ctx context.Context, prev *EdgeDevice, written map[string]string, statusChanged bool, cause error) {
	_, err := s.hub.UpdateTwin(ctx, prev.ID, iothub.TwinPatch{Tags: tagsFor(prev, written)}, "")
	if err == nil && statusChanged {
		_, err = s.hub.SetDeviceStatus(ctx, prev.ID, prev.IsEnabled)
	}
	if err == nil {
		return
	}
	s.logger.Error("reverting edge device update failed", "id", prev.ID, "error", err)
	s.record(ctx, prev.ID, journal.ActionResync, "update failed: "+cause.Error())
}

// DeleteDevice removes an edge device from the hub, then from the mirror.
func (s *Service) DeleteDevice(ctx context.Context, id string) error {
	_, err := s.repo.DeviceVersion(ctx, id)
	mirrored := err == nil
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return err
	}
	if err := s.hub.DeleteDevice(ctx, id); err != nil {
		if !iothub.IsNotFound(err) {
			return hubError(id, err)
		}
		if !mirrored {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
		}
	}
	if mirrored {
		if err := s.repo.DeleteDevice(ctx, id); err != nil && !errors.Is(err, ErrDeviceNotFound) {
			s.logger.Error("removing deleted edge device from mirror failed", "id", id, "error", err)
			s.record(ctx, id, journal.ActionLocalDelete, "mirror delete failed: "+err.Error())
		}
	}
	s.logger.Info("edge device deleted", "id", id)
	s.events.Emit(ctx, events.EdgeDeviceDeleted, deviceKind, id, nil)
	return nil
}

// GetCredentials derives the enrollment credentials of an edge device from
// the edge enrollment group key.
func (s *Service) GetCredentials(ctx context.Context, id string) (*Credentials, error) {
	if _, err := s.repo.DeviceVersion(ctx, id); err != nil {
		return nil, err
	}
	if s.provisioning.EdgeGroupKey == "" {
		return nil, ErrProvisioningUnset
	}
	key, err := iothub.DeriveDeviceKey(s.provisioning.EdgeGroupKey, id)
	if err != nil {
		return nil, fmt.Errorf("deriving key for %s: %w", id, err)
	}
	return &Credentials{
		RegistrationID:       id,
		SymmetricKey:         key,
		ScopeID:              s.provisioning.IDScope,
		ProvisioningEndpoint: s.provisioning.GlobalEndpoint,
	}, nil
}

// SyncFromTwin upserts the mirror row of an edge twin unless the mirror
// already holds that version. It reports whether a row was written.
func (s *Service) SyncFromTwin(ctx context.Context, twin iothub.Twin) (bool, error) {
	return s.sync(ctx, &twin, false)
}

func (s *Service) sync(ctx context.Context, twin *iothub.Twin, force bool) (bool, error) {
	if !twin.IsEdge() {
		return false, nil
	}
	version, err := s.repo.DeviceVersion(ctx, twin.DeviceID)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrDeviceNotFound) {
		return false, err
	}
	if exists && !force && version >= twin.Version {
		return false, nil
	}

	defined, err := s.definedTags(ctx)
	if err != nil {
		return false, err
	}
	d := fromTwin(twin, defined)
	if exists {
		prev, err := s.repo.GetDevice(ctx, twin.DeviceID)
		if err != nil {
			return false, err
		}
		d.CreatedAt = prev.CreatedAt
		d.Labels = prev.Labels
		d.NbDevices = prev.NbDevices
	}
	if d.ModelID != "" {
		model, err := s.repo.GetModel(ctx, d.ModelID)
		switch {
		case err == nil:
			d.NbModules = len(model.Modules)
		case !errors.Is(err, ErrModelNotFound):
			return false, err
		}
	}
	if d.Scope != "" {
		n, err := s.hub.CountDevicesInScope(ctx, d.Scope)
		if err != nil {
			s.logger.Warn("counting devices in edge scope failed", "id", d.ID, "error", err)
		} else {
			d.NbDevices = n
		}
	}

	if err := s.repo.SaveDevice(ctx, d); err != nil {
		return false, err
	}
	typ := events.EdgeDeviceUpdated
	if !exists {
		typ = events.EdgeDeviceCreated
	}
	s.events.Emit(ctx, typ, deviceKind, d.ID, d)
	return true, nil
}

// Forget removes an edge device from the mirror only.
func (s *Service) Forget(ctx context.Context, id string) error {
	err := s.repo.DeleteDevice(ctx, id)
	if errors.Is(err, ErrDeviceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("edge device removed from mirror", "id", id)
	s.events.Emit(ctx, events.EdgeDeviceDeleted, deviceKind, id, nil)
	return nil
}

// DeviceIDs returns every mirrored edge device ID.
func (s *Service) DeviceIDs(ctx context.Context) ([]string, error) {
	return s.repo.DeviceIDs(ctx)
}

// Compensate performs a journaled repair of an edge device.
func (s *Service) Compensate(ctx context.Context, e journal.Entry) error {
	switch e.Action {
	case journal.ActionHubDelete:
		if _, err := s.repo.DeviceVersion(ctx, e.EntityID); err == nil {
			return nil
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
		_, err = s.sync(ctx, twin, true)
		return err
	default:
		return fmt.Errorf("unsupported edge device action %q", e.Action)
	}
}

func (s *Service) record(ctx context.Context, id string, action journal.Action, reason string) {
	entry, err := s.journal.Record(ctx, journal.Entry{
		EntityKind: journal.KindEdgeDevice,
		EntityID:   id,
		Action:     action,
		Reason:     reason,
	})
	if err != nil {
		s.logger.Error("journaling compensation failed", "id", id, "action", action, "error", err)
		return
	}
	s.events.Emit(ctx, events.JournalRecorded, deviceKind, id, entry)
}

func (s *Service) definedTags(ctx context.Context) (map[string]devicetag.DeviceTag, error) {
	if s.tags == nil {
		return map[string]devicetag.DeviceTag{}, nil
	}
	return s.tags.Defined(ctx)
}

func (s *Service) validateTags(ctx context.Context, tags map[string]string) error {
	defined, err := s.definedTags(ctx)
	if err != nil {
		return err
	}
	return ValidateTags(tags, defined)
}

// tagsFor builds the tag patch of d. Tags present in previous but absent
// from d are set to nil so the patch removes them.
func tagsFor(d *EdgeDevice, previous map[string]string) map[string]any {
	tags := map[string]any{
		iothub.TagDeviceName: d.Name,
		iothub.TagModelID:    d.ModelID,
	}
	for k := range previous {
		if _, ok := d.Tags[k]; !ok {
			tags[k] = nil
		}
	}
	for k, v := range d.Tags {
		tags[k] = v
	}
	return tags
}

func applyTwin(d *EdgeDevice, twin *iothub.Twin) {
	d.Version = twin.Version
	d.IsEnabled = twin.IsEnabled()
	d.ConnectionState = StateDisconnected
	if twin.IsConnected() {
		d.ConnectionState = StateConnected
	}
	if twin.DeviceScope != "" {
		d.Scope = twin.DeviceScope
	}
}

func fromTwin(twin *iothub.Twin, defined map[string]devicetag.DeviceTag) *EdgeDevice {
	d := &EdgeDevice{
		ID:      twin.DeviceID,
		Name:    twin.Tag(iothub.TagDeviceName),
		ModelID: twin.Tag(iothub.TagModelID),
		Tags:    map[string]string{},
	}
	if d.Name == "" {
		d.Name = twin.DeviceID
	}
	for name := range defined {
		if v := twin.Tag(name); v != "" {
			d.Tags[name] = v
		}
	}
	applyTwin(d, twin)
	return d
}

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
