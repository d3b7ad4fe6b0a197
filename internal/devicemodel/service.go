package devicemodel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/journal"
	"github.com/nerrad567/iothub-portal/internal/paging"
	"github.com/nerrad567/iothub-portal/internal/rollout"
)

// Service manages device models and keeps their hub configurations in
// step with the stored templates.
type Service struct {
	repo     Repository
	registry *Registry
	rollout  *rollout.Rollout
	journal  journal.Recorder
	events   *events.Emitter
	logger   Logger
}

// NewService wires a model service. registry must wrap repo.
func NewService(repo Repository, registry *Registry, ro *rollout.Rollout, rec journal.Recorder, em *events.Emitter) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		rollout:  ro,
		journal:  rec,
		events:   em,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// List returns one page of models.
func (s *Service) List(ctx context.Context, filter Filter) (paging.Page[DeviceModel], error) {
	req := paging.NewRequest(filter.Page, filter.PageSize)
	filter.Page, filter.PageSize = req.Page, req.PageSize
	models, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return paging.Page[DeviceModel]{}, err
	}
	return paging.New(models, total, req), nil
}

// Get returns one model.
func (s *Service) Get(ctx context.Context, id string) (*DeviceModel, error) {
	return s.registry.Get(ctx, id)
}

// Create stores a new model and rolls out its hub configuration. The
// rollout runs first; if the store then fails the new configuration is
// removed again, or journaled for removal.
func (s *Service) Create(ctx context.Context, m *DeviceModel) (*DeviceModel, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := ValidateModel(m); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetByID(ctx, m.ID); err == nil {
		return nil, ErrModelExists
	} else if !isNotFound(err) {
		return nil, err
	}

	cfg, err := s.rollout.Apply(ctx, s.rolloutSpec(m))
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, m); err != nil {
		s.discardConfiguration(ctx, cfg.ID, err)
		return nil, err
	}

	s.registry.Put(m)
	s.events.Emit(ctx, events.ModelCreated, "device_model", m.ID, m)
	s.logger.Info("device model created", "id", m.ID, "name", m.Name)
	return m.DeepCopy(), nil
}

// Update stores model changes and re-rolls the hub configuration.
func (s *Service) Update(ctx context.Context, m *DeviceModel) (*DeviceModel, error) {
	current, err := s.repo.GetByID(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if err := ValidateModel(m); err != nil {
		return nil, err
	}
	m.IsBuiltin = current.IsBuiltin
	m.CreatedAt = current.CreatedAt

	if err := s.repo.Update(ctx, m); err != nil {
		return nil, err
	}
	s.registry.Put(m)

	// The stored template is authoritative; a failed rollout is retried
	// by the next update and reported to the caller.
	if _, err := s.rollout.Apply(ctx, s.rolloutSpec(m)); err != nil {
		return nil, fmt.Errorf("model %s saved but configuration rollout failed: %w", m.ID, err)
	}

	s.events.Emit(ctx, events.ModelUpdated, "device_model", m.ID, m)
	return m.DeepCopy(), nil
}

// Delete removes a model unused by any device, its hub configuration
// first.
func (s *Service) Delete(ctx context.Context, id string) error {
	m, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if m.IsBuiltin {
		return ErrBuiltinModel
	}
	n, err := s.repo.CountUsage(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d devices", ErrModelInUse, n)
	}

	if err := s.rollout.Remove(ctx, rollout.KindDeviceModel, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.registry.Remove(id)
	s.events.Emit(ctx, events.ModelDeleted, "device_model", id, nil)
	s.logger.Info("device model deleted", "id", id)
	return nil
}

// GetProperties returns a model's properties.
func (s *Service) GetProperties(ctx context.Context, id string) ([]Property, error) {
	if _, err := s.registry.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetProperties(ctx, id)
}

// SetProperties replaces a model's properties.
func (s *Service) SetProperties(ctx context.Context, id string, props []Property) ([]Property, error) {
	if _, err := s.registry.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := ValidateProperties(props); err != nil {
		return nil, err
	}
	if err := s.repo.SetProperties(ctx, id, props); err != nil {
		return nil, err
	}
	return s.repo.GetProperties(ctx, id)
}

// GetCommands returns a LoRa model's commands.
func (s *Service) GetCommands(ctx context.Context, id string) ([]Command, error) {
	m, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.SupportLoRaFeatures {
		return nil, ErrNotLoRaModel
	}
	return s.repo.GetCommands(ctx, id)
}

// SetCommands replaces a LoRa model's commands.
func (s *Service) SetCommands(ctx context.Context, id string, cmds []Command) ([]Command, error) {
	m, err := s.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.SupportLoRaFeatures {
		return nil, ErrNotLoRaModel
	}
	if err := ValidateCommands(cmds); err != nil {
		return nil, err
	}
	if err := s.repo.SetCommands(ctx, id, cmds); err != nil {
		return nil, err
	}
	return s.repo.GetCommands(ctx, id)
}

// Command returns one command of a model.
func (s *Service) Command(ctx context.Context, modelID, commandID string) (*Command, error) {
	cmds, err := s.GetCommands(ctx, modelID)
	if err != nil {
		return nil, err
	}
	for i := range cmds {
		if cmds[i].ID == commandID || cmds[i].Name == commandID {
			return &cmds[i], nil
		}
	}
	return nil, ErrCommandNotFound
}

// PropertySchema returns the JSON Schema of a model's writable properties.
func (s *Service) PropertySchema(ctx context.Context, id string) (map[string]any, error) {
	props, err := s.GetProperties(ctx, id)
	if err != nil {
		return nil, err
	}
	return PropertySchema(props), nil
}

// ValidateDesired checks values a caller wants to write to devices of a
// model.
func (s *Service) ValidateDesired(ctx context.Context, id string, values map[string]any) error {
	props, err := s.GetProperties(ctx, id)
	if err != nil {
		return err
	}
	return ValidateValues(props, values)
}

// discardConfiguration undoes a rollout whose model failed to store.
func (s *Service) discardConfiguration(ctx context.Context, configID string, cause error) {
	err := s.rollout.RemoveByID(ctx, configID)
	if err == nil {
		return
	}
	s.logger.Error("removing orphaned configuration failed", "configuration", configID, "error", err)
	if _, jerr := s.journal.Record(ctx, journal.Entry{
		EntityKind: journal.KindConfiguration,
		EntityID:   configID,
		Action:     journal.ActionHubDelete,
		Reason:     "model store failed: " + cause.Error(),
	}); jerr != nil {
		s.logger.Error("journaling orphaned configuration failed", "configuration", configID, "error", jerr)
	}
}

func (s *Service) rolloutSpec(m *DeviceModel) rollout.Spec {
	return rollout.Spec{
		Kind:    rollout.KindDeviceModel,
		OwnerID: m.ID,
		Content: iothub.ConfigurationContent{DeviceContent: DesiredContent(m)},
	}
}

// DesiredContent maps a model's LoRa settings to the desired properties
// its configuration sets on every device. Non-LoRa models roll out an
// empty configuration that still marks the model's devices.
func DesiredContent(m *DeviceModel) map[string]any {
	content := map[string]any{}
	if !m.SupportLoRaFeatures || m.LoRa == nil {
		return content
	}
	l := m.LoRa
	set := func(name string, v any) {
		content["properties.desired."+name] = v
	}
	set("ClassType", string(l.ClassType))
	set("Deduplication", string(l.Deduplication))
	set("PreferredWindow", l.PreferredWindow)
	if l.UseOTAA && l.AppEUI != "" {
		set("AppEUI", l.AppEUI)
	}
	if l.SensorDecoder != "" {
		set("SensorDecoder", l.SensorDecoder)
	}
	if l.Downlink != nil {
		set("Downlink", *l.Downlink)
	}
	if l.RX1DROffset != nil {
		set("RX1DROffset", *l.RX1DROffset)
	}
	if l.RX2DataRate != nil {
		set("RX2DataRate", *l.RX2DataRate)
	}
	if l.RXDelay != nil {
		set("RXDelay", *l.RXDelay)
	}
	if l.KeepAliveTimeout != nil {
		set("KeepAliveTimeout", *l.KeepAliveTimeout)
	}
	if l.ABPRelaxMode != nil {
		set("ABPRelaxMode", *l.ABPRelaxMode)
	}
	return content
}

// CompensateConfiguration removes a configuration left behind by a failed
// model create. It is the journal handler for configuration entries.
func (s *Service) CompensateConfiguration(ctx context.Context, e journal.Entry) error {
	if e.Action != journal.ActionHubDelete {
		return fmt.Errorf("unsupported configuration action %q", e.Action)
	}
	err := s.rollout.RemoveByID(ctx, e.EntityID)
	if errors.Is(err, iothub.ErrNotFound) {
		return nil
	}
	return err
}
