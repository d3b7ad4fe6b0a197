package configuration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nerrad567/iothub-portal/internal/devicemodel"
	"github.com/nerrad567/iothub-portal/internal/devicetag"
	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/rollout"
)

// listLimit is the hub's maximum page for configuration listings.
const listLimit = 20

// ModelCatalog resolves device models. *devicemodel.Service implements it.
type ModelCatalog interface {
	Get(ctx context.Context, id string) (*devicemodel.DeviceModel, error)
	GetProperties(ctx context.Context, id string) ([]devicemodel.Property, error)
	ValidateDesired(ctx context.Context, id string, values map[string]any) error
}

// TagCatalog exposes the tag settings. *devicetag.Service implements it.
type TagCatalog interface {
	Defined(ctx context.Context) (map[string]devicetag.DeviceTag, error)
}

// Logger is the logging interface used by the service.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Service manages device configurations in the hub.
type Service struct {
	hub    iothub.Registry
	models ModelCatalog
	tags   TagCatalog
	events *events.Emitter
	logger Logger
}

// NewService creates a configuration service. tags may be nil, in which
// case tag names are not checked.
func NewService(hub iothub.Registry, models ModelCatalog, tags TagCatalog, em *events.Emitter) *Service {
	return &Service{hub: hub, models: models, tags: tags, events: em, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (s *Service) SetLogger(logger Logger) {
	s.logger = logger
}

// List returns every device configuration ordered by ID.
func (s *Service) List(ctx context.Context) ([]DeviceConfiguration, error) {
	configs, err := s.hub.ListConfigurations(ctx, listLimit)
	if err != nil {
		return nil, fmt.Errorf("listing configurations: %w", err)
	}
	out := []DeviceConfiguration{}
	for i := range configs {
		if dc, ok := fromHub(&configs[i]); ok {
			out = append(out, *dc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns one device configuration.
func (s *Service) Get(ctx context.Context, id string) (*DeviceConfiguration, error) {
	cfg, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	dc, ok := fromHub(cfg)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a device configuration", ErrNotFound, id)
	}
	return dc, nil
}

// GetMetrics returns the device counts of a configuration.
func (s *Service) GetMetrics(ctx context.Context, id string) (*Metrics, error) {
	dc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &dc.Metrics, nil
}

// CreateOrUpdate writes a device configuration. Property values are
// converted to their model types and validated against the model schema.
// When the desired content changes the configuration is replaced, since
// the hub does not allow content updates.
func (s *Service) CreateOrUpdate(ctx context.Context, dc *DeviceConfiguration) (*DeviceConfiguration, error) {
	id, err := NormalizeID(dc.ID)
	if err != nil {
		return nil, err
	}
	dc.ID = id
	content, err := s.desiredContent(ctx, dc)
	if err != nil {
		return nil, err
	}
	if err := s.checkTags(ctx, dc.Tags); err != nil {
		return nil, err
	}

	want := iothub.Configuration{
		ID: dc.ID,
		Labels: map[string]string{
			rollout.LabelCreatedBy: rollout.CreatedBy,
			rollout.LabelKind:      Kind,
			rollout.LabelOwnerID:   dc.ModelID,
		},
		Content:         iothub.ConfigurationContent{DeviceContent: content},
		TargetCondition: TargetCondition(dc.ModelID, dc.Tags),
		Priority:        dc.Priority,
		Metrics:         iothub.ConfigurationMetrics{Queries: metricQueries(dc.ID)},
	}

	current, err := s.hub.GetConfiguration(ctx, dc.ID)
	var written *iothub.Configuration
	switch {
	case iothub.IsNotFound(err):
		written, err = s.hub.CreateConfiguration(ctx, want)
	case err != nil:
		return nil, fmt.Errorf("reading configuration %s: %w", dc.ID, err)
	case !isDeviceConfiguration(current):
		return nil, fmt.Errorf("%w: id %s is owned by a model rollout or edge deployment", ErrInvalid, dc.ID)
	case sameContent(current.Content, want.Content):
		want.ETag = current.ETag
		written, err = s.hub.UpdateConfiguration(ctx, want)
	default:
		s.logger.Info("replacing configuration with new content", "id", dc.ID)
		if err := s.hub.DeleteConfiguration(ctx, dc.ID); err != nil && !iothub.IsNotFound(err) {
			return nil, fmt.Errorf("removing configuration %s: %w", dc.ID, err)
		}
		written, err = s.hub.CreateConfiguration(ctx, want)
	}
	if err != nil {
		return nil, fmt.Errorf("writing configuration %s: %w", dc.ID, err)
	}

	out, _ := fromHub(written)
	s.events.Emit(ctx, events.ConfigurationChanged, "configuration", dc.ID, out)
	return out, nil
}

func isDeviceConfiguration(cfg *iothub.Configuration) bool {
	_, ok := fromHub(cfg)
	return ok
}

// Delete removes a device configuration.
func (s *Service) Delete(ctx context.Context, id string) error {
	dc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.hub.DeleteConfiguration(ctx, dc.ID); err != nil && !iothub.IsNotFound(err) {
		return fmt.Errorf("deleting configuration %s: %w", dc.ID, err)
	}
	s.logger.Info("configuration deleted", "id", dc.ID)
	s.events.Emit(ctx, events.ConfigurationDeleted, "configuration", dc.ID, nil)
	return nil
}

func (s *Service) get(ctx context.Context, id string) (*iothub.Configuration, error) {
	nid, err := NormalizeID(id)
	if err != nil {
		return nil, err
	}
	cfg, err := s.hub.GetConfiguration(ctx, nid)
	if iothub.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, nid)
	}
	if err != nil {
		return nil, fmt.Errorf("reading configuration %s: %w", nid, err)
	}
	return cfg, nil
}

// desiredContent converts the configuration's properties to typed desired
// values keyed "properties.desired.{name}".
func (s *Service) desiredContent(ctx context.Context, dc *DeviceConfiguration) (map[string]any, error) {
	if strings.TrimSpace(dc.ModelID) == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalid)
	}
	if _, err := s.models.Get(ctx, dc.ModelID); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	props, err := s.models.GetProperties(ctx, dc.ModelID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]devicemodel.Property, len(props))
	for _, p := range props {
		byName[p.Name] = p
	}

	values := make(map[string]any, len(dc.Properties))
	for name, raw := range dc.Properties {
		p, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: model %s has no property %q", ErrInvalid, dc.ModelID, name)
		}
		if !p.IsWritable {
			return nil, fmt.Errorf("%w: property %q is read-only", ErrInvalid, name)
		}
		v, err := devicemodel.ConvertValue(p.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: property %q: %w", ErrInvalid, name, err)
		}
		values[name] = v
	}
	if err := s.models.ValidateDesired(ctx, dc.ModelID, values); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	content := make(map[string]any, len(values))
	for name, v := range values {
		content[desiredPrefix+name] = v
	}
	return content, nil
}

func (s *Service) checkTags(ctx context.Context, tags map[string]string) error {
	if s.tags == nil || len(tags) == 0 {
		return nil
	}
	defined, err := s.tags.Defined(ctx)
	if err != nil {
		return err
	}
	var unknown []string
	for name := range tags {
		if _, ok := defined[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: undefined tags %s", ErrInvalid, strings.Join(unknown, ", "))
	}
	return nil
}

func sameContent(a, b iothub.ConfigurationContent) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// IsNotFound reports whether err means the configuration does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
