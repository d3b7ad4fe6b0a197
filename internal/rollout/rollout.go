// Package rollout pushes template-derived hub configurations. Hub
// configuration content is immutable, so a rollout replaces every earlier
// configuration of the same owner with a freshly named one.
package rollout

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
)

// Label keys stamped on every rolled-out configuration.
const (
	LabelOwnerID   = "model-id"
	LabelCreatedBy = "created-by"
	LabelKind      = "kind"

	CreatedBy = "iothub-portal"
)

// Configuration kinds.
const (
	KindDeviceModel = "device-model"
	KindEdgeModel   = "edge-model"
)

// listLimit is the hub's maximum page for configuration listings.
const listLimit = 20

var unsafeChars = regexp.MustCompile(`[^a-z0-9\-]+`)

// Logger is the logging interface used by the Rollout.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Rollout creates and removes owner-labelled configurations.
type Rollout struct {
	registry iothub.Registry
	now      func() time.Time
	logger   Logger
}

// New creates a rollout against registry.
func New(registry iothub.Registry) *Rollout {
	return &Rollout{registry: registry, now: time.Now, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (r *Rollout) SetLogger(logger Logger) {
	r.logger = logger
}

// Spec describes one configuration to roll out.
type Spec struct {
	Kind     string
	OwnerID  string
	Content  iothub.ConfigurationContent
	Priority int
}

// TargetModel is the target condition selecting devices of a model.
func TargetModel(modelID string) string {
	return "tags." + iothub.TagModelID + " = " + iothub.Quote(modelID)
}

// ConfigurationID names a configuration for owner at time at:
// {prefix}-{owner}-{unix}, lower-cased and trimmed to the hub's 128
// character limit.
func ConfigurationID(kind, ownerID string, at time.Time) string {
	prefix := "model"
	if kind == KindEdgeModel {
		prefix = "edge"
	}
	owner := strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(ownerID), "-"), "-")
	suffix := "-" + strconv.FormatInt(at.Unix(), 10)
	id := prefix + "-" + owner
	if len(id)+len(suffix) > 128 {
		id = id[:128-len(suffix)]
	}
	return id + suffix
}

// Apply replaces the owner's configurations with one carrying spec.Content.
// Earlier configurations are removed first so two never target the same
// devices at once.
func (r *Rollout) Apply(ctx context.Context, spec Spec) (*iothub.Configuration, error) {
	if err := r.Remove(ctx, spec.Kind, spec.OwnerID); err != nil {
		return nil, err
	}
	cfg := iothub.Configuration{
		ID: ConfigurationID(spec.Kind, spec.OwnerID, r.now()),
		Labels: map[string]string{
			LabelOwnerID:   spec.OwnerID,
			LabelCreatedBy: CreatedBy,
			LabelKind:      spec.Kind,
		},
		Content:         spec.Content,
		TargetCondition: TargetModel(spec.OwnerID),
		Priority:        spec.Priority,
	}
	created, err := r.registry.CreateConfiguration(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("rolling out %s %s: %w", spec.Kind, spec.OwnerID, err)
	}
	return created, nil
}

// Remove deletes every configuration labelled with the owner. Missing
// configurations are ignored.
func (r *Rollout) Remove(ctx context.Context, kind, ownerID string) error {
	configs, err := r.registry.ListConfigurations(ctx, listLimit)
	if err != nil {
		return fmt.Errorf("listing configurations: %w", err)
	}
	for _, cfg := range configs {
		if !Owns(cfg, kind, ownerID) {
			continue
		}
		if err := r.registry.DeleteConfiguration(ctx, cfg.ID); err != nil && !iothub.IsNotFound(err) {
			return fmt.Errorf("removing configuration %s: %w", cfg.ID, err)
		}
	}
	return nil
}

// Current returns the newest configuration owned by ownerID, or nil.
func (r *Rollout) Current(ctx context.Context, kind, ownerID string) (*iothub.Configuration, error) {
	configs, err := r.registry.ListConfigurations(ctx, listLimit)
	if err != nil {
		return nil, fmt.Errorf("listing configurations: %w", err)
	}
	var newest *iothub.Configuration
	for i := range configs {
		if Owns(configs[i], kind, ownerID) && (newest == nil || configs[i].ID > newest.ID) {
			newest = &configs[i]
		}
	}
	return newest, nil
}

// Owns reports whether cfg was rolled out for the given owner.
func Owns(cfg iothub.Configuration, kind, ownerID string) bool {
	return cfg.Labels[LabelOwnerID] == ownerID && cfg.Labels[LabelKind] == kind
}

// IsTemplate reports whether cfg was rolled out from any template.
func IsTemplate(cfg iothub.Configuration) bool {
	if cfg.Labels[LabelCreatedBy] != CreatedBy {
		return false
	}
	k := cfg.Labels[LabelKind]
	return k == KindDeviceModel || k == KindEdgeModel
}

// RemoveByID deletes one configuration. A missing configuration is not an
// error.
func (r *Rollout) RemoveByID(ctx context.Context, id string) error {
	if err := r.registry.DeleteConfiguration(ctx, id); err != nil && !iothub.IsNotFound(err) {
		return fmt.Errorf("removing configuration %s: %w", id, err)
	}
	return nil
}
