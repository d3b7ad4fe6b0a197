package concentrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/journal"
	"github.com/nerrad567/iothub-portal/internal/paging"
)

// Desired property names read by the basic station.
const (
	propRouterConfig     = "routerConfig"
	propClientThumbprint = "clientThumbprint"
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

// Service keeps concentrators consistent between the hub and the mirror,
// hub first, with the same undo and journal rules as leaf devices.
type Service struct {
	hub     iothub.Registry
	repo    Repository
	journal journal.Recorder
	events  *events.Emitter
	logger  Logger
}

// NewService creates a concentrator service. logger may be nil.
func NewService(hub iothub.Registry, repo Repository, rec journal.Recorder, em *events.Emitter, logger Logger) *Service {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Service{hub: hub, repo: repo, journal: rec, events: em, logger: logger}
}

// List returns one page of concentrators.
func (s *Service) List(ctx context.Context, page, pageSize int) (paging.Page[Concentrator], error) {
	req := paging.NewRequest(page, pageSize)
	items, total, err := s.repo.List(ctx, req)
	if err != nil {
		return paging.Page[Concentrator]{}, err
	}
	return paging.New(items, total, req), nil
}

// Get returns a mirrored concentrator.
func (s *Service) Get(ctx context.Context, id string) (*Concentrator, error) {
	return s.repo.Get(ctx, id)
}

// Create registers a concentrator, writes its router configuration and
// mirrors it.
func (s *Service) Create(ctx context.Context, c *Concentrator) (*Concentrator, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}
	if _, err := s.repo.Version(ctx, c.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, c.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if _, err := s.hub.CreateDevice(ctx, c.ID, iothub.CreateOptions{Disabled: !c.IsEnabled}); err != nil {
		return nil, hubError(c.ID, err)
	}
	desired, err := desiredFor(c)
	if err != nil {
		s.discard(ctx, c.ID, err)
		return nil, err
	}
	patch := iothub.TwinPatch{
		Tags:       tagsFor(c),
		Properties: &iothub.PatchProperties{Desired: withoutNulls(desired)},
	}
	twin, err := s.hub.UpdateTwin(ctx, c.ID, patch, "")
	if err != nil {
		s.discard(ctx, c.ID, err)
		return nil, hubError(c.ID, err)
	}
	applyTwin(c, twin)
	if err := s.repo.Save(ctx, c); err != nil {
		s.discard(ctx, c.ID, err)
		return nil, err
	}

	s.logger.Info("concentrator created", "id", c.ID, "region", c.LoraRegion)
	s.events.Emit(ctx, events.ConcentratorCreated, string(journal.KindConcentrator), c.ID, c)
	return s.repo.Get(ctx, c.ID)
}

func (s *Service) discard(ctx context.Context, id string, cause error) {
	err := s.hub.DeleteDevice(ctx, id)
	if err == nil || iothub.IsNotFound(err) {
		return
	}
	s.logger.Error("removing half-created concentrator failed", "id", id, "error", err)
	s.record(ctx, id, journal.ActionHubDelete, "create failed: "+cause.Error())
}

// Update writes concentrator changes to the hub, then the mirror. A failed
// mirror write reverts the hub; a failed revert is journaled for resync.
func (s *Service) Update(ctx context.Context, c *Concentrator) (*Concentrator, error) {
	if err := Validate(c); err != nil {
		return nil, err
	}
	prev, err := s.repo.Get(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	twin, err := s.hub.GetTwin(ctx, c.ID)
	if iothub.IsNotFound(err) {
		if ferr := s.Forget(ctx, c.ID); ferr != nil {
			s.logger.Warn("dropping stale concentrator failed", "id", c.ID, "error", ferr)
		}
		return nil, fmt.Errorf("%w: %s no longer exists in the hub", ErrNotFound, c.ID)
	}
	if err != nil {
		return nil, hubError(c.ID, err)
	}

	desired, err := desiredFor(c)
	if err != nil {
		return nil, err
	}
	updated, err := s.hub.UpdateTwin(ctx, c.ID, iothub.TwinPatch{
		Tags:       tagsFor(c),
		Properties: &iothub.PatchProperties{Desired: desired},
	}, twin.ETag)
	if err != nil {
		return nil, hubError(c.ID, err)
	}

	statusChanged := c.IsEnabled != twin.IsEnabled()
	if statusChanged {
		if _, err := s.hub.SetDeviceStatus(ctx, c.ID, c.IsEnabled); err != nil {
			s.revert(ctx, prev, false, err)
			return nil, hubError(c.ID, err)
		}
		updated.Status = iothub.StatusDisabled
		if c.IsEnabled {
			updated.Status = iothub.StatusEnabled
		}
	}

	c.CreatedAt = prev.CreatedAt
	c.AlreadyLoggedInOnce = prev.AlreadyLoggedInOnce
	applyTwin(c, updated)
	if err := s.repo.Save(ctx, c); err != nil {
		s.revert(ctx, prev, statusChanged, err)
		return nil, err
	}

	s.logger.Info("concentrator updated", "id", c.ID, "version", c.Version)
	s.events.Emit(ctx, events.ConcentratorUpdated, string(journal.KindConcentrator), c.ID, c)
	return s.repo.Get(ctx, c.ID)
}

func (s *Service) revert(ctx context.Context, prev *Concentrator, statusChanged bool, cause error) {
	desired, err := desiredFor(prev)
	if err == nil {
		_, err = s.hub.UpdateTwin(ctx, prev.ID, iothub.TwinPatch{
			Tags:       tagsFor(prev),
			Properties: &iothub.PatchProperties{Desired: desired},
		}, "")
	}
	if err == nil && statusChanged {
		_, err = s.hub.SetDeviceStatus(ctx, prev.ID, prev.IsEnabled)
	}
	if err == nil {
		return
	}
	s.logger.Error("reverting concentrator update failed", "id", prev.ID, "error", err)
	s.record(ctx, prev.ID, journal.ActionResync, "update failed: "+cause.Error())
}

// Delete removes a concentrator from the hub, then from the mirror.
func (s *Service) Delete(ctx context.Context, id string) error {
	_, err := s.repo.Version(ctx, id)
	mirrored := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := s.hub.DeleteDevice(ctx, id); err != nil {
		if !iothub.IsNotFound(err) {
			return hubError(id, err)
		}
		if !mirrored {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
	}
	if mirrored {
		if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Error("removing deleted concentrator from mirror failed", "id", id, "error", err)
			s.record(ctx, id, journal.ActionLocalDelete, "mirror delete failed: "+err.Error())
		}
	}
	s.logger.Info("concentrator deleted", "id", id)
	s.events.Emit(ctx, events.ConcentratorDeleted, string(journal.KindConcentrator), id, nil)
	return nil
}

// SyncFromTwin upserts the mirror row of a concentrator twin unless the
// mirror already holds that version. It reports whether a row was written.
func (s *Service) SyncFromTwin(ctx context.Context, twin iothub.Twin) (bool, error) {
	return s.sync(ctx, &twin, false)
}

func (s *Service) sync(ctx context.Context, twin *iothub.Twin, force bool) (bool, error) {
	if twin.Tag(iothub.TagDeviceType) != iothub.DeviceTypeConcentrator {
		return false, nil
	}
	version, err := s.repo.Version(ctx, twin.DeviceID)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if exists && !force && version >= twin.Version {
		return false, nil
	}

	c := fromTwin(twin)
	if exists {
		prev, err := s.repo.Get(ctx, twin.DeviceID)
		if err != nil {
			return false, err
		}
		c.CreatedAt = prev.CreatedAt
		c.AlreadyLoggedInOnce = c.AlreadyLoggedInOnce || prev.AlreadyLoggedInOnce
	}
	if err := s.repo.Save(ctx, c); err != nil {
		return false, err
	}
	typ := events.ConcentratorUpdated
	if !exists {
		typ = events.ConcentratorCreated
	}
	s.events.Emit(ctx, typ, string(journal.KindConcentrator), c.ID, c)
	return true, nil
}

// Forget removes a concentrator from the mirror only.
func (s *Service) Forget(ctx context.Context, id string) error {
	err := s.repo.Delete(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.events.Emit(ctx, events.ConcentratorDeleted, string(journal.KindConcentrator), id, nil)
	return nil
}

// IDs returns every mirrored concentrator ID.
func (s *Service) IDs(ctx context.Context) ([]string, error) {
	return s.repo.IDs(ctx)
}

// Compensate performs a journaled repair.
func (s *Service) Compensate(ctx context.Context, e journal.Entry) error {
	switch e.Action {
	case journal.ActionHubDelete:
		if _, err := s.repo.Version(ctx, e.EntityID); err == nil {
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
		return fmt.Errorf("unsupported concentrator action %q", e.Action)
	}
}

func (s *Service) record(ctx context.Context, id string, action journal.Action, reason string) {
	entry, err := s.journal.Record(ctx, journal.Entry{
		EntityKind: journal.KindConcentrator,
		EntityID:   id,
		Action:     action,
		Reason:     reason,
	})
	if err != nil {
		s.logger.Error("journaling compensation failed", "id", id, "action", action, "error", err)
		return
	}
	s.events.Emit(ctx, events.JournalRecorded, string(journal.KindConcentrator), id, entry)
}

func tagsFor(c *Concentrator) map[string]any {
	return map[string]any{
		iothub.TagDeviceName: c.Name,
		iothub.TagDeviceType: iothub.DeviceTypeConcentrator,
		iothub.TagLoRaRegion: c.LoraRegion,
	}
}

// desiredFor builds the desired properties. A cleared thumbprint is nil so
// the patch removes it.
func desiredFor(c *Concentrator) (map[string]any, error) {
	cfg, err := RouterConfig(c.LoraRegion)
	if err != nil {
		return nil, err
	}
	var thumbprint any
	if c.ClientThumbprint != "" {
		thumbprint = []any{c.ClientThumbprint}
	}
	return map[string]any{
		propRouterConfig:     cfg,
		propClientThumbprint: thumbprint,
	}, nil
}

func withoutNulls(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

func applyTwin(c *Concentrator, twin *iothub.Twin) {
	c.Version = twin.Version
	c.IsConnected = twin.IsConnected()
	c.IsEnabled = twin.IsEnabled()
	if c.IsConnected {
		c.AlreadyLoggedInOnce = true
	}
}

func fromTwin(twin *iothub.Twin) *Concentrator {
	c := &Concentrator{
		ID:         twin.DeviceID,
		Name:       twin.Tag(iothub.TagDeviceName),
		LoraRegion: twin.Tag(iothub.TagLoRaRegion),
		DeviceType: iothub.DeviceTypeConcentrator,
	}
	if c.Name == "" {
		c.Name = twin.DeviceID
	}
	if v, ok := twin.Desired(propClientThumbprint); ok {
		switch x := v.(type) {
		case []any:
			if len(x) > 0 {
				c.ClientThumbprint, _ = x[0].(string)
			}
		case string:
			c.ClientThumbprint = x
		}
	}
	applyTwin(c, twin)
	if !twin.LastActivityTime.IsZero() {
		c.AlreadyLoggedInOnce = true
	}
	return c
}

func hubError(id string, err error) error {
	switch {
	case errors.Is(err, iothub.ErrConflict):
		return fmt.Errorf("%w: %s is registered in the hub", ErrExists, id)
	case errors.Is(err, iothub.ErrPreconditionFailed):
		return fmt.Errorf("%w: %s", ErrConcurrentUpdate, id)
	case errors.Is(err, iothub.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case errors.Is(err, iothub.ErrInvalidID):
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	default:
		return fmt.Errorf("hub call for %s: %w", id, err)
	}
}
