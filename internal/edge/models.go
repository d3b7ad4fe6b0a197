package edge

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/journal"
	"github.com/nerrad567/iothub-portal/internal/rollout"
)

// deploymentPriority ranks edge deployments above device model
// configurations.
const deploymentPriority = 10

// ListModels returns the edge models matching filter.
func (s *Service) ListModels(ctx context.Context, filter ModelFilter) ([]EdgeModel, error) {
	return s.repo.ListModels(ctx, filter)
}

// GetModel returns one edge model.
func (s *Service) GetModel(ctx context.Context, id string) (*EdgeModel, error) {
	return s.repo.GetModel(ctx, id)
}

// CreateModel stores a model and rolls out its deployment. The rollout runs
// first; if the store then fails the deployment is removed again, or
// journaled for removal.
func (s *Service) CreateModel(ctx context.Context, m *EdgeModel) (*EdgeModel, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := ValidateModel(m); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetModel(ctx, m.ID); err == nil {
		return nil, ErrModelExists
	} else if !errors.Is(err, ErrModelNotFound) {
		return nil, err
	}

	cfg, err := s.rollout.Apply(ctx, deploymentSpec(m))
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateModel(ctx, m); err != nil {
		s.discardDeployment(ctx, cfg.ID, err)
		return nil, err
	}

	s.logger.Info("edge model created", "id", m.ID, "name", m.Name, "deployment", cfg.ID)
	s.events.Emit(ctx, events.EdgeModelCreated, modelKind, m.ID, m)
	return s.repo.GetModel(ctx, m.ID)
}

// UpdateModel stores model changes and rolls out a fresh deployment.
func (s *Service) UpdateModel(ctx context.Context, m *EdgeModel) (*EdgeModel, error) {
	current, err := s.repo.GetModel(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if err := ValidateModel(m); err != nil {
		return nil, err
	}
	m.CreatedAt = current.CreatedAt
	if err := s.repo.UpdateModel(ctx, m); err != nil {
		return nil, err
	}

	// The stored model is authoritative; a failed rollout is retried by the
	// next update and reported to the caller.
	if _, err := s.rollout.Apply(ctx, deploymentSpec(m)); err != nil {
		return nil, fmt.Errorf("edge model %s saved but deployment rollout failed: %w", m.ID, err)
	}

	s.events.Emit(ctx, events.EdgeModelUpdated, modelKind, m.ID, m)
	return s.repo.GetModel(ctx, m.ID)
}

// DeleteModel removes a model no edge device uses, its deployment first.
func (s *Service) DeleteModel(ctx context.Context, id string) error {
	if _, err := s.repo.GetModel(ctx, id); err != nil {
		return err
	}
	n, err := s.repo.CountDevicesOfModel(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %d edge devices", ErrModelInUse, n)
	}
	if err := s.rollout.Remove(ctx, rollout.KindEdgeModel, id); err != nil {
		return err
	}
	if err := s.repo.DeleteModel(ctx, id); err != nil {
		return err
	}
	s.logger.Info("edge model deleted", "id", id)
	s.events.Emit(ctx, events.EdgeModelDeleted, modelKind, id, nil)
	return nil
}

// Deployment returns the hub configuration currently deploying a model, or
// nil when none is rolled out.
func (s *Service) Deployment(ctx context.Context, modelID string) (*iothub.Configuration, error) {
	if _, err := s.repo.GetModel(ctx, modelID); err != nil {
		return nil, err
	}
	return s.rollout.Current(ctx, rollout.KindEdgeModel, modelID)
}

func (s *Service) discardDeployment(ctx context.Context, configID string, cause error) {
	err := s.rollout.RemoveByID(ctx, configID)
	if err == nil {
		return
	}
	s.logger.Error("removing orphaned deployment failed", "configuration", configID, "error", err)
	entry, jerr := s.journal.Record(ctx, journal.Entry{
		EntityKind: journal.KindConfiguration,
		EntityID:   configID,
		Action:     journal.ActionHubDelete,
		Reason:     "edge model store failed: " + cause.Error(),
	})
	if jerr != nil {
		s.logger.Error("journaling orphaned deployment failed", "configuration", configID, "error", jerr)
		return
	}
	s.events.Emit(ctx, events.JournalRecorded, string(journal.KindConfiguration), configID, entry)
}

func deploymentSpec(m *EdgeModel) rollout.Spec {
	return rollout.Spec{
		Kind:     rollout.KindEdgeModel,
		OwnerID:  m.ID,
		Content:  Manifest(m),
		Priority: deploymentPriority,
	}
}
