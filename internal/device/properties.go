package device

import (
	"context"
	"fmt"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
)

// GetProperties returns the model's properties with the device's current
// values: the desired value for writable properties, the reported value
// otherwise. Dotted names address nested twin paths.
func (s *Service) GetProperties(ctx context.Context, id string) ([]PropertyValue, error) {
	d, err := s.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	props, err := s.models.GetProperties(ctx, d.ModelID)
	if err != nil {
		return nil, err
	}
	twin, err := s.liveTwin(ctx, id)
	if err != nil {
		return nil, err
	}

	out := make([]PropertyValue, 0, len(props))
	for _, p := range props {
		var value any
		if p.IsWritable {
			value, _ = twin.Desired(p.Name)
		} else {
			value, _ = twin.Reported(p.Name)
		}
		out = append(out, PropertyValue{
			Name:        p.Name,
			DisplayName: p.DisplayName,
			IsWritable:  p.IsWritable,
			Order:       p.Order,
			Type:        p.Type,
			Value:       value,
		})
	}
	return out, nil
}

// SetProperties validates values against the model's writable properties
// and writes them as desired properties.
func (s *Service) SetProperties(ctx context.Context, id string, values map[string]any) error {
	d, err := s.GetDevice(ctx, id)
	if err != nil {
		return err
	}
	if err := s.models.ValidateDesired(ctx, d.ModelID, values); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	patch := iothub.NewTwinPatch()
	for name, v := range values {
		patch.SetDesired(name, v)
	}
	if _, err := s.hub.UpdateTwin(ctx, id, *patch, ""); err != nil {
		return hubError(id, err)
	}
	s.logger.Info("device properties written", "id", id, "count", len(values))
	return nil
}

// GetCredentials derives the enrollment credentials of a mirrored device
// from the provisioning group key.
func (s *Service) GetCredentials(ctx context.Context, id string) (*Credentials, error) {
	if _, _, err := s.repo.Lookup(ctx, id); err != nil {
		return nil, err
	}
	return DeriveCredentials(s.provisioning.GroupKey, s.provisioning.IDScope, s.provisioning.GlobalEndpoint, id)
}

// DeriveCredentials computes a device's enrollment credentials.
func DeriveCredentials(groupKey, scopeID, endpoint, registrationID string) (*Credentials, error) {
	if groupKey == "" {
		return nil, ErrProvisioningDisabled
	}
	key, err := iothub.DeriveDeviceKey(groupKey, registrationID)
	if err != nil {
		return nil, fmt.Errorf("deriving key for %s: %w", registrationID, err)
	}
	return &Credentials{
		RegistrationID:       registrationID,
		SymmetricKey:         key,
		ScopeID:              scopeID,
		ProvisioningEndpoint: endpoint,
	}, nil
}
