package devicemodel

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/nerrad567/iothub-portal/internal/label"
)

const (
	maxNameLength = 256
	minPort       = 1
	maxPort       = 223
)

var (
	propertyNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)
	modelIDPattern      = regexp.MustCompile(`^[A-Za-z0-9\-_]{1,128}$`)
	appEUIPattern       = regexp.MustCompile(`^[0-9A-Fa-f]{16}$`)
)

// ValidateModel checks a model before it is stored.
func ValidateModel(m *DeviceModel) error {
	if m.ID != "" && !modelIDPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: id %q", ErrInvalidModel, m.ID)
	}
	name := strings.TrimSpace(m.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidModel)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidModel, maxNameLength)
	}
	if err := label.ValidateAll(m.Labels); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidModel, err)
	}
	if !m.SupportLoRaFeatures {
		if m.LoRa != nil {
			return fmt.Errorf("%w: LoRa settings on a non-LoRa model", ErrInvalidModel)
		}
		return nil
	}
	if m.LoRa == nil {
		return fmt.Errorf("%w: LoRa settings are required", ErrInvalidModel)
	}
	return validateLoRa(m.LoRa)
}

func validateLoRa(s *LoRaSettings) error {
	switch s.ClassType {
	case ClassA, ClassB, ClassC:
	case "":
		s.ClassType = ClassA
	default:
		return fmt.Errorf("%w: class type %q", ErrInvalidModel, s.ClassType)
	}
	switch s.Deduplication {
	case DedupNone, DedupDrop, DedupMark:
	case "":
		s.Deduplication = DedupDrop
	default:
		return fmt.Errorf("%w: deduplication %q", ErrInvalidModel, s.Deduplication)
	}
	if s.PreferredWindow == 0 {
		s.PreferredWindow = 1
	}
	if s.PreferredWindow != 1 && s.PreferredWindow != 2 {
		return fmt.Errorf("%w: preferred window must be 1 or 2", ErrInvalidModel)
	}
	if s.UseOTAA && s.AppEUI != "" && !appEUIPattern.MatchString(s.AppEUI) {
		return fmt.Errorf("%w: app EUI must be 16 hex characters", ErrInvalidModel)
	}
	if s.RXDelay != nil && (*s.RXDelay < 0 || *s.RXDelay > 15) {
		return fmt.Errorf("%w: rx delay must be 0-15", ErrInvalidModel)
	}
	if s.RX1DROffset != nil && (*s.RX1DROffset < 0 || *s.RX1DROffset > 15) {
		return fmt.Errorf("%w: rx1 data rate offset must be 0-15", ErrInvalidModel)
	}
	if s.RX2DataRate != nil && (*s.RX2DataRate < 0 || *s.RX2DataRate > 15) {
		return fmt.Errorf("%w: rx2 data rate must be 0-15", ErrInvalidModel)
	}
	if s.KeepAliveTimeout != nil && *s.KeepAliveTimeout < 0 {
		return fmt.Errorf("%w: keep alive timeout must not be negative", ErrInvalidModel)
	}
	return nil
}

// ValidateProperties checks a model's property set.
func ValidateProperties(props []Property) error {
	seen := make(map[string]bool, len(props))
	for _, p := range props {
		if !propertyNamePattern.MatchString(p.Name) {
			return fmt.Errorf("%w: property name %q", ErrInvalidModel, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate property %q", ErrInvalidModel, p.Name)
		}
		seen[p.Name] = true
		if !p.Type.IsValid() {
			return fmt.Errorf("%w: property %q has unknown type %q", ErrInvalidModel, p.Name, p.Type)
		}
	}
	return nil
}

// ValidateCommands checks a LoRa model's command set.
func ValidateCommands(cmds []Command) error {
	seen := make(map[string]bool, len(cmds))
	for _, c := range cmds {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%w: command name is required", ErrInvalidModel)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate command %q", ErrInvalidModel, c.Name)
		}
		seen[c.Name] = true
		if c.Frame == "" || len(c.Frame)%2 != 0 {
			return fmt.Errorf("%w: command %q frame must be even-length hex", ErrInvalidModel, c.Name)
		}
		if _, err := hex.DecodeString(c.Frame); err != nil {
			return fmt.Errorf("%w: command %q frame is not hex", ErrInvalidModel, c.Name)
		}
		if c.Port < minPort || c.Port > maxPort {
			return fmt.Errorf("%w: command %q port must be %d-%d", ErrInvalidModel, c.Name, minPort, maxPort)
		}
	}
	return nil
}
