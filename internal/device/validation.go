package device

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nerrad567/iothub-portal/internal/devicemodel"
	"github.com/nerrad567/iothub-portal/internal/devicetag"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/label"
)

// MaxNameLength is the maximum length of a device name.
const MaxNameLength = 256

var (
	devEUIPattern  = regexp.MustCompile(`^[0-9A-F]{16}$`)
	hex16Pattern   = regexp.MustCompile(`^[0-9A-Fa-f]{16}$`)
	hex32Pattern   = regexp.MustCompile(`^[0-9A-Fa-f]{32}$`)
	devAddrPattern = regexp.MustCompile(`^[0-9A-Fa-f]{8}$`)
)

// ValidateDevice checks the fields every device carries. It does not
// look at the model or the tag settings.
func ValidateDevice(d *Device) error {
	if err := iothub.ValidateDeviceID(d.ID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDevice, err)
	}
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDevice)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDevice, MaxNameLength)
	}
	d.Name = name
	if strings.TrimSpace(d.ModelID) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidDevice)
	}
	if err := label.ValidateAll(d.Labels); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDevice, err)
	}
	return nil
}

// ValidateTags rejects tags that are not defined in the tag settings and
// reports required tags that are missing or empty.
func ValidateTags(tags map[string]string, defined map[string]devicetag.DeviceTag) error {
	var unknown []string
	for name := range tags {
		if _, ok := defined[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: undefined tags %s", ErrInvalidTag, strings.Join(unknown, ", "))
	}

	var missing []string
	for name, def := range defined {
		if def.Required && strings.TrimSpace(tags[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: required tags missing %s", ErrInvalidTag, strings.Join(missing, ", "))
	}
	return nil
}

// ValidateModelKind checks a device kind against its model.
func ValidateModelKind(kind Kind, m *devicemodel.DeviceModel) error {
	if m.SupportLoRaFeatures != (kind == KindLoRaWAN) {
		return fmt.Errorf("%w: model %s", ErrModelMismatch, m.ID)
	}
	return nil
}

// ValidateLoRaWAN checks a LoRaWAN device's ID and activation keys and
// fills unset settings from the model. The ID is upper-cased.
func ValidateLoRaWAN(d *LoRaWANDevice, m *devicemodel.DeviceModel) error {
	d.ID = strings.ToUpper(d.ID)
	if !devEUIPattern.MatchString(d.ID) {
		return fmt.Errorf("%w: DevEUI %q must be 16 hex characters", ErrInvalidDevice, d.ID)
	}
	applyModelDefaults(&d.LoRa, m.LoRa)

	s := &d.LoRa
	if s.UseOTAA {
		if !hex16Pattern.MatchString(s.AppEUI) {
			return fmt.Errorf("%w: OTAA requires a 16 hex character AppEUI", ErrInvalidDevice)
		}
		if !hex32Pattern.MatchString(s.AppKey) {
			return fmt.Errorf("%w: OTAA requires a 32 hex character AppKey", ErrInvalidDevice)
		}
	} else {
		if !devAddrPattern.MatchString(s.DevAddr) {
			return fmt.Errorf("%w: ABP requires an 8 hex character DevAddr", ErrInvalidDevice)
		}
		if !hex32Pattern.MatchString(s.AppSKey) || !hex32Pattern.MatchString(s.NwkSKey) {
			return fmt.Errorf("%w: ABP requires 32 hex character AppSKey and NwkSKey", ErrInvalidDevice)
		}
	}

	switch s.ClassType {
	case devicemodel.ClassA, devicemodel.ClassB, devicemodel.ClassC:
	default:
		return fmt.Errorf("%w: class type %q", ErrInvalidDevice, s.ClassType)
	}
	switch s.Deduplication {
	case devicemodel.DedupNone, devicemodel.DedupDrop, devicemodel.DedupMark:
	default:
		return fmt.Errorf("%w: deduplication %q", ErrInvalidDevice, s.Deduplication)
	}
	if s.PreferredWindow != 1 && s.PreferredWindow != 2 {
		return fmt.Errorf("%w: preferred window must be 1 or 2", ErrInvalidDevice)
	}
	for name, v := range map[string]*int{"RX1DROffset": s.RX1DROffset, "RX2DataRate": s.RX2DataRate, "RXDelay": s.RXDelay} {
		if v != nil && (*v < 0 || *v > 15) {
			return fmt.Errorf("%w: %s must be 0-15", ErrInvalidDevice, name)
		}
	}
	for name, v := range map[string]*int{"FCntUpStart": s.FCntUpStart, "FCntDownStart": s.FCntDownStart, "FCntResetCounter": s.FCntResetCounter} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalidDevice, name)
		}
	}
	return nil
}

// applyModelDefaults fills settings the caller left unset from the
// model's LoRa settings.
func applyModelDefaults(s *LoRaWANSettings, m *devicemodel.LoRaSettings) {
	if m == nil {
		m = &devicemodel.LoRaSettings{}
	}
	if s.ClassType == "" {
		s.ClassType = m.ClassType
	}
	if s.ClassType == "" {
		s.ClassType = devicemodel.ClassA
	}
	if s.Deduplication == "" {
		s.Deduplication = m.Deduplication
	}
	if s.Deduplication == "" {
		s.Deduplication = devicemodel.DedupDrop
	}
	if s.PreferredWindow == 0 {
		s.PreferredWindow = m.PreferredWindow
	}
	if s.PreferredWindow == 0 {
		s.PreferredWindow = 1
	}
	if s.UseOTAA && s.AppEUI == "" {
		s.AppEUI = m.AppEUI
	}
	if s.SensorDecoder == "" {
		s.SensorDecoder = m.SensorDecoder
	}
	if s.Downlink == nil {
		s.Downlink = m.Downlink
	}
	if s.RX1DROffset == nil {
		s.RX1DROffset = m.RX1DROffset
	}
	if s.RX2DataRate == nil {
		s.RX2DataRate = m.RX2DataRate
	}
	if s.RXDelay == nil {
		s.RXDelay = m.RXDelay
	}
	if s.KeepAliveTimeout == nil {
		s.KeepAliveTimeout = m.KeepAliveTimeout
	}
	if s.ABPRelaxMode == nil {
		s.ABPRelaxMode = m.ABPRelaxMode
	}
}
