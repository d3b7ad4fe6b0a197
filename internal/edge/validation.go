package edge

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nerrad567/iothub-portal/internal/devicetag"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/label"
)

// MaxNameLength is the maximum length of a device or model name.
const MaxNameLength = 256

var (
	moduleNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	envNamePattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidateDevice checks an edge device's own fields.
func ValidateDevice(d *EdgeDevice) error {
	if err := iothub.ValidateDeviceID(d.ID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDevice, err)
	}
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDevice)
	}
	if len(d.Name) > MaxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDevice, MaxNameLength)
	}
	if strings.TrimSpace(d.ModelID) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidDevice)
	}
	if err := label.ValidateAll(d.Labels); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDevice, err)
	}
	return nil
}

// ValidateTags rejects undefined tags and missing required ones.
func ValidateTags(tags map[string]string, defined map[string]devicetag.DeviceTag) error {
	var unknown, missing []string
	for name := range tags {
		if _, ok := defined[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	for name, def := range defined {
		if def.Required && strings.TrimSpace(tags[name]) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(unknown)
	sort.Strings(missing)
	switch {
	case len(unknown) > 0:
		return fmt.Errorf("%w: undefined tags %s", ErrInvalidTag, strings.Join(unknown, ", "))
	case len(missing) > 0:
		return fmt.Errorf("%w: required tags missing %s", ErrInvalidTag, strings.Join(missing, ", "))
	}
	return nil
}

// ValidateModel checks an edge model before it is stored or rolled out.
func ValidateModel(m *EdgeModel) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidModel)
	}
	if len(m.Name) > MaxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidModel, MaxNameLength)
	}
	if err := label.ValidateAll(m.Labels); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidModel, err)
	}

	seen := make(map[string]bool, len(m.Modules))
	for i := range m.Modules {
		mod := &m.Modules[i]
		if err := validateModule(mod); err != nil {
			return err
		}
		key := strings.ToLower(mod.Name)
		if seen[key] {
			return fmt.Errorf("%w: duplicate module %q", ErrInvalidModel, mod.Name)
		}
		seen[key] = true
	}

	systemSeen := map[string]bool{}
	for _, sm := range m.SystemModules {
		if sm.Name != agentSystemName && sm.Name != hubSystemName {
			return fmt.Errorf("%w: system module %q must be %s or %s",
				ErrInvalidModel, sm.Name, agentSystemName, hubSystemName)
		}
		if systemSeen[sm.Name] {
			return fmt.Errorf("%w: duplicate system module %q", ErrInvalidModel, sm.Name)
		}
		systemSeen[sm.Name] = true
		if err := validateCreateOptions(sm.Name, sm.ContainerCreateOptions); err != nil {
			return err
		}
		if err := validateEnv(sm.Name, sm.Env); err != nil {
			return err
		}
	}

	routes := make(map[string]bool, len(m.Routes))
	for _, r := range m.Routes {
		if !moduleNamePattern.MatchString(r.Name) {
			return fmt.Errorf("%w: route name %q", ErrInvalidModel, r.Name)
		}
		if routes[r.Name] {
			return fmt.Errorf("%w: duplicate route %q", ErrInvalidModel, r.Name)
		}
		routes[r.Name] = true
		if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(r.Value)), "FROM ") {
			return fmt.Errorf("%w: route %q must start with FROM", ErrInvalidModel, r.Name)
		}
		if r.Priority != nil && (*r.Priority < 0 || *r.Priority > 9) {
			return fmt.Errorf("%w: route %q priority must be 0-9", ErrInvalidModel, r.Name)
		}
		if r.TimeToLive != nil && *r.TimeToLive < 0 {
			return fmt.Errorf("%w: route %q time to live is negative", ErrInvalidModel, r.Name)
		}
	}
	return nil
}

func validateModule(mod *Module) error {
	mod.Name = strings.TrimSpace(mod.Name)
	if !moduleNamePattern.MatchString(mod.Name) {
		return fmt.Errorf("%w: module name %q may only contain letters, digits, '-' and '_'", ErrInvalidModel, mod.Name)
	}
	if strings.TrimSpace(mod.ImageURI) == "" {
		return fmt.Errorf("%w: module %q has no image", ErrInvalidModel, mod.Name)
	}
	if mod.StartupOrder < 0 {
		return fmt.Errorf("%w: module %q startup order is negative", ErrInvalidModel, mod.Name)
	}
	if err := validateCreateOptions(mod.Name, mod.ContainerCreateOptions); err != nil {
		return err
	}
	if err := validateEnv(mod.Name, mod.Env); err != nil {
		return err
	}
	cmds := make(map[string]bool, len(mod.Commands))
	for _, c := range mod.Commands {
		if !moduleNamePattern.MatchString(c.Name) {
			return fmt.Errorf("%w: module %q command %q", ErrInvalidModel, mod.Name, c.Name)
		}
		if cmds[c.Name] {
			return fmt.Errorf("%w: module %q has duplicate command %q", ErrInvalidModel, mod.Name, c.Name)
		}
		cmds[c.Name] = true
	}
	return nil
}

func validateCreateOptions(module, opts string) error {
	if strings.TrimSpace(opts) == "" {
		return nil
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(opts), &v); err != nil {
		return fmt.Errorf("%w: module %q create options are not a JSON object: %v", ErrInvalidModel, module, err)
	}
	return nil
}

func validateEnv(module string, env map[string]string) error {
	for name := range env {
		if !envNamePattern.MatchString(name) {
			return fmt.Errorf("%w: module %q environment variable %q", ErrInvalidModel, module, name)
		}
	}
	return nil
}
