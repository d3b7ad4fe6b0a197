package concentrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
)

const maxNameLength = 256

var (
	eui64Pattern      = regexp.MustCompile(`^[0-9A-F]{16}$`)
	thumbprintPattern = regexp.MustCompile(`^[0-9A-Fa-f]{40}$`)
)

// Validate normalises and checks a concentrator before it is written.
// The ID and thumbprint are upper-cased.
func Validate(c *Concentrator) error {
	c.ID = strings.ToUpper(strings.TrimSpace(c.ID))
	if !eui64Pattern.MatchString(c.ID) {
		return fmt.Errorf("%w: id %q must be 16 hex characters", ErrInvalid, c.ID)
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if len(c.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalid, maxNameLength)
	}
	if _, err := RouterConfig(c.LoraRegion); err != nil {
		return err
	}
	c.ClientThumbprint = strings.ToUpper(strings.TrimSpace(c.ClientThumbprint))
	if c.ClientThumbprint != "" && !thumbprintPattern.MatchString(c.ClientThumbprint) {
		return fmt.Errorf("%w: %q must be a 40 character SHA-1 hex digest", ErrInvalidThumbprint, c.ClientThumbprint)
	}
	c.DeviceType = iothub.DeviceTypeConcentrator
	return nil
}
