// Package concentrator manages LoRaWAN concentrators (gateways) in the hub
// and keeps their mirror rows in step with the twins.
//
// A concentrator is a plain hub identity tagged with deviceType
// "LoRa Concentrator". Its region selects the router configuration written
// to the twin's desired properties, which the basic station fetches on
// connect.
package concentrator

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// Domain errors.
var (
	ErrNotFound          = errors.New("concentrator: not found")
	ErrExists            = errors.New("concentrator: already exists")
	ErrInvalid           = errors.New("concentrator: invalid")
	ErrUnknownRegion     = errors.New("concentrator: unknown LoRa region")
	ErrConcurrentUpdate  = errors.New("concentrator: twin changed concurrently")
	ErrInvalidThumbprint = errors.New("concentrator: invalid client thumbprint")
)

// Concentrator is the mirror of a LoRaWAN gateway identity. ID is the
// gateway EUI.
type Concentrator struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	LoraRegion          string    `json:"lora_region"`
	DeviceType          string    `json:"device_type"`
	ClientThumbprint    string    `json:"client_thumbprint,omitempty"`
	IsConnected         bool      `json:"is_connected"`
	IsEnabled           bool      `json:"is_enabled"`
	AlreadyLoggedInOnce bool      `json:"already_logged_in_once"`
	Version             int64     `json:"version"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

//go:embed regions/*.json
var regionFS embed.FS

// Regions returns the supported LoRa regions in name order.
func Regions() []string {
	entries, err := regionFS.ReadDir("regions")
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(out)
	return out
}

// RouterConfig returns the basic station router configuration of a region.
func RouterConfig(region string) (map[string]any, error) {
	if region == "" || strings.ContainsAny(region, `/\.`) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRegion, region)
	}
	raw, err := regionFS.ReadFile(path.Join("regions", region+".json"))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRegion, region)
	}
	var cfg map[string]any
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decoding router config %s: %w", region, err)
	}
	return cfg, nil
}
