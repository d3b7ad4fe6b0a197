// Package label stores the coloured labels attached to devices, edge
// devices and models. All owners share one table keyed by owner kind.
package label

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nerrad567/iothub-portal/internal/infrastructure/database"
)

// Owner kinds.
const (
	OwnerDevice        = "device"
	OwnerLoRaWANDevice = "lorawan_device"
	OwnerEdgeDevice    = "edge_device"
	OwnerDeviceModel   = "device_model"
	OwnerEdgeModel     = "edge_model"
)

// ErrInvalidLabel is returned for an empty name or a malformed colour.
var ErrInvalidLabel = errors.New("label: invalid label")

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Label is a named colour tag.
type Label struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Validate checks the name and colour.
func (l Label) Validate() error {
	if strings.TrimSpace(l.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidLabel)
	}
	if len(l.Name) > 64 {
		return fmt.Errorf("%w: name %q exceeds 64 characters", ErrInvalidLabel, l.Name)
	}
	if !colorPattern.MatchString(l.Color) {
		return fmt.Errorf("%w: color %q must be #rrggbb", ErrInvalidLabel, l.Color)
	}
	return nil
}

// ValidateAll validates every label and rejects duplicate names.
func ValidateAll(labels []Label) error {
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		if err := l.Validate(); err != nil {
			return err
		}
		if seen[l.Name] {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidLabel, l.Name)
		}
		seen[l.Name] = true
	}
	return nil
}

// SetForOwner replaces an owner's labels. Run it inside the owner's unit of
// work so labels and the owning row commit together.
func SetForOwner(ctx context.Context, q database.Querier, ownerKind, ownerID string, labels []Label) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM labels WHERE owner_kind = ? AND owner_id = ?`, ownerKind, ownerID); err != nil {
		return fmt.Errorf("clearing labels of %s %s: %w", ownerKind, ownerID, err)
	}
	for _, l := range labels {
		if _, err := q.ExecContext(ctx,
			`INSERT INTO labels (owner_kind, owner_id, name, color) VALUES (?, ?, ?, ?)`,
			ownerKind, ownerID, l.Name, strings.ToLower(l.Color)); err != nil {
			return fmt.Errorf("inserting label %q for %s %s: %w", l.Name, ownerKind, ownerID, err)
		}
	}
	return nil
}

// DeleteForOwner removes every label of an owner.
func DeleteForOwner(ctx context.Context, q database.Querier, ownerKind, ownerID string) error {
	return SetForOwner(ctx, q, ownerKind, ownerID, nil)
}

// ForOwner returns an owner's labels ordered by name.
func ForOwner(ctx context.Context, q database.Querier, ownerKind, ownerID string) ([]Label, error) {
	m, err := ForOwners(ctx, q, ownerKind, []string{ownerID})
	if err != nil {
		return nil, err
	}
	return m[ownerID], nil
}

// ForOwners loads labels for many owners of one kind in a single query.
func ForOwners(ctx context.Context, q database.Querier, ownerKind string, ownerIDs []string) (map[string][]Label, error) {
	out := make(map[string][]Label, len(ownerIDs))
	if len(ownerIDs) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(ownerIDs)+1)
	args = append(args, ownerKind)
	for _, id := range ownerIDs {
		args = append(args, id)
	}
	query := `SELECT owner_id, name, color FROM labels
		WHERE owner_kind = ? AND owner_id IN (?` + strings.Repeat(",?", len(ownerIDs)-1) + `)
		ORDER BY owner_id, name`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s labels: %w", ownerKind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var ownerID string
		var l Label
		if err := rows.Scan(&ownerID, &l.Name, &l.Color); err != nil {
			return nil, fmt.Errorf("scanning label: %w", err)
		}
		out[ownerID] = append(out[ownerID], l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating labels: %w", err)
	}
	return out, nil
}

// ListAvailable returns the distinct labels in use across all owners.
// A name used with several colours is reported once with its most common
// colour.
func ListAvailable(ctx context.Context, db *sql.DB) ([]Label, error) {
	const query = `SELECT name, color, COUNT(*) AS uses FROM labels
		GROUP BY name, color ORDER BY name, uses DESC, color`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying available labels: %w", err)
	}
	defer rows.Close()

	var out []Label
	seen := make(map[string]bool)
	for rows.Next() {
		var l Label
		var uses int
		if err := rows.Scan(&l.Name, &l.Color, &uses); err != nil {
			return nil, fmt.Errorf("scanning label: %w", err)
		}
		if seen[l.Name] {
			continue
		}
		seen[l.Name] = true
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating labels: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
