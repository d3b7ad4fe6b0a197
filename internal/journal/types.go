package journal

import (
	"errors"
	"time"
)

// EntityKind names the kind of entity an entry repairs.
type EntityKind string

// Entity kinds.
const (
	KindDevice        EntityKind = "device"
	KindLoRaWANDevice EntityKind = "lorawan_device"
	KindEdgeDevice    EntityKind = "edge_device"
	KindConcentrator  EntityKind = "concentrator"
	KindConfiguration EntityKind = "configuration"
)

// Action is the repair to perform.
type Action string

// Actions.
const (
	// ActionHubDelete removes an identity or configuration the hub still
	// holds after a failed create.
	ActionHubDelete Action = "hub_delete"

	// ActionLocalDelete removes a mirror row whose hub identity is gone.
	ActionLocalDelete Action = "local_delete"

	// ActionResync rebuilds a mirror row from the hub twin.
	ActionResync Action = "resync"
)

// Status is an entry's lifecycle state.
type Status string

// Statuses.
const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// ErrEntryNotFound is returned when an entry ID does not exist.
var ErrEntryNotFound = errors.New("journal: entry not found")

// Entry is a durable record of a compensation that did not complete inline.
type Entry struct {
	ID            string     `json:"id"`
	EntityKind    EntityKind `json:"entity_kind"`
	EntityID      string     `json:"entity_id"`
	Action        Action     `json:"action"`
	Reason        string     `json:"reason,omitempty"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	EntityKind EntityKind
	EntityID   string
	Status     Status
	Page       int
	PageSize   int
}
