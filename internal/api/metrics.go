package api

import (
	"net/http"
	"time"

	"github.com/nerrad567/iothub-portal/internal/device"
	"github.com/nerrad567/iothub-portal/internal/edge"
)

// DashboardMetrics is the summary shown on the portal home page.
type DashboardMetrics struct {
	Timestamp string          `json:"timestamp"`
	Devices   FleetMetrics    `json:"devices"`
	Edge      *FleetMetrics   `json:"edge_devices,omitempty"`
	LoRaWAN   *LoRaWANMetrics `json:"lorawan,omitempty"`
	Hub       *HubMetrics     `json:"hub,omitempty"`
	Reconcile ReconcileStatus `json:"reconcile"`
	WebSocket WSMetrics       `json:"websocket"`
	Database  DatabaseMetrics `json:"database"`
}

// FleetMetrics counts mirrored devices of one family.
type FleetMetrics struct {
	Total     int `json:"total"`
	Connected int `json:"connected,omitempty"`
}

// LoRaWANMetrics counts LoRaWAN devices and gateways.
type LoRaWANMetrics struct {
	Devices       int `json:"devices"`
	Concentrators int `json:"concentrators"`
}

// HubMetrics are the registry counts reported by the hub itself.
type HubMetrics struct {
	Total     int64 `json:"total"`
	Enabled   int64 `json:"enabled"`
	Disabled  int64 `json:"disabled"`
	Connected int64 `json:"connected"`
}

// ReconcileStatus summarises the compensation journal.
type ReconcileStatus struct {
	PendingCompensations int `json:"pending_compensations"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleDashboardMetrics returns device counts from the mirror and the hub.
// The hub section is omitted when the hub cannot be reached so the page
// still renders from local data.
func (s *Server) handleDashboardMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	connected := true

	metrics := DashboardMetrics{Timestamp: time.Now().UTC().Format(time.RFC3339)}

	all, err := s.devices.GetDevices(ctx, device.Filter{PageSize: 1})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	online, err := s.devices.GetDevices(ctx, device.Filter{IsConnected: &connected, PageSize: 1})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	metrics.Devices = FleetMetrics{Total: all.TotalItems, Connected: online.TotalItems}

	if s.edge != nil {
		edges, err := s.edge.ListDevices(ctx, edge.DeviceFilter{PageSize: 1})
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		metrics.Edge = &FleetMetrics{Total: edges.TotalItems}
	}

	if s.lora.Enabled {
		lora, err := s.devices.GetDevices(ctx, device.Filter{Kind: device.KindLoRaWAN, PageSize: 1})
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		metrics.LoRaWAN = &LoRaWANMetrics{Devices: lora.TotalItems}
		if s.concentrators != nil {
			gws, err := s.concentrators.List(ctx, 0, 1)
			if err != nil {
				s.writeDomainError(w, r, err)
				return
			}
			metrics.LoRaWAN.Concentrators = gws.TotalItems
		}
	}

	if stats, err := s.iothub.Statistics(ctx); err != nil {
		s.logger.Warn("reading hub statistics failed", "error", err)
	} else {
		metrics.Hub = &HubMetrics{
			Total:     stats.TotalDeviceCount,
			Enabled:   stats.EnabledDeviceCount,
			Disabled:  stats.DisabledDeviceCount,
			Connected: stats.ConnectedDeviceCount,
		}
	}

	if s.journal != nil {
		pending, err := s.journal.CountPending(ctx)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		metrics.Reconcile.PendingCompensations = pending
	}

	metrics.WebSocket.ConnectedClients = s.hub.ClientCount()

	dbStats := s.db.Stats()
	metrics.Database = DatabaseMetrics{
		OpenConnections: dbStats.OpenConnections,
		InUse:           dbStats.InUse,
		Idle:            dbStats.Idle,
		WaitCount:       dbStats.WaitCount,
	}

	writeJSON(w, http.StatusOK, metrics)
}
