package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/iothub-portal/internal/concentrator"
	"github.com/nerrad567/iothub-portal/internal/configuration"
	"github.com/nerrad567/iothub-portal/internal/device"
	"github.com/nerrad567/iothub-portal/internal/devicemodel"
	"github.com/nerrad567/iothub-portal/internal/devicetag"
	"github.com/nerrad567/iothub-portal/internal/edge"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/config"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/logging"
	"github.com/nerrad567/iothub-portal/internal/journal"
	"github.com/nerrad567/iothub-portal/internal/lorawan"
	"github.com/nerrad567/iothub-portal/internal/reconcile"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
//
// Devices, Models, Tags, Hub and DB are required. The remaining services
// are optional; their routes are only mounted when they are set.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	LoRaWAN config.LoRaWANConfig
	Portal  config.PortalConfig
	Logger  *logging.Logger
	DB      *sql.DB
	Hub     iothub.Registry

	Devices        *device.Service
	Models         *devicemodel.Service
	Tags           *devicetag.Service
	Edge           *edge.Service
	Concentrators  *concentrator.Service
	Configurations *configuration.Service
	Commands       *lorawan.CommandSender
	Telemetry      *lorawan.TelemetryIngestor
	Journal        journal.Repository
	Scheduler      *reconcile.Scheduler

	ExternalHub *Hub // If set, the server uses this hub instead of creating its own
	Version     string
}

// Server is the HTTP API server of the portal.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg            config.APIConfig
	wsCfg          config.WebSocketConfig
	lora           config.LoRaWANConfig
	portal         config.PortalConfig
	logger         *logging.Logger
	db             *sql.DB
	iothub         iothub.Registry
	devices        *device.Service
	models         *devicemodel.Service
	tags           *devicetag.Service
	edge           *edge.Service
	concentrators  *concentrator.Service
	configurations *configuration.Service
	commands       *lorawan.CommandSender
	telemetry      *lorawan.TelemetryIngestor
	journal        journal.Repository
	scheduler      *reconcile.Scheduler
	version        string
	server         *http.Server
	hub            *Hub
	externalHub    bool               // true if hub was injected externally
	cancel         context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case deps.Devices == nil:
		return nil, fmt.Errorf("device service is required")
	case deps.Models == nil:
		return nil, fmt.Errorf("device model service is required")
	case deps.Tags == nil:
		return nil, fmt.Errorf("device tag service is required")
	case deps.Hub == nil:
		return nil, fmt.Errorf("iot hub registry is required")
	case deps.DB == nil:
		return nil, fmt.Errorf("database is required")
	}

	s := &Server{
		cfg:            deps.Config,
		wsCfg:          deps.WS,
		lora:           deps.LoRaWAN,
		portal:         deps.Portal,
		logger:         deps.Logger,
		db:             deps.DB,
		iothub:         deps.Hub,
		devices:        deps.Devices,
		models:         deps.Models,
		tags:           deps.Tags,
		edge:           deps.Edge,
		concentrators:  deps.Concentrators,
		configurations: deps.Configurations,
		commands:       deps.Commands,
		telemetry:      deps.Telemetry,
		journal:        deps.Journal,
		scheduler:      deps.Scheduler,
		version:        deps.Version,
	}

	// The hub is usually built before the server so it can be handed to the
	// event emitter as a publisher.
	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	}

	return s, nil
}

// Handler builds the router without starting a listener.
func (s *Server) Handler() http.Handler {
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub unless one was injected and launches the HTTP
// listener in a background goroutine. The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}
	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
