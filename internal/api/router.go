package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware())
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleCreateDevice)
			r.Get("/available-tags", s.handleAvailableTags)
			r.Get("/export", s.handleExportDevices)
			r.Post("/import", s.handleImportDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Put("/", s.handleUpdateDevice)
				r.Delete("/", s.handleDeleteDevice)
				r.Get("/properties", s.handleGetDeviceProperties)
				r.Post("/properties", s.handleSetDeviceProperties)
				r.Get("/credentials", s.handleGetDeviceCredentials)
			})
		})

		r.Route("/lorawan", func(r chi.Router) {
			r.Use(s.loraGate)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListLoRaWANDevices)
				r.Post("/", s.handleCreateLoRaWANDevice)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetLoRaWANDevice)
					r.Put("/", s.handleUpdateLoRaWANDevice)
					r.Delete("/", s.handleDeleteLoRaWANDevice)
					r.Post("/_command/{commandId}", s.handleExecuteCommand)
					r.Get("/telemetry", s.handleGetTelemetry)
				})
			})

			if s.concentrators != nil {
				r.Route("/concentrators", func(r chi.Router) {
					r.Get("/", s.handleListConcentrators)
					r.Post("/", s.handleCreateConcentrator)
					r.Get("/regions", s.handleListRegions)
					r.Get("/{id}", s.handleGetConcentrator)
					r.Put("/{id}", s.handleUpdateConcentrator)
					r.Delete("/{id}", s.handleDeleteConcentrator)
				})
			}
		})

		r.Route("/models", func(r chi.Router) {
			r.Get("/", s.handleListModels)
			r.Post("/", s.handleCreateModel)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetModel)
				r.Put("/", s.handleUpdateModel)
				r.Delete("/", s.handleDeleteModel)
				r.Get("/properties", s.handleGetModelProperties)
				r.Post("/properties", s.handleSetModelProperties)
				r.Get("/properties/schema", s.handleGetModelSchema)
				r.Get("/commands", s.handleGetModelCommands)
				r.Post("/commands", s.handleSetModelCommands)
			})
		})

		if s.edge != nil {
			r.Route("/edge", func(r chi.Router) {
				r.Route("/devices", func(r chi.Router) {
					r.Get("/", s.handleListEdgeDevices)
					r.Post("/", s.handleCreateEdgeDevice)

					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", s.handleGetEdgeDevice)
						r.Put("/", s.handleUpdateEdgeDevice)
						r.Delete("/", s.handleDeleteEdgeDevice)
						r.Get("/credentials", s.handleGetEdgeCredentials)
						r.Get("/{module}/logs", s.handleGetModuleLogs)
						r.Post("/{module}/{method}", s.handleExecuteModuleMethod)
					})
				})

				r.Route("/models", func(r chi.Router) {
					r.Get("/", s.handleListEdgeModels)
					r.Post("/", s.handleCreateEdgeModel)
					r.Get("/{id}", s.handleGetEdgeModel)
					r.Put("/{id}", s.handleUpdateEdgeModel)
					r.Delete("/{id}", s.handleDeleteEdgeModel)
					r.Get("/{id}/deployment", s.handleGetEdgeDeployment)
				})
			})
		}

		if s.configurations != nil {
			r.Route("/configurations", func(r chi.Router) {
				r.Get("/", s.handleListConfigurations)
				r.Post("/", s.handleSaveConfiguration)
				r.Get("/{id}", s.handleGetConfiguration)
				r.Delete("/{id}", s.handleDeleteConfiguration)
				r.Get("/{id}/metrics", s.handleGetConfigurationMetrics)
			})
		}

		r.Route("/settings", func(r chi.Router) {
			r.Get("/device-tags", s.handleListDeviceTags)
			r.Put("/device-tags", s.handleReplaceDeviceTags)
			r.Post("/device-tags", s.handleUpsertDeviceTag)
			r.Delete("/device-tags/{name}", s.handleDeleteDeviceTag)
			r.Get("/lora", s.handleLoRaSettings)
			r.Get("/portal", s.handlePortalSettings)
		})

		r.Get("/labels", s.handleListLabels)
		r.Get("/dashboard/metrics", s.handleDashboardMetrics)

		r.Route("/reconcile", func(r chi.Router) {
			if s.journal != nil {
				r.Get("/journal", s.handleListJournal)
			}
			if s.scheduler != nil {
				r.Get("/sync", s.handleLastSync)
				r.Post("/sync", s.handleRunSync)
			}
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.db.PingContext(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.version,
	})
}
