// Package api provides the HTTP REST API and WebSocket event stream of the
// IoT Hub portal.
//
// It exposes device, model, edge, LoRaWAN and configuration management
// backed by the domain services, plus reconciliation status and a live
// change feed for the web front end.
//
// # Architecture
//
// Handlers are thin: they decode the request, call one domain service and
// map the service's sentinel errors to HTTP status codes in
// writeDomainError. Hub failures surface as 502 so the front end can tell a
// hub outage from a portal bug.
//
// Change events published by the services reach WebSocket clients through
// Hub, which implements events.Publisher. Clients subscribe to event types
// or to "*" for everything.
//
// # Feature Gates
//
// LoRaWAN routes answer 400 lora_disabled when the feature is off. Edge,
// concentrator, configuration and reconciliation routes are only mounted
// when their service is wired.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api
