// Package devicemodel manages device model templates: the properties
// devices expose, the LoRaWAN defaults and downlink commands they share,
// and the hub configuration each model rolls out to its devices.
//
// Models are persisted in SQLite and cached by Registry, which every
// device service consults on create, update and sync.
//
// Each create or update replaces the model's hub configuration (see
// package rollout). The configuration targets tags.modelId and sets the
// model's LoRa settings as desired properties.
//
// Writable property values are validated with JSON Schema before they are
// written to a twin:
//
//	if err := svc.ValidateDesired(ctx, modelID, values); err != nil {
//	    return err // wraps ErrInvalidValue
//	}
package devicemodel
