// Package iothub is a REST client for the IoT Hub service API.
//
// The hub is the system of record for device identities, twins and
// configurations; the portal's database only mirrors it. The Registry
// interface is what the domain packages depend on, so tests can swap in
// the in-memory registry from iothubtest.
//
// Usage:
//
//	client, err := iothub.NewFromConfig(cfg.IoTHub)
//	if err != nil {
//	    return err
//	}
//	twin, err := client.GetTwin(ctx, "sensor-01")
//	if iothub.IsNotFound(err) {
//	    // device was removed from the hub
//	}
//
// Authentication uses a shared access policy from the connection string.
// Tokens are cached for an hour and renewed five minutes before expiry.
package iothub
