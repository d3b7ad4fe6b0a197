// Package config handles loading and validating the portal configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with PORTAL_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Secrets (the IoT Hub connection string, provisioning group keys, broker
// passwords, InfluxDB token) should be supplied through the environment.
//
// Usage:
//
//	cfg, err := config.Load("configs/portal.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Portal.Name)
package config
