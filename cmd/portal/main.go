// IoT Hub Portal
//
// This is the main entry point for the portal. The portal mirrors an IoT hub
// device registry into a local SQLite database and serves the management API:
//   - Devices, LoRaWAN devices and edge devices
//   - Device models, edge models and configurations
//   - LoRaWAN concentrators, telemetry and commands
//
// Run `portal serve` to start the API server and background workers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "github.com/nerrad567/iothub-portal/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on Ctrl+C or SIGTERM so every command shuts down cleanly.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCommand builds the command tree. A fresh tree per call keeps flag
// state out of package globals so tests can run commands independently.
func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "portal",
		Short:         "IoT hub device management portal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"configuration file (default $PORTAL_CONFIG or "+defaultConfigPath+")")

	path := func() string { return getConfigPath(configPath) }

	root.AddCommand(
		newServeCommand(path),
		newMigrateCommand(path),
		newSyncCommand(path),
		newVersionCommand(),
	)
	return root
}

// getConfigPath returns the configuration file path: the flag when set,
// then PORTAL_CONFIG, then the default.
func getConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if path := os.Getenv("PORTAL_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
