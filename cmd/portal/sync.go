package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// errSyncIncomplete is returned when at least one job did not finish.
var errSyncIncomplete = errors.New("sync incomplete")

func newSyncCommand(configPath func() string) *cobra.Command {
	var replay bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the mirror with the hub once and exit",
		Long: "Runs every enabled sync job a single time and prints the results as JSON.\n" +
			"With --replay, pending journal compensations are replayed first.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, log, err := loadConfig(configPath())
			if err != nil {
				return err
			}

			db, err := openDatabase(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // process is exiting

			hub, err := connectHub(cfg, log)
			if err != nil {
				return err
			}

			a, err := newApp(ctx, cfg, log, db, hub, nil)
			if err != nil {
				return err
			}
			return runSyncOnce(ctx, a, replay, cmd)
		},
	}
	cmd.Flags().BoolVar(&replay, "replay", false, "replay pending journal compensations before syncing")
	return cmd
}

func runSyncOnce(ctx context.Context, a *app, replay bool, cmd *cobra.Command) error {
	if replay {
		res, err := a.replayer.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("replaying journal: %w", err)
		}
		a.log.Info("journal replayed",
			"processed", res.Processed,
			"succeeded", res.Succeeded,
			"failed", res.Failed,
		)
	}

	results := a.scheduler.RunNow(ctx)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}

	for _, r := range results {
		if !r.Complete {
			return fmt.Errorf("%w: job %s: %s", errSyncIncomplete, r.Job, r.Error)
		}
	}
	return nil
}
