package main

import (
	"context"
	"fmt"

	"github.com/nerrad567/iothub-portal/internal/concentrator"
	"github.com/nerrad567/iothub-portal/internal/configuration"
	"github.com/nerrad567/iothub-portal/internal/device"
	"github.com/nerrad567/iothub-portal/internal/devicemodel"
	"github.com/nerrad567/iothub-portal/internal/devicetag"
	"github.com/nerrad567/iothub-portal/internal/edge"
	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/config"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/database"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/logging"
	"github.com/nerrad567/iothub-portal/internal/journal"
	"github.com/nerrad567/iothub-portal/internal/reconcile"
	"github.com/nerrad567/iothub-portal/internal/rollout"
)

// app holds the configuration, database and domain services shared by the
// serve and sync commands.
type app struct {
	cfg *config.Config
	log *logging.Logger
	db  *database.DB
	hub iothub.Registry

	journal        *journal.SQLiteRepository
	events         *events.Emitter
	models         *devicemodel.Service
	tags           *devicetag.Service
	devices        *device.Service
	edge           *edge.Service
	concentrators  *concentrator.Service
	configurations *configuration.Service
	scheduler      *reconcile.Scheduler
	replayer       *journal.Replayer
}

// loadConfig reads the configuration and builds the configured logger.
func loadConfig(path string) (*config.Config, *logging.Logger, error) {
	// Use default logger until config is loaded
	log := logging.Default()

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", path)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)
	return cfg, log, nil
}

// openDatabase opens the mirror database and applies pending migrations.
func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Database.Path)

	if err := db.Migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")
	return db, nil
}

// connectHub builds the hub registry client from the connection string.
func connectHub(cfg *config.Config, log *logging.Logger) (*iothub.Client, error) {
	client, err := iothub.NewFromConfig(cfg.IoTHub)
	if err != nil {
		return nil, fmt.Errorf("creating iot hub client: %w", err)
	}
	client.SetLogger(log)
	log.Info("iot hub client ready", "host", client.HostName())
	return client, nil
}

// newApp wires every domain service on db and hub. Change events go to pub;
// a nil pub discards them.
func newApp(ctx context.Context, cfg *config.Config, log *logging.Logger, db *database.DB, hub iothub.Registry, pub events.Publisher) (*app, error) {
	a := &app{
		cfg:     cfg,
		log:     log,
		db:      db,
		hub:     hub,
		journal: journal.NewSQLiteRepository(db.DB),
		events:  events.NewEmitter(pub, log),
	}

	modelRepo := devicemodel.NewSQLiteRepository(db.DB)
	registry := devicemodel.NewRegistry(modelRepo)
	registry.SetLogger(log)
	if err := registry.RefreshCache(ctx); err != nil {
		return nil, fmt.Errorf("loading device model registry: %w", err)
	}

	a.models = devicemodel.NewService(modelRepo, registry, rollout.New(hub), a.journal, a.events)
	a.models.SetLogger(log)
	a.tags = devicetag.NewService(devicetag.NewSQLiteRepository(db.DB))

	a.devices = device.NewService(device.Deps{
		Hub:          hub,
		Repo:         device.NewSQLiteRepository(db.DB),
		Models:       a.models,
		Tags:         a.tags,
		Journal:      a.journal,
		Events:       a.events,
		Provisioning: cfg.Provisioning,
		Logger:       log.Component("devices"),
	})
	a.edge = edge.NewService(edge.Deps{
		Hub:          hub,
		Repo:         edge.NewSQLiteRepository(db.DB),
		Tags:         a.tags,
		Journal:      a.journal,
		Events:       a.events,
		Provisioning: cfg.Provisioning,
		Logger:       log.Component("edge"),
	})
	a.configurations = configuration.NewService(hub, a.models, a.tags, a.events)
	a.configurations.SetLogger(log)

	jobs := []reconcile.Job{}
	if cfg.Sync.Devices {
		jobs = append(jobs, reconcile.DeviceJob(a.devices))
	}
	if cfg.Sync.EdgeDevices {
		jobs = append(jobs, reconcile.EdgeDeviceJob(a.edge))
	}
	if cfg.LoRaWAN.Enabled {
		a.concentrators = concentrator.NewService(hub, concentrator.NewSQLiteRepository(db.DB),
			a.journal, a.events, log.Component("concentrators"))
		if cfg.Sync.Concentrators {
			jobs = append(jobs, reconcile.ConcentratorJob(a.concentrators))
		}
	}

	a.scheduler = reconcile.NewScheduler(hub, reconcile.Config{
		Interval: cfg.SyncInterval(),
		PageSize: cfg.IoTHub.QueryPageSize,
	}, a.events, jobs...)
	a.scheduler.SetLogger(log.Component("sync"))

	a.replayer = journal.NewReplayer(a.journal, journal.ReplayConfig{
		Interval:    cfg.JournalReplayInterval(),
		MaxAttempts: cfg.Journal.MaxAttempts,
		BatchSize:   cfg.Journal.BatchSize,
	})
	a.replayer.SetLogger(log.Component("journal"))
	a.replayer.Register(journal.KindDevice, a.devices)
	a.replayer.Register(journal.KindLoRaWANDevice, a.devices)
	a.replayer.Register(journal.KindEdgeDevice, a.edge)
	a.replayer.Register(journal.KindConfiguration, journal.CompensatorFunc(a.models.CompensateConfiguration))
	if a.concentrators != nil {
		a.replayer.Register(journal.KindConcentrator, a.concentrators)
	}

	return a, nil
}
