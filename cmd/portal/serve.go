package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/nerrad567/iothub-portal/internal/api"
	"github.com/nerrad567/iothub-portal/internal/events"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/database"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/influxdb"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/iothub"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/logging"
	"github.com/nerrad567/iothub-portal/internal/infrastructure/mqtt"
	"github.com/nerrad567/iothub-portal/internal/lorawan"
)

func newServeCommand(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, sync scheduler and journal replayer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath())
		},
	}
}

// serve runs the portal until ctx is cancelled.
//
// Deferred cleanups run in reverse order of setup: API server, background
// workers, LoRaWAN ingestion, AMQP, InfluxDB, MQTT and finally the database.
func serve(ctx context.Context, configPath string) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log.Info("starting IoT Hub Portal",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	hubClient, err := connectHub(cfg, log)
	if err != nil {
		return err
	}

	// Connect to MQTT broker (optional unless LoRaWAN is enabled)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled || cfg.LoRaWAN.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Change events fan out to WebSocket clients, MQTT and AMQP.
	wsHub := api.NewHub(cfg.WebSocket, log)
	publishers := events.Multi{wsHub}
	if mqttClient != nil && cfg.MQTT.Enabled {
		publishers = append(publishers, events.NewMQTTPublisher(mqttClient, mqtt.Topics{}.Event))
	}
	if cfg.AMQP.Enabled {
		amqpPub := events.NewAMQPPublisher(cfg.AMQP)
		amqpPub.SetLogger(log.Component("amqp"))
		if startErr := amqpPub.Start(ctx); startErr != nil {
			return fmt.Errorf("starting AMQP publisher: %w", startErr)
		}
		defer func() {
			log.Info("closing AMQP publisher")
			if closeErr := amqpPub.Close(); closeErr != nil {
				log.Error("error closing AMQP", "error", closeErr)
			}
		}()
		publishers = append(publishers, amqpPub)
	}

	a, err := newApp(ctx, cfg, log, db, hubClient, publishers)
	if err != nil {
		return err
	}
	if influxClient != nil {
		a.scheduler.SetRecorder(influxClient)
	}

	telemetry, commands, err := startLoRaWAN(a, mqttClient, influxClient)
	if err != nil {
		return err
	}
	if telemetry != nil {
		defer func() {
			log.Info("stopping LoRaWAN telemetry ingestion")
			if stopErr := telemetry.Stop(); stopErr != nil {
				log.Error("error stopping telemetry ingestion", "error", stopErr)
			}
		}()
	}

	// Background workers stop when workerCtx is cancelled.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	var workers sync.WaitGroup
	defer func() {
		stopWorkers()
		workers.Wait()
		log.Info("background workers stopped")
	}()

	workers.Add(2)
	go func() {
		defer workers.Done()
		wsHub.Run(workerCtx)
	}()
	go func() {
		defer workers.Done()
		a.replayer.Run(workerCtx)
	}()
	if cfg.Sync.Enabled {
		workers.Add(1)
		go func() {
			defer workers.Done()
			a.scheduler.Run(workerCtx)
		}()
		log.Info("sync scheduler started", "interval", cfg.SyncInterval())
	} else {
		log.Info("sync scheduler disabled")
	}

	srv, err := api.New(api.Deps{
		Config:         cfg.API,
		WS:             cfg.WebSocket,
		LoRaWAN:        cfg.LoRaWAN,
		Portal:         cfg.Portal,
		Logger:         log,
		DB:             db.DB,
		Hub:            a.hub,
		Devices:        a.devices,
		Models:         a.models,
		Tags:           a.tags,
		Edge:           a.edge,
		Concentrators:  a.concentrators,
		Configurations: a.configurations,
		Commands:       commands,
		Telemetry:      telemetry,
		Journal:        a.journal,
		Scheduler:      a.scheduler,
		ExternalHub:    wsHub,
		Version:        version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, db, hubClient, mqttClient, influxClient, log); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

// startLoRaWAN starts telemetry ingestion and builds the command sender when
// LoRaWAN is enabled. Both results are nil otherwise.
func startLoRaWAN(a *app, mqttClient *mqtt.Client, influxClient *influxdb.Client) (*lorawan.TelemetryIngestor, *lorawan.CommandSender, error) {
	cfg := a.cfg.LoRaWAN
	if !cfg.Enabled {
		a.log.Info("LoRaWAN disabled")
		return nil, nil, nil
	}

	topics := mqtt.Topics{LoRaWANPrefix: cfg.Topics.Prefix}
	dedup := lorawan.NewDeduplicator(cfg.Dedup.Capacity, cfg.Dedup.FalsePositiveRate, cfg.Dedup.MaxFillPercent)

	telemetry := lorawan.NewTelemetryIngestor(lorawan.NewSQLiteRepository(a.db.DB), dedup, topics, cfg.TelemetryHistory, a.events)
	telemetry.SetLogger(a.log.Component("lorawan"))
	if influxClient != nil {
		telemetry.SetTimeSeries(influxClient)
	}
	if err := telemetry.Start(mqttClient); err != nil {
		return nil, nil, fmt.Errorf("starting LoRaWAN telemetry ingestion: %w", err)
	}
	a.devices.SetTelemetry(telemetry)

	commands := lorawan.NewCommandSender(a.devices, a.models, mqttClient, topics, a.events)
	commands.SetLogger(a.log.Component("lorawan"))

	a.log.Info("LoRaWAN enabled", "topic_prefix", cfg.Topics.Prefix)
	return telemetry, commands, nil
}

// healthCheck verifies all infrastructure connections are healthy.
// A hub that cannot be reached is logged but does not stop startup: the
// mirror keeps serving reads and the scheduler catches up later.
func healthCheck(ctx context.Context, db *database.DB, hub *iothub.Client, mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if err := hub.HealthCheck(ctx); err != nil {
		log.Warn("iot hub not reachable, serving from mirror", "error", err)
	}

	return nil
}
