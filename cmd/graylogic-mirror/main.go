// Gray Logic Mirror - entity state relay
//
// graylogic-mirror keeps a local, always-current copy of the entities a
// home automation hub exposes over its WebSocket API, and serves that copy
// to local consumers over REST, WebSocket and MQTT. Commands from those
// consumers are validated against the catalog and forwarded to the hub.
//
// Usage:
//
//	graylogic-mirror              run the relay (config from GRAYLOGIC_CONFIG)
//	graylogic-mirror token ...    mint a relay access token
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	// A .env file in the working directory seeds GRAYLOGIC_* overrides.
	_ "github.com/joho/godotenv/autoload"

	_ "github.com/nerrad567/gray-logic-mirror/migrations"

	"github.com/nerrad567/gray-logic-mirror/internal/api"
	"github.com/nerrad567/gray-logic-mirror/internal/bridges/mqttstate"
	"github.com/nerrad567/gray-logic-mirror/internal/catalog"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mirror/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mirror/internal/journal"
	"github.com/nerrad567/gray-logic-mirror/internal/mirror"
	"github.com/nerrad567/gray-logic-mirror/internal/protocol"
	"github.com/nerrad567/gray-logic-mirror/internal/telemetry"
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

// healthCheckTimeout bounds the startup infrastructure checks.
const healthCheckTimeout = 10 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts every component, blocks until ctx is cancelled, then shuts
// them down in reverse order via defers.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting Gray Logic Mirror",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	log.Info("catalog loaded",
		"path", cfg.Catalog.Path,
		"entities", cat.Len(),
		"rooms", len(cat.Rooms()),
	)

	// Command journal (optional)
	var db *database.DB
	var repo journal.Repository
	if cfg.Database.Enabled {
		db, err = database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		repo = journal.NewSQLiteRepository(db.DB)
		log.Info("command journal ready", "path", cfg.Database.Path)
	} else {
		log.Info("command journal disabled")
	}

	// Sync engine
	engine, err := mirror.New(cat, protocolConfig(cfg.Remote), mirror.Options{
		Journal: repo,
		Logger:  log.Component("mirror"),
	})
	if err != nil {
		return fmt.Errorf("creating sync engine: %w", err)
	}
	if startErr := engine.Start(); startErr != nil {
		return fmt.Errorf("starting sync engine: %w", startErr)
	}
	defer func() {
		log.Info("stopping sync engine")
		if closeErr := engine.Close(); closeErr != nil {
			log.Error("error stopping sync engine", "error", closeErr)
		}
	}()
	log.Info("sync engine started", "remote", cfg.Remote.URL)
	go logFirstSnapshot(ctx, engine, log)

	// MQTT state bridge (optional)
	var mqttClient *mqtt.Client
	var bridge *mqttstate.Bridge
	if cfg.MQTT.Enabled {
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
		mqttClient.SetLogger(log.Component("mqtt"))
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		bridge, err = mqttstate.New(mqttstate.Options{
			Broker: mqttClient,
			Engine: engine,
			Topics: mqttClient.Topics(),
			QoS:    mqttClient.QoS(),
			Logger: log.Component("mqttstate"),
		})
		if err != nil {
			return fmt.Errorf("creating MQTT bridge: %w", err)
		}
		if startErr := bridge.Start(ctx); startErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", startErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			bridge.Stop()
		}()
		log.Info("MQTT bridge started", "prefix", cfg.MQTT.TopicPrefix)
	} else {
		log.Info("MQTT bridge disabled")
	}

	// Telemetry (optional)
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

		recorder := telemetry.New(engine, influxClient, time.Duration(cfg.InfluxDB.SampleInterval)*time.Second)
		recCtx, stopRecorder := context.WithCancel(ctx)
		recDone := make(chan struct{})
		go func() {
			defer close(recDone)
			recorder.Run(recCtx)
		}()
		defer func() {
			stopRecorder()
			<-recDone
		}()
		log.Info("InfluxDB telemetry started",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// HTTP API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Engine:   engine,
			Journal:  repo,
			DB:       db,
			Version:  version,
		}
		if bridge != nil {
			deps.Bridge = bridge
		}
		server, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
		log.Info("API server started", "address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))
	} else {
		log.Info("API server disabled")
	}

	checkCtx, cancelCheck := context.WithTimeout(ctx, healthCheckTimeout)
	err = healthCheck(checkCtx, db, mqttClient, influxClient)
	cancelCheck()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// protocolConfig maps the remote section onto the protocol client settings.
func protocolConfig(rc config.RemoteConfig) protocol.Config {
	return protocol.Config{
		URL:              rc.URL,
		Token:            rc.Token,
		HandshakeTimeout: rc.HandshakeTimeoutDuration(),
		WriteTimeout:     rc.RequestTimeoutDuration(),
		PingInterval:     rc.PingIntervalDuration(),
		Backoff: protocol.Backoff{
			Base:        time.Duration(rc.Reconnect.BaseDelayMS) * time.Millisecond,
			Cap:         time.Duration(rc.Reconnect.MaxDelayMS) * time.Millisecond,
			MaxAttempts: rc.Reconnect.MaxAttempts,
		},
	}
}

// logFirstSnapshot logs once the first snapshot has been applied, or why
// it never was.
func logFirstSnapshot(ctx context.Context, engine *mirror.Engine, log *logging.Logger) {
	if err := engine.WaitReady(ctx); err != nil {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, protocol.ErrClosed) {
			log.Error("sync engine did not become ready", "error", err)
		}
		return
	}
	st := engine.Stats()
	log.Info("sync engine ready",
		"epoch", st.Connection.Epoch,
		"snapshots_applied", st.Store.SnapshotsApplied,
	)
}

// healthCheck verifies the optional infrastructure connections. The remote
// hub is not checked: it reconnects on its own and is reported through
// the health endpoint.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
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

	return nil
}
