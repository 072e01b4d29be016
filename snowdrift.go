package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/snowdrift/cfg"
	"github.com/maxpert/snowdrift/flake"
	"github.com/maxpert/snowdrift/id"
	"github.com/maxpert/snowdrift/notify"
	"github.com/maxpert/snowdrift/publisher"
	"github.com/maxpert/snowdrift/server"
	"github.com/maxpert/snowdrift/telemetry"

	_ "github.com/maxpert/snowdrift/publisher/sink"
	_ "github.com/maxpert/snowdrift/publisher/transformer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Int("worker_id", cfg.Config.Generator.WorkerID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Snowdrift - drift tolerant id generator")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Event sinks
	registry, err := publisher.NewRegistry(publisher.RegistryConfig{
		Sinks:          cfg.Config.Sinks,
		SpoolDir:       cfg.Config.Publisher.SpoolDir,
		SpoolQueueSize: cfg.Config.Publisher.SpoolQueueSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize event publisher")
		return
	}
	if err := registry.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start event publisher")
		return
	}
	defer registry.Stop()

	// In-process event stream for Watch and /events
	hub := notify.NewHub()
	defer hub.Close()

	// Generator
	opts, err := cfg.GeneratorOptions()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid generator configuration")
		return
	}
	opts.Observer = flake.Observers{
		flake.NewLogObserver(log.Logger),
		telemetry.Observer{},
		registry,
		hub,
	}

	gen, err := flake.New(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create generator")
		return
	}
	synced := id.NewSynced(gen)

	layout := synced.Config()
	log.Info().
		Str("method", layout.Method.String()).
		Uint8("worker_id_bits", layout.WorkerIDBits).
		Uint8("seq_bits", layout.SeqBits).
		Uint32("ids_per_tick", layout.IDsPerTick).
		Uint32("max_drift_steps", layout.MaxDriftSteps).
		Msg("Generator initialized")

	if cfg.Config.Prometheus.Enabled {
		interval := time.Duration(cfg.Config.Prometheus.CollectIntervalMS) * time.Millisecond
		collector := telemetry.NewMetricsCollector(synced, interval)
		collector.Start()
		defer collector.Stop()
	}

	// gRPC + HTTP on one port
	srv, err := server.NewServer(server.Config{
		Address:          cfg.Config.Server.BindAddress,
		Port:             cfg.Config.Server.Port,
		MaxBatch:         cfg.Config.Server.MaxBatch,
		CompressionLevel: cfg.Config.Server.CompressionLevel,
		MetricsHandler:   telemetry.GetMetricsHandler(),
		Events:           hub,
	}, synced)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
		return
	}
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
		return
	}
	defer srv.Stop()

	log.Info().
		Str("address", srv.Addr().String()).
		Int("sinks", registry.Len()).
		Msg("Snowdrift started successfully")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}
