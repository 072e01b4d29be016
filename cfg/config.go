package cfg

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cespare/xxhash/v2"
	"github.com/denisbrodbeck/machineid"
	"github.com/maxpert/snowdrift/flake"
	"github.com/rs/zerolog/log"
)

// UnsetWorkerID marks a worker id that was not configured
const UnsetWorkerID = -1

// GeneratorConfiguration controls the id layout and algorithm
type GeneratorConfiguration struct {
	WorkerID      int       `toml:"worker_id"`      // -1 = unset
	AutoWorkerID  bool      `toml:"auto_worker_id"` // Derive from machine id when worker_id is unset
	Method        int       `toml:"method"`         // 1 = drift, 2 = classic
	BaseTime      time.Time `toml:"base_time"`
	WorkerIDBits  int       `toml:"worker_id_bits"`
	SeqBits       int       `toml:"seq_bits"`
	MinSeq        int       `toml:"min_seq"`
	MaxSeq        int       `toml:"max_seq"` // 0 = 2^seq_bits-1
	MaxDriftSteps int       `toml:"max_drift_steps"`
}

// ServerConfiguration controls the gRPC + HTTP listener
type ServerConfiguration struct {
	BindAddress      string `toml:"bind_address"`
	Port             int    `toml:"port"`
	CompressionLevel int    `toml:"compression_level"` // zstd level 1-4, 0 disables
	MaxBatch         int    `toml:"max_batch"`         // Upper bound for a single batch request
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled           bool `toml:"enabled"`
	CollectIntervalMS int  `toml:"collect_interval_ms"`
}

// PublisherConfiguration controls delivery of episode events to sinks
type PublisherConfiguration struct {
	SpoolDir       string `toml:"spool_dir"`        // Durable event log directory, empty = memory only
	SpoolQueueSize int    `toml:"spool_queue_size"` // Events waiting for the event log
}

// SinkConfiguration describes one destination for generator episode events
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // "nats", "kafka" or "mock"
	Format          string   `toml:"format"` // "msgpack" or "json"
	NatsURL         string   `toml:"nats_url"`
	Brokers         []string `toml:"brokers"`
	TopicPrefix     string   `toml:"topic_prefix"`
	FilterEvents    []string `toml:"filter_events"` // Glob patterns over event kinds, empty = all
	QueueSize       int      `toml:"queue_size"`
	BatchSize       int      `toml:"batch_size"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
	MaxRetries      int      `toml:"max_retries"`
}

// Configuration is the main configuration structure
type Configuration struct {
	Generator  GeneratorConfiguration  `toml:"generator"`
	Server     ServerConfiguration     `toml:"server"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Sinks      []SinkConfiguration     `toml:"sinks"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	WorkerIDFlag   = flag.Int("worker-id", UnsetWorkerID, "Worker ID (overrides config)")
	PortFlag       = flag.Int("port", 0, "Listen port (overrides config)")
	BindFlag       = flag.String("bind", "", "Bind address (overrides config)")
	VerboseFlag    = flag.Bool("verbose", false, "Enable debug logging (overrides config)")
)

// Default configuration
var Config = &Configuration{
	Generator: GeneratorConfiguration{
		WorkerID:      UnsetWorkerID,
		AutoWorkerID:  false,
		Method:        int(flake.MethodDrift),
		BaseTime:      flake.DefaultBaseTime,
		WorkerIDBits:  flake.DefaultWorkerIDBits,
		SeqBits:       flake.DefaultSeqBits,
		MinSeq:        flake.DefaultMinSeq,
		MaxSeq:        0,
		MaxDriftSteps: flake.DefaultMaxDriftSteps,
	},

	Server: ServerConfiguration{
		BindAddress:      "0.0.0.0",
		Port:             8080,
		CompressionLevel: 1,
		MaxBatch:         10000,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled:           true,
		CollectIntervalMS: 5000,
	},

	Publisher: PublisherConfiguration{
		SpoolDir:       "",
		SpoolQueueSize: 4096,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *WorkerIDFlag != UnsetWorkerID {
		Config.Generator.WorkerID = *WorkerIDFlag
	}
	if *PortFlag != 0 {
		Config.Server.Port = *PortFlag
	}
	if *BindFlag != "" {
		Config.Server.BindAddress = *BindFlag
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	// Derive worker ID from the machine if asked to
	if Config.Generator.WorkerID == UnsetWorkerID && Config.Generator.AutoWorkerID {
		bits := Config.Generator.WorkerIDBits
		if bits < flake.MinWorkerIDBits || bits > flake.MaxWorkerIDBits {
			return fmt.Errorf("cannot derive worker ID: invalid worker_id_bits %d", bits)
		}

		workerID, err := generateWorkerID(bits)
		if err != nil {
			return fmt.Errorf("failed to generate worker ID: %w", err)
		}
		Config.Generator.WorkerID = workerID
		log.Info().Int("worker_id", workerID).Msg("Auto-generated worker ID")
	}

	return nil
}

// generateWorkerID folds the hashed machine ID into the worker id range
func generateWorkerID(bits int) (int, error) {
	id, err := machineid.ProtectedID("snowdrift")
	if err != nil {
		return 0, err
	}
	return WorkerIDFromKey(id, bits), nil
}

// WorkerIDFromKey hashes key into [0, 2^bits)
func WorkerIDFromKey(key string, bits int) int {
	return int(xxhash.Sum64String(key) & (uint64(1)<<bits - 1))
}

// GeneratorOptions converts the generator section to flake options.
// Tick source and observer are left for the caller to set.
func GeneratorOptions() (flake.Options, error) {
	g := Config.Generator

	if g.WorkerID == UnsetWorkerID {
		return flake.Options{}, &flake.ConfigurationError{
			Field:  "worker_id",
			Reason: "worker id is required (set worker_id, -worker-id or auto_worker_id)",
		}
	}

	if g.WorkerID < 0 || g.WorkerID > 0xFFFF {
		return flake.Options{}, &flake.ConfigurationError{Field: "worker_id", Value: g.WorkerID, Reason: "out of range"}
	}

	// Defaults are filled in before the file is read, so a zero here was
	// written by the operator. Only max_seq gives zero a meaning.
	fields := []struct {
		name  string
		value int
		min   int
		limit int
	}{
		{"method", g.Method, 1, 0xFF},
		{"worker_id_bits", g.WorkerIDBits, 1, 0xFF},
		{"seq_bits", g.SeqBits, 1, 0xFF},
		{"min_seq", g.MinSeq, flake.ReservedSeqs, 1<<flake.MaxSeqBits - 1},
		{"max_seq", g.MaxSeq, 0, 1<<flake.MaxSeqBits - 1},
		{"max_drift_steps", g.MaxDriftSteps, 1, 1<<31 - 1},
	}
	for _, f := range fields {
		if f.value < f.min || f.value > f.limit {
			return flake.Options{}, &flake.ConfigurationError{
				Field:  f.name,
				Value:  f.value,
				Reason: fmt.Sprintf("must be in [%d, %d]", f.min, f.limit),
			}
		}
	}

	return flake.Options{
		WorkerID:      uint16(g.WorkerID),
		Method:        flake.Method(g.Method),
		BaseTime:      g.BaseTime,
		WorkerIDBits:  uint8(g.WorkerIDBits),
		SeqBits:       uint8(g.SeqBits),
		MinSeq:        uint32(g.MinSeq),
		MaxSeq:        uint32(g.MaxSeq),
		MaxDriftSteps: uint32(g.MaxDriftSteps),
	}, nil
}

// Validate checks configuration for errors
func Validate() error {
	opts, err := GeneratorOptions()
	if err != nil {
		return err
	}
	if _, err := flake.Validate(opts); err != nil {
		return err
	}

	if Config.Server.Port < 1 || Config.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", Config.Server.Port)
	}

	if Config.Server.CompressionLevel < 0 || Config.Server.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 0 and 4, got %d", Config.Server.CompressionLevel)
	}

	if Config.Server.MaxBatch < 1 {
		return fmt.Errorf("max batch must be >= 1")
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	if Config.Prometheus.Enabled && Config.Prometheus.CollectIntervalMS < 1 {
		return fmt.Errorf("prometheus collect interval must be >= 1ms")
	}

	if Config.Publisher.SpoolQueueSize < 0 {
		return fmt.Errorf("spool queue size must be >= 0")
	}

	names := make(map[string]bool, len(Config.Sinks))
	for i, sink := range Config.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sink %d: name is required", i)
		}
		if names[sink.Name] {
			return fmt.Errorf("sink %q: duplicate name", sink.Name)
		}
		names[sink.Name] = true

		if sink.Type == "" {
			return fmt.Errorf("sink %q: type is required", sink.Name)
		}
		if sink.Format == "" {
			return fmt.Errorf("sink %q: format is required", sink.Name)
		}
		if sink.QueueSize < 0 {
			return fmt.Errorf("sink %q: queue size must be >= 0", sink.Name)
		}
		if sink.RetryMultiplier < 0 {
			return fmt.Errorf("sink %q: retry multiplier must be >= 0", sink.Name)
		}
	}

	return nil
}
