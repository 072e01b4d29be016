package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/snowdrift/cfg"
	"github.com/maxpert/snowdrift/flake"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// RegistryConfig configures the event publisher registry
type RegistryConfig struct {
	Sinks []cfg.SinkConfiguration // From config

	// SpoolDir enables the durable event log. Empty keeps events in
	// memory only.
	SpoolDir       string
	SpoolQueueSize int
}

// Registry fans generator events out to one worker per configured sink.
// It implements flake.Observer and never blocks the caller.
type Registry struct {
	log     *EventLog // nil unless spooling
	spool   *spool
	workers []*Worker
	running atomic.Bool
	mu      sync.RWMutex
	now     func() time.Time
}

// NewRegistry creates a registry with a worker for each sink configuration
func NewRegistry(config RegistryConfig) (*Registry, error) {
	registry := &Registry{
		workers: make([]*Worker, 0, len(config.Sinks)),
		now:     time.Now,
	}

	if config.SpoolDir != "" {
		evLog, err := OpenEventLog(config.SpoolDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open event log: %w", err)
		}
		registry.log = evLog
		registry.spool = newSpool(evLog, config.SpoolQueueSize, registry.notifyWorkers)
	}

	cleanup := func() {
		for _, worker := range registry.workers {
			worker.config.Sink.Close()
		}
		if registry.log != nil {
			registry.log.Close()
		}
	}

	names := make([]string, 0, len(config.Sinks))
	for _, sinkCfg := range config.Sinks {
		if err := registry.AddSink(sinkCfg); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
		names = append(names, sinkCfg.Name)
	}

	if registry.log != nil {
		if err := registry.log.RetainCursors(names); err != nil {
			cleanup()
			return nil, err
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Bool("spooled", registry.log != nil).
		Msg("Event publisher registry initialized")

	return registry, nil
}

// AddSink creates and adds a new worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	// Create filter first, it owns no resources
	filter, err := NewGlobFilter(config.FilterEvents)
	if err != nil {
		return fmt.Errorf("failed to create filter: %w", err)
	}

	trans, err := createTransformer(config.Format)
	if err != nil {
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	snk, err := NewSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		QueueSize:       config.QueueSize,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
		MaxRetries:      config.MaxRetries,
		Log:             r.log,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.mu.Lock()
	r.workers = append(r.workers, worker)
	running := r.running.Load()
	r.mu.Unlock()

	if running {
		worker.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Strs("filter", config.FilterEvents).
		Msg("Added event sink")

	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting event publisher registry")

	for _, worker := range r.workers {
		worker.Start()
	}
	if r.spool != nil {
		r.spool.start()
	}

	r.running.Store(true)

	return nil
}

// Stop stops all workers and closes their sinks. With a spool, queued
// events are written to the event log first and the log is closed last.
func (r *Registry) Stop() {
	if r.spool != nil {
		r.spool.stop()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return // Already stopped
	}

	log.Info().Msg("Stopping event publisher registry")

	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.config.Name).Msg("Failed to close sink")
		}
	}

	if r.log != nil {
		if err := r.log.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close event log")
		}
	}

	log.Info().Msg("Event publisher registry stopped")
}

// Observe implements flake.Observer. Events are queued on every worker;
// a full queue drops the event for that worker only. With a spool the
// event is queued once for the event log instead.
func (r *Registry) Observe(e flake.Event) {
	event := NewEvent(e, r.now())

	if r.spool != nil {
		if !r.spool.offer(event) {
			log.Debug().Str("event", event.Kind).Msg("Spool queue full, dropping event")
		}
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, worker := range r.workers {
		if !worker.Enqueue(event) {
			log.Debug().
				Str("sink", worker.config.Name).
				Str("event", event.Kind).
				Msg("Event queue full, dropping event")
		}
	}
}

// notifyWorkers wakes log backed workers after an append
func (r *Registry) notifyWorkers() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, worker := range r.workers {
		worker.Notify()
	}
}

// Len returns the number of sink workers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// NewSink creates a sink from the factory registered for config.Type
func NewSink(config cfg.SinkConfiguration) (Sink, error) {
	factory, exists := sinkFactories.Load(config.Type)
	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = xsync.NewMapOf[string, SinkFactory]()
	transformerFactories = xsync.NewMapOf[string, TransformerFactory]()
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	sinkFactories.Store(sinkType, factory)
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	transformerFactories.Store(format, factory)
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factory, exists := transformerFactories.Load(format)
	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
