package publisher

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/snowdrift/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default number of events buffered per sink before new events are dropped
	DefaultQueueSize = 1024
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of attempts before giving up on an event
	DefaultMaxRetries = 10
	// Events read from the event log per poll cycle
	DefaultBatchSize = 100
	// Interval between event log polls when no wakeup arrives
	DefaultPollInterval = time.Second
)

// WorkerConfig configures the event publisher worker
type WorkerConfig struct {
	Name            string        // Sink name
	Sink            Sink          // Destination sink
	Transformer     Transformer   // Event transformer
	Filter          Filter        // Event filter
	TopicPrefix     string        // Topic prefix (e.g., "snowdrift")
	QueueSize       int           // Buffered events
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum publish attempts per event

	// Log switches the worker from its in-memory queue to the event log.
	// Delivery then resumes from the sink cursor after a restart.
	Log          *EventLog
	BatchSize    int           // Events per log read
	PollInterval time.Duration // Log poll interval
}

// Worker drains a bounded event queue into a sink
type Worker struct {
	config      WorkerConfig
	queue       chan Event
	wake        chan struct{} // Signals new log entries
	cursor      uint64        // Last delivered log sequence
	stopCh      chan struct{} // Stop signal
	doneCh      chan struct{} // Done signal
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations

	published atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewWorker creates a new event publisher worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}

	w := &Worker{
		config: config,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if config.Log != nil {
		cursor, err := config.Log.GetCursor(config.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to get cursor: %w", err)
		}
		w.cursor = cursor
	} else {
		w.queue = make(chan Event, config.QueueSize)
	}

	return w, nil
}

// Notify tells a log backed worker that new entries are available
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Enqueue offers an event to the worker without blocking.
// Returns false when the event was dropped because the queue is full.
// Events rejected by the filter are not drops.
func (w *Worker) Enqueue(event Event) bool {
	if !w.config.Filter.Match(event.Kind) {
		return true
	}

	select {
	case w.queue <- event:
		return true
	default:
		w.dropped.Add(1)
		telemetry.DroppedEventsTotal.With(w.config.Name).Inc()
		return false
	}
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	if w.config.Log != nil {
		log.Info().
			Str("worker", w.config.Name).
			Uint64("cursor", w.cursor).
			Msg("Starting event publisher worker")
		go w.pollLoop()
		return
	}

	log.Info().
		Str("worker", w.config.Name).
		Int("queue_size", cap(w.queue)).
		Msg("Starting event publisher worker")

	go w.runLoop()
}

// Stop stops the worker gracefully. Events still queued stay queued
// and are published if the worker is started again.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping event publisher worker")

	close(w.stopCh)
	<-w.doneCh // Wait for goroutine to finish
	w.running.Store(false)

	log.Info().
		Str("worker", w.config.Name).
		Int("pending", len(w.queue)).
		Uint64("published", w.published.Load()).
		Uint64("dropped", w.dropped.Load()).
		Msg("Event publisher worker stopped")
}

// Published returns the number of events delivered to the sink
func (w *Worker) Published() uint64 { return w.published.Load() }

// Failed returns the number of events abandoned after exhausting retries
func (w *Worker) Failed() uint64 { return w.failed.Load() }

// Dropped returns the number of events dropped on a full queue
func (w *Worker) Dropped() uint64 { return w.dropped.Load() }

// Cursor returns the last delivered event log sequence of a stopped
// worker. A running worker reports 0.
func (w *Worker) Cursor() uint64 {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if w.running.Load() {
		return 0
	}
	return w.cursor
}

// runLoop is the main worker loop
func (w *Worker) runLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case event := <-w.queue:
			if err := w.processEvent(event); err != nil {
				w.failed.Add(1)
				telemetry.PublishedEventsTotal.With(w.config.Name, "failed").Inc()
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Str("event", event.Kind).
					Int64("tick", event.Tick).
					Msg("Failed to publish event")
				continue
			}
			w.published.Add(1)
			telemetry.PublishedEventsTotal.With(w.config.Name, "success").Inc()
		}
	}
}

// pollLoop delivers events from the event log. An event whose publish
// keeps failing is retried until it succeeds or the worker stops, so
// delivery is at least once.
func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		events, err := w.config.Log.ReadFrom(w.cursor, w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("cursor", w.cursor).
				Msg("Failed to read from event log")
			if !w.sleep(w.config.PollInterval) {
				return
			}
			continue
		}

		if len(events) == 0 {
			if !w.waitForEntries() {
				return
			}
			continue
		}

		for _, event := range events {
			if !w.deliverLogged(event) {
				return
			}
		}
	}
}

// deliverLogged publishes one logged event and advances the cursor.
// Returns false when the worker is stopping.
func (w *Worker) deliverLogged(event Event) bool {
	for w.config.Filter.Match(event.Kind) {
		err := w.processEvent(event)
		if err == nil {
			w.published.Add(1)
			telemetry.PublishedEventsTotal.With(w.config.Name, "success").Inc()
			break
		}

		var transformErr *transformError
		if errors.As(err, &transformErr) {
			// retrying cannot change the outcome
			w.failed.Add(1)
			telemetry.PublishedEventsTotal.With(w.config.Name, "failed").Inc()
			log.Error().Err(err).Str("worker", w.config.Name).Uint64("seq", event.Seq).Msg("Skipping event")
			break
		}

		select {
		case <-w.stopCh:
			return false
		default:
		}

		telemetry.PublishedEventsTotal.With(w.config.Name, "retry").Inc()
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", event.Seq).
			Dur("retry_in", w.config.RetryMax).
			Msg("Failed to publish logged event, will retry")
		if !w.sleep(w.config.RetryMax) {
			return false
		}
	}

	if err := w.config.Log.AdvanceCursor(w.config.Name, event.Seq); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", event.Seq).
			Msg("Failed to advance cursor after publish - event may be redelivered")
	}
	w.cursor = event.Seq
	return true
}

// waitForEntries blocks until a wakeup, the poll interval or a stop.
// Returns false when the worker is stopping.
func (w *Worker) waitForEntries() bool {
	timer := time.NewTimer(w.config.PollInterval)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-w.wake:
		return true
	case <-timer.C:
		return true
	}
}

// transformError marks a failure that retrying cannot fix
type transformError struct {
	err error
}

func (e *transformError) Error() string {
	return fmt.Sprintf("failed to transform event: %v", e.err)
}

func (e *transformError) Unwrap() error {
	return e.err
}

// processEvent transforms and publishes a single event.
// Delivery is at-most-once per process: an event that exhausts its
// retries is logged and skipped.
func (w *Worker) processEvent(event Event) error {
	data, err := w.config.Transformer.Transform(event)
	if err != nil {
		return &transformError{err: err}
	}

	topic := w.buildTopic(event.Kind)
	key := strconv.FormatUint(uint64(event.WorkerID), 10)

	return w.publishWithRetry(topic, key, data)
}

// buildTopic builds the topic name for an event kind
func (w *Worker) buildTopic(kind string) string {
	if w.config.TopicPrefix == "" {
		return kind
	}
	return fmt.Sprintf("%s.%s", w.config.TopicPrefix, kind)
}

// publishWithRetry publishes data with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++

		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		// Sleep with stop check
		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		// Exponential backoff
		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
