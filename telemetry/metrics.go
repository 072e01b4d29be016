package telemetry

import (
	"time"

	"github.com/maxpert/snowdrift/flake"
)

// Histogram bucket definitions for different latency profiles
var (
	// RequestBuckets for id requests served from memory
	RequestBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1}

	// BatchSizeBuckets for ids returned per batch request
	BatchSizeBuckets = []float64{1, 10, 50, 100, 500, 1000, 5000, 10000}

	// DriftStepsBuckets for synthetic ticks consumed per drift episode
	DriftStepsBuckets = []float64{1, 2, 5, 10, 50, 100, 500, 1000, 2000}
)

// Generator Metrics
var (
	// IDsGeneratedTotal counts ids handed out by the service
	IDsGeneratedTotal Counter = NoopStat{}

	// EpisodeEventsTotal counts generator episode events by kind
	EpisodeEventsTotal CounterVec = noopCounterVec{}

	// DriftStepsPerEpisode measures how far ahead of the clock a drift episode ran
	DriftStepsPerEpisode Histogram = NoopStat{}

	// GeneratorMode is 1 for the current mode (normal, drift, rollback) and 0 otherwise
	GeneratorMode GaugeVec = noopGaugeVec{}

	// GeneratorTotal mirrors the generator's own total counter
	GeneratorTotal Gauge = NoopStat{}

	// GeneratorUptimeSeconds is the time since the generator statistics were last reset
	GeneratorUptimeSeconds Gauge = NoopStat{}

	// GeneratorRate is the average ids per second since the last reset
	GeneratorRate Gauge = NoopStat{}
)

// Service Metrics
var (
	// RequestsTotal counts requests by transport (http, grpc), method and result (success, failed)
	RequestsTotal CounterVec = noopCounterVec{}

	// RequestDurationSeconds measures request latency by transport and method
	RequestDurationSeconds HistogramVec = noopHistogramVec{}

	// BatchSize measures ids returned per batch request
	BatchSize Histogram = NoopStat{}
)

// Publisher Metrics
var (
	// PublishedEventsTotal counts sink publish attempts by sink and result
	PublishedEventsTotal CounterVec = noopCounterVec{}

	// DroppedEventsTotal counts events dropped because a sink queue was full.
	// The event log queue reports as sink "spool".
	DroppedEventsTotal CounterVec = noopCounterVec{}

	// SpooledEventsTotal counts events written to the event log
	SpooledEventsTotal Counter = NoopStat{}
)

// InitMetrics registers all metrics. Call after InitializeTelemetry.
func InitMetrics() {
	// Generator Metrics
	IDsGeneratedTotal = NewCounter(
		"ids_generated_total",
		"Total ids handed out by the service",
	)
	EpisodeEventsTotal = NewCounterVec(
		"episode_events_total",
		"Generator episode events by kind",
		[]string{"kind"},
	)
	DriftStepsPerEpisode = NewHistogramWithBuckets(
		"drift_steps_per_episode",
		"Synthetic ticks consumed per drift episode",
		DriftStepsBuckets,
	)
	GeneratorMode = NewGaugeVec(
		"generator_mode",
		"Current generator mode (1=active)",
		[]string{"mode"},
	)
	GeneratorTotal = NewGauge(
		"generator_total",
		"Ids generated since the last statistics reset",
	)
	GeneratorUptimeSeconds = NewGauge(
		"generator_uptime_seconds",
		"Seconds since the last statistics reset",
	)
	GeneratorRate = NewGauge(
		"generator_ids_per_second",
		"Average ids per second since the last statistics reset",
	)

	// Service Metrics
	RequestsTotal = NewCounterVec(
		"requests_total",
		"Requests by transport, method and result",
		[]string{"transport", "method", "result"},
	)
	RequestDurationSeconds = NewHistogramVec(
		"request_duration_seconds",
		"Request latency by transport and method",
		[]string{"transport", "method"},
		RequestBuckets,
	)
	BatchSize = NewHistogramWithBuckets(
		"batch_size",
		"Ids returned per batch request",
		BatchSizeBuckets,
	)

	// Publisher Metrics
	PublishedEventsTotal = NewCounterVec(
		"published_events_total",
		"Episode events published by sink and result",
		[]string{"sink", "result"},
	)
	DroppedEventsTotal = NewCounterVec(
		"dropped_events_total",
		"Episode events dropped on a full sink queue",
		[]string{"sink"},
	)
	SpooledEventsTotal = NewCounter(
		"spooled_events_total",
		"Episode events written to the event log",
	)
}

// RecordRequest records a request outcome and latency
func RecordRequest(transport, method string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "failed"
	}
	RequestsTotal.With(transport, method, result).Inc()
	RequestDurationSeconds.With(transport, method).Observe(time.Since(start).Seconds())
}

// UpdateGeneratorStats copies a statistics snapshot into the generator gauges
func UpdateGeneratorStats(stats flake.Stats) {
	GeneratorTotal.Set(float64(stats.TotalGenerated))
	GeneratorUptimeSeconds.Set(float64(stats.UptimeMs) / 1000)
	GeneratorRate.Set(stats.AvgPerSecond)

	for _, mode := range []flake.Mode{flake.ModeNormal, flake.ModeDrift, flake.ModeRollback} {
		value := 0.0
		if mode == stats.Mode {
			value = 1
		}
		GeneratorMode.With(string(mode)).Set(value)
	}
}

// Observer records generator events as metrics
type Observer struct{}

// Observe implements flake.Observer
func (Observer) Observe(e flake.Event) {
	EpisodeEventsTotal.With(string(e.Kind)).Inc()
	if e.Kind == flake.EventDriftEnd {
		DriftStepsPerEpisode.Observe(float64(e.DriftSteps))
	}
}
