package flake

import "github.com/rs/zerolog"

// EventKind names a generator episode transition
type EventKind string

const (
	EventDriftStart    EventKind = "drift_start"
	EventDriftEnd      EventKind = "drift_end"
	EventRollbackStart EventKind = "rollback_start"
	EventRollbackEnd   EventKind = "rollback_end"
	// EventWaitExhausted fires when a bounded wait gives up and forces the next tick
	EventWaitExhausted EventKind = "wait_exhausted"
)

// Event describes one episode transition.
// Events are delivered after the call that produced them has returned its id,
// so observers never influence generation.
type Event struct {
	Kind          EventKind
	WorkerID      uint16
	Tick          int64 // generator tick after the transition
	Now           int64 // tick source reading that triggered it
	TimestampMs   int64 // base time + Tick
	RollbackIndex uint32
	DriftSteps    uint32
}

// Observer receives generator events
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to an Observer
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) {
	f(e)
}

// Observers fans an event out to every member
type Observers []Observer

func (o Observers) Observe(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(e)
		}
	}
}

// NoopObserver ignores every event
type NoopObserver struct{}

func (NoopObserver) Observe(Event) {}

// LogObserver writes events to a zerolog logger
type LogObserver struct {
	logger zerolog.Logger
}

// NewLogObserver creates an observer that logs every event
func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (l *LogObserver) Observe(e Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case EventRollbackStart, EventWaitExhausted:
		ev = l.logger.Warn()
	case EventRollbackEnd, EventDriftStart:
		ev = l.logger.Info()
	default:
		ev = l.logger.Debug()
	}

	ev.Str("event", string(e.Kind)).
		Uint16("worker_id", e.WorkerID).
		Int64("tick", e.Tick).
		Int64("now", e.Now).
		Int64("timestamp_ms", e.TimestampMs).
		Uint32("rollback_index", e.RollbackIndex).
		Uint32("drift_steps", e.DriftSteps).
		Msg("Generator episode transition")
}
