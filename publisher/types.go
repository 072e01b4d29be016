package publisher

import (
	"time"

	"github.com/maxpert/snowdrift/flake"
)

// Event is the wire form of a generator episode transition
type Event struct {
	Kind          string `msgpack:"kind" json:"kind"`
	WorkerID      uint16 `msgpack:"worker" json:"worker"`
	Tick          int64  `msgpack:"tick" json:"tick"`   // Generator tick after the transition
	Now           int64  `msgpack:"now" json:"now"`     // Tick source reading
	TimestampMs   int64  `msgpack:"ts" json:"ts"`       // Base time + tick (unix ms)
	RollbackIndex uint32 `msgpack:"idx" json:"idx"`     // Rollback slot in use
	DriftSteps    uint32 `msgpack:"steps" json:"steps"` // Synthetic ticks consumed
	ObservedAt    int64  `msgpack:"at" json:"at"`       // Wall clock when observed (unix ms)

	// Event log sequence, 0 when not spooled
	Seq uint64 `msgpack:"seq,omitempty" json:"seq,omitempty"`
}

// NewEvent converts a generator event, stamping the observation time
func NewEvent(e flake.Event, at time.Time) Event {
	return Event{
		Kind:          string(e.Kind),
		WorkerID:      e.WorkerID,
		Tick:          e.Tick,
		Now:           e.Now,
		TimestampMs:   e.TimestampMs,
		RollbackIndex: e.RollbackIndex,
		DriftSteps:    e.DriftSteps,
		ObservedAt:    at.UnixMilli(),
	}
}

// Sink represents a destination for episode events (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends an event to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts events to sink-specific formats
type Transformer interface {
	// Transform converts an event to bytes for publishing
	Transform(event Event) ([]byte, error)
}

// Filter determines whether an event should be published
type Filter interface {
	// Match returns true if an event of this kind should be published
	Match(kind string) bool
}
