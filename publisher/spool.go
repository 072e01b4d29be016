package publisher

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/snowdrift/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultSpoolQueueSize bounds events waiting to be written to the event log
	DefaultSpoolQueueSize = 4096

	spoolBatchSize = 256
	spoolSinkLabel = "spool"
)

// spool moves observed events into the event log off the caller's
// goroutine. A full queue drops the event.
type spool struct {
	log    *EventLog
	queue  chan Event
	notify func()

	stopCh  chan struct{}
	doneCh  chan struct{}
	running atomic.Bool
	mu      sync.Mutex

	written atomic.Uint64
	dropped atomic.Uint64
}

func newSpool(el *EventLog, size int, notify func()) *spool {
	if size <= 0 {
		size = DefaultSpoolQueueSize
	}
	return &spool{
		log:    el,
		queue:  make(chan Event, size),
		notify: notify,
	}
}

// offer queues an event without blocking
func (s *spool) offer(event Event) bool {
	select {
	case s.queue <- event:
		return true
	default:
		s.dropped.Add(1)
		telemetry.DroppedEventsTotal.With(spoolSinkLabel).Inc()
		return false
	}
}

func (s *spool) start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running.Store(true)
	go s.run()
}

// stop writes out whatever is still queued before returning
func (s *spool) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Swap(false) {
		return
	}

	close(s.stopCh)
	<-s.doneCh
}

func (s *spool) run() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			s.drain()
			return
		case event := <-s.queue:
			s.write(s.collect(event))
		}
	}
}

// collect gathers event plus whatever is queued behind it, up to a batch
func (s *spool) collect(first Event) []Event {
	batch := make([]Event, 1, spoolBatchSize)
	batch[0] = first

	for len(batch) < spoolBatchSize {
		select {
		case event := <-s.queue:
			batch = append(batch, event)
		default:
			return batch
		}
	}
	return batch
}

func (s *spool) drain() {
	for {
		select {
		case event := <-s.queue:
			s.write(s.collect(event))
		default:
			return
		}
	}
}

func (s *spool) write(batch []Event) {
	if err := s.log.Append(batch); err != nil {
		s.dropped.Add(uint64(len(batch)))
		telemetry.DroppedEventsTotal.With(spoolSinkLabel).Add(float64(len(batch)))
		log.Error().Err(err).Int("events", len(batch)).Msg("Failed to spool events")
		return
	}

	s.written.Add(uint64(len(batch)))
	telemetry.SpooledEventsTotal.Add(float64(len(batch)))
	if s.notify != nil {
		s.notify()
	}
}
