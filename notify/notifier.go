// Package notify fans generator episode events out to in-process subscribers.
package notify

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/maxpert/snowdrift/flake"
)

// defaultEventBufferSize is the buffer size for subscriber channels.
// Subscribers that can't keep up will have events dropped (non-blocking send).
const defaultEventBufferSize = 16

// Filter selects the event kinds a subscriber receives. Empty means all.
type Filter struct {
	Kinds []flake.EventKind
}

// subscription represents a single subscriber.
type subscription struct {
	id      uint64
	filter  Filter
	ch      chan flake.Event
	closed  atomic.Bool
	dropped atomic.Uint64
}

// matches checks if the event kind matches this subscription's filter.
func (s *subscription) matches(kind flake.EventKind) bool {
	if len(s.filter.Kinds) == 0 {
		return true
	}

	for _, k := range s.filter.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub implements flake.Observer.
// Thread-safe notification hub for generator events.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

var _ flake.Observer = (*Hub)(nil)

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Observe sends e to all matching subscribers (non-blocking).
func (h *Hub) Observe(e flake.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(e.Kind) {
			continue
		}

		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe creates a new subscription and returns the event channel and cancel function.
// The returned channel is buffered. If the subscriber cannot keep up, events are
// dropped by Observe. The cancel function is idempotent and closes the channel.
func (h *Hub) Subscribe(filter Filter) (<-chan flake.Event, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan flake.Event, defaultEventBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Len returns the number of active subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Close removes every subscription. Subscriber channels are closed.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

var knownKinds = map[flake.EventKind]struct{}{
	flake.EventDriftStart:    {},
	flake.EventDriftEnd:      {},
	flake.EventRollbackStart: {},
	flake.EventRollbackEnd:   {},
	flake.EventWaitExhausted: {},
}

// ParseFilter builds a filter from event kind names, rejecting unknown kinds
func ParseFilter(kinds []string) (Filter, error) {
	filter := Filter{}
	for _, k := range kinds {
		kind := flake.EventKind(strings.TrimSpace(k))
		if kind == "" {
			continue
		}
		if _, ok := knownKinds[kind]; !ok {
			return Filter{}, fmt.Errorf("unknown event kind: %q", k)
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	return filter, nil
}
