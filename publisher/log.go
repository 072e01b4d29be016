package publisher

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/snowdrift/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixEventLog    = "/evlog/"    // /evlog/{16-digit-hex-seq}
	prefixEventCursor = "/evcursor/" // /evcursor/{sinkName}
	prefixEventSeq    = "/evseq"     // /evseq -> uint64 (last assigned sequence)
)

// Pebble configuration. Episode events are small and rare, so the
// memtable stays well below the defaults used for bulk data.
const (
	memTableSize                = 4 << 20 // 4MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
)

const (
	defaultReadLimit    = 100
	cleanupIntervalMask = 0x7F // Cleanup every 128 sequences
)

// EventLog is a Pebble-backed append-only log of episode events with a
// delivery cursor per sink. It lets sinks resume after a restart.
type EventLog struct {
	db   *pebble.DB
	path string

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	lastSeq atomic.Uint64

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// OpenEventLog creates or opens the event log under dir
func OpenEventLog(dir string) (*EventLog, error) {
	logPath := filepath.Join(dir, "event_log")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
	}

	db, err := pebble.Open(logPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log at %s: %w", logPath, err)
	}

	el := &EventLog{
		db:      db,
		path:    logPath,
		cursors: make(map[string]uint64),
	}

	if err := el.loadLastSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}

	if err := el.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	log.Info().
		Str("path", logPath).
		Uint64("last_seq", el.lastSeq.Load()).
		Int("cursors", len(el.cursors)).
		Msg("Opened event log")

	return el, nil
}

func (el *EventLog) loadLastSeq() error {
	val, closer, err := el.db.Get([]byte(prefixEventSeq))
	if err == pebble.ErrNotFound {
		el.lastSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}

	el.lastSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (el *EventLog) loadCursors() error {
	prefix := []byte(prefixEventCursor)
	iter, err := el.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixEventCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor data for sink %s: invalid length %d", name, len(val))
		}
		el.cursors[name] = binary.LittleEndian.Uint64(val)
	}

	return iter.Error()
}

// Append stores events and assigns their sequence numbers.
// Appends must not run concurrently; the registry spool is the only writer.
func (el *EventLog) Append(events []Event) error {
	if len(events) == 0 {
		return nil
	}

	if el.closed.Load() {
		return fmt.Errorf("event log is closed")
	}

	seq := el.lastSeq.Load()

	batch := el.db.NewBatch()
	defer batch.Close()

	for i := range events {
		seq++
		events[i].Seq = seq

		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		if err := batch.Set([]byte(formatEventKey(seq)), val, nil); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(prefixEventSeq), seqBuf, nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	// only publish the new sequence after the commit
	el.lastSeq.Store(seq)

	return nil
}

// ReadFrom reads up to limit events after cursor
func (el *EventLog) ReadFrom(cursor uint64, limit int) ([]Event, error) {
	if el.closed.Load() {
		return nil, fmt.Errorf("event log is closed")
	}

	if limit <= 0 {
		limit = defaultReadLimit
	}

	startKey := []byte(formatEventKey(cursor + 1))
	iter, err := el.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: prefixUpperBound([]byte(prefixEventLog)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]Event, 0, limit)
	for iter.SeekGE(startKey); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var event Event
		if err := encoding.Unmarshal(val, &event); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal logged event")
			continue
		}

		events = append(events, event)
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return events, nil
}

// LastSeq returns the sequence of the newest appended event
func (el *EventLog) LastSeq() uint64 {
	return el.lastSeq.Load()
}

// GetCursor returns the last delivered sequence for a sink, 0 for a new sink
func (el *EventLog) GetCursor(sinkName string) (uint64, error) {
	if el.closed.Load() {
		return 0, fmt.Errorf("event log is closed")
	}

	el.cursorsMu.RLock()
	defer el.cursorsMu.RUnlock()
	return el.cursors[sinkName], nil
}

// AdvanceCursor records seq as delivered for a sink and periodically
// deletes entries every sink has moved past
func (el *EventLog) AdvanceCursor(sinkName string, seq uint64) error {
	if el.closed.Load() {
		return fmt.Errorf("event log is closed")
	}

	el.cursorsMu.Lock()
	el.cursors[sinkName] = seq
	el.cursorsMu.Unlock()

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, seq)
	if err := el.db.Set([]byte(prefixEventCursor+sinkName), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	if seq&cleanupIntervalMask == 0 {
		if el.cleanupRunning.CompareAndSwap(false, true) {
			el.cleanupWg.Add(1)
			go el.cleanupAsync()
		}
	}

	return nil
}

// RetainCursors forgets cursors of sinks that are no longer configured,
// so a removed sink cannot pin old entries forever
func (el *EventLog) RetainCursors(sinkNames []string) error {
	keep := make(map[string]struct{}, len(sinkNames))
	for _, name := range sinkNames {
		keep[name] = struct{}{}
	}

	el.cursorsMu.Lock()
	defer el.cursorsMu.Unlock()

	for name := range el.cursors {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := el.db.Delete([]byte(prefixEventCursor+name), pebble.Sync); err != nil {
			return fmt.Errorf("failed to delete cursor for %s: %w", name, err)
		}
		delete(el.cursors, name)
		log.Info().Str("sink", name).Msg("Removed cursor of unconfigured sink")
	}
	return nil
}

// cleanup deletes entries at or below the minimum cursor
func (el *EventLog) cleanup() {
	el.cleanupMu.Lock()
	defer el.cleanupMu.Unlock()

	if el.closed.Load() {
		return
	}

	el.cursorsMu.RLock()
	if len(el.cursors) == 0 {
		el.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, cursor := range el.cursors {
		if cursor < minCursor {
			minCursor = cursor
		}
	}
	el.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	// the end key is exclusive, so the entry at minCursor goes too
	start := []byte(prefixEventLog)
	end := []byte(formatEventKey(minCursor + 1))
	if err := el.db.DeleteRange(start, end, pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to clean up event log")
		return
	}

	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up event log entries")
}

func (el *EventLog) cleanupAsync() {
	defer el.cleanupWg.Done()
	defer el.cleanupRunning.Store(false)
	el.cleanup()
}

// Close closes the Pebble database and waits for in-flight cleanup
func (el *EventLog) Close() error {
	if !el.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("event log already closed")
	}

	el.cleanupWg.Wait()

	return el.db.Close()
}

// formatEventKey formats a sequence number as a 16-digit zero-padded key
func formatEventKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixEventLog, seq)
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
