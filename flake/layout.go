package flake

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/snowdrift/clock"
)

// Method selects how the generator reacts to sequence exhaustion
type Method uint8

const (
	// MethodDrift borrows future ticks when a tick's sequence space runs out
	MethodDrift Method = 1
	// MethodClassic waits for the wall clock to reach the next tick
	MethodClassic Method = 2
)

func (m Method) String() string {
	switch m {
	case MethodDrift:
		return "drift"
	case MethodClassic:
		return "classic"
	default:
		return "unknown(" + strconv.Itoa(int(m)) + ")"
	}
}

// Bit layout limits and defaults.
// The timestamp field always keeps at least 64-MaxLayoutBits bits.
const (
	MinWorkerIDBits = 1
	MaxWorkerIDBits = 15
	MinSeqBits      = 3
	MaxSeqBits      = 21
	MaxLayoutBits   = 22

	DefaultWorkerIDBits  = 6
	DefaultSeqBits       = 6
	DefaultMinSeq        = 5
	DefaultMaxDriftSteps = 2000

	// ReservedSeqs is the count of low sequence values kept for rollback ids
	ReservedSeqs = 5
	// MaxRollbackDepth is the number of rollback episodes serviced before a forced wait
	MaxRollbackDepth = ReservedSeqs - 1

	// ValidityToleranceMs is how far ahead of now an id timestamp may be and still pass IsValid
	ValidityToleranceMs = 1000
)

// DefaultBaseTime is the epoch used when Options.BaseTime is zero
var DefaultBaseTime = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

// Options configures a Generator. Zero values take the documented defaults.
type Options struct {
	WorkerID      uint16
	Method        Method       // 0 means MethodDrift
	BaseTime      time.Time    // zero means DefaultBaseTime
	WorkerIDBits  uint8        // 0 means 6
	SeqBits       uint8        // 0 means 6
	MinSeq        uint32       // 0 means 5
	MaxSeq        uint32       // 0 means 2^SeqBits-1
	MaxDriftSteps uint32       // 0 means 2000
	TickSource    clock.Source // nil means system clock at BaseTime
	Observer      Observer     // nil means no observer
}

// Layout is the validated, immutable bit layout of a generator
type Layout struct {
	WorkerID       uint16 `json:"worker_id"`
	Method         Method `json:"method"`
	BaseTime       int64  `json:"base_time_ms"`
	WorkerIDBits   uint8  `json:"worker_id_bits"`
	SeqBits        uint8  `json:"seq_bits"`
	TimestampBits  uint8  `json:"timestamp_bits"`
	TimestampShift uint8  `json:"timestamp_shift"`
	MinSeq         uint32 `json:"min_seq"`
	MaxSeq         uint32 `json:"max_seq"`
	MaxWorkerID    uint16 `json:"max_worker_id"`
	MaxDriftSteps  uint32 `json:"max_drift_steps"`
	IDsPerTick     uint32 `json:"ids_per_tick"`
}

// Parts is a decoded id
type Parts struct {
	Tick        int64  `json:"tick"`
	TimestampMs int64  `json:"timestamp_ms"`
	WorkerID    uint16 `json:"worker_id"`
	Sequence    uint32 `json:"sequence"`
}

// Time returns the id timestamp as a time.Time
func (p Parts) Time() time.Time {
	return time.UnixMilli(p.TimestampMs).UTC()
}

// Validate applies defaults to opts and checks every layout constraint.
// The first violation is returned as a *ConfigurationError.
func Validate(opts Options) (Layout, error) {
	workerBits := opts.WorkerIDBits
	if workerBits == 0 {
		workerBits = DefaultWorkerIDBits
	}
	seqBits := opts.SeqBits
	if seqBits == 0 {
		seqBits = DefaultSeqBits
	}

	if workerBits < MinWorkerIDBits || workerBits > MaxWorkerIDBits {
		return Layout{}, &ConfigurationError{
			Field:  "worker_id_bits",
			Value:  workerBits,
			Reason: fmt.Sprintf("must be in [%d, %d]", MinWorkerIDBits, MaxWorkerIDBits),
		}
	}
	if seqBits < MinSeqBits || seqBits > MaxSeqBits {
		return Layout{}, &ConfigurationError{
			Field:  "seq_bits",
			Value:  seqBits,
			Reason: fmt.Sprintf("must be in [%d, %d]", MinSeqBits, MaxSeqBits),
		}
	}
	if int(workerBits)+int(seqBits) > MaxLayoutBits {
		return Layout{}, &ConfigurationError{
			Field:  "worker_id_bits+seq_bits",
			Value:  int(workerBits) + int(seqBits),
			Reason: fmt.Sprintf("must not exceed %d", MaxLayoutBits),
		}
	}

	maxWorker := uint16(1)<<workerBits - 1
	if opts.WorkerID > maxWorker {
		return Layout{}, &ConfigurationError{
			Field:  "worker_id",
			Value:  opts.WorkerID,
			Reason: fmt.Sprintf("must be in [0, %d] for %d worker id bits", maxWorker, workerBits),
		}
	}

	minSeq := opts.MinSeq
	if minSeq == 0 {
		minSeq = DefaultMinSeq
	}
	if minSeq < ReservedSeqs {
		return Layout{}, &ConfigurationError{
			Field:  "min_seq",
			Value:  minSeq,
			Reason: fmt.Sprintf("must be at least %d, lower values are reserved for rollback", ReservedSeqs),
		}
	}

	seqLimit := uint32(1)<<seqBits - 1
	maxSeq := opts.MaxSeq
	if maxSeq == 0 {
		maxSeq = seqLimit
	}
	if maxSeq > seqLimit {
		return Layout{}, &ConfigurationError{
			Field:  "max_seq",
			Value:  maxSeq,
			Reason: fmt.Sprintf("must not exceed %d for %d sequence bits", seqLimit, seqBits),
		}
	}
	if maxSeq < minSeq {
		return Layout{}, &ConfigurationError{
			Field:  "max_seq",
			Value:  maxSeq,
			Reason: fmt.Sprintf("must be at least min_seq (%d)", minSeq),
		}
	}

	maxDrift := opts.MaxDriftSteps
	if maxDrift == 0 {
		maxDrift = DefaultMaxDriftSteps
	}

	method := opts.Method
	if method == 0 {
		method = MethodDrift
	}
	if method != MethodDrift && method != MethodClassic {
		return Layout{}, &ConfigurationError{
			Field:  "method",
			Value:  uint8(method),
			Reason: "must be 1 (drift) or 2 (classic)",
		}
	}

	base := opts.BaseTime
	if base.IsZero() {
		base = DefaultBaseTime
	}

	shift := workerBits + seqBits
	return Layout{
		WorkerID:       opts.WorkerID,
		Method:         method,
		BaseTime:       base.UnixMilli(),
		WorkerIDBits:   workerBits,
		SeqBits:        seqBits,
		TimestampBits:  64 - shift,
		TimestampShift: shift,
		MinSeq:         minSeq,
		MaxSeq:         maxSeq,
		MaxWorkerID:    maxWorker,
		MaxDriftSteps:  maxDrift,
		IDsPerTick:     maxSeq - minSeq + 1,
	}, nil
}

// Encode packs tick, worker and sequence into an id
func (l Layout) Encode(tick int64, worker uint16, seq uint32) uint64 {
	workerMask := uint64(1)<<l.WorkerIDBits - 1
	seqMask := uint64(1)<<l.SeqBits - 1
	return uint64(tick)<<l.TimestampShift |
		(uint64(worker)&workerMask)<<l.SeqBits |
		uint64(seq)&seqMask
}

// Decode unpacks an id
func (l Layout) Decode(id uint64) Parts {
	tick := int64(id >> l.TimestampShift)
	return Parts{
		Tick:        tick,
		TimestampMs: l.BaseTime + tick,
		WorkerID:    uint16((id >> l.SeqBits) & (uint64(1)<<l.WorkerIDBits - 1)),
		Sequence:    uint32(id & (uint64(1)<<l.SeqBits - 1)),
	}
}

// ValidateID runs the structural acceptance checks for an externally supplied id.
// nowTick is the current tick of the caller's tick source.
func (l Layout) ValidateID(id uint64, nowTick int64, strict bool) error {
	tick := int64(id >> l.TimestampShift)
	input := strconv.FormatUint(id, 10)

	if l.BaseTime > 0 && tick > math.MaxInt64-l.BaseTime {
		return &InvalidIDError{Input: input, Reason: "timestamp overflows"}
	}
	if tick > nowTick+ValidityToleranceMs {
		return &InvalidIDError{Input: input, Reason: "timestamp is in the future"}
	}
	if strict {
		if worker := l.Decode(id).WorkerID; worker != l.WorkerID {
			return &InvalidIDError{
				Input:  input,
				Reason: fmt.Sprintf("worker id %d does not match %d", worker, l.WorkerID),
			}
		}
	}
	return nil
}

// ParseID parses the decimal text form of an id
func ParseID(s string) (uint64, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, &InvalidIDError{Input: s, Reason: "empty"}
	}
	if strings.HasPrefix(trimmed, "-") {
		return 0, &InvalidIDError{Input: s, Reason: "negative"}
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, &InvalidIDError{Input: s, Reason: "not a non-negative 64-bit integer"}
	}
	return id, nil
}
