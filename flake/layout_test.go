package flake

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	layout, err := Validate(Options{WorkerID: 3})
	require.NoError(t, err)

	assert.Equal(t, uint16(3), layout.WorkerID)
	assert.Equal(t, MethodDrift, layout.Method)
	assert.Equal(t, int64(1577836800000), layout.BaseTime)
	assert.Equal(t, uint8(6), layout.WorkerIDBits)
	assert.Equal(t, uint8(6), layout.SeqBits)
	assert.Equal(t, uint8(12), layout.TimestampShift)
	assert.Equal(t, uint8(52), layout.TimestampBits)
	assert.Equal(t, uint32(5), layout.MinSeq)
	assert.Equal(t, uint32(63), layout.MaxSeq)
	assert.Equal(t, uint16(63), layout.MaxWorkerID)
	assert.Equal(t, uint32(2000), layout.MaxDriftSteps)
	assert.Equal(t, uint32(59), layout.IDsPerTick)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name  string
		opts  Options
		field string
	}{
		{"combined bits over 22", Options{WorkerIDBits: 15, SeqBits: 10}, "worker_id_bits+seq_bits"},
		{"worker bits too wide", Options{WorkerIDBits: 16}, "worker_id_bits"},
		{"seq bits too narrow", Options{SeqBits: 2}, "seq_bits"},
		{"seq bits too wide", Options{WorkerIDBits: 1, SeqBits: 22}, "seq_bits"},
		{"min seq in reserved range", Options{MinSeq: 4}, "min_seq"},
		{"worker id out of range", Options{WorkerID: 64, WorkerIDBits: 6}, "worker_id"},
		{"max seq beyond bits", Options{SeqBits: 3, MaxSeq: 8}, "max_seq"},
		{"max seq below min seq", Options{MinSeq: 10, MaxSeq: 9}, "max_seq"},
		{"unknown method", Options{Method: 3}, "method"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Validate(tc.opts)
			require.Error(t, err)

			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %T", err)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestValidate_Boundaries(t *testing.T) {
	layout, err := Validate(Options{WorkerID: 63, WorkerIDBits: 6})
	require.NoError(t, err)
	assert.Equal(t, uint16(63), layout.WorkerID)

	layout, err = Validate(Options{WorkerIDBits: 1, SeqBits: 21})
	require.NoError(t, err)
	assert.Equal(t, uint8(22), layout.TimestampShift)
	assert.Equal(t, uint32(1<<21-1), layout.MaxSeq)

	layout, err = Validate(Options{SeqBits: 3})
	require.NoError(t, err)
	assert.Equal(t, uint32(7), layout.MaxSeq)
	assert.Equal(t, uint32(3), layout.IDsPerTick)

	layout, err = Validate(Options{BaseTime: time.UnixMilli(0)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), layout.BaseTime)
}

func TestLayout_RoundTrip(t *testing.T) {
	layouts := []Options{
		{},
		{WorkerIDBits: 1, SeqBits: 21},
		{WorkerIDBits: 15, SeqBits: 7},
		{WorkerIDBits: 10, SeqBits: 3},
	}

	for _, opts := range layouts {
		layout, err := Validate(opts)
		require.NoError(t, err)

		maxSeqValue := uint32(1)<<layout.SeqBits - 1
		ticks := []int64{0, 1, 1000, 1 << 40, int64(1)<<(layout.TimestampBits-1) - 1}
		workers := []uint16{0, 1, layout.MaxWorkerID}
		seqs := []uint32{0, 4, 5, maxSeqValue}

		for _, tick := range ticks {
			for _, worker := range workers {
				for _, seq := range seqs {
					p := layout.Decode(layout.Encode(tick, worker, seq))
					assert.Equal(t, tick, p.Tick)
					assert.Equal(t, worker, p.WorkerID)
					assert.Equal(t, seq, p.Sequence)
					assert.Equal(t, layout.BaseTime+tick, p.TimestampMs)
				}
			}
		}
	}
}

func TestLayout_EncodeBitPositions(t *testing.T) {
	layout, err := Validate(Options{WorkerID: 5, BaseTime: time.UnixMilli(0)})
	require.NoError(t, err)

	id := layout.Encode(1000, 5, 6)
	assert.Equal(t, uint64(1000)<<12|uint64(5)<<6|6, id)
}

func TestLayout_ValidateID(t *testing.T) {
	layout, err := Validate(Options{WorkerID: 5, BaseTime: time.UnixMilli(0)})
	require.NoError(t, err)

	now := int64(10_000)

	assert.NoError(t, layout.ValidateID(layout.Encode(now, 5, 5), now, true))
	assert.NoError(t, layout.ValidateID(layout.Encode(0, 5, 5), now, false))
	assert.NoError(t, layout.ValidateID(layout.Encode(now+ValidityToleranceMs, 5, 5), now, false))
	assert.Error(t, layout.ValidateID(layout.Encode(now+ValidityToleranceMs+1, 5, 5), now, false))

	foreign := layout.Encode(now, 6, 5)
	assert.NoError(t, layout.ValidateID(foreign, now, false))

	err = layout.ValidateID(foreign, now, true)
	var idErr *InvalidIDError
	require.True(t, errors.As(err, &idErr))
	assert.Contains(t, idErr.Reason, "worker id 6")
}

func TestLayout_ValidateIDOverflow(t *testing.T) {
	layout, err := Validate(Options{
		WorkerIDBits: 1,
		SeqBits:      3,
		BaseTime:     time.UnixMilli(math.MaxInt64 - 10),
	})
	require.NoError(t, err)

	err = layout.ValidateID(math.MaxUint64, 0, false)
	var idErr *InvalidIDError
	require.True(t, errors.As(err, &idErr))
	assert.Equal(t, "timestamp overflows", idErr.Reason)
}

func TestParseID(t *testing.T) {
	id, err := ParseID("12345")
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), id)

	id, err = ParseID(" 18446744073709551615 ")
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), id)

	for _, input := range []string{"", "-1", "abc", "1.5", "18446744073709551616"} {
		_, err := ParseID(input)
		var idErr *InvalidIDError
		assert.True(t, errors.As(err, &idErr), "input %q", input)
	}
}

func TestMethod_String(t *testing.T) {
	assert.Equal(t, "drift", MethodDrift.String())
	assert.Equal(t, "classic", MethodClassic.String())
	assert.Equal(t, "unknown(9)", Method(9).String())
}
