package server

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/encoding"
)

// CompressorName is the gRPC compressor name for zstd
const CompressorName = "zstd"

// maxDecodedSize bounds a decompressed message. It matches gRPC's default
// receive limit, far above the largest batch response.
const maxDecodedSize = 4 << 20

// zstdCompressor implements gRPC's encoding.Compressor with pooled
// single-threaded coders. Id batches are small, so one goroutine per
// stream and a low-memory encoder beat the concurrent defaults.
type zstdCompressor struct {
	level    zstd.EncoderLevel
	encoders sync.Pool
	decoders sync.Pool
}

// RegisterZstdCompressor registers the zstd compressor with gRPC encoding.
// Level 0 leaves compression disabled. Registration is process-wide, the
// last registered level wins.
func RegisterZstdCompressor(level int) {
	if level == 0 {
		log.Debug().Msg("gRPC compression disabled (level=0)")
		return
	}

	zstdLevel := configLevelToZstd(level)
	encoding.RegisterCompressor(&zstdCompressor{level: zstdLevel})
	log.Info().
		Int("config_level", level).
		Str("zstd_level", zstdLevel.String()).
		Msg("Registered zstd gRPC compressor")
}

// Name returns the compressor name
func (c *zstdCompressor) Name() string {
	return CompressorName
}

// Compress returns a WriteCloser that compresses into w and returns its
// encoder to the pool on Close
func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	enc, ok := c.encoders.Get().(*zstd.Encoder)
	if ok {
		enc.Reset(w)
	} else {
		var err error
		enc, err = zstd.NewWriter(w,
			zstd.WithEncoderLevel(c.level),
			zstd.WithEncoderConcurrency(1),
			zstd.WithLowerEncoderMem(true),
		)
		if err != nil {
			return nil, err
		}
	}
	return &encoderHandle{enc: enc, pool: &c.encoders}, nil
}

// Decompress returns a Reader over r. The decoder goes back to the pool
// once the stream is fully read.
func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, ok := c.decoders.Get().(*zstd.Decoder)
	if !ok {
		var err error
		dec, err = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(maxDecodedSize),
		)
		if err != nil {
			return nil, err
		}
	}

	if err := dec.Reset(r); err != nil {
		c.decoders.Put(dec)
		return nil, err
	}
	return &decoderHandle{dec: dec, pool: &c.decoders}, nil
}

type encoderHandle struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (h *encoderHandle) Write(data []byte) (int, error) {
	return h.enc.Write(data)
}

func (h *encoderHandle) Close() error {
	err := h.enc.Close()
	h.pool.Put(h.enc)
	return err
}

type decoderHandle struct {
	dec      *zstd.Decoder
	pool     *sync.Pool
	released bool
}

func (h *decoderHandle) Read(data []byte) (int, error) {
	n, err := h.dec.Read(data)
	if err == io.EOF && !h.released {
		h.released = true
		h.pool.Put(h.dec)
	}
	return n, err
}

// configLevelToZstd maps server.compression_level (1-4) to a zstd level
func configLevelToZstd(level int) zstd.EncoderLevel {
	levels := [...]zstd.EncoderLevel{
		zstd.SpeedFastest,
		zstd.SpeedDefault,
		zstd.SpeedBetterCompression,
		zstd.SpeedBestCompression,
	}
	if level < 1 || level > len(levels) {
		return zstd.SpeedFastest
	}
	return levels[level-1]
}
