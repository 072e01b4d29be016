package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/maxpert/snowdrift/flake"
	"github.com/maxpert/snowdrift/publisher"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// CompressMinBatch is the smallest batch the client asks to compress.
// Smaller responses cost more to frame than zstd saves.
const CompressMinBatch = 64

// ClientConfig configures a remote id client
type ClientConfig struct {
	Address     string
	Compression bool // compress large batches with zstd; the server must have it enabled
	DialOptions []grpc.DialOption
}

// Client calls the id service of a remote snowdrift server
type Client struct {
	conn     *grpc.ClientConn
	compress bool
}

// createDialOptions returns common gRPC dial options
func createDialOptions(config ClientConfig) []grpc.DialOption {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	return append(opts, config.DialOptions...)
}

// NewClient creates a client. The connection is established lazily on the first call.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Compression {
		// the client side needs the compressor registered too
		RegisterZstdCompressor(1)
	}

	conn, err := grpc.NewClient(config.Address, createDialOptions(config)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", config.Address, err)
	}

	log.Debug().
		Str("address", config.Address).
		Bool("compression", config.Compression).
		Msg("Created id service client")

	return &Client{conn: conn, compress: config.Compression}, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}, opts ...grpc.CallOption) error {
	return c.conn.Invoke(ctx, fullMethod(method), req, resp, opts...)
}

// Next fetches one id
func (c *Client) Next(ctx context.Context) (uint64, error) {
	resp := new(IDResponse)
	if err := c.invoke(ctx, "Next", &NextRequest{}, resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// NextNarrow fetches one id as an int64
func (c *Client) NextNarrow(ctx context.Context) (int64, error) {
	resp := new(NarrowResponse)
	if err := c.invoke(ctx, "NextNarrow", &NextRequest{}, resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// NextBatch fetches count ids in one round trip. The server answers in the
// compression the request used, so only large batches ask for zstd.
func (c *Client) NextBatch(ctx context.Context, count int) ([]uint64, error) {
	var opts []grpc.CallOption
	if c.compress && count >= CompressMinBatch {
		opts = append(opts, grpc.UseCompressor(CompressorName))
	}

	resp := new(BatchResponse)
	if err := c.invoke(ctx, "NextBatch", &BatchRequest{Count: count}, resp, opts...); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// Parse decodes an id using the server's layout
func (c *Client) Parse(ctx context.Context, id uint64) (*ParseResponse, error) {
	resp := new(ParseResponse)
	if err := c.invoke(ctx, "Parse", &ParseRequest{ID: id}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ParseText decodes the decimal text form of an id
func (c *Client) ParseText(ctx context.Context, text string) (*ParseResponse, error) {
	resp := new(ParseResponse)
	if err := c.invoke(ctx, "Parse", &ParseRequest{Text: text}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Validate checks an id against the server's generator
func (c *Client) Validate(ctx context.Context, id uint64, strict bool) (*ValidateResponse, error) {
	resp := new(ValidateResponse)
	if err := c.invoke(ctx, "Validate", &ValidateRequest{ID: id, Strict: strict}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Stats returns the server generator's statistics
func (c *Client) Stats(ctx context.Context) (flake.Stats, error) {
	var resp flake.Stats
	if err := c.invoke(ctx, "Stats", &StatsRequest{}, &resp); err != nil {
		return flake.Stats{}, err
	}
	return resp, nil
}

// Watch streams generator events of the given kinds (all when empty) to fn
// until ctx is done, the server ends the stream or fn returns an error.
func (c *Client) Watch(ctx context.Context, kinds []string, fn func(publisher.Event) error) error {
	stream, err := c.conn.NewStream(ctx, &IDServiceDesc.Streams[0], fullMethod("Watch"))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&WatchRequest{Kinds: kinds}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		var e publisher.Event
		if err := stream.RecvMsg(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Close closes the underlying connection
func (c *Client) Close() error {
	return c.conn.Close()
}
