package server

import (
	"context"
	"errors"

	"github.com/maxpert/snowdrift/flake"
	"github.com/maxpert/snowdrift/id"
	"github.com/maxpert/snowdrift/telemetry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "snowdrift.IDService"

// Messages travel through the msgpack codec, so they are plain structs.

type NextRequest struct{}

type IDResponse struct {
	ID uint64 `msgpack:"id"`
}

// NarrowResponse carries an id that fits a signed 64-bit integer
type NarrowResponse struct {
	ID int64 `msgpack:"id"`
}

type BatchRequest struct {
	Count int `msgpack:"count"`
}

type BatchResponse struct {
	IDs []uint64 `msgpack:"ids"`
}

// ParseRequest carries either a numeric id or its decimal text form
type ParseRequest struct {
	ID   uint64 `msgpack:"id"`
	Text string `msgpack:"text,omitempty"`
}

type ParseResponse struct {
	ID          uint64 `msgpack:"id"`
	Tick        int64  `msgpack:"tick"`
	TimestampMs int64  `msgpack:"ts"`
	WorkerID    uint16 `msgpack:"worker"`
	Sequence    uint32 `msgpack:"seq"`
}

type ValidateRequest struct {
	ID     uint64 `msgpack:"id"`
	Strict bool   `msgpack:"strict"`
}

type ValidateResponse struct {
	Valid  bool   `msgpack:"valid"`
	Reason string `msgpack:"reason,omitempty"`
}

type StatsRequest struct{}

// IDServiceServer is the server API for the id service
type IDServiceServer interface {
	Next(context.Context, *NextRequest) (*IDResponse, error)
	NextNarrow(context.Context, *NextRequest) (*NarrowResponse, error)
	NextBatch(context.Context, *BatchRequest) (*BatchResponse, error)
	Parse(context.Context, *ParseRequest) (*ParseResponse, error)
	Validate(context.Context, *ValidateRequest) (*ValidateResponse, error)
	Stats(context.Context, *StatsRequest) (*flake.Stats, error)
	Watch(*WatchRequest, grpc.ServerStream) error
}

// IDServiceDesc describes the id service for grpc.Server.RegisterService
var IDServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IDServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Next", Handler: unaryHandler("Next", IDServiceServer.Next)},
		{MethodName: "NextNarrow", Handler: unaryHandler("NextNarrow", IDServiceServer.NextNarrow)},
		{MethodName: "NextBatch", Handler: unaryHandler("NextBatch", IDServiceServer.NextBatch)},
		{MethodName: "Parse", Handler: unaryHandler("Parse", IDServiceServer.Parse)},
		{MethodName: "Validate", Handler: unaryHandler("Validate", IDServiceServer.Validate)},
		{MethodName: "Stats", Handler: unaryHandler("Stats", IDServiceServer.Stats)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "snowdrift/id_service",
}

// RegisterIDServiceServer registers srv on s
func RegisterIDServiceServer(s grpc.ServiceRegistrar, srv IDServiceServer) {
	s.RegisterService(&IDServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unaryHandler builds the grpc.MethodHandler for one service method
func unaryHandler[Req any, Resp any](method string, call func(IDServiceServer, context.Context, *Req) (Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(IDServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(IDServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// idService serves ids from a shared generator
type idService struct {
	gen      *id.Synced
	maxBatch int
	feed     eventFeed
}

func newIDService(gen *id.Synced, maxBatch int, feed eventFeed) *idService {
	return &idService{gen: gen, maxBatch: maxBatch, feed: feed}
}

func (s *idService) Next(ctx context.Context, _ *NextRequest) (*IDResponse, error) {
	next := s.gen.NextID()
	telemetry.IDsGeneratedTotal.Inc()
	return &IDResponse{ID: next}, nil
}

// NextNarrow fails with OutOfRange once the tick no longer fits 63 bits
func (s *idService) NextNarrow(ctx context.Context, _ *NextRequest) (*NarrowResponse, error) {
	next, err := s.gen.NextNarrow()
	if err != nil {
		return nil, toStatus(err)
	}
	telemetry.IDsGeneratedTotal.Inc()
	return &NarrowResponse{ID: next}, nil
}

func (s *idService) NextBatch(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	if req.Count > s.maxBatch {
		return nil, status.Errorf(codes.InvalidArgument, "count %d exceeds max batch %d", req.Count, s.maxBatch)
	}

	ids, err := s.gen.NextBatch(req.Count)
	if err != nil {
		return nil, toStatus(err)
	}

	telemetry.IDsGeneratedTotal.Add(float64(len(ids)))
	telemetry.BatchSize.Observe(float64(len(ids)))
	return &BatchResponse{IDs: ids}, nil
}

func (s *idService) Parse(ctx context.Context, req *ParseRequest) (*ParseResponse, error) {
	value := req.ID
	if req.Text != "" {
		parsed, err := flake.ParseID(req.Text)
		if err != nil {
			return nil, toStatus(err)
		}
		value = parsed
	}

	parts := s.gen.Decode(value)
	return &ParseResponse{
		ID:          value,
		Tick:        parts.Tick,
		TimestampMs: parts.TimestampMs,
		WorkerID:    parts.WorkerID,
		Sequence:    parts.Sequence,
	}, nil
}

func (s *idService) Validate(ctx context.Context, req *ValidateRequest) (*ValidateResponse, error) {
	if err := s.gen.Validate(req.ID, req.Strict); err != nil {
		return &ValidateResponse{Valid: false, Reason: err.Error()}, nil
	}
	return &ValidateResponse{Valid: true}, nil
}

func (s *idService) Stats(ctx context.Context, _ *StatsRequest) (*flake.Stats, error) {
	stats := s.gen.Stats()
	return &stats, nil
}

// toStatus maps generator errors to gRPC status codes
func toStatus(err error) error {
	var argErr *flake.InvalidArgumentError
	var idErr *flake.InvalidIDError
	var rangeErr *flake.RangeError

	switch {
	case errors.As(err, &argErr), errors.As(err, &idErr):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &rangeErr):
		return status.Error(codes.OutOfRange, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
