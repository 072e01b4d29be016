// Package server exposes a generator over gRPC and HTTP on a single port.
package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/maxpert/snowdrift/id"
	"github.com/maxpert/snowdrift/notify"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// Config holds configuration for the id server
type Config struct {
	Address          string
	Port             int
	MaxBatch         int
	CompressionLevel int          // zstd level 1-4, 0 disables
	MetricsHandler   http.Handler // optional, served at /metrics
	Events           *notify.Hub  // optional, streamed by Watch and /events
}

// Server multiplexes the gRPC id service and the HTTP API on one listener
type Server struct {
	config     Config
	gen        *id.Synced
	grpcServer *grpc.Server
	httpServer *http.Server
	listener   net.Listener
	mux        cmux.CMux
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
}

// NewServer creates a new server for gen
func NewServer(config Config, gen *id.Synced) (*Server, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if config.MaxBatch < 1 {
		return nil, fmt.Errorf("max batch must be >= 1")
	}

	return &Server{config: config, gen: gen}, nil
}

// Start binds the listener and serves in background goroutines
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	return s.Serve(listener)
}

// Serve serves on an existing listener
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("server already started")
	}

	RegisterZstdCompressor(s.config.CompressionLevel)

	s.listener = listener
	s.stopCh = make(chan struct{})
	feed := eventFeed{hub: s.config.Events, stop: s.stopCh}

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second, // Minimum time between client pings
			PermitWithoutStream: true,            // Allow pings even when no streams
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    60 * time.Second, // Ping client if no activity for 60s
			Timeout: 10 * time.Second, // Wait 10s for ping ack before closing connection
		}),
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(StreamServerInterceptor()),
	)
	RegisterIDServiceServer(s.grpcServer, newIDService(s.gen, s.config.MaxBatch, feed))

	s.httpServer = &http.Server{
		Handler:           newRouter(s.gen, s.config.MaxBatch, s.config.MetricsHandler, feed),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("address", listener.Addr().String()).
		Uint16("worker_id", s.gen.Config().WorkerID).
		Msg("Starting id server (gRPC + HTTP)")

	s.mux = cmux.New(listener)
	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(httpListener); err != nil && !isClosedErr(err) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(grpcListener); err != nil && !isClosedErr(err) {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	go func() {
		defer s.wg.Done()
		if err := s.mux.Serve(); err != nil && !isClosedErr(err) {
			log.Error().Err(err).Msg("cmux failed")
		}
	}()

	return nil
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops both protocols and closes the listener
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return
	}

	log.Info().Msg("Stopping id server")

	// end event streams so graceful stop does not wait on them
	close(s.stopCh)
	s.httpServer.SetKeepAlivesEnabled(false)
	s.grpcServer.GracefulStop()
	s.httpServer.Close()
	s.listener.Close()
	s.wg.Wait()

	s.listener = nil
	log.Info().Msg("Id server stopped")
}

func isClosedErr(err error) bool {
	return errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, cmux.ErrListenerClosed) ||
		errors.Is(err, grpc.ErrServerStopped)
}
