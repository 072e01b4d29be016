package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/snowdrift/flake"
	"github.com/maxpert/snowdrift/id"
	"github.com/maxpert/snowdrift/server"
)

// Source hands out ids to benchmark threads
type Source interface {
	Take(ctx context.Context, n int) ([]uint64, error)
	Close() error
}

// localSource serves ids from an in-process generator shared by all threads
type localSource struct {
	gen *id.Synced
}

func newLocalSource(cfg *Config) (*localSource, error) {
	gen, err := flake.New(flake.Options{
		WorkerID:     uint16(cfg.WorkerID),
		WorkerIDBits: uint8(cfg.WorkerIDBits),
		SeqBits:      uint8(cfg.SeqBits),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}
	return &localSource{gen: id.NewSynced(gen)}, nil
}

func (s *localSource) Take(_ context.Context, n int) ([]uint64, error) {
	if n == 1 {
		return []uint64{s.gen.NextID()}, nil
	}
	return s.gen.NextBatch(n)
}

func (s *localSource) Close() error { return nil }

// remoteSource calls a snowdrift server over gRPC
type remoteSource struct {
	client  *server.Client
	timeout time.Duration
}

func newRemoteSource(cfg *Config) (*remoteSource, error) {
	client, err := server.NewClient(server.ClientConfig{
		Address:     cfg.Address,
		Compression: cfg.Compression,
	})
	if err != nil {
		return nil, err
	}
	return &remoteSource{client: client, timeout: 10 * time.Second}, nil
}

func (s *remoteSource) Take(ctx context.Context, n int) ([]uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if n == 1 {
		v, err := s.client.Next(ctx)
		if err != nil {
			return nil, err
		}
		return []uint64{v}, nil
	}
	return s.client.NextBatch(ctx, n)
}

func (s *remoteSource) Close() error { return s.client.Close() }

// prefetchSource keeps one call in flight ahead of the callers so a
// remote round trip overlaps with processing the previous batch. Ids
// still in flight at Close are discarded.
type prefetchSource struct {
	inner  Source
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending *future.Future[[]uint64]
	size    int
}

func newPrefetchSource(inner Source) *prefetchSource {
	ctx, cancel := context.WithCancel(context.Background())
	return &prefetchSource{inner: inner, ctx: ctx, cancel: cancel}
}

func (s *prefetchSource) fetch(n int) *future.Future[[]uint64] {
	p := future.NewPromise[[]uint64]()
	go func() {
		ids, err := s.inner.Take(s.ctx, n)
		p.Set(ids, err)
	}()
	return p.Future()
}

type takeResult struct {
	ids []uint64
	err error
}

// Take returns as soon as ctx is done. The abandoned call keeps running
// and its ids are discarded.
func (s *prefetchSource) Take(ctx context.Context, n int) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	fut := s.pending
	if fut == nil || s.size != n {
		fut = s.fetch(n)
	}
	s.pending = s.fetch(n)
	s.size = n
	s.mu.Unlock()

	done := make(chan takeResult, 1)
	fut.Subscribe(func(ids []uint64, err error) {
		done <- takeResult{ids: ids, err: err}
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.ids, r.err
	}
}

func (s *prefetchSource) Close() error {
	s.cancel()
	return s.inner.Close()
}

func newSource(cfg *Config) (Source, error) {
	var (
		src Source
		err error
	)
	if cfg.Mode == modeRemote {
		src, err = newRemoteSource(cfg)
	} else {
		src, err = newLocalSource(cfg)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Prefetch {
		return newPrefetchSource(src), nil
	}
	return src, nil
}
