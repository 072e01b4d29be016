package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/maxpert/snowdrift/flake"
	"github.com/maxpert/snowdrift/clock"
	"github.com/maxpert/snowdrift/id"
	"github.com/maxpert/snowdrift/notify"
	"github.com/maxpert/snowdrift/publisher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type testServer struct {
	gen    *id.Synced
	lis    *bufconn.Listener
	client *Client
	http   *http.Client
}

func startTestServer(t *testing.T, compression bool) *testServer {
	t.Helper()
	gen, _ := newTestSynced(t)
	return startServer(t, gen, nil, compression)
}

func startServer(t *testing.T, gen *id.Synced, hub *notify.Hub, compression bool) *testServer {
	t.Helper()

	lis := bufconn.Listen(1 << 20)

	level := 0
	if compression {
		level = 1
	}
	srv, err := NewServer(Config{MaxBatch: 100, CompressionLevel: level, Events: hub}, gen)
	require.NoError(t, err)
	require.NoError(t, srv.Serve(lis))
	t.Cleanup(srv.Stop)

	client, err := NewClient(ClientConfig{
		Address:     "passthrough:///bufnet",
		Compression: compression,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			},
		},
		Timeout: 5 * time.Second,
	}

	return &testServer{gen: gen, lis: lis, client: client, http: httpClient}
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{MaxBatch: 10}, nil)
	assert.Error(t, err)

	gen, _ := newTestSynced(t)
	_, err = NewServer(Config{MaxBatch: 0}, gen)
	assert.Error(t, err)
}

func TestGRPC_Next(t *testing.T) {
	ts := startTestServer(t, false)
	ctx := testContext(t)

	first, err := ts.client.Next(ctx)
	require.NoError(t, err)
	second, err := ts.client.Next(ctx)
	require.NoError(t, err)

	assert.Greater(t, second, first)
	assert.Equal(t, uint16(testWorkerID), ts.gen.Decode(first).WorkerID)
}

func TestGRPC_NextNarrow(t *testing.T) {
	gen, ticks := newTestSynced(t)
	ts := startServer(t, gen, nil, false)
	ctx := testContext(t)

	v, err := ts.client.NextNarrow(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), gen.Decode(uint64(v)).Tick)

	// tick 2^51 shifted past 12 bits sets the sign bit
	ticks.Set(int64(1) << 51)
	_, err = ts.client.NextNarrow(ctx)
	assert.Equal(t, codes.OutOfRange, status.Code(err))
}

func TestGRPC_NextBatch(t *testing.T) {
	for _, compression := range []bool{false, true} {
		ts := startTestServer(t, compression)
		ctx := testContext(t)

		ids, err := ts.client.NextBatch(ctx, 100)
		require.NoError(t, err)
		require.Len(t, ids, 100)
		for i := 1; i < len(ids); i++ {
			assert.Greater(t, ids[i], ids[i-1])
		}
	}
}

func TestGRPC_NextBatchErrors(t *testing.T) {
	ts := startTestServer(t, false)
	ctx := testContext(t)

	_, err := ts.client.NextBatch(ctx, 0)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = ts.client.NextBatch(ctx, 101)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_Parse(t *testing.T) {
	ts := startTestServer(t, false)
	ctx := testContext(t)

	value := ts.gen.Config().Encode(777, testWorkerID, 12)

	resp, err := ts.client.Parse(ctx, value)
	require.NoError(t, err)
	assert.Equal(t, value, resp.ID)
	assert.Equal(t, int64(777), resp.Tick)
	assert.Equal(t, uint16(testWorkerID), resp.WorkerID)
	assert.Equal(t, uint32(12), resp.Sequence)

	resp, err = ts.client.ParseText(ctx, "12345")
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), resp.ID)

	_, err = ts.client.ParseText(ctx, "-1")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_Validate(t *testing.T) {
	ts := startTestServer(t, false)
	ctx := testContext(t)
	layout := ts.gen.Config()

	resp, err := ts.client.Validate(ctx, layout.Encode(999, testWorkerID, 5), true)
	require.NoError(t, err)
	assert.True(t, resp.Valid)

	resp, err = ts.client.Validate(ctx, layout.Encode(999, testWorkerID+1, 5), true)
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Contains(t, resp.Reason, "worker id")
}

func TestGRPC_Stats(t *testing.T) {
	ts := startTestServer(t, false)
	ctx := testContext(t)

	_, err := ts.client.NextBatch(ctx, 7)
	require.NoError(t, err)

	stats, err := ts.client.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), stats.TotalGenerated)
	assert.Equal(t, flake.ModeNormal, stats.Mode)
	assert.False(t, stats.StartTime.IsZero())
}

func TestServer_HTTPAndGRPCShareListener(t *testing.T) {
	ts := startTestServer(t, false)
	ctx := testContext(t)

	_, err := ts.client.Next(ctx)
	require.NoError(t, err)

	resp, err := ts.http.Get("http://bufnet/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats flake.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, uint64(1), stats.TotalGenerated)
}

func TestServer_StopIdempotent(t *testing.T) {
	gen, _ := newTestSynced(t)
	srv, err := NewServer(Config{MaxBatch: 10}, gen)
	require.NoError(t, err)

	srv.Stop() // never started
	assert.Nil(t, srv.Addr())

	require.NoError(t, srv.Serve(bufconn.Listen(1024)))
	assert.NotNil(t, srv.Addr())
	assert.Error(t, srv.Serve(bufconn.Listen(1024)))

	srv.Stop()
	srv.Stop()
	assert.Nil(t, srv.Addr())
}

// newEventGenerator returns a generator with three ids per tick that reports to hub
func newEventGenerator(t *testing.T, hub *notify.Hub) (*id.Synced, *clock.Manual) {
	t.Helper()
	ticks := clock.NewManual(1000)
	gen, err := flake.New(flake.Options{
		WorkerID:   testWorkerID,
		BaseTime:   time.UnixMilli(0),
		SeqBits:    3,
		TickSource: ticks,
		Observer:   hub,
	})
	require.NoError(t, err)
	return id.NewSynced(gen), ticks
}

func TestGRPC_Watch(t *testing.T) {
	hub := notify.NewHub()
	gen, ticks := newEventGenerator(t, hub)
	ts := startServer(t, gen, hub, false)

	ctx, cancel := context.WithCancel(testContext(t))
	received := make(chan publisher.Event, 8)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- ts.client.Watch(ctx, []string{"drift_start", "drift_end"}, func(e publisher.Event) error {
			received <- e
			return nil
		})
	}()

	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	// sequence space is 5..7 so the fourth id borrows tick 1001
	for i := 0; i < 4; i++ {
		gen.NextID()
	}
	ticks.Set(1005)
	gen.NextID()

	var kinds []string
	for i := 0; i < 2; i++ {
		select {
		case e := <-received:
			kinds = append(kinds, e.Kind)
			assert.Equal(t, uint16(testWorkerID), e.WorkerID)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
	assert.Equal(t, []string{"drift_start", "drift_end"}, kinds)

	cancel()
	select {
	case err := <-watchErr:
		assert.Equal(t, codes.Canceled, status.Code(err))
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestGRPC_WatchErrors(t *testing.T) {
	ts := startTestServer(t, false)
	err := ts.client.Watch(testContext(t), nil, func(publisher.Event) error { return nil })
	assert.Equal(t, codes.Unavailable, status.Code(err))

	hub := notify.NewHub()
	gen, _ := newEventGenerator(t, hub)
	ts = startServer(t, gen, hub, false)
	err = ts.client.Watch(testContext(t), []string{"bogus"}, func(publisher.Event) error { return nil })
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHTTP_Events(t *testing.T) {
	hub := notify.NewHub()
	gen, _ := newEventGenerator(t, hub)
	ts := startServer(t, gen, hub, false)

	resp, err := ts.http.Get("http://bufnet/events?kinds=drift_start")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	for i := 0; i < 4; i++ {
		gen.NextID()
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var e publisher.Event
	require.NoError(t, json.Unmarshal(line, &e))
	assert.Equal(t, "drift_start", e.Kind)
	assert.Equal(t, int64(1001), e.Tick)
}

func TestHTTP_EventsErrors(t *testing.T) {
	gen, _ := newTestSynced(t)
	router := NewRouter(gen, 100, nil, nil)
	rec := doRequest(t, router, "GET", "/events")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	router = NewRouter(gen, 100, nil, notify.NewHub())
	rec = doRequest(t, router, "GET", "/events?kinds=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_StopEndsWatchers(t *testing.T) {
	hub := notify.NewHub()
	gen, _ := newEventGenerator(t, hub)

	lis := bufconn.Listen(1 << 20)
	srv, err := NewServer(Config{MaxBatch: 10, Events: hub}, gen)
	require.NoError(t, err)
	require.NoError(t, srv.Serve(lis))

	client, err := NewClient(ClientConfig{
		Address: "passthrough:///bufnet",
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- client.Watch(context.Background(), nil, func(publisher.Event) error { return nil })
	}()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked on an open watch stream")
	}
	assert.NoError(t, <-done)
}
