package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/maxpert/snowdrift/notify"
	"github.com/maxpert/snowdrift/publisher"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// WatchRequest selects event kinds to stream, empty means all
type WatchRequest struct {
	Kinds []string `msgpack:"kinds,omitempty"`
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	req := new(WatchRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(IDServiceServer).Watch(req, stream)
}

// eventFeed streams hub events until the subscriber leaves or the server stops
type eventFeed struct {
	hub  *notify.Hub
	stop <-chan struct{}
}

// run subscribes with filter and calls send for every event
func (f eventFeed) run(done <-chan struct{}, filter notify.Filter, send func(publisher.Event) error) error {
	events, cancel := f.hub.Subscribe(filter)
	defer cancel()

	for {
		select {
		case <-done:
			return nil
		case <-f.stop:
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := send(publisher.NewEvent(e, time.Now())); err != nil {
				return err
			}
		}
	}
}

func (s *idService) Watch(req *WatchRequest, stream grpc.ServerStream) error {
	if s.feed.hub == nil {
		return status.Error(codes.Unavailable, "event stream is disabled")
	}

	filter, err := notify.ParseFilter(req.Kinds)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	log.Debug().Strs("kinds", req.Kinds).Msg("Event watcher connected")
	defer log.Debug().Msg("Event watcher disconnected")

	return s.feed.run(stream.Context().Done(), filter, func(e publisher.Event) error {
		return stream.SendMsg(&e)
	})
}

// handleEvents streams events as newline delimited JSON
func (h *httpHandlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.feed.hub == nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "event stream is disabled")
		return
	}

	var kinds []string
	if raw := r.URL.Query().Get("kinds"); raw != "" {
		kinds = strings.Split(raw, ",")
	}
	filter, err := notify.ParseFilter(kinds)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		log.Warn().Err(err).Msg("Event stream cannot flush")
		return
	}

	enc := json.NewEncoder(w)
	h.feed.run(r.Context().Done(), filter, func(e publisher.Event) error {
		if err := enc.Encode(e); err != nil {
			return err
		}
		return rc.Flush()
	})
}

// StreamServerInterceptor records stream metrics
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		recordStream(info.FullMethod, start, err)
		return err
	}
}
