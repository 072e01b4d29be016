package server

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maxpert/snowdrift/telemetry"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor records request metrics and logs failed calls
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		method := path.Base(info.FullMethod)
		telemetry.RecordRequest("grpc", method, start, err)
		if err != nil {
			log.Debug().
				Err(err).
				Str("method", method).
				Str("code", status.Code(err).String()).
				Msg("gRPC request failed")
		}

		return resp, err
	}
}

func recordStream(fullMethod string, start time.Time, err error) {
	method := path.Base(fullMethod)
	telemetry.RecordRequest("grpc", method, start, err)
	if err != nil {
		log.Debug().
			Err(err).
			Str("method", method).
			Str("code", status.Code(err).String()).
			Msg("gRPC stream failed")
	}
}

// metricsMiddleware records request metrics labelled by chi route pattern
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}

		var err error
		if ww.Status() >= http.StatusBadRequest {
			err = errHTTPStatus
		}
		telemetry.RecordRequest("http", r.Method+" "+route, start, err)

		log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	})
}
