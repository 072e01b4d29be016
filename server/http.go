package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/maxpert/snowdrift/flake"
	"github.com/maxpert/snowdrift/id"
	"github.com/maxpert/snowdrift/notify"
	"github.com/maxpert/snowdrift/telemetry"
	"github.com/rs/zerolog/log"
)

var errHTTPStatus = errors.New("http error status")

// IDs are rendered as decimal strings in JSON so clients limited to
// float64 numbers keep every bit.

type idResponse struct {
	ID string `json:"id"`
}

type batchResponse struct {
	IDs []string `json:"ids"`
}

type parseResponse struct {
	ID          string    `json:"id"`
	Tick        int64     `json:"tick"`
	TimestampMs int64     `json:"timestamp_ms"`
	Time        time.Time `json:"time"`
	WorkerID    uint16    `json:"worker_id"`
	Sequence    uint32    `json:"sequence"`
}

type validResponse struct {
	ID     string `json:"id"`
	Strict bool   `json:"strict"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

type healthResponse struct {
	Status   string     `json:"status"`
	WorkerID uint16     `json:"worker_id"`
	Mode     flake.Mode `json:"mode"`
}

// httpHandlers serves the REST id API
type httpHandlers struct {
	gen      *id.Synced
	maxBatch int
	feed     eventFeed
}

// NewRouter builds the HTTP router. metrics and events may be nil.
func NewRouter(gen *id.Synced, maxBatch int, metrics http.Handler, events *notify.Hub) http.Handler {
	return newRouter(gen, maxBatch, metrics, eventFeed{hub: events})
}

func newRouter(gen *id.Synced, maxBatch int, metrics http.Handler, feed eventFeed) http.Handler {
	h := &httpHandlers{gen: gen, maxBatch: maxBatch, feed: feed}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/id", h.handleNext)
	r.Get("/id/narrow", h.handleNextNarrow)
	r.Route("/ids", func(r chi.Router) {
		r.Get("/", h.handleBatch)
		r.Get("/{id}", h.withID(h.handleParse))
		r.Get("/{id}/valid", h.withID(h.handleValid))
		r.Get("/{id}/debug", h.withID(h.handleDebug))
	})
	r.Get("/stats", h.handleStats)
	r.Post("/stats/reset", h.handleResetStats)
	r.Get("/config", h.handleConfig)
	r.Get("/health", h.handleHealth)
	r.Get("/events", h.handleEvents)

	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	return r
}

func (h *httpHandlers) handleNext(w http.ResponseWriter, r *http.Request) {
	next := h.gen.NextID()
	telemetry.IDsGeneratedTotal.Inc()
	writeJSONResponse(w, http.StatusOK, idResponse{ID: formatID(next)})
}

func (h *httpHandlers) handleNextNarrow(w http.ResponseWriter, r *http.Request) {
	next, err := h.gen.NextNarrow()
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	telemetry.IDsGeneratedTotal.Inc()
	writeJSONResponse(w, http.StatusOK, idResponse{ID: strconv.FormatInt(next, 10)})
}

func (h *httpHandlers) handleBatch(w http.ResponseWriter, r *http.Request) {
	count := 1
	if raw := r.URL.Query().Get("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid count parameter: %q", raw))
			return
		}
		count = parsed
	}

	if count > h.maxBatch {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("count %d exceeds max batch %d", count, h.maxBatch))
		return
	}

	ids, err := h.gen.NextBatch(count)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	telemetry.IDsGeneratedTotal.Add(float64(len(ids)))
	telemetry.BatchSize.Observe(float64(len(ids)))

	resp := batchResponse{IDs: make([]string, len(ids))}
	for i, v := range ids {
		resp.IDs[i] = formatID(v)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *httpHandlers) handleParse(w http.ResponseWriter, r *http.Request, value uint64) {
	parts := h.gen.Decode(value)
	writeJSONResponse(w, http.StatusOK, parseResponse{
		ID:          formatID(value),
		Tick:        parts.Tick,
		TimestampMs: parts.TimestampMs,
		Time:        parts.Time(),
		WorkerID:    parts.WorkerID,
		Sequence:    parts.Sequence,
	})
}

func (h *httpHandlers) handleValid(w http.ResponseWriter, r *http.Request, value uint64) {
	strict := false
	if raw := r.URL.Query().Get("strict"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid strict parameter: %q", raw))
			return
		}
		strict = parsed
	}

	resp := validResponse{ID: formatID(value), Strict: strict, Valid: true}
	if err := h.gen.Validate(value, strict); err != nil {
		resp.Valid = false
		resp.Reason = err.Error()
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *httpHandlers) handleDebug(w http.ResponseWriter, r *http.Request, value uint64) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, h.gen.DebugFormat(value))
}

func (h *httpHandlers) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.gen.Stats())
}

func (h *httpHandlers) handleResetStats(w http.ResponseWriter, r *http.Request) {
	h.gen.ResetStats()
	log.Info().Msg("Generator statistics reset")
	writeJSONResponse(w, http.StatusOK, h.gen.Stats())
}

func (h *httpHandlers) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.gen.Config())
}

func (h *httpHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, healthResponse{
		Status:   "ok",
		WorkerID: h.gen.Config().WorkerID,
		Mode:     h.gen.Stats().Mode,
	})
}

// withID parses the {id} URL parameter
func (h *httpHandlers) withID(fn func(http.ResponseWriter, *http.Request, uint64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value, err := flake.ParseID(chi.URLParam(r, "id"))
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		fn(w, r, value)
	}
}

func formatID(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// writeJSONResponse writes a JSON response body
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSONResponse(w, status, map[string]interface{}{
		"error": message,
	})
}
