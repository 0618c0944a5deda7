package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/meetscribe/internal/health"
	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/pkg/capture"
)

// stopTimeout bounds a DELETE /v1/session request, upload included.
const stopTimeout = 2 * time.Minute

// newStatusHandler builds the status server routes:
//
//	GET    /healthz     liveness
//	GET    /readyz      backend and stream readiness
//	GET    /metrics     Prometheus scrape endpoint
//	GET    /v1/session  snapshot of the current or last recording
//	POST   /v1/session  start a recording
//	DELETE /v1/session  stop the active recording
func newStatusHandler(sm *SessionManager, h *health.Handler, m *observe.Metrics) http.Handler {
	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	s := &sessionAPI{sessions: sm}
	mux.HandleFunc("GET /v1/session", s.get)
	mux.HandleFunc("POST /v1/session", s.start)
	mux.HandleFunc("DELETE /v1/session", s.stop)

	return observe.Middleware(m)(mux)
}

type sessionAPI struct {
	sessions *SessionManager
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *sessionAPI) get(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.sessions.Snapshot()
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *sessionAPI) start(w http.ResponseWriter, r *http.Request) {
	var opts StartOptions
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&opts); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return
	}

	// The recording outlives the request.
	rec, err := s.sessions.Start(context.WithoutCancel(r.Context()), opts)
	switch {
	case errors.Is(err, ErrSessionActive):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	case errors.Is(err, ErrInvalidOptions):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	case errors.Is(err, capture.ErrPermissionDenied),
		errors.Is(err, capture.ErrDeviceUnavailable),
		errors.Is(err, capture.ErrUnsupportedSource):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
		return
	case err != nil:
		slog.Warn("start via status API failed", "err", err)
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, rec.Snapshot())
}

func (s *sessionAPI) stop(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.sessions.Current(); !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: ErrNoSession.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()

	err := s.sessions.Stop(ctx)
	snap, _ := s.sessions.Snapshot()
	if err != nil && ctx.Err() != nil {
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: err.Error()})
		return
	}
	// A recording that ended abnormally still stopped; its error is part of
	// the snapshot.
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}
