// Package api exposes the tracker's status and control endpoints together
// with the Prometheus metrics handler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"arrival-tracker/internal/db"
	"arrival-tracker/internal/tracker"
	"arrival-tracker/internal/transit"
)

type Controller interface {
	Start(ctx context.Context)
	Stop()
	Trigger() error
	Status() tracker.Status
}

type SettingsStore interface {
	ReadSettings(ctx context.Context) (transit.SchedulerSettings, error)
	UpdateSettings(ctx context.Context, s transit.SchedulerSettings) error
}

type Server struct {
	ctrl     Controller
	settings SettingsStore
	validate func(transit.SchedulerSettings) error
	metrics  http.Handler
	log      zerolog.Logger

	// runCtx parents the tracker when it is started over HTTP.
	runCtx context.Context
}

func NewServer(runCtx context.Context, ctrl Controller, settings SettingsStore, validate func(transit.SchedulerSettings) error, metrics http.Handler, log zerolog.Logger) *Server {
	return &Server{
		ctrl:     ctrl,
		settings: settings,
		validate: validate,
		metrics:  metrics,
		log:      log.With().Str("component", "api").Logger(),
		runCtx:   runCtx,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /control/start", s.handleStart)
	mux.HandleFunc("POST /control/stop", s.handleStop)
	mux.HandleFunc("POST /control/scan", s.handleScan)
	mux.HandleFunc("GET /settings", s.handleGetSettings)
	mux.HandleFunc("PUT /settings", s.handlePutSettings)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return otelhttp.NewHandler(mux, "api")
}

// Serve starts an HTTP server on addr. The caller shuts it down.
func (s *Server) Serve(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server error")
		}
	}()
	s.log.Info().Str("addr", addr).Msg("http listening")
	return srv
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Start(s.runCtx)
	s.log.Info().Msg("tracker started over http")
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop()
	s.log.Info().Msg("tracker stopped over http")
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.Trigger()
	switch {
	case errors.Is(err, tracker.ErrScanInProgress):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeJSON(w, http.StatusOK, s.ctrl.Status())
	}
}

type settingsBody struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"intervalMinutes"`
	StartHour       int  `json:"startHour"`
	EndHour         int  `json:"endHour"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.settings.ReadSettings(r.Context())
	if errors.Is(err, db.ErrNoSettings) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsBody(st))
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var body settingsBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st := transit.SchedulerSettings(body)
	if s.validate != nil {
		if err := s.validate(st); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
	}
	if err := s.settings.UpdateSettings(r.Context(), st); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info().Bool("enabled", st.Enabled).Int("interval_min", st.IntervalMinutes).
		Int("start_hour", st.StartHour).Int("end_hour", st.EndHour).Msg("settings updated")
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
