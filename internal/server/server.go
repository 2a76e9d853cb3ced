package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mpataki/dayrun/internal/models"
	"github.com/mpataki/dayrun/internal/storage"
)

// Schedule exposes the trigger loop state.
type Schedule interface {
	Next() time.Time
	LastTriggered() time.Time
}

type Config struct {
	Store    *storage.Storage
	Gatherer prometheus.Gatherer
	Schedule Schedule
	Logger   *slog.Logger
}

// Server is the scheduler daemon's status endpoint.
type Server struct {
	store    *storage.Storage
	gatherer prometheus.Gatherer
	schedule Schedule
	logger   *slog.Logger
	started  time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		store:    cfg.Store,
		gatherer: gatherer,
		schedule: cfg.Schedule,
		logger:   logger.With("module", "server"),
		started:  time.Now(),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/schedule", s.getSchedule)
	r.Get("/runs", s.listRuns)
	r.Get("/runs/{id}", s.getRun)

	return r
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type scheduleResponse struct {
	Next          time.Time  `json:"next"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
	Uptime        string     `json:"uptime"`
}

func (s *Server) getSchedule(w http.ResponseWriter, _ *http.Request) {
	if s.schedule == nil {
		writeError(w, http.StatusNotFound, "no schedule configured")
		return
	}
	resp := scheduleResponse{
		Next:   s.schedule.Next(),
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if last := s.schedule.LastTriggered(); !last.IsZero() {
		resp.LastTriggered = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

type runResponse struct {
	ID           string              `json:"id"`
	Trigger      string              `json:"trigger"`
	Status       string              `json:"status"`
	StartIndex   int                 `json:"start_index"`
	CreatedAt    time.Time           `json:"created_at"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	FailedStage  *int                `json:"failed_stage,omitempty"`
	ExitCode     *int                `json:"exit_code,omitempty"`
	JoinWarnings map[string]int      `json:"join_warnings,omitempty"`
	Error        string              `json:"error,omitempty"`
	Executions   []executionResponse `json:"executions,omitempty"`
}

type executionResponse struct {
	Stage    int    `json:"stage"`
	Pipeline string `json:"pipeline"`
	Forked   bool   `json:"forked"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Progress int    `json:"progress"`
	LogPath  string `json:"log_path,omitempty"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, toRunResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.FindRun(chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	execs, err := s.store.GetExecutionsForRun(run.ID)
	if err != nil {
		s.logger.Error("failed to load executions", "run_id", run.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load executions")
		return
	}

	resp := toRunResponse(run)
	for _, e := range execs {
		resp.Executions = append(resp.Executions, executionResponse{
			Stage:    e.StageIndex,
			Pipeline: e.Pipeline,
			Forked:   e.Forked,
			Status:   string(e.Status),
			ExitCode: e.ExitCode,
			Progress: e.Progress,
			LogPath:  e.LogPath,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func toRunResponse(run *models.Run) runResponse {
	return runResponse{
		ID:           run.ID,
		Trigger:      string(run.Trigger),
		Status:       string(run.Status),
		StartIndex:   run.StartIndex,
		CreatedAt:    run.CreatedAt,
		CompletedAt:  run.CompletedAt,
		FailedStage:  run.FailedStage,
		ExitCode:     run.ExitCode,
		JoinWarnings: run.JoinWarnings,
		Error:        run.Error,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
