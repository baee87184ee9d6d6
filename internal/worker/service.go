// Package worker provides the HTTP status service for runsift.
package worker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/runsift/internal/similarity"
	"github.com/thebtf/runsift/internal/worker/sse"
	"github.com/thebtf/runsift/pkg/models"
)

// DefaultRunEventsLimit caps GET /api/runs/{runID}/events when no limit is given.
const DefaultRunEventsLimit = 100

// ShutdownTimeout bounds graceful shutdown of the HTTP server.
const ShutdownTimeout = 10 * time.Second

// Pinger reports database liveness.
type Pinger interface {
	Ping() error
}

// QueueLen reports how many items await processing.
type QueueLen interface {
	Len(ctx context.Context) (int64, error)
}

// StatsSource exposes processor counters.
type StatsSource interface {
	Stats() similarity.StatsSnapshot
}

// Events is the event access the service needs.
type Events interface {
	Record(ctx context.Context, event *models.Event) error
	ListRunEvents(ctx context.Context, runID uuid.UUID, limit int) ([]*models.Event, error)
	CountDuplicates(ctx context.Context, runID uuid.UUID) (int64, error)
}

// Deps are the collaborators of the service.
type Deps struct {
	DB          Pinger
	Queue       QueueLen
	Stats       StatsSource
	Events      Events
	Broadcaster *sse.Broadcaster
}

// Service serves health, stats and the live outcome stream.
type Service struct {
	deps      Deps
	router    chi.Router
	server    *http.Server
	startTime time.Time
	version   string
	addr      string
	ready     atomic.Bool
}

// NewService builds the service and its routes. It is not ready until Run starts.
func NewService(version, addr string, deps Deps) *Service {
	if deps.Broadcaster == nil {
		deps.Broadcaster = sse.NewBroadcaster()
	}
	s := &Service{
		deps:      deps,
		router:    chi.NewRouter(),
		startTime: time.Now(),
		version:   version,
		addr:      addr,
	}
	s.setupRoutes()
	return s
}

// Handler returns the service router.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Broadcaster returns the SSE broadcaster, whose Publish serves as a processor observer.
func (s *Service) Broadcaster() *sse.Broadcaster {
	return s.deps.Broadcaster
}

// SetReady marks the service ready or not.
func (s *Service) SetReady(v bool) {
	s.ready.Store(v)
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/ready", s.handleReady)
	s.router.Get("/api/version", s.handleVersion)

	s.router.Group(func(r chi.Router) {
		r.Use(s.requireReady)
		r.Get("/api/stats", s.handleStats)
		r.Get("/api/events", s.deps.Broadcaster.HandleSSE)
		r.Get("/api/runs/{runID}/events", s.handleRunEvents)
		r.Post("/api/runs/{runID}/events", s.handleRecordEvent)
	})
}

// Run listens on the configured address until ctx is cancelled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// Shutdown waits for active handlers; SSE streams only end when the broadcaster closes them.
	s.server.RegisterOnShutdown(s.deps.Broadcaster.Close)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("Status server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.ready.Store(true)

	select {
	case <-ctx.Done():
		s.ready.Store(false)
		log.Info().Msg("Shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		s.ready.Store(false)
		return err
	}
}

// requireReady rejects requests until the service is ready.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			http.Error(w, "service not ready", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(); err != nil {
			log.Warn().Err(err).Msg("Health check failed")
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

type statsResponse struct {
	Processor   *similarity.StatsSnapshot `json:"processor,omitempty"`
	QueueLength int64                     `json:"queue_length"`
	SSEClients  int                       `json:"sse_clients"`
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{SSEClients: s.deps.Broadcaster.ClientCount()}
	if s.deps.Stats != nil {
		snap := s.deps.Stats.Stats()
		resp.Processor = &snap
	}
	if s.deps.Queue != nil {
		n, err := s.deps.Queue.Len(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("Failed to read queue length")
			http.Error(w, "queue unavailable", http.StatusInternalServerError)
			return
		}
		resp.QueueLength = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}

	limit := DefaultRunEventsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.deps.Events.ListRunEvents(r.Context(), runID, limit)
	if err != nil {
		log.Error().Err(err).Str("runId", runID.String()).Msg("Failed to list run events")
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	dups, err := s.deps.Events.CountDuplicates(r.Context(), runID)
	if err != nil {
		log.Error().Err(err).Str("runId", runID.String()).Msg("Failed to count duplicates")
		http.Error(w, "failed to count duplicates", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     runID,
		"events":     events,
		"duplicates": dups,
	})
}

type recordRequest struct {
	TS       time.Time `json:"ts"`
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
}

func (s *Service) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseRunID(w, r)
	if !ok {
		return
	}

	var req recordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	sev, err := models.ParseSeverity(req.Severity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.TS.IsZero() {
		req.TS = time.Now()
	}

	event := &models.Event{RunID: runID, Severity: sev, TS: req.TS, Message: req.Message}
	if err := s.deps.Events.Record(r.Context(), event); err != nil {
		log.Error().Err(err).Str("runId", runID.String()).Msg("Failed to record event")
		http.Error(w, "failed to record event", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	runID, err := uuid.Parse(chi.URLParam(r, "runID"))
	if err != nil {
		http.Error(w, "invalid run id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return runID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
