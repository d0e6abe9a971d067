// Package statusapi serves workout status and controls over HTTP, with a
// server-sent events feed of progress, state and telemetry.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nford88/hybrid-workout-ftms/internal/fitexport"
	"github.com/nford88/hybrid-workout-ftms/internal/ftms"
	"github.com/nford88/hybrid-workout-ftms/internal/gearing"
	"github.com/nford88/hybrid-workout-ftms/internal/store"
	"github.com/nford88/hybrid-workout-ftms/internal/workout"
)

// Workout is satisfied by *workout.Scheduler.
type Workout interface {
	Snapshot() workout.Progress
	Steps() []workout.StepSummary
	Skip() error
	EndWorkout() error
	OnProgress(fn func(workout.Progress)) func()
	OnState(fn func(workout.StateEvent)) func()
}

// Summaries is satisfied by *store.Store.
type Summaries interface {
	ListSummaries(ctx context.Context, limit int) ([]workout.Summary, error)
	GetSummary(ctx context.Context, id string) (workout.Summary, error)
}

// Gears is satisfied by *gearing.Gearbox.
type Gears interface {
	ShiftUp() bool
	ShiftDown() bool
	CurrentGear() gearing.Gear
	Enabled() bool
}

// Starter starts a stored plan on the connected trainer.
type Starter interface {
	StartPlan(ctx context.Context, planID string) error
}

// Telemetry is satisfied by *ftms.Session.
type Telemetry interface {
	OnTelemetry(fn func(ftms.Sample)) func()
}

type Config struct {
	Workout   Workout
	Summaries Summaries // optional
	Gears     Gears     // optional
	Starter   Starter   // optional
	Telemetry Telemetry // optional
	Logger    *log.Logger
}

type Server struct {
	cfg    Config
	logger *log.Logger
	router chi.Router
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		panic("StatusAPI: logger cannot be nil")
	}
	if cfg.Workout == nil {
		panic("StatusAPI: workout cannot be nil")
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: cfg.Logger, NoColor: true}))
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Get("/steps", s.getSteps)
		r.Get("/events", s.streamEvents)
		r.Post("/workout/start", s.startWorkout)
		r.Post("/workout/skip", s.skipStep)
		r.Post("/workout/end", s.endWorkout)
		r.Get("/gear", s.getGear)
		r.Post("/gear/up", s.shift(true))
		r.Post("/gear/down", s.shift(false))
		r.Get("/summaries", s.listSummaries)
		r.Get("/summaries/{id}", s.getSummary)
		r.Get("/summaries/{id}/fit", s.getSummaryFIT)
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("StatusAPI: listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status api shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	p := s.cfg.Workout.Snapshot()
	resp := struct {
		workout.Progress
		Elapsed         string  `json:"elapsed"`
		WorkoutProgress float64 `json:"workoutProgressPct"`
		RouteProgress   float64 `json:"routeProgressPct"`
		Distance        string  `json:"distanceLabel"`
	}{
		Progress:        p,
		Elapsed:         workout.FormatClock(p.WorkoutElapsed),
		WorkoutProgress: p.WorkoutProgressPct(),
		RouteProgress:   p.RouteProgressPct(),
		Distance:        p.DistanceLabel(),
	}
	s.respondJSON(w, resp, http.StatusOK)
}

func (s *Server) getSteps(w http.ResponseWriter, r *http.Request) {
	steps := s.cfg.Workout.Steps()
	if steps == nil {
		steps = []workout.StepSummary{}
	}
	s.respondJSON(w, steps, http.StatusOK)
}

func (s *Server) startWorkout(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Starter == nil {
		s.respondError(w, "starting workouts is not enabled", http.StatusNotImplemented)
		return
	}
	var req struct {
		PlanID string `json:"planId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanID == "" {
		s.respondError(w, "request body must name a planId", http.StatusBadRequest)
		return
	}
	err := s.cfg.Starter.StartPlan(r.Context(), req.PlanID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, store.ErrNotFound):
		s.respondError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, workout.ErrAlreadyRunning), errors.Is(err, ftms.ErrNotConnected):
		s.respondError(w, err.Error(), http.StatusConflict)
	default:
		s.respondError(w, err.Error(), http.StatusUnprocessableEntity)
	}
}

func (s *Server) skipStep(w http.ResponseWriter, r *http.Request) {
	s.control(w, s.cfg.Workout.Skip)
}

func (s *Server) endWorkout(w http.ResponseWriter, r *http.Request) {
	s.control(w, s.cfg.Workout.EndWorkout)
}

func (s *Server) control(w http.ResponseWriter, fn func() error) {
	if err := fn(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, workout.ErrNotRunning) {
			status = http.StatusConflict
		}
		s.respondError(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getGear(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gears == nil {
		s.respondError(w, "virtual gearing is not configured", http.StatusNotFound)
		return
	}
	s.respondJSON(w, gearResponse(s.cfg.Gears), http.StatusOK)
}

func (s *Server) shift(up bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Gears == nil || !s.cfg.Gears.Enabled() {
			s.respondError(w, "virtual gearing is disabled", http.StatusConflict)
			return
		}
		moved := s.cfg.Gears.ShiftDown
		if up {
			moved = s.cfg.Gears.ShiftUp
		}
		if !moved() {
			s.respondError(w, "already in the last gear", http.StatusConflict)
			return
		}
		s.respondJSON(w, gearResponse(s.cfg.Gears), http.StatusOK)
	}
}

func gearResponse(g Gears) any {
	return struct {
		Enabled bool         `json:"enabled"`
		Gear    gearing.Gear `json:"gear"`
	}{Enabled: g.Enabled(), Gear: g.CurrentGear()}
}

func (s *Server) listSummaries(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Summaries == nil {
		s.respondJSON(w, []workout.Summary{}, http.StatusOK)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	sums, err := s.cfg.Summaries.ListSummaries(r.Context(), limit)
	if err != nil {
		s.respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sums == nil {
		sums = []workout.Summary{}
	}
	s.respondJSON(w, sums, http.StatusOK)
}

func (s *Server) lookupSummary(w http.ResponseWriter, r *http.Request) (workout.Summary, bool) {
	if s.cfg.Summaries == nil {
		s.respondError(w, "summary not found", http.StatusNotFound)
		return workout.Summary{}, false
	}
	sum, err := s.cfg.Summaries.GetSummary(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, "summary not found", http.StatusNotFound)
		return workout.Summary{}, false
	}
	if err != nil {
		s.respondError(w, err.Error(), http.StatusInternalServerError)
		return workout.Summary{}, false
	}
	return sum, true
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	if sum, ok := s.lookupSummary(w, r); ok {
		s.respondJSON(w, sum, http.StatusOK)
	}
}

// getSummaryFIT exports the stored summary as a lap-only FIT activity.
func (s *Server) getSummaryFIT(w http.ResponseWriter, r *http.Request) {
	sum, ok := s.lookupSummary(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/vnd.ant.fit")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fitexport.FileName(sum)))
	var rec *fitexport.Recorder
	if err := rec.Encode(w, sum); err != nil {
		s.logger.Printf("StatusAPI: FIT export of %s failed: %v", sum.ID, err)
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Printf("StatusAPI: failed to encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, message string, status int) {
	s.respondJSON(w, map[string]string{"error": message}, status)
}
