// Package api serves the check-in and squad endpoints over HTTP and the squad
// command channel over WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pilgrim_sync/internal/aar"
	"pilgrim_sync/internal/catalog"
	"pilgrim_sync/internal/checkin"
	"pilgrim_sync/internal/event"
	"pilgrim_sync/internal/geo"
	"pilgrim_sync/internal/metrics"
	"pilgrim_sync/internal/squad"
	"pilgrim_sync/internal/wire"
)

// maxRecordPage bounds one after-action record response.
const maxRecordPage = 1000

var errBadRequest = errors.New("bad request")

// Config holds the dependencies and settings of the API server.
type Config struct {
	Addr     string
	CheckIns *checkin.Service
	Targets  *catalog.Catalog
	Hub      *squad.Hub
	Record   aar.Store
	Auth     Authenticator
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	// Ready reports whether the backing stores are reachable.
	Ready func(ctx context.Context) error
}

// Server provides the pilgrim API.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// NewServer creates an API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	return &Server{cfg: cfg, logger: cfg.Logger}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Router returns the configured chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.metricsMiddleware)
	r.Use(corsMiddleware)

	r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/targets", s.handleTargets)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// The channel outlives any request timeout.
			r.Get("/ws", s.handleChannel)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))

				r.Post("/checkins", s.handleConfirm)
				r.Patch("/checkins/{id}", s.handleUpdateReflection)
				r.Delete("/checkins/{id}", s.handleDeleteCheckIn)

				r.Post("/squads", s.handleCreateSquad)
				r.Post("/squads/join", s.handleJoinSquad)
				r.Delete("/squads/membership", s.handleLeaveSquad)
				r.Get("/squads/{id}", s.handleGetSquad)
				r.Get("/squads/{id}/aar", s.handleRecord)
			})
		})
	})

	return r
}

// corsMiddleware adds CORS headers for browser access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.cfg.Metrics.ObserveHTTP(r.Method, route, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if s.cfg.Ready != nil {
		if err := s.cfg.Ready(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	targets := []geo.Target{}
	if s.cfg.Targets != nil {
		targets = s.cfg.Targets.All()
	}
	writeJSON(w, http.StatusOK, targets)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req wire.CheckInRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.cfg.CheckIns.Confirm(r.Context(), userFrom(r.Context()), req)
	if err != nil {
		s.cfg.Metrics.CheckIn("rejected")
		s.writeError(w, err)
		return
	}
	if resp.Duplicate {
		s.cfg.Metrics.CheckIn("duplicate")
		writeJSON(w, http.StatusOK, resp)
		return
	}
	s.cfg.Metrics.CheckIn("confirmed")
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleUpdateReflection(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req wire.ReflectionUpdate
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cfg.CheckIns.UpdateReflection(r.Context(), userFrom(r.Context()), id, req.Reflection); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteCheckIn(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cfg.CheckIns.Delete(r.Context(), userFrom(r.Context()), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateSquad(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateSquadRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sq, err := s.cfg.Hub.CreateSquad(r.Context(), req.Name, userFrom(r.Context()), req.Capacity)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSquad(w, r, http.StatusCreated, sq.ID)
}

func (s *Server) handleJoinSquad(w http.ResponseWriter, r *http.Request) {
	var req wire.JoinSquadRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	sq, err := s.cfg.Hub.JoinSquad(r.Context(), req.Code, userFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSquad(w, r, http.StatusOK, sq.ID)
}

func (s *Server) handleLeaveSquad(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Hub.LeaveSquad(r.Context(), userFrom(r.Context())); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSquad(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.requireMember(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeSquad(w, r, http.StatusOK, id)
}

// RecordResponse is a page of the after-action record.
type RecordResponse struct {
	SquadID int64         `json:"squad_id"`
	Floor   uint64        `json:"floor"`
	Head    uint64        `json:"head"`
	Events  []event.Event `json:"events"`
	// Next is the sequence to request for the following page, or zero.
	Next uint64 `json:"next,omitempty"`
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	from, err := queryUint(r, "from", 1)
	if err != nil {
		s.writeError(w, err)
		return
	}
	to, err := queryUint(r, "to", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if to != 0 && to < from {
		s.writeError(w, fmt.Errorf("%w: to before from", errBadRequest))
		return
	}
	if err := s.requireMember(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	b, err := s.cfg.Record.Bounds(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if to == 0 || to > b.Head {
		to = b.Head
	}
	resp := RecordResponse{SquadID: id, Floor: b.Floor, Head: b.Head, Events: []event.Event{}}
	if from <= to {
		for ev, err := range aar.Replay(r.Context(), s.cfg.Record, id, from, to) {
			if err != nil {
				s.writeError(w, err)
				return
			}
			if len(resp.Events) == maxRecordPage {
				resp.Next = ev.Sequence
				break
			}
			resp.Events = append(resp.Events, ev)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) requireMember(ctx context.Context, squadID int64) error {
	m, err := s.cfg.Hub.MembershipOf(ctx, userFrom(ctx))
	if err != nil {
		return err
	}
	if m == nil || m.SquadID != squadID {
		return squad.ErrNotMember
	}
	return nil
}

func (s *Server) writeSquad(w http.ResponseWriter, r *http.Request, status int, id int64) {
	sq, members, err := s.cfg.Hub.Roster(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, status, toWireSquad(sq, members))
}

func toWireSquad(s squad.Squad, members []squad.Member) wire.Squad {
	out := wire.Squad{
		ID:        s.ID,
		Name:      s.Name,
		JoinCode:  s.JoinCode,
		CreatorID: s.CreatorID,
		Capacity:  s.Capacity,
	}
	for _, m := range members {
		out.Members = append(out.Members, wire.Member{
			UserID:   m.UserID,
			JoinedAt: m.JoinedAt,
			Online:   m.Online,
			Status:   m.Status,
			Position: m.Position,
		})
	}
	return out
}

// Helper functions.

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", errBadRequest, chi.URLParam(r, "id"))
	}
	return id, nil
}

func queryUint(r *http.Request, key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s %q", errBadRequest, key, raw)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorBody maps an error onto its HTTP status and wire body.
func errorBody(err error) (int, wire.ErrorBody) {
	body := func(code string, retryable bool) wire.ErrorBody {
		return wire.ErrorBody{Code: code, Message: err.Error(), Retryable: retryable}
	}
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, checkin.ErrInvalidRequest),
		errors.Is(err, event.ErrInvalidEvent),
		errors.Is(err, squad.ErrInvalidSquad),
		errors.Is(err, geo.ErrInvalidCoordinate):
		return http.StatusBadRequest, body(wire.CodeInvalidArgument, false)
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, body(wire.CodeUnauthenticated, false)
	case errors.Is(err, squad.ErrNotMember):
		return http.StatusForbidden, body(wire.CodeNotMember, false)
	case errors.Is(err, catalog.ErrUnknownTarget),
		errors.Is(err, checkin.ErrNotFound),
		errors.Is(err, squad.ErrUnknownSquad),
		errors.Is(err, aar.ErrUnknownSquad):
		return http.StatusNotFound, body(wire.CodeNotFound, false)
	case errors.Is(err, checkin.ErrNotInRange):
		return http.StatusUnprocessableEntity, body(wire.CodeNotInRange, false)
	case errors.Is(err, squad.ErrSquadFull):
		return http.StatusConflict, body(wire.CodeSquadFull, false)
	case errors.Is(err, squad.ErrAlreadyMember):
		return http.StatusConflict, body(wire.CodeAlreadyMember, false)
	case errors.Is(err, squad.ErrHistoryTruncated):
		return http.StatusGone, body(wire.CodeHistoryTruncated, false)
	case errors.Is(err, squad.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, wire.ErrorBody{Code: wire.CodeInternal, Message: "service unavailable", Retryable: true}
	}
	return http.StatusInternalServerError, wire.ErrorBody{Code: wire.CodeInternal, Message: "internal error", Retryable: true}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, wire.ErrorResponse{Error: body})
}
