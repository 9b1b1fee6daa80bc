package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/salimomrani/trucktrack-sub002/internal/bus"
	"github.com/salimomrani/trucktrack-sub002/internal/dispatch"
	"github.com/salimomrani/trucktrack-sub002/internal/domain"
	"github.com/salimomrani/trucktrack-sub002/internal/metrics"
	"github.com/salimomrani/trucktrack-sub002/internal/store"
)

// Publisher is the bus write side.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// StatusReader serves the vehicle status read path (implemented by
// status.Engine).
type StatusReader interface {
	ReadStatus(ctx context.Context, vehicleID string) (*domain.VehicleState, error)
}

// FleetReader lists persisted fleet state (implemented by store.Postgres).
type FleetReader interface {
	ListFleetStates(ctx context.Context, fleetID string) ([]*domain.VehicleState, error)
}

// Ops exposes operator endpoints (implemented by store.Postgres).
type Ops interface {
	ListDeadLetters(ctx context.Context, limit int) ([]bus.DeadLetter, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

// Notifier accepts direct send requests (implemented by dispatch.Service).
type Notifier interface {
	HandleSendRequest(ctx context.Context, req dispatch.SendRequest) error
}

// Pinger is a dependency health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	validator *Validator
	publisher Publisher
	status    StatusReader
	fleet     FleetReader
	ops       Ops
	dispatch  Notifier
	auth      *Authenticator
	ws        http.HandlerFunc
	probes    map[string]Pinger
	registry  *prometheus.Registry
	logger    zerolog.Logger
	m         *metrics.Metrics
	now       func() time.Time
}

type ServerDeps struct {
	Validator *Validator
	Publisher Publisher
	Status    StatusReader
	Fleet     FleetReader
	Ops       Ops
	Dispatch  Notifier
	Auth      *Authenticator
	WS        http.HandlerFunc
	Probes    map[string]Pinger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

func NewServer(deps ServerDeps) *Server {
	return &Server{
		validator: deps.Validator,
		publisher: deps.Publisher,
		status:    deps.Status,
		fleet:     deps.Fleet,
		ops:       deps.Ops,
		dispatch:  deps.Dispatch,
		auth:      deps.Auth,
		ws:        deps.WS,
		probes:    deps.Probes,
		registry:  deps.Registry,
		logger:    deps.Logger.With().Str("component", "http").Logger(),
		m:         deps.Metrics,
		now:       time.Now,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	if s.ws != nil {
		r.Get("/ws", s.ws)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Post("/positions", s.handleIngest)
		r.Post("/positions/bulk", s.handleIngestBulk)

		r.Get("/vehicles/{vehicleID}/status", s.handleVehicleStatus)
		r.Get("/fleets/{fleetID}/status", s.handleFleetStatus)

		r.Post("/notifications/send", s.handleSendNotification)
		r.Post("/notifications/{id}/read", s.handleMarkRead)

		r.Get("/ops/dead-letters", s.handleDeadLetters)
	})

	return r
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var report Report
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	ev, verr := s.validator.Validate(&report)
	if verr != nil {
		s.m.PositionsRejected.Inc()
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":  "validation failed",
			"fields": verr.Fields,
		})
		return
	}

	if err := s.publish(r.Context(), ev); err != nil {
		s.logger.Error().Err(err).Str("vehicle_id", ev.VehicleID).Msg("position publish failed")
		writeError(w, http.StatusInternalServerError, "failed to enqueue position")
		return
	}
	s.m.PositionsReceived.WithLabelValues("http").Inc()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "accepted",
		"eventId":   ev.EventID,
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) handleIngestBulk(w http.ResponseWriter, r *http.Request) {
	var reports []Report
	if err := json.NewDecoder(r.Body).Decode(&reports); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body, expected an array of reports")
		return
	}

	result := s.validator.ValidateBulk(reports)
	accepted := 0
	for _, ev := range result.Accepted {
		if err := s.publish(r.Context(), ev); err != nil {
			s.logger.Error().Err(err).Str("vehicle_id", ev.VehicleID).Msg("bulk position publish failed")
			continue
		}
		accepted++
	}
	s.m.PositionsReceived.WithLabelValues("http").Add(float64(accepted))
	if n := len(result.Rejected); n > 0 {
		s.m.PositionsRejected.Add(float64(n))
	}

	resp := map[string]interface{}{
		"status":    "accepted",
		"counts":    map[string]int{"accepted": accepted, "rejected": len(result.Rejected)},
		"timestamp": s.now().UTC(),
	}
	if len(result.Rejected) > 0 {
		resp["errors"] = result.Rejected
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) publish(ctx context.Context, ev *domain.PositionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, bus.TopicPositions, ev.VehicleID, payload); err != nil {
		return err
	}
	s.m.BusPublished.WithLabelValues(bus.TopicPositions).Inc()
	return nil
}

func (s *Server) handleVehicleStatus(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "vehicleID")

	st, err := s.status.ReadStatus(r.Context(), vehicleID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown vehicle")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("vehicle_id", vehicleID).Msg("status read failed")
		writeError(w, http.StatusInternalServerError, "status read failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleFleetStatus(w http.ResponseWriter, r *http.Request) {
	fleetID := chi.URLParam(r, "fleetID")

	states, err := s.fleet.ListFleetStates(r.Context(), fleetID)
	if err != nil {
		s.logger.Error().Err(err).Str("fleet_id", fleetID).Msg("fleet status read failed")
		writeError(w, http.StatusInternalServerError, "fleet status read failed")
		return
	}

	// Persisted status can lag for silent vehicles; serve the age-derived one.
	now := s.now()
	for _, st := range states {
		st.Status = domain.DeriveStatus(st.SpeedKmh, now.Sub(st.LastSeen))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fleet_id": fleetID,
		"count":    len(states),
		"vehicles": states,
	})
}

func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	var req dispatch.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if len(req.Recipients) == 0 {
		writeError(w, http.StatusBadRequest, "recipients is required")
		return
	}

	if err := s.dispatch.HandleSendRequest(r.Context(), req); err != nil {
		s.logger.Error().Err(err).Str("request_id", req.RequestID).Msg("send request failed")
		writeError(w, http.StatusInternalServerError, "send request failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":    "accepted",
		"timestamp": s.now().UTC(),
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.ops.MarkNotificationRead(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no delivered notification with that id")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("notification_id", id).Msg("mark read failed")
		writeError(w, http.StatusInternalServerError, "mark read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	letters, err := s.ops.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("dead letter listing failed")
		writeError(w, http.StatusInternalServerError, "dead letter listing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":        len(letters),
		"dead_letters": letters,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.probes))
	healthy := true
	for name, probe := range s.probes {
		if err := probe.Ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	code := http.StatusOK
	status := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	writeJSON(w, code, map[string]interface{}{"status": status, "checks": checks})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
