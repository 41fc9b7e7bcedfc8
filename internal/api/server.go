package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"stator/internal/machine"
	"stator/internal/models"
	"stator/internal/ratelimit"
	"stator/internal/runner"
	"stator/internal/store"
	"stator/internal/telemetry"
)

// StatsProvider is implemented by *runner.Runner.
type StatsProvider interface {
	Stats() runner.Stats
}

// Server wires HTTP handlers for the admin API.
type Server struct {
	store    store.Store
	machines []*machine.Machine
	byName   map[string]*machine.Machine
	limiter  ratelimit.Limiter
	stats    StatsProvider
	logger   *slog.Logger
}

// New constructs the API server. A nil limiter disables tenant rate limiting.
func New(st store.Store, machines []*machine.Machine, limiter ratelimit.Limiter, logger *slog.Logger) *Server {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    st,
		machines: machines,
		byName:   make(map[string]*machine.Machine, len(machines)),
		limiter:  limiter,
		logger:   logger,
	}
	for _, m := range machines {
		s.byName[m.Name()] = m
	}
	return s
}

// WithStats exposes runner bookkeeping on /stats.
func (s *Server) WithStats(p StatsProvider) *Server {
	s.stats = p
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())
	r.Get("/stats", s.handleStats)

	r.Route("/machines", func(r chi.Router) {
		r.Get("/", s.handleListMachines)
		r.Route("/{kind}", func(r chi.Router) {
			r.Get("/states", s.handleCountStates)
			r.Post("/entities", s.handleCreateEntity)
			r.Get("/entities/{id}", s.handleGetEntity)
			r.Get("/entities/{id}/history", s.handleHistory)
		})
	})
	return r
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusNotFound, "no runner in this process")
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

type stateView struct {
	Name        string `json:"name"`
	Initial     bool   `json:"initial,omitempty"`
	Terminal    bool   `json:"terminal,omitempty"`
	TryInterval string `json:"try_interval"`
}

type transitionView struct {
	Name        string `json:"name"`
	From        string `json:"from"`
	To          string `json:"to"`
	Delay       string `json:"delay,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

type machineView struct {
	Name        string           `json:"name"`
	Initial     string           `json:"initial"`
	ErrorState  string           `json:"error_state,omitempty"`
	States      []stateView      `json:"states"`
	Transitions []transitionView `json:"transitions"`
}

func describe(m *machine.Machine) machineView {
	v := machineView{Name: m.Name(), Initial: m.Initial(), ErrorState: m.ErrorState()}
	for _, st := range m.States() {
		v.States = append(v.States, stateView{
			Name:        st.Name,
			Initial:     st.Initial,
			Terminal:    st.Terminal,
			TryInterval: m.TryInterval(st.Name).String(),
		})
		for _, t := range m.Candidates(st.Name) {
			tv := transitionView{Name: t.Label(), From: t.From, To: t.To, MaxAttempts: t.MaxAttempts}
			if t.Delay > 0 {
				tv.Delay = t.Delay.String()
			}
			v.Transitions = append(v.Transitions, tv)
		}
	}
	return v
}

func (s *Server) handleListMachines(w http.ResponseWriter, _ *http.Request) {
	out := make([]machineView, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, describe(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"machines": out})
}

// machineFor resolves {kind}, writing a 404 when it is not registered.
func (s *Server) machineFor(w http.ResponseWriter, r *http.Request) (*machine.Machine, bool) {
	m, ok := s.byName[chi.URLParam(r, "kind")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown machine")
	}
	return m, ok
}

func (s *Server) handleCountStates(w http.ResponseWriter, r *http.Request) {
	m, ok := s.machineFor(w, r)
	if !ok {
		return
	}
	counts, err := s.store.CountByState(r.Context(), m.Name())
	if err != nil {
		s.internalError(w, "count states", err)
		return
	}
	for _, st := range m.States() {
		if _, ok := counts[st.Name]; !ok {
			counts[st.Name] = 0
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"machine": m.Name(), "states": counts})
}

type createRequest struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload"`
}

type createResponse struct {
	Entity  models.Entity `json:"entity"`
	Created bool          `json:"created"`
}

// handleCreateEntity inserts an entity in the machine's initial state. Creating an
// existing id returns the stored record with 200.
func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	m, ok := s.machineFor(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	tenant := tenantFromRequest(r)
	decision, err := s.limiter.Allow(r.Context(), tenant)
	if err != nil {
		s.internalError(w, "rate limit", err)
		return
	}
	if !decision.Allowed {
		telemetry.RateLimitRejects.WithLabelValues("tenant").Inc()
		if decision.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
		}
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	e, created, err := s.store.CreateEntity(r.Context(), store.CreateParams{
		Kind:    m.Name(),
		ID:      req.ID,
		State:   m.Initial(),
		Payload: req.Payload,
	})
	if err != nil {
		s.internalError(w, "create entity", err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
		telemetry.EntitiesCreated.WithLabelValues(m.Name()).Inc()
		s.logger.Info("entity created", "machine", m.Name(), "entity_id", e.ID, "tenant", tenant)
	}
	writeJSON(w, code, createResponse{Entity: e, Created: created})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	m, ok := s.machineFor(w, r)
	if !ok {
		return
	}
	e, err := s.store.GetEntity(r.Context(), m.Name(), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	if err != nil {
		s.internalError(w, "get entity", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	m, ok := s.machineFor(w, r)
	if !ok {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.store.History(r.Context(), m.Name(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.internalError(w, "read history", err)
		return
	}
	if items == nil {
		items = []models.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
