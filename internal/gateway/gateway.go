// Package gateway exposes the experiment lifecycle over a bearer-token
// HTTP JSON API plus a websocket event stream.
package gateway

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

	"github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/evomem/internal/bus"
	"github.com/basket/evomem/internal/graduation"
	"github.com/basket/evomem/internal/lifecycle"
	evotel "github.com/basket/evomem/internal/otel"
	"github.com/basket/evomem/internal/persistence"
	"github.com/basket/evomem/internal/shared"
)

const maxRequestBody = 1 << 20 // 1MB

type Config struct {
	Manager  *lifecycle.Manager
	Pipeline *graduation.Pipeline
	Store    *persistence.Store
	Bus      *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint string

	Logger  *slog.Logger
	Metrics *evotel.Metrics
	Tracer  trace.Tracer
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(evotel.TracerName)
	}
	return &Server{cfg: cfg, logger: logger, tracer: tracer}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/v1/experiments", s.handleExperiments)
	mux.HandleFunc("/api/v1/experiments/", s.handleExperimentSubresource)
	mux.HandleFunc("/api/v1/stats/confidence", s.handleConfidenceStats)
	mux.HandleFunc("/api/v1/retention/purge", s.handlePurge)
	mux.HandleFunc("/api/v1/events/ws", s.handleEventsWS)
	return s.instrument(mux)
}

// instrument records per-request latency with method and path attributes.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		r = r.WithContext(shared.WithTraceID(r.Context(), shared.NewTraceID()))
		next.ServeHTTP(w, r)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds(),
				metric.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", routeLabel(r.URL.Path)),
				))
		}
	})
}

// routeLabel collapses experiment IDs out of the path so the histogram
// keeps bounded cardinality.
func routeLabel(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/v1/experiments/")
	if !ok {
		return path
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return "/api/v1/experiments/{id}/" + rest[i+1:]
	}
	return "/api/v1/experiments/{id}"
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	patterns, err := s.cfg.Store.PatternCount(ctx)
	if err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"patterns":    patterns,
		"config_hash": s.cfg.ConfigFingerprint,
	}
	if !dbOK {
		writeJSON(w, http.StatusServiceUnavailable, payload)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.createExperiment(w, r)
	case http.MethodGet:
		s.listExperiments(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createExperiment(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.CreateExperimentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SandboxID) == "" {
		writeError(w, http.StatusBadRequest, "sandbox_id is required")
		return
	}
	if strings.TrimSpace(req.Proposal) == "" {
		writeError(w, http.StatusBadRequest, "proposal is required")
		return
	}
	if req.Kind != "" && !validExperimentKind(req.Kind) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown experiment kind %q", req.Kind))
		return
	}
	if req.RiskLevel != "" && !validRiskLevel(req.RiskLevel) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown risk level %q", req.RiskLevel))
		return
	}
	exp, err := s.cfg.Manager.CreateExperiment(r.Context(), req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) listExperiments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		userID = shared.DefaultUserID
	}
	filter := persistence.ExperimentFilter{
		Outcome:   persistence.Outcome(q.Get("outcome")),
		Kind:      persistence.ExperimentKind(q.Get("kind")),
		SandboxID: q.Get("sandbox_id"),
	}
	if filter.Outcome != "" && !validOutcome(filter.Outcome) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown outcome %q", filter.Outcome))
		return
	}
	if filter.Kind != "" && !validExperimentKind(filter.Kind) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown experiment kind %q", filter.Kind))
		return
	}
	if v := q.Get("graduated"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "graduated must be a boolean")
			return
		}
		filter.Graduated = &b
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	exps, err := s.cfg.Manager.ListExperiments(r.Context(), userID, filter)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiments": exps, "count": len(exps)})
}

// handleExperimentSubresource dispatches /api/v1/experiments/{id} and its
// memories, outcome, graduate and graduations subroutes.
func (s *Server) handleExperimentSubresource(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/experiments/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusBadRequest, "experiment id required")
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		exp, err := s.cfg.Manager.GetExperiment(r.Context(), id)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, exp)
		return
	}

	switch parts[1] {
	case "memories":
		switch r.Method {
		case http.MethodPost:
			s.createMemory(w, r, id)
		case http.MethodGet:
			s.listMemories(w, r, id)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case "outcome":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.updateOutcome(w, r, id)
	case "graduate":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.graduate(w, r, id)
	case "graduations":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.listGraduations(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (s *Server) createMemory(w http.ResponseWriter, r *http.Request, experimentID string) {
	var req lifecycle.CreateMemoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.ExperimentID = experimentID
	if !validMemoryKind(req.Kind) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown memory kind %q", req.Kind))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	mem, err := s.cfg.Manager.CreateExperimentMemory(r.Context(), req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mem)
}

func (s *Server) listMemories(w http.ResponseWriter, r *http.Request, experimentID string) {
	q := r.URL.Query()
	filter := persistence.MemoryFilter{
		Kind: persistence.MemoryKind(q.Get("kind")),
	}
	if filter.Kind != "" && !validMemoryKind(filter.Kind) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown memory kind %q", filter.Kind))
		return
	}
	if v := q.Get("graduated"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "graduated must be a boolean")
			return
		}
		filter.Graduated = &b
	}
	if v := q.Get("min_relevance"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			writeError(w, http.StatusBadRequest, "min_relevance must be a non-negative number")
			return
		}
		filter.MinRelevance = f
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	mems, err := s.cfg.Manager.ListMemories(r.Context(), experimentID, filter)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memories": mems, "count": len(mems)})
}

type outcomeRequest struct {
	Outcome  persistence.Outcome         `json:"outcome"`
	Evidence persistence.OutcomeEvidence `json:"evidence"`
}

func (s *Server) updateOutcome(w http.ResponseWriter, r *http.Request, experimentID string) {
	var req outcomeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch {
	case req.Outcome == persistence.OutcomeRunning:
		if err := s.cfg.Manager.StartExperiment(r.Context(), experimentID); err != nil {
			s.writeFailure(w, r, err)
			return
		}
	case req.Outcome.IsTerminal():
		if err := s.cfg.Manager.UpdateOutcome(r.Context(), experimentID, req.Outcome, req.Evidence); err != nil {
			s.writeFailure(w, r, err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown outcome %q", req.Outcome))
		return
	}
	exp, err := s.cfg.Manager.GetExperiment(r.Context(), experimentID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) graduate(w http.ResponseWriter, r *http.Request, experimentID string) {
	var req graduation.Request
	if !decodeBody(w, r, &req) {
		return
	}
	req.ExperimentID = experimentID
	if req.Decision != persistence.DecisionAccept && req.Decision != persistence.DecisionReject {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decision must be accept or reject, got %q", req.Decision))
		return
	}
	result, err := s.cfg.Pipeline.Graduate(r.Context(), req)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	// Partial promotion failures are reported in the body, not the status.
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listGraduations(w http.ResponseWriter, r *http.Request, experimentID string) {
	grads, err := s.cfg.Manager.ListGraduations(r.Context(), experimentID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"graduations": grads, "count": len(grads)})
}

func (s *Server) handleConfidenceStats(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := s.cfg.Manager.ConfidenceStats(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type purgeRequest struct {
	Days int `json:"days"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req purgeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Days < 0 {
		writeError(w, http.StatusBadRequest, "days must not be negative")
		return
	}
	purged, err := s.cfg.Manager.Purge(r.Context(), req.Days)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

// decodeBody decodes a size-capped JSON request body, writing a 400 on
// failure. Returns false when the response has already been written.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFailure maps domain errors onto HTTP statuses: unknown records are
// 404, state machine violations 409, database unavailability 503.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, persistence.ErrInvalidTransition):
		status = http.StatusConflict
	case isStorageFailure(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		s.logger.Error("gateway: request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"trace_id", shared.TraceID(r.Context()),
			"error", err)
	}
	writeError(w, status, err.Error())
}

func isStorageFailure(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) || errors.Is(err, context.DeadlineExceeded)
}

func validOutcome(o persistence.Outcome) bool {
	switch o {
	case persistence.OutcomePending, persistence.OutcomeRunning,
		persistence.OutcomeSuccess, persistence.OutcomeFailure,
		persistence.OutcomeAbandoned, persistence.OutcomeTimeout:
		return true
	}
	return false
}

func validExperimentKind(k persistence.ExperimentKind) bool {
	for _, kind := range persistence.ExperimentKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func validMemoryKind(k persistence.MemoryKind) bool {
	for _, kind := range persistence.MemoryKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func validRiskLevel(l persistence.RiskLevel) bool {
	return l == persistence.RiskLow || l == persistence.RiskMedium || l == persistence.RiskHigh
}
