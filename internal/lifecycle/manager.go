// Package lifecycle implements the experiment lifecycle manager: the public
// API for creating experiments, appending isolated memories, recording
// outcomes, and keeping the pattern statistics current.
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/evomem/internal/bus"
	evotel "github.com/basket/evomem/internal/otel"
	"github.com/basket/evomem/internal/persistence"
	"github.com/basket/evomem/internal/shared"
)

// Scorer estimates confidence and risk. Advisory: implementations never
// return errors, they degrade to a neutral baseline.
type Scorer interface {
	Score(ctx context.Context, proposal string, kind persistence.ExperimentKind) float64
	AssessRisk(proposal string) persistence.RiskLevel
}

// OutcomeRecorder feeds observed outcomes back into pattern statistics.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, proposal string, success bool) error
}

// Manager coordinates the experiment lifecycle over an explicit set of
// dependencies. Construction and teardown are owned by the host application.
type Manager struct {
	store   *persistence.Store
	scorer  Scorer
	catalog OutcomeRecorder
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *evotel.Metrics
	tracer  trace.Tracer

	weightsMu        sync.RWMutex
	relevanceWeights map[persistence.MemoryKind]float64

	retentionDays int
}

// Options carries the manager's dependencies. Store, Scorer, Catalog, Bus,
// and Logger are required; Metrics and Tracer may be nil (no-op).
type Options struct {
	Store            *persistence.Store
	Scorer           Scorer
	Catalog          OutcomeRecorder
	Bus              *bus.Bus
	Logger           *slog.Logger
	Metrics          *evotel.Metrics
	Tracer           trace.Tracer
	RelevanceWeights map[string]float64
	RetentionDays    int
}

func New(opts Options) *Manager {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(evotel.TracerName)
	}
	retention := opts.RetentionDays
	if retention <= 0 {
		retention = 30
	}
	m := &Manager{
		store:         opts.Store,
		scorer:        opts.Scorer,
		catalog:       opts.Catalog,
		bus:           opts.Bus,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracer:        tracer,
		retentionDays: retention,
	}
	m.SetRelevanceWeights(opts.RelevanceWeights)
	return m
}

// SetRelevanceWeights swaps the per-kind base weights, typically after a
// config reload. Out-of-range weights are dropped.
func (m *Manager) SetRelevanceWeights(weights map[string]float64) {
	byKind := make(map[persistence.MemoryKind]float64, len(weights))
	for kind, w := range weights {
		if w > 0 && w <= 1 {
			byKind[persistence.MemoryKind(kind)] = w
		}
	}
	m.weightsMu.Lock()
	m.relevanceWeights = byKind
	m.weightsMu.Unlock()
}

// CreateExperimentRequest describes a new sandboxed experiment. SandboxID
// and Proposal are required; everything else has safe defaults.
type CreateExperimentRequest struct {
	Proposal    string                     `json:"proposal"`
	SandboxID   string                     `json:"sandbox_id"`
	UserID      string                     `json:"user_id,omitempty"`
	ProjectPath string                     `json:"project_path,omitempty"`
	Kind        persistence.ExperimentKind `json:"kind,omitempty"`
	RiskLevel   persistence.RiskLevel      `json:"risk_level,omitempty"`
}

// CreateExperiment scores the proposal, assigns identity, persists the
// experiment in state pending, and announces it on the bus.
func (m *Manager) CreateExperiment(ctx context.Context, req CreateExperimentRequest) (persistence.Experiment, error) {
	ctx, span := evotel.StartSpan(ctx, m.tracer, "lifecycle.create_experiment",
		evotel.AttrSandboxID.String(req.SandboxID))
	defer span.End()

	if strings.TrimSpace(req.SandboxID) == "" {
		return persistence.Experiment{}, fmt.Errorf("sandbox_id is required")
	}
	if strings.TrimSpace(req.Proposal) == "" {
		return persistence.Experiment{}, fmt.Errorf("proposal is required")
	}
	if req.UserID == "" {
		req.UserID = shared.DefaultUserID
	}
	if req.Kind == "" {
		req.Kind = persistence.KindGeneral
	}
	if !slices.Contains(persistence.ExperimentKinds, req.Kind) {
		return persistence.Experiment{}, fmt.Errorf("unknown experiment kind %q", req.Kind)
	}

	start := time.Now()
	confidence := m.scorer.Score(ctx, req.Proposal, req.Kind)
	risk := req.RiskLevel
	if risk == "" {
		risk = m.scorer.AssessRisk(req.Proposal)
	}
	if m.metrics != nil {
		m.metrics.ScoringDuration.Record(ctx, time.Since(start).Seconds())
	}
	span.SetAttributes(
		evotel.AttrUserID.String(req.UserID),
		evotel.AttrKind.String(string(req.Kind)),
		evotel.AttrRiskLevel.String(string(risk)),
	)

	hash := sha256.Sum256([]byte(req.Proposal))
	exp := persistence.Experiment{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		ProjectPath: req.ProjectPath,
		SandboxID:   req.SandboxID,
		Proposal:    req.Proposal,
		ContentHash: hex.EncodeToString(hash[:]),
		Kind:        req.Kind,
		Confidence:  confidence,
		RiskLevel:   risk,
		Outcome:     persistence.OutcomePending,
	}
	if err := m.store.CreateExperiment(ctx, &exp); err != nil {
		return persistence.Experiment{}, err
	}

	m.logger.Info("experiment created",
		"experiment_id", exp.ID,
		"sandbox_id", exp.SandboxID,
		"kind", exp.Kind,
		"confidence", exp.Confidence,
		"risk", exp.RiskLevel,
		"trace_id", shared.TraceID(ctx))
	if m.metrics != nil {
		m.metrics.ExperimentsCreated.Add(ctx, 1)
	}
	m.bus.Publish(bus.TopicExperimentCreated, bus.ExperimentCreatedEvent{
		ExperimentID: exp.ID,
		SandboxID:    exp.SandboxID,
		UserID:       exp.UserID,
		Kind:         string(exp.Kind),
		Confidence:   exp.Confidence,
		RiskLevel:    string(exp.RiskLevel),
	})
	return m.store.GetExperiment(ctx, exp.ID)
}

// CreateMemoryRequest appends one isolated memory to a running experiment.
type CreateMemoryRequest struct {
	ExperimentID   string                 `json:"experiment_id"`
	Kind           persistence.MemoryKind `json:"kind"`
	Content        string                 `json:"content"`
	Context        map[string]any         `json:"context,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
}

// CreateExperimentMemory computes relevance from the memory kind's base
// weight scaled by content length, persists the memory, and announces it.
func (m *Manager) CreateExperimentMemory(ctx context.Context, req CreateMemoryRequest) (persistence.ExperimentMemory, error) {
	ctx, span := evotel.StartSpan(ctx, m.tracer, "lifecycle.create_memory",
		evotel.AttrExperimentID.String(req.ExperimentID),
		evotel.AttrMemoryKind.String(string(req.Kind)))
	defer span.End()

	if !slices.Contains(persistence.MemoryKinds, req.Kind) {
		return persistence.ExperimentMemory{}, fmt.Errorf("unknown memory kind %q", req.Kind)
	}
	if strings.TrimSpace(req.Content) == "" {
		return persistence.ExperimentMemory{}, fmt.Errorf("content is required")
	}

	mem := persistence.ExperimentMemory{
		ID:             uuid.NewString(),
		ExperimentID:   req.ExperimentID,
		ConversationID: req.ConversationID,
		Kind:           req.Kind,
		Content:        req.Content,
		Context:        req.Context,
		Relevance:      m.relevance(req.Kind, req.Content),
	}
	if err := m.store.CreateMemory(ctx, &mem); err != nil {
		return persistence.ExperimentMemory{}, err
	}

	m.logger.Info("experiment memory created",
		"memory_id", mem.ID,
		"experiment_id", mem.ExperimentID,
		"kind", mem.Kind,
		"relevance", mem.Relevance)
	if m.metrics != nil {
		m.metrics.MemoriesCreated.Add(ctx, 1)
	}
	m.bus.Publish(bus.TopicMemoryCreated, bus.MemoryCreatedEvent{
		MemoryID:     mem.ID,
		ExperimentID: mem.ExperimentID,
		Kind:         string(mem.Kind),
		Relevance:    mem.Relevance,
	})
	return m.store.GetMemory(ctx, mem.ID)
}

// relevance rewards substantive entries: per-kind base weight scaled by
// min(len/500, 1), with a floor so nothing scores zero.
func (m *Manager) relevance(kind persistence.MemoryKind, content string) float64 {
	m.weightsMu.RLock()
	weight, ok := m.relevanceWeights[kind]
	m.weightsMu.RUnlock()
	if !ok {
		weight = 0.5
	}
	scale := math.Min(float64(len(content))/500.0, 1.0)
	score := weight * scale
	if score < 0.1 {
		score = 0.1
	}
	return math.Round(score*100) / 100
}

// StartExperiment transitions pending → running.
func (m *Manager) StartExperiment(ctx context.Context, id string) error {
	if err := m.store.MarkRunning(ctx, id); err != nil {
		return err
	}
	m.logger.Info("experiment started", "experiment_id", id)
	m.bus.Publish(bus.TopicExperimentStarted, bus.ExperimentStartedEvent{
		ExperimentID: id,
	})
	return nil
}

// UpdateOutcome writes a terminal outcome, then feeds success/failure into
// the pattern statistics. Abandoned and timeout carry no learning signal.
// A statistics failure after the outcome is durably recorded is logged, not
// returned: the transition has already happened.
func (m *Manager) UpdateOutcome(ctx context.Context, id string, outcome persistence.Outcome, evidence persistence.OutcomeEvidence) error {
	ctx, span := evotel.StartSpan(ctx, m.tracer, "lifecycle.update_outcome",
		evotel.AttrExperimentID.String(id),
		evotel.AttrOutcome.String(string(outcome)))
	defer span.End()

	exp, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return err
	}
	if !persistence.CanTransition(exp.Outcome, outcome) {
		return fmt.Errorf("experiment %s is %s: %w", id, exp.Outcome, persistence.ErrInvalidTransition)
	}
	// Evidence comes from sandbox command lines and error output; scrub
	// credentials before it becomes a permanent record.
	evidence.Commands = shared.RedactAll(evidence.Commands)
	evidence.ErrorMessages = shared.RedactAll(evidence.ErrorMessages)
	if err := m.store.RecordOutcome(ctx, id, outcome, evidence); err != nil {
		return err
	}

	if outcome == persistence.OutcomeSuccess || outcome == persistence.OutcomeFailure {
		if err := m.catalog.RecordOutcome(ctx, exp.Proposal, outcome == persistence.OutcomeSuccess); err != nil {
			m.logger.Warn("pattern statistics update failed",
				"experiment_id", id, "error", err)
		}
	}

	m.logger.Info("experiment completed",
		"experiment_id", id,
		"outcome", outcome,
		"duration_ms", evidence.DurationMS)
	if m.metrics != nil {
		m.metrics.OutcomesRecorded.Add(ctx, 1, metric.WithAttributes(
			evotel.AttrOutcome.String(string(outcome))))
	}
	m.bus.Publish(bus.TopicExperimentCompleted, bus.ExperimentCompletedEvent{
		ExperimentID: id,
		SandboxID:    exp.SandboxID,
		Outcome:      string(outcome),
		DurationMS:   evidence.DurationMS,
	})
	return nil
}

// GetExperiment loads one experiment.
func (m *Manager) GetExperiment(ctx context.Context, id string) (persistence.Experiment, error) {
	return m.store.GetExperiment(ctx, id)
}

// ListExperiments returns a user's experiments, newest first.
func (m *Manager) ListExperiments(ctx context.Context, userID string, filter persistence.ExperimentFilter) ([]persistence.Experiment, error) {
	return m.store.ListExperiments(ctx, userID, filter)
}

// ListMemories returns an experiment's memories by descending relevance.
func (m *Manager) ListMemories(ctx context.Context, experimentID string, filter persistence.MemoryFilter) ([]persistence.ExperimentMemory, error) {
	return m.store.ListMemories(ctx, experimentID, filter)
}

// ListGraduations returns an experiment's graduation audit trail.
func (m *Manager) ListGraduations(ctx context.Context, experimentID string) ([]persistence.MemoryGraduation, error) {
	return m.store.ListGraduations(ctx, experimentID)
}

// ConfidenceStats reports how predicted confidence compares with realized
// outcomes, for calibration monitoring.
func (m *Manager) ConfidenceStats(ctx context.Context) (persistence.ConfidenceStats, error) {
	return m.store.AggregateConfidenceStats(ctx)
}

// Purge removes terminal experiments older than the window. A days value of
// zero uses the configured retention default.
func (m *Manager) Purge(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = m.retentionDays
	}
	purged, err := m.store.PurgeOlderThan(ctx, days)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		m.logger.Info("retention purge", "purged", purged, "days", days)
	}
	if m.metrics != nil {
		m.metrics.ExperimentsPurged.Add(ctx, purged)
	}
	m.bus.Publish(bus.TopicRetentionSwept, bus.RetentionSweptEvent{
		PurgedExperiments: purged,
		RetentionDays:     days,
	})
	return purged, nil
}
