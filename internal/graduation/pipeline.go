// Package graduation decides which isolated memories from a completed
// experiment are copied into the shared memory space, and records every
// decision permanently.
package graduation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/evomem/internal/audit"
	"github.com/basket/evomem/internal/bus"
	evotel "github.com/basket/evomem/internal/otel"
	"github.com/basket/evomem/internal/persistence"
)

// Promoter is the external shared-memory system. A single call is
// idempotent per invocation; failures surface per-memory, never as a
// pipeline-wide failure.
type Promoter interface {
	PromoteMemory(ctx context.Context, content string, contextData map[string]any, targetSessionID string) (string, error)
}

// Pipeline runs graduation decisions against the store and the promoter.
type Pipeline struct {
	store    *persistence.Store
	promoter Promoter
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *evotel.Metrics
	tracer   trace.Tracer
}

type Options struct {
	Store    *persistence.Store
	Promoter Promoter
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *evotel.Metrics
	Tracer   trace.Tracer
}

func New(opts Options) *Pipeline {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(evotel.TracerName)
	}
	return &Pipeline{
		store:    opts.Store,
		promoter: opts.Promoter,
		bus:      opts.Bus,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   tracer,
	}
}

// Request is one graduation decision for an experiment. SelectedMemoryIDs
// narrows an accept to a subset; empty means every non-graduated memory.
type Request struct {
	ExperimentID      string                         `json:"experiment_id"`
	Decision          persistence.GraduationDecision `json:"decision"`
	Reason            string                         `json:"reason,omitempty"`
	SelectedMemoryIDs []string                       `json:"selected_memory_ids,omitempty"`
	TargetSessionID   string                         `json:"target_session_id,omitempty"`
	HumanDecision     bool                           `json:"human_decision,omitempty"`
}

// MemoryResult reports what happened to one memory during an accept.
type MemoryResult struct {
	MemoryID   string `json:"memory_id"`
	Promoted   bool   `json:"promoted"`
	PromotedID string `json:"promoted_id,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Result is the partial-success report for one graduation call.
type Result struct {
	ExperimentID string                         `json:"experiment_id"`
	Decision     persistence.GraduationDecision `json:"decision"`
	Promoted     int                            `json:"promoted"`
	Failed       int                            `json:"failed"`
	Skipped      int                            `json:"skipped"`
	Memories     []MemoryResult                 `json:"memories,omitempty"`
}

// Graduate applies a graduation decision. Accept promotes each selected
// non-graduated memory independently: one promotion failing leaves that
// memory un-graduated and reported while the rest still graduate. Reject
// promotes nothing but still marks the experiment graduated for audit.
func (p *Pipeline) Graduate(ctx context.Context, req Request) (Result, error) {
	ctx, span := evotel.StartSpan(ctx, p.tracer, "graduation.graduate",
		evotel.AttrExperimentID.String(req.ExperimentID),
		evotel.AttrDecision.String(string(req.Decision)))
	defer span.End()

	if req.Decision != persistence.DecisionAccept && req.Decision != persistence.DecisionReject {
		return Result{}, fmt.Errorf("unknown graduation decision %q", req.Decision)
	}

	exp, err := p.store.GetExperiment(ctx, req.ExperimentID)
	if err != nil {
		return Result{}, err
	}
	if !exp.Outcome.Graduable() {
		return Result{}, fmt.Errorf("experiment %s is %s: %w",
			exp.ID, exp.Outcome, persistence.ErrInvalidTransition)
	}

	result := Result{ExperimentID: exp.ID, Decision: req.Decision}

	if req.Decision == persistence.DecisionReject {
		if err := p.store.MarkGraduated(ctx, exp.ID, persistence.DecisionReject, req.Reason); err != nil {
			return Result{}, err
		}
		if err := p.store.AppendGraduation(ctx, &persistence.MemoryGraduation{
			ID:              uuid.NewString(),
			ExperimentID:    exp.ID,
			Type:            persistence.GraduationReject,
			DecisionReason:  req.Reason,
			HumanDecision:   req.HumanDecision,
			TargetSessionID: req.TargetSessionID,
		}); err != nil {
			return Result{}, err
		}
		audit.Record(ctx, exp.ID, "graduate", "reject", req.Reason)
		p.finish(ctx, &result)
		return result, nil
	}

	memories, err := p.store.ListMemories(ctx, exp.ID, persistence.MemoryFilter{})
	if err != nil {
		return Result{}, err
	}
	selected := make(map[string]bool, len(req.SelectedMemoryIDs))
	for _, id := range req.SelectedMemoryIDs {
		selected[id] = true
	}

	for _, mem := range memories {
		if len(selected) > 0 && !selected[mem.ID] {
			continue
		}
		if mem.Graduated {
			result.Memories = append(result.Memories, MemoryResult{MemoryID: mem.ID, Skipped: true})
			continue
		}
		result.Memories = append(result.Memories, p.promoteOne(ctx, exp.ID, mem, req))
	}
	for _, mr := range result.Memories {
		switch {
		case mr.Promoted:
			result.Promoted++
		case mr.Error != "":
			result.Failed++
		case mr.Skipped:
			result.Skipped++
		}
	}

	if err := p.store.MarkGraduated(ctx, exp.ID, persistence.DecisionAccept, req.Reason); err != nil {
		return Result{}, err
	}
	audit.Record(ctx, exp.ID, "graduate", "accept",
		fmt.Sprintf("promoted=%d failed=%d skipped=%d", result.Promoted, result.Failed, result.Skipped))
	p.finish(ctx, &result)
	return result, nil
}

// promoteOne copies a single memory into the shared store and, on success,
// flips its graduated flag and appends the audit trail row in one
// transaction. A promoter failure leaves the memory untouched.
func (p *Pipeline) promoteOne(ctx context.Context, experimentID string, mem persistence.ExperimentMemory, req Request) MemoryResult {
	ctx, span := evotel.StartClientSpan(ctx, p.tracer, "graduation.promote_memory",
		evotel.AttrMemoryID.String(mem.ID))
	defer span.End()

	promotedID, err := p.promoter.PromoteMemory(ctx, mem.Content, mem.Context, req.TargetSessionID)
	if err != nil {
		p.logger.Warn("memory promotion failed",
			"memory_id", mem.ID, "experiment_id", experimentID, "error", err)
		audit.Record(ctx, mem.ID, "promote", "failed", err.Error())
		if p.metrics != nil {
			p.metrics.GraduationsFailed.Add(ctx, 1)
		}
		return MemoryResult{MemoryID: mem.ID, Error: err.Error()}
	}

	promoted, err := p.store.MarkMemoryGraduated(ctx, &persistence.MemoryGraduation{
		ID:              uuid.NewString(),
		ExperimentID:    experimentID,
		MemoryID:        mem.ID,
		Type:            persistence.GraduationPromote,
		DecisionReason:  req.Reason,
		HumanDecision:   req.HumanDecision,
		TargetSessionID: req.TargetSessionID,
		PromotedID:      promotedID,
	})
	if err != nil {
		audit.Record(ctx, mem.ID, "promote", "failed", err.Error())
		if p.metrics != nil {
			p.metrics.GraduationsFailed.Add(ctx, 1)
		}
		return MemoryResult{MemoryID: mem.ID, Error: err.Error()}
	}
	if !promoted {
		// Raced with a concurrent graduation; the other writer won.
		return MemoryResult{MemoryID: mem.ID, Skipped: true}
	}

	audit.Record(ctx, mem.ID, "promote", "promoted", promotedID)
	if p.metrics != nil {
		p.metrics.GraduationsPromoted.Add(ctx, 1)
	}
	return MemoryResult{MemoryID: mem.ID, Promoted: true, PromotedID: promotedID}
}

func (p *Pipeline) finish(ctx context.Context, result *Result) {
	p.logger.Info("graduation recorded",
		"experiment_id", result.ExperimentID,
		"decision", result.Decision,
		"promoted", result.Promoted,
		"failed", result.Failed,
		"skipped", result.Skipped)
	p.bus.Publish(bus.TopicExperimentGraduated, bus.ExperimentGraduatedEvent{
		ExperimentID: result.ExperimentID,
		Decision:     string(result.Decision),
		Promoted:     result.Promoted,
		Failed:       result.Failed,
	})
}
