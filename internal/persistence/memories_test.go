package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func newMemory(experimentID string, kind MemoryKind, relevance float64) *ExperimentMemory {
	return &ExperimentMemory{
		ID:           uuid.NewString(),
		ExperimentID: experimentID,
		Kind:         kind,
		Content:      "observed that the retry loop masks context cancellation",
		Context:      map[string]any{"file": "client.go"},
		Relevance:    relevance,
	}
}

func TestExperimentMemories(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{
			name: "create bumps memory_count and defaults isolation",
			fn: func(t *testing.T) {
				exp := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, exp)
				mem := newMemory(exp.ID, MemoryLessonLearned, 0.8)
				if err := store.CreateMemory(ctx, mem); err != nil {
					t.Fatalf("CreateMemory: %v", err)
				}
				got, err := store.GetMemory(ctx, mem.ID)
				if err != nil {
					t.Fatalf("GetMemory: %v", err)
				}
				if got.IsolationLevel != "sandbox" {
					t.Errorf("expected sandbox isolation, got %q", got.IsolationLevel)
				}
				if got.Graduated {
					t.Error("new memory should not be graduated")
				}
				parent, _ := store.GetExperiment(ctx, exp.ID)
				if parent.MemoryCount != 1 {
					t.Errorf("expected memory_count 1, got %d", parent.MemoryCount)
				}
			},
		},
		{
			name: "create for missing experiment returns ErrNotFound",
			fn: func(t *testing.T) {
				mem := newMemory(uuid.NewString(), MemoryConversation, 0.4)
				if err := store.CreateMemory(ctx, mem); !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "list orders by relevance DESC",
			fn: func(t *testing.T) {
				exp := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, exp)
				store.CreateMemory(ctx, newMemory(exp.ID, MemoryCommandResult, 0.3))
				store.CreateMemory(ctx, newMemory(exp.ID, MemoryLessonLearned, 0.9))
				store.CreateMemory(ctx, newMemory(exp.ID, MemoryErrorEncounter, 0.6))

				mems, err := store.ListMemories(ctx, exp.ID, MemoryFilter{})
				if err != nil {
					t.Fatalf("ListMemories: %v", err)
				}
				if len(mems) != 3 {
					t.Fatalf("expected 3 memories, got %d", len(mems))
				}
				if mems[0].Relevance < mems[1].Relevance || mems[1].Relevance < mems[2].Relevance {
					t.Errorf("memories not ordered by relevance DESC")
				}
			},
		},
		{
			name: "list filters by kind and min relevance",
			fn: func(t *testing.T) {
				exp := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, exp)
				store.CreateMemory(ctx, newMemory(exp.ID, MemoryConversation, 0.2))
				store.CreateMemory(ctx, newMemory(exp.ID, MemoryLessonLearned, 0.7))

				mems, _ := store.ListMemories(ctx, exp.ID, MemoryFilter{Kind: MemoryLessonLearned})
				if len(mems) != 1 {
					t.Errorf("expected 1 lesson, got %d", len(mems))
				}
				mems, _ = store.ListMemories(ctx, exp.ID, MemoryFilter{MinRelevance: 0.5})
				if len(mems) != 1 {
					t.Errorf("expected 1 memory above 0.5, got %d", len(mems))
				}
			},
		},
		{
			name: "list for missing experiment returns ErrNotFound",
			fn: func(t *testing.T) {
				_, err := store.ListMemories(ctx, uuid.NewString(), MemoryFilter{})
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "isolation per experiment",
			fn: func(t *testing.T) {
				a := newExperiment(KindGeneral)
				b := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, a)
				store.CreateExperiment(ctx, b)
				store.CreateMemory(ctx, newMemory(a.ID, MemoryConversation, 0.5))

				mems, _ := store.ListMemories(ctx, b.ID, MemoryFilter{})
				if len(mems) != 0 {
					t.Errorf("memories leaked across experiments: %d", len(mems))
				}
			},
		},
		{
			name: "mark graduated writes trail and flips flag",
			fn: func(t *testing.T) {
				exp := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, exp)
				mem := newMemory(exp.ID, MemoryLessonLearned, 0.9)
				store.CreateMemory(ctx, mem)

				promoted, err := store.MarkMemoryGraduated(ctx, &MemoryGraduation{
					ID:             uuid.NewString(),
					ExperimentID:   exp.ID,
					MemoryID:       mem.ID,
					Type:           GraduationPromote,
					DecisionReason: "high relevance lesson",
					PromotedID:     "shared-123",
				})
				if err != nil {
					t.Fatalf("MarkMemoryGraduated: %v", err)
				}
				if !promoted {
					t.Fatal("expected first graduation to promote")
				}
				got, _ := store.GetMemory(ctx, mem.ID)
				if !got.Graduated || got.GraduationDate == nil {
					t.Errorf("memory not marked graduated: %+v", got)
				}
				trail, err := store.ListGraduations(ctx, exp.ID)
				if err != nil {
					t.Fatalf("ListGraduations: %v", err)
				}
				if len(trail) != 1 || trail[0].PromotedID != "shared-123" {
					t.Errorf("unexpected trail: %+v", trail)
				}
			},
		},
		{
			name: "mark graduated is idempotent",
			fn: func(t *testing.T) {
				exp := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, exp)
				mem := newMemory(exp.ID, MemorySuccessPattern, 0.8)
				store.CreateMemory(ctx, mem)

				grad := &MemoryGraduation{
					ID:           uuid.NewString(),
					ExperimentID: exp.ID,
					MemoryID:     mem.ID,
					Type:         GraduationPromote,
				}
				first, err := store.MarkMemoryGraduated(ctx, grad)
				if err != nil || !first {
					t.Fatalf("first graduation: promoted=%v err=%v", first, err)
				}
				grad.ID = uuid.NewString()
				second, err := store.MarkMemoryGraduated(ctx, grad)
				if err != nil {
					t.Fatalf("second graduation: %v", err)
				}
				if second {
					t.Error("second graduation should be a no-op")
				}
				trail, _ := store.ListGraduations(ctx, exp.ID)
				if len(trail) != 1 {
					t.Errorf("expected 1 trail row, got %d", len(trail))
				}
			},
		},
		{
			name: "experiment-level rejection appends trail only",
			fn: func(t *testing.T) {
				exp := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, exp)
				err := store.AppendGraduation(ctx, &MemoryGraduation{
					ID:             uuid.NewString(),
					ExperimentID:   exp.ID,
					Type:           GraduationReject,
					DecisionReason: "outcome carried no reusable lesson",
					HumanDecision:  true,
				})
				if err != nil {
					t.Fatalf("AppendGraduation: %v", err)
				}
				trail, _ := store.ListGraduations(ctx, exp.ID)
				if len(trail) != 1 || trail[0].Type != GraduationReject || !trail[0].HumanDecision {
					t.Errorf("unexpected trail: %+v", trail)
				}
			},
		},
		{
			name: "deleting experiment cascades memories",
			fn: func(t *testing.T) {
				exp := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, exp)
				mem := newMemory(exp.ID, MemoryFileChange, 0.6)
				store.CreateMemory(ctx, mem)
				store.RecordOutcome(ctx, exp.ID, OutcomeAbandoned, OutcomeEvidence{})
				store.DB().ExecContext(ctx, `
					UPDATE experiments SET completed_at = datetime('now', '-90 days') WHERE id = ?;
				`, exp.ID)

				if _, err := store.PurgeOlderThan(ctx, 30); err != nil {
					t.Fatalf("PurgeOlderThan: %v", err)
				}
				if _, err := store.GetMemory(ctx, mem.ID); !errors.Is(err, ErrNotFound) {
					t.Errorf("expected cascaded memory to be gone, got %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}
