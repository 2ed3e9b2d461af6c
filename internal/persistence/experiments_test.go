package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newExperiment(kind ExperimentKind) *Experiment {
	return &Experiment{
		ID:          uuid.NewString(),
		UserID:      "local",
		SandboxID:   "sbx-" + uuid.NewString()[:8],
		Proposal:    "add retry to flaky client",
		ContentHash: "deadbeef",
		Kind:        kind,
		Confidence:  0.5,
		RiskLevel:   RiskLow,
	}
}

func TestExperiments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{
			name: "create and get",
			fn: func(t *testing.T) {
				exp := newExperiment(KindTesting)
				if err := store.CreateExperiment(ctx, exp); err != nil {
					t.Fatalf("CreateExperiment: %v", err)
				}
				got, err := store.GetExperiment(ctx, exp.ID)
				if err != nil {
					t.Fatalf("GetExperiment: %v", err)
				}
				if got.Outcome != OutcomePending {
					t.Errorf("expected pending, got %s", got.Outcome)
				}
				if got.Kind != KindTesting || got.SandboxID != exp.SandboxID {
					t.Errorf("unexpected experiment: %+v", got)
				}
				if got.CreatedAt.IsZero() {
					t.Error("expected created_at to be set")
				}
			},
		},
		{
			name: "get nonexistent returns ErrNotFound",
			fn: func(t *testing.T) {
				_, err := store.GetExperiment(ctx, uuid.NewString())
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "mark running from pending",
			fn: func(t *testing.T) {
				exp := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, exp)
				if err := store.MarkRunning(ctx, exp.ID); err != nil {
					t.Fatalf("MarkRunning: %v", err)
				}
				got, _ := store.GetExperiment(ctx, exp.ID)
				if got.Outcome != OutcomeRunning {
					t.Errorf("expected running, got %s", got.Outcome)
				}
				if got.StartedAt == nil {
					t.Error("expected started_at to be set")
				}
			},
		},
		{
			name: "mark running twice is invalid",
			fn: func(t *testing.T) {
				exp := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, exp)
				store.MarkRunning(ctx, exp.ID)
				err := store.MarkRunning(ctx, exp.ID)
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("expected ErrInvalidTransition, got %v", err)
				}
			},
		},
		{
			name: "record outcome from pending",
			fn: func(t *testing.T) {
				exp := newExperiment(KindRefactoring)
				store.CreateExperiment(ctx, exp)
				evidence := OutcomeEvidence{
					ModifiedFiles:  []string{"client.go"},
					Commands:       []string{"go test ./..."},
					SuccessMetrics: map[string]any{"tests_passed": true},
					DurationMS:     4200,
				}
				if err := store.RecordOutcome(ctx, exp.ID, OutcomeSuccess, evidence); err != nil {
					t.Fatalf("RecordOutcome: %v", err)
				}
				got, _ := store.GetExperiment(ctx, exp.ID)
				if got.Outcome != OutcomeSuccess {
					t.Errorf("expected success, got %s", got.Outcome)
				}
				if got.CompletedAt == nil {
					t.Error("expected completed_at to be set")
				}
				if len(got.Evidence.ModifiedFiles) != 1 || got.Evidence.ModifiedFiles[0] != "client.go" {
					t.Errorf("unexpected evidence: %+v", got.Evidence)
				}
				if got.Evidence.DurationMS != 4200 {
					t.Errorf("expected duration 4200, got %d", got.Evidence.DurationMS)
				}
			},
		},
		{
			name: "record outcome from running",
			fn: func(t *testing.T) {
				exp := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, exp)
				store.MarkRunning(ctx, exp.ID)
				if err := store.RecordOutcome(ctx, exp.ID, OutcomeFailure, OutcomeEvidence{
					ErrorMessages: []string{"assertion failed"},
				}); err != nil {
					t.Fatalf("RecordOutcome: %v", err)
				}
			},
		},
		{
			name: "second terminal outcome is invalid",
			fn: func(t *testing.T) {
				exp := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, exp)
				store.RecordOutcome(ctx, exp.ID, OutcomeSuccess, OutcomeEvidence{})
				err := store.RecordOutcome(ctx, exp.ID, OutcomeFailure, OutcomeEvidence{})
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("expected ErrInvalidTransition, got %v", err)
				}
				got, _ := store.GetExperiment(ctx, exp.ID)
				if got.Outcome != OutcomeSuccess {
					t.Errorf("first outcome overwritten: %s", got.Outcome)
				}
			},
		},
		{
			name: "non-terminal outcome rejected",
			fn: func(t *testing.T) {
				exp := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, exp)
				err := store.RecordOutcome(ctx, exp.ID, OutcomeRunning, OutcomeEvidence{})
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("expected ErrInvalidTransition, got %v", err)
				}
			},
		},
		{
			name: "record outcome for missing experiment returns ErrNotFound",
			fn: func(t *testing.T) {
				err := store.RecordOutcome(ctx, uuid.NewString(), OutcomeSuccess, OutcomeEvidence{})
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "graduate success experiment",
			fn: func(t *testing.T) {
				exp := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, exp)
				store.RecordOutcome(ctx, exp.ID, OutcomeSuccess, OutcomeEvidence{})
				if err := store.MarkGraduated(ctx, exp.ID, DecisionAccept, "high confidence"); err != nil {
					t.Fatalf("MarkGraduated: %v", err)
				}
				got, _ := store.GetExperiment(ctx, exp.ID)
				if !got.Graduated || got.GraduationDecision != DecisionAccept {
					t.Errorf("unexpected graduation state: %+v", got)
				}
				if got.GraduatedAt == nil {
					t.Error("expected graduated_at to be set")
				}
			},
		},
		{
			name: "timeout experiment cannot graduate",
			fn: func(t *testing.T) {
				exp := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, exp)
				store.RecordOutcome(ctx, exp.ID, OutcomeTimeout, OutcomeEvidence{})
				err := store.MarkGraduated(ctx, exp.ID, DecisionAccept, "should not happen")
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("expected ErrInvalidTransition, got %v", err)
				}
			},
		},
		{
			name: "pending experiment cannot graduate",
			fn: func(t *testing.T) {
				exp := newExperiment(KindGeneral)
				store.CreateExperiment(ctx, exp)
				err := store.MarkGraduated(ctx, exp.ID, DecisionReject, "too early")
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("expected ErrInvalidTransition, got %v", err)
				}
			},
		},
		{
			name: "list filters by outcome and kind",
			fn: func(t *testing.T) {
				userID := uuid.NewString()
				a := newExperiment(KindTesting)
				a.UserID = userID
				b := newExperiment(KindDeployment)
				b.UserID = userID
				store.CreateExperiment(ctx, a)
				store.CreateExperiment(ctx, b)
				store.RecordOutcome(ctx, a.ID, OutcomeSuccess, OutcomeEvidence{})

				got, err := store.ListExperiments(ctx, userID, ExperimentFilter{Outcome: OutcomeSuccess})
				if err != nil {
					t.Fatalf("ListExperiments: %v", err)
				}
				if len(got) != 1 || got[0].ID != a.ID {
					t.Errorf("expected only the success experiment, got %d", len(got))
				}

				got, _ = store.ListExperiments(ctx, userID, ExperimentFilter{Kind: KindDeployment})
				if len(got) != 1 || got[0].ID != b.ID {
					t.Errorf("expected only the deployment experiment, got %d", len(got))
				}
			},
		},
		{
			name: "list filters by graduated flag",
			fn: func(t *testing.T) {
				userID := uuid.NewString()
				a := newExperiment(KindGeneral)
				a.UserID = userID
				b := newExperiment(KindGeneral)
				b.UserID = userID
				store.CreateExperiment(ctx, a)
				store.CreateExperiment(ctx, b)
				store.RecordOutcome(ctx, a.ID, OutcomeSuccess, OutcomeEvidence{})
				store.MarkGraduated(ctx, a.ID, DecisionAccept, "ok")

				graduated := true
				got, err := store.ListExperiments(ctx, userID, ExperimentFilter{Graduated: &graduated})
				if err != nil {
					t.Fatalf("ListExperiments: %v", err)
				}
				if len(got) != 1 || got[0].ID != a.ID {
					t.Errorf("expected only the graduated experiment, got %d", len(got))
				}
			},
		},
		{
			name: "purge removes only old terminal experiments",
			fn: func(t *testing.T) {
				userID := uuid.NewString()
				old := newExperiment(KindGeneral)
				old.UserID = userID
				fresh := newExperiment(KindGeneral)
				fresh.UserID = userID
				pending := newExperiment(KindGeneral)
				pending.UserID = userID
				timedOut := newExperiment(KindGeneral)
				timedOut.UserID = userID
				store.CreateExperiment(ctx, old)
				store.CreateExperiment(ctx, fresh)
				store.CreateExperiment(ctx, pending)
				store.CreateExperiment(ctx, timedOut)
				store.RecordOutcome(ctx, old.ID, OutcomeFailure, OutcomeEvidence{})
				store.RecordOutcome(ctx, fresh.ID, OutcomeSuccess, OutcomeEvidence{})
				store.RecordOutcome(ctx, timedOut.ID, OutcomeTimeout, OutcomeEvidence{})

				// Age the failure and the timeout past the retention window.
				_, err := store.DB().ExecContext(ctx, `
					UPDATE experiments SET completed_at = datetime('now', '-90 days') WHERE id IN (?, ?);
				`, old.ID, timedOut.ID)
				if err != nil {
					t.Fatalf("age experiments: %v", err)
				}

				purged, err := store.PurgeOlderThan(ctx, 30)
				if err != nil {
					t.Fatalf("PurgeOlderThan: %v", err)
				}
				if purged != 1 {
					t.Errorf("expected 1 purged, got %d", purged)
				}
				if _, err := store.GetExperiment(ctx, old.ID); !errors.Is(err, ErrNotFound) {
					t.Errorf("expected old experiment gone, got %v", err)
				}
				if _, err := store.GetExperiment(ctx, fresh.ID); err != nil {
					t.Errorf("fresh experiment should survive: %v", err)
				}
				if _, err := store.GetExperiment(ctx, pending.ID); err != nil {
					t.Errorf("pending experiment should survive: %v", err)
				}
				// A timed-out experiment is never purged, no matter how old.
				if _, err := store.GetExperiment(ctx, timedOut.ID); err != nil {
					t.Errorf("timed-out experiment should survive: %v", err)
				}
			},
		},
		{
			name: "purge rejects non-positive window",
			fn: func(t *testing.T) {
				if _, err := store.PurgeOlderThan(ctx, 0); err == nil {
					t.Error("expected error for zero retention days")
				}
			},
		},
		{
			name: "concurrent terminal outcomes race to one winner",
			fn: func(t *testing.T) {
				for i := 0; i < 20; i++ {
					exp := newExperiment(KindGeneral)
					if err := store.CreateExperiment(ctx, exp); err != nil {
						t.Fatalf("CreateExperiment: %v", err)
					}

					outcomes := [2]Outcome{OutcomeSuccess, OutcomeFailure}
					var errs [2]error
					var wg sync.WaitGroup
					wg.Add(2)
					for j := range outcomes {
						go func(j int) {
							defer wg.Done()
							errs[j] = store.RecordOutcome(ctx, exp.ID, outcomes[j], OutcomeEvidence{})
						}(j)
					}
					wg.Wait()

					winner := -1
					for j, err := range errs {
						switch {
						case err == nil:
							if winner >= 0 {
								t.Fatalf("iteration %d: both writers succeeded", i)
							}
							winner = j
						case !errors.Is(err, ErrInvalidTransition):
							t.Fatalf("iteration %d: loser got %v, want ErrInvalidTransition", i, err)
						}
					}
					if winner < 0 {
						t.Fatalf("iteration %d: no writer won the race: %v / %v", i, errs[0], errs[1])
					}

					got, err := store.GetExperiment(ctx, exp.ID)
					if err != nil {
						t.Fatalf("GetExperiment: %v", err)
					}
					if got.Outcome != outcomes[winner] {
						t.Errorf("iteration %d: stored outcome %s, want winner %s", i, got.Outcome, outcomes[winner])
					}
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func TestOutcomePredicates(t *testing.T) {
	terminal := []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeAbandoned, OutcomeTimeout}
	for _, o := range terminal {
		if !o.IsTerminal() {
			t.Errorf("%s should be terminal", o)
		}
	}
	for _, o := range []Outcome{OutcomePending, OutcomeRunning} {
		if o.IsTerminal() {
			t.Errorf("%s should not be terminal", o)
		}
		if o.Graduable() {
			t.Errorf("%s should not be graduable", o)
		}
	}
	if OutcomeTimeout.Graduable() {
		t.Error("timeout should not be graduable")
	}
	for _, o := range []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeAbandoned} {
		if !o.Graduable() {
			t.Errorf("%s should be graduable", o)
		}
	}
}

func TestCanTransition(t *testing.T) {
	terminals := []Outcome{OutcomeSuccess, OutcomeFailure, OutcomeAbandoned, OutcomeTimeout}

	if !CanTransition(OutcomePending, OutcomeRunning) {
		t.Error("pending should transition to running")
	}
	for _, to := range terminals {
		if !CanTransition(OutcomePending, to) {
			t.Errorf("pending should transition to %s", to)
		}
		if !CanTransition(OutcomeRunning, to) {
			t.Errorf("running should transition to %s", to)
		}
	}
	if CanTransition(OutcomeRunning, OutcomePending) {
		t.Error("running should not revert to pending")
	}
	for _, from := range terminals {
		for _, to := range []Outcome{OutcomePending, OutcomeRunning, OutcomeSuccess, OutcomeFailure, OutcomeAbandoned, OutcomeTimeout} {
			if CanTransition(from, to) {
				t.Errorf("%s is terminal, should not transition to %s", from, to)
			}
		}
	}
}
