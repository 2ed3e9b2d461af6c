package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/basket/evomem/internal/bus"
	"github.com/basket/evomem/internal/catalog"
	"github.com/basket/evomem/internal/config"
	"github.com/basket/evomem/internal/graduation"
	"github.com/basket/evomem/internal/lifecycle"
	"github.com/basket/evomem/internal/persistence"
	"github.com/basket/evomem/internal/scoring"
)

// Drives one experiment through its whole lifecycle against a throwaway
// database: create, collect memories, run, succeed, graduate, then check
// the promotion trail and aggregate stats.
func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	baseDir, err := os.MkdirTemp("", "evomem-graduation-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	store, err := persistence.Open(filepath.Join(baseDir, "evomem.db"))
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	cat, err := catalog.New(ctx, store, logger, "")
	if err != nil {
		fmt.Printf("catalog_error=%v\n", err)
		os.Exit(1)
	}

	eventBus := bus.New()
	manager := lifecycle.New(lifecycle.Options{
		Store:   store,
		Scorer:  scoring.New(cat, config.DefaultKindMultipliers(), logger),
		Catalog: cat,
		Bus:     eventBus,
		Logger:  logger,
	})
	pipeline := graduation.New(graduation.Options{
		Store:    store,
		Promoter: &graduation.LogPromoter{Logger: logger},
		Bus:      eventBus,
		Logger:   logger,
	})

	exp, err := manager.CreateExperiment(ctx, lifecycle.CreateExperimentRequest{
		Proposal:  "run the full test suite after upgrading the http router",
		SandboxID: "drill-sandbox",
		Kind:      persistence.KindTesting,
		RiskLevel: persistence.RiskLow,
	})
	if err != nil {
		fmt.Printf("create_experiment_error=%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("experiment_id=%s\n", exp.ID)
	fmt.Printf("confidence=%.3f\n", exp.Confidence)

	for i := 0; i < 3; i++ {
		mem, err := manager.CreateExperimentMemory(ctx, lifecycle.CreateMemoryRequest{
			ExperimentID: exp.ID,
			Kind:         persistence.MemorySuccessPattern,
			Content:      fmt.Sprintf("router upgrade step %d passed all tests", i),
		})
		if err != nil {
			fmt.Printf("create_memory_error=%v\n", err)
			os.Exit(1)
		}
		fmt.Printf("memory_id=%s relevance=%.3f\n", mem.ID, mem.Relevance)
	}

	if err := manager.StartExperiment(ctx, exp.ID); err != nil {
		fmt.Printf("start_error=%v\n", err)
		os.Exit(1)
	}
	if err := manager.UpdateOutcome(ctx, exp.ID, persistence.OutcomeSuccess, persistence.OutcomeEvidence{
		Commands:   []string{"go test ./..."},
		DurationMS: 4200,
	}); err != nil {
		fmt.Printf("outcome_error=%v\n", err)
		os.Exit(1)
	}

	result, err := pipeline.Graduate(ctx, graduation.Request{
		ExperimentID: exp.ID,
		Decision:     persistence.DecisionAccept,
		Reason:       "all drill memories promoted",
	})
	if err != nil {
		fmt.Printf("graduate_error=%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("promoted=%d failed=%d skipped=%d\n", result.Promoted, result.Failed, result.Skipped)

	trail, err := store.ListGraduations(ctx, exp.ID)
	if err != nil {
		fmt.Printf("trail_error=%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("trail_entries=%d\n", len(trail))

	stats, err := store.AggregateConfidenceStats(ctx)
	if err != nil {
		fmt.Printf("stats_error=%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("total_experiments=%d graduated=%d success_rate=%.3f\n",
		stats.TotalExperiments, stats.GraduatedCount, stats.RealizedSuccessRate)

	if result.Promoted != 3 || result.Failed != 0 || len(trail) == 0 || stats.GraduatedCount != 1 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
