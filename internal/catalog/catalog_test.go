package catalog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/evomem/internal/persistence"
)

func newTestCatalog(t *testing.T, catalogPath string) (*Catalog, *persistence.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cat, err := New(context.Background(), store, logger, catalogPath)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	return cat, store
}

func TestCatalogSeedAndMatch(t *testing.T) {
	cat, store := newTestCatalog(t, "")
	ctx := context.Background()

	count, err := store.PatternCount(ctx)
	if err != nil {
		t.Fatalf("PatternCount: %v", err)
	}
	if count != int64(len(defaultDefinitions)) {
		t.Errorf("expected %d seeded patterns, got %d", len(defaultDefinitions), count)
	}

	tests := []struct {
		name     string
		proposal string
		want     []string
	}{
		{
			name:     "test proposal matches test-addition",
			proposal: "Add unit tests for the parser",
			want:     []string{"test-addition"},
		},
		{
			name:     "migration proposal matches database-migration",
			proposal: "Write a migration to drop column legacy_id",
			want:     []string{"database-migration"},
		},
		{
			name:     "mixed proposal matches several patterns",
			proposal: "Fix the bug in retry logic and add a test",
			want:     []string{"bugfix", "error-handling", "test-addition"},
		},
		{
			name:     "unrelated proposal matches nothing",
			proposal: "Translate the landing page copy to French",
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches, err := cat.MatchProposal(ctx, tt.proposal)
			if err != nil {
				t.Fatalf("MatchProposal: %v", err)
			}
			got := make(map[string]bool)
			for _, m := range matches {
				got[m.Pattern.Name] = true
			}
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d matches, got %v", len(tt.want), got)
			}
			for _, name := range tt.want {
				if !got[name] {
					t.Errorf("expected match on %s, got %v", name, got)
				}
			}
		})
	}
}

func TestCatalogRecordOutcome(t *testing.T) {
	cat, store := newTestCatalog(t, "")
	ctx := context.Background()

	proposal := "Upgrade the yaml dependency to v3"
	if err := cat.RecordOutcome(ctx, proposal, true); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	if err := cat.RecordOutcome(ctx, proposal, false); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	p, err := store.GetPatternByName(ctx, "dependency-update")
	if err != nil {
		t.Fatalf("GetPatternByName: %v", err)
	}
	if p.Total != 2 || p.Successful != 1 || p.Failed != 1 {
		t.Errorf("unexpected counters: %+v", p)
	}
	if p.SuccessRate != 0.5 {
		t.Errorf("expected success_rate 0.5, got %v", p.SuccessRate)
	}

	// Non-matching proposals touch no counters.
	if err := cat.RecordOutcome(ctx, "Repaint the office walls", true); err != nil {
		t.Fatalf("RecordOutcome no-match: %v", err)
	}
	p2, _ := store.GetPatternByName(ctx, "dependency-update")
	if p2.Total != 2 {
		t.Errorf("no-match recording changed counters: %+v", p2)
	}
}

func TestLoadCatalogFile(t *testing.T) {
	dir := t.TempDir()

	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}

	t.Run("valid file with defaults applied", func(t *testing.T) {
		path := write("ok.yaml", `
patterns:
  - name: lint-cleanup
    description: proposal fixes lint findings
    match: "(?i)\\blint\\b"
    base_success_rate: 0.7
`)
		defs, err := LoadCatalogFile(path)
		if err != nil {
			t.Fatalf("LoadCatalogFile: %v", err)
		}
		if len(defs) != 1 {
			t.Fatalf("expected 1 definition, got %d", len(defs))
		}
		d := defs[0]
		if d.BaseSuccessRate != 0.7 || d.Weight != 1.0 || d.RiskMultiplier != 1.0 {
			t.Errorf("defaults not applied: %+v", d)
		}
	})

	t.Run("missing match rejected by schema", func(t *testing.T) {
		path := write("bad.yaml", `
patterns:
  - name: nameless
`)
		if _, err := LoadCatalogFile(path); err == nil {
			t.Error("expected schema validation error")
		}
	})

	t.Run("out of range success rate rejected", func(t *testing.T) {
		path := write("range.yaml", `
patterns:
  - name: overconfident
    match: "x"
    base_success_rate: 1.5
`)
		if _, err := LoadCatalogFile(path); err == nil {
			t.Error("expected schema validation error")
		}
	})

	t.Run("operator file overrides seed priors", func(t *testing.T) {
		path := write("override.yaml", `
patterns:
  - name: refactor
    match: "(?i)refactor"
    base_success_rate: 0.9
    weight: 2.0
`)
		cat, store := newTestCatalog(t, path)
		p, err := store.GetPatternByName(context.Background(), "refactor")
		if err != nil {
			t.Fatalf("GetPatternByName: %v", err)
		}
		if p.SuccessRate != 0.9 || p.Weight != 2.0 {
			t.Errorf("override not applied: %+v", p)
		}
		matches, _ := cat.MatchProposal(context.Background(), "refactor the session store")
		found := false
		for _, m := range matches {
			if m.Pattern.Name == "refactor" && m.Weight == 2.0 {
				found = true
			}
		}
		if !found {
			t.Errorf("expected refactor match with weight 2.0, got %+v", matches)
		}
	})
}
