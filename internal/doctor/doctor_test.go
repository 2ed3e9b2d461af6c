package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/evomem/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	t.Setenv("EVOMEM_HOME", home)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.AuthToken = "doctor-token"
	return &cfg
}

func findResult(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %s check in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy setup passes", func(t *testing.T) {
		cfg := testConfig(t)
		d := Run(ctx, cfg, "test")
		if !d.Healthy() {
			t.Fatalf("diagnosis unhealthy: %+v", d.Results)
		}
		if r := findResult(t, d, "Database"); r.Status != "PASS" {
			t.Errorf("database check = %+v", r)
		}
		if r := findResult(t, d, "Pattern Catalog"); r.Status != "PASS" {
			t.Errorf("catalog check = %+v", r)
		}
	})

	t.Run("nil config fails", func(t *testing.T) {
		d := Run(ctx, nil, "test")
		if d.Healthy() {
			t.Fatal("expected unhealthy diagnosis")
		}
		if r := findResult(t, d, "Config"); r.Status != "FAIL" {
			t.Errorf("config check = %+v", r)
		}
	})

	t.Run("missing auth token warns", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.AuthToken = ""
		d := Run(ctx, cfg, "test")
		if r := findResult(t, d, "Auth Token"); r.Status != "WARN" {
			t.Errorf("auth check = %+v", r)
		}
	})

	t.Run("broken operator catalog fails", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.PatternCatalogPath = filepath.Join(cfg.HomeDir, "patterns.yaml")
		bad := "patterns:\n  - name: no-rate\n    match: broken(\n"
		if err := os.WriteFile(cfg.PatternCatalogPath, []byte(bad), 0o644); err != nil {
			t.Fatalf("write catalog: %v", err)
		}
		d := Run(ctx, cfg, "test")
		if r := findResult(t, d, "Pattern Catalog"); r.Status != "FAIL" {
			t.Errorf("catalog check = %+v", r)
		}
	})

	t.Run("unreadable db path fails", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.DBPath = filepath.Join(cfg.HomeDir, "missing-dir", "evomem.db")
		d := Run(ctx, cfg, "test")
		if r := findResult(t, d, "Database"); r.Status != "FAIL" {
			t.Errorf("database check = %+v", r)
		}
	})
}
