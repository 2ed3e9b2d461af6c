// Package doctor runs self-diagnostic checks for the evomem daemon.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/evomem/internal/catalog"
	"github.com/basket/evomem/internal/config"
	"github.com/basket/evomem/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAuthToken,
		checkDatabase,
		checkCatalog,
		checkPermissions,
		checkSharedMemory,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

// Healthy reports whether no check failed outright.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return false
		}
	}
	return true
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("fingerprint=%s", cfg.Fingerprint()),
	}
}

func checkAuthToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth Token", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.AuthToken == "" {
		return CheckResult{
			Name:    "Auth Token",
			Status:  "WARN",
			Message: "auth_token not set; all API requests will be rejected",
			Detail:  "Set auth_token in config.yaml or EVOMEM_AUTH_TOKEN",
		}
	}
	return CheckResult{Name: "Auth Token", Status: "PASS", Message: "auth_token configured"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	patterns, err := store.PatternCount(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s, patterns=%d", cfg.DBPath, patterns),
	}
}

func checkCatalog(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Pattern Catalog", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.PatternCatalogPath == "" {
		return CheckResult{Name: "Pattern Catalog", Status: "PASS", Message: "Built-in catalog only"}
	}

	defs, err := catalog.LoadCatalogFile(cfg.PatternCatalogPath)
	if err != nil {
		return CheckResult{
			Name:    "Pattern Catalog",
			Status:  "FAIL",
			Message: fmt.Sprintf("Operator catalog invalid: %v", err),
			Detail:  cfg.PatternCatalogPath,
		}
	}
	return CheckResult{
		Name:    "Pattern Catalog",
		Status:  "PASS",
		Message: fmt.Sprintf("Operator catalog valid (%d patterns)", len(defs)),
		Detail:  cfg.PatternCatalogPath,
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkSharedMemory(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Shared Memory", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.SharedMemory.Endpoint == "" {
		return CheckResult{Name: "Shared Memory", Status: "PASS", Message: "No endpoint configured; promotions are logged locally"}
	}

	u, err := url.Parse(cfg.SharedMemory.Endpoint)
	if err != nil || u.Hostname() == "" {
		return CheckResult{
			Name:    "Shared Memory",
			Status:  "FAIL",
			Message: fmt.Sprintf("Endpoint unparseable: %s", cfg.SharedMemory.Endpoint),
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, u.Hostname())
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Shared Memory",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", u.Hostname(), err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Shared Memory",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", u.Hostname(), len(addrs), latency.Milliseconds()),
	}
}
