package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ScoringConfig holds the tunable parameters of the confidence scorer.
// The defaults mirror the shipped calibration; operators may adjust them
// without rebuilding, and the watcher hot-reloads them.
type ScoringConfig struct {
	// KindMultipliers scale the pattern-derived baseline per experiment kind.
	// Unlisted kinds use 1.0.
	KindMultipliers map[string]float64 `yaml:"kind_multipliers"`

	// RelevanceWeights are the per-memory-kind base weights used to compute
	// a memory's relevance score. Unlisted kinds use 0.5.
	RelevanceWeights map[string]float64 `yaml:"relevance_weights"`
}

// RetentionConfig controls the periodic purge of terminal experiments.
type RetentionConfig struct {
	// Days is the retention window. 0 disables automatic purging.
	Days int `yaml:"days"`

	// Schedule is a 5-field cron expression for the sweep. Empty uses the default.
	Schedule string `yaml:"schedule"`
}

// SharedMemoryConfig points at the external shared/persistent memory system
// that graduated memories are promoted into.
type SharedMemoryConfig struct {
	// Endpoint is the base URL of the shared memory service. Empty means
	// promotions are logged locally instead of forwarded.
	Endpoint string `yaml:"endpoint"`

	// AuthToken authenticates promotion calls. Env EVOMEM_SHARED_MEMORY_TOKEN overrides.
	AuthToken string `yaml:"auth_token"`

	// TimeoutSeconds bounds a single promotion call. 0 uses default (10s).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// OtelConfig holds OpenTelemetry settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath    string `yaml:"db_path"`
	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// PatternCatalogPath is an optional YAML file of extra confidence patterns
	// merged into the built-in catalog at startup.
	PatternCatalogPath string `yaml:"pattern_catalog_path"`

	Scoring      ScoringConfig      `yaml:"scoring"`
	Retention    RetentionConfig    `yaml:"retention"`
	SharedMemory SharedMemoryConfig `yaml:"shared_memory"`
	Otel         OtelConfig         `yaml:"otel"`
}

// DefaultKindMultipliers is the shipped per-kind confidence scaling.
// Deployment and security work is discounted hardest; plain testing work
// is trusted slightly above baseline.
func DefaultKindMultipliers() map[string]float64 {
	return map[string]float64{
		"general":           1.0,
		"testing":           1.1,
		"config_update":     0.9,
		"file_modification": 0.9,
		"refactoring":       0.8,
		"dependency_change": 0.7,
		"security_fix":      0.6,
		"deployment":        0.5,
	}
}

// DefaultRelevanceWeights is the shipped per-memory-kind base relevance.
func DefaultRelevanceWeights() map[string]float64 {
	return map[string]float64{
		"lesson_learned":  1.0,
		"error_encounter": 0.9,
		"success_pattern": 0.8,
		"file_change":     0.6,
		"command_result":  0.5,
		"conversation":    0.4,
	}
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18990",
		LogLevel: "info",
		Scoring: ScoringConfig{
			KindMultipliers:  DefaultKindMultipliers(),
			RelevanceWeights: DefaultRelevanceWeights(),
		},
		Retention: RetentionConfig{
			Days:     30,
			Schedule: "0 3 * * *",
		},
		SharedMemory: SharedMemoryConfig{
			TimeoutSeconds: 10,
		},
		Otel: OtelConfig{
			Exporter:    "none",
			ServiceName: "evomem",
			SampleRate:  1.0,
		},
	}
}

// HomeDir returns the data directory, honoring the EVOMEM_HOME override.
func HomeDir() string {
	if override := os.Getenv("EVOMEM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".evomem")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home directory, applying defaults and
// environment overrides. A missing file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create evomem home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("EVOMEM_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("EVOMEM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("EVOMEM_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("EVOMEM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("EVOMEM_SHARED_MEMORY_TOKEN"); v != "" {
		cfg.SharedMemory.AuthToken = v
	}
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "evomem.db")
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
	if cfg.SharedMemory.TimeoutSeconds <= 0 {
		cfg.SharedMemory.TimeoutSeconds = int((10 * time.Second).Seconds())
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "evomem"
	}
	if cfg.Otel.SampleRate <= 0 {
		cfg.Otel.SampleRate = 1.0
	}
	// Merge operator multipliers over the shipped defaults so partial
	// overrides keep the rest of the calibration.
	cfg.Scoring.KindMultipliers = mergeWeights(DefaultKindMultipliers(), cfg.Scoring.KindMultipliers)
	cfg.Scoring.RelevanceWeights = mergeWeights(DefaultRelevanceWeights(), cfg.Scoring.RelevanceWeights)
}

func mergeWeights(defaults, overrides map[string]float64) map[string]float64 {
	merged := make(map[string]float64, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func validate(cfg *Config) error {
	if cfg.Retention.Days < 0 {
		return fmt.Errorf("retention.days must be >= 0, got %d", cfg.Retention.Days)
	}
	for kind, mult := range cfg.Scoring.KindMultipliers {
		if mult <= 0 {
			return fmt.Errorf("scoring.kind_multipliers[%s] must be > 0, got %v", kind, mult)
		}
	}
	for kind, weight := range cfg.Scoring.RelevanceWeights {
		if weight <= 0 || weight > 1 {
			return fmt.Errorf("scoring.relevance_weights[%s] must be in (0,1], got %v", kind, weight)
		}
	}
	if cfg.PatternCatalogPath != "" && !filepath.IsAbs(cfg.PatternCatalogPath) {
		cfg.PatternCatalogPath = filepath.Join(cfg.HomeDir, cfg.PatternCatalogPath)
	}
	return nil
}

// Save writes the config back to config.yaml.
func (c Config) Save() error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(c.HomeDir), out, 0o644)
}

// Fingerprint returns a stable hash of the active config, exposed by the
// gateway's status endpoint so dashboards can detect drift.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|retention=%d|schedule=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.DBPath, c.Retention.Days, c.Retention.Schedule, c.AllowOrigins)
	for _, k := range sortedKeys(c.Scoring.KindMultipliers) {
		fmt.Fprintf(h, "|km.%s=%v", k, c.Scoring.KindMultipliers[k])
	}
	for _, k := range sortedKeys(c.Scoring.RelevanceWeights) {
		fmt.Fprintf(h, "|rw.%s=%v", k, c.Scoring.RelevanceWeights[k])
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
