// Package catalog maintains the confidence pattern catalog: named regexp
// predicates over proposal text with store-resident outcome statistics.
// The catalog caches only compiled regexps; counters and success rates live
// in SQLite so concurrent processes observe the same numbers.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/basket/evomem/internal/persistence"
)

type compiledPattern struct {
	name string
	re   *regexp.Regexp
}

// Catalog matches proposals against seeded patterns and records outcomes.
type Catalog struct {
	store    *persistence.Store
	logger   *slog.Logger
	compiled []compiledPattern
}

// Match pairs a pattern's live statistics with the weight it contributes to
// a confidence score.
type Match struct {
	Pattern persistence.ConfidencePattern
	Weight  float64
}

// New seeds the default definitions, merges an optional operator catalog
// file, and compiles every regexp. Seeding is idempotent: existing patterns
// keep their accumulated statistics.
func New(ctx context.Context, store *persistence.Store, logger *slog.Logger, catalogPath string) (*Catalog, error) {
	defs := make([]Definition, len(defaultDefinitions))
	copy(defs, defaultDefinitions)

	if catalogPath != "" {
		extra, err := LoadCatalogFile(catalogPath)
		if err != nil {
			return nil, err
		}
		defs = mergeDefinitions(defs, extra)
		logger.Info("loaded operator catalog", "path", catalogPath, "patterns", len(extra))
	}

	c := &Catalog{store: store, logger: logger}
	for _, d := range defs {
		re, err := regexp.Compile(d.Match)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: bad match rule: %w", d.Name, err)
		}
		if err := store.SeedPattern(ctx, &persistence.ConfidencePattern{
			ID:             uuid.NewString(),
			Name:           d.Name,
			Description:    d.Description,
			MatchRule:      d.Match,
			SuccessRate:    d.BaseSuccessRate,
			RiskMultiplier: d.RiskMultiplier,
			Weight:         d.Weight,
		}); err != nil {
			return nil, err
		}
		c.compiled = append(c.compiled, compiledPattern{name: d.Name, re: re})
	}
	logger.Info("pattern catalog ready", "patterns", len(c.compiled))
	return c, nil
}

// mergeDefinitions overlays operator definitions on the defaults; a name
// collision replaces the default's priors and match rule.
func mergeDefinitions(base, extra []Definition) []Definition {
	byName := make(map[string]int, len(base))
	for i, d := range base {
		byName[d.Name] = i
	}
	for _, d := range extra {
		if i, ok := byName[d.Name]; ok {
			base[i] = d
			continue
		}
		base = append(base, d)
	}
	return base
}

// MatchProposal returns every pattern whose regexp matches the proposal,
// with live statistics from the store. No matches is an empty slice, not an
// error.
func (c *Catalog) MatchProposal(ctx context.Context, proposal string) ([]Match, error) {
	matchedNames := make(map[string]bool)
	for _, p := range c.compiled {
		if p.re.MatchString(proposal) {
			matchedNames[p.name] = true
		}
	}
	if len(matchedNames) == 0 {
		return nil, nil
	}

	patterns, err := c.store.ListPatterns(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pattern statistics: %w", err)
	}
	var out []Match
	for _, p := range patterns {
		if matchedNames[p.Name] {
			out = append(out, Match{Pattern: p, Weight: p.Weight})
		}
	}
	return out, nil
}

// RecordOutcome feeds one observed terminal outcome into the statistics of
// every pattern matching the proposal. Each pattern update is a single SQL
// statement so concurrent recordings never lose counts.
func (c *Catalog) RecordOutcome(ctx context.Context, proposal string, success bool) error {
	matches, err := c.MatchProposal(ctx, proposal)
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := c.store.RecordPatternOutcome(ctx, m.Pattern.ID, success); err != nil {
			return err
		}
		c.logger.Debug("pattern outcome recorded",
			"pattern", m.Pattern.Name, "success", success)
	}
	return nil
}

// Patterns returns the catalog with live statistics, for diagnostics.
func (c *Catalog) Patterns(ctx context.Context) ([]persistence.ConfidencePattern, error) {
	return c.store.ListPatterns(ctx)
}
