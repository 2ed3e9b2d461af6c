// Package scoring computes confidence scores and risk tiers for experiment
// proposals. Scoring is advisory: a scorer call never fails, it degrades to
// the neutral baseline instead.
package scoring

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"sync"

	"github.com/basket/evomem/internal/catalog"
	"github.com/basket/evomem/internal/persistence"
)

const (
	baseline = 0.5
	minScore = 0.05
	maxScore = 0.95
)

// PatternSource is the slice of the catalog the scorer needs.
type PatternSource interface {
	MatchProposal(ctx context.Context, proposal string) ([]catalog.Match, error)
}

// Scorer blends historical pattern success rates into a bounded confidence
// estimate and classifies proposal risk.
type Scorer struct {
	patterns PatternSource
	logger   *slog.Logger

	mu          sync.RWMutex
	multipliers map[persistence.ExperimentKind]float64
}

func New(patterns PatternSource, multipliers map[string]float64, logger *slog.Logger) *Scorer {
	s := &Scorer{patterns: patterns, logger: logger}
	s.SetKindMultipliers(multipliers)
	return s
}

// SetKindMultipliers swaps the per-kind scaling, typically after a config
// reload. Non-positive values are dropped.
func (s *Scorer) SetKindMultipliers(multipliers map[string]float64) {
	byKind := make(map[persistence.ExperimentKind]float64, len(multipliers))
	for kind, m := range multipliers {
		if m > 0 {
			byKind[persistence.ExperimentKind(kind)] = m
		}
	}
	s.mu.Lock()
	s.multipliers = byKind
	s.mu.Unlock()
}

func (s *Scorer) multiplier(kind persistence.ExperimentKind) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.multipliers[kind]
	return m, ok
}

// Score returns a confidence estimate in [0.05, 0.95]. It starts from 0.5,
// replaces the baseline with the weight-weighted average success rate of
// matching patterns when any match, applies the per-kind multiplier, then
// clamps and rounds to two decimals. Any internal failure yields the neutral
// baseline.
func (s *Scorer) Score(ctx context.Context, proposal string, kind persistence.ExperimentKind) (score float64) {
	score = baseline
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("scorer degraded to baseline", "panic", r)
			score = baseline
		}
	}()

	matches, err := s.patterns.MatchProposal(ctx, proposal)
	if err != nil {
		s.logger.Warn("scorer degraded to baseline", "error", err)
		return baseline
	}

	var numerator, denominator float64
	for _, m := range matches {
		numerator += m.Pattern.SuccessRate * m.Weight
		denominator += m.Weight
	}
	if denominator > 0 {
		score = numerator / denominator
	}

	if m, ok := s.multiplier(kind); ok {
		score *= m
	}
	score = math.Min(maxScore, math.Max(minScore, score))
	return math.Round(score*100) / 100
}

// Risk cues, ordered: high wins over medium. Case-insensitive, checked
// against the raw proposal text.
var (
	highRiskCues = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(delete|drop|remove|truncate|wipe|destroy)\b`),
		regexp.MustCompile(`(?i)\b(production|prod)\b`),
		regexp.MustCompile(`(?i)\b(security|credential|password|secret|token)\b`),
		regexp.MustCompile(`(?i)\bauth(entication|orization)?\b`),
	}
	mediumRiskCues = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(refactor|restructure|rewrite)\b`),
		regexp.MustCompile(`(?i)\b(dependency|dependencies|upgrade|bump)\b`),
		regexp.MustCompile(`(?i)\b(config|configuration|settings)\b`),
		regexp.MustCompile(`(?i)\b(api|endpoint|route|handler)\b`),
		regexp.MustCompile(`(?i)\b(schema|migration|migrate)\b`),
	}
)

// AssessRisk classifies a proposal's blast radius, independent of
// confidence. First matching tier wins; unmatched proposals are low risk.
func (s *Scorer) AssessRisk(proposal string) (level persistence.RiskLevel) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("risk assessment degraded to low", "panic", r)
			level = persistence.RiskLow
		}
	}()

	for _, re := range highRiskCues {
		if re.MatchString(proposal) {
			return persistence.RiskHigh
		}
	}
	for _, re := range mediumRiskCues {
		if re.MatchString(proposal) {
			return persistence.RiskMedium
		}
	}
	return persistence.RiskLow
}
