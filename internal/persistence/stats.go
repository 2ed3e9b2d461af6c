package persistence

import (
	"context"
	"fmt"
)

// ConfidenceStats compares predicted confidence against realized outcomes.
// MeanConfidence averages the stored scores of terminal experiments;
// RealizedSuccessRate is successes over success+failure, the two outcomes
// that carry signal about whether a prediction held up.
type ConfidenceStats struct {
	TotalExperiments    int64            `json:"total_experiments"`
	TerminalExperiments int64            `json:"terminal_experiments"`
	OutcomeCounts       map[string]int64 `json:"outcome_counts"`
	MeanConfidence      float64          `json:"mean_confidence"`
	RealizedSuccessRate float64          `json:"realized_success_rate"`
	GraduatedCount      int64            `json:"graduated_count"`
	PatternCount        int64            `json:"pattern_count"`
}

// AggregateConfidenceStats computes the calibration summary over all
// experiments in the store.
func (s *Store) AggregateConfidenceStats(ctx context.Context) (ConfidenceStats, error) {
	stats := ConfidenceStats{OutcomeCounts: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT outcome, COUNT(1) FROM experiments GROUP BY outcome;
	`)
	if err != nil {
		return stats, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			outcome string
			count   int64
		)
		if err := rows.Scan(&outcome, &count); err != nil {
			return stats, fmt.Errorf("scan outcome count: %w", err)
		}
		stats.OutcomeCounts[outcome] = count
		stats.TotalExperiments += count
		if Outcome(outcome).IsTerminal() {
			stats.TerminalExperiments += count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	if stats.TerminalExperiments > 0 {
		err = s.db.QueryRowContext(ctx, `
			SELECT COALESCE(AVG(confidence_score), 0)
			FROM experiments
			WHERE outcome IN ('success', 'failure', 'abandoned', 'timeout');
		`).Scan(&stats.MeanConfidence)
		if err != nil {
			return stats, fmt.Errorf("mean confidence: %w", err)
		}
	}

	decided := stats.OutcomeCounts[string(OutcomeSuccess)] + stats.OutcomeCounts[string(OutcomeFailure)]
	if decided > 0 {
		stats.RealizedSuccessRate = float64(stats.OutcomeCounts[string(OutcomeSuccess)]) / float64(decided)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM experiments WHERE graduated = 1;
	`).Scan(&stats.GraduatedCount)
	if err != nil {
		return stats, fmt.Errorf("graduated count: %w", err)
	}

	stats.PatternCount, err = s.PatternCount(ctx)
	if err != nil {
		return stats, err
	}
	return stats, nil
}
