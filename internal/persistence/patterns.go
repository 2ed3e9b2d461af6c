package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ConfidencePattern is a named text-matching heuristic with a running
// success-rate statistic. success_rate is derived from the counters and is
// never written independently.
type ConfidencePattern struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	MatchRule      string         `json:"match_rule,omitempty"`
	SuccessRate    float64        `json:"success_rate"`
	Total          int64          `json:"total_experiments"`
	Successful     int64          `json:"successful_experiments"`
	Failed         int64          `json:"failed_experiments"`
	RiskMultiplier float64        `json:"risk_multiplier"`
	Weight         float64        `json:"pattern_weight"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SeedPattern inserts a pattern if no pattern with the same name exists.
// Existing rows keep their accumulated statistics untouched.
func (s *Store) SeedPattern(ctx context.Context, p *ConfidencePattern) error {
	metadata := "{}"
	if len(p.Metadata) > 0 {
		b, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("marshal pattern metadata: %w", err)
		}
		metadata = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO confidence_patterns (
			id, name, description, match_rule, success_rate,
			risk_multiplier, pattern_weight, metadata_json, created_at, updated_at
		)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO NOTHING;
	`, p.ID, p.Name, p.Description, p.MatchRule, p.SuccessRate,
		p.RiskMultiplier, p.Weight, metadata)
	if err != nil {
		return fmt.Errorf("seed pattern %s: %w", p.Name, err)
	}
	return nil
}

// ListPatterns returns the full catalog with current statistics.
func (s *Store) ListPatterns(ctx context.Context) ([]ConfidencePattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, COALESCE(match_rule, ''), success_rate,
			total_experiments, successful_experiments, failed_experiments,
			risk_multiplier, pattern_weight, metadata_json, created_at, updated_at
		FROM confidence_patterns
		ORDER BY name;
	`)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []ConfidencePattern
	for rows.Next() {
		var (
			p                    ConfidencePattern
			metadata             string
			createdAt, updatedAt string
		)
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Description, &p.MatchRule, &p.SuccessRate,
			&p.Total, &p.Successful, &p.Failed,
			&p.RiskMultiplier, &p.Weight, &metadata, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.Metadata = unmarshalJSONMap(metadata)
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPatternByName loads one pattern, primarily for tests and diagnostics.
func (s *Store) GetPatternByName(ctx context.Context, name string) (ConfidencePattern, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, COALESCE(match_rule, ''), success_rate,
			total_experiments, successful_experiments, failed_experiments,
			risk_multiplier, pattern_weight, metadata_json, created_at, updated_at
		FROM confidence_patterns
		WHERE name = ?;
	`, name)
	var (
		p                    ConfidencePattern
		metadata             string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.MatchRule, &p.SuccessRate,
		&p.Total, &p.Successful, &p.Failed,
		&p.RiskMultiplier, &p.Weight, &metadata, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return ConfidencePattern{}, fmt.Errorf("pattern %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return ConfidencePattern{}, fmt.Errorf("get pattern: %w", err)
	}
	p.Metadata = unmarshalJSONMap(metadata)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// RecordPatternOutcome bumps a pattern's counters for one observed outcome
// and recomputes success_rate from them, all in a single statement so
// concurrent outcome recordings never lose updates.
func (s *Store) RecordPatternOutcome(ctx context.Context, patternID string, success bool) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE confidence_patterns
			SET total_experiments = total_experiments + 1,
				successful_experiments = successful_experiments + ?,
				failed_experiments = failed_experiments + ?,
				success_rate = (successful_experiments + ?) * 1.0 / (total_experiments + 1),
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, boolToInt(success), boolToInt(!success), boolToInt(success), patternID)
		if err != nil {
			return fmt.Errorf("record pattern outcome: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("pattern outcome rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("pattern %s: %w", patternID, ErrNotFound)
		}
		return nil
	})
}

// PatternCount returns the catalog size.
func (s *Store) PatternCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM confidence_patterns;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("pattern count: %w", err)
	}
	return count, nil
}
