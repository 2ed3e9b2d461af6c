package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GraduationType records whether a memory was promoted into the shared
// store or held back.
type GraduationType string

const (
	GraduationPromote GraduationType = "promote"
	GraduationReject  GraduationType = "reject"
)

// MemoryGraduation is one row of the graduation audit trail. PromotedID is
// the identifier assigned by the shared store and is empty for rejections.
type MemoryGraduation struct {
	ID              string         `json:"id"`
	ExperimentID    string         `json:"experiment_id"`
	MemoryID        string         `json:"memory_id,omitempty"`
	Type            GraduationType `json:"graduation_type"`
	DecisionReason  string         `json:"decision_reason,omitempty"`
	HumanDecision   bool           `json:"human_decision"`
	TargetSessionID string         `json:"target_session_id,omitempty"`
	PromotedID      string         `json:"promoted_id,omitempty"`
	DecidedAt       time.Time      `json:"decided_at"`
}

func (s *Store) appendGraduationTx(ctx context.Context, tx *sql.Tx, g *MemoryGraduation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memory_graduations (
			id, experiment_id, memory_id, graduation_type, decision_reason,
			human_decision, target_session_id, promoted_id, decided_at
		)
		VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP);
	`, g.ID, g.ExperimentID, g.MemoryID, string(g.Type), g.DecisionReason,
		boolToInt(g.HumanDecision), g.TargetSessionID, g.PromotedID)
	if err != nil {
		return fmt.Errorf("append graduation: %w", err)
	}
	return nil
}

// AppendGraduation records a graduation decision that did not change any
// memory row, such as an experiment-level rejection.
func (s *Store) AppendGraduation(ctx context.Context, g *MemoryGraduation) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin graduation: %w", err)
		}
		defer tx.Rollback()
		if err := s.appendGraduationTx(ctx, tx, g); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListGraduations returns the graduation trail for one experiment, oldest
// first.
func (s *Store) ListGraduations(ctx context.Context, experimentID string) ([]MemoryGraduation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, experiment_id, COALESCE(memory_id, ''), graduation_type,
			COALESCE(decision_reason, ''), human_decision,
			COALESCE(target_session_id, ''), COALESCE(promoted_id, ''), decided_at
		FROM memory_graduations
		WHERE experiment_id = ?
		ORDER BY decided_at ASC, id ASC;
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list graduations: %w", err)
	}
	defer rows.Close()

	var out []MemoryGraduation
	for rows.Next() {
		var (
			g         MemoryGraduation
			human     int
			decidedAt string
		)
		if err := rows.Scan(
			&g.ID, &g.ExperimentID, &g.MemoryID, &g.Type,
			&g.DecisionReason, &human, &g.TargetSessionID, &g.PromotedID, &decidedAt,
		); err != nil {
			return nil, fmt.Errorf("scan graduation: %w", err)
		}
		g.HumanDecision = human != 0
		g.DecidedAt = parseTime(decidedAt)
		out = append(out, g)
	}
	return out, rows.Err()
}
