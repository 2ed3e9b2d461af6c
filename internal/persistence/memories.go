package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type MemoryKind string

const (
	MemoryConversation   MemoryKind = "conversation"
	MemoryCommandResult  MemoryKind = "command_result"
	MemoryFileChange     MemoryKind = "file_change"
	MemoryErrorEncounter MemoryKind = "error_encounter"
	MemorySuccessPattern MemoryKind = "success_pattern"
	MemoryLessonLearned  MemoryKind = "lesson_learned"
)

// MemoryKinds lists every recognized memory kind.
var MemoryKinds = []MemoryKind{
	MemoryConversation, MemoryCommandResult, MemoryFileChange,
	MemoryErrorEncounter, MemorySuccessPattern, MemoryLessonLearned,
}

const isolationSandbox = "sandbox"

// ExperimentMemory is one atomic fact learned inside a sandboxed experiment.
// It stays isolation-level "sandbox" until graduation promotes a copy; the
// original is then flagged, never mutated further.
type ExperimentMemory struct {
	ID             string         `json:"id"`
	ExperimentID   string         `json:"experiment_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Kind           MemoryKind     `json:"kind"`
	Content        string         `json:"content"`
	Context        map[string]any `json:"context,omitempty"`
	Relevance      float64        `json:"relevance_score"`
	IsolationLevel string         `json:"isolation_level"`
	Graduated      bool           `json:"graduated_to_main"`
	GraduationDate *time.Time     `json:"graduation_date,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// CreateMemory appends an isolated memory and bumps the owning experiment's
// memory counter in the same transaction. Unknown experiment → ErrNotFound.
func (s *Store) CreateMemory(ctx context.Context, mem *ExperimentMemory) error {
	contextJSON := "{}"
	if len(mem.Context) > 0 {
		b, err := json.Marshal(mem.Context)
		if err != nil {
			return fmt.Errorf("marshal memory context: %w", err)
		}
		contextJSON = string(b)
	}

	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create memory tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE experiments
			SET memory_count = memory_count + 1,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, mem.ExperimentID)
		if err != nil {
			return fmt.Errorf("bump memory count: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("memory count rows affected: %w", err)
		}
		if affected == 0 {
			return fmt.Errorf("experiment %s: %w", mem.ExperimentID, ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO experiment_memories (
				id, experiment_id, conversation_id, kind, content, context_json,
				relevance_score, isolation_level, created_at
			)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, mem.ID, mem.ExperimentID, mem.ConversationID, string(mem.Kind), mem.Content,
			contextJSON, mem.Relevance, isolationSandbox); err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
		return tx.Commit()
	})
}

// GetMemory loads a single memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (ExperimentMemory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, experiment_id, COALESCE(conversation_id, ''), kind, content,
			context_json, relevance_score, isolation_level, graduated_to_main,
			graduation_date, created_at
		FROM experiment_memories
		WHERE id = ?;
	`, id)
	mem, err := scanMemory(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return ExperimentMemory{}, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return mem, err
}

// MemoryFilter narrows ListMemories. Zero values mean "any".
type MemoryFilter struct {
	Kind         MemoryKind
	Graduated    *bool
	MinRelevance float64
	Limit        int
}

// ListMemories returns an experiment's memories, most relevant first.
// Unknown experiment → ErrNotFound.
func (s *Store) ListMemories(ctx context.Context, experimentID string, filter MemoryFilter) ([]ExperimentMemory, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM experiments WHERE id = ?;`, experimentID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("experiment %s: %w", experimentID, ErrNotFound)
		}
		return nil, fmt.Errorf("check experiment: %w", err)
	}

	conds := []string{"experiment_id = ?"}
	args := []any{experimentID}
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Graduated != nil {
		conds = append(conds, "graduated_to_main = ?")
		args = append(args, boolToInt(*filter.Graduated))
	}
	if filter.MinRelevance > 0 {
		conds = append(conds, "relevance_score >= ?")
		args = append(args, filter.MinRelevance)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, experiment_id, COALESCE(conversation_id, ''), kind, content,
			context_json, relevance_score, isolation_level, graduated_to_main,
			graduation_date, created_at
		FROM experiment_memories
		WHERE %s
		ORDER BY relevance_score DESC, created_at ASC
		LIMIT ?;
	`, strings.Join(conds, " AND ")), args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []ExperimentMemory
	for rows.Next() {
		mem, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, mem)
	}
	return out, rows.Err()
}

// MarkMemoryGraduated flags a sandbox memory as promoted and appends the
// graduation audit row in one transaction. The graduated_to_main = 0
// predicate makes re-graduation a no-op: it reports promoted = false without
// touching the row or writing a duplicate audit record.
func (s *Store) MarkMemoryGraduated(ctx context.Context, grad *MemoryGraduation) (bool, error) {
	var promoted bool
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin graduation tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE experiment_memories
			SET graduated_to_main = 1,
				graduation_date = CURRENT_TIMESTAMP
			WHERE id = ? AND experiment_id = ? AND graduated_to_main = 0;
		`, grad.MemoryID, grad.ExperimentID)
		if err != nil {
			return fmt.Errorf("mark memory graduated: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("graduation rows affected: %w", err)
		}
		if affected == 0 {
			promoted = false
			return nil
		}

		if err := s.appendGraduationTx(ctx, tx, grad); err != nil {
			return err
		}
		promoted = true
		return tx.Commit()
	})
	return promoted, err
}

func scanMemory(scan func(dest ...any) error) (ExperimentMemory, error) {
	var (
		mem            ExperimentMemory
		kind           string
		contextJSON    string
		graduationDate sql.NullString
		createdAt      string
	)
	err := scan(
		&mem.ID, &mem.ExperimentID, &mem.ConversationID, &kind, &mem.Content,
		&contextJSON, &mem.Relevance, &mem.IsolationLevel, &mem.Graduated,
		&graduationDate, &createdAt,
	)
	if err != nil {
		return ExperimentMemory{}, err
	}
	mem.Kind = MemoryKind(kind)
	mem.Context = unmarshalJSONMap(contextJSON)
	mem.GraduationDate = parseNullTime(graduationDate)
	mem.CreatedAt = parseTime(createdAt)
	return mem, nil
}
