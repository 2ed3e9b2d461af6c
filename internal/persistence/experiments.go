package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeRunning   Outcome = "running"
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeAbandoned Outcome = "abandoned"
	OutcomeTimeout   Outcome = "timeout"
)

// IsTerminal reports whether the outcome ends the experiment's lifecycle.
func (o Outcome) IsTerminal() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeAbandoned, OutcomeTimeout:
		return true
	}
	return false
}

// Graduable reports whether an experiment with this outcome may graduate.
// A timed-out experiment never graduates: its sandbox state is unknown.
func (o Outcome) Graduable() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeAbandoned:
		return true
	}
	return false
}

type ExperimentKind string

const (
	KindGeneral          ExperimentKind = "general"
	KindFileModification ExperimentKind = "file_modification"
	KindDependencyChange ExperimentKind = "dependency_change"
	KindConfigUpdate     ExperimentKind = "config_update"
	KindRefactoring      ExperimentKind = "refactoring"
	KindTesting          ExperimentKind = "testing"
	KindDeployment       ExperimentKind = "deployment"
	KindSecurityFix      ExperimentKind = "security_fix"
)

// ExperimentKinds lists every recognized kind.
var ExperimentKinds = []ExperimentKind{
	KindGeneral, KindFileModification, KindDependencyChange, KindConfigUpdate,
	KindRefactoring, KindTesting, KindDeployment, KindSecurityFix,
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type GraduationDecision string

const (
	DecisionAccept GraduationDecision = "accept"
	DecisionReject GraduationDecision = "reject"
)

// OutcomeEvidence holds what the sandbox executor reports alongside a
// terminal outcome. Immutable once the experiment completes.
type OutcomeEvidence struct {
	ModifiedFiles  []string       `json:"modified_files,omitempty"`
	Commands       []string       `json:"commands,omitempty"`
	ErrorMessages  []string       `json:"error_messages,omitempty"`
	SuccessMetrics map[string]any `json:"success_metrics,omitempty"`
	DurationMS     int64          `json:"duration_ms,omitempty"`
}

// Experiment is one proposed, sandboxed change and its lifecycle record.
type Experiment struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	ProjectPath string         `json:"project_path,omitempty"`
	SandboxID   string         `json:"sandbox_id"`
	Proposal    string         `json:"proposal"`
	ContentHash string         `json:"content_hash"`
	Kind        ExperimentKind `json:"kind"`
	Confidence  float64        `json:"confidence_score"`
	RiskLevel   RiskLevel      `json:"risk_level"`
	Outcome     Outcome        `json:"outcome"`
	MemoryCount int            `json:"memory_count"`

	Evidence OutcomeEvidence `json:"evidence,omitzero"`

	Graduated          bool               `json:"graduated"`
	GraduationDecision GraduationDecision `json:"graduation_decision,omitempty"`
	GraduationReason   string             `json:"graduation_reason,omitempty"`
	GraduatedAt        *time.Time         `json:"graduated_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// allowedOutcomeTransitions is the experiment state machine. Terminal
// outcomes have no successors; graduation is an orthogonal flag.
var allowedOutcomeTransitions = map[Outcome][]Outcome{
	OutcomePending: {OutcomeRunning, OutcomeSuccess, OutcomeFailure, OutcomeAbandoned, OutcomeTimeout},
	OutcomeRunning: {OutcomeSuccess, OutcomeFailure, OutcomeAbandoned, OutcomeTimeout},
}

// CanTransition reports whether the state machine permits moving an
// experiment from one outcome to another. The conditional updates below
// remain the authoritative check under concurrency; this is for callers
// that want to reject a doomed transition before writing.
func CanTransition(from, to Outcome) bool {
	return slices.Contains(allowedOutcomeTransitions[from], to)
}

// CreateExperiment inserts a new experiment row in state pending.
func (s *Store) CreateExperiment(ctx context.Context, exp *Experiment) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO experiments (
				id, user_id, project_path, sandbox_id, proposal, content_hash,
				kind, confidence_score, risk_level, outcome, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, exp.ID, exp.UserID, exp.ProjectPath, exp.SandboxID, exp.Proposal, exp.ContentHash,
			string(exp.Kind), exp.Confidence, string(exp.RiskLevel))
		if err != nil {
			return fmt.Errorf("insert experiment: %w", err)
		}
		return nil
	})
}

// GetExperiment loads a single experiment by id.
func (s *Store) GetExperiment(ctx context.Context, id string) (Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, project_path, sandbox_id, proposal, content_hash,
			kind, confidence_score, risk_level, outcome, memory_count,
			COALESCE(modified_files, ''), COALESCE(commands_executed, ''),
			COALESCE(error_messages, ''), COALESCE(success_metrics, ''),
			COALESCE(duration_ms, 0),
			graduated, COALESCE(graduation_decision, ''), COALESCE(graduation_reason, ''),
			graduated_at, created_at, started_at, completed_at, updated_at
		FROM experiments
		WHERE id = ?;
	`, id)
	exp, err := scanExperiment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Experiment{}, fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	return exp, err
}

// ExperimentFilter narrows ListExperiments. Zero values mean "any".
type ExperimentFilter struct {
	Outcome   Outcome
	Kind      ExperimentKind
	SandboxID string
	Graduated *bool
	Since     time.Time
	Limit     int
}

// ListExperiments returns a user's experiments, newest first.
func (s *Store) ListExperiments(ctx context.Context, userID string, filter ExperimentFilter) ([]Experiment, error) {
	var conds []string
	var args []any
	if userID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, userID)
	}
	if filter.Outcome != "" {
		conds = append(conds, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.SandboxID != "" {
		conds = append(conds, "sandbox_id = ?")
		args = append(args, filter.SandboxID)
	}
	if filter.Graduated != nil {
		conds = append(conds, "graduated = ?")
		args = append(args, boolToInt(*filter.Graduated))
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, user_id, project_path, sandbox_id, proposal, content_hash,
			kind, confidence_score, risk_level, outcome, memory_count,
			COALESCE(modified_files, ''), COALESCE(commands_executed, ''),
			COALESCE(error_messages, ''), COALESCE(success_metrics, ''),
			COALESCE(duration_ms, 0),
			graduated, COALESCE(graduation_decision, ''), COALESCE(graduation_reason, ''),
			graduated_at, created_at, started_at, completed_at, updated_at
		FROM experiments
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	var out []Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// MarkRunning transitions pending → running and stamps started_at.
// The conditional update means two concurrent callers race safely: exactly
// one wins and the loser sees ErrInvalidTransition.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE experiments
			SET outcome = 'running',
				started_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND outcome = 'pending';
		`, id)
		if err != nil {
			return fmt.Errorf("mark running: %w", err)
		}
		return s.checkTransitioned(ctx, res, id)
	})
}

// RecordOutcome writes a terminal outcome with its evidence in one
// conditional update. Only pending or running experiments accept a terminal
// outcome; a second terminal write yields ErrInvalidTransition.
func (s *Store) RecordOutcome(ctx context.Context, id string, outcome Outcome, evidence OutcomeEvidence) error {
	if !outcome.IsTerminal() {
		return fmt.Errorf("outcome %q is not terminal: %w", outcome, ErrInvalidTransition)
	}

	modified := marshalJSONList(evidence.ModifiedFiles)
	commands := marshalJSONList(evidence.Commands)
	errMsgs := marshalJSONList(evidence.ErrorMessages)
	metrics := marshalJSONMap(evidence.SuccessMetrics)

	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE experiments
			SET outcome = ?,
				modified_files = ?,
				commands_executed = ?,
				error_messages = ?,
				success_metrics = ?,
				duration_ms = ?,
				completed_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND outcome IN ('pending', 'running');
		`, string(outcome), modified, commands, errMsgs, metrics, evidence.DurationMS, id)
		if err != nil {
			return fmt.Errorf("record outcome: %w", err)
		}
		return s.checkTransitioned(ctx, res, id)
	})
}

// MarkGraduated records the experiment-level graduation decision. Repeat
// calls update the decision and reason to the latest ones.
func (s *Store) MarkGraduated(ctx context.Context, id string, decision GraduationDecision, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE experiments
			SET graduated = 1,
				graduation_decision = ?,
				graduation_reason = ?,
				graduated_at = CURRENT_TIMESTAMP,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND outcome IN ('success', 'failure', 'abandoned');
		`, string(decision), reason, id)
		if err != nil {
			return fmt.Errorf("mark graduated: %w", err)
		}
		return s.checkTransitioned(ctx, res, id)
	})
}

// checkTransitioned maps a zero-row conditional update to the right error:
// missing row → ErrNotFound, present but in the wrong state → ErrInvalidTransition.
func (s *Store) checkTransitioned(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}
	var outcome string
	err = s.db.QueryRowContext(ctx, `SELECT outcome FROM experiments WHERE id = ?;`, id).Scan(&outcome)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("experiment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read experiment outcome: %w", err)
	}
	return fmt.Errorf("experiment %s is %s: %w", id, outcome, ErrInvalidTransition)
}

// PurgeOlderThan deletes experiments whose outcome is terminal and safe to
// discard (success, failure, abandoned) and whose completion predates the
// window. Pending, running, and timed-out experiments are never purged.
// Memories and graduation rows cascade. Returns the number of experiments removed.
func (s *Store) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("retention days must be > 0, got %d", days)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(timeLayout)

	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM experiments
			WHERE outcome IN ('success', 'failure', 'abandoned')
			  AND completed_at IS NOT NULL
			  AND completed_at < ?;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("purge experiments: %w", err)
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	return purged, err
}

func scanExperiment(scan func(dest ...any) error) (Experiment, error) {
	var (
		exp                              Experiment
		kind, risk, outcome              string
		modified, commands, errs, metric string
		decision                         string
		graduatedAt                      sql.NullString
		createdAt, updatedAt             string
		startedAt, completedAt           sql.NullString
	)
	err := scan(
		&exp.ID, &exp.UserID, &exp.ProjectPath, &exp.SandboxID, &exp.Proposal, &exp.ContentHash,
		&kind, &exp.Confidence, &risk, &outcome, &exp.MemoryCount,
		&modified, &commands, &errs, &metric,
		&exp.Evidence.DurationMS,
		&exp.Graduated, &decision, &exp.GraduationReason,
		&graduatedAt, &createdAt, &startedAt, &completedAt, &updatedAt,
	)
	if err != nil {
		return Experiment{}, err
	}
	exp.Kind = ExperimentKind(kind)
	exp.RiskLevel = RiskLevel(risk)
	exp.Outcome = Outcome(outcome)
	exp.GraduationDecision = GraduationDecision(decision)
	exp.Evidence.ModifiedFiles = unmarshalJSONList(modified)
	exp.Evidence.Commands = unmarshalJSONList(commands)
	exp.Evidence.ErrorMessages = unmarshalJSONList(errs)
	exp.Evidence.SuccessMetrics = unmarshalJSONMap(metric)
	exp.CreatedAt = parseTime(createdAt)
	exp.UpdatedAt = parseTime(updatedAt)
	exp.StartedAt = parseNullTime(startedAt)
	exp.CompletedAt = parseNullTime(completedAt)
	exp.GraduatedAt = parseNullTime(graduatedAt)
	return exp, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func marshalJSONList(in []string) any {
	if in == nil {
		return nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	return string(b)
}

func unmarshalJSONList(in string) []string {
	if in == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(in), &out); err != nil {
		return nil
	}
	return out
}

func marshalJSONMap(in map[string]any) any {
	if in == nil {
		return nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	return string(b)
}

func unmarshalJSONMap(in string) map[string]any {
	if in == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(in), &out); err != nil {
		return nil
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
