// Package sqlite provides a SQLite-backed trace store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/deepnoodle-ai/retrace"
	_ "modernc.org/sqlite"
)

const (
	selectRuns = `SELECT id, name, started_at, ended_at, status, initial_state,
		final_state, step_count, metadata FROM runs`

	selectSteps = `SELECT run_id, step_index, step_id, unit_name, started_at,
		ended_at, status, state_before, state_after, delta, is_checkpoint,
		error FROM steps`

	selectRoutingDecisions = `SELECT run_id, step_index, step_id, source_unit,
		target_unit, description, inputs, outcome FROM routing_decisions`
)

// Store persists trace data in a single SQLite database file. WAL mode keeps
// readers unblocked while a writer is active.
type Store struct {
	sqlDB *sql.DB
}

var _ retrace.Store = (*Store)(nil)

// Open opens a SQLite trace store at path, creating the database file and its
// parent directory if needed, and applies the embedded schema migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrationsFS, "migrations"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// SaveRun inserts or updates a run record. The stored step count never moves
// backwards: SaveStep owns it, and a stale upsert must not clobber it.
func (s *Store) SaveRun(ctx context.Context, run *retrace.RunRecord) error {
	if run == nil || run.ID == "" {
		return retrace.NewValidationError("run record must have an ID")
	}
	initialState, err := valueToText(run.InitialState)
	if err != nil {
		return retrace.NewStorageError("save run", err)
	}
	finalState, err := valueToText(run.FinalState)
	if err != nil {
		return retrace.NewStorageError("save run", err)
	}
	metadata, err := metadataToText(run.Metadata)
	if err != nil {
		return retrace.NewStorageError("save run", err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO runs (id, name, started_at, ended_at, status,
		                   initial_state, final_state, step_count, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   started_at = excluded.started_at,
		   ended_at = excluded.ended_at,
		   status = excluded.status,
		   initial_state = excluded.initial_state,
		   final_state = excluded.final_state,
		   step_count = MAX(runs.step_count, excluded.step_count),
		   metadata = excluded.metadata`,
		run.ID,
		run.Name,
		toNullMillis(run.StartedAt),
		toNullMillis(run.EndedAt),
		string(run.Status),
		initialState,
		finalState,
		run.StepCount,
		metadata,
	)
	if err != nil {
		return retrace.NewStorageError("save run", err)
	}
	return nil
}

// SaveStep upserts a step row and bumps the owning run's step count in the
// same transaction.
func (s *Store) SaveStep(ctx context.Context, step *retrace.StepRecord) error {
	if step == nil || step.RunID == "" {
		return retrace.NewValidationError("step record must have a run ID")
	}
	stateBefore, err := valueToText(step.StateBefore)
	if err != nil {
		return retrace.NewStorageError("save step", err)
	}
	stateAfter, err := valueToText(step.StateAfter)
	if err != nil {
		return retrace.NewStorageError("save step", err)
	}
	delta, err := deltaToText(step.Delta)
	if err != nil {
		return retrace.NewStorageError("save step", err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return retrace.NewStorageError("save step", err)
	}
	var found int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, step.RunID).Scan(&found); err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return retrace.NewNotFoundError("run", step.RunID)
		}
		return retrace.NewStorageError("save step", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO steps (run_id, step_index, step_id, unit_name, started_at,
		                    ended_at, status, state_before, state_after, delta,
		                    is_checkpoint, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_index) DO UPDATE SET
		   step_id = excluded.step_id,
		   unit_name = excluded.unit_name,
		   started_at = excluded.started_at,
		   ended_at = excluded.ended_at,
		   status = excluded.status,
		   state_before = excluded.state_before,
		   state_after = excluded.state_after,
		   delta = excluded.delta,
		   is_checkpoint = excluded.is_checkpoint,
		   error = excluded.error`,
		step.RunID,
		step.StepIndex,
		step.ID,
		step.UnitName,
		toNullMillis(step.StartedAt),
		toNullMillis(step.EndedAt),
		string(step.Status),
		stateBefore,
		stateAfter,
		delta,
		step.IsCheckpoint,
		step.Error,
	); err != nil {
		_ = tx.Rollback()
		return retrace.NewStorageError("save step", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET step_count = MAX(step_count, ?) WHERE id = ?`,
		step.StepIndex+1, step.RunID,
	); err != nil {
		_ = tx.Rollback()
		return retrace.NewStorageError("save step", err)
	}
	if err := tx.Commit(); err != nil {
		return retrace.NewStorageError("save step", err)
	}
	return nil
}

// SaveRoutingDecision appends a routing decision row.
func (s *Store) SaveRoutingDecision(ctx context.Context, decision *retrace.RoutingDecision) error {
	if decision == nil || decision.RunID == "" {
		return retrace.NewValidationError("routing decision must have a run ID")
	}
	inputs, err := valueToText(decision.Inputs)
	if err != nil {
		return retrace.NewStorageError("save routing decision", err)
	}
	outcome, err := valueToText(decision.Outcome)
	if err != nil {
		return retrace.NewStorageError("save routing decision", err)
	}
	exists, err := s.runExists(ctx, decision.RunID)
	if err != nil {
		return retrace.NewStorageError("save routing decision", err)
	}
	if !exists {
		return retrace.NewNotFoundError("run", decision.RunID)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO routing_decisions (run_id, step_index, step_id,
		                                source_unit, target_unit, description,
		                                inputs, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		decision.RunID,
		decision.StepIndex,
		decision.StepID,
		decision.SourceUnit,
		decision.TargetUnit,
		decision.Description,
		inputs,
		outcome,
	)
	if err != nil {
		return retrace.NewStorageError("save routing decision", err)
	}
	return nil
}

// GetRun loads a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*retrace.RunRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx, selectRuns+` WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, retrace.NewNotFoundError("run", runID)
		}
		return nil, wrapStorage("get run", err)
	}
	return run, nil
}

// ListRuns returns runs ordered most recent first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]*retrace.RunRecord, error) {
	if limit <= 0 {
		// A negative LIMIT means unlimited in SQLite.
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		selectRuns+` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, retrace.NewStorageError("list runs", err)
	}
	defer rows.Close()

	runs := []*retrace.RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, wrapStorage("list runs", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, retrace.NewStorageError("list runs", err)
	}
	return runs, nil
}

// GetStep loads a single step by run ID and step index.
func (s *Store) GetStep(ctx context.Context, runID string, stepIndex int) (*retrace.StepRecord, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		selectSteps+` WHERE run_id = ? AND step_index = ?`, runID, stepIndex)
	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, retrace.NewNotFoundError("step", fmt.Sprintf("%s/%d", runID, stepIndex))
		}
		return nil, wrapStorage("get step", err)
	}
	return step, nil
}

// GetSteps loads all steps for a run in ascending step order.
func (s *Store) GetSteps(ctx context.Context, runID string) ([]*retrace.StepRecord, error) {
	exists, err := s.runExists(ctx, runID)
	if err != nil {
		return nil, retrace.NewStorageError("get steps", err)
	}
	if !exists {
		return nil, retrace.NewNotFoundError("run", runID)
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		selectSteps+` WHERE run_id = ? ORDER BY step_index`, runID)
	if err != nil {
		return nil, retrace.NewStorageError("get steps", err)
	}
	defer rows.Close()
	return collectSteps(rows, "get steps")
}

// GetStepRange loads steps with from <= step_index <= to in ascending order.
func (s *Store) GetStepRange(ctx context.Context, runID string, from, to int) ([]*retrace.StepRecord, error) {
	if from < 0 || to < from {
		return nil, retrace.NewValidationError(fmt.Sprintf("invalid step range %d..%d", from, to))
	}
	exists, err := s.runExists(ctx, runID)
	if err != nil {
		return nil, retrace.NewStorageError("get step range", err)
	}
	if !exists {
		return nil, retrace.NewNotFoundError("run", runID)
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		selectSteps+` WHERE run_id = ? AND step_index BETWEEN ? AND ? ORDER BY step_index`,
		runID, from, to)
	if err != nil {
		return nil, retrace.NewStorageError("get step range", err)
	}
	defer rows.Close()
	return collectSteps(rows, "get step range")
}

// GetCheckpointBefore returns the nearest checkpoint step with
// step_index <= stepIndex.
func (s *Store) GetCheckpointBefore(ctx context.Context, runID string, stepIndex int) (*retrace.StepRecord, error) {
	exists, err := s.runExists(ctx, runID)
	if err != nil {
		return nil, retrace.NewStorageError("get checkpoint", err)
	}
	if !exists {
		return nil, retrace.NewNotFoundError("run", runID)
	}
	row := s.sqlDB.QueryRowContext(ctx,
		selectSteps+` WHERE run_id = ? AND step_index <= ? AND is_checkpoint = 1
		 ORDER BY step_index DESC LIMIT 1`,
		runID, stepIndex)
	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, retrace.NewNotFoundError("checkpoint", fmt.Sprintf("%s/<=%d", runID, stepIndex))
		}
		return nil, wrapStorage("get checkpoint", err)
	}
	return step, nil
}

// GetRoutingDecisions loads all routing decisions for a run in step order.
func (s *Store) GetRoutingDecisions(ctx context.Context, runID string) ([]*retrace.RoutingDecision, error) {
	exists, err := s.runExists(ctx, runID)
	if err != nil {
		return nil, retrace.NewStorageError("get routing decisions", err)
	}
	if !exists {
		return nil, retrace.NewNotFoundError("run", runID)
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		selectRoutingDecisions+` WHERE run_id = ? ORDER BY step_index, id`, runID)
	if err != nil {
		return nil, retrace.NewStorageError("get routing decisions", err)
	}
	defer rows.Close()

	decisions := []*retrace.RoutingDecision{}
	for rows.Next() {
		decision, err := scanRoutingDecision(rows)
		if err != nil {
			return nil, wrapStorage("get routing decisions", err)
		}
		decisions = append(decisions, decision)
	}
	if err := rows.Err(); err != nil {
		return nil, retrace.NewStorageError("get routing decisions", err)
	}
	return decisions, nil
}

// DeleteRun removes a run and all of its steps and routing decisions.
// Deleting an absent run is not an error. Child rows are removed explicitly
// so the delete does not depend on foreign key enforcement being active.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return retrace.NewStorageError("delete run", err)
	}
	for _, stmt := range []string{
		`DELETE FROM routing_decisions WHERE run_id = ?`,
		`DELETE FROM steps WHERE run_id = ?`,
		`DELETE FROM runs WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, runID); err != nil {
			_ = tx.Rollback()
			return retrace.NewStorageError("delete run", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return retrace.NewStorageError("delete run", err)
	}
	return nil
}

func (s *Store) runExists(ctx context.Context, runID string) (bool, error) {
	var found int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// wrapStorage classifies an error as a storage failure, passing already
// classified trace errors through untouched.
func wrapStorage(operation string, err error) error {
	var traceErr *retrace.TraceError
	if errors.As(err, &traceErr) {
		return err
	}
	return retrace.NewStorageError(operation, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*retrace.RunRecord, error) {
	var (
		run          retrace.RunRecord
		status       string
		startedAt    sql.NullInt64
		endedAt      sql.NullInt64
		initialState sql.NullString
		finalState   sql.NullString
		metadata     sql.NullString
	)
	err := row.Scan(&run.ID, &run.Name, &startedAt, &endedAt, &status,
		&initialState, &finalState, &run.StepCount, &metadata)
	if err != nil {
		return nil, err
	}
	run.Status = retrace.RunStatus(status)
	run.StartedAt = fromNullMillis(startedAt)
	run.EndedAt = fromNullMillis(endedAt)
	if run.InitialState, err = valueFromText(initialState); err != nil {
		return nil, retrace.NewReconstructionError(fmt.Sprintf("decoding initial state for run %s: %v", run.ID, err))
	}
	if run.FinalState, err = valueFromText(finalState); err != nil {
		return nil, retrace.NewReconstructionError(fmt.Sprintf("decoding final state for run %s: %v", run.ID, err))
	}
	if run.Metadata, err = metadataFromText(metadata); err != nil {
		return nil, retrace.NewReconstructionError(fmt.Sprintf("decoding metadata for run %s: %v", run.ID, err))
	}
	return &run, nil
}

func scanStep(row rowScanner) (*retrace.StepRecord, error) {
	var (
		step        retrace.StepRecord
		status      string
		startedAt   sql.NullInt64
		endedAt     sql.NullInt64
		stateBefore sql.NullString
		stateAfter  sql.NullString
		delta       sql.NullString
	)
	err := row.Scan(&step.RunID, &step.StepIndex, &step.ID, &step.UnitName,
		&startedAt, &endedAt, &status, &stateBefore, &stateAfter, &delta,
		&step.IsCheckpoint, &step.Error)
	if err != nil {
		return nil, err
	}
	step.Status = retrace.StepStatus(status)
	step.StartedAt = fromNullMillis(startedAt)
	step.EndedAt = fromNullMillis(endedAt)
	if step.StateBefore, err = valueFromText(stateBefore); err != nil {
		return nil, retrace.NewReconstructionError(fmt.Sprintf("decoding before state for step %d of run %s: %v", step.StepIndex, step.RunID, err))
	}
	if step.StateAfter, err = valueFromText(stateAfter); err != nil {
		return nil, retrace.NewReconstructionError(fmt.Sprintf("decoding after state for step %d of run %s: %v", step.StepIndex, step.RunID, err))
	}
	if step.Delta, err = deltaFromText(delta); err != nil {
		return nil, retrace.NewReconstructionError(fmt.Sprintf("decoding delta for step %d of run %s: %v", step.StepIndex, step.RunID, err))
	}
	return &step, nil
}

func scanRoutingDecision(row rowScanner) (*retrace.RoutingDecision, error) {
	var (
		decision retrace.RoutingDecision
		inputs   sql.NullString
		outcome  sql.NullString
	)
	err := row.Scan(&decision.RunID, &decision.StepIndex, &decision.StepID,
		&decision.SourceUnit, &decision.TargetUnit, &decision.Description,
		&inputs, &outcome)
	if err != nil {
		return nil, err
	}
	if decision.Inputs, err = valueFromText(inputs); err != nil {
		return nil, retrace.NewReconstructionError(fmt.Sprintf("decoding routing inputs for run %s: %v", decision.RunID, err))
	}
	if decision.Outcome, err = valueFromText(outcome); err != nil {
		return nil, retrace.NewReconstructionError(fmt.Sprintf("decoding routing outcome for run %s: %v", decision.RunID, err))
	}
	return &decision, nil
}

func collectSteps(rows *sql.Rows, operation string) ([]*retrace.StepRecord, error) {
	steps := []*retrace.StepRecord{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, wrapStorage(operation, err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, retrace.NewStorageError(operation, err)
	}
	return steps, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toNullMillis(value time.Time) sql.NullInt64 {
	if value.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(value), Valid: true}
}

func fromNullMillis(value sql.NullInt64) time.Time {
	if !value.Valid {
		return time.Time{}
	}
	return fromMillis(value.Int64)
}

func valueToText(value *retrace.Value) (sql.NullString, error) {
	if value == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func valueFromText(text sql.NullString) (*retrace.Value, error) {
	if !text.Valid {
		return nil, nil
	}
	var value retrace.Value
	if err := json.Unmarshal([]byte(text.String), &value); err != nil {
		return nil, err
	}
	return &value, nil
}

func deltaToText(delta *retrace.Delta) (sql.NullString, error) {
	if delta == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(delta)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func deltaFromText(text sql.NullString) (*retrace.Delta, error) {
	if !text.Valid {
		return nil, nil
	}
	var delta retrace.Delta
	if err := json.Unmarshal([]byte(text.String), &delta); err != nil {
		return nil, err
	}
	return &delta, nil
}

func metadataToText(metadata map[string]string) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func metadataFromText(text sql.NullString) (map[string]string, error) {
	if !text.Valid {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(text.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}
