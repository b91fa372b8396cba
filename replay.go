package retrace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// ReplayEngineOptions configures a new replay engine
type ReplayEngineOptions struct {
	// Store supplies the trace records to replay. Required.
	Store Store

	// Logger receives replay diagnostics. Defaults to a discard logger.
	Logger *slog.Logger
}

// ReplayEngine reconstructs historical run state from checkpoints and
// deltas. It only reads from the store and never re-executes any part of
// the original computation.
type ReplayEngine struct {
	store  Store
	logger *slog.Logger
}

// NewReplayEngine creates a new replay engine configured with the given options.
func NewReplayEngine(opts ReplayEngineOptions) (*ReplayEngine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ReplayEngine{store: opts.Store, logger: opts.Logger}, nil
}

// TimelineEntry is one step of a reconstructed timeline: the step's
// metadata plus the full state after it ran. Delta is nil on checkpoint
// steps, which store their state directly.
type TimelineEntry struct {
	StepIndex    int        `json:"step_index"`
	UnitName     string     `json:"unit_name"`
	State        *Value     `json:"state"`
	Delta        *Delta     `json:"delta,omitempty"`
	Status       StepStatus `json:"status"`
	IsCheckpoint bool       `json:"is_checkpoint"`
	StartedAt    time.Time  `json:"started_at,omitzero"`
	EndedAt      time.Time  `json:"ended_at,omitzero"`
	Error        string     `json:"error,omitempty"`
}

// Comparison holds the states of two steps in one run and the delta that
// transforms the first into the second.
type Comparison struct {
	StepA  int    `json:"step_a"`
	StepB  int    `json:"step_b"`
	StateA *Value `json:"state_a"`
	StateB *Value `json:"state_b"`
	Delta  *Delta `json:"delta"`
}

// StateAt reconstructs the full state after the given step: the nearest
// checkpoint at or before it supplies the base, and the deltas between are
// applied in order. With checkpoint interval N this applies at most N-1
// deltas. A missing run or step reports not found; a stored record that
// cannot be reassembled reports a reconstruction error naming the step.
func (e *ReplayEngine) StateAt(ctx context.Context, runID string, stepIndex int) (*Value, error) {
	if stepIndex < 0 {
		return nil, NewValidationError(fmt.Sprintf("step index %d is negative", stepIndex))
	}
	target, err := e.store.GetStep(ctx, runID, stepIndex)
	if err != nil {
		return nil, err
	}
	if target.IsCheckpoint {
		if target.StateAfter == nil {
			return nil, NewReconstructionError(fmt.Sprintf("checkpoint step %d of run %s has no stored state", stepIndex, runID))
		}
		return target.StateAfter, nil
	}

	checkpoint, err := e.store.GetCheckpointBefore(ctx, runID, stepIndex)
	if err != nil {
		if IsNotFound(err) {
			// The step exists, so a missing base checkpoint means the trace
			// is corrupt, not that the caller asked for something absent.
			return nil, NewReconstructionError(fmt.Sprintf("no checkpoint at or before step %d of run %s", stepIndex, runID))
		}
		return nil, err
	}
	if checkpoint.StateAfter == nil {
		return nil, NewReconstructionError(fmt.Sprintf("checkpoint step %d of run %s has no stored state", checkpoint.StepIndex, runID))
	}

	steps, err := e.store.GetStepRange(ctx, runID, checkpoint.StepIndex+1, stepIndex)
	if err != nil {
		return nil, err
	}
	state := checkpoint.StateAfter
	expected := checkpoint.StepIndex + 1
	for _, step := range steps {
		if step.StepIndex != expected {
			return nil, NewReconstructionError(fmt.Sprintf("run %s is missing step %d", runID, expected))
		}
		state, err = e.advance(state, step, runID)
		if err != nil {
			return nil, err
		}
		expected++
	}
	if expected != stepIndex+1 {
		return nil, NewReconstructionError(fmt.Sprintf("run %s is missing step %d", runID, expected))
	}
	return state, nil
}

// Timeline reconstructs the state after every step of a run in one pass:
// checkpoint rows reset the cursor to their stored state and delta rows
// advance it, so the whole timeline costs O(n) regardless of checkpoint
// spacing.
func (e *ReplayEngine) Timeline(ctx context.Context, runID string) ([]*TimelineEntry, error) {
	steps, err := e.store.GetSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	entries := make([]*TimelineEntry, 0, len(steps))
	var state *Value
	for _, step := range steps {
		state, err = e.advance(state, step, runID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &TimelineEntry{
			StepIndex:    step.StepIndex,
			UnitName:     step.UnitName,
			State:        state,
			Delta:        step.Delta,
			Status:       step.Status,
			IsCheckpoint: step.IsCheckpoint,
			StartedAt:    step.StartedAt,
			EndedAt:      step.EndedAt,
			Error:        step.Error,
		})
	}
	return entries, nil
}

// advance moves the reconstruction cursor across one step record.
func (e *ReplayEngine) advance(state *Value, step *StepRecord, runID string) (*Value, error) {
	if step.IsCheckpoint {
		if step.StateAfter == nil {
			return nil, NewReconstructionError(fmt.Sprintf("checkpoint step %d of run %s has no stored state", step.StepIndex, runID))
		}
		return step.StateAfter, nil
	}
	if step.Delta == nil {
		return nil, NewReconstructionError(fmt.Sprintf("step %d of run %s has neither state nor delta", step.StepIndex, runID))
	}
	if state == nil {
		return nil, NewReconstructionError(fmt.Sprintf("step %d of run %s has no checkpoint base", step.StepIndex, runID))
	}
	next, err := ApplyDiff(state, step.Delta)
	if err != nil {
		return nil, &TraceError{
			Type:    ErrorTypeReconstruction,
			Cause:   fmt.Sprintf("applying delta for step %d of run %s: %v", step.StepIndex, runID, err),
			Wrapped: err,
		}
	}
	return next, nil
}

// Compare reconstructs two steps of a run and diffs them directly. The
// delta is computed fresh from the two states, never stitched together from
// the stored per-step deltas.
func (e *ReplayEngine) Compare(ctx context.Context, runID string, stepA, stepB int) (*Comparison, error) {
	stateA, err := e.StateAt(ctx, runID, stepA)
	if err != nil {
		return nil, err
	}
	stateB, err := e.StateAt(ctx, runID, stepB)
	if err != nil {
		return nil, err
	}
	return &Comparison{
		StepA:  stepA,
		StepB:  stepB,
		StateA: stateA,
		StateB: stateB,
		Delta:  ComputeDiff(stateA, stateB),
	}, nil
}
