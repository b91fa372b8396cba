package retrace

import (
	"context"
)

// Store defines the persistence interface for trace data. Implementations
// must allow concurrent readers while a writer is active, and must never
// report a missing record as an empty success: lookups for absent runs,
// steps, or checkpoints return an error wrapping ErrNotFound.
type Store interface {
	// SaveRun inserts or updates a run record
	SaveRun(ctx context.Context, run *RunRecord) error

	// SaveStep appends a step record and bumps the owning run's step count
	SaveStep(ctx context.Context, step *StepRecord) error

	// SaveRoutingDecision appends a routing decision record
	SaveRoutingDecision(ctx context.Context, decision *RoutingDecision) error

	// GetRun loads a run by ID
	GetRun(ctx context.Context, runID string) (*RunRecord, error)

	// ListRuns returns runs ordered most recent first. A limit <= 0 means
	// no limit.
	ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error)

	// GetStep loads a single step by run ID and step index
	GetStep(ctx context.Context, runID string, stepIndex int) (*StepRecord, error)

	// GetSteps loads all steps for a run in ascending step order
	GetSteps(ctx context.Context, runID string) ([]*StepRecord, error)

	// GetStepRange loads steps with from <= step_index <= to in ascending order
	GetStepRange(ctx context.Context, runID string, from, to int) ([]*StepRecord, error)

	// GetCheckpointBefore returns the nearest checkpoint step with
	// step_index <= stepIndex
	GetCheckpointBefore(ctx context.Context, runID string, stepIndex int) (*StepRecord, error)

	// GetRoutingDecisions loads all routing decisions for a run in step order
	GetRoutingDecisions(ctx context.Context, runID string) ([]*RoutingDecision, error)

	// DeleteRun removes a run and all of its steps and routing decisions.
	// Deleting an absent run is not an error.
	DeleteRun(ctx context.Context, runID string) error

	// Close releases any resources held by the store
	Close() error
}
