package retrace

import "time"

// RunStatus describes the lifecycle state of a traced run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// StepStatus describes the outcome of a single traced step.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// RunRecord describes one end-to-end execution of a monitored computation.
// This struct is designed to be fully JSON serializable.
type RunRecord struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	StartedAt    time.Time         `json:"started_at,omitzero"`
	EndedAt      time.Time         `json:"ended_at,omitzero"`
	Status       RunStatus         `json:"status"`
	InitialState *Value            `json:"initial_state,omitempty"`
	FinalState   *Value            `json:"final_state,omitempty"`
	StepCount    int               `json:"step_count"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Copy returns a deep copy of the run record.
func (r *RunRecord) Copy() *RunRecord {
	if r == nil {
		return nil
	}
	return &RunRecord{
		ID:           r.ID,
		Name:         r.Name,
		StartedAt:    r.StartedAt,
		EndedAt:      r.EndedAt,
		Status:       r.Status,
		InitialState: r.InitialState.Copy(),
		FinalState:   r.FinalState.Copy(),
		StepCount:    r.StepCount,
		Metadata:     copyMetadata(r.Metadata),
	}
}

// Duration returns how long the run took, or zero if it has not ended.
func (r *RunRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// StepRecord describes one unit's execution within a run. A checkpoint step
// carries the full before and after state; every other step carries only the
// delta against the previous step's state, never both.
type StepRecord struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	StepIndex    int        `json:"step_index"`
	UnitName     string     `json:"unit_name"`
	StartedAt    time.Time  `json:"started_at,omitzero"`
	EndedAt      time.Time  `json:"ended_at,omitzero"`
	Status       StepStatus `json:"status"`
	StateBefore  *Value     `json:"state_before,omitempty"`
	StateAfter   *Value     `json:"state_after,omitempty"`
	Delta        *Delta     `json:"delta,omitempty"`
	IsCheckpoint bool       `json:"is_checkpoint"`
	Error        string     `json:"error,omitempty"`
}

// Copy returns a deep copy of the step record.
func (s *StepRecord) Copy() *StepRecord {
	if s == nil {
		return nil
	}
	return &StepRecord{
		ID:           s.ID,
		RunID:        s.RunID,
		StepIndex:    s.StepIndex,
		UnitName:     s.UnitName,
		StartedAt:    s.StartedAt,
		EndedAt:      s.EndedAt,
		Status:       s.Status,
		StateBefore:  s.StateBefore.Copy(),
		StateAfter:   s.StateAfter.Copy(),
		Delta:        s.Delta.Copy(),
		IsCheckpoint: s.IsCheckpoint,
		Error:        s.Error,
	}
}

// Duration returns how long the step took, or zero if it has not ended.
func (s *StepRecord) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// RoutingDecision records why control moved from one unit to another, e.g.
// the evaluated branch condition in a conditional pipeline.
type RoutingDecision struct {
	RunID       string `json:"run_id"`
	StepIndex   int    `json:"step_index"`
	StepID      string `json:"step_id,omitempty"`
	SourceUnit  string `json:"source_unit"`
	TargetUnit  string `json:"target_unit"`
	Description string `json:"description,omitempty"`
	Inputs      *Value `json:"inputs,omitempty"`
	Outcome     *Value `json:"outcome,omitempty"`
}

// Copy returns a deep copy of the routing decision.
func (d *RoutingDecision) Copy() *RoutingDecision {
	if d == nil {
		return nil
	}
	return &RoutingDecision{
		RunID:       d.RunID,
		StepIndex:   d.StepIndex,
		StepID:      d.StepID,
		SourceUnit:  d.SourceUnit,
		TargetUnit:  d.TargetUnit,
		Description: d.Description,
		Inputs:      d.Inputs.Copy(),
		Outcome:     d.Outcome.Copy(),
	}
}

// copyMetadata creates a copy of a metadata map
func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	copy := make(map[string]string, len(m))
	for k, v := range m {
		copy[k] = v
	}
	return copy
}
