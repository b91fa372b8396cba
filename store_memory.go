package retrace

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store implementation for tests and for tracing
// short-lived processes without touching disk. Records are deep-copied on
// the way in and out, so callers can never mutate stored state.
type MemoryStore struct {
	mutex   sync.RWMutex
	runs    map[string]*RunRecord
	steps   map[string]map[int]*StepRecord
	routing map[string][]*RoutingDecision
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    map[string]*RunRecord{},
		steps:   map[string]map[int]*StepRecord{},
		routing: map[string][]*RoutingDecision{},
	}
}

func (s *MemoryStore) SaveRun(ctx context.Context, run *RunRecord) error {
	if run == nil || run.ID == "" {
		return NewValidationError("run record must have an ID")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored := run.Copy()
	if existing, ok := s.runs[run.ID]; ok && stored.StepCount < existing.StepCount {
		// SaveStep owns the step count; an upsert with a stale count must
		// not roll it back.
		stored.StepCount = existing.StepCount
	}
	s.runs[run.ID] = stored
	return nil
}

func (s *MemoryStore) SaveStep(ctx context.Context, step *StepRecord) error {
	if step == nil || step.RunID == "" {
		return NewValidationError("step record must have a run ID")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	run, ok := s.runs[step.RunID]
	if !ok {
		return NewNotFoundError("run", step.RunID)
	}
	if s.steps[step.RunID] == nil {
		s.steps[step.RunID] = map[int]*StepRecord{}
	}
	s.steps[step.RunID][step.StepIndex] = step.Copy()
	if step.StepIndex+1 > run.StepCount {
		run.StepCount = step.StepIndex + 1
	}
	return nil
}

func (s *MemoryStore) SaveRoutingDecision(ctx context.Context, decision *RoutingDecision) error {
	if decision == nil || decision.RunID == "" {
		return NewValidationError("routing decision must have a run ID")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.runs[decision.RunID]; !ok {
		return NewNotFoundError("run", decision.RunID)
	}
	s.routing[decision.RunID] = append(s.routing[decision.RunID], decision.Copy())
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, NewNotFoundError("run", runID)
	}
	return run.Copy(), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	runs := make([]*RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run.Copy())
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	if offset > 0 {
		if offset >= len(runs) {
			return []*RunRecord{}, nil
		}
		runs = runs[offset:]
	}
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

func (s *MemoryStore) GetStep(ctx context.Context, runID string, stepIndex int) (*StepRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	step, ok := s.steps[runID][stepIndex]
	if !ok {
		return nil, NewNotFoundError("step", fmt.Sprintf("%s/%d", runID, stepIndex))
	}
	return step.Copy(), nil
}

func (s *MemoryStore) GetSteps(ctx context.Context, runID string) ([]*StepRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, NewNotFoundError("run", runID)
	}
	steps := make([]*StepRecord, 0, len(s.steps[runID]))
	for _, step := range s.steps[runID] {
		steps = append(steps, step.Copy())
	}
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].StepIndex < steps[j].StepIndex
	})
	return steps, nil
}

func (s *MemoryStore) GetStepRange(ctx context.Context, runID string, from, to int) ([]*StepRecord, error) {
	if from < 0 || to < from {
		return nil, NewValidationError(fmt.Sprintf("invalid step range %d..%d", from, to))
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, NewNotFoundError("run", runID)
	}
	var steps []*StepRecord
	for index := from; index <= to; index++ {
		if step, ok := s.steps[runID][index]; ok {
			steps = append(steps, step.Copy())
		}
	}
	return steps, nil
}

func (s *MemoryStore) GetCheckpointBefore(ctx context.Context, runID string, stepIndex int) (*StepRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, NewNotFoundError("run", runID)
	}
	var best *StepRecord
	for index, step := range s.steps[runID] {
		if index > stepIndex || !step.IsCheckpoint {
			continue
		}
		if best == nil || index > best.StepIndex {
			best = step
		}
	}
	if best == nil {
		return nil, NewNotFoundError("checkpoint", fmt.Sprintf("%s/<=%d", runID, stepIndex))
	}
	return best.Copy(), nil
}

func (s *MemoryStore) GetRoutingDecisions(ctx context.Context, runID string) ([]*RoutingDecision, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, NewNotFoundError("run", runID)
	}
	decisions := make([]*RoutingDecision, 0, len(s.routing[runID]))
	for _, decision := range s.routing[runID] {
		decisions = append(decisions, decision.Copy())
	}
	sort.SliceStable(decisions, func(i, j int) bool {
		return decisions[i].StepIndex < decisions[j].StepIndex
	})
	return decisions, nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.runs, runID)
	delete(s.steps, runID)
	delete(s.routing, runID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
