package retrace

import "context"

// NullStore is a no-op implementation. Writes vanish and reads report not
// found. It backs the collector when tracing is disabled.
type NullStore struct{}

func NewNullStore() *NullStore {
	return &NullStore{}
}

func (s *NullStore) SaveRun(ctx context.Context, run *RunRecord) error {
	return nil
}

func (s *NullStore) SaveStep(ctx context.Context, step *StepRecord) error {
	return nil
}

func (s *NullStore) SaveRoutingDecision(ctx context.Context, decision *RoutingDecision) error {
	return nil
}

func (s *NullStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	return nil, NewNotFoundError("run", runID)
}

func (s *NullStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	return []*RunRecord{}, nil
}

func (s *NullStore) GetStep(ctx context.Context, runID string, stepIndex int) (*StepRecord, error) {
	return nil, NewNotFoundError("run", runID)
}

func (s *NullStore) GetSteps(ctx context.Context, runID string) ([]*StepRecord, error) {
	return nil, NewNotFoundError("run", runID)
}

func (s *NullStore) GetStepRange(ctx context.Context, runID string, from, to int) ([]*StepRecord, error) {
	return nil, NewNotFoundError("run", runID)
}

func (s *NullStore) GetCheckpointBefore(ctx context.Context, runID string, stepIndex int) (*StepRecord, error) {
	return nil, NewNotFoundError("run", runID)
}

func (s *NullStore) GetRoutingDecisions(ctx context.Context, runID string) ([]*RoutingDecision, error) {
	return nil, NewNotFoundError("run", runID)
}

func (s *NullStore) DeleteRun(ctx context.Context, runID string) error {
	return nil
}

func (s *NullStore) Close() error {
	return nil
}
