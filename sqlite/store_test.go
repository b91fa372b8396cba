package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/retrace"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func testRun(id string, startedAt time.Time) *retrace.RunRecord {
	return &retrace.RunRecord{
		ID:        id,
		Name:      "pipeline",
		StartedAt: startedAt,
		Status:    retrace.RunStatusRunning,
	}
}

func testStep(runID string, index int, checkpoint bool) *retrace.StepRecord {
	step := &retrace.StepRecord{
		ID:        fmt.Sprintf("step_%d", index),
		RunID:     runID,
		StepIndex: index,
		UnitName:  "unit",
		Status:    retrace.StepStatusCompleted,
	}
	if checkpoint {
		state := retrace.NewMap()
		state.Set("i", retrace.Number(float64(index)))
		step.IsCheckpoint = true
		step.StateAfter = state
	} else {
		step.Delta = &retrace.Delta{Changed: []retrace.ChangedEntry{{
			Path: "i",
			Old:  retrace.Number(float64(index - 1)),
			New:  retrace.Number(float64(index)),
		}}}
	}
	return step
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
	_, err = Open("   ")
	require.Error(t, err)
}

func TestStoreRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	_, err := store.GetRun(ctx, "missing")
	require.Error(t, err)
	require.True(t, retrace.IsNotFound(err))

	initial := retrace.NewMap()
	initial.Set("topic", retrace.String("go"))
	run := testRun("run_1", base)
	run.InitialState = initial
	run.Metadata = map[string]string{"env": "test"}
	require.NoError(t, store.SaveRun(ctx, run))

	got, err := store.GetRun(ctx, "run_1")
	require.NoError(t, err)
	require.Equal(t, "run_1", got.ID)
	require.Equal(t, "pipeline", got.Name)
	require.Equal(t, retrace.RunStatusRunning, got.Status)
	require.True(t, got.StartedAt.Equal(base))
	require.True(t, got.EndedAt.IsZero())
	require.True(t, retrace.Equal(initial, got.InitialState))
	require.Nil(t, got.FinalState)
	require.Equal(t, map[string]string{"env": "test"}, got.Metadata)

	run.Status = retrace.RunStatusCompleted
	run.EndedAt = base.Add(time.Second)
	run.FinalState = retrace.String("done")
	require.NoError(t, store.SaveRun(ctx, run))

	got, err = store.GetRun(ctx, "run_1")
	require.NoError(t, err)
	require.Equal(t, retrace.RunStatusCompleted, got.Status)
	require.Equal(t, time.Second, got.Duration())
	require.True(t, retrace.Equal(retrace.String("done"), got.FinalState))
}

func TestStoreStepRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRun(ctx, testRun("run_1", base)))

	before := retrace.NewMap()
	before.Set("i", retrace.Number(0))
	after := retrace.NewMap()
	after.Set("i", retrace.Number(1))
	checkpoint := &retrace.StepRecord{
		ID:           "step_cp",
		RunID:        "run_1",
		StepIndex:    0,
		UnitName:     "fetch",
		StartedAt:    base,
		EndedAt:      base.Add(50 * time.Millisecond),
		Status:       retrace.StepStatusCompleted,
		StateBefore:  before,
		StateAfter:   after,
		IsCheckpoint: true,
	}
	require.NoError(t, store.SaveStep(ctx, checkpoint))

	delta := &retrace.Delta{
		Changed: []retrace.ChangedEntry{{Path: "i", Old: retrace.Number(1), New: retrace.Number(2)}},
		Added:   []retrace.AddedEntry{{Path: "note", Value: retrace.Null()}},
	}
	failed := &retrace.StepRecord{
		ID:        "step_delta",
		RunID:     "run_1",
		StepIndex: 1,
		UnitName:  "classify",
		Status:    retrace.StepStatusFailed,
		Delta:     delta,
		Error:     "model timeout",
	}
	require.NoError(t, store.SaveStep(ctx, failed))

	got, err := store.GetStep(ctx, "run_1", 0)
	require.NoError(t, err)
	require.Equal(t, "step_cp", got.ID)
	require.Equal(t, "fetch", got.UnitName)
	require.True(t, got.IsCheckpoint)
	require.Nil(t, got.Delta)
	require.True(t, retrace.Equal(before, got.StateBefore))
	require.True(t, retrace.Equal(after, got.StateAfter))
	require.Equal(t, 50*time.Millisecond, got.Duration())

	got, err = store.GetStep(ctx, "run_1", 1)
	require.NoError(t, err)
	require.False(t, got.IsCheckpoint)
	require.Nil(t, got.StateBefore)
	require.Nil(t, got.StateAfter)
	require.NotNil(t, got.Delta)
	require.Len(t, got.Delta.Changed, 1)
	require.Equal(t, "i", got.Delta.Changed[0].Path)
	require.True(t, retrace.Equal(retrace.Number(2), got.Delta.Changed[0].New))
	require.Len(t, got.Delta.Added, 1)
	require.Equal(t, "note", got.Delta.Added[0].Path)
	require.True(t, retrace.Equal(retrace.Null(), got.Delta.Added[0].Value))
	require.Equal(t, retrace.StepStatusFailed, got.Status)
	require.Equal(t, "model timeout", got.Error)
	require.True(t, got.StartedAt.IsZero())
}

func TestStoreStepCount(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRun(ctx, testRun("run_1", base)))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveStep(ctx, testStep("run_1", i, i == 0)))
	}
	got, err := store.GetRun(ctx, "run_1")
	require.NoError(t, err)
	require.Equal(t, 3, got.StepCount)

	// A later run upsert with a stale count must not roll it back.
	require.NoError(t, store.SaveRun(ctx, testRun("run_1", base)))
	got, err = store.GetRun(ctx, "run_1")
	require.NoError(t, err)
	require.Equal(t, 3, got.StepCount)

	// Re-recording an existing index replaces the row without double counting.
	retried := testStep("run_1", 2, false)
	retried.ID = "step_2_retry"
	retried.UnitName = "retried"
	require.NoError(t, store.SaveStep(ctx, retried))

	got, err = store.GetRun(ctx, "run_1")
	require.NoError(t, err)
	require.Equal(t, 3, got.StepCount)
	step, err := store.GetStep(ctx, "run_1", 2)
	require.NoError(t, err)
	require.Equal(t, "step_2_retry", step.ID)
	require.Equal(t, "retried", step.UnitName)
	steps, err := store.GetSteps(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
}

func TestStoreStepForUnknownRun(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	err := store.SaveStep(ctx, testStep("missing", 0, true))
	require.Error(t, err)
	require.True(t, retrace.IsNotFound(err))
}

func TestStoreListRuns(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		run := testRun(fmt.Sprintf("run_%d", i), base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.SaveRun(ctx, run))
	}

	runs, err := store.ListRuns(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, runs, 5)
	require.Equal(t, "run_4", runs[0].ID)
	require.Equal(t, "run_0", runs[4].ID)

	runs, err = store.ListRuns(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run_3", runs[0].ID)
	require.Equal(t, "run_2", runs[1].ID)

	runs, err = store.ListRuns(ctx, 10, 99)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestStoreGetSteps(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRun(ctx, testRun("run_1", base)))

	// Insert out of order; reads come back sorted.
	for _, i := range []int{2, 0, 1} {
		require.NoError(t, store.SaveStep(ctx, testStep("run_1", i, i == 0)))
	}

	steps, err := store.GetSteps(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, step := range steps {
		require.Equal(t, i, step.StepIndex)
	}

	_, err = store.GetSteps(ctx, "missing")
	require.Error(t, err)
	require.True(t, retrace.IsNotFound(err))

	_, err = store.GetStep(ctx, "run_1", 99)
	require.Error(t, err)
	require.True(t, retrace.IsNotFound(err))
}

func TestStoreGetStepRange(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRun(ctx, testRun("run_1", base)))
	for i := 0; i < 10; i++ {
		require.NoError(t, store.SaveStep(ctx, testStep("run_1", i, i == 0)))
	}

	steps, err := store.GetStepRange(ctx, "run_1", 3, 6)
	require.NoError(t, err)
	require.Len(t, steps, 4)
	require.Equal(t, 3, steps[0].StepIndex)
	require.Equal(t, 6, steps[3].StepIndex)

	_, err = store.GetStepRange(ctx, "run_1", -1, 3)
	require.Error(t, err)
	require.True(t, retrace.MatchesErrorType(err, retrace.ErrorTypeValidation))

	_, err = store.GetStepRange(ctx, "run_1", 6, 3)
	require.Error(t, err)
	require.True(t, retrace.MatchesErrorType(err, retrace.ErrorTypeValidation))
}

func TestStoreGetCheckpointBefore(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRun(ctx, testRun("run_1", base)))
	for i := 0; i < 25; i++ {
		require.NoError(t, store.SaveStep(ctx, testStep("run_1", i, i%10 == 0)))
	}

	cp, err := store.GetCheckpointBefore(ctx, "run_1", 17)
	require.NoError(t, err)
	require.Equal(t, 10, cp.StepIndex)
	require.True(t, cp.IsCheckpoint)

	cp, err = store.GetCheckpointBefore(ctx, "run_1", 10)
	require.NoError(t, err)
	require.Equal(t, 10, cp.StepIndex)

	cp, err = store.GetCheckpointBefore(ctx, "run_1", 9)
	require.NoError(t, err)
	require.Equal(t, 0, cp.StepIndex)

	cp, err = store.GetCheckpointBefore(ctx, "run_1", 24)
	require.NoError(t, err)
	require.Equal(t, 20, cp.StepIndex)

	_, err = store.GetCheckpointBefore(ctx, "missing", 5)
	require.Error(t, err)
	require.True(t, retrace.IsNotFound(err))
}

func TestStoreCheckpointMissing(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRun(ctx, testRun("run_1", base)))

	_, err := store.GetCheckpointBefore(ctx, "run_1", 5)
	require.Error(t, err)
	require.True(t, retrace.IsNotFound(err))
}

func TestStoreRoutingDecisions(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRun(ctx, testRun("run_1", base)))

	inputs := retrace.NewMap()
	inputs.Set("score", retrace.Number(0.9))
	require.NoError(t, store.SaveRoutingDecision(ctx, &retrace.RoutingDecision{
		RunID:      "run_1",
		StepIndex:  2,
		SourceUnit: "classify",
		TargetUnit: "summarize",
		Inputs:     inputs,
		Outcome:    retrace.Bool(true),
	}))
	require.NoError(t, store.SaveRoutingDecision(ctx, &retrace.RoutingDecision{
		RunID:      "run_1",
		StepIndex:  1,
		SourceUnit: "fetch",
		TargetUnit: "classify",
	}))

	decisions, err := store.GetRoutingDecisions(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	require.Equal(t, "fetch", decisions[0].SourceUnit)
	require.Equal(t, "classify", decisions[1].SourceUnit)
	require.True(t, retrace.Equal(inputs, decisions[1].Inputs))
	require.True(t, retrace.Equal(retrace.Bool(true), decisions[1].Outcome))
	require.Nil(t, decisions[0].Inputs)

	err = store.SaveRoutingDecision(ctx, &retrace.RoutingDecision{RunID: "missing"})
	require.Error(t, err)
	require.True(t, retrace.IsNotFound(err))
}

func TestStoreDeleteRun(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SaveRun(ctx, testRun("run_1", base)))
	require.NoError(t, store.SaveStep(ctx, testStep("run_1", 0, true)))
	require.NoError(t, store.SaveRoutingDecision(ctx, &retrace.RoutingDecision{
		RunID: "run_1", SourceUnit: "a", TargetUnit: "b",
	}))

	require.NoError(t, store.DeleteRun(ctx, "run_1"))

	_, err := store.GetRun(ctx, "run_1")
	require.True(t, retrace.IsNotFound(err))
	_, err = store.GetSteps(ctx, "run_1")
	require.True(t, retrace.IsNotFound(err))

	// Deleting an absent run is a no-op.
	require.NoError(t, store.DeleteRun(ctx, "run_1"))
}

func TestStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trace.db")
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveRun(ctx, testRun("run_1", base)))
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveStep(ctx, testStep("run_1", i, i == 0)))
	}
	require.NoError(t, store.Close())

	// Reopening applies migrations idempotently and sees the saved data.
	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	run, err := reopened.GetRun(ctx, "run_1")
	require.NoError(t, err)
	require.Equal(t, 5, run.StepCount)
	steps, err := reopened.GetSteps(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, steps, 5)
	require.True(t, steps[0].IsCheckpoint)
}

func TestStoreCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "trace.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}
