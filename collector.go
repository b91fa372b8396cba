package retrace

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.jetify.com/typeid"
)

// NewRunID returns a new TypeID for run identification
func NewRunID() string {
	return newID("run")
}

// NewStepID returns a new TypeID for step identification
func NewStepID() string {
	return newID("step")
}

// newID builds a prefixed TypeID. ID generation sits on the capture path,
// so a generator failure degrades to a timestamp-derived ID rather than
// propagating.
func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return id.String()
}

// DefaultCheckpointInterval is the default spacing between checkpoint steps.
const DefaultCheckpointInterval = 10

// DefaultIgnoreKeys lists top-level state keys excluded from deltas by
// default. These change on nearly every step without carrying decision
// content, so diffing them buys noise, not insight.
var DefaultIgnoreKeys = []string{"timestamp", "token_usage", "run_id", "request_id", "trace_id"}

// CollectorOptions configures a new collector
type CollectorOptions struct {
	// Store persists trace records. Required unless Disabled is set.
	Store Store

	// Serializer converts host state into canonical values. Defaults to a
	// serializer with standard limits.
	Serializer *Serializer

	// CheckpointInterval is the spacing between full-state checkpoint steps.
	// Defaults to DefaultCheckpointInterval; 1 checkpoints every step.
	CheckpointInterval int

	// IgnoreKeys are top-level state keys excluded from deltas. A nil slice
	// means DefaultIgnoreKeys; pass an empty non-nil slice to diff everything.
	IgnoreKeys []string

	// Logger receives capture diagnostics. Defaults to a discard logger.
	Logger *slog.Logger

	// EventLog durably records lifecycle events. Defaults to NullEventLog.
	EventLog EventLog

	// Metrics optionally instruments the capture path.
	Metrics *CaptureMetrics

	// Disabled turns every operation into a cheap no-op.
	Disabled bool
}

// runState tracks capture progress for one live run. The lastState tree is
// the serialized state after the most recent step and serves as the diff
// base for the next one.
type runState struct {
	nextStepIndex int
	lastState     *Value
}

// Collector is the single capture-side coordination point. Adapters hold a
// reference and report run and step boundaries; the collector serializes
// state, computes deltas, decides checkpoint placement, and writes through
// to the store.
//
// One mutex guards the whole capture path: per-run counters, diff bases,
// the store write, and event fan-out. Each hold is one step's worth of
// serialize + diff + append, so callers on any threading model can invoke
// it without risking a stall on someone else's scheduler.
type Collector struct {
	store              Store
	serializer         *Serializer
	checkpointInterval int
	ignoreKeys         []string
	logger             *slog.Logger
	eventLog           EventLog
	metrics            *CaptureMetrics
	disabled           bool

	mutex       sync.Mutex
	runs        map[string]*runState
	subscribers []*Subscription
	closed      bool
}

// NewCollector creates a new collector configured with the given options.
func NewCollector(opts CollectorOptions) (*Collector, error) {
	if opts.Disabled {
		opts.Store = NewNullStore()
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Serializer == nil {
		opts.Serializer = NewSerializer(SerializerOptions{})
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = DefaultCheckpointInterval
	}
	if opts.IgnoreKeys == nil {
		opts.IgnoreKeys = DefaultIgnoreKeys
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.EventLog == nil {
		opts.EventLog = NewNullEventLog()
	}
	return &Collector{
		store:              opts.Store,
		serializer:         opts.Serializer,
		checkpointInterval: opts.CheckpointInterval,
		ignoreKeys:         opts.IgnoreKeys,
		logger:             opts.Logger,
		eventLog:           opts.EventLog,
		metrics:            opts.Metrics,
		disabled:           opts.Disabled,
		runs:               map[string]*runState{},
	}, nil
}

// StartRun registers a new run and persists its initial state. It returns
// the generated run ID. On a store failure no run is tracked and the error
// is surfaced to the caller.
func (c *Collector) StartRun(ctx context.Context, name string, initialState any) (string, error) {
	runID := NewRunID()
	if c.disabled {
		return runID, nil
	}
	state := c.serializer.Serialize(initialState)
	run := &RunRecord{
		ID:           runID,
		Name:         name,
		StartedAt:    time.Now(),
		Status:       RunStatusRunning,
		InitialState: state,
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return "", NewValidationError("collector is closed")
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		c.metrics.RecordStorageFailure("save_run")
		return "", NewStorageError("save run", err)
	}
	c.runs[runID] = &runState{lastState: state}
	c.metrics.RecordRunStarted()
	c.logger.Debug("run started", "run_id", runID, "name", name)
	c.publishLocked(ctx, &Event{
		Type:      EventRunStarted,
		RunID:     runID,
		StepIndex: -1,
		Timestamp: run.StartedAt,
		Run:       run.Copy(),
	})
	return runID, nil
}

// RecordStep captures one unit execution. The collector assigns the step
// index; callers never supply one, so a capture that fails and is retried
// cannot fork the sequence. Checkpoint placement follows the interval:
// step index 0 and every CheckpointInterval-th step store the full before
// and after state, every other step stores only the delta against the
// previous step's state.
//
// A store failure leaves the step counter unadvanced and is returned to the
// caller; whether the run continues is the caller's call.
func (c *Collector) RecordStep(ctx context.Context, runID, unitName string, stateBefore, stateAfter any, stepErr error) (string, error) {
	if c.disabled {
		return NewStepID(), nil
	}
	captureStart := time.Now()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return "", NewValidationError("collector is closed")
	}
	rs, ok := c.runs[runID]
	if !ok {
		return "", NewValidationError(fmt.Sprintf("unknown run ID %q", runID))
	}

	after := c.serializer.Serialize(stateAfter)
	step := &StepRecord{
		ID:        NewStepID(),
		RunID:     runID,
		StepIndex: rs.nextStepIndex,
		UnitName:  unitName,
		StartedAt: captureStart,
		Status:    StepStatusCompleted,
	}
	if stepErr != nil {
		step.Status = StepStatusFailed
		step.Error = stepErr.Error()
	}
	if rs.nextStepIndex%c.checkpointInterval == 0 {
		step.IsCheckpoint = true
		step.StateBefore = c.serializer.Serialize(stateBefore)
		step.StateAfter = after
	} else {
		step.Delta = ComputeDiffIgnoring(rs.lastState, after, c.ignoreKeys)
	}
	step.EndedAt = time.Now()

	if err := c.store.SaveStep(ctx, step); err != nil {
		c.metrics.RecordStorageFailure("save_step")
		return "", NewStorageError("save step", err)
	}
	rs.nextStepIndex++
	rs.lastState = after

	c.metrics.RecordStep(step.IsCheckpoint, time.Since(captureStart))
	if step.Delta != nil {
		c.metrics.RecordDeltaSize(step.Delta.Size())
	}
	c.logger.Debug("step recorded",
		"run_id", runID,
		"step_index", step.StepIndex,
		"unit", unitName,
		"checkpoint", step.IsCheckpoint)
	c.publishLocked(ctx, &Event{
		Type:      EventStepRecorded,
		RunID:     runID,
		StepIndex: step.StepIndex,
		Timestamp: step.EndedAt,
		Step:      step.Copy(),
	})
	return step.ID, nil
}

// RecordRouting captures a routing decision for a live run. The decision is
// stamped with the index of the most recently recorded step.
func (c *Collector) RecordRouting(ctx context.Context, runID string, decision *RoutingDecision) error {
	if c.disabled {
		return nil
	}
	if decision == nil {
		return NewValidationError("routing decision is required")
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return NewValidationError("collector is closed")
	}
	rs, ok := c.runs[runID]
	if !ok {
		return NewValidationError(fmt.Sprintf("unknown run ID %q", runID))
	}
	stamped := decision.Copy()
	stamped.RunID = runID
	stamped.StepIndex = rs.nextStepIndex - 1
	if stamped.StepIndex < 0 {
		stamped.StepIndex = 0
	}
	if err := c.store.SaveRoutingDecision(ctx, stamped); err != nil {
		c.metrics.RecordStorageFailure("save_routing_decision")
		return NewStorageError("save routing decision", err)
	}
	c.logger.Debug("routing decision recorded",
		"run_id", runID,
		"source", stamped.SourceUnit,
		"target", stamped.TargetUnit)
	return nil
}

// EndRun finalizes a run. A nil finalState records the state after the last
// step. After EndRun the run ID is no longer live and further RecordStep
// calls for it fail.
func (c *Collector) EndRun(ctx context.Context, runID string, finalState any, failed bool) error {
	if c.disabled {
		return nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return NewValidationError("collector is closed")
	}
	rs, ok := c.runs[runID]
	if !ok {
		return NewValidationError(fmt.Sprintf("unknown run ID %q", runID))
	}
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return NewStorageError("load run", err)
	}
	if finalState != nil {
		run.FinalState = c.serializer.Serialize(finalState)
	} else {
		run.FinalState = rs.lastState.Copy()
	}
	run.EndedAt = time.Now()
	run.Status = RunStatusCompleted
	if failed {
		run.Status = RunStatusFailed
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		c.metrics.RecordStorageFailure("save_run")
		return NewStorageError("save run", err)
	}
	delete(c.runs, runID)
	c.metrics.RecordRunEnded(run.Status)
	c.logger.Debug("run ended", "run_id", runID, "status", run.Status)
	c.publishLocked(ctx, &Event{
		Type:      EventRunEnded,
		RunID:     runID,
		StepIndex: -1,
		Timestamp: run.EndedAt,
		Run:       run.Copy(),
	})
	return nil
}

// Subscribe attaches a new event subscription. Events recorded after this
// call are delivered in order; closing the subscription detaches it.
func (c *Collector) Subscribe() *Subscription {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var sub *Subscription
	sub = newSubscription(func() {
		c.removeSubscription(sub)
	})
	c.subscribers = append(c.subscribers, sub)
	return sub
}

func (c *Collector) removeSubscription(sub *Subscription) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for i, existing := range c.subscribers {
		if existing == sub {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			return
		}
	}
}

// Close shuts the collector down. Live subscriptions are closed; the store
// stays open, since the collector does not own it.
func (c *Collector) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subscribers
	c.subscribers = nil
	c.mutex.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

// publishLocked fans an event out to subscribers and the event log. Called
// with the collector mutex held; subscriber delivery is a non-blocking
// queue append, so a slow consumer cannot stall the capture path.
func (c *Collector) publishLocked(ctx context.Context, event *Event) {
	for _, sub := range c.subscribers {
		sub.deliver(event)
	}
	if err := c.eventLog.LogEvent(ctx, event); err != nil {
		c.logger.Warn("event log append failed", "run_id", event.RunID, "error", err)
	}
}
