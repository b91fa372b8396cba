// Package instrument wraps plain step functions with trace capture. Units
// run exactly as they would without the wrapper, and capture failures never
// influence the host computation.
package instrument

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/deepnoodle-ai/retrace"
)

// StepFunc transforms one state into the next.
type StepFunc func(ctx context.Context, state map[string]any) (map[string]any, error)

// Step pairs a unit name with the function that implements it.
type Step struct {
	Name string
	Run  StepFunc
}

// PipelineOptions configures a new pipeline.
type PipelineOptions struct {
	// Collector records the trace. Required.
	Collector *retrace.Collector

	// Name labels the captured runs. Defaults to "pipeline".
	Name string

	// Logger receives capture diagnostics. Defaults to a discard logger.
	Logger *slog.Logger
}

// Pipeline executes steps sequentially, recording every state transition
// through the collector.
type Pipeline struct {
	collector *retrace.Collector
	name      string
	logger    *slog.Logger

	mutex sync.Mutex
	runID string
}

// NewPipeline creates a pipeline that captures through the given collector.
func NewPipeline(opts PipelineOptions) (*Pipeline, error) {
	if opts.Collector == nil {
		return nil, fmt.Errorf("collector is required")
	}
	if opts.Name == "" {
		opts.Name = "pipeline"
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		collector: opts.Collector,
		name:      opts.Name,
		logger:    opts.Logger,
	}, nil
}

// RunID returns the run recorded by the most recent Execute call, or the
// empty string if capture could not start.
func (p *Pipeline) RunID() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.runID
}

// Execute runs the steps in order, threading each step's result state into
// the next. The steps' own results and errors pass through unchanged. A
// failed step is recorded with its error and the last known-good state, the
// run ends failed, and the step's error is returned.
//
// Step functions receive a context carrying the pipeline's logger, the
// collector, and the live run ID, so a unit can record routing decisions
// for its own run.
//
// If capture cannot start, the pipeline logs the failure and runs the steps
// uninstrumented.
func (p *Pipeline) Execute(ctx context.Context, initial map[string]any, steps []Step) (map[string]any, error) {
	runID, err := p.collector.StartRun(ctx, p.name, initial)
	if err != nil {
		p.logger.Warn("trace capture unavailable for run",
			"name", p.name,
			"error", err)
		runID = ""
	}
	p.setRunID(runID)

	stepCtx := retrace.WithLogger(ctx, p.logger)
	stepCtx = retrace.WithCollector(stepCtx, p.collector)
	if runID != "" {
		stepCtx = retrace.WithRunID(stepCtx, runID)
	}

	state := initial
	for _, step := range steps {
		next, stepErr := step.Run(stepCtx, state)
		if stepErr != nil {
			p.recordStep(ctx, runID, step.Name, state, state, stepErr)
			p.endRun(ctx, runID, state, true)
			return nil, stepErr
		}
		p.recordStep(ctx, runID, step.Name, state, next, nil)
		state = next
	}
	p.endRun(ctx, runID, state, false)
	return state, nil
}

func (p *Pipeline) setRunID(runID string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.runID = runID
}

func (p *Pipeline) recordStep(ctx context.Context, runID, unitName string, before, after map[string]any, stepErr error) {
	if runID == "" {
		return
	}
	if _, err := p.collector.RecordStep(ctx, runID, unitName, before, after, stepErr); err != nil {
		p.logger.Warn("failed to record step",
			"run_id", runID,
			"unit", unitName,
			"error", err)
	}
}

func (p *Pipeline) endRun(ctx context.Context, runID string, finalState map[string]any, failed bool) {
	if runID == "" {
		return
	}
	if err := p.collector.EndRun(ctx, runID, finalState, failed); err != nil {
		p.logger.Warn("failed to finalize run",
			"run_id", runID,
			"error", err)
	}
}
