package retrace

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// StateQuery is a compiled predicate over timeline entries. Expressions are
// Risor code evaluated once per step with these globals:
//
//	state  - the reconstructed state after the step
//	step   - step metadata (index, unit, status, is_checkpoint, error)
//	index  - the step index
//	unit   - the unit name
//	failed - whether the step failed
//
// For example: `state["phase"] == "summarize" && index > 5`.
type StateQuery struct {
	expression string
	code       *compiler.Code
	builtins   map[string]any
}

// CompileQuery parses and compiles a query expression. Compilation happens
// once; the result can be evaluated against any number of entries.
func CompileQuery(expression string) (*StateQuery, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, NewValidationError("query expression is empty")
	}
	ast, err := parser.Parse(context.Background(), expression)
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("invalid query: %v", err))
	}

	builtins := map[string]any{}
	for name, builtin := range all.Builtins() {
		builtins[name] = builtin
	}
	globalNames := []string{"failed", "index", "state", "step", "unit"}
	for name := range builtins {
		globalNames = append(globalNames, name)
	}
	sort.Strings(globalNames)

	code, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("invalid query: %v", err))
	}
	return &StateQuery{expression: expression, code: code, builtins: builtins}, nil
}

// Expression returns the original query text.
func (q *StateQuery) Expression() string {
	return q.expression
}

// Matches evaluates the query against one timeline entry. An evaluation
// error does not decide the match either way; the caller chooses how to
// treat it.
func (q *StateQuery) Matches(ctx context.Context, entry *TimelineEntry) (bool, error) {
	globals := make(map[string]any, len(q.builtins)+5)
	for name, builtin := range q.builtins {
		globals[name] = builtin
	}
	globals["state"] = entry.State.Interface()
	globals["step"] = map[string]any{
		"index":         entry.StepIndex,
		"unit":          entry.UnitName,
		"status":        string(entry.Status),
		"is_checkpoint": entry.IsCheckpoint,
		"error":         entry.Error,
	}
	globals["index"] = entry.StepIndex
	globals["unit"] = entry.UnitName
	globals["failed"] = entry.Status == StepStatusFailed

	result, err := risor.EvalCode(ctx, q.code, risor.WithGlobals(globals))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate query: %w", err)
	}
	return isTruthy(result), nil
}

// isTruthy converts a query result into a match decision.
func isTruthy(obj object.Object) bool {
	switch o := obj.(type) {
	case *object.Bool:
		return o.Value()
	case *object.Int:
		return o.Value() != 0
	case *object.Float:
		return o.Value() != 0.0
	case *object.String:
		value := o.Value()
		return value != "" && strings.ToLower(value) != "false"
	case *object.List:
		return len(o.Value()) > 0
	case *object.Map:
		return len(o.Value()) > 0
	case *object.NilType:
		return false
	default:
		return obj.IsTruthy()
	}
}

// Search reconstructs the run's timeline and returns the entries matching
// the expression. A step whose evaluation errors counts as a non-match; the
// error is logged at debug level. Queries routinely probe keys that only
// some steps carry.
func (e *ReplayEngine) Search(ctx context.Context, runID, expression string) ([]*TimelineEntry, error) {
	query, err := CompileQuery(expression)
	if err != nil {
		return nil, err
	}
	entries, err := e.Timeline(ctx, runID)
	if err != nil {
		return nil, err
	}
	matches := []*TimelineEntry{}
	for _, entry := range entries {
		ok, err := query.Matches(ctx, entry)
		if err != nil {
			e.logger.Debug("query evaluation failed",
				"run_id", runID,
				"step_index", entry.StepIndex,
				"error", err)
			continue
		}
		if ok {
			matches = append(matches, entry)
		}
	}
	return matches, nil
}
