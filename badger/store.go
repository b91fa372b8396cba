// Package badger provides an embedded key-value trace store backed by
// BadgerDB, for capture environments that should not take a SQL dependency.
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/deepnoodle-ai/retrace"
	"github.com/dgraph-io/badger/v4"
)

// Key layout. Run IDs never contain colons, and numeric segments are
// zero-padded so lexicographic key order matches numeric order.
//
//	run:<runID>
//	step:<runID>:<%012d stepIndex>
//	routing:<runID>:<%012d stepIndex>:<%016d seq>
const (
	runPrefix     = "run:"
	stepPrefix    = "step:"
	routingPrefix = "routing:"
)

func runKey(runID string) []byte {
	return []byte(runPrefix + runID)
}

func stepKeyPrefix(runID string) []byte {
	return []byte(stepPrefix + runID + ":")
}

func stepKey(runID string, stepIndex int) []byte {
	return []byte(fmt.Sprintf("%s%s:%012d", stepPrefix, runID, stepIndex))
}

func routingKeyPrefix(runID string) []byte {
	return []byte(routingPrefix + runID + ":")
}

func routingKey(runID string, stepIndex int, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%012d:%016d", routingPrefix, runID, stepIndex, seq))
}

// Options configures a Store.
type Options struct {
	// Path is the directory for the database files. Required unless InMemory
	// is set.
	Path string

	// InMemory keeps all data in process memory. Useful for tests.
	InMemory bool

	// SyncWrites forces each write to disk before acknowledging it.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. Badger logging is
	// disabled when nil.
	Logger *slog.Logger
}

// Store persists trace data in an embedded BadgerDB database.
type Store struct {
	db *badger.DB

	// routingSeq orders routing decisions recorded at the same step index.
	// Initialized from the highest stored key at open.
	routingSeq atomic.Uint64
}

var _ retrace.Store = (*Store)(nil)

// Open opens a trace store in the given directory, creating it if needed.
func Open(path string) (*Store, error) {
	return OpenWithOptions(Options{Path: path, SyncWrites: true})
}

// OpenInMemory opens a store that keeps all data in process memory. Data is
// lost when the store is closed.
func OpenInMemory() (*Store, error) {
	return OpenWithOptions(Options{InMemory: true})
}

// OpenWithOptions opens a trace store with explicit options.
func OpenWithOptions(opts Options) (*Store, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", opts.Path, err)
		}
		badgerOpts = badger.DefaultOptions(opts.Path)
	}
	badgerOpts = badgerOpts.WithSyncWrites(opts.SyncWrites).WithNumVersionsToKeep(1)
	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(&slogAdapter{logger: opts.Logger})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	store := &Store{db: db}
	if err := store.initRoutingSeq(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init routing sequence: %w", err)
	}
	return store, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRun inserts or updates a run record. The stored step count never moves
// backwards: SaveStep owns it, and a stale upsert must not clobber it.
func (s *Store) SaveRun(ctx context.Context, run *retrace.RunRecord) error {
	if run == nil || run.ID == "" {
		return retrace.NewValidationError("run record must have an ID")
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		stored := run.Copy()
		existing, err := getRun(txn, run.ID)
		switch {
		case err == nil:
			if existing.StepCount > stored.StepCount {
				stored.StepCount = existing.StepCount
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return txn.Set(runKey(run.ID), data)
	})
	if err != nil {
		return wrapStorage("save run", err)
	}
	return nil
}

// SaveStep upserts a step row and bumps the owning run's step count in the
// same transaction.
func (s *Store) SaveStep(ctx context.Context, step *retrace.StepRecord) error {
	if step == nil || step.RunID == "" {
		return retrace.NewValidationError("step record must have a run ID")
	}
	data, err := json.Marshal(step)
	if err != nil {
		return retrace.NewStorageError("save step", err)
	}
	err = s.update(ctx, func(txn *badger.Txn) error {
		run, err := getRun(txn, step.RunID)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return retrace.NewNotFoundError("run", step.RunID)
			}
			return err
		}
		if err := txn.Set(stepKey(step.RunID, step.StepIndex), data); err != nil {
			return err
		}
		if step.StepIndex+1 > run.StepCount {
			run.StepCount = step.StepIndex + 1
			updated, err := json.Marshal(run)
			if err != nil {
				return err
			}
			return txn.Set(runKey(step.RunID), updated)
		}
		return nil
	})
	if err != nil {
		return wrapStorage("save step", err)
	}
	return nil
}

// SaveRoutingDecision appends a routing decision.
func (s *Store) SaveRoutingDecision(ctx context.Context, decision *retrace.RoutingDecision) error {
	if decision == nil || decision.RunID == "" {
		return retrace.NewValidationError("routing decision must have a run ID")
	}
	data, err := json.Marshal(decision)
	if err != nil {
		return retrace.NewStorageError("save routing decision", err)
	}
	seq := s.routingSeq.Add(1)
	err = s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(decision.RunID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return retrace.NewNotFoundError("run", decision.RunID)
			}
			return err
		}
		return txn.Set(routingKey(decision.RunID, decision.StepIndex, seq), data)
	})
	if err != nil {
		return wrapStorage("save routing decision", err)
	}
	return nil
}

// GetRun loads a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*retrace.RunRecord, error) {
	var run *retrace.RunRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		var err error
		run, err = getRun(txn, runID)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return retrace.NewNotFoundError("run", runID)
		}
		return err
	})
	if err != nil {
		return nil, wrapStorage("get run", err)
	}
	return run, nil
}

// ListRuns returns runs ordered most recent first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]*retrace.RunRecord, error) {
	runs := []*retrace.RunRecord{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(runPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			run, err := decodeRun(it.Item())
			if err != nil {
				return err
			}
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStorage("list runs", err)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ID > runs[j].ID
	})
	if offset > 0 {
		if offset >= len(runs) {
			return []*retrace.RunRecord{}, nil
		}
		runs = runs[offset:]
	}
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

// GetStep loads a single step by run ID and step index.
func (s *Store) GetStep(ctx context.Context, runID string, stepIndex int) (*retrace.StepRecord, error) {
	var step *retrace.StepRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(stepKey(runID, stepIndex))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return retrace.NewNotFoundError("step", fmt.Sprintf("%s/%d", runID, stepIndex))
			}
			return err
		}
		step, err = decodeStep(item)
		return err
	})
	if err != nil {
		return nil, wrapStorage("get step", err)
	}
	return step, nil
}

// GetSteps loads all steps for a run in ascending step order.
func (s *Store) GetSteps(ctx context.Context, runID string) ([]*retrace.StepRecord, error) {
	steps := []*retrace.StepRecord{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		if err := requireRun(txn, runID); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := stepKeyPrefix(runID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			step, err := decodeStep(it.Item())
			if err != nil {
				return err
			}
			steps = append(steps, step)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStorage("get steps", err)
	}
	return steps, nil
}

// GetStepRange loads steps with from <= step_index <= to in ascending order.
func (s *Store) GetStepRange(ctx context.Context, runID string, from, to int) ([]*retrace.StepRecord, error) {
	if from < 0 || to < from {
		return nil, retrace.NewValidationError(fmt.Sprintf("invalid step range %d..%d", from, to))
	}
	steps := []*retrace.StepRecord{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		if err := requireRun(txn, runID); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := stepKeyPrefix(runID)
		for it.Seek(stepKey(runID, from)); it.ValidForPrefix(prefix); it.Next() {
			step, err := decodeStep(it.Item())
			if err != nil {
				return err
			}
			if step.StepIndex > to {
				break
			}
			steps = append(steps, step)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStorage("get step range", err)
	}
	return steps, nil
}

// GetCheckpointBefore returns the nearest checkpoint step with
// step_index <= stepIndex.
func (s *Store) GetCheckpointBefore(ctx context.Context, runID string, stepIndex int) (*retrace.StepRecord, error) {
	var checkpoint *retrace.StepRecord
	err := s.view(ctx, func(txn *badger.Txn) error {
		if err := requireRun(txn, runID); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode Seek lands on the largest key <= the seek key, so
		// the appended 0xFF starts the walk at stepIndex itself.
		prefix := stepKeyPrefix(runID)
		seekKey := append(stepKey(runID, stepIndex), 0xFF)
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			step, err := decodeStep(it.Item())
			if err != nil {
				return err
			}
			if step.IsCheckpoint {
				checkpoint = step
				return nil
			}
		}
		return retrace.NewNotFoundError("checkpoint", fmt.Sprintf("%s/<=%d", runID, stepIndex))
	})
	if err != nil {
		return nil, wrapStorage("get checkpoint", err)
	}
	return checkpoint, nil
}

// GetRoutingDecisions loads all routing decisions for a run in step order.
func (s *Store) GetRoutingDecisions(ctx context.Context, runID string) ([]*retrace.RoutingDecision, error) {
	decisions := []*retrace.RoutingDecision{}
	err := s.view(ctx, func(txn *badger.Txn) error {
		if err := requireRun(txn, runID); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := routingKeyPrefix(runID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			decision, err := decodeRoutingDecision(it.Item())
			if err != nil {
				return err
			}
			decisions = append(decisions, decision)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStorage("get routing decisions", err)
	}
	return decisions, nil
}

// DeleteRun removes a run and all of its steps and routing decisions.
// Deleting an absent run is not an error.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		keys := [][]byte{runKey(runID)}
		for _, prefix := range [][]byte{stepKeyPrefix(runID), routingKeyPrefix(runID)} {
			keys = append(keys, collectKeys(txn, prefix)...)
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return retrace.NewStorageError("delete run", err)
	}
	return nil
}

func (s *Store) initRoutingSeq() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(routingPrefix)
		var maxSeq uint64
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			i := bytes.LastIndexByte(key, ':')
			if i < 0 {
				continue
			}
			var seq uint64
			if _, err := fmt.Sscanf(string(key[i+1:]), "%016d", &seq); err != nil {
				continue
			}
			if seq > maxSeq {
				maxSeq = seq
			}
		}
		s.routingSeq.Store(maxSeq)
		return nil
	})
}

// update runs fn in a read-write transaction after checking the context.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

// view runs fn in a read-only transaction after checking the context.
func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

func requireRun(txn *badger.Txn, runID string) error {
	if _, err := txn.Get(runKey(runID)); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return retrace.NewNotFoundError("run", runID)
		}
		return err
	}
	return nil
}

func getRun(txn *badger.Txn, runID string) (*retrace.RunRecord, error) {
	item, err := txn.Get(runKey(runID))
	if err != nil {
		return nil, err
	}
	return decodeRun(item)
}

func decodeRun(item *badger.Item) (*retrace.RunRecord, error) {
	var run retrace.RunRecord
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &run)
	})
	if err != nil {
		return nil, retrace.NewReconstructionError(fmt.Sprintf("decoding %s: %v", item.Key(), err))
	}
	return &run, nil
}

func decodeStep(item *badger.Item) (*retrace.StepRecord, error) {
	var step retrace.StepRecord
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &step)
	})
	if err != nil {
		return nil, retrace.NewReconstructionError(fmt.Sprintf("decoding %s: %v", item.Key(), err))
	}
	return &step, nil
}

func decodeRoutingDecision(item *badger.Item) (*retrace.RoutingDecision, error) {
	var decision retrace.RoutingDecision
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &decision)
	})
	if err != nil {
		return nil, retrace.NewReconstructionError(fmt.Sprintf("decoding %s: %v", item.Key(), err))
	}
	return &decision, nil
}

func collectKeys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	keys := [][]byte{}
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
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

// slogAdapter bridges badger's Logger interface onto slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (l *slogAdapter) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *slogAdapter) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
