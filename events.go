package retrace

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EventType identifies a trace lifecycle event
type EventType string

const (
	EventRunStarted   EventType = "run_started"
	EventStepRecorded EventType = "step_recorded"
	EventRunEnded     EventType = "run_ended"
)

// Event describes one trace lifecycle moment. Run events carry the run
// record and a StepIndex of -1; step events carry the step record. Records
// are deep copies, so consumers may hold or mutate them freely.
type Event struct {
	Type      EventType   `json:"type"`
	RunID     string      `json:"run_id"`
	StepIndex int         `json:"step_index"`
	Timestamp time.Time   `json:"timestamp"`
	Run       *RunRecord  `json:"run,omitempty"`
	Step      *StepRecord `json:"step,omitempty"`
}

// EventLog defines simple event logging interface
type EventLog interface {
	// LogEvent records a trace lifecycle event
	LogEvent(ctx context.Context, event *Event) error

	// GetEventHistory retrieves the event log for a run
	GetEventHistory(ctx context.Context, runID string) ([]*Event, error)
}

// ErrSubscriptionClosed is returned by Subscription.Next once the
// subscription is closed and its queue is drained.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription is a lazy, unbounded sequence of events. Delivery never
// blocks the publisher: events queue until the subscriber consumes them.
// A subscription cannot be restarted once closed.
type Subscription struct {
	mutex       sync.Mutex
	queue       []*Event
	wake        chan struct{}
	closed      bool
	unsubscribe func()
}

func newSubscription(unsubscribe func()) *Subscription {
	return &Subscription{
		wake:        make(chan struct{}, 1),
		unsubscribe: unsubscribe,
	}
}

// deliver enqueues an event and signals any blocked Next call. It returns
// immediately regardless of how far behind the subscriber is.
func (s *Subscription) deliver(event *Event) {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return
	}
	s.queue = append(s.queue, event)
	s.mutex.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next returns the next event, blocking until one is available, the context
// is canceled, or the subscription is closed. Events already queued are
// still returned after Close; ErrSubscriptionClosed follows the last one.
func (s *Subscription) Next(ctx context.Context) (*Event, error) {
	for {
		s.mutex.Lock()
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue = s.queue[1:]
			s.mutex.Unlock()
			return event, nil
		}
		closed := s.closed
		s.mutex.Unlock()

		if closed {
			return nil, ErrSubscriptionClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.wake:
		}
	}
}

// Close detaches the subscription from its publisher. It is safe to call
// more than once.
func (s *Subscription) Close() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mutex.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}
