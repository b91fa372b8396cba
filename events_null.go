package retrace

import "context"

// NullEventLog is a no-op implementation of EventLog.
type NullEventLog struct{}

func NewNullEventLog() *NullEventLog {
	return &NullEventLog{}
}

func (l *NullEventLog) LogEvent(ctx context.Context, event *Event) error {
	return nil
}

func (l *NullEventLog) GetEventHistory(ctx context.Context, runID string) ([]*Event, error) {
	return nil, nil
}
