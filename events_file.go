package retrace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileEventLog is an implementation of EventLog that logs to a file.
// A file is created per run. The file is formatted as newline-delimited JSON.
type FileEventLog struct {
	directory string
}

func NewFileEventLog(directory string) *FileEventLog {
	return &FileEventLog{directory: directory}
}

func (l *FileEventLog) runEventLogPath(runID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", runID))
}

func (l *FileEventLog) LogEvent(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	filePath := l.runEventLogPath(event.RunID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write([]byte(string(data) + "\n")); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return nil
}

func (l *FileEventLog) GetEventHistory(ctx context.Context, runID string) ([]*Event, error) {
	filePath := l.runEventLogPath(runID)
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var events []*Event
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}
	return events, nil
}
