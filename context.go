package retrace

import (
	"context"
	"log/slog"
)

type ContextKey string

const (
	LoggerContextKey    ContextKey = "logger"
	CollectorContextKey ContextKey = "collector"
	RunIDContextKey     ContextKey = "run_id"
)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithCollector(ctx context.Context, collector *Collector) context.Context {
	return context.WithValue(ctx, CollectorContextKey, collector)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDContextKey, runID)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

func GetCollectorFromContext(ctx context.Context) (*Collector, bool) {
	collector, ok := ctx.Value(CollectorContextKey).(*Collector)
	return collector, ok
}

func GetRunIDFromContext(ctx context.Context) (string, bool) {
	runID, ok := ctx.Value(RunIDContextKey).(string)
	return runID, ok
}
