package log

import (
	"log/slog"
	"os"
	"strings"
)

func Setup(logLevel string) {
	var level slog.Level

	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}

// WithJob scopes a logger to one job, the common unit of work in this engine.
func WithJob(module, jobID string) *slog.Logger {
	return slog.With("module", module, "job_id", jobID)
}
