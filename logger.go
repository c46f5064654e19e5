package rqueue

import (
	"log/slog"
	"os"
)

// InitLogger configures the global slog logger to write structured JSON to
// stderr and returns it. Call it once at program startup and pass the result
// as Config.Logger.
func InitLogger(level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
