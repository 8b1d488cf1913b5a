package logging

import (
	"log/slog"
	"os"
)

// New builds the process-wide JSON logger. Dev environments get debug level.
func New(env string) *slog.Logger {
	level := slog.LevelInfo
	if env == "dev" {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}
