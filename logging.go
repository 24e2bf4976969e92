package zapengine

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger initializes the structured logger with JSON output.
// Log level is controlled by LOG_LEVEL env var (debug/info/warn/error).
func InitLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	slog.SetDefault(slog.New(handler))
	slog.Debug("logger initialized", "level", level.String())
}
