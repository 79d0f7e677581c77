package cli

import (
	"os"

	"golang.org/x/exp/slog"
)

// SetupStructuredLogger configures the process-wide logger according to
// the logging flags.
func SetupStructuredLogger() {
	level := slog.LevelInfo
	if Flags.VerboseOutput {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	switch Flags.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	slog.SetDefault(slog.New(handler))
}

// fatal logs the message and exits. Only for unrecoverable startup
// failures.
func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}
