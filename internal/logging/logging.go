// Package logging provides structured logging setup with colored
// terminal output (via tint) and a runtime-adjustable log level, so
// the REPL's "/debug on|off" command can raise verbosity without a
// restart.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/nugget/ikigai/internal/config"
)

// Level is the global atomic log level.
var Level = new(slog.LevelVar)

// Setup initializes the global slog logger. When w is a TTY it uses
// tint for colored output readable alongside the REPL's own scrollback;
// otherwise it falls back to JSON for log aggregation (headless runs,
// CI).
func Setup(w io.Writer) *slog.Logger {
	var handler slog.Handler

	isTTY := false
	if f, ok := w.(*os.File); ok {
		isTTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	if isTTY {
		handler = tint.NewHandler(w, &tint.Options{
			Level:       Level,
			TimeFormat:  time.TimeOnly,
			ReplaceAttr: replaceLevelNames,
		})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:       Level,
			ReplaceAttr: replaceLevelNames,
		})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the global log level.
func SetLevel(l slog.Level) {
	Level.Set(l)
}

// GetLevel returns the current global log level.
func GetLevel() slog.Level {
	return Level.Level()
}

// SetDebug is the ambient backend for the REPL's "/debug on|off"
// command: on raises verbosity to Debug, off restores Info.
func SetDebug(on bool) {
	if on {
		Level.Set(slog.LevelDebug)
	} else {
		Level.Set(slog.LevelInfo)
	}
}

func replaceLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == config.LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
