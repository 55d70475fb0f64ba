// Package bridgelog is the bridge's structured logging facade: a
// process-global slog.Logger behind an atomic pointer, adapted from the
// teacher's internal/logging. Unlike the teacher's server (which logs to
// stderr under a supervisor), this bridge typically runs unattended on an
// embedded gateway with no log collector, so New optionally wraps the
// handler's writer in a rotating file via lumberjack.
package bridgelog

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Store(l)
}

// L returns the current global logger.
func L() *slog.Logger { return logger.Load() }

// Set replaces the global logger.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// FileConfig configures the optional rotating log file. A zero value means
// "no file" and New falls back to w (or stderr if w is nil).
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New creates a logger with the given format ("text" or "json") and level.
// If file.Path is set, log records are written to a lumberjack-rotated file
// instead of w; w is otherwise used (defaulting to stderr).
func New(format string, level slog.Leveler, w io.Writer, file FileConfig) *slog.Logger {
	if file.Path != "" {
		w = &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    orDefault(file.MaxSizeMB, 50),
			MaxBackups: orDefault(file.MaxBackups, 5),
			MaxAge:     orDefault(file.MaxAgeDays, 28),
			Compress:   file.Compress,
		}
	} else if w == nil {
		w = os.Stderr
	}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
