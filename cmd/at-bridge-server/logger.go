package main

import (
	"log/slog"

	"github.com/emile-cronje/at-bridge/internal/bridgelog"
)

func setupLogger(format, level, file string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	l := bridgelog.New(format, lvl, nil, bridgelog.FileConfig{Path: file}).With("app", "at-bridge-server")
	bridgelog.Set(l)
	return l
}
