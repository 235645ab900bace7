package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewAgentLogger builds the logger used by the field agent binary: text
// handler writing to stderr and, when path is non-empty, to a size-rotated
// log file. Old files are kept for a couple of weeks so a stuck sync can be
// diagnosed after the fact.
func NewAgentLogger(path string, level slog.Level) *SlogLogger {
	var w io.Writer = os.Stderr
	if path != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return NewSlogLogger(slog.New(h))
}
