package ui

import (
	"context"
	"log/slog"
)

// LogRenderer reports progress through log/slog instead of writing to
// an output stream. It backs indexing runs triggered by the auto-index
// service (C10) and the `serve` command, where stdout is reserved for
// framed JSON-RPC and any progress chatter must go through the logger
// like everything else (A3).
type LogRenderer struct {
	log *slog.Logger
}

// NewLogRenderer creates a renderer that logs at the given logger's
// configured level.
func NewLogRenderer(log *slog.Logger) *LogRenderer {
	if log == nil {
		log = slog.Default()
	}
	return &LogRenderer{log: log}
}

// Start implements Renderer.
func (r *LogRenderer) Start(ctx context.Context) error {
	r.log.Debug("indexing started")
	return nil
}

// UpdateProgress implements Renderer.
func (r *LogRenderer) UpdateProgress(event ProgressEvent) {
	r.log.Debug("indexing progress",
		"stage", event.Stage.String(),
		"current", event.Current,
		"total", event.Total,
		"file", event.CurrentFile,
	)
}

// AddError implements Renderer.
func (r *LogRenderer) AddError(event ErrorEvent) {
	level := slog.LevelError
	if event.IsWarn {
		level = slog.LevelWarn
	}
	r.log.Log(context.Background(), level, "indexing error", "file", event.File, "error", event.Err)
}

// Complete implements Renderer.
func (r *LogRenderer) Complete(stats CompletionStats) {
	r.log.Info("indexing complete",
		"files", stats.Files,
		"chunks", stats.Chunks,
		"duration", stats.Duration,
		"errors", stats.Errors,
		"warnings", stats.Warnings,
	)
}

// Stop implements Renderer.
func (r *LogRenderer) Stop() error {
	return nil
}
