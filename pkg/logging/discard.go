package logging

import (
	"context"
	"log/slog"
)

// DiscardHandler drops every record. Library packages default to it so
// logging stays opt-in for callers.
type DiscardHandler struct{}

func (DiscardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (DiscardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d DiscardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d DiscardHandler) WithGroup(string) slog.Handler           { return d }

// NewDiscardLogger returns a logger backed by DiscardHandler.
func NewDiscardLogger() *slog.Logger {
	return slog.New(DiscardHandler{})
}
