package utils

import (
	"context"
	"log/slog"
)

// MultiLogHandler forwards every record to each of its handlers that is enabled for the level.
type MultiLogHandler struct {
	handlers []slog.Handler
}

func NewMultiLogHandler(handlers ...slog.Handler) *MultiLogHandler {
	return &MultiLogHandler{handlers: handlers}
}

func (h *MultiLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle returns the last error seen, after giving every handler a chance.
func (h *MultiLogHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if e := handler.Handle(ctx, r.Clone()); e != nil {
			err = e
		}
	}
	return err
}

func (h *MultiLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return NewMultiLogHandler(handlers...)
}

func (h *MultiLogHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return NewMultiLogHandler(handlers...)
}

// LevelRangeHandler only passes records with min <= level <= max to the inner handler.
// Used to keep debug noise out of the rotated info log.
type LevelRangeHandler struct {
	Min, Max slog.Level
	Inner    slog.Handler
}

func (h *LevelRangeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.Min && level <= h.Max && h.Inner.Enabled(ctx, level)
}

func (h *LevelRangeHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.Inner.Handle(ctx, r)
}

func (h *LevelRangeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelRangeHandler{Min: h.Min, Max: h.Max, Inner: h.Inner.WithAttrs(attrs)}
}

func (h *LevelRangeHandler) WithGroup(name string) slog.Handler {
	return &LevelRangeHandler{Min: h.Min, Max: h.Max, Inner: h.Inner.WithGroup(name)}
}
