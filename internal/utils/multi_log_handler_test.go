package utils

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMultiLogHandler_FansOut(t *testing.T) {
	var debugBuf, warnBuf bytes.Buffer
	debug := slog.NewTextHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})
	warn := slog.NewTextHandler(&warnBuf, &slog.HandlerOptions{Level: slog.LevelWarn})

	logger := slog.New(NewMultiLogHandler(debug, warn)).With("comp", "test")
	logger.Debug("polling file", "path", "a-Data.db")
	logger.Warn("store failed", "path", "b-Data.db")

	assert.Contains(t, debugBuf.String(), "polling file")
	assert.Contains(t, debugBuf.String(), "store failed")
	assert.NotContains(t, warnBuf.String(), "polling file")
	assert.Contains(t, warnBuf.String(), "store failed")
	assert.Contains(t, warnBuf.String(), "comp=test")
}

func TestLevelRangeHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(&LevelRangeHandler{Min: slog.LevelInfo, Max: slog.LevelInfo, Inner: inner})

	logger.Debug("too low")
	logger.Info("just right")
	logger.Error("too high")

	assert.Contains(t, buf.String(), "just right")
	assert.NotContains(t, buf.String(), "too low")
	assert.NotContains(t, buf.String(), "too high")
}
