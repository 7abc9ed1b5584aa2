package testenv

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogHandler(t *testing.T) {
	h := NewLogHandler(WithIgnoreDebug())
	l := slog.New(h)

	l.Debug("dropped")
	l.Info("subscribed", "resource", "leads")
	l.With("component", "registry").WithGroup("entry").Warn("reconnect", "attempt", 2)
	l.Error("failed", slog.Group("err", "code", "42P01"))

	assert.Equal(t, []string{
		"INFO: subscribed resource=leads",
		"WARN: reconnect component=registry, entry.attempt=2",
		"ERROR: failed err.code=42P01",
	}, h.Lines())
	assert.True(t, h.Contains("entry.attempt=2"))
	assert.False(t, h.Contains("dropped"))
}

func TestLogHandlerEcho(t *testing.T) {
	var echoed []any
	h := NewLogHandler(WithEcho(func(args ...any) { echoed = append(echoed, args...) }))
	slog.New(h).Info("hello")

	assert.Equal(t, []any{"INFO: hello"}, echoed)
}
