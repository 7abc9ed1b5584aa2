// Package testenv holds helpers shared by the tests of this module.
package testenv

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// LogHandler is a slog.Handler that records level, message and attributes
// without timestamps, so tests can assert on log output.
//
// It is safe for concurrent use; handlers derived with WithAttrs or
// WithGroup record into the same log.
type LogHandler struct {
	log    *recorded
	attrs  []slog.Attr
	groups []string

	ignoreDebug bool
	// echo receives each line as it is recorded, e.g. testing.T.Log.
	echo func(args ...any)
}

type recorded struct {
	mu    sync.Mutex
	lines []string
}

// LogHandlerOption configures a LogHandler.
type LogHandlerOption func(*LogHandler)

// WithIgnoreDebug drops DEBUG records.
func WithIgnoreDebug() LogHandlerOption {
	return func(h *LogHandler) {
		h.ignoreDebug = true
	}
}

// WithEcho passes every recorded line to fn.
func WithEcho(fn func(args ...any)) LogHandlerOption {
	return func(h *LogHandler) {
		h.echo = fn
	}
}

func NewLogHandler(opts ...LogHandlerOption) *LogHandler {
	h := &LogHandler{log: &recorded{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Lines returns the recorded lines, formatted "LEVEL: message k=v, k=v".
func (h *LogHandler) Lines() []string {
	h.log.mu.Lock()
	defer h.log.mu.Unlock()
	return append([]string(nil), h.log.lines...)
}

// Contains reports whether a recorded line contains s.
func (h *LogHandler) Contains(s string) bool {
	for _, line := range h.Lines() {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

//nolint:gocritic
func (h *LogHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Level == slog.LevelDebug && h.ignoreDebug {
		return nil
	}

	line := fmt.Sprintf("%s: %s", r.Level, r.Message)
	if attrs := h.attrsToString(&r); attrs != "" {
		line += " " + attrs
	}

	h.log.mu.Lock()
	h.log.lines = append(h.log.lines, line)
	h.log.mu.Unlock()

	if h.echo != nil {
		h.echo(line)
	}
	return nil
}

func (h *LogHandler) attrsToString(r *slog.Record) string {
	var parts []string
	for _, attr := range h.attrs {
		parts = append(parts, formatAttr(attr, ""))
	}

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, formatAttr(a, prefix))
		return true
	})
	return strings.Join(parts, ", ")
}

func formatAttr(a slog.Attr, prefix string) string {
	if a.Value.Kind() == slog.KindGroup {
		groupPrefix := prefix + a.Key + "."
		parts := make([]string, 0, len(a.Value.Group()))
		for _, ga := range a.Value.Group() {
			parts = append(parts, formatAttr(ga, groupPrefix))
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value)
}

func (h *LogHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	next := *h
	next.attrs = h.attrs[:len(h.attrs):len(h.attrs)]
	for _, attr := range attrs {
		if prefix != "" {
			attr = slog.Attr{Key: prefix + attr.Key, Value: attr.Value}
		}
		next.attrs = append(next.attrs, attr)
	}
	return &next
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(h.groups[:len(h.groups):len(h.groups)], name)
	return &next
}
