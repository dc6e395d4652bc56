// Package testlog routes component logs into the test log and keeps them for
// assertions.
//
// Lines carry an index, the level, the message and the attributes, without a
// timestamp, so output is stable between runs.
package testlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/learnsync/learnsync/pkg/logger"
	slogadapter "github.com/learnsync/learnsync/pkg/logger/slog"
)

// Entry is one recorded log line.
type Entry struct {
	Level   slog.Level
	Message string
	Attrs   map[string]string
}

type sink struct {
	mu      sync.Mutex
	tb      testing.TB
	done    bool
	entries []Entry
}

// Handler is a slog.Handler writing to a testing.TB.
type Handler struct {
	sink   *sink
	attrs  []slog.Attr
	groups []string
	level  slog.Level
}

// Option configures a Handler.
type Option func(*Handler)

// WithLevel drops records below level. The default keeps debug records.
func WithLevel(level slog.Level) Option {
	return func(h *Handler) { h.level = level }
}

func NewHandler(tb testing.TB, opts ...Option) *Handler {
	s := &sink{tb: tb}
	tb.Cleanup(func() {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
	})
	h := &Handler{sink: s, level: slog.LevelDebug}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// New returns a logger.Logger backed by a fresh Handler.
func New(tb testing.TB, opts ...Option) (logger.Logger, *Handler) {
	h := NewHandler(tb, opts...)
	return slogadapter.New(h), h
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

//nolint:gocritic
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]string)
	var parts []string
	add := func(prefix string, a slog.Attr) {
		h.flatten(prefix, a, func(key, value string) {
			attrs[key] = value
			parts = append(parts, key+"="+value)
		})
	}
	for _, a := range h.attrs {
		add("", a)
	}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		add(prefix, a)
		return true
	})

	s := h.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	index := len(s.entries)
	s.entries = append(s.entries, Entry{Level: r.Level, Message: r.Message, Attrs: attrs})
	if s.done {
		return nil
	}
	s.tb.Helper()
	if len(parts) > 0 {
		s.tb.Logf("[%d] %s: %s %s", index, r.Level, r.Message, strings.Join(parts, ", "))
	} else {
		s.tb.Logf("[%d] %s: %s", index, r.Level, r.Message)
	}
	return nil
}

func (h *Handler) flatten(prefix string, a slog.Attr, emit func(key, value string)) {
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.flatten(prefix+a.Key+".", ga, emit)
		}
		return
	}
	emit(prefix+a.Key, fmt.Sprint(a.Value.Resolve().Any()))
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	next := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next = append(next, h.attrs...)
	for _, a := range attrs {
		a.Key = prefix + a.Key
		next = append(next, a)
	}
	return &Handler{sink: h.sink, attrs: next, groups: h.groups, level: h.level}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{
		sink:   h.sink,
		attrs:  h.attrs,
		groups: append(h.groups[:len(h.groups):len(h.groups)], name),
		level:  h.level,
	}
}

// Entries returns every record handled so far, in order.
func (h *Handler) Entries() []Entry {
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	return append([]Entry(nil), h.sink.entries...)
}

// Find returns the records whose message equals msg.
func (h *Handler) Find(msg string) []Entry {
	var out []Entry
	for _, e := range h.Entries() {
		if e.Message == msg {
			out = append(out, e)
		}
	}
	return out
}
