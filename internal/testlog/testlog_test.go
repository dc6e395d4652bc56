package testlog

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_recordsAndRedacts(t *testing.T) {
	log, h := New(t)
	log.Info("signed in", "uid", "u1", "sessionToken", "abc")
	log.Debug("tick")

	entries := h.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, slog.LevelInfo, entries[0].Level)
	assert.Equal(t, "u1", entries[0].Attrs["uid"])
	assert.Equal(t, "[REDACTED]", entries[0].Attrs["sessionToken"])
	assert.Len(t, h.Find("tick"), 1)
}

func TestHandler_levelAndGroups(t *testing.T) {
	h := NewHandler(t, WithLevel(slog.LevelWarn))
	l := slog.New(h).WithGroup("sync").With("code", "ABC234")
	l.Info("dropped")
	l.Warn("flush failed", "attempt", 2)

	entries := h.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "ABC234", entries[0].Attrs["sync.code"])
	assert.Equal(t, "2", entries[0].Attrs["sync.attempt"])
}
