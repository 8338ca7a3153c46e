package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBuffer_WrapsAndReturnsNewestFirst(t *testing.T) {
	b := NewLogBuffer(3)
	now := time.Now()
	for i, msg := range []string{"one", "two", "three", "four"} {
		b.Add(LogEntry{Timestamp: now.Add(time.Duration(i) * time.Millisecond), Level: "INFO", Message: msg})
	}

	assert.Equal(t, 3, b.Count())
	got := b.GetRecent(10, "", 60)
	require.Len(t, got, 3)
	assert.Equal(t, "four", got[0].Message)
	assert.Equal(t, "two", got[2].Message)
}

func TestLogBuffer_LevelFilter(t *testing.T) {
	b := NewLogBuffer(10)
	now := time.Now()
	b.Add(LogEntry{Timestamp: now, Level: "DEBUG", Message: "d"})
	b.Add(LogEntry{Timestamp: now, Level: "WARN", Message: "w"})
	b.Add(LogEntry{Timestamp: now, Level: "ERROR", Message: "e"})

	got := b.GetRecent(0, "warn", 60)
	require.Len(t, got, 2)
	assert.Equal(t, "e", got[0].Message)
	assert.Equal(t, "w", got[1].Message)
}

func TestLogBuffer_SinceCutoff(t *testing.T) {
	b := NewLogBuffer(10)
	b.Add(LogEntry{Timestamp: time.Now().Add(-2 * time.Hour), Level: "INFO", Message: "old"})
	b.Add(LogEntry{Timestamp: time.Now(), Level: "INFO", Message: "new"})

	got := b.GetRecent(10, "", 60)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Message)
}

func TestLogBufferWriter_CapturesZerologEvents(t *testing.T) {
	var out bytes.Buffer
	w := &LogBufferWriter{buffer: NewLogBuffer(5), original: &out}

	l := zerolog.New(w).With().Timestamp().Str("component", "lookup").Logger()
	l.Warn().Str("request_id", "abc").Msg("Linked record fetch failed")

	assert.Contains(t, out.String(), "Linked record fetch failed")
	got := w.buffer.GetRecent(1, "", 60)
	require.Len(t, got, 1)
	assert.Equal(t, "WARN", got[0].Level)
	assert.Equal(t, "lookup", got[0].Component)
	assert.Equal(t, "abc", got[0].RequestID)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zerolog.Disabled, parseLevel("off"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("nonsense"))
}
