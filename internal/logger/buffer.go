package logger

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry represents a single captured log line
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Message   string    `json:"message"`
	Caller    string    `json:"caller,omitempty"`
}

// LogBuffer is a circular buffer holding the most recent log entries.
// Serve mode exposes it through /api/v1/logs.
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	size     int
	writePos int
	count    int
}

var (
	globalBuffer *LogBuffer
	bufferOnce   sync.Once
)

// GetBuffer returns the global log buffer instance
func GetBuffer() *LogBuffer {
	bufferOnce.Do(func() {
		globalBuffer = NewLogBuffer(2000)
	})
	return globalBuffer
}

// NewLogBuffer creates a new log buffer with the given capacity
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 1
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Add appends an entry, overwriting the oldest once full
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// GetRecent returns up to limit entries, newest first, at or above level and
// no older than sinceMinutes
func (b *LogBuffer) GetRecent(limit int, level string, sinceMinutes int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}

	cutoff := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute)
	minLevel := zerolog.TraceLevel
	if level != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(level)); err == nil {
			minLevel = parsed
		}
	}

	result := make([]LogEntry, 0, limit)
	for i := 0; i < b.count && len(result) < limit; i++ {
		entry := b.entries[(b.writePos-1-i+b.size)%b.size]

		if entry.Timestamp.Before(cutoff) {
			continue
		}
		if entryLevel, err := zerolog.ParseLevel(strings.ToLower(entry.Level)); err == nil && entryLevel < minLevel {
			continue
		}

		result = append(result, entry)
	}

	return result
}

// Count returns the current number of entries in the buffer
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// LogBufferWriter tees log output into the global buffer
type LogBufferWriter struct {
	buffer   *LogBuffer
	original io.Writer
}

// NewLogBufferWriter creates a writer that captures logs to the global buffer
func NewLogBufferWriter(original io.Writer) *LogBufferWriter {
	return &LogBufferWriter{
		buffer:   GetBuffer(),
		original: original,
	}
}

// Write implements io.Writer. zerolog hands it exactly one JSON event per call.
func (w *LogBufferWriter) Write(p []byte) (n int, err error) {
	if w.original != nil {
		n, err = w.original.Write(p)
	} else {
		n = len(p)
	}

	if entry, ok := parseLogLine(p); ok {
		w.buffer.Add(entry)
	}

	return n, err
}

// parseLogLine decodes a zerolog JSON event into a LogEntry
func parseLogLine(line []byte) (LogEntry, bool) {
	var raw struct {
		Level     string `json:"level"`
		Component string `json:"component"`
		RequestID string `json:"request_id"`
		Message   string `json:"message"`
		Caller    string `json:"caller"`
		Time      string `json:"time"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return LogEntry{}, false
	}
	if raw.Message == "" && raw.Level == "" {
		return LogEntry{}, false
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     strings.ToUpper(raw.Level),
		Component: raw.Component,
		RequestID: raw.RequestID,
		Message:   raw.Message,
		Caller:    raw.Caller,
	}
	if t, err := time.Parse(time.RFC3339, raw.Time); err == nil {
		entry.Timestamp = t
	}
	return entry, true
}
