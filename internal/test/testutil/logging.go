package testutil

import (
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// TestLogHook captures entries written through a logger
type TestLogHook struct {
	mu      sync.RWMutex
	levels  []logrus.Level
	entries []*logrus.Entry
}

// NewTestLogHook creates a new log hook. With no levels every level is captured.
func NewTestLogHook(levels ...logrus.Level) *TestLogHook {
	if len(levels) == 0 {
		levels = logrus.AllLevels
	}
	return &TestLogHook{levels: levels}
}

// Levels returns the hook levels
func (h *TestLogHook) Levels() []logrus.Level {
	return h.levels
}

// Fire implements logrus.Hook
func (h *TestLogHook) Fire(entry *logrus.Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
	return nil
}

// Entries returns the captured log entries
func (h *TestLogHook) Entries() []*logrus.Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*logrus.Entry{}, h.entries...)
}

// HasEntry reports whether an entry with level and message was captured
func (h *TestLogHook) HasEntry(level logrus.Level, message string) bool {
	for _, entry := range h.Entries() {
		if entry.Level == level && entry.Message == message {
			return true
		}
	}
	return false
}

// RequireEntry asserts that an entry exists
func (h *TestLogHook) RequireEntry(t *testing.T, level logrus.Level, message string) {
	t.Helper()
	if !h.HasEntry(level, message) {
		t.Errorf("Log entry not found: [%s] %s", level, message)
	}
}

// RequireNoEntry asserts that an entry does not exist
func (h *TestLogHook) RequireNoEntry(t *testing.T, level logrus.Level, message string) {
	t.Helper()
	if h.HasEntry(level, message) {
		t.Errorf("Unexpected log entry found: [%s] %s", level, message)
	}
}

// NewTestEntry returns a debug level logger entry that writes nowhere but
// records every entry in the returned hook.
func NewTestEntry(t *testing.T) (*logrus.Entry, *TestLogHook) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	hook := NewTestLogHook()
	logger.AddHook(hook)
	return logger.WithField("test", t.Name()), hook
}
