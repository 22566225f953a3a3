package testutil

import (
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// MockCall represents a recorded function call
type MockCall struct {
	Name string
	Args []interface{}
}

// MockRecorder records and verifies mock calls
type MockRecorder struct {
	t     *testing.T
	mu    sync.RWMutex
	calls []MockCall
}

// NewMockRecorder creates a new mock recorder
func NewMockRecorder(t *testing.T) *MockRecorder {
	return &MockRecorder{t: t}
}

// Record records a function call
func (r *MockRecorder) Record(name string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, MockCall{Name: name, Args: args})
}

// Calls returns all recorded calls
func (r *MockRecorder) Calls() []MockCall {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]MockCall(nil), r.calls...)
}

// Count returns how many times name was recorded
func (r *MockRecorder) Count(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, call := range r.calls {
		if call.Name == name {
			n++
		}
	}
	return n
}

// Clear clears all recorded calls
func (r *MockRecorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// RequireCall asserts that a specific call was recorded
func (r *MockRecorder) RequireCall(t *testing.T, name string, args ...interface{}) {
	t.Helper()
	for _, call := range r.Calls() {
		if call.Name == name && reflect.DeepEqual(call.Args, args) {
			return
		}
	}
	t.Errorf("Expected call not found: %s %v", name, args)
}

// RequireCallCount asserts the number of times a call was recorded
func (r *MockRecorder) RequireCallCount(t *testing.T, name string, count int) {
	t.Helper()
	require.Equal(t, count, r.Count(name), "Wrong number of calls for %s", name)
}
