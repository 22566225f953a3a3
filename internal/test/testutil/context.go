package testutil

import (
	"context"
	"testing"
	"time"
)

// DefaultTestTimeout bounds a test context when none is given
const DefaultTestTimeout = 10 * time.Second

// TestContext is a context cancelled when the test ends, its timeout
// elapses, or the go test deadline is near, whichever comes first
type TestContext struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTestContext creates a context bounded by DefaultTestTimeout
func NewTestContext(t *testing.T) *TestContext {
	return NewTestContextWithTimeout(t, DefaultTestTimeout)
}

// NewTestContextWithTimeout creates a context bounded by timeout
func NewTestContextWithTimeout(t *testing.T, timeout time.Duration) *TestContext {
	deadline := time.Now().Add(timeout)
	// Leave room for cleanups to report before go test kills the binary
	if testDeadline, ok := t.Deadline(); ok && testDeadline.Add(-time.Second).Before(deadline) {
		deadline = testDeadline.Add(-time.Second)
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	t.Cleanup(cancel)
	return &TestContext{ctx: ctx, cancel: cancel}
}

// Context returns the underlying context
func (c *TestContext) Context() context.Context {
	return c.ctx
}

// Cancel ends the context early, as a shutdown signal would
func (c *TestContext) Cancel() {
	c.cancel()
}
