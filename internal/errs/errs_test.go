package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"not found", NotFound("submit", "7"), KindNotFound},
		{"wrapped validation", fmt.Errorf("outer: %w", Validation("submit", "empty data")), KindValidation},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, KindTransient},
		{"exhausted", ChannelExhausted(5, nil), KindChannelExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	require.Nil(t, Classify("fetch", nil))

	err := Classify("fetch", errors.New("reset by peer"))
	require.True(t, Is(err, KindTransient))
	require.Contains(t, err.Error(), "fetch: network failure: reset by peer")

	rejected := RemoteRejected("fetch", "bad shape")
	require.Same(t, rejected, Classify("fetch", rejected))

	require.ErrorIs(t, Classify("fetch", context.Canceled), context.Canceled)
	require.Equal(t, KindUnknown, KindOf(Classify("fetch", context.Canceled)))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Transient("probe", cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "transient", err.Kind.String())
}
