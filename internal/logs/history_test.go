package logs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerwatch/internal/errs"
	"ledgerwatch/internal/protocol"
)

type fakeHistory struct {
	central    []string
	centralErr error
	nodes      map[string][]protocol.NodeLogRecord
	nodeErrs   map[string]error
}

func (f *fakeHistory) CentralLogs(ctx context.Context) ([]string, error) {
	return f.central, f.centralErr
}

func (f *fakeHistory) NodeLogs(ctx context.Context, nodeID string) ([]protocol.NodeLogRecord, error) {
	if err := f.nodeErrs[nodeID]; err != nil {
		return nil, err
	}
	return f.nodes[nodeID], nil
}

func TestHistoryFetchPartialFailure(t *testing.T) {
	fetcher := &fakeHistory{
		central: []string{"boot"},
		nodes: map[string][]protocol.NodeLogRecord{
			"1": {{Log: "n1 up", LogType: "node"}, {Log: "central echo", LogType: "server"}},
		},
		nodeErrs: map[string]error{"2": errs.Transient("history 2", errors.New("timeout"))},
	}
	src := NewHistorySource(fetcher, true, nil)

	h := src.Fetch(context.Background(), []string{"1", "2"})
	require.NoError(t, h.CoordinatorErr)
	assert.Equal(t, []string{"boot"}, texts(h.Coordinator))
	assert.Equal(t, []string{"n1 up"}, texts(h.PerNode["1"]))
	require.Contains(t, h.NodeErrs, "2")
	assert.NotContains(t, h.PerNode, "2")
	assert.True(t, h.Failed())
}

func TestHistoryCoordinatorFailureKeepsNodes(t *testing.T) {
	fetcher := &fakeHistory{
		centralErr: errs.RemoteRejected("history", "status 500"),
		nodes:      map[string][]protocol.NodeLogRecord{"1": {{Log: "x", LogType: "node"}}},
	}
	src := NewHistorySource(fetcher, true, nil)

	h := src.Fetch(context.Background(), []string{"1"})
	require.Error(t, h.CoordinatorErr)
	assert.Nil(t, h.Coordinator)
	assert.Len(t, h.PerNode["1"], 1)
}

func TestHistoryWithoutNodeFetch(t *testing.T) {
	fetcher := &fakeHistory{central: []string{"a"}}
	src := NewHistorySource(fetcher, false, nil)

	h := src.Fetch(context.Background(), []string{"1"})
	assert.Empty(t, h.PerNode)
	assert.False(t, h.Failed())
}
