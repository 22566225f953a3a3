package cluster

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerwatch/internal/client"
	"ledgerwatch/internal/config"
	"ledgerwatch/internal/errs"
	"ledgerwatch/internal/health"
	"ledgerwatch/internal/ledger"
	"ledgerwatch/internal/live"
	"ledgerwatch/internal/logs"
	"ledgerwatch/internal/protocol"
	"ledgerwatch/internal/test/testutil"
)

type harness struct {
	state   *State
	coord   *testutil.FakeCoordinator
	metrics *testutil.TestMetrics
	hook    *testutil.TestLogHook
	ctx     *testutil.TestContext
}

func newHarness(t *testing.T, coord *testutil.FakeCoordinator, tweak func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.CoordinatorURL = coord.URL()
	cfg.RequestTimeout = 2 * time.Second
	cfg.ProbeTimeout = 200 * time.Millisecond
	cfg.DialTimeout = time.Second
	cfg.Reconnect.Attempts = 2
	cfg.Reconnect.Delay = time.Second
	if tweak != nil {
		tweak(cfg)
	}

	coordinator, err := client.NewCoordinator(cfg.CoordinatorURL, cfg.RequestTimeout, nil)
	require.NoError(t, err)
	metrics := testutil.NewTestMetrics(t)
	logger, hook := testutil.NewTestEntry(t)

	st, err := New(cfg, Deps{
		Coordinator: coordinator,
		Nodes:       client.NewNodeClient(nil),
		Clock:       testutil.NewManualClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)),
		Registerer:  metrics.Registry,
		Logger:      logger,
	})
	require.NoError(t, err)
	t.Cleanup(st.Stop)

	return &harness{
		state:   st,
		coord:   coord,
		metrics: metrics,
		hook:    hook,
		ctx:     testutil.NewTestContext(t),
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.state.Start(h.ctx.Context()))
	h.coord.WaitForSockets(1)
}

func texts(entries []logs.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Text)
	}
	return out
}

func registerNodes(coord *testutil.FakeCoordinator, nodes map[string]*testutil.FakeNode) {
	entries := make(map[string]protocol.RegistryEntry, len(nodes))
	for id, n := range nodes {
		entries[id] = protocol.RegistryEntry{PublicKey: "key-" + id, PublicURL: n.URL()}
	}
	coord.SetRegistry(entries)
}

func nodeHistory(lines ...string) []protocol.NodeLogRecord {
	records := make([]protocol.NodeLogRecord, 0, len(lines))
	for _, line := range lines {
		records = append(records, protocol.NodeLogRecord{Log: line, LogType: protocol.LogTypeNode})
	}
	return records
}

func TestStateProbeTimeoutAndLiveMerge(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	node := testutil.NewFakeNode(t)
	node.Hang(true)
	coord.SetRegistry(map[string]protocol.RegistryEntry{
		"1": {PublicKey: "abcd1234ef567890", PublicURL: node.URL()},
	})
	coord.SetNodeLogs("1", nodeHistory("boot"))

	h := newHarness(t, coord, nil)
	h.start(t)

	assert.Equal(t, map[string]health.Status{"1": health.Stopped}, h.state.Health())
	assert.Equal(t, []string{"boot"}, texts(h.state.Buffer(logs.Node("1"))))

	coord.Emit(protocol.EventNodeLogUpdate, map[string]interface{}{
		"node_id": "1",
		"log":     map[string]string{"log": "sync", "log_type": "node"},
	})
	testutil.RequireEventually(t, func() bool {
		return len(h.state.Buffer(logs.Node("1"))) == 2
	}, 5*time.Second)
	assert.Equal(t, []string{"boot", "sync"}, texts(h.state.Buffer(logs.Node("1"))))
}

func TestStateProbeIsolation(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	slow := testutil.NewFakeNode(t)
	slow.Hang(true)
	fast := testutil.NewFakeNode(t)
	registerNodes(coord, map[string]*testutil.FakeNode{"1": slow, "2": fast})

	h := newHarness(t, coord, func(cfg *config.Config) {
		cfg.ProbeTimeout = time.Second
	})

	var mu sync.Mutex
	var order []string
	h.state.Subscribe(func(u Update) {
		if u.Kind != UpdateHealth {
			return
		}
		mu.Lock()
		order = append(order, u.NodeID)
		mu.Unlock()
	})
	h.start(t)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"2", "1"}, order, "the fast node must not wait for the hanging one")
	assert.Equal(t, health.Running, h.state.Health()["2"])
	assert.Equal(t, health.Stopped, h.state.Health()["1"])
}

func TestStateHealthUnknownBeforeProbe(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	node := testutil.NewFakeNode(t)
	registerNodes(coord, map[string]*testutil.FakeNode{"1": node})

	h := newHarness(t, coord, nil)
	_, err := h.state.refreshRegistry(h.ctx.Context(), h.state.logger)
	require.NoError(t, err)
	assert.Equal(t, map[string]health.Status{"1": health.Unknown}, h.state.Health())

	assert.Equal(t, map[string]health.Status{"1": health.Running}, h.state.RefreshHealth(h.ctx.Context()))
}

func TestStateFailedRegistryRefreshKeepsView(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	n1, n2 := testutil.NewFakeNode(t), testutil.NewFakeNode(t)
	registerNodes(coord, map[string]*testutil.FakeNode{"1": n1, "2": n2})
	coord.SetNodeLogs("1", nodeHistory("boot"))
	coord.SetCentralLogs([]string{"Server started"})

	h := newHarness(t, coord, nil)
	h.start(t)

	nodes := h.state.Nodes()
	healthBefore := h.state.Health()
	bufferBefore := texts(h.state.Buffer(logs.Node("1")))

	coord.Fail("/public_keys", http.StatusInternalServerError)
	err := h.state.RefreshRegistry(h.ctx.Context())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindRemoteRejected))

	assert.Equal(t, nodes, h.state.Nodes())
	assert.Equal(t, healthBefore, h.state.Health())
	assert.Equal(t, bufferBefore, texts(h.state.Buffer(logs.Node("1"))))
	assert.Error(t, h.state.Errors()[SourceRegistry])
	h.metrics.RequireMetricEquals("ledgerwatch_refresh_failures_total", 1, "source", SourceRegistry)

	coord.Fail("/public_keys", 0)
	require.NoError(t, h.state.RefreshRegistry(h.ctx.Context()))
	assert.NotContains(t, h.state.Errors(), SourceRegistry)
}

func TestStateMalformedRegistryIsValidationFailure(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	coord.SetRegistryRaw(`{"1":"abcd1234"}`)

	h := newHarness(t, coord, nil)
	err := h.state.RefreshRegistry(h.ctx.Context())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindValidation))
	assert.Empty(t, h.state.Nodes())
}

func TestStateRegistryRefreshPrunesDepartedNodes(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	n1, n2 := testutil.NewFakeNode(t), testutil.NewFakeNode(t)
	registerNodes(coord, map[string]*testutil.FakeNode{"1": n1, "2": n2})
	coord.SetNodeLogs("1", nodeHistory("one"))
	coord.SetNodeLogs("2", nodeHistory("two"))

	h := newHarness(t, coord, nil)
	h.start(t)
	require.Len(t, h.state.Health(), 2)
	require.Equal(t, []string{"two"}, texts(h.state.Buffer(logs.Node("2"))))
	h.metrics.RequireMetricEquals("ledgerwatch_known_nodes", 2)

	registerNodes(coord, map[string]*testutil.FakeNode{"1": n1})
	require.NoError(t, h.state.RefreshRegistry(h.ctx.Context()))

	assert.Equal(t, map[string]health.Status{"1": health.Running}, h.state.Health())
	assert.Nil(t, h.state.Buffer(logs.Node("2")))
	assert.NotContains(t, h.state.Origins(), logs.Node("2"))
	assert.Equal(t, []string{"one"}, texts(h.state.Buffer(logs.Node("1"))))
	h.metrics.RequireMetricEquals("ledgerwatch_known_nodes", 1)
}

func TestStateLiveLinesOfUnknownNodesArePruned(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	n1 := testutil.NewFakeNode(t)
	registerNodes(coord, map[string]*testutil.FakeNode{"1": n1})

	h := newHarness(t, coord, nil)
	h.start(t)

	coord.EmitNodeLog("7", "early bird")
	testutil.RequireEventually(t, func() bool {
		return len(h.state.Buffer(logs.Node("7"))) == 1
	}, 5*time.Second)

	require.NoError(t, h.state.RefreshRegistry(h.ctx.Context()))
	assert.Nil(t, h.state.Buffer(logs.Node("7")))
}

func TestStateSubmitToUnknownNode(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	node := testutil.NewFakeNode(t)
	registerNodes(coord, map[string]*testutil.FakeNode{"1": node})

	h := newHarness(t, coord, nil)
	h.start(t)

	result := h.state.Submit(h.ctx.Context(), ledger.Request{TargetNodeID: "9", Data: "tx"})
	require.False(t, result.OK)
	assert.True(t, errs.Is(result.Err, errs.KindNotFound))
	assert.Zero(t, node.Recorder().Count("/propose_block"))
	assert.Empty(t, node.Proposals())
}

func TestStateSubmit(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	node := testutil.NewFakeNode(t)
	registerNodes(coord, map[string]*testutil.FakeNode{"1": node})

	h := newHarness(t, coord, nil)
	h.start(t)

	node.SetProposeResponse(http.StatusOK, "committed")
	result := h.state.Submit(h.ctx.Context(), ledger.Request{TargetNodeID: "1", Data: "tx42"})
	require.True(t, result.OK)
	assert.Equal(t, "committed", result.Message)
	require.Len(t, node.Proposals(), 1)
	assert.Equal(t, protocol.ProposeRequest{NodeID: "1", BlockData: "tx42"}, node.Proposals()[0])

	node.SetProposeResponse(http.StatusBadRequest, "invalid")
	result = h.state.Submit(h.ctx.Context(), ledger.Request{TargetNodeID: "1", Data: "tx42"})
	require.False(t, result.OK)
	assert.Equal(t, "invalid", result.Reason)
	assert.True(t, errs.Is(result.Err, errs.KindRemoteRejected))
}

func TestStateLedger(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	coord.SetBlocks([]protocol.BlockRecord{
		{BlockData: "tx1", CommittedBy: "1", CommitTime: "2024-05-01T10:00:00"},
	})

	h := newHarness(t, coord, nil)
	h.start(t)
	require.Len(t, h.state.Blocks(), 1)
	h.metrics.RequireMetricEquals("ledgerwatch_ledger_blocks", 1)
	_, ledgerAt := h.state.UpdatedAt()
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), ledgerAt)

	coord.Fail("/blockchain", http.StatusBadGateway)
	blocks, err := h.state.RefreshLedger(h.ctx.Context())
	require.Error(t, err)
	require.Len(t, blocks, 1, "a failed fetch keeps the last good ledger")
	assert.Equal(t, "tx1", h.state.Blocks()[0].Data)
	assert.Error(t, h.state.Errors()[SourceLedger])
}

func TestStateHistoryPartialFailure(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	n1, n2 := testutil.NewFakeNode(t), testutil.NewFakeNode(t)
	registerNodes(coord, map[string]*testutil.FakeNode{"1": n1, "2": n2})
	coord.SetCentralLogs([]string{"Server started"})
	coord.SetNodeLogs("1", nodeHistory("one"))
	coord.SetNodeLogs("2", nodeHistory("two"))
	coord.Fail("/node_logs/2", http.StatusInternalServerError)
	coord.SkipBacklog(true)

	h := newHarness(t, coord, nil)
	h.start(t)

	assert.Equal(t, []string{"Server started"}, texts(h.state.Buffer(logs.Coordinator())))
	assert.Equal(t, []string{"one"}, texts(h.state.Buffer(logs.Node("1"))))
	assert.Nil(t, h.state.Buffer(logs.Node("2")))

	err := h.state.Errors()[SourceHistory]
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node 2")
}

func TestStateBacklogAndHistoryDoNotDuplicate(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	coord.SetCentralLogs([]string{"a", "b"})

	h := newHarness(t, coord, nil)
	h.start(t)

	coord.EmitServerLog("c")
	testutil.RequireEventually(t, func() bool {
		return len(h.state.Buffer(logs.Coordinator())) == 3
	}, 5*time.Second)

	// The coordinator now reports the live line in its history too
	coord.SetCentralLogs([]string{"a", "b", "c"})
	require.NoError(t, h.state.RefreshHistory(h.ctx.Context()))
	assert.Equal(t, []string{"a", "b", "c"}, texts(h.state.Buffer(logs.Coordinator())))

	coord.EmitServerLog("d")
	testutil.RequireEventually(t, func() bool {
		return len(h.state.Buffer(logs.Coordinator())) == 4
	}, 5*time.Second)
	assert.Equal(t, []string{"a", "b", "c", "d"}, texts(h.state.Buffer(logs.Coordinator())))
}

func TestStateResetRehydrates(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	node := testutil.NewFakeNode(t)
	registerNodes(coord, map[string]*testutil.FakeNode{"1": node})
	coord.SetNodeLogs("1", nodeHistory("boot"))

	h := newHarness(t, coord, nil)
	h.start(t)

	coord.EmitNodeLog("1", "live only")
	testutil.RequireEventually(t, func() bool {
		return len(h.state.Buffer(logs.Node("1"))) == 2
	}, 5*time.Second)

	var resets int
	var mu sync.Mutex
	h.state.Subscribe(func(u Update) {
		if u.Kind == UpdateReset {
			mu.Lock()
			resets++
			mu.Unlock()
		}
	})

	coord.Recorder().Clear()
	require.NoError(t, h.state.Reset(h.ctx.Context()))
	assert.Equal(t, []string{"boot"}, texts(h.state.Buffer(logs.Node("1"))))
	assert.Equal(t, health.Running, h.state.Health()["1"])
	coord.Recorder().RequireCallCount(t, "/public_keys", 1)

	testutil.RequireEventually(t, func() bool {
		return coord.Recorder().Count("socket") == 1
	}, 5*time.Second, "the live channel must be reopened")
	testutil.RequireEventually(t, func() bool {
		return h.state.ChannelStatus().State == live.Connected
	}, 5*time.Second)

	mu.Lock()
	assert.Equal(t, 1, resets)
	mu.Unlock()
}

func TestStateConcurrentResetsKeepOneChannel(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	node := testutil.NewFakeNode(t)
	registerNodes(coord, map[string]*testutil.FakeNode{"1": node})

	h := newHarness(t, coord, nil)
	h.start(t)

	for round := 0; round < 5; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, h.state.Reset(h.ctx.Context()))
			}()
		}
		wg.Wait()
	}

	coord.WaitForSockets(1)
	testutil.RequireNever(t, func() bool { return coord.Sockets() > 1 }, 200*time.Millisecond)
	testutil.RequireEventually(t, func() bool {
		return h.state.ChannelStatus().State == live.Connected
	}, 5*time.Second)

	coord.EmitNodeLog("1", "after resets")
	testutil.RequireEventually(t, func() bool {
		return len(h.state.Buffer(logs.Node("1"))) == 1
	}, 5*time.Second)
	assert.Equal(t, []string{"after resets"}, texts(h.state.Buffer(logs.Node("1"))))
}

func TestStateStopBeforeStartUnregistersMetrics(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	h := newHarness(t, coord, nil)
	_, err := h.metrics.GetMetric("ledgerwatch_known_nodes")
	require.NoError(t, err)

	h.state.Stop()
	_, err = h.metrics.GetMetric("ledgerwatch_known_nodes")
	assert.Error(t, err)
	assert.Error(t, h.state.Start(h.ctx.Context()))
	assert.Equal(t, 0, coord.Sockets())
}

func TestStateDiscardsResultsOfResetEpoch(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	coord.SetBlocks([]protocol.BlockRecord{{BlockData: "old", CommittedBy: "1"}})

	h := newHarness(t, coord, nil)
	h.start(t)
	require.Equal(t, "old", h.state.Blocks()[0].Data)

	coord.Delay("/blockchain", 300*time.Millisecond)
	before := coord.Recorder().Count("/blockchain")

	done := make(chan error, 1)
	go func() {
		_, err := h.state.RefreshLedger(h.ctx.Context())
		done <- err
	}()
	testutil.RequireEventually(t, func() bool {
		return coord.Recorder().Count("/blockchain") > before
	}, 5*time.Second)

	require.NoError(t, h.state.Reset(h.ctx.Context()))
	err := testutil.RequireReceive(t, done, 5*time.Second)
	assert.ErrorIs(t, err, ErrDiscarded)
}

func TestStateChannelExhaustion(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	coord.RejectSockets(true)

	h := newHarness(t, coord, func(cfg *config.Config) {
		cfg.Reconnect.Attempts = 0
	})
	require.NoError(t, h.state.Start(h.ctx.Context()))

	testutil.RequireEventually(t, func() bool {
		return h.state.ChannelStatus().Exhausted
	}, 5*time.Second)
	status := h.state.ChannelStatus()
	assert.Equal(t, live.Disconnected, status.State)
	assert.True(t, errs.Is(status.Err, errs.KindChannelExhausted))

	testutil.RequireEventually(t, func() bool {
		return h.state.Errors()[SourceLive] != nil
	}, 5*time.Second)
	h.metrics.RequireMetricEquals("ledgerwatch_channel_exhaustions_total", 1)
}

func TestStateSubscriptionCancel(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	h := newHarness(t, coord, nil)

	lines := make(chan logs.Entry, 16)
	sub := h.state.Subscribe(func(u Update) {
		if u.Kind == UpdateLogLine {
			lines <- u.Entries[0]
		}
	})
	h.start(t)

	coord.EmitServerLog("first")
	entry := testutil.RequireReceive(t, lines, 5*time.Second)
	assert.Equal(t, "first", entry.Text)
	assert.True(t, entry.Origin.IsCoordinator())

	sub.Cancel()
	coord.EmitServerLog("second")
	testutil.RequireEventually(t, func() bool {
		return len(h.state.Buffer(logs.Coordinator())) == 2
	}, 5*time.Second)
	assert.Empty(t, lines)
}

func TestStateStopUnregistersMetrics(t *testing.T) {
	coord := testutil.NewFakeCoordinator(t)
	h := newHarness(t, coord, nil)
	h.start(t)
	h.metrics.WaitForMetric("ledgerwatch_channel_state", float64(live.Connected), 5*time.Second)

	h.state.Stop()
	_, err := h.metrics.GetMetric("ledgerwatch_channel_state")
	assert.Error(t, err)
	assert.Equal(t, live.Disconnected, h.state.ChannelStatus().State)

	assert.Error(t, h.state.Start(h.ctx.Context()))
	assert.Error(t, h.state.Reset(h.ctx.Context()))
}

func TestStateScenario(t *testing.T) {
	scenario := testutil.LoadScenario(t, "testdata/three_nodes.yaml")
	coord := testutil.NewFakeCoordinator(t)
	scenario.Install(t, coord)

	h := newHarness(t, coord, nil)
	h.start(t)

	got := make(map[string]string)
	for id, st := range h.state.Health() {
		got[id] = st.String()
	}
	assert.Equal(t, scenario.Expect.Health, got, scenario.Name)
	assert.Equal(t, scenario.Expect.Coordinator, texts(h.state.Buffer(logs.Coordinator())))
	for id, want := range scenario.Expect.Nodes {
		assert.Equal(t, want, texts(h.state.Buffer(logs.Node(id))), "node %s", id)
	}

	var ledgerData []string
	for _, b := range h.state.Blocks() {
		ledgerData = append(ledgerData, b.Data)
	}
	assert.Equal(t, scenario.Expect.Ledger, ledgerData)
	assert.True(t, h.state.Blocks()[0].HasCommitTime())

	n := h.state.Nodes()
	require.Len(t, n, 3)
	assert.Equal(t, "3c2f1e9a7b...", n[0].ShortKey())
}
