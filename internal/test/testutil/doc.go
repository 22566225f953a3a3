/*
Package testutil provides fakes and helpers for testing the ledgerwatch
packages against a cluster that runs in-process.

# Fakes

  - FakeCoordinator: serves /public_keys, /blockchain, /logs, /node_logs/{id}
    and a Socket.IO session that can emit server and node log events
  - FakeNode: serves /status and /propose_block with scripted answers
  - ManualClock: a schedule.Clock advanced by the test

Example Usage:

	func TestExample(t *testing.T) {
	    coord := NewFakeCoordinator(t)
	    node := NewFakeNode(t)
	    coord.SetRegistry(map[string]protocol.RegistryEntry{
	        "1": {PublicKey: "abcdef0123456789", PublicURL: node.URL()},
	    })

	    ctx := NewTestContextWithTimeout(t, 5*time.Second)
	    // start the component under test with ctx.Context()

	    coord.WaitForSockets(1)
	    coord.EmitNodeLog("1", "sync")
	}

# Scenarios

LoadScenario reads a YAML file describing nodes, log history and ledger
blocks, and Install loads it into a FakeCoordinator with one FakeNode per
node.

# Assertions

 1. RequireEventually: Polls a condition until it holds or times out
 2. RequireNever: Asserts condition never becomes true
 3. RequireReceive: Waits for a value on a channel

# Logging and Metrics

NewTestEntry returns a logrus entry whose output is captured by a
TestLogHook. TestMetrics wraps a private Prometheus registry and reads
gauges, counters and histogram counts by name and labels.

# Call Recording

MockRecorder counts calls by key so tests can assert how often an endpoint
was hit, for example RequireCallCount("/status", 2).
*/
package testutil
