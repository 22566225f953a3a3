package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ledgerwatch/internal/protocol"
)

// FakeCoordinator serves the coordinator's HTTP endpoints and a Socket.IO
// websocket that tests can push events through.
type FakeCoordinator struct {
	*TestHTTPServer
	t *testing.T

	mu          sync.Mutex
	registryRaw string
	blocks      []protocol.BlockRecord
	central     []string
	nodeLogs    map[string][]protocol.NodeLogRecord
	failures    map[string]int
	delays      map[string]time.Duration
	rejectWS    bool
	skipBacklog bool
	conns       map[*fakeSocket]struct{}
	nextSID     int

	recorder *MockRecorder
	upgrader websocket.Upgrader
	release  chan struct{}
}

type fakeSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *fakeSocket) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// NewFakeCoordinator starts a coordinator with an empty registry, ledger and
// log history
func NewFakeCoordinator(t *testing.T) *FakeCoordinator {
	c := &FakeCoordinator{
		t:           t,
		registryRaw: "{}",
		nodeLogs:    make(map[string][]protocol.NodeLogRecord),
		failures:    make(map[string]int),
		delays:      make(map[string]time.Duration),
		conns:       make(map[*fakeSocket]struct{}),
		recorder:    NewMockRecorder(t),
		release:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/public_keys", c.handleRegistry)
	mux.HandleFunc("/blockchain", c.handleBlockchain)
	mux.HandleFunc("/logs", c.handleLogs)
	mux.HandleFunc("/node_logs/", c.handleNodeLogs)
	mux.HandleFunc("/socket.io/", c.handleSocket)
	c.TestHTTPServer = NewTestHTTPServer(t, mux)
	t.Cleanup(func() {
		close(c.release)
		c.DropConnections()
	})
	return c
}

// Recorder counts requests by path; websocket sessions are recorded as
// "socket".
func (c *FakeCoordinator) Recorder() *MockRecorder {
	return c.recorder
}

// SetRegistry replaces the registry
func (c *FakeCoordinator) SetRegistry(entries map[string]protocol.RegistryEntry) {
	body, err := json.Marshal(entries)
	if err != nil {
		c.t.Fatalf("encoding registry: %v", err)
	}
	c.SetRegistryRaw(string(body))
}

// SetRegistryRaw replaces the registry body verbatim
func (c *FakeCoordinator) SetRegistryRaw(body string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registryRaw = body
}

// SetBlocks replaces the ledger
func (c *FakeCoordinator) SetBlocks(blocks []protocol.BlockRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks = blocks
}

// SetCentralLogs replaces the coordinator log history
func (c *FakeCoordinator) SetCentralLogs(lines []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.central = append([]string(nil), lines...)
}

// SetNodeLogs replaces the log history of one node
func (c *FakeCoordinator) SetNodeLogs(id string, records []protocol.NodeLogRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodeLogs[id] = records
}

// Fail makes requests to path answer with code. A code of zero clears it.
func (c *FakeCoordinator) Fail(path string, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if code == 0 {
		delete(c.failures, path)
		return
	}
	c.failures[path] = code
}

// Delay holds requests to path for d before answering
func (c *FakeCoordinator) Delay(path string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays[path] = d
}

// RejectSockets makes websocket handshakes fail with 503
func (c *FakeCoordinator) RejectSockets(reject bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejectWS = reject
}

// SkipBacklog stops the coordinator from sending server_logs on connect
func (c *FakeCoordinator) SkipBacklog(skip bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipBacklog = skip
}

// Sockets returns the number of open websocket sessions
func (c *FakeCoordinator) Sockets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// WaitForSockets waits until n websocket sessions are open
func (c *FakeCoordinator) WaitForSockets(n int) {
	c.t.Helper()
	RequireEventually(c.t, func() bool { return c.Sockets() == n }, 5*time.Second,
		"expected %d open sockets", n)
}

// Emit sends an event to every open session
func (c *FakeCoordinator) Emit(event string, args ...interface{}) {
	frame, err := protocol.EncodeEvent(event, args...)
	if err != nil {
		c.t.Errorf("encoding %s: %v", event, err)
		return
	}
	c.EmitRaw(string(frame))
}

// EmitRaw sends a raw text frame to every open session
func (c *FakeCoordinator) EmitRaw(frame string) {
	for _, s := range c.sockets() {
		_ = s.write([]byte(frame))
	}
}

// EmitNodeLog sends a node_log_update in the structured shape
func (c *FakeCoordinator) EmitNodeLog(nodeID, line string) {
	c.Emit(protocol.EventNodeLogUpdate, map[string]interface{}{
		"node_id": nodeID,
		"log":     map[string]string{"log": line, "log_type": protocol.LogTypeNode},
	})
}

// EmitServerLog sends a server_log_update
func (c *FakeCoordinator) EmitServerLog(line string) {
	c.Emit(protocol.EventServerLogUpdate, line)
}

// DropConnections closes every open session abruptly
func (c *FakeCoordinator) DropConnections() {
	for _, s := range c.sockets() {
		_ = s.conn.Close()
	}
}

func (c *FakeCoordinator) sockets() []*fakeSocket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*fakeSocket, 0, len(c.conns))
	for s := range c.conns {
		out = append(out, s)
	}
	return out
}

// intercept applies configured delays and failures. It reports whether the
// request was already answered.
func (c *FakeCoordinator) intercept(w http.ResponseWriter, r *http.Request, key string) bool {
	c.recorder.Record(key)
	c.mu.Lock()
	delay := c.delays[key]
	code := c.failures[key]
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return true
		case <-c.release:
			return true
		}
	}
	if code != 0 {
		http.Error(w, http.StatusText(code), code)
		return true
	}
	return false
}

func (c *FakeCoordinator) handleRegistry(w http.ResponseWriter, r *http.Request) {
	if c.intercept(w, r, "/public_keys") {
		return
	}
	c.mu.Lock()
	body := c.registryRaw
	c.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func (c *FakeCoordinator) handleBlockchain(w http.ResponseWriter, r *http.Request) {
	if c.intercept(w, r, "/blockchain") {
		return
	}
	c.mu.Lock()
	blocks := c.blocks
	c.mu.Unlock()
	if blocks == nil {
		blocks = []protocol.BlockRecord{}
	}
	writeJSON(w, http.StatusOK, blocks)
}

func (c *FakeCoordinator) handleLogs(w http.ResponseWriter, r *http.Request) {
	if c.intercept(w, r, "/logs") {
		return
	}
	c.mu.Lock()
	central := append([]string{}, c.central...)
	c.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"central_logs": central,
		"node_logs":    map[string]interface{}{},
	})
}

func (c *FakeCoordinator) handleNodeLogs(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/node_logs/")
	if c.intercept(w, r, "/node_logs/"+id) {
		return
	}
	c.mu.Lock()
	records, ok := c.nodeLogs[id]
	c.mu.Unlock()
	if !ok {
		records = []protocol.NodeLogRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (c *FakeCoordinator) handleSocket(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	reject := c.rejectWS
	c.nextSID++
	sid := fmt.Sprintf("sid-%d", c.nextSID)
	c.mu.Unlock()

	c.recorder.Record("socket")
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &fakeSocket{conn: conn}
	defer func() {
		c.mu.Lock()
		delete(c.conns, s)
		c.mu.Unlock()
		conn.Close()
	}()

	open, _ := protocol.OpenFrame(protocol.Handshake{
		SID:          sid,
		Upgrades:     []string{},
		PingInterval: 25000,
		PingTimeout:  20000,
		MaxPayload:   1000000,
	})
	if err := s.write(open); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			continue
		}
		switch {
		case frame.Kind == protocol.FrameConnect:
			ack, _ := protocol.ConnectAckFrame(sid)
			if err := s.write(ack); err != nil {
				return
			}
			c.mu.Lock()
			skip := c.skipBacklog
			c.mu.Unlock()
			// The backlog goes out before the session is visible to Emit
			if !skip {
				c.sendBacklog(s)
			}
			c.mu.Lock()
			c.conns[s] = struct{}{}
			c.mu.Unlock()
		case frame.Kind == protocol.FrameEvent && frame.Event == protocol.EventRequestLogs:
			c.recorder.Record(protocol.EventRequestLogs)
			c.sendBacklog(s)
		case frame.Kind == protocol.FramePong:
			c.recorder.Record("pong")
		}
	}
}

func (c *FakeCoordinator) sendBacklog(s *fakeSocket) {
	c.mu.Lock()
	central := append([]string{}, c.central...)
	c.mu.Unlock()
	frame, err := protocol.EncodeEvent(protocol.EventServerLogs, map[string]interface{}{"central_logs": central})
	if err != nil {
		return
	}
	_ = s.write(frame)
}

// Ping sends an Engine.IO ping to every open session
func (c *FakeCoordinator) Ping() {
	c.EmitRaw(string(protocol.PingFrame()))
}
