package testutil

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"ledgerwatch/internal/protocol"
)

// FakeNode serves the HTTP endpoints of one cluster node
type FakeNode struct {
	*TestHTTPServer

	mu             sync.Mutex
	statusCode     int
	hang           bool
	proposeStatus  int
	proposeMessage string
	proposals      []protocol.ProposeRequest
	recorder       *MockRecorder
	release        chan struct{}
}

// NewFakeNode starts a node answering 200 to status checks and accepting
// every proposal
func NewFakeNode(t *testing.T) *FakeNode {
	n := &FakeNode{
		statusCode:     http.StatusOK,
		proposeStatus:  http.StatusOK,
		proposeMessage: "Block committed",
		recorder:       NewMockRecorder(t),
		release:        make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", n.handleStatus)
	mux.HandleFunc("/propose_block", n.handlePropose)
	n.TestHTTPServer = NewTestHTTPServer(t, mux)
	t.Cleanup(func() { close(n.release) })
	return n
}

// SetStatus sets the code returned by GET /status
func (n *FakeNode) SetStatus(code int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statusCode = code
}

// Hang makes GET /status block until the caller gives up
func (n *FakeNode) Hang(hang bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hang = hang
}

// SetProposeResponse sets the answer to POST /propose_block
func (n *FakeNode) SetProposeResponse(code int, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.proposeStatus = code
	n.proposeMessage = message
}

// Proposals returns every proposal received
func (n *FakeNode) Proposals() []protocol.ProposeRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]protocol.ProposeRequest(nil), n.proposals...)
}

// Recorder counts requests by path
func (n *FakeNode) Recorder() *MockRecorder {
	return n.recorder
}

func (n *FakeNode) handleStatus(w http.ResponseWriter, r *http.Request) {
	n.recorder.Record(r.URL.Path)
	n.mu.Lock()
	code, hang := n.statusCode, n.hang
	n.mu.Unlock()

	if hang {
		select {
		case <-r.Context().Done():
		case <-n.release:
		}
		return
	}
	writeJSON(w, code, map[string]string{"Status:": "Running"})
}

func (n *FakeNode) handlePropose(w http.ResponseWriter, r *http.Request) {
	n.recorder.Record(r.URL.Path)
	var req protocol.ProposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.ProposeResponse{Status: "failed", Message: "Block data is missing."})
		return
	}

	n.mu.Lock()
	n.proposals = append(n.proposals, req)
	code, message := n.proposeStatus, n.proposeMessage
	n.mu.Unlock()

	resp := protocol.ProposeResponse{Message: message}
	if code < 200 || code > 299 {
		resp.Status = "failed"
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
