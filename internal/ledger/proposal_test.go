package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerwatch/internal/client"
	"ledgerwatch/internal/errs"
	"ledgerwatch/internal/protocol"
	"ledgerwatch/internal/registry"
	"ledgerwatch/internal/test/testutil"
)

type staticResolver map[string]registry.Node

func (r staticResolver) Lookup(id string) (registry.Node, bool) {
	n, ok := r[id]
	return n, ok
}

type recordingProposer struct {
	recorder *testutil.MockRecorder
}

func (p *recordingProposer) Propose(ctx context.Context, address *url.URL, proposal protocol.ProposeRequest) (int, protocol.ProposeResponse, error) {
	p.recorder.Record("Propose", address.String(), proposal.BlockData)
	return http.StatusOK, protocol.ProposeResponse{Message: "ok"}, nil
}

func nodeAt(t *testing.T, id, addr string) registry.Node {
	u, err := url.Parse(addr)
	require.NoError(t, err)
	return registry.Node{ID: id, Address: u}
}

func TestSubmitValidatesBeforeNetwork(t *testing.T) {
	recorder := testutil.NewMockRecorder(t)
	sub := NewSubmitter(staticResolver{"1": nodeAt(t, "1", "http://n1")}, &recordingProposer{recorder}, time.Second, nil)

	res := sub.Submit(context.Background(), Request{TargetNodeID: "", Data: "tx"})
	assert.False(t, res.OK)
	assert.True(t, errs.Is(res.Err, errs.KindValidation))

	res = sub.Submit(context.Background(), Request{TargetNodeID: "1", Data: ""})
	assert.False(t, res.OK)
	assert.True(t, errs.Is(res.Err, errs.KindValidation))

	recorder.RequireCallCount(t, "Propose", 0)
}

func TestSubmitUnknownNodeMakesNoCall(t *testing.T) {
	recorder := testutil.NewMockRecorder(t)
	sub := NewSubmitter(staticResolver{"1": nodeAt(t, "1", "http://n1")}, &recordingProposer{recorder}, time.Second, nil)

	res := sub.Submit(context.Background(), Request{TargetNodeID: "9", Data: "tx42"})
	assert.False(t, res.OK)
	assert.True(t, errs.Is(res.Err, errs.KindNotFound))
	recorder.RequireCallCount(t, "Propose", 0)

	res = sub.Submit(context.Background(), Request{TargetNodeID: "1", Data: "tx42"})
	assert.True(t, res.OK)
	recorder.RequireCall(t, "Propose", "http://n1", "tx42")
}

func TestSubmitAgainstNode(t *testing.T) {
	var status int
	var message string
	var got protocol.ProposeRequest
	node := testutil.NewTestHTTPServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/propose_block", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": message})
	}))

	sub := NewSubmitter(staticResolver{"1": nodeAt(t, "1", node.URL())}, client.NewNodeClient(node.Client()), time.Second, nil)

	status, message = http.StatusOK, "committed"
	res := sub.Submit(context.Background(), Request{TargetNodeID: "1", Data: "tx42"})
	assert.True(t, res.OK)
	assert.Equal(t, "committed", res.Message)
	assert.Equal(t, protocol.ProposeRequest{NodeID: "1", BlockData: "tx42"}, got)

	status, message = http.StatusBadRequest, "invalid"
	res = sub.Submit(context.Background(), Request{TargetNodeID: "1", Data: "tx42"})
	assert.False(t, res.OK)
	assert.Equal(t, "invalid", res.Reason)
	assert.True(t, errs.Is(res.Err, errs.KindRemoteRejected))

	status, message = http.StatusInternalServerError, ""
	res = sub.Submit(context.Background(), Request{TargetNodeID: "1", Data: "tx42"})
	assert.False(t, res.OK)
	assert.Equal(t, GenericFailureReason, res.Reason)
}

func TestSubmitUnreachableNode(t *testing.T) {
	node := testutil.NewTestHTTPServer(t, http.NotFoundHandler())
	addr := node.URL()
	node.Server.Close()

	sub := NewSubmitter(staticResolver{"1": nodeAt(t, "1", addr)}, client.NewNodeClient(nil), time.Second, nil)
	res := sub.Submit(context.Background(), Request{TargetNodeID: "1", Data: "tx"})
	assert.False(t, res.OK)
	assert.Equal(t, GenericFailureReason, res.Reason)
	assert.True(t, errs.Is(res.Err, errs.KindTransient))
}
