package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"ledgerwatch/internal/errs"
	"ledgerwatch/internal/ledger"
	"ledgerwatch/internal/logs"
	"ledgerwatch/internal/protocol"
)

const maxRequestBody = 1 << 20

// NodeView is one element of GET /nodes
type NodeView struct {
	ID               string `json:"id"`
	IdentityKey      string `json:"identity_key"`
	IdentityKeyShort string `json:"identity_key_short"`
	Address          string `json:"address"`
	Status           string `json:"status"`
}

// BlockView is one element of GET /ledger
type BlockView struct {
	Data        string `json:"data"`
	CommittedBy string `json:"committed_by"`
	CommitTime  string `json:"commit_time,omitempty"`
	Raw         string `json:"raw_commit_time"`
}

// ProposeResult is the answer to POST /propose
type ProposeResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ChannelView describes the live channel in GET /status
type ChannelView struct {
	State     string    `json:"state"`
	Exhausted bool      `json:"exhausted"`
	Attempt   int       `json:"attempt"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Since     time.Time `json:"since"`
}

// StatusView is the answer to GET /status
type StatusView struct {
	Channel           ChannelView       `json:"channel"`
	Nodes             int               `json:"nodes"`
	Errors            map[string]string `json:"errors"`
	RegistryUpdatedAt *time.Time        `json:"registry_updated_at,omitempty"`
	LedgerUpdatedAt   *time.Time        `json:"ledger_updated_at,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	statuses := s.view.Health()
	nodes := s.view.Nodes()
	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, NodeView{
			ID:               n.ID,
			IdentityKey:      n.IdentityKey,
			IdentityKeyShort: n.ShortKey(),
			Address:          n.Address.String(),
			Status:           statuses[n.ID].String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, blockViews(s.view.Blocks()))
}

func (s *Server) handleLedgerRefresh(w http.ResponseWriter, r *http.Request) {
	blocks, err := s.view.RefreshLedger(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, struct {
			Error  string      `json:"error"`
			Blocks []BlockView `json:"blocks"`
		}{err.Error(), blockViews(blocks)})
		return
	}
	writeJSON(w, http.StatusOK, blockViews(blocks))
}

func (s *Server) handleCoordinatorLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, logs.Records(s.view.Buffer(logs.Coordinator())))
}

func (s *Server) handleNodeLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["nodeID"]
	entries := s.view.Buffer(logs.Node(id))
	if _, ok := s.view.Node(id); !ok && entries == nil {
		writeError(w, http.StatusNotFound, "unknown node "+id)
		return
	}
	writeJSON(w, http.StatusOK, logs.Records(entries))
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	var req protocol.ProposeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be {node_id, block_data}")
		return
	}

	result := s.view.Submit(r.Context(), ledger.Request{TargetNodeID: req.NodeID, Data: req.BlockData})
	if result.OK {
		writeJSON(w, http.StatusOK, ProposeResult{OK: true, Message: result.Message})
		return
	}

	code := http.StatusBadGateway
	switch errs.KindOf(result.Err) {
	case errs.KindValidation:
		code = http.StatusBadRequest
	case errs.KindNotFound:
		code = http.StatusNotFound
	}
	writeJSON(w, code, ProposeResult{OK: false, Reason: result.Reason})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.view.Reset(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.view.ChannelStatus()
	out := StatusView{
		Channel: ChannelView{
			State:     st.State.String(),
			Exhausted: st.Exhausted,
			Attempt:   st.Attempt,
			Message:   st.Message,
			Since:     st.Since,
		},
		Nodes:  len(s.view.Nodes()),
		Errors: make(map[string]string),
	}
	if st.Err != nil {
		out.Channel.Error = st.Err.Error()
	}
	for source, err := range s.view.Errors() {
		out.Errors[source] = err.Error()
	}
	registryAt, ledgerAt := s.view.UpdatedAt()
	if !registryAt.IsZero() {
		out.RegistryUpdatedAt = &registryAt
	}
	if !ledgerAt.IsZero() {
		out.LedgerUpdatedAt = &ledgerAt
	}
	writeJSON(w, http.StatusOK, out)
}

func blockViews(blocks []ledger.Block) []BlockView {
	out := make([]BlockView, 0, len(blocks))
	for _, b := range blocks {
		v := BlockView{
			Data:        b.Data,
			CommittedBy: b.CommittedBy,
			Raw:         b.RawCommitTime,
		}
		if b.HasCommitTime() {
			v.CommitTime = b.CommitTime.Format(time.RFC3339Nano)
		}
		out = append(out, v)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorBody{Error: message})
}
