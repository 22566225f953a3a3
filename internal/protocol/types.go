package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Log types reported by the coordinator
const (
	LogTypeNode   = "node"
	LogTypeServer = "server"
)

// FlexString accepts either a JSON string or a JSON number. Node ids are
// sent as integers by the nodes and as strings by the coordinator.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler
func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = FlexString(n.String())
	return nil
}

// RegistryEntry is one value of the GET /public_keys object
type RegistryEntry struct {
	PublicKey string `json:"public_key"`
	PublicURL string `json:"public_url"`
}

// BlockRecord is one element of the GET /blockchain array
type BlockRecord struct {
	BlockData   string     `json:"block_data"`
	CommittedBy FlexString `json:"committed_by"`
	CommitTime  string     `json:"commit_time"`
}

// NodeLogRecord is one element of the GET /node_logs/{id} array
type NodeLogRecord struct {
	Log     string `json:"log"`
	LogType string `json:"log_type"`
}

// ProposeRequest is the body of POST /propose_block on a node
type ProposeRequest struct {
	NodeID    string `json:"node_id"`
	BlockData string `json:"block_data"`
}

// ProposeResponse is the body returned by POST /propose_block
type ProposeResponse struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message"`
}

// DecodeRegistry parses a GET /public_keys body. Every value must use the
// {public_key, public_url} shape; the legacy form that maps ids to bare key
// strings is rejected.
func DecodeRegistry(data []byte) (map[string]RegistryEntry, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding registry: %w", err)
	}

	entries := make(map[string]RegistryEntry, len(raw))
	for id, value := range raw {
		if id == "" {
			return nil, fmt.Errorf("registry contains an empty node id")
		}
		value = bytes.TrimSpace(value)
		if len(value) == 0 || value[0] != '{' {
			return nil, fmt.Errorf("registry entry %q is not an object", id)
		}
		var entry RegistryEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return nil, fmt.Errorf("decoding registry entry %q: %w", id, err)
		}
		if entry.PublicURL == "" {
			return nil, fmt.Errorf("registry entry %q has no public_url", id)
		}
		entries[id] = entry
	}
	return entries, nil
}

// DecodeBlocks parses a GET /blockchain body
func DecodeBlocks(data []byte) ([]BlockRecord, error) {
	var blocks []BlockRecord
	if err := json.Unmarshal(data, &blocks); err != nil {
		return nil, fmt.Errorf("decoding blockchain: %w", err)
	}
	if blocks == nil {
		blocks = []BlockRecord{}
	}
	return blocks, nil
}

// DecodeCentralLogs parses a GET /logs body. The central_logs key is
// mandatory.
func DecodeCentralLogs(data []byte) ([]string, error) {
	var body struct {
		CentralLogs *[]string `json:"central_logs"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decoding logs: %w", err)
	}
	if body.CentralLogs == nil {
		return nil, fmt.Errorf("logs body has no central_logs")
	}
	return *body.CentralLogs, nil
}

// DecodeNodeLogs parses a GET /node_logs/{id} body
func DecodeNodeLogs(data []byte) ([]NodeLogRecord, error) {
	var records []NodeLogRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding node logs: %w", err)
	}
	for i := range records {
		if records[i].LogType == "" {
			records[i].LogType = LogTypeNode
		}
	}
	return records, nil
}

// DecodeProposeResponse parses a node's propose_block answer. Bodies that are
// not JSON yield an empty response rather than an error so the caller can
// fall back to a generic message.
func DecodeProposeResponse(data []byte) ProposeResponse {
	var resp ProposeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return ProposeResponse{}
	}
	return resp
}
