package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"ledgerwatch/internal/errs"
	"ledgerwatch/internal/protocol"
)

// NodeClient talks to the HTTP endpoint a node publishes in the registry.
// Callers bound each call through the context.
type NodeClient struct {
	http *http.Client
}

// NewNodeClient creates a node client
func NewNodeClient(httpClient *http.Client) *NodeClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &NodeClient{http: httpClient}
}

// Status calls GET /status and returns the HTTP status code
func (n *NodeClient) Status(ctx context.Context, address *url.URL) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint(address, "/status"), nil)
	if err != nil {
		return 0, errs.New(errs.KindValidation, "probe", "building request", err)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return 0, errs.Classify("probe", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))

	return resp.StatusCode, nil
}

// Propose calls POST /propose_block. A non-2xx answer is not an error; the
// status code and decoded body are returned for the caller to interpret.
func (n *NodeClient) Propose(ctx context.Context, address *url.URL, proposal protocol.ProposeRequest) (int, protocol.ProposeResponse, error) {
	payload, err := json.Marshal(proposal)
	if err != nil {
		return 0, protocol.ProposeResponse{}, errs.New(errs.KindValidation, "submit", "encoding proposal", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(address, "/propose_block"), bytes.NewReader(payload))
	if err != nil {
		return 0, protocol.ProposeResponse{}, errs.New(errs.KindValidation, "submit", "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return 0, protocol.ProposeResponse{}, errs.Classify("submit", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, protocol.ProposeResponse{}, errs.Classify("submit", err)
	}
	return resp.StatusCode, protocol.DecodeProposeResponse(body), nil
}

func endpoint(address *url.URL, path string) string {
	u := *address
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	return u.String()
}
