// Package client talks HTTP to the coordinator and to individual nodes.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ledgerwatch/internal/errs"
	"ledgerwatch/internal/protocol"
)

// maxBodySize bounds every response body read from the cluster
const maxBodySize = 8 << 20

// Coordinator is the HTTP client for the coordinating server
type Coordinator struct {
	base    *url.URL
	http    *http.Client
	timeout time.Duration
}

// NewCoordinator creates a client for the coordinator at baseURL. Every
// request is bounded by timeout on top of the caller's context.
func NewCoordinator(baseURL string, timeout time.Duration, httpClient *http.Client) (*Coordinator, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing coordinator URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("coordinator URL must be http or https, got %q", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Coordinator{
		base:    base,
		http:    httpClient,
		timeout: timeout,
	}, nil
}

// SocketURL returns the Socket.IO websocket endpoint of the coordinator
func (c *Coordinator) SocketURL() string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	u.RawQuery = "EIO=4&transport=websocket"
	return u.String()
}

// PublicKeys fetches the node registry
func (c *Coordinator) PublicKeys(ctx context.Context) (map[string]protocol.RegistryEntry, error) {
	body, err := c.get(ctx, "registry", "/public_keys")
	if err != nil {
		return nil, err
	}
	entries, err := protocol.DecodeRegistry(body)
	if err != nil {
		return nil, errs.New(errs.KindValidation, "registry", "malformed registry", err)
	}
	return entries, nil
}

// Blockchain fetches the committed ledger
func (c *Coordinator) Blockchain(ctx context.Context) ([]protocol.BlockRecord, error) {
	body, err := c.get(ctx, "ledger", "/blockchain")
	if err != nil {
		return nil, err
	}
	blocks, err := protocol.DecodeBlocks(body)
	if err != nil {
		return nil, errs.New(errs.KindValidation, "ledger", "malformed blockchain", err)
	}
	return blocks, nil
}

// CentralLogs fetches the coordinator's own log history
func (c *Coordinator) CentralLogs(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "history", "/logs")
	if err != nil {
		return nil, err
	}
	lines, err := protocol.DecodeCentralLogs(body)
	if err != nil {
		return nil, errs.New(errs.KindValidation, "history", "malformed logs", err)
	}
	return lines, nil
}

// NodeLogs fetches the log history recorded for one node
func (c *Coordinator) NodeLogs(ctx context.Context, nodeID string) ([]protocol.NodeLogRecord, error) {
	op := "history " + nodeID
	body, err := c.get(ctx, op, "/node_logs/"+url.PathEscape(nodeID))
	if err != nil {
		return nil, err
	}
	records, err := protocol.DecodeNodeLogs(body)
	if err != nil {
		return nil, errs.New(errs.KindValidation, op, "malformed node logs", err)
	}
	return records, nil
}

func (c *Coordinator) get(ctx context.Context, op, path string) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errs.New(errs.KindValidation, op, "building request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Classify(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, errs.Classify(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errs.RemoteRejected(op, fmt.Sprintf("coordinator returned status %d", resp.StatusCode))
	}
	return body, nil
}
