package logs

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ledgerwatch/internal/logging"
	"ledgerwatch/internal/protocol"
)

// HistoryFetcher retrieves log history from the coordinator
type HistoryFetcher interface {
	CentralLogs(ctx context.Context) ([]string, error)
	NodeLogs(ctx context.Context, nodeID string) ([]protocol.NodeLogRecord, error)
}

// History is the outcome of one history fetch. Every sub-fetch succeeds or
// fails on its own; failures are reported alongside whatever did arrive.
type History struct {
	Coordinator    []Entry
	CoordinatorErr error
	PerNode        map[string][]Entry
	NodeErrs       map[string]error
}

// Failed reports whether any sub-fetch failed
func (h History) Failed() bool {
	return h.CoordinatorErr != nil || len(h.NodeErrs) > 0
}

// HistorySource fetches coordinator and node log history concurrently
type HistorySource struct {
	fetcher    HistoryFetcher
	fetchNodes bool
	logger     *logrus.Entry
}

// NewHistorySource creates a history source. When fetchNodes is false only
// the coordinator history is requested.
func NewHistorySource(fetcher HistoryFetcher, fetchNodes bool, logger *logrus.Entry) *HistorySource {
	if logger == nil {
		logger = logging.Discard()
	}
	return &HistorySource{
		fetcher:    fetcher,
		fetchNodes: fetchNodes,
		logger:     logger,
	}
}

// FetchesNodes reports whether per-node history is requested
func (s *HistorySource) FetchesNodes() bool {
	return s.fetchNodes
}

// Fetch retrieves the coordinator history and the history of each node in
// nodeIDs. It never returns early because one sub-fetch failed.
func (s *HistorySource) Fetch(ctx context.Context, nodeIDs []string) History {
	result := History{
		PerNode:  make(map[string][]Entry),
		NodeErrs: make(map[string]error),
	}
	var mu sync.Mutex
	var g errgroup.Group

	g.Go(func() error {
		lines, err := s.fetcher.CentralLogs(ctx)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.CoordinatorErr = err
			s.logger.WithError(err).Warn("Fetching coordinator history failed")
			return nil
		}
		result.Coordinator = CoordinatorEntries(lines)
		return nil
	})

	if s.fetchNodes {
		for _, id := range nodeIDs {
			id := id
			g.Go(func() error {
				records, err := s.fetcher.NodeLogs(ctx, id)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.NodeErrs[id] = err
					s.logger.WithError(err).WithField("node", id).Warn("Fetching node history failed")
					return nil
				}
				result.PerNode[id] = NodeEntries(id, records)
				return nil
			})
		}
	}

	_ = g.Wait()
	return result
}

// CoordinatorEntries converts coordinator lines into entries
func CoordinatorEntries(lines []string) []Entry {
	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		entries = append(entries, Entry{
			Text:       line,
			Origin:     Coordinator(),
			SourceKind: SourceServer,
		})
	}
	return entries
}

// NodeEntries converts the history records of one node into entries. Only
// records of the node kind belong to the node's buffer.
func NodeEntries(nodeID string, records []protocol.NodeLogRecord) []Entry {
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		if r.LogType != protocol.LogTypeNode {
			continue
		}
		entries = append(entries, Entry{
			Text:       r.Log,
			Origin:     Node(nodeID),
			SourceKind: SourceNode,
		})
	}
	return entries
}
