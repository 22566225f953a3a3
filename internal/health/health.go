// Package health classifies each node as running or stopped by calling its
// status endpoint.
package health

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ledgerwatch/internal/logging"
	"ledgerwatch/internal/registry"
)

// Status is the liveness of a node
type Status int

const (
	Unknown Status = iota
	Running
	Stopped
)

func (s Status) String() string {
	switch s {
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusChecker performs the status call against one node
type StatusChecker interface {
	Status(ctx context.Context, address *url.URL) (int, error)
}

// Result is the outcome of probing one node
type Result struct {
	NodeID   string
	Status   Status
	Duration time.Duration
	Err      error
}

// Prober probes nodes concurrently, each call bounded by its own timeout
type Prober struct {
	checker     StatusChecker
	timeout     time.Duration
	concurrency int
	logger      *logrus.Entry
}

// NewProber creates a prober. A concurrency of zero means unlimited.
func NewProber(checker StatusChecker, timeout time.Duration, concurrency int, logger *logrus.Entry) *Prober {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Prober{
		checker:     checker,
		timeout:     timeout,
		concurrency: concurrency,
		logger:      logger,
	}
}

// ProbeEach probes every node and calls fn as each result completes. fn may
// be called from several goroutines at once. ProbeEach returns once every
// probe has finished.
func (p *Prober) ProbeEach(ctx context.Context, nodes []registry.Node, fn func(Result)) {
	var g errgroup.Group
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}

	for _, node := range nodes {
		node := node
		g.Go(func() error {
			fn(p.probe(ctx, node))
			return nil
		})
	}
	_ = g.Wait()
}

// ProbeAll probes every node and returns the status of each. It never fails;
// any problem reaching a node marks it stopped.
func (p *Prober) ProbeAll(ctx context.Context, nodes []registry.Node) map[string]Status {
	var mu sync.Mutex
	statuses := make(map[string]Status, len(nodes))
	p.ProbeEach(ctx, nodes, func(r Result) {
		mu.Lock()
		statuses[r.NodeID] = r.Status
		mu.Unlock()
	})
	return statuses
}

func (p *Prober) probe(ctx context.Context, node registry.Node) Result {
	start := time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	code, err := p.checker.Status(probeCtx, node.Address)
	result := Result{
		NodeID:   node.ID,
		Status:   Stopped,
		Duration: time.Since(start),
		Err:      err,
	}
	if err == nil && code >= 200 && code <= 299 {
		result.Status = Running
	}

	log := p.logger.WithFields(logrus.Fields{
		"node":     node.ID,
		"status":   result.Status,
		"duration": result.Duration,
	})
	if err != nil {
		log.WithError(err).Debug("Probe failed")
	} else {
		log.WithField("code", code).Debug("Probe completed")
	}
	return result
}
