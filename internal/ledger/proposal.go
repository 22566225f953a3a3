package ledger

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ledgerwatch/internal/errs"
	"ledgerwatch/internal/logging"
	"ledgerwatch/internal/protocol"
	"ledgerwatch/internal/registry"
)

// GenericFailureReason is reported when the node gave no explanation
const GenericFailureReason = "failed to propose block: node could not be reached"

// Request asks one node to propose a ledger entry
type Request struct {
	TargetNodeID string
	Data         string
}

// Result is the outcome of a proposal. Err carries the classified failure
// when OK is false.
type Result struct {
	OK      bool
	Message string
	Reason  string
	Err     error
}

// Resolver finds a node in the current registry snapshot
type Resolver interface {
	Lookup(id string) (registry.Node, bool)
}

// Proposer sends the proposal to a node
type Proposer interface {
	Propose(ctx context.Context, address *url.URL, proposal protocol.ProposeRequest) (int, protocol.ProposeResponse, error)
}

// Submitter relays proposals to nodes. It never judges proposal validity.
type Submitter struct {
	resolver Resolver
	proposer Proposer
	timeout  time.Duration
	logger   *logrus.Entry
}

// NewSubmitter creates a submitter bounding each proposal by timeout
func NewSubmitter(resolver Resolver, proposer Proposer, timeout time.Duration, logger *logrus.Entry) *Submitter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Submitter{
		resolver: resolver,
		proposer: proposer,
		timeout:  timeout,
		logger:   logger,
	}
}

// Submit validates the request, resolves the target node and relays the
// proposal. Validation and lookup failures never reach the network.
func (s *Submitter) Submit(ctx context.Context, req Request) Result {
	if strings.TrimSpace(req.TargetNodeID) == "" {
		return failure(errs.Validation("submit", "node id is required"))
	}
	if req.Data == "" {
		return failure(errs.Validation("submit", "block data is required"))
	}

	node, ok := s.resolver.Lookup(req.TargetNodeID)
	if !ok {
		return failure(errs.NotFound("submit", req.TargetNodeID))
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	log := s.logger.WithField("node", node.ID)
	code, resp, err := s.proposer.Propose(ctx, node.Address, protocol.ProposeRequest{
		NodeID:    node.ID,
		BlockData: req.Data,
	})
	if err != nil {
		log.WithError(err).Warn("Proposal could not be delivered")
		return Result{
			Reason: GenericFailureReason,
			Err:    errs.Classify("submit", err),
		}
	}

	if code < 200 || code > 299 {
		reason := resp.Message
		if reason == "" {
			reason = GenericFailureReason
		}
		log.WithFields(logrus.Fields{"code": code, "reason": reason}).Info("Proposal rejected")
		return Result{
			Reason: reason,
			Err:    errs.RemoteRejected("submit", fmt.Sprintf("node %s answered %d: %s", node.ID, code, reason)),
		}
	}

	log.WithField("message", resp.Message).Info("Proposal accepted")
	return Result{OK: true, Message: resp.Message}
}

func failure(err *errs.Error) Result {
	return Result{Reason: err.Message, Err: err}
}
