// Package cluster owns the reconciled view of the cluster: the node registry,
// node health, per-origin log buffers, the ledger and the live channel that
// feeds them.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ledgerwatch/internal/config"
	"ledgerwatch/internal/health"
	"ledgerwatch/internal/ledger"
	"ledgerwatch/internal/live"
	"ledgerwatch/internal/logging"
	"ledgerwatch/internal/logs"
	"ledgerwatch/internal/protocol"
	"ledgerwatch/internal/registry"
	"ledgerwatch/internal/schedule"
)

// Sources whose last error is tracked
const (
	SourceRegistry = "registry"
	SourceHistory  = "history"
	SourceLedger   = "ledger"
	SourceLive     = "live"
)

// ErrDiscarded is returned when a result arrives after the state was reset
// or stopped while the operation ran
var ErrDiscarded = errors.New("result discarded: cluster state was reset")

// Coordinator is everything the state needs from the coordinating server
type Coordinator interface {
	registry.Fetcher
	ledger.Fetcher
	logs.HistoryFetcher
	SocketURL() string
}

// NodeAPI talks to individual nodes
type NodeAPI interface {
	health.StatusChecker
	ledger.Proposer
}

// Deps are the collaborators of State. Clock, Registerer and Logger are
// optional.
type Deps struct {
	Coordinator Coordinator
	Nodes       NodeAPI
	Clock       schedule.Clock
	Registerer  prometheus.Registerer
	Logger      *logrus.Entry
}

// UpdateKind identifies what an Update describes
type UpdateKind int

const (
	// UpdateLogLine is one live line appended to a buffer
	UpdateLogLine UpdateKind = iota + 1
	// UpdateSnapshot is a buffer replaced by a history or backlog snapshot
	UpdateSnapshot
	// UpdateNodes is a new registry snapshot
	UpdateNodes
	// UpdateHealth is one probe result
	UpdateHealth
	// UpdateLedger is a new ledger
	UpdateLedger
	// UpdateChannel is a live channel status change
	UpdateChannel
	// UpdateReset is a full operator reset
	UpdateReset
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateLogLine:
		return "log_line"
	case UpdateSnapshot:
		return "snapshot"
	case UpdateNodes:
		return "nodes"
	case UpdateHealth:
		return "health"
	case UpdateLedger:
		return "ledger"
	case UpdateChannel:
		return "channel"
	case UpdateReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Update describes one change applied to the state
type Update struct {
	Kind    UpdateKind
	Origin  logs.Origin
	Entries []logs.Entry
	NodeID  string
	Health  health.Status
	Nodes   []registry.Node
	Blocks  []ledger.Block
	Channel live.Status
}

// Listener receives updates on the apply path, in apply order. It must not
// block and must not call Start, Stop or Reset.
type Listener func(Update)

// Subscription is a registered Listener
type Subscription struct {
	id    uint64
	state *State
}

// Cancel stops delivery to the listener
func (s *Subscription) Cancel() {
	s.state.subMu.Lock()
	defer s.state.subMu.Unlock()
	delete(s.state.listeners, s.id)
}

// State is the single owned aggregate of the observer. Network I/O of every
// producer runs concurrently; results are applied under one mutex.
type State struct {
	cfg    *config.Config
	coord  Coordinator
	clock  schedule.Clock
	logger *logrus.Entry

	registry  *registry.Registry
	source    *registry.Source
	prober    *health.Prober
	history   *logs.HistorySource
	logs      *logs.Aggregator
	ledger    *ledger.View
	submitter *ledger.Submitter
	metrics   *Metrics

	// mu serializes the apply path
	mu    sync.Mutex
	epoch uint64

	// viewMu guards the maps read by callers
	viewMu  sync.RWMutex
	health  map[string]health.Status
	errors  map[string]error
	channel *live.Channel
	chanSub *live.Subscription

	subMu     sync.Mutex
	listeners map[uint64]Listener
	nextSub   uint64

	// resetMu keeps one Reset in flight so only one live channel exists
	resetMu sync.Mutex

	lifeMu  sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	loops   []*schedule.Handle
	started bool
	stopped bool
}

// New creates a stopped state. Metrics are registered on deps.Registerer.
func New(cfg *config.Config, deps Deps) (*State, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if deps.Coordinator == nil {
		return nil, errors.New("cluster: coordinator client is required")
	}
	if deps.Nodes == nil {
		return nil, errors.New("cluster: node client is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = schedule.RealClock()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	metrics, err := NewMetrics(deps.Registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	reg := registry.New()
	return &State{
		cfg:       cfg,
		coord:     deps.Coordinator,
		clock:     clock,
		logger:    logger,
		registry:  reg,
		source:    registry.NewSource(deps.Coordinator),
		prober:    health.NewProber(deps.Nodes, cfg.ProbeTimeout, cfg.ProbeConcurrency, logger.WithField("prefix", "health")),
		history:   logs.NewHistorySource(deps.Coordinator, cfg.FetchNodeLogs, logger.WithField("prefix", "history")),
		logs:      logs.NewAggregator(cfg.LogBufferLimit),
		ledger:    ledger.NewView(deps.Coordinator),
		submitter: ledger.NewSubmitter(reg, deps.Nodes, cfg.RequestTimeout, logger.WithField("prefix", "proposal")),
		metrics:   metrics,
		health:    make(map[string]health.Status),
		errors:    make(map[string]error),
		listeners: make(map[uint64]Listener),
	}, nil
}

// Start opens the live channel, performs the initial load and starts the
// registry and probe loops. Failures of the initial load are recorded in
// Errors rather than returned.
func (s *State) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.stopped {
		s.lifeMu.Unlock()
		return errors.New("cluster state is stopped")
	}
	if s.started {
		s.lifeMu.Unlock()
		return errors.New("cluster state already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.lifeMu.Unlock()

	s.logger.WithField("coordinator", s.cfg.CoordinatorURL).Info("Starting cluster observer")

	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()
	s.startChannel(runCtx, epoch)
	s.load(runCtx)

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.stopped {
		return nil
	}
	s.loops = append(s.loops,
		schedule.Every(runCtx, s.clock, s.cfg.RegistryInterval, 0, func(ctx context.Context) {
			_ = s.RefreshRegistry(ctx)
		}),
		schedule.Every(runCtx, s.clock, s.cfg.ProbeInterval, s.cfg.ProbeJitter, func(ctx context.Context) {
			s.RefreshHealth(ctx)
		}),
	)
	return nil
}

// Stop closes the live channel, stops the loops and unregisters metrics.
// Results of operations still in flight are discarded.
func (s *State) Stop() {
	s.lifeMu.Lock()
	if s.stopped {
		s.lifeMu.Unlock()
		return
	}
	s.stopped = true
	if !s.started {
		s.lifeMu.Unlock()
		s.metrics.Close()
		return
	}
	cancel := s.cancel
	loops := s.loops
	s.loops = nil
	s.lifeMu.Unlock()

	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()

	cancel()
	s.closeChannel()
	for _, h := range loops {
		h.Stop()
	}
	s.metrics.Close()
	s.logger.Info("Cluster observer stopped")
}

// Reset performs a full operator refresh: buffers and health are cleared, the
// live channel is restarted and everything is fetched again. The last good
// registry and ledger stay visible until replaced.
func (s *State) Reset(ctx context.Context) error {
	s.resetMu.Lock()
	defer s.resetMu.Unlock()

	s.lifeMu.Lock()
	if !s.started || s.stopped {
		s.lifeMu.Unlock()
		return errors.New("cluster state is not running")
	}
	runCtx := s.ctx
	s.lifeMu.Unlock()

	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.logs.Reset()
	s.viewMu.Lock()
	s.health = make(map[string]health.Status)
	s.errors = make(map[string]error)
	s.viewMu.Unlock()
	s.metrics.RunningNodes.Set(0)
	s.notify(Update{Kind: UpdateReset})
	s.mu.Unlock()

	s.logger.Info("Resetting cluster view")

	// The old channel's handler may be waiting on mu, so it is closed
	// outside the apply path.
	s.closeChannel()
	s.startChannel(runCtx, epoch)

	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-runCtx.Done():
			cancel()
		case <-loadCtx.Done():
		}
	}()
	s.load(loadCtx)
	return nil
}

// load fetches the registry first so history and probes see the new node
// set, then everything else concurrently
func (s *State) load(ctx context.Context) {
	logger := s.logger.WithField("round", uuid.NewString())

	if _, err := s.refreshRegistry(ctx, logger); err != nil && !errors.Is(err, ErrDiscarded) {
		logger.WithError(err).Warn("Registry fetch failed")
	}

	var g errgroup.Group
	g.Go(func() error {
		s.refreshHealth(ctx, logger)
		return nil
	})
	g.Go(func() error {
		_ = s.refreshHistory(ctx, logger)
		return nil
	})
	g.Go(func() error {
		_, _ = s.RefreshLedger(ctx)
		return nil
	})
	_ = g.Wait()
}

// RefreshRegistry fetches the registry. On failure nodes, health and buffers
// are left untouched. When the node set changed a probe round and a history
// fetch follow.
func (s *State) RefreshRegistry(ctx context.Context) error {
	logger := s.logger.WithField("round", uuid.NewString())
	changed, err := s.refreshRegistry(ctx, logger)
	if err != nil {
		if !errors.Is(err, ErrDiscarded) {
			logger.WithError(err).Warn("Registry fetch failed")
		}
		return err
	}
	if !changed {
		return nil
	}

	logger.Debug("Node set changed, probing and fetching history")
	var g errgroup.Group
	g.Go(func() error {
		s.refreshHealth(ctx, logger)
		return nil
	})
	g.Go(func() error {
		_ = s.refreshHistory(ctx, logger)
		return nil
	})
	_ = g.Wait()
	return nil
}

func (s *State) refreshRegistry(ctx context.Context, logger *logrus.Entry) (bool, error) {
	epoch := s.currentEpoch()
	nodes, err := s.source.Fetch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return false, ErrDiscarded
	}
	if err != nil {
		s.recordError(SourceRegistry, err)
		return false, err
	}

	changed := s.registry.Replace(nodes, s.clock.Now())
	s.recordError(SourceRegistry, nil)

	ids := s.registry.IDs()
	pruned := s.logs.Retain(ids)
	s.viewMu.Lock()
	keep := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}
	for id := range s.health {
		if _, ok := keep[id]; !ok {
			delete(s.health, id)
		}
	}
	running := s.countRunning()
	s.viewMu.Unlock()

	s.metrics.KnownNodes.Set(float64(len(ids)))
	s.metrics.RunningNodes.Set(float64(running))
	if len(pruned) > 0 {
		logger.WithField("origins", len(pruned)).Debug("Dropped buffers of departed nodes")
	}
	if changed {
		logger.WithField("nodes", len(ids)).Info("Registry updated")
		s.notify(Update{Kind: UpdateNodes, Nodes: s.registry.Nodes()})
	}
	return changed, nil
}

// RefreshHealth probes every known node and returns the resulting health
// view. Each result is applied as soon as its probe completes.
func (s *State) RefreshHealth(ctx context.Context) map[string]health.Status {
	s.refreshHealth(ctx, s.logger.WithField("round", uuid.NewString()))
	return s.Health()
}

func (s *State) refreshHealth(ctx context.Context, logger *logrus.Entry) {
	epoch := s.currentEpoch()
	nodes := s.registry.Nodes()
	if len(nodes) == 0 {
		return
	}

	start := time.Now()
	s.prober.ProbeEach(ctx, nodes, func(r health.Result) {
		s.applyHealth(epoch, r)
	})
	logger.WithFields(logrus.Fields{
		"nodes":    len(nodes),
		"duration": time.Since(start),
	}).Debug("Probe round finished")
}

func (s *State) applyHealth(epoch uint64, r health.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return
	}
	// The node may have left the registry while the probe ran
	if _, ok := s.registry.Lookup(r.NodeID); !ok {
		return
	}

	s.viewMu.Lock()
	s.health[r.NodeID] = r.Status
	running := s.countRunning()
	s.viewMu.Unlock()

	s.metrics.ProbeDuration.Observe(r.Duration.Seconds())
	s.metrics.RunningNodes.Set(float64(running))
	s.notify(Update{Kind: UpdateHealth, NodeID: r.NodeID, Health: r.Status})
}

// RefreshHistory fetches coordinator and node history and applies every part
// that arrived. The returned error joins the failed sub-fetches.
func (s *State) RefreshHistory(ctx context.Context) error {
	return s.refreshHistory(ctx, s.logger.WithField("round", uuid.NewString()))
}

func (s *State) refreshHistory(ctx context.Context, logger *logrus.Entry) error {
	epoch := s.currentEpoch()
	var ids []string
	if s.history.FetchesNodes() {
		ids = s.registry.IDs()
	}
	h := s.history.Fetch(ctx, ids)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return ErrDiscarded
	}

	if h.CoordinatorErr == nil {
		s.applySnapshot(logs.Coordinator(), h.Coordinator)
	}
	for _, id := range sortedKeys(h.PerNode) {
		if _, ok := s.registry.Lookup(id); !ok {
			continue
		}
		s.applySnapshot(logs.Node(id), h.PerNode[id])
	}

	var failures []error
	if h.CoordinatorErr != nil {
		failures = append(failures, fmt.Errorf("coordinator logs: %w", h.CoordinatorErr))
	}
	for _, id := range sortedKeys(h.NodeErrs) {
		failures = append(failures, fmt.Errorf("logs of node %s: %w", id, h.NodeErrs[id]))
	}
	err := errors.Join(failures...)
	s.recordError(SourceHistory, err)
	if err != nil {
		logger.WithError(err).Warn("Log history partially unavailable")
	}
	return err
}

// RefreshLedger fetches the ledger. On failure the previous blocks are kept
// and returned together with the error.
func (s *State) RefreshLedger(ctx context.Context) ([]ledger.Block, error) {
	epoch := s.currentEpoch()
	blocks, err := s.ledger.Fetch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return s.ledger.Blocks(), ErrDiscarded
	}
	if err != nil {
		s.ledger.SetError(err)
		s.recordError(SourceLedger, err)
		s.logger.WithError(err).Warn("Ledger fetch failed")
		return s.ledger.Blocks(), err
	}

	s.ledger.Apply(blocks, s.clock.Now())
	s.recordError(SourceLedger, nil)
	s.metrics.LedgerLength.Set(float64(len(blocks)))
	s.notify(Update{Kind: UpdateLedger, Blocks: blocks})
	return blocks, nil
}

// Submit relays a proposal to the target node
func (s *State) Submit(ctx context.Context, req ledger.Request) ledger.Result {
	return s.submitter.Submit(ctx, req)
}

// RequestBacklog asks the coordinator to resend its log backlog over the
// live channel
func (s *State) RequestBacklog() error {
	s.viewMu.RLock()
	ch := s.channel
	s.viewMu.RUnlock()
	if ch == nil {
		return errors.New("live channel is not running")
	}
	return ch.RequestBacklog()
}

// Nodes returns the current registry snapshot sorted by id
func (s *State) Nodes() []registry.Node {
	return s.registry.Nodes()
}

// Node returns one node of the current snapshot
func (s *State) Node(id string) (registry.Node, bool) {
	return s.registry.Lookup(id)
}

// Health returns the status of every known node. Nodes without a completed
// probe are Unknown.
func (s *State) Health() map[string]health.Status {
	nodes := s.registry.Nodes()
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	out := make(map[string]health.Status, len(nodes))
	for _, n := range nodes {
		out[n.ID] = s.health[n.ID]
	}
	return out
}

// Buffer returns the log buffer of origin. It never blocks.
func (s *State) Buffer(origin logs.Origin) []logs.Entry {
	return s.logs.Buffer(origin)
}

// Origins returns every origin that has a buffer
func (s *State) Origins() []logs.Origin {
	return s.logs.Origins()
}

// Blocks returns the last good ledger
func (s *State) Blocks() []ledger.Block {
	return s.ledger.Blocks()
}

// ChannelStatus returns the live channel status
func (s *State) ChannelStatus() live.Status {
	s.viewMu.RLock()
	ch := s.channel
	s.viewMu.RUnlock()
	if ch == nil {
		return live.Status{State: live.Disconnected}
	}
	return ch.Status()
}

// Errors returns the last error of every source that is currently failing
func (s *State) Errors() map[string]error {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	out := make(map[string]error, len(s.errors))
	for k, v := range s.errors {
		out[k] = v
	}
	return out
}

// UpdatedAt reports when the registry and the ledger were last replaced.
// A zero time means no successful fetch yet.
func (s *State) UpdatedAt() (registryAt, ledgerAt time.Time) {
	return s.registry.UpdatedAt(), s.ledger.UpdatedAt()
}

// Subscribe registers fn for every subsequent update
func (s *State) Subscribe(fn Listener) *Subscription {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	s.listeners[s.nextSub] = fn
	return &Subscription{id: s.nextSub, state: s}
}

func (s *State) startChannel(ctx context.Context, epoch uint64) {
	ch := live.New(live.Options{
		URL:         s.coord.SocketURL(),
		DialTimeout: s.cfg.DialTimeout,
		Policy: live.Policy{
			Attempts: s.cfg.Reconnect.Attempts,
			Delay:    s.cfg.Reconnect.Delay,
			Backoff:  s.cfg.Reconnect.Backoff,
			MaxDelay: s.cfg.Reconnect.MaxDelay,
		},
		Clock:  s.clock,
		Logger: s.logger.WithField("prefix", "live"),
	})
	sub := ch.Subscribe(func(ev live.Event) {
		s.applyLive(epoch, ev)
	})

	// A channel built after Stop is closed at once; any channel it
	// replaces is closed so that exactly one stays open.
	s.lifeMu.Lock()
	if s.stopped {
		s.lifeMu.Unlock()
		sub.Cancel()
		_ = ch.Close()
		return
	}
	s.viewMu.Lock()
	prev, prevSub := s.channel, s.chanSub
	s.channel = ch
	s.chanSub = sub
	s.viewMu.Unlock()
	s.lifeMu.Unlock()

	if prevSub != nil {
		prevSub.Cancel()
	}
	if prev != nil {
		_ = prev.Close()
	}

	if err := ch.Start(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to start live channel")
	}
}

func (s *State) closeChannel() {
	s.viewMu.Lock()
	ch, sub := s.channel, s.chanSub
	s.channel, s.chanSub = nil, nil
	s.viewMu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if ch != nil {
		_ = ch.Close()
	}
}

// applyLive runs on the channel's read goroutine
func (s *State) applyLive(epoch uint64, ev live.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if epoch != s.epoch {
		return
	}

	switch ev.Kind {
	case live.EventBacklog:
		s.applySnapshot(logs.Coordinator(), logs.CoordinatorEntries(ev.Lines))

	case live.EventServerLine:
		s.appendLive(logs.Entry{
			Text:       ev.Text,
			Origin:     logs.Coordinator(),
			SourceKind: logs.SourceServer,
		})

	case live.EventNodeLine:
		if ev.SourceKind != protocol.LogTypeNode {
			s.logger.WithFields(logrus.Fields{
				"node":     ev.NodeID,
				"log_type": ev.SourceKind,
			}).Debug("Ignoring non-node line in node stream")
			return
		}
		// Lines of ids not yet in the registry are kept until the next
		// registry refresh prunes them.
		s.appendLive(logs.Entry{
			Text:       ev.Text,
			Origin:     logs.Node(ev.NodeID),
			SourceKind: logs.SourceNode,
		})

	case live.EventStatus:
		s.applyChannelStatus(ev.Status)
	}
}

func (s *State) applyChannelStatus(st live.Status) {
	s.metrics.ChannelState.Set(float64(st.State))
	switch {
	case st.Exhausted:
		s.metrics.ChannelExhaustions.Inc()
		s.recordError(SourceLive, st.Err)
		s.logger.WithError(st.Err).Error("Live channel gave up reconnecting")
	case st.State == live.Connecting && st.Attempt > 0:
		s.metrics.ReconnectAttempts.Inc()
	case st.State == live.Connected:
		s.recordError(SourceLive, nil)
	}
	s.notify(Update{Kind: UpdateChannel, Channel: st})
}

// applySnapshot and appendLive must be called with mu held
func (s *State) applySnapshot(origin logs.Origin, entries []logs.Entry) {
	s.logs.ApplySnapshot(origin, entries)
	s.metrics.SnapshotsApplied.WithLabelValues(originLabel(origin.IsCoordinator())).Inc()
	s.notify(Update{Kind: UpdateSnapshot, Origin: origin, Entries: s.logs.Buffer(origin)})
}

func (s *State) appendLive(entry logs.Entry) {
	s.logs.AppendLive(entry.Origin, entry)
	s.metrics.LogLines.WithLabelValues(originLabel(entry.Origin.IsCoordinator())).Inc()
	s.notify(Update{Kind: UpdateLogLine, Origin: entry.Origin, Entries: []logs.Entry{entry}})
}

// recordError must be called with mu held. A nil err clears the source.
func (s *State) recordError(source string, err error) {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	if err == nil {
		delete(s.errors, source)
		return
	}
	s.errors[source] = err
	s.metrics.RefreshFailures.WithLabelValues(source).Inc()
}

// countRunning must be called with viewMu held
func (s *State) countRunning() int {
	running := 0
	for _, st := range s.health {
		if st == health.Running {
			running++
		}
	}
	return running
}

func (s *State) notify(u Update) {
	s.subMu.Lock()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		s.deliver(fn, u)
	}
}

func (s *State) deliver(fn Listener, u Update) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithField("panic", r).Error("Update listener panicked")
		}
	}()
	fn(u)
}

func (s *State) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return registry.LessID(keys[i], keys[j]) })
	return keys
}
