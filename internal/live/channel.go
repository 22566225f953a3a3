// Package live maintains the coordinator's Socket.IO event stream and fans
// decoded log events out to subscribers.
package live

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"ledgerwatch/internal/errs"
	"ledgerwatch/internal/logging"
	"ledgerwatch/internal/protocol"
	"ledgerwatch/internal/schedule"
)

// RetryingMessage is reported while a reconnect is pending
const RetryingMessage = "Error connecting to server. Retrying..."

const defaultDialTimeout = 5 * time.Second

// State is the connection state of the channel
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status describes the channel. Exhausted is set once the reconnect budget
// is spent; the channel then stays disconnected.
type Status struct {
	State     State
	Exhausted bool
	// Attempt counts reconnect attempts since the last successful connection
	Attempt int
	Message string
	Err     error
	Since   time.Time
}

// EventKind identifies what an Event carries
type EventKind int

const (
	// EventBacklog carries the coordinator's full log backlog
	EventBacklog EventKind = iota + 1
	// EventServerLine carries one new coordinator line
	EventServerLine
	// EventNodeLine carries one new line of a node
	EventNodeLine
	// EventStatus carries a status change
	EventStatus
)

func (k EventKind) String() string {
	switch k {
	case EventBacklog:
		return "initial_backlog"
	case EventServerLine:
		return "server_line"
	case EventNodeLine:
		return "node_line"
	case EventStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers in arrival order
type Event struct {
	Kind       EventKind
	Lines      []string
	NodeID     string
	Text       string
	SourceKind string
	Status     Status
}

// Handler receives events on the channel's read goroutine. It must not call
// Close.
type Handler func(Event)

// Policy bounds reconnection. Attempts is the number of reconnects tried
// after a failure before giving up.
type Policy struct {
	Attempts int
	Delay    time.Duration
	Backoff  float64
	MaxDelay time.Duration
}

// Options configures a Channel
type Options struct {
	URL         string
	DialTimeout time.Duration
	Policy      Policy
	Clock       schedule.Clock
	Header      http.Header
	Logger      *logrus.Entry
}

// Channel owns the live connection to the coordinator for its lifetime. It
// holds no log history.
type Channel struct {
	opts   Options
	dialer *websocket.Dialer
	clock  schedule.Clock
	logger *logrus.Entry

	mu      sync.Mutex
	status  Status
	subs    map[uint64]*Subscription
	nextSub uint64
	session *session
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Subscription is a registered handler
type Subscription struct {
	id      uint64
	handler Handler
	active  atomic.Bool
	channel *Channel
}

// Cancel stops delivery to the handler. An event already being delivered
// may still complete.
func (s *Subscription) Cancel() {
	if !s.active.Swap(false) {
		return
	}
	s.channel.mu.Lock()
	delete(s.channel.subs, s.id)
	s.channel.mu.Unlock()
}

// New creates a disconnected channel
func New(opts Options) *Channel {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.Policy.Backoff < 1 {
		opts.Policy.Backoff = 1
	}
	clock := opts.Clock
	if clock == nil {
		clock = schedule.RealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Channel{
		opts: opts,
		dialer: &websocket.Dialer{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: opts.DialTimeout,
			NetDialContext: (&net.Dialer{
				Timeout: opts.DialTimeout,
			}).DialContext,
		},
		clock:  clock,
		logger: logger,
		status: Status{State: Disconnected, Since: clock.Now()},
		subs:   make(map[uint64]*Subscription),
		done:   make(chan struct{}),
	}
}

// Subscribe registers a handler for every subsequent event
func (c *Channel) Subscribe(h Handler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	sub := &Subscription{id: c.nextSub, handler: h, channel: c}
	sub.active.Store(true)
	c.subs[sub.id] = sub
	return sub
}

// Start connects in the background and keeps reconnecting within the policy
// until ctx is cancelled, Close is called or the budget is spent.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("live channel is closed")
	}
	if c.started {
		return errors.New("live channel already started")
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
	return nil
}

// Close cancels any pending reconnect, closes the connection and waits for
// the read loop to exit. No event is delivered after Close returns.
func (c *Channel) Close() error {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	started, cancel := c.started, c.cancel
	c.mu.Unlock()

	if !started {
		if !wasClosed {
			close(c.done)
		}
		return nil
	}
	cancel()
	<-c.done
	return nil
}

// Done is closed when the channel has stopped for good
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Status returns the current status
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// RequestBacklog asks the coordinator to resend its full log backlog
func (c *Channel) RequestBacklog() error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return errs.Transient("live", errors.New("not connected"))
	}

	frame, err := protocol.EncodeEvent(protocol.EventRequestLogs)
	if err != nil {
		return err
	}
	if err := sess.enqueue(frame); err != nil {
		return errs.Transient("live", err)
	}
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	policy := c.opts.Policy
	attempt := 0
	for {
		connecting := Status{State: Connecting, Attempt: attempt}
		if attempt > 0 {
			connecting.Message = RetryingMessage
		}
		c.setStatus(connecting)

		err := c.connectAndServe(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			c.setStatus(Status{State: Disconnected})
			return
		}

		if attempt >= policy.Attempts {
			exhausted := errs.ChannelExhausted(attempt, err)
			c.logger.WithError(err).WithField("attempts", attempt).Error("Live channel gave up reconnecting")
			c.setStatus(Status{
				State:     Disconnected,
				Exhausted: true,
				Attempt:   attempt,
				Message:   exhausted.Error(),
				Err:       exhausted,
			})
			return
		}

		attempt++
		delay := schedule.Backoff(policy.Delay, policy.Backoff, policy.MaxDelay, attempt)
		c.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("Live channel disconnected, retrying")
		c.setStatus(Status{
			State:   Disconnected,
			Attempt: attempt,
			Message: RetryingMessage,
			Err:     err,
		})

		select {
		case <-ctx.Done():
			c.setStatus(Status{State: Disconnected})
			return
		case <-c.clock.After(delay):
		}
	}
}

func (c *Channel) connectAndServe(ctx context.Context, onConnected func()) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, resp, err := c.dialer.DialContext(dialCtx, c.opts.URL, c.opts.Header)
	cancel()
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return errs.Classify("live", err)
	}

	sess := newSession(conn, c.logger)
	defer sess.close()

	hs, err := sess.handshake(ctx, c.opts.DialTimeout)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
	}()

	onConnected()
	c.logger.WithField("sid", hs.SID).Info("Live channel connected")
	c.setStatus(Status{State: Connected})

	return sess.readPump(ctx, hs.PingDeadline(), c.handleFrame)
}

func (c *Channel) handleFrame(frame protocol.Frame) {
	log := c.logger.WithField("event", frame.Event)
	switch frame.Event {
	case protocol.EventServerLogs:
		lines, err := protocol.DecodeBacklog(frame.Data)
		if err != nil {
			log.WithError(err).Warn("Skipping malformed event")
			return
		}
		c.dispatch(Event{Kind: EventBacklog, Lines: lines, SourceKind: protocol.LogTypeServer})
	case protocol.EventServerLogUpdate:
		line, err := protocol.DecodeServerLog(frame.Data)
		if err != nil {
			log.WithError(err).Warn("Skipping malformed event")
			return
		}
		c.dispatch(Event{Kind: EventServerLine, Text: line, SourceKind: protocol.LogTypeServer})
	case protocol.EventNodeLogUpdate:
		update, err := protocol.DecodeNodeLog(frame.Data)
		if err != nil {
			log.WithError(err).Warn("Skipping malformed event")
			return
		}
		c.dispatch(Event{Kind: EventNodeLine, NodeID: update.NodeID, Text: update.Text, SourceKind: update.LogType})
	default:
		log.Debug("Ignoring unknown event")
	}
}

func (c *Channel) setStatus(st Status) {
	st.Since = c.clock.Now()
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
	c.dispatch(Event{Kind: EventStatus, Status: st})
}

func (c *Channel) dispatch(ev Event) {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		c.deliver(s, ev)
	}
}

func (c *Channel) deliver(s *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", r).WithField("event", ev.Kind).Error("Subscriber panicked")
		}
	}()
	s.handler(ev)
}
