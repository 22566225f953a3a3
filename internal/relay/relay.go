// Package relay republishes applied log updates on NATS subjects.
package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"ledgerwatch/internal/cluster"
	"ledgerwatch/internal/logging"
	"ledgerwatch/internal/logs"
)

// DefaultPrefix is the subject prefix used when none is configured
const DefaultPrefix = "ledgerwatch"

// Message kinds carried in the Kind header
const (
	KindLine     = "line"
	KindSnapshot = "snapshot"
)

// Publisher sends one message. *nats.Conn satisfies it.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Snapshot is the payload published when a buffer is replaced
type Snapshot struct {
	Origin  string        `json:"origin"`
	NodeID  string        `json:"node_id,omitempty"`
	Entries []logs.Record `json:"entries"`
}

// Relay publishes every applied log line and snapshot
type Relay struct {
	pub      Publisher
	conn     *nats.Conn
	prefix   string
	logger   *logrus.Entry
	failures prometheus.Counter
	reg      prometheus.Registerer
}

// Connect dials the NATS server at url and returns a relay publishing on it
func Connect(url, prefix string, logger *logrus.Entry, reg prometheus.Registerer) (*Relay, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	nc, err := nats.Connect(url,
		nats.Name("ledgerwatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.WithField("url", c.ConnectedUrl()).Info("Reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	r, err := New(nc, prefix, logger, reg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	r.conn = nc
	return r, nil
}

// New creates a relay on an existing publisher
func New(pub Publisher, prefix string, logger *logrus.Entry, reg prometheus.Registerer) (*Relay, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	r := &Relay{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		logger: logger,
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledgerwatch_relay_failures_total",
			Help: "Log updates that could not be published",
		}),
		reg: reg,
	}
	if reg != nil {
		if err := reg.Register(r.failures); err != nil {
			return nil, fmt.Errorf("failed to register relay metrics: %w", err)
		}
	}
	return r, nil
}

// LineSubject is the subject of live lines of origin
func (r *Relay) LineSubject(origin logs.Origin) string {
	if origin.IsCoordinator() {
		return r.prefix + ".logs.coordinator"
	}
	return r.prefix + ".logs.node." + subjectToken(origin.NodeID)
}

// SnapshotSubject is the subject of snapshots of origin
func (r *Relay) SnapshotSubject(origin logs.Origin) string {
	if origin.IsCoordinator() {
		return r.prefix + ".snapshots.coordinator"
	}
	return r.prefix + ".snapshots.node." + subjectToken(origin.NodeID)
}

// Handle is a cluster.Listener. It publishes log lines and snapshots and
// ignores every other update. Failures are logged and counted.
func (r *Relay) Handle(u cluster.Update) {
	var (
		subject string
		kind    string
		payload any
	)
	switch u.Kind {
	case cluster.UpdateLogLine:
		if len(u.Entries) == 0 {
			return
		}
		subject, kind, payload = r.LineSubject(u.Origin), KindLine, u.Entries[0].Record()
	case cluster.UpdateSnapshot:
		subject, kind = r.SnapshotSubject(u.Origin), KindSnapshot
		payload = Snapshot{
			Origin:  u.Origin.Kind(),
			NodeID:  u.Origin.NodeID,
			Entries: logs.Records(u.Entries),
		}
	default:
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		r.fail(subject, err)
		return
	}
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Kind":   []string{kind},
			"Origin": []string{u.Origin.String()},
		},
	}
	if err := r.pub.PublishMsg(msg); err != nil {
		r.fail(subject, err)
	}
}

func (r *Relay) fail(subject string, err error) {
	r.failures.Inc()
	r.logger.WithError(err).WithField("subject", subject).Warn("Failed to relay log update")
}

// Close unregisters metrics and drains the connection the relay owns
func (r *Relay) Close() error {
	if r.reg != nil {
		r.reg.Unregister(r.failures)
	}
	if r.conn == nil {
		return nil
	}
	return r.conn.Drain()
}

// subjectToken makes id safe to use as a single subject token
func subjectToken(id string) string {
	return strings.Map(func(c rune) rune {
		switch c {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return c
	}, id)
}
