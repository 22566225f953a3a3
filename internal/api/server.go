// Package api serves the observer's view of the cluster over HTTP and
// streams applied log lines over a websocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"ledgerwatch/internal/cluster"
	"ledgerwatch/internal/health"
	"ledgerwatch/internal/ledger"
	"ledgerwatch/internal/live"
	"ledgerwatch/internal/logging"
	"ledgerwatch/internal/logs"
	"ledgerwatch/internal/registry"
)

// View is the part of the cluster state the API reads and drives
type View interface {
	Nodes() []registry.Node
	Node(id string) (registry.Node, bool)
	Health() map[string]health.Status
	Buffer(origin logs.Origin) []logs.Entry
	Blocks() []ledger.Block
	ChannelStatus() live.Status
	Errors() map[string]error
	UpdatedAt() (registryAt, ledgerAt time.Time)
	RefreshLedger(ctx context.Context) ([]ledger.Block, error)
	Reset(ctx context.Context) error
	Submit(ctx context.Context, req ledger.Request) ledger.Result
	Subscribe(fn cluster.Listener) *cluster.Subscription
}

// Server exposes View over HTTP
type Server struct {
	view     View
	router   *mux.Router
	hub      *Hub
	gatherer prometheus.Gatherer
	logger   *logrus.Entry

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	sub      *cluster.Subscription
}

// NewServer creates a server. A nil gatherer disables /metrics.
func NewServer(view View, gatherer prometheus.Gatherer, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		view:     view,
		router:   mux.NewRouter(),
		hub:      NewHub(logger.WithField("prefix", "ws")),
		gatherer: gatherer,
		logger:   logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/nodes", s.handleNodes).Methods(http.MethodGet)
	s.router.HandleFunc("/ledger", s.handleLedger).Methods(http.MethodGet)
	s.router.HandleFunc("/ledger/refresh", s.handleLedgerRefresh).Methods(http.MethodPost)
	s.router.HandleFunc("/logs", s.handleCoordinatorLogs).Methods(http.MethodGet)
	s.router.HandleFunc("/logs/{nodeID}", s.handleNodeLogs).Methods(http.MethodGet)
	s.router.HandleFunc("/propose", s.handlePropose).Methods(http.MethodPost)
	s.router.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.hub.ServeHTTP).Methods(http.MethodGet)
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on addr and serves until ctx is cancelled or Stop is called.
// The hub is subscribed to the view for as long as the server runs.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return errors.New("api server already started")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.sub = s.view.Subscribe(s.hub.Handle)

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("API server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("Error stopping API server")
		}
	}()

	s.logger.WithField("addr", ln.Addr().String()).Info("API server listening")
	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes every websocket client and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sub := s.server, s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	s.hub.Close()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"remote":   RemoteIP(r),
			"duration": time.Since(start),
		}).Debug("Handled request")
	})
}
