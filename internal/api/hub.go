package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"ledgerwatch/internal/cluster"
)

const (
	clientBuffer = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// Hub streams applied log lines to websocket clients
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool

	upgrader websocket.Upgrader
	logger   *logrus.Entry

	// Connection tracking
	activeConns sync.WaitGroup
}

type wsClient struct {
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
	remote   string
}

func (c *wsClient) stop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// NewHub creates an empty hub
func NewHub(logger *logrus.Entry) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Handle is a cluster.Listener. Live lines are queued to every client; a
// client whose queue is full is dropped rather than slowing the apply path.
func (h *Hub) Handle(u cluster.Update) {
	if u.Kind != cluster.UpdateLogLine || len(u.Entries) == 0 {
		return
	}
	data, err := json.Marshal(u.Entries[0].Record())
	if err != nil {
		h.logger.WithError(err).Warn("Failed to encode log line")
		return
	}
	h.Broadcast(data)
}

// Broadcast queues data to every client
func (h *Hub) Broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.WithField("remote", c.remote).Warn("Dropping slow websocket client")
			delete(h.clients, c)
			c.stop()
		}
	}
}

// ServeHTTP upgrades the request and streams lines until the client leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	c := &wsClient{
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
		done:   make(chan struct{}),
		remote: RemoteIP(r),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.activeConns.Add(1)
	h.mu.Unlock()

	h.logger.WithField("remote", c.remote).Debug("WebSocket client connected")
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		conn.Close()
		h.activeConns.Done()
	}()

	go h.readPump(c)
	h.writePump(c)
}

// readPump discards client messages and notices when the client goes away
func (h *Hub) readPump(c *wsClient) {
	defer c.stop()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// Close disconnects every client and waits for their handlers to return
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		c.stop()
	}
	h.mu.Unlock()

	h.activeConns.Wait()
}
