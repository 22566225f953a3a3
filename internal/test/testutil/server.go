package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestHTTPServer is an httptest server closed when the test ends
type TestHTTPServer struct {
	Server *httptest.Server
}

// NewTestHTTPServer starts handler on a loopback port
func NewTestHTTPServer(t *testing.T, handler http.Handler) *TestHTTPServer {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &TestHTTPServer{Server: server}
}

// URL returns the base http URL
func (s *TestHTTPServer) URL() string {
	return s.Server.URL
}

// WebSocketURL returns the ws URL of path on this server
func (s *TestHTTPServer) WebSocketURL(path string) string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + path
}

// Client returns a client that talks to the server
func (s *TestHTTPServer) Client() *http.Client {
	return s.Server.Client()
}
