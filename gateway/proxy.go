package gateway

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

// ProxyEngine forwards preview traffic — HTML, assets, and HMR WebSocket
// upgrades alike — to the session's worker on its allocated host port.
// Authentication and ownership are established by middleware before the
// engine runs; it never reauthenticates per request.
type ProxyEngine struct {
	manager     *SessionManager
	dialTimeout time.Duration
}

// NewProxyEngine builds the engine over the session manager's port table.
func NewProxyEngine(manager *SessionManager) *ProxyEngine {
	return &ProxyEngine{manager: manager, dialTimeout: 10 * time.Second}
}

// ServeHTTP handles /preview/{sessionId} and everything below it.
// A session in starting with an already-bound port may receive early
// traffic; that is fine and common during readiness races.
func (p *ProxyEngine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	port := p.manager.Port(sessionID)
	if port == 0 {
		http.NotFound(w, r)
		return
	}

	if sess := p.manager.Get(sessionID); sess != nil {
		sess.Touch()
	}

	// Strip the /preview/<id> prefix, preserving the query; empty → "/".
	path := strings.TrimPrefix(r.URL.Path, "/preview/"+sessionID)
	if path == "" {
		path = "/"
	}

	if isWebSocketUpgrade(r) {
		p.tunnelWebSocket(w, r, port, path)
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", port)}
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Scheme = target.Scheme
			pr.Out.URL.Host = target.Host
			pr.Out.URL.Path = path
			pr.Out.URL.RawQuery = r.URL.RawQuery
			pr.Out.Host = target.Host
			pr.SetXForwarded()
		},
		// Stream bodies through unmodified; HMR and vite's module graph
		// responses must not sit in a buffer.
		FlushInterval: -1,
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			slog.Debug("proxy upstream error", "session", sessionID, "error", err)
			rw.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(rw, "upstream unavailable")
		},
	}
	proxy.ServeHTTP(w, r)
}

// isWebSocketUpgrade returns true if the request asks for a WebSocket
// protocol upgrade.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// tunnelWebSocket performs a full HTTP/1.1 upgrade by hijacking the client
// connection and splicing raw frames to the worker. Both directions write
// straight to unbuffered sockets, so every frame flushes immediately —
// HMR correctness depends on that latency.
func (p *ProxyEngine) tunnelWebSocket(w http.ResponseWriter, r *http.Request, port int, path string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "WebSocket proxying not supported by this server", http.StatusInternalServerError)
		return
	}

	backendAddr := fmt.Sprintf("127.0.0.1:%d", port)
	backend, err := net.DialTimeout("tcp", backendAddr, p.dialTimeout)
	if err != nil {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer backend.Close()

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		return
	}
	defer clientConn.Close()

	WebSocketTunnels.Inc()
	defer WebSocketTunnels.Dec()

	// Replay the upgrade request against the backend with the rewritten
	// path so the dev server sees its own URL space.
	outReq := r.Clone(r.Context())
	outReq.URL = &url.URL{Path: path, RawQuery: r.URL.RawQuery}
	outReq.Host = backendAddr
	outReq.RequestURI = ""
	if err := outReq.Write(backend); err != nil {
		return
	}

	// The hijacked reader may hold frames the client sent before we took
	// over the connection; drain it first.
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(backend, clientBuf) //nolint:errcheck
		done <- struct{}{}
	}()
	go func() {
		io.Copy(clientConn, backend) //nolint:errcheck
		done <- struct{}{}
	}()
	<-done
}
