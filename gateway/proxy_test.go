package gateway

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// proxyFixture wires a backend, a manager with one bound session, and a
// frontend server routing /preview/{sessionId} into the proxy engine.
type proxyFixture struct {
	backendPath  chan string
	backendQuery chan string
	session      *Session
	front        *httptest.Server
}

func newProxyFixture(t *testing.T, backendHandler http.Handler) *proxyFixture {
	t.Helper()
	f := &proxyFixture{
		backendPath:  make(chan string, 16),
		backendQuery: make(chan string, 16),
	}

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.backendPath <- r.URL.Path
		f.backendQuery <- r.URL.RawQuery
		if backendHandler != nil {
			backendHandler.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html>dev server</html>")
	}))
	t.Cleanup(backend.Close)

	_, portStr, _ := net.SplitHostPort(backend.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	m := newTestManager(t, newFakeDriver(), port, nil)
	sess := newSession("demo", "u", "", nil, 10)
	sess.Port = port
	sess.status = StatusRunning
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	f.session = sess

	engine := NewProxyEngine(m)
	mux := http.NewServeMux()
	mux.Handle("/preview/{sessionId}", engine)
	mux.Handle("/preview/{sessionId}/{rest...}", engine)
	f.front = httptest.NewServer(mux)
	t.Cleanup(f.front.Close)

	return f
}

func TestProxyPathRewrite(t *testing.T) {
	f := newProxyFixture(t, nil)

	t.Run("prefix stripped, query preserved", func(t *testing.T) {
		resp, err := http.Get(f.front.URL + "/preview/" + f.session.ID + "/assets/app.js?v=42")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if got := <-f.backendPath; got != "/assets/app.js" {
			t.Errorf("backend path = %q, want /assets/app.js", got)
		}
		if got := <-f.backendQuery; got != "v=42" {
			t.Errorf("backend query = %q, want v=42", got)
		}
	})

	t.Run("bare prefix defaults to root", func(t *testing.T) {
		resp, err := http.Get(f.front.URL + "/preview/" + f.session.ID)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if got := <-f.backendPath; got != "/" {
			t.Errorf("backend path = %q, want /", got)
		}
		<-f.backendQuery
		if !strings.Contains(string(body), "dev server") {
			t.Errorf("body = %q", body)
		}
	})

	t.Run("unknown session 404s without hitting a backend", func(t *testing.T) {
		resp, err := http.Get(f.front.URL + "/preview/deadbeefdeadbeefdeadbeefdeadbeef/")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestProxyForwardedHeaders(t *testing.T) {
	headerCh := make(chan http.Header, 1)
	f := newProxyFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerCh <- r.Header.Clone()
	}))

	resp, err := http.Get(f.front.URL + "/preview/" + f.session.ID + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	<-f.backendPath
	<-f.backendQuery

	h := <-headerCh
	if h.Get("X-Forwarded-For") == "" {
		t.Error("X-Forwarded-For should be set on proxied requests")
	}
	if h.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("X-Forwarded-Proto = %q, want http", h.Get("X-Forwarded-Proto"))
	}
}

func TestProxyUpstreamDown(t *testing.T) {
	// Bind a port, then close it so the session points at a dead upstream.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(l.Addr().String())
	deadPort, _ := strconv.Atoi(portStr)
	l.Close()

	m := newTestManager(t, newFakeDriver(), deadPort, nil)
	sess := newSession("demo", "u", "", nil, 10)
	sess.Port = deadPort
	sess.status = StatusRunning
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	mux := http.NewServeMux()
	engine := NewProxyEngine(m)
	mux.Handle("/preview/{sessionId}", engine)
	mux.Handle("/preview/{sessionId}/{rest...}", engine)
	front := httptest.NewServer(mux)
	defer front.Close()

	resp, err := http.Get(front.URL + "/preview/" + sess.ID + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestProxyWebSocketTunnel(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	echoPath := make(chan string, 1)

	f := newProxyFixture(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		echoPath <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))

	wsURL := "ws" + strings.TrimPrefix(f.front.URL, "http") + "/preview/" + f.session.ID + "/hmr"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}
	<-f.backendPath
	<-f.backendQuery
	if got := <-echoPath; got != "/hmr" {
		t.Errorf("backend ws path = %q, want /hmr", got)
	}

	// Frames must cross the tunnel verbatim in both directions.
	payload := `{"type":"vite:update","path":"/src/app.ts"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, echoed, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(echoed) != payload {
		t.Errorf("echoed = %q, want %q", echoed, payload)
	}
}
