package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = 50 * time.Second
	// hubSendBuffer bounds per-client queued messages; beyond it the
	// client is considered slow and messages are dropped.
	hubSendBuffer = 64
)

// hubMessage is the wire format on /ws, both directions.
type hubMessage struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId,omitempty"`
	Status    string   `json:"status,omitempty"`
	Error     string   `json:"error,omitempty"`
	Lines     []string `json:"lines,omitempty"`
}

// hubClient is one connected WebSocket subscriber. gate is the caller's
// per-connection subscription authorizer; nil allows everything.
type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	gate func(sessionID string) bool
}

// Hub fans session events out to WebSocket subscribers. Slow consumers
// are dropped rather than buffered without bound.
type Hub struct {
	upgrader websocket.Upgrader

	mu sync.Mutex
	// subscribers maps session id → set of clients.
	subscribers map[string]map[*hubClient]struct{}
	clients     map[*hubClient]struct{}
}

// NewHub builds the event hub. WebSocket upgrades bypass CORS, so origins
// are validated explicitly against the same allowlist.
func NewHub(allowedOrigins []string) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // same-origin or non-browser client
				}
				return originAllowed(origin, allowedOrigins)
			},
		},
		subscribers: make(map[string]map[*hubClient]struct{}),
		clients:     make(map[*hubClient]struct{}),
	}
}

// ServeWS upgrades a /ws connection and runs the read loop. An optional
// ?sessionId=… query subscribes immediately. gate is consulted before
// every subscription (query param and subscribe message alike); a denial
// yields an error frame instead of a subscription. Authentication happens
// before the upgrade, in the middleware mounting this handler.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, gate func(sessionID string) bool) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	client := &hubClient{conn: conn, send: make(chan []byte, hubSendBuffer), gate: gate}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(client)

	if sid := r.URL.Query().Get("sessionId"); sid != "" {
		h.trySubscribe(client, sid)
	}

	h.readPump(client)
}

// trySubscribe runs the client's gate and either subscribes or answers
// with an error frame.
func (h *Hub) trySubscribe(client *hubClient, sessionID string) {
	if client.gate != nil && !client.gate(sessionID) {
		h.trySend(client, hubMessage{
			Type:      "error",
			SessionID: sessionID,
			Error:     "forbidden",
		})
		return
	}
	h.subscribe(client, sessionID)
}

// readPump consumes client messages until the socket closes, then detaches
// the client from every subscriber set.
func (h *Hub) readPump(client *hubClient) {
	defer h.drop(client)

	client.conn.SetReadLimit(4096)
	client.conn.SetReadDeadline(time.Now().Add(hubPongWait)) //nolint:errcheck
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg hubMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Debug("invalid hub message", "error", err)
			continue
		}
		switch msg.Type {
		case "subscribe":
			if msg.SessionID != "" {
				h.trySubscribe(client, msg.SessionID)
			}
		case "unsubscribe":
			if msg.SessionID != "" {
				h.unsubscribe(client, msg.SessionID)
			}
		case "ping":
			h.trySend(client, hubMessage{Type: "pong"})
		default:
			slog.Debug("unknown hub message type", "type", msg.Type)
		}
	}
}

// writePump owns all writes to the socket: queued broadcasts plus
// protocol-level pings.
func (h *Hub) writePump(client *hubClient) {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(hubWriteWait)) //nolint:errcheck
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(hubWriteWait)) //nolint:errcheck
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// subscribe adds the client to a session's subscriber set.
func (h *Hub) subscribe(client *hubClient, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[sessionID]
	if !ok {
		set = make(map[*hubClient]struct{})
		h.subscribers[sessionID] = set
	}
	set[client] = struct{}{}
}

// unsubscribe removes the client from a session's subscriber set.
func (h *Hub) unsubscribe(client *hubClient, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromSet(client, sessionID)
}

func (h *Hub) removeFromSet(client *hubClient, sessionID string) {
	if set, ok := h.subscribers[sessionID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.subscribers, sessionID)
		}
	}
}

// drop detaches a client from every set and closes its send queue.
func (h *Hub) drop(client *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		for sid := range h.subscribers {
			h.removeFromSet(client, sid)
		}
		close(client.send)
	}
	h.mu.Unlock()
	client.conn.Close()
}

// trySend enqueues without blocking; a full queue drops the message. The
// membership check and the send run under the hub lock so a concurrent
// drop cannot close the queue mid-send — the enqueue itself never does
// I/O, so holding the lock here is cheap.
func (h *Hub) trySend(client *hubClient, msg hubMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, alive := h.clients[client]; !alive {
		return
	}
	select {
	case client.send <- raw:
	default:
		BroadcastDropsTotal.Inc()
	}
}

// broadcast fans a payload out to every subscriber of the session.
// It iterates a snapshot so the lock is not held across the whole fan-out;
// each non-blocking enqueue briefly retakes it inside trySend.
func (h *Hub) broadcast(sessionID string, msg hubMessage) {
	h.mu.Lock()
	set := h.subscribers[sessionID]
	snapshot := make([]*hubClient, 0, len(set))
	for c := range set {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	for _, c := range snapshot {
		h.trySend(c, msg)
	}
}

// BroadcastStatus pushes a status transition to subscribers.
func (h *Hub) BroadcastStatus(sessionID string, status SessionStatus, errMsg string) {
	h.broadcast(sessionID, hubMessage{
		Type:      "status",
		SessionID: sessionID,
		Status:    string(status),
		Error:     errMsg,
	})
}

// BroadcastLogs pushes freshly fetched log lines to subscribers.
func (h *Hub) BroadcastLogs(sessionID string, lines []string) {
	h.broadcast(sessionID, hubMessage{
		Type:      "logs",
		SessionID: sessionID,
		Lines:     lines,
	})
}

// SubscriberCount reports the current subscriber count for a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[sessionID])
}
