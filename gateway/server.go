package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const gatewayVersion = "1.2.0"

// quota resource classes tracked in the policy store.
const (
	quotaClassConcurrent = "sessions_concurrent"
	quotaClassDaily      = "sessions_daily"
)

// Server wires ingress, auth, session manager, proxy, and hub into one
// HTTP surface.
type Server struct {
	cfg         *GatewayConfig
	manager     *SessionManager
	auth        *Authenticator
	policy      *PolicyClient
	hub         *Hub
	proxy       *ProxyEngine
	ips         *clientIPResolver
	rateLimiter *ipRateLimiter
	httpServer  *http.Server
	startedAt   time.Time
}

// NewServer builds the server and hooks quota release into session stops.
func NewServer(cfg *GatewayConfig, manager *SessionManager, auth *Authenticator, policy *PolicyClient, hub *Hub) *Server {
	s := &Server{
		cfg:         cfg,
		manager:     manager,
		auth:        auth,
		policy:      policy,
		hub:         hub,
		proxy:       NewProxyEngine(manager),
		ips:         newClientIPResolver(cfg.Server.TrustedProxies),
		rateLimiter: newIPRateLimiter(cfg.Server.RateLimitPerMinute, cfg.Server.RateLimitBurst),
		startedAt:   time.Now(),
	}
	manager.OnSessionStopped = func(sess *Session) {
		tenant := sess.OrgID
		if tenant == "" {
			tenant = sess.UserID
		}
		policy.ReleaseQuota(context.Background(), tenant, quotaClassConcurrent)
	}
	return s
}

// Handler assembles the full route tree with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// ── Anonymous endpoints: never rate-limited ──
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleHealthReady)
	mux.HandleFunc("GET /health/live", s.handleHealthLive)
	mux.Handle("GET /metrics", promhttp.Handler())

	// ── Authenticated API ──
	api := http.NewServeMux()
	api.Handle("POST /api/preview/start", s.authed(PermPreviewCreate, s.withQuota(s.handleStart)))
	api.Handle("GET /api/preview", s.authed(PermPreviewRead, http.HandlerFunc(s.handleList)))
	api.Handle("GET /api/preview/{sessionId}", s.authed(PermPreviewRead, s.ownedSession(s.handleGet)))
	api.Handle("PATCH /api/preview/{sessionId}/file", s.authed(PermPreviewWrite, s.ownedSession(s.handlePatchFile)))
	api.Handle("GET /api/preview/{sessionId}/logs", s.authed(PermPreviewRead, s.ownedSession(s.handleLogs)))
	api.Handle("POST /api/preview/{sessionId}/ping", s.authed(PermPreviewRead, s.ownedSession(s.handlePing)))
	api.Handle("POST /api/preview/{sessionId}/stop", s.authed(PermPreviewStop, http.HandlerFunc(s.handleStop)))
	mux.Handle("/api/", s.apiMiddleware(api))

	// ── Preview proxy: auth + ownership, but no rate limit and no
	// compression — asset bursts and streams must pass untouched ──
	proxyChain := s.authed("", s.ownedSession(func(w http.ResponseWriter, r *http.Request, _ *Session) {
		s.proxy.ServeHTTP(w, r)
	}))
	mux.Handle("/preview/{sessionId}", proxyChain)
	mux.Handle("/preview/{sessionId}/{rest...}", proxyChain)

	// ── Event hub: authenticated like the API; every subscription runs
	// the same ownership check as the session routes ──
	mux.Handle("GET /ws", s.authed("", http.HandlerFunc(s.handleWS)))

	return withRequestID(corsMiddleware(s.instrumented(mux), s.cfg.Server.AllowedOrigins))
}

// Start listens for HTTP traffic and blocks until ctx is cancelled.
// On cancellation it drains with a 15-second deadline, then stops every
// live session so no worker containers outlive the process.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Host + ":" + s.cfg.Server.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.rateLimiter.startCleanup(ctx, 5*time.Minute)
	s.manager.StartReaper(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway started", "version", gatewayVersion, "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	const shutdownGrace = 15 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	slog.Info("shutting down gateway", "grace_period", shutdownGrace)
	err := s.httpServer.Shutdown(shutdownCtx)
	s.manager.StopAll(shutdownCtx)
	return err
}

// ─── Middleware composition ───────────────────────────────────────────────────

// apiMiddleware applies the /api/-only ingress layers: rate limiting,
// body cap, and response compression.
func (s *Server) apiMiddleware(next http.Handler) http.Handler {
	limited := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := s.ips.Resolve(r)
		if !s.rateLimiter.Allow(ip) {
			s.emitSecurityEvent(r, IdentityFrom(r.Context()), "rate_limit_exceeded", "medium", nil)
			writeError(w, r, fmt.Errorf("%w: rate limit exceeded", ErrQuotaExceeded), "too many requests, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
	return compressResponses(limitBody(limited, s.cfg.Server.MaxBodyBytes))
}

// instrumented records request metrics per route class.
func (s *Server) instrumented(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "proxy"
		switch {
		case len(r.URL.Path) >= 5 && r.URL.Path[:5] == "/api/":
			route = "api"
		case r.URL.Path == "/ws":
			route = "ws"
		case len(r.URL.Path) >= 7 && r.URL.Path[:7] == "/health":
			route = "health"
		case r.URL.Path == "/metrics":
			route = "metrics"
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		RecordRequest(route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

// authed authenticates the caller and enforces the route's permission.
// An empty permission means "authenticated, no specific permission" —
// used by the proxy, where ownership is the real gate.
func (s *Server) authed(permission string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := s.ips.Resolve(r)
		id, err := s.auth.Authenticate(r, ip)
		if err != nil {
			s.emitSecurityEvent(r, nil, "login_failure", "low", nil)
			writeError(w, r, err, "")
			return
		}
		if permission != "" && !s.auth.HasPermission(r.Context(), id, permission) {
			s.emitSecurityEvent(r, id, "permission_denied", "medium", map[string]any{"permission": permission})
			writeError(w, r, fmt.Errorf("%w: missing permission %s", ErrForbidden, permission), "")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// sessionHandler handles a route that resolved a session the caller owns.
type sessionHandler func(http.ResponseWriter, *http.Request, *Session)

// ownedSession resolves the {sessionId} path parameter and runs the
// ownership check. Violations return 403 and emit a high-risk
// suspicious_activity event naming both parties.
func (s *Server) ownedSession(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFrom(r.Context())
		sess := s.manager.Get(r.PathValue("sessionId"))
		if sess == nil {
			writeError(w, r, ErrSessionNotFound, "")
			return
		}
		if !OwnsSession(id, sess) {
			s.emitSecurityEvent(r, id, "suspicious_activity", "high", map[string]any{
				"session":       sess.ID,
				"session_owner": sess.UserID,
			})
			writeError(w, r, fmt.Errorf("%w: you do not own this session", ErrForbidden), "")
			return
		}
		next(w, r, sess)
	})
}

// withQuota runs the tenant quota check before resource-allocating routes.
// A policy-store failure fails OPEN: blocking every session start on a
// policy outage is worse than briefly over-admitting, and the warning
// below keeps the outage visible. A denial after an earlier class already
// committed its increment releases that commit, so the counter does not
// leak by one per denied request.
func (s *Server) withQuota(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFrom(r.Context())
		var committed []string
		for _, class := range []string{quotaClassConcurrent, quotaClassDaily} {
			res, err := s.policy.CheckQuota(r.Context(), id.Tenant(), class, 1)
			if err != nil {
				slog.Warn("quota check failed, failing open",
					"request_id", RequestIDFrom(r.Context()),
					"tenant", id.Tenant(),
					"class", class,
					"error", err)
				continue
			}
			if !res.Allowed {
				for _, c := range committed {
					s.policy.ReleaseQuota(r.Context(), id.Tenant(), c)
				}
				writeQuotaError(w, r, res.Current, res.Limit)
				return
			}
			committed = append(committed, class)
		}
		next.ServeHTTP(w, r)
	})
}

// emitSecurityEvent writes a security event to the policy store without
// blocking the response.
func (s *Server) emitSecurityEvent(r *http.Request, id *Identity, kind, risk string, details map[string]any) {
	ev := SecurityEvent{
		Kind:      kind,
		IP:        s.ips.Resolve(r),
		UserAgent: r.UserAgent(),
		RequestID: RequestIDFrom(r.Context()),
		Path:      r.URL.Path,
		Method:    r.Method,
		RiskLevel: risk,
		Details:   details,
	}
	if id != nil {
		ev.UserID = id.UserID
		ev.UserEmail = id.Email
		ev.OrgID = id.OrgID
	}
	go s.policy.WriteSecurityEvent(context.WithoutCancel(r.Context()), ev)
}

// handleWS bridges the authenticated request into the event hub. The gate
// mirrors ownedSession: subscriptions require a live session the caller
// owns, and violations emit the same high-risk suspicious_activity event.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	s.hub.ServeWS(w, r, func(sessionID string) bool {
		sess := s.manager.Get(sessionID)
		if sess == nil {
			return false
		}
		if !OwnsSession(id, sess) {
			s.emitSecurityEvent(r, id, "suspicious_activity", "high", map[string]any{
				"session":       sess.ID,
				"session_owner": sess.UserID,
			})
			return false
		}
		return true
	})
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).Seconds(),
		"version":   gatewayVersion,
	})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":     true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"alive":     true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// ─── Preview API ──────────────────────────────────────────────────────────────

type startRequest struct {
	ProjectID string            `json:"projectId"`
	Files     map[string]string `json:"files"`
}

type sessionResponse struct {
	Success bool           `json:"success"`
	Session SessionSummary `json:"session"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body", ErrBadRequest), err.Error())
		return
	}
	if req.ProjectID == "" {
		writeError(w, r, fmt.Errorf("%w: projectId is required", ErrBadRequest), "")
		return
	}
	if req.Files == nil {
		req.Files = map[string]string{}
	}

	id := IdentityFrom(r.Context())
	sess, err := s.manager.Create(r.Context(), req.ProjectID, id.UserID, id.OrgID, req.Files)
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, Session: sess.Summary()})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	sessions := s.manager.List(func(sess *Session) bool {
		return OwnsSession(id, sess)
	})
	summaries := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, sess.Summary())
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, sess *Session) {
	writeJSON(w, http.StatusOK, sessionResponse{Success: true, Session: sess.Summary()})
}

type patchFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) handlePatchFile(w http.ResponseWriter, r *http.Request, sess *Session) {
	var req patchFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body", ErrBadRequest), err.Error())
		return
	}
	if req.Path == "" {
		writeError(w, r, fmt.Errorf("%w: path is required", ErrBadRequest), "")
		return
	}
	if err := s.manager.PatchFile(sess.ID, req.Path, req.Content); err != nil {
		writeError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, sess *Session) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: since must be RFC3339", ErrBadRequest), "")
			return
		}
		since = parsed
	}
	lines, err := s.manager.Logs(r.Context(), sess.ID, since, 0)
	if err != nil {
		writeError(w, r, err, "")
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": lines, "hasMore": false})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request, sess *Session) {
	if !s.manager.Ping(sess.ID) {
		writeError(w, r, ErrSessionNotFound, "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleStop is not wrapped in ownedSession: a second stop must succeed
// even after the session left the live map, so absence means done.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	sessionID := r.PathValue("sessionId")

	if sess := s.manager.Get(sessionID); sess != nil {
		if !OwnsSession(id, sess) {
			s.emitSecurityEvent(r, id, "suspicious_activity", "high", map[string]any{
				"session":       sess.ID,
				"session_owner": sess.UserID,
			})
			writeError(w, r, fmt.Errorf("%w: you do not own this session", ErrForbidden), "")
			return
		}
		if err := s.manager.Stop(r.Context(), sessionID); err != nil {
			writeError(w, r, err, "")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
