package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Broadcaster pushes session events to interested subscribers. The event
// hub implements it; tests pass nil.
type Broadcaster interface {
	BroadcastStatus(sessionID string, status SessionStatus, errMsg string)
	BroadcastLogs(sessionID string, lines []string)
}

// SessionManager owns the live-session map, the host port pool, and the
// idle reaper. Create, Stop, and the reaper are the only writers of the
// map and port set; both are guarded by mu. The map lock is never held
// across container or filesystem calls.
type SessionManager struct {
	cfg       *SessionsConfig
	driver    ContainerDriver
	workspace *Workspace
	hub       Broadcaster
	publicURL string
	stopGrace time.Duration

	// OnSessionStopped runs after a session reaches stopped; the server
	// hooks quota release here. May be nil.
	OnSessionStopped func(*Session)

	mu        sync.Mutex
	sessions  map[string]*Session
	usedPorts map[int]bool

	cron    *cron.Cron
	probing *http.Client
}

// NewSessionManager wires the manager. hub may be nil (no broadcasts).
func NewSessionManager(cfg *SessionsConfig, driver ContainerDriver, ws *Workspace, hub Broadcaster, publicURL string, stopGrace time.Duration) *SessionManager {
	return &SessionManager{
		cfg:       cfg,
		driver:    driver,
		workspace: ws,
		hub:       hub,
		publicURL: publicURL,
		stopGrace: stopGrace,
		sessions:  make(map[string]*Session),
		usedPorts: make(map[int]bool),
		probing:   &http.Client{Timeout: 2 * time.Second},
	}
}

// ─── Port pool ────────────────────────────────────────────────────────────────

// allocatePortLocked scans the range for the lowest free port and marks it used.
// Must be called with mu held.
func (m *SessionManager) allocatePortLocked() (int, error) {
	for p := m.cfg.PortRangeStart; p <= m.cfg.PortRangeEnd; p++ {
		if !m.usedPorts[p] {
			m.usedPorts[p] = true
			AllocatedPorts.Set(float64(len(m.usedPorts)))
			return p, nil
		}
	}
	return 0, ErrNoPortsAvailable
}

// releasePort frees a port. Idempotent: releasing twice is a no-op.
func (m *SessionManager) releasePort(port int) {
	if port == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usedPorts[port] {
		delete(m.usedPorts, port)
		AllocatedPorts.Set(float64(len(m.usedPorts)))
	}
}

// ─── Lookup ───────────────────────────────────────────────────────────────────

// Get returns the live session for a token, or nil.
func (m *SessionManager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// List returns a snapshot of live sessions matching the filter.
func (m *SessionManager) List(match func(*Session) bool) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if match == nil || match(s) {
			out = append(out, s)
		}
	}
	return out
}

// Port resolves a session's allocated host port for the proxy; 0 when the
// session is unknown or not yet bound.
func (m *SessionManager) Port(sessionID string) int {
	if s := m.Get(sessionID); s != nil {
		return s.Port
	}
	return 0
}

// ─── Create ───────────────────────────────────────────────────────────────────

// Create provisions a session: allocate a port, materialize the file map,
// launch a worker, and wait for readiness. Every step after insertion is
// reversible; on failure the session is cleaned up and removed.
func (m *SessionManager) Create(ctx context.Context, projectID, userID, orgID string, files map[string]string) (*Session, error) {
	start := time.Now()

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrMaxSessions
	}
	sess := newSession(projectID, userID, orgID, files, m.cfg.LogRingSize)
	port, err := m.allocatePortLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	sess.Port = port
	sess.IframeURL = m.publicURL + "/preview/" + sess.ID
	m.sessions[sess.ID] = sess
	ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	slog.Info("session created", "session", sess.ID, "project", projectID, "user", userID, "port", port)

	workDir, err := m.workspace.Materialize(sess.ID, sess.Files)
	if err != nil {
		m.failCreate(sess, "failed to prepare project files", err)
		return nil, err
	}
	sess.WorkDir = workDir

	m.transition(sess, StatusStarting)

	containerID, err := m.driver.CreateAndStart(ctx, WorkerSpec{
		SessionID: sess.ID,
		WorkDir:   workDir,
		HostPort:  port,
	})
	if err != nil {
		m.failCreate(sess, "failed to launch preview container", err)
		return nil, fmt.Errorf("%w: container launch failed", ErrUpstream)
	}
	sess.mu.Lock()
	sess.ContainerID = containerID
	sess.mu.Unlock()

	if err := m.waitReady(ctx, port); err != nil {
		m.failCreate(sess, "container failed to become ready", err)
		return nil, fmt.Errorf("%w: container failed to become ready", ErrUpstream)
	}

	m.transition(sess, StatusRunning)
	sess.Touch()
	RecordSessionStart(true, time.Since(start).Seconds())
	slog.Info("session running", "session", sess.ID, "port", port, "elapsed", time.Since(start).Round(time.Millisecond))
	return sess, nil
}

// waitReady polls the worker's host port until the dev server answers.
// Any status ≤ 500 counts — a 404 just means routing isn't configured yet
// while the process itself is up.
func (m *SessionManager) waitReady(ctx context.Context, port int) error {
	probeURL := fmt.Sprintf("http://127.0.0.1:%d/", port)
	deadline, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	defer cancel()

	for {
		req, err := http.NewRequestWithContext(deadline, http.MethodGet, probeURL, nil)
		if err != nil {
			return err
		}
		resp, err := m.probing.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode <= 500 {
				return nil
			}
		}
		select {
		case <-deadline.Done():
			return fmt.Errorf("readiness probe timed out after %s: %w", m.cfg.ReadyTimeout, deadline.Err())
		case <-time.After(500 * time.Millisecond):
			// retry
		}
	}
}

// failCreate unwinds a partially created session. The user-safe message
// lands on the session record; the raw error only in logs.
func (m *SessionManager) failCreate(sess *Session, userMsg string, cause error) {
	slog.Error("session start failed", "session", sess.ID, "error", cause)
	RecordSessionStart(false, 0)
	sess.setError(userMsg)
	if m.hub != nil {
		m.hub.BroadcastStatus(sess.ID, StatusError, userMsg)
	}
	m.cleanup(sess)
	m.transition(sess, StatusStopped)
	m.remove(sess.ID)
}

// ─── Patch / logs / ping ──────────────────────────────────────────────────────

// PatchFile updates one file in a running session. The dev server inside
// the container observes the write through the bind mount and fires HMR
// itself; the gateway never synthesizes HMR messages.
func (m *SessionManager) PatchFile(sessionID, path, content string) error {
	sess := m.Get(sessionID)
	if sess == nil {
		return ErrSessionNotFound
	}
	if sess.Status() != StatusRunning {
		return ErrNotRunning
	}

	norm := normalizePath(path)
	if !validWorkPath(norm) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	sess.SetFile(norm, content)
	sess.Touch()
	return m.workspace.WriteFile(sessionID, norm, content)
}

// Logs pulls the latest container log tail and replaces the session ring.
// Without a container handle the ring is returned as-is.
func (m *SessionManager) Logs(ctx context.Context, sessionID string, since time.Time, tail int) ([]string, error) {
	sess := m.Get(sessionID)
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if tail <= 0 {
		tail = m.cfg.LogTailDefault
	}

	sess.mu.Lock()
	containerID := sess.ContainerID
	sess.mu.Unlock()
	if containerID == "" {
		return sess.Logs(), nil
	}

	lines, err := m.driver.Logs(ctx, containerID, tail, since)
	if err != nil {
		slog.Debug("log fetch failed, serving ring", "session", sessionID, "error", err)
		return sess.Logs(), nil
	}
	sess.ReplaceLogs(lines)
	if m.hub != nil && len(lines) > 0 {
		m.hub.BroadcastLogs(sessionID, lines)
	}
	return lines, nil
}

// Ping refreshes last-activity; false when the session is unknown.
func (m *SessionManager) Ping(sessionID string) bool {
	sess := m.Get(sessionID)
	if sess == nil {
		return false
	}
	sess.Touch()
	return true
}

// ─── Stop ─────────────────────────────────────────────────────────────────────

// Stop tears a session down. Safe to call concurrently and repeatedly:
// exactly one caller wins the stopping transition, the rest observe the
// terminal state and return nil.
func (m *SessionManager) Stop(ctx context.Context, sessionID string) error {
	sess := m.Get(sessionID)
	if sess == nil {
		return nil
	}
	if !sess.setStatus(StatusStopping) {
		return nil
	}
	if m.hub != nil {
		m.hub.BroadcastStatus(sessionID, StatusStopping, "")
	}

	m.cleanup(sess)
	m.transition(sess, StatusStopped)
	m.remove(sessionID)
	slog.Info("session stopped", "session", sessionID)
	return nil
}

// cleanup releases everything a session holds. Idempotent: each step
// swallows not-found-class errors, because the caller's goal — absence of
// the resource — is already met.
func (m *SessionManager) cleanup(sess *Session) {
	sess.mu.Lock()
	containerID := sess.ContainerID
	port := sess.Port
	sess.mu.Unlock()

	if containerID != "" {
		stopCtx, cancel := context.WithTimeout(context.Background(), m.stopGrace+10*time.Second)
		if err := m.driver.Stop(stopCtx, containerID, m.stopGrace); err != nil {
			slog.Debug("container stop failed", "session", sess.ID, "error", err)
		}
		cancel()
	}
	m.releasePort(port)
	m.workspace.Remove(sess.ID)
}

// remove deletes a session from the live map and fires the stop hook.
func (m *SessionManager) remove(sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	if ok && m.OnSessionStopped != nil {
		m.OnSessionStopped(sess)
	}
}

// transition moves a session along a legal edge and broadcasts it.
func (m *SessionManager) transition(sess *Session, to SessionStatus) {
	if !sess.setStatus(to) {
		return
	}
	if m.hub != nil {
		m.hub.BroadcastStatus(sess.ID, to, sess.ErrMsg())
	}
}

// ─── Reaper ───────────────────────────────────────────────────────────────────

// StartReaper schedules the idle reaper on the configured interval.
func (m *SessionManager) StartReaper(ctx context.Context) {
	m.cron = cron.New()
	_, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.cfg.ReapInterval), func() {
		m.Reap(ctx, time.Now())
	})
	if err != nil {
		slog.Error("failed to schedule reaper", "error", err)
		return
	}
	m.cron.Start()

	go func() {
		<-ctx.Done()
		m.cron.Stop()
	}()
}

// Reap stops every running session idle past the timeout. Errors are
// logged, never surfaced — reaping is fire-and-forget.
func (m *SessionManager) Reap(ctx context.Context, now time.Time) {
	for _, sess := range m.List(nil) {
		if sess.Status() != StatusRunning {
			continue
		}
		idle := now.Sub(sess.LastActivity())
		if idle <= m.cfg.IdleTimeout {
			continue
		}
		slog.Info("reaping idle session", "session", sess.ID, "idle", idle.Round(time.Second))
		IdleReapsTotal.Inc()
		if err := m.Stop(ctx, sess.ID); err != nil {
			slog.Warn("idle reap failed", "session", sess.ID, "error", err)
		}
	}
}

// StopAll tears down every live session; used on graceful shutdown so no
// containers outlive the gateway (session state is not persisted).
func (m *SessionManager) StopAll(ctx context.Context) {
	for _, sess := range m.List(nil) {
		if err := m.Stop(ctx, sess.ID); err != nil {
			slog.Warn("shutdown stop failed", "session", sess.ID, "error", err)
		}
	}
}
