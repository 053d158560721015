package gateway

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a preview session.
type SessionStatus string

const (
	StatusPending  SessionStatus = "pending"
	StatusStarting SessionStatus = "starting"
	StatusRunning  SessionStatus = "running"
	StatusStopping SessionStatus = "stopping"
	StatusStopped  SessionStatus = "stopped"
	StatusError    SessionStatus = "error"
)

// validTransitions encodes the status diagram. Any live state may jump to
// error; error terminates via stopped.
var validTransitions = map[SessionStatus][]SessionStatus{
	StatusPending:  {StatusStarting, StatusError},
	StatusStarting: {StatusRunning, StatusStopping, StatusError},
	StatusRunning:  {StatusStopping, StatusError},
	StatusStopping: {StatusStopped, StatusError},
	StatusError:    {StatusStopping, StatusStopped},
	StatusStopped:  {},
}

// canTransition reports whether from → to is a legal status edge.
func canTransition(from, to SessionStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Session is one ephemeral preview environment. All mutable fields are
// guarded by mu; the manager never holds its map lock while touching a
// session, so container calls can run under the session lock alone.
type Session struct {
	mu sync.Mutex

	ID        string
	ProjectID string
	UserID    string
	OrgID     string

	ContainerID string
	Port        int
	IframeURL   string
	WorkDir     string

	// Files is the current in-memory file map, paths normalized without
	// a leading separator.
	Files map[string]string

	CreatedAt      time.Time
	lastActivityAt time.Time

	status  SessionStatus
	errMsg  string
	logRing *logRing
}

// NewSessionToken mints an opaque 128-bit session token.
func NewSessionToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newSession(projectID, userID, orgID string, files map[string]string, ringSize int) *Session {
	now := time.Now()
	norm := make(map[string]string, len(files))
	for p, c := range files {
		norm[normalizePath(p)] = c
	}
	return &Session{
		ID:             NewSessionToken(),
		ProjectID:      projectID,
		UserID:         userID,
		OrgID:          orgID,
		Files:          norm,
		CreatedAt:      now,
		lastActivityAt: now,
		status:         StatusPending,
		logRing:        newLogRing(ringSize),
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ErrMsg returns the user-safe error detail, if any.
func (s *Session) ErrMsg() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// setStatus moves the session along a legal status edge. Illegal edges are
// ignored and reported false so concurrent stops settle on one winner.
func (s *Session) setStatus(to SessionStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.status, to) {
		return false
	}
	s.status = to
	return true
}

// setError records a user-safe failure message and jumps to error state.
func (s *Session) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusStopped {
		s.status = StatusError
	}
	s.errMsg = msg
}

// Touch advances last_activity_at. The timestamp never moves backwards.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now := time.Now(); now.After(s.lastActivityAt) {
		s.lastActivityAt = now
	}
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// SetFile updates the in-memory file map with a normalized path.
func (s *Session) SetFile(path, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Files[path] = content
}

// ReplaceLogs swaps the log ring contents for freshly fetched lines.
func (s *Session) ReplaceLogs(lines []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logRing.Replace(lines)
}

// Logs returns a snapshot of the log ring.
func (s *Session) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logRing.Lines()
}

// SessionSummary is the client-facing session representation.
type SessionSummary struct {
	ID             string        `json:"id"`
	ProjectID      string        `json:"projectId"`
	Status         SessionStatus `json:"status"`
	IframeURL      string        `json:"iframeUrl"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	Error          string        `json:"error,omitempty"`
}

// Summary snapshots the session for API responses.
func (s *Session) Summary() SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSummary{
		ID:             s.ID,
		ProjectID:      s.ProjectID,
		Status:         s.status,
		IframeURL:      s.IframeURL,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivityAt,
		Error:          s.errMsg,
	}
}

// ─── Log ring ─────────────────────────────────────────────────────────────────

// logRing is a bounded line buffer; the oldest entries are evicted first.
type logRing struct {
	cap   int
	lines []string
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = 500
	}
	return &logRing{cap: capacity}
}

// Append adds lines, evicting from the front past capacity.
func (r *logRing) Append(lines ...string) {
	r.lines = append(r.lines, lines...)
	if len(r.lines) > r.cap {
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
}

// Replace swaps the buffer for a fresh tail, still respecting capacity.
func (r *logRing) Replace(lines []string) {
	if len(lines) > r.cap {
		lines = lines[len(lines)-r.cap:]
	}
	r.lines = append(r.lines[:0], lines...)
}

// Lines returns a copy of the buffered lines.
func (r *logRing) Lines() []string {
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}
