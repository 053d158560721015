package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Sentinel errors shared across components. The HTTP edge maps these to
// status codes in writeError; everything else surfaces as 500.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrNotRunning       = errors.New("session is not running")
	ErrMaxSessions      = errors.New("maximum sessions reached")
	ErrNoPortsAvailable = errors.New("no available ports")
	ErrInvalidPath      = errors.New("invalid file path")
	ErrBadRequest       = errors.New("bad request")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrUpstream         = errors.New("upstream unavailable")
)

// apiError is the JSON error envelope returned on every 4xx/5xx.
type apiError struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Current   int    `json:"current,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// statusFor maps a typed error to its HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, ErrMaxSessions), errors.Is(err, ErrNoPortsAvailable), errors.Is(err, ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidPath), errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError emits the JSON error envelope. Internal errors are logged with
// the request id but never leak their message to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error, detail string) {
	status := statusFor(err)
	body := apiError{
		Error:     err.Error(),
		Message:   detail,
		RequestID: RequestIDFrom(r.Context()),
	}
	if status == http.StatusInternalServerError {
		slog.Error("internal error", "request_id", body.RequestID, "path", r.URL.Path, "error", err)
		body.Error = "internal error"
		body.Message = ""
	}
	writeJSON(w, status, body)
}

// writeQuotaError is the 429 variant carrying current/limit counters.
func writeQuotaError(w http.ResponseWriter, r *http.Request, current, limit int) {
	writeJSON(w, http.StatusTooManyRequests, apiError{
		Error:     ErrQuotaExceeded.Error(),
		Message:   fmt.Sprintf("session quota reached (%d of %d)", current, limit),
		RequestID: RequestIDFrom(r.Context()),
		Current:   current,
		Limit:     limit,
	})
}

// writeJSON serialises v with the proper content type.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}
