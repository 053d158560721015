package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// PolicyClient talks to the external policy store: API keys, organization
// membership, quotas, and security events. It is a thin wrapper in the
// same spirit as the container driver — typed calls, no business logic.
type PolicyClient struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// NewPolicyClient builds a client for the policy store API.
func NewPolicyClient(baseURL, serviceKey string) *PolicyClient {
	return &PolicyClient{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// KeyRecord is the policy store's view of an API key.
type KeyRecord struct {
	KeyID     string     `json:"keyId"`
	UserID    string     `json:"userId"`
	UserEmail string     `json:"userEmail"`
	OrgID     string     `json:"organizationId"`
	Scopes    []string   `json:"scopes"`
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// Membership describes a user's primary organization membership.
type Membership struct {
	OrgID       string   `json:"organizationId"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// QuotaResult is the outcome of a check-and-commit quota call.
type QuotaResult struct {
	Allowed bool `json:"allowed"`
	Current int  `json:"current"`
	Limit   int  `json:"limit"`
}

// SecurityEvent is written to the policy store on auth failures and
// suspicious activity. Writes are best-effort.
type SecurityEvent struct {
	Kind      string         `json:"kind"`
	UserID    string         `json:"userId,omitempty"`
	UserEmail string         `json:"userEmail,omitempty"`
	OrgID     string         `json:"organizationId,omitempty"`
	IP        string         `json:"ip"`
	UserAgent string         `json:"userAgent"`
	RequestID string         `json:"requestId"`
	Path      string         `json:"path"`
	Method    string         `json:"method"`
	RiskLevel string         `json:"riskLevel"` // low, medium, high
	Details   map[string]any `json:"details,omitempty"`
}

// LookupAPIKey resolves a SHA-256 key hash to its record. A missing key
// returns (nil, nil).
func (p *PolicyClient) LookupAPIKey(ctx context.Context, keyHash string) (*KeyRecord, error) {
	var rec KeyRecord
	found, err := p.do(ctx, http.MethodGet, "/internal/api-keys/"+keyHash, nil, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// RecordKeyUsage updates last_used_at/last_used_ip and bumps the request
// counter. Failures are non-fatal and only logged.
func (p *PolicyClient) RecordKeyUsage(ctx context.Context, keyID, ip string) {
	body := map[string]string{"ip": ip}
	if _, err := p.do(ctx, http.MethodPost, "/internal/api-keys/"+keyID+"/usage", body, nil); err != nil {
		slog.Debug("api key usage record failed", "key_id", keyID, "error", err)
	}
}

// ResolveMembership returns the user's primary organization membership.
// A user with no organization returns (nil, nil).
func (p *PolicyClient) ResolveMembership(ctx context.Context, userID string) (*Membership, error) {
	var m Membership
	found, err := p.do(ctx, http.MethodGet, "/internal/users/"+userID+"/membership", nil, &m)
	if err != nil || !found {
		return nil, err
	}
	return &m, nil
}

// CheckPermission asks the policy store whether the user holds a named
// permission; used as the last resort after local scope checks.
func (p *PolicyClient) CheckPermission(ctx context.Context, userID, permission string) (bool, error) {
	body := map[string]string{"userId": userID, "permission": permission}
	var out struct {
		Granted bool `json:"granted"`
	}
	if _, err := p.do(ctx, http.MethodPost, "/internal/permissions/check", body, &out); err != nil {
		return false, err
	}
	return out.Granted, nil
}

// CheckQuota performs the typed check-and-commit quota call for a tenant
// and resource class.
func (p *PolicyClient) CheckQuota(ctx context.Context, tenantID, class string, increment int) (*QuotaResult, error) {
	body := map[string]any{
		"tenantId":  tenantID,
		"class":     class,
		"increment": increment,
	}
	var out QuotaResult
	if _, err := p.do(ctx, http.MethodPost, "/internal/quotas/check", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReleaseQuota decrements a previously committed counter, e.g. when a
// session stops. Best-effort.
func (p *PolicyClient) ReleaseQuota(ctx context.Context, tenantID, class string) {
	body := map[string]any{"tenantId": tenantID, "class": class, "increment": -1}
	if _, err := p.do(ctx, http.MethodPost, "/internal/quotas/check", body, nil); err != nil {
		slog.Debug("quota release failed", "tenant", tenantID, "class", class, "error", err)
	}
}

// WriteSecurityEvent records a security event. Failures never block the
// primary response; they are logged and dropped.
func (p *PolicyClient) WriteSecurityEvent(ctx context.Context, ev SecurityEvent) {
	if _, err := p.do(ctx, http.MethodPost, "/internal/security-events", ev, nil); err != nil {
		slog.Warn("security event write failed", "kind", ev.Kind, "error", err)
	}
}

// do executes one JSON round-trip. It returns found=false on 404 so
// callers can distinguish absence from failure.
func (p *PolicyClient) do(ctx context.Context, method, path string, in, out any) (found bool, err error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return false, fmt.Errorf("encode policy request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return false, fmt.Errorf("build policy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.serviceKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("policy store unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("policy store returned %d for %s %s", resp.StatusCode, method, path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decode policy response: %w", err)
		}
	}
	return true, nil
}
