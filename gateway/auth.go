package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Permission names declared by protected routes.
const (
	PermPreviewCreate = "preview:create"
	PermPreviewWrite  = "preview:write"
	PermPreviewRead   = "preview:read"
	PermPreviewStop   = "preview:stop"
)

// Identity is the resolved caller: user, tenant, and capability surface.
type Identity struct {
	UserID string
	Email  string
	OrgID  string
	Role   string
	Scopes []string
}

// Tenant returns the quota key: organization id, falling back to user id.
func (id *Identity) Tenant() string {
	if id.OrgID != "" {
		return id.OrgID
	}
	return id.UserID
}

type identityCtxKey struct{}

// withIdentity stores the caller identity on the request context.
func withIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, id)
}

// IdentityFrom returns the authenticated identity, or nil on anonymous paths.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityCtxKey{}).(*Identity)
	return id
}

// Authenticator implements the two-mode auth pipeline: API key first,
// bearer token second. Positive API-key lookups are cached briefly so the
// editor's patch stream doesn't hammer the policy store.
type Authenticator struct {
	cfg      *AuthConfig
	policy   *PolicyClient
	jwks     keyfunc.Keyfunc
	keyCache *ristretto.Cache[string, *KeyRecord]
}

// NewAuthenticator builds the pipeline. The JWKS fetch failing is fatal
// only when a JWKS URL is configured — API-key-only deployments are valid.
func NewAuthenticator(ctx context.Context, cfg *AuthConfig, policy *PolicyClient) (*Authenticator, error) {
	a := &Authenticator{cfg: cfg, policy: policy}

	if cfg.JWKSURL != "" {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		kf, err := keyfunc.NewDefaultCtx(initCtx, []string{cfg.JWKSURL})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize JWKS from %q: %w", cfg.JWKSURL, err)
		}
		a.jwks = kf
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *KeyRecord]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build api key cache: %w", err)
	}
	a.keyCache = cache

	return a, nil
}

// Authenticate resolves the caller from the request, trying API key then
// bearer token. Returns ErrUnauthorized when neither verifies.
func (a *Authenticator) Authenticate(r *http.Request, clientIP string) (*Identity, error) {
	if a.cfg.DevMode {
		return &Identity{UserID: "dev-user", Email: "dev@localhost", Role: "owner", Scopes: []string{"*"}}, nil
	}

	if key := r.Header.Get("x-api-key"); key != "" {
		return a.authenticateAPIKey(r.Context(), key, clientIP)
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return a.authenticateBearer(r.Context(), parts[1])
		}
	}

	return nil, fmt.Errorf("%w: missing credentials", ErrUnauthorized)
}

// authenticateAPIKey hashes the key and resolves it via cache or policy store.
func (a *Authenticator) authenticateAPIKey(ctx context.Context, key, clientIP string) (*Identity, error) {
	sum := sha256.Sum256([]byte(key))
	hash := hex.EncodeToString(sum[:])

	rec, cached := a.keyCache.Get(hash)
	if !cached {
		var err error
		rec, err = a.policy.LookupAPIKey(ctx, hash)
		if err != nil {
			// Auth fails closed, unlike quotas.
			return nil, fmt.Errorf("%w: key verification unavailable", ErrUnauthorized)
		}
		if rec != nil {
			a.keyCache.SetWithTTL(hash, rec, 1, a.cfg.KeyCacheTTL)
		}
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: unknown api key", ErrUnauthorized)
	}
	if !rec.Active {
		return nil, fmt.Errorf("%w: api key inactive", ErrUnauthorized)
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		return nil, fmt.Errorf("%w: api key expired", ErrUnauthorized)
	}

	// Usage recording is fire-and-forget; counter failures are non-fatal.
	go a.policy.RecordKeyUsage(context.WithoutCancel(ctx), rec.KeyID, clientIP)

	return &Identity{
		UserID: rec.UserID,
		Email:  rec.UserEmail,
		OrgID:  rec.OrgID,
		Scopes: rec.Scopes,
	}, nil
}

// bearerClaims are the token claims the gateway cares about.
type bearerClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// authenticateBearer verifies the token against the identity provider's
// JWKS and resolves the user's primary organization membership.
func (a *Authenticator) authenticateBearer(ctx context.Context, tokenString string) (*Identity, error) {
	if a.jwks == nil {
		return nil, fmt.Errorf("%w: bearer tokens not configured", ErrUnauthorized)
	}

	var claims bearerClaims
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &claims, a.jwks.Keyfunc, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token missing subject", ErrUnauthorized)
	}

	id := &Identity{UserID: claims.Subject, Email: claims.Email}

	membership, err := a.policy.ResolveMembership(ctx, claims.Subject)
	if err != nil {
		slog.Warn("membership resolution failed", "user_id", claims.Subject, "error", err)
	} else if membership != nil {
		id.OrgID = membership.OrgID
		id.Role = membership.Role
		id.Scopes = membership.Permissions
	}

	return id, nil
}

// HasPermission implements the permission ladder: wildcard scope, elevated
// role, explicit scope, then a policy-store RPC as the final word.
func (a *Authenticator) HasPermission(ctx context.Context, id *Identity, permission string) bool {
	if slices.Contains(id.Scopes, "*") {
		return true
	}
	if id.Role == "owner" || id.Role == "admin" {
		return true
	}
	if slices.Contains(id.Scopes, permission) {
		return true
	}
	granted, err := a.policy.CheckPermission(ctx, id.UserID, permission)
	if err != nil {
		slog.Warn("permission rpc failed", "user_id", id.UserID, "permission", permission, "error", err)
		return false
	}
	return granted
}

// OwnsSession reports whether the caller may act on the session: either
// the owning user, or an owner/admin of the session's organization.
func OwnsSession(id *Identity, sess *Session) bool {
	if subtle.ConstantTimeCompare([]byte(id.UserID), []byte(sess.UserID)) == 1 {
		return true
	}
	if sess.OrgID != "" && id.OrgID == sess.OrgID && (id.Role == "owner" || id.Role == "admin") {
		return true
	}
	return false
}
