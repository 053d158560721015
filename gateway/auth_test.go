package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePolicyStore is an httptest-backed policy store with canned
// responses and recorded security events.
type fakePolicyStore struct {
	mu           sync.Mutex
	keys         map[string]KeyRecord // by hash
	members      map[string]Membership
	granted      map[string]bool // "userID/permission"
	quota        QuotaResult
	quotaByClass map[string]QuotaResult // overrides quota when set
	quotaFail    bool
	releases     map[string]int // negative-increment calls by class
	events       []SecurityEvent
	usageCalls   int
	srv          *httptest.Server
}

func newFakePolicyStore(t *testing.T) *fakePolicyStore {
	f := &fakePolicyStore{
		keys:     make(map[string]KeyRecord),
		members:  make(map[string]Membership),
		granted:  make(map[string]bool),
		quota:    QuotaResult{Allowed: true, Current: 1, Limit: 10},
		releases: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /internal/api-keys/{hash}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		rec, ok := f.keys[r.PathValue("hash")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(rec) //nolint:errcheck
	})
	mux.HandleFunc("POST /internal/api-keys/{id}/usage", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.usageCalls++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /internal/users/{id}/membership", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		m, ok := f.members[r.PathValue("id")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(m) //nolint:errcheck
	})
	mux.HandleFunc("POST /internal/permissions/check", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ UserID, Permission string }
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
		f.mu.Lock()
		granted := f.granted[req.UserID+"/"+req.Permission]
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]bool{"granted": granted}) //nolint:errcheck
	})
	mux.HandleFunc("POST /internal/quotas/check", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Class     string `json:"class"`
			Increment int    `json:"increment"`
		}
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
		f.mu.Lock()
		fail, res := f.quotaFail, f.quota
		if byClass, ok := f.quotaByClass[req.Class]; ok {
			res = byClass
		}
		if req.Increment < 0 {
			f.releases[req.Class]++
			res = QuotaResult{Allowed: true}
		}
		f.mu.Unlock()
		if fail {
			http.Error(w, "policy store down", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(res) //nolint:errcheck
	})
	mux.HandleFunc("POST /internal/security-events", func(w http.ResponseWriter, r *http.Request) {
		var ev SecurityEvent
		json.NewDecoder(r.Body).Decode(&ev) //nolint:errcheck
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakePolicyStore) client() *PolicyClient {
	return NewPolicyClient(f.srv.URL, "service-key")
}

func (f *fakePolicyStore) addKey(key string, rec KeyRecord) {
	sum := sha256.Sum256([]byte(key))
	f.mu.Lock()
	f.keys[hex.EncodeToString(sum[:])] = rec
	f.mu.Unlock()
}

func (f *fakePolicyStore) setQuotaByClass(byClass map[string]QuotaResult) {
	f.mu.Lock()
	f.quotaByClass = byClass
	f.mu.Unlock()
}

func (f *fakePolicyStore) quotaReleases(class string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.releases[class]
}

func (f *fakePolicyStore) eventKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]string, len(f.events))
	for i, ev := range f.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func newTestAuthenticator(t *testing.T, store *fakePolicyStore, mutate func(*AuthConfig)) *Authenticator {
	t.Helper()
	cfg := &AuthConfig{KeyCacheTTL: 30 * time.Second}
	if mutate != nil {
		mutate(cfg)
	}
	auth, err := NewAuthenticator(context.Background(), cfg, store.client())
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return auth
}

func TestAuthenticateAPIKey(t *testing.T) {
	store := newFakePolicyStore(t)
	auth := newTestAuthenticator(t, store, nil)

	store.addKey("good-key", KeyRecord{
		KeyID:  "k1",
		UserID: "user-a",
		OrgID:  "org-1",
		Scopes: []string{PermPreviewCreate},
		Active: true,
	})
	inactive := KeyRecord{KeyID: "k2", UserID: "user-b", Active: false}
	store.addKey("inactive-key", inactive)
	past := time.Now().Add(-time.Hour)
	store.addKey("expired-key", KeyRecord{KeyID: "k3", UserID: "user-c", Active: true, ExpiresAt: &past})

	request := func(key string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/preview", nil)
		r.Header.Set("x-api-key", key)
		return r
	}

	t.Run("valid key resolves identity", func(t *testing.T) {
		id, err := auth.Authenticate(request("good-key"), "1.2.3.4")
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if id.UserID != "user-a" || id.OrgID != "org-1" {
			t.Errorf("identity = %+v", id)
		}
		if id.Tenant() != "org-1" {
			t.Errorf("tenant = %q, want org-1", id.Tenant())
		}
	})

	t.Run("unknown key fails closed", func(t *testing.T) {
		if _, err := auth.Authenticate(request("bad-key"), "1.2.3.4"); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("inactive key rejected", func(t *testing.T) {
		if _, err := auth.Authenticate(request("inactive-key"), "1.2.3.4"); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("expired key rejected", func(t *testing.T) {
		if _, err := auth.Authenticate(request("expired-key"), "1.2.3.4"); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("missing credentials rejected", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/api/preview", nil)
		if _, err := auth.Authenticate(r, "1.2.3.4"); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("err = %v, want ErrUnauthorized", err)
		}
	})

	t.Run("tenant falls back to user id", func(t *testing.T) {
		id := &Identity{UserID: "solo"}
		if id.Tenant() != "solo" {
			t.Errorf("tenant = %q, want solo", id.Tenant())
		}
	})
}

func TestDevModeBypass(t *testing.T) {
	store := newFakePolicyStore(t)
	auth := newTestAuthenticator(t, store, func(c *AuthConfig) { c.DevMode = true })

	r := httptest.NewRequest(http.MethodGet, "/api/preview", nil)
	id, err := auth.Authenticate(r, "127.0.0.1")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if len(id.Scopes) != 1 || id.Scopes[0] != "*" {
		t.Errorf("dev identity scopes = %v, want wildcard", id.Scopes)
	}
}

func TestHasPermission(t *testing.T) {
	store := newFakePolicyStore(t)
	auth := newTestAuthenticator(t, store, nil)
	ctx := context.Background()

	t.Run("wildcard scope", func(t *testing.T) {
		id := &Identity{UserID: "u", Scopes: []string{"*"}}
		if !auth.HasPermission(ctx, id, PermPreviewCreate) {
			t.Error("wildcard scope should grant everything")
		}
	})

	t.Run("elevated roles", func(t *testing.T) {
		for _, role := range []string{"owner", "admin"} {
			id := &Identity{UserID: "u", Role: role}
			if !auth.HasPermission(ctx, id, PermPreviewStop) {
				t.Errorf("role %q should grant permissions", role)
			}
		}
	})

	t.Run("explicit scope", func(t *testing.T) {
		id := &Identity{UserID: "u", Scopes: []string{PermPreviewRead}}
		if !auth.HasPermission(ctx, id, PermPreviewRead) {
			t.Error("explicit scope should grant its permission")
		}
	})

	t.Run("policy rpc is the last resort", func(t *testing.T) {
		store.mu.Lock()
		store.granted["u/"+PermPreviewWrite] = true
		store.mu.Unlock()
		id := &Identity{UserID: "u"}
		if !auth.HasPermission(ctx, id, PermPreviewWrite) {
			t.Error("rpc grant should pass")
		}
		if auth.HasPermission(ctx, id, PermPreviewStop) {
			t.Error("ungranted permission should fail")
		}
	})
}

func TestOwnsSession(t *testing.T) {
	sess := newSession("p", "owner-user", "org-1", nil, 10)

	cases := []struct {
		name string
		id   Identity
		want bool
	}{
		{"owner", Identity{UserID: "owner-user"}, true},
		{"stranger", Identity{UserID: "someone-else"}, false},
		{"org admin", Identity{UserID: "boss", OrgID: "org-1", Role: "admin"}, true},
		{"org owner", Identity{UserID: "boss", OrgID: "org-1", Role: "owner"}, true},
		{"org member", Identity{UserID: "peer", OrgID: "org-1", Role: "member"}, false},
		{"other org admin", Identity{UserID: "boss", OrgID: "org-2", Role: "admin"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := OwnsSession(&c.id, sess); got != c.want {
				t.Errorf("OwnsSession = %v, want %v", got, c.want)
			}
		})
	}

	t.Run("no-org session is owner-only", func(t *testing.T) {
		solo := newSession("p", "owner-user", "", nil, 10)
		admin := &Identity{UserID: "boss", OrgID: "org-1", Role: "admin"}
		if OwnsSession(admin, solo) {
			t.Error("admins of unrelated orgs must not own personal sessions")
		}
	})
}

func TestBearerWithoutJWKS(t *testing.T) {
	store := newFakePolicyStore(t)
	auth := newTestAuthenticator(t, store, nil)

	r := httptest.NewRequest(http.MethodGet, "/api/preview", nil)
	r.Header.Set("Authorization", "Bearer "+strings.Repeat("x", 40))
	if _, err := auth.Authenticate(r, "1.2.3.4"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized when no JWKS configured", err)
	}
}
