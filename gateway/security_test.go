package gateway

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"
)

func TestRequestID(t *testing.T) {
	pattern := regexp.MustCompile(`^req_\d+_[0-9a-f]{9}$`)

	t.Run("format", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			if id := newRequestID(); !pattern.MatchString(id) {
				t.Errorf("request id %q does not match req_<millis>_<9-char-random>", id)
			}
		}
	})

	t.Run("middleware attaches id to context and header", func(t *testing.T) {
		var seen string
		h := withRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFrom(r.Context())
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if seen == "" || !pattern.MatchString(seen) {
			t.Errorf("context request id = %q", seen)
		}
		if rec.Header().Get("X-Request-Id") != seen {
			t.Errorf("header id %q != context id %q", rec.Header().Get("X-Request-Id"), seen)
		}
	})
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"https://app.example.com", "https://*.preview.example.com"}

	cases := []struct {
		origin string
		want   bool
	}{
		{"https://app.example.com", true},
		{"https://evil.com", false},
		{"https://x.preview.example.com", true},
		{"https://a.b.preview.example.com", true},
		{"https://x.preview.example.com/path", false},
		{"http://app.example.com", false},
	}
	for _, c := range cases {
		if got := originAllowed(c.origin, allowed); got != c.want {
			t.Errorf("originAllowed(%q) = %v, want %v", c.origin, got, c.want)
		}
	}

	if !originAllowed("https://anything.dev", []string{"*"}) {
		t.Error("bare wildcard should allow every origin")
	}
}

func TestCORSMiddleware(t *testing.T) {
	h := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), []string{"https://app.example.com"})

	t.Run("allowed origin echoed with credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
			t.Errorf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
		}
		if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
			t.Error("credentials header missing")
		}
	})

	t.Run("disallowed origin gets no CORS headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("disallowed origin must not be echoed")
		}
	})

	t.Run("preflight short-circuits", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Errorf("preflight status = %d, want 204", rec.Code)
		}
	})
}

func TestIPRateLimiter(t *testing.T) {
	t.Run("burst then deny", func(t *testing.T) {
		rl := newIPRateLimiter(60, 3)
		for i := 0; i < 3; i++ {
			if !rl.Allow("10.0.0.1") {
				t.Fatalf("request %d within burst should pass", i+1)
			}
		}
		if rl.Allow("10.0.0.1") {
			t.Error("request past the burst should be limited")
		}
	})

	t.Run("ips are independent", func(t *testing.T) {
		rl := newIPRateLimiter(60, 1)
		if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.2") {
			t.Error("distinct IPs must not share a bucket")
		}
	})

	t.Run("stale entries are evicted", func(t *testing.T) {
		rl := newIPRateLimiter(60, 1)
		rl.Allow("10.0.0.9")
		rl.mu.Lock()
		rl.limiters["10.0.0.9"].lastSeen = time.Now().Add(-time.Hour)
		rl.mu.Unlock()
		rl.evictStale()
		rl.mu.Lock()
		_, still := rl.limiters["10.0.0.9"]
		rl.mu.Unlock()
		if still {
			t.Error("stale limiter should be evicted")
		}
	})
}

func TestClientIPResolver(t *testing.T) {
	t.Run("untrusted peer uses socket address", func(t *testing.T) {
		res := newClientIPResolver(nil)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:5123"
		req.Header.Set("X-Forwarded-For", "9.9.9.9")
		if got := res.Resolve(req); got != "203.0.113.7" {
			t.Errorf("ip = %q, want socket address", got)
		}
	})

	t.Run("trusted proxy honours forwarded chain", func(t *testing.T) {
		res := newClientIPResolver([]string{"10.0.0.0/8"})
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.1.2.3:443"
		req.Header.Set("X-Forwarded-For", "198.51.100.4, 10.1.2.3")
		if got := res.Resolve(req); got != "198.51.100.4" {
			t.Errorf("ip = %q, want first forwarded hop", got)
		}
	})

	t.Run("invalid cidr ignored", func(t *testing.T) {
		res := newClientIPResolver([]string{"not-a-cidr", "10.0.0.0/8"})
		if len(res.trusted) != 1 {
			t.Errorf("trusted blocks = %d, want 1", len(res.trusted))
		}
	})
}

func TestLimitBody(t *testing.T) {
	h := limitBody(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		for {
			if _, err := r.Body.Read(buf); err != nil {
				if _, tooLarge := err.(*http.MaxBytesError); tooLarge {
					w.WriteHeader(http.StatusRequestEntityTooLarge)
				}
				return
			}
		}
	}), 16)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Body = http.NoBody
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("empty body status = %d", rec.Code)
	}
}
