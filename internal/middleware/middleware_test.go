package middleware_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/opentestimony/ot-backend/internal/middleware"
	"github.com/opentestimony/ot-backend/internal/ratelimit"
	"github.com/opentestimony/ot-backend/internal/tokens"
)

// Mock token validator
type MockTokenValidator struct{}

func (m MockTokenValidator) ValidateToken(token string) (*tokens.Claims, error) {
	switch token {
	case "valid-staff":
		return &tokens.Claims{UserID: "staff-user", Role: "staff"}, nil
	case "valid-admin":
		return &tokens.Claims{UserID: "admin-user", Role: "admin"}, nil
	case "revoked":
		c := &tokens.Claims{UserID: "staff-user", Role: "staff"}
		c.ID = "revoked-jti"
		return c, nil
	}
	return nil, tokens.ErrInvalidToken
}

// Mock blacklist
type MockBlacklist struct{}

func (m MockBlacklist) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	return jti == "revoked-jti", nil
}
func (m MockBlacklist) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	return nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSessionAuth(t *testing.T) {
	sa := middleware.NewSessionAuth(MockTokenValidator{}, MockBlacklist{})
	handler := sa.Middleware(okHandler())

	tests := []struct {
		name   string
		cookie string
		bearer string
		want   int
	}{
		{"no token", "", "", http.StatusUnauthorized},
		{"valid cookie", "valid-staff", "", http.StatusOK},
		{"valid bearer", "", "valid-staff", http.StatusOK},
		{"garbage cookie", "nope", "", http.StatusUnauthorized},
		{"revoked jti", "revoked", "", http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/videos", nil)
			if tc.cookie != "" {
				r.AddCookie(&http.Cookie{Name: tokens.CookieName, Value: tc.cookie})
			}
			if tc.bearer != "" {
				r.Header.Set("Authorization", "Bearer "+tc.bearer)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			if w.Code != tc.want {
				t.Errorf("got %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestRoleGates(t *testing.T) {
	sa := middleware.NewSessionAuth(MockTokenValidator{}, MockBlacklist{})

	adminOnly := sa.Middleware(middleware.RequireAdmin(okHandler()))
	staffOK := sa.Middleware(middleware.RequireStaff(okHandler()))

	req := func(token string) *http.Request {
		r := httptest.NewRequest("GET", "/api/users", nil)
		r.AddCookie(&http.Cookie{Name: tokens.CookieName, Value: token})
		return r
	}

	w := httptest.NewRecorder()
	adminOnly.ServeHTTP(w, req("valid-staff"))
	if w.Code != http.StatusForbidden {
		t.Errorf("staff reaching admin route: got %d, want 403", w.Code)
	}

	w = httptest.NewRecorder()
	adminOnly.ServeHTTP(w, req("valid-admin"))
	if w.Code != http.StatusOK {
		t.Errorf("admin reaching admin route: got %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	staffOK.ServeHTTP(w, req("valid-staff"))
	if w.Code != http.StatusOK {
		t.Errorf("staff reaching staff route: got %d, want 200", w.Code)
	}
}

func assertDetailBody(t *testing.T, w *httptest.ResponseRecorder, wantStatus int) {
	t.Helper()
	if w.Code != wantStatus {
		t.Fatalf("status %d, want %d", w.Code, wantStatus)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type %q, want application/json", ct)
	}
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %s", w.Body.String())
	}
	if body.Detail == "" {
		t.Error("detail field missing or empty")
	}
}

// Middleware rejections carry the same {detail} JSON body as handler
// errors, so clients never have to special-case plain-text responses.
func TestMiddlewareErrorsAreJSON(t *testing.T) {
	sa := middleware.NewSessionAuth(MockTokenValidator{}, MockBlacklist{})
	handler := sa.Middleware(middleware.RequireAdmin(okHandler()))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/users", nil))
	assertDetailBody(t, w, http.StatusUnauthorized)

	w = httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/users", nil)
	r.AddCookie(&http.Cookie{Name: tokens.CookieName, Value: "valid-staff"})
	handler.ServeHTTP(w, r)
	assertDetailBody(t, w, http.StatusForbidden)
}

func TestRateLimitMiddleware(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	limiter := ratelimit.NewLimiter(client, "test-salt")

	handler := middleware.RateLimit(limiter, ratelimit.LimitConfig{Rate: 3, Window: time.Minute}, "test")(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = "10.0.0.1:5000"
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i+1, w.Code)
		}
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5000"
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("over limit: got %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header when limited")
	}

	// Different IP has its own window.
	w = httptest.NewRecorder()
	r = httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.2:5000"
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("other IP: got %d, want 200", w.Code)
	}
}

func TestLoginWindowClears(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	limiter := ratelimit.NewLimiter(client, "test-salt")
	ctx := context.Background()

	key := limiter.LoginKey("10.0.0.1", "curator")
	for i := 0; i < 5; i++ {
		d, err := limiter.Check(ctx, key, ratelimit.DefaultLogin)
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("attempt %d unexpectedly blocked", i+1)
		}
	}

	d, err := limiter.Check(ctx, key, ratelimit.DefaultLogin)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Error("6th attempt should be blocked")
	}

	if err := limiter.ClearLogin(ctx, "10.0.0.1", "curator"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	d, err = limiter.Check(ctx, key, ratelimit.DefaultLogin)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed {
		t.Error("attempt after clear should be allowed")
	}
}
