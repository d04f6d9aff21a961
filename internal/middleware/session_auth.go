package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/opentestimony/ot-backend/internal/auth"
	"github.com/opentestimony/ot-backend/internal/tokens"
)

// writeDetail emits the {detail: ...} error body every surface uses, so
// middleware rejections look the same as handler ones.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

type TokenValidator interface {
	ValidateToken(tokenString string) (*tokens.Claims, error)
}

// SessionAuth validates the session token carried in the ot_session cookie
// (or an Authorization: Bearer header, which the indexing bridge accepts for
// non-browser clients) and injects AuthContext.
type SessionAuth struct {
	tokens    TokenValidator
	blacklist auth.TokenBlacklist
}

func NewSessionAuth(t TokenValidator, b auth.TokenBlacklist) *SessionAuth {
	return &SessionAuth{tokens: t, blacklist: b}
}

func (m *SessionAuth) tokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(tokens.CookieName); err == nil && c.Value != "" {
		return c.Value
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
	}
	// Websocket clients cannot set headers on the handshake.
	return r.URL.Query().Get("token")
}

// Middleware verifies the session token and injects AuthContext.
func (m *SessionAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := m.tokenFromRequest(r)
		if tokenString == "" {
			writeDetail(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		// 1. Validate signature & claims
		claims, err := m.tokens.ValidateToken(tokenString)
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		// 2. Check blacklist. Fail closed.
		blacklisted, err := m.blacklist.IsBlacklisted(r.Context(), claims.ID)
		if err != nil {
			writeDetail(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		if blacklisted {
			writeDetail(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		// 3. Inject context
		ac := &AuthContext{
			UserID:  claims.UserID,
			Role:    claims.Role,
			TokenID: claims.ID,
		}

		ctx := WithAuthContext(r.Context(), ac)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireStaff allows any authenticated operator (staff or admin).
func RequireStaff(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := GetAuthContext(r.Context())
		if !ok || (ac.Role != "staff" && ac.Role != "admin") {
			writeDetail(w, http.StatusForbidden, "insufficient role")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin gates user management and destructive operations.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ac, ok := GetAuthContext(r.Context())
		if !ok || !ac.IsAdmin() {
			writeDetail(w, http.StatusForbidden, "insufficient role")
			return
		}
		next.ServeHTTP(w, r)
	})
}
