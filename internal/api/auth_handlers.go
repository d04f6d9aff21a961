package api

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/opentestimony/ot-backend/internal/auth"
	"github.com/opentestimony/ot-backend/internal/data"
	"github.com/opentestimony/ot-backend/internal/middleware"
	"github.com/opentestimony/ot-backend/internal/ratelimit"
	"github.com/opentestimony/ot-backend/internal/tokens"
)

// dummyHash keeps the password check on the same code path when the
// username does not exist, so response timing does not leak which half
// failed.
const dummyHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

type AuthHandler struct {
	DB         *sql.DB
	Users      data.UserModel
	Tokens     *tokens.Manager
	Blacklist  auth.TokenBlacklist
	Limiter    *ratelimit.Limiter
	SessionTTL time.Duration
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login checks credentials under a per-(IP, username) lockout window.
// Unlike the upload limiter this one fails closed: if redis is down we
// would rather turn away logins than allow unbounded guessing.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeErr(w, http.StatusUnprocessableEntity, "username and password are required")
		return
	}

	ip := middleware.ClientIP(r)
	decision, err := h.Limiter.Check(r.Context(), h.Limiter.LoginKey(ip, req.Username), ratelimit.DefaultLogin)
	if err != nil {
		log.Printf("[Auth] login limiter: %v", err)
		writeErr(w, http.StatusServiceUnavailable, "try again later")
		return
	}
	if !decision.Allowed {
		middleware.WriteRateLimitHeaders(w, decision)
		writeErr(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}

	user, err := h.Users.GetByUsername(r.Context(), req.Username)
	if errors.Is(err, data.ErrUserNotFound) {
		auth.CheckPassword(req.Password, dummyHash)
		writeErr(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	match, err := auth.CheckPassword(req.Password, user.PasswordHash)
	if err != nil || !match || !user.IsActive {
		writeErr(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.Tokens.GenerateSessionToken(user.ID.String(), user.Role)
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	// Successful login resets the lockout window.
	if err := h.Limiter.ClearLogin(r.Context(), ip, req.Username); err != nil {
		log.Printf("[Auth] clear lockout: %v", err)
	}
	if err := h.Users.TouchLogin(r.Context(), user.ID); err != nil {
		log.Printf("[Auth] touch login: %v", err)
	}

	http.SetCookie(w, h.sessionCookie(token, int(h.SessionTTL.Seconds())))
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  user,
	})
}

// Logout blacklists the current token for its remaining lifetime and
// clears the cookie.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if ok && ac.TokenID != "" {
		if err := h.Blacklist.AddToBlacklist(r.Context(), ac.TokenID, h.SessionTTL); err != nil {
			log.Printf("[Auth] blacklist: %v", err)
			writeErr(w, http.StatusInternalServerError, "logout failed")
			return
		}
	}
	http.SetCookie(w, h.sessionCookie("", -1))
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// Me returns the authenticated user's record.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	ac, ok := middleware.GetAuthContext(r.Context())
	if !ok {
		writeErr(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	id, err := parseUUID(ac.UserID)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	user, err := h.Users.GetByID(r.Context(), id)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     tokens.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
