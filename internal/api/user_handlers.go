package api

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/opentestimony/ot-backend/internal/audit"
	"github.com/opentestimony/ot-backend/internal/auth"
	"github.com/opentestimony/ot-backend/internal/data"
)

// UserHandler is the admin-only account surface.
type UserHandler struct {
	DB    *sql.DB
	Users data.UserModel
	Audit *audit.Service
}

func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.Users.List(r.Context())
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "count": len(users)})
}

type createUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
	Role        string `json:"role"`
}

func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeErr(w, http.StatusUnprocessableEntity, "username and password are required")
		return
	}
	if req.Role != data.RoleAdmin && req.Role != data.RoleStaff {
		writeErr(w, http.StatusUnprocessableEntity, "role must be admin or staff")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if errors.Is(err, auth.ErrPasswordTooLong) {
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	user := &data.User{
		Username:     req.Username,
		DisplayName:  req.DisplayName,
		PasswordHash: hash,
		Role:         req.Role,
		IsActive:     true,
	}

	tx, err := h.DB.BeginTx(r.Context(), nil)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	defer tx.Rollback()

	users := data.UserModel{DB: tx}
	if err := users.Create(r.Context(), user); err != nil {
		writeDomainErr(w, err)
		return
	}
	_, err = h.Audit.Append(r.Context(), tx, audit.EventUserCreated, map[string]any{
		"username": user.Username,
		"role":     user.Role,
	}, audit.Ref{UserID: actorID(r)})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

func (h *UserHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req setActiveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// Admins cannot deactivate themselves; that is how systems get locked
	// out for good.
	if ac := actorID(r); !req.Active && ac == id.String() {
		writeErr(w, http.StatusUnprocessableEntity, "cannot deactivate your own account")
		return
	}

	tx, err := h.DB.BeginTx(r.Context(), nil)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	defer tx.Rollback()

	users := data.UserModel{DB: tx}
	if err := users.SetActive(r.Context(), id, req.Active); err != nil {
		writeDomainErr(w, err)
		return
	}
	_, err = h.Audit.Append(r.Context(), tx, audit.EventUserUpdated, map[string]any{
		"target_user": id.String(),
		"active":      req.Active,
	}, audit.Ref{UserID: actorID(r)})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": req.Active})
}

type resetPasswordRequest struct {
	Password string `json:"password"`
}

func (h *UserHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Password == "" {
		writeErr(w, http.StatusUnprocessableEntity, "password is required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if errors.Is(err, auth.ErrPasswordTooLong) {
		writeErr(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		writeDomainErr(w, err)
		return
	}

	tx, err := h.DB.BeginTx(r.Context(), nil)
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	defer tx.Rollback()

	users := data.UserModel{DB: tx}
	if err := users.SetPasswordHash(r.Context(), id, hash); err != nil {
		writeDomainErr(w, err)
		return
	}
	_, err = h.Audit.Append(r.Context(), tx, audit.EventPasswordReset, map[string]any{
		"target_user": id.String(),
	}, audit.Ref{UserID: actorID(r)})
	if err != nil {
		writeDomainErr(w, err)
		return
	}
	if err := tx.Commit(); err != nil {
		writeDomainErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "password reset"})
}
