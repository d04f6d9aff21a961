package data

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrUsernameDuplicate = errors.New("username already exists")
)

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

type User struct {
	ID           uuid.UUID  `json:"id"`
	Username     string     `json:"username"`
	DisplayName  string     `json:"display_name"`
	PasswordHash string     `json:"-"`
	Role         string     `json:"role"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

type UserModel struct {
	DB DBTX
}

func (m UserModel) GetByUsername(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT id, username, display_name, password_hash, role, is_active, created_at, last_login_at
		FROM users WHERE username = $1`
	var u User
	err := m.DB.QueryRowContext(ctx, query, username).Scan(
		&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt, &u.LastLoginAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (m UserModel) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `
		SELECT id, username, display_name, password_hash, role, is_active, created_at, last_login_at
		FROM users WHERE id = $1`
	var u User
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Username, &u.DisplayName, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt, &u.LastLoginAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (m UserModel) Create(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (username, display_name, password_hash, role, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`
	err := m.DB.QueryRowContext(ctx, query, u.Username, u.DisplayName, u.PasswordHash, u.Role, u.IsActive).
		Scan(&u.ID, &u.CreatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrUsernameDuplicate
	}
	return err
}

func (m UserModel) List(ctx context.Context) ([]*User, error) {
	rows, err := m.DB.QueryContext(ctx, `
		SELECT id, username, display_name, role, is_active, created_at, last_login_at
		FROM users ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Role, &u.IsActive, &u.CreatedAt, &u.LastLoginAt); err != nil {
			return nil, err
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (m UserModel) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	res, err := m.DB.ExecContext(ctx, `UPDATE users SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (m UserModel) SetPasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	res, err := m.DB.ExecContext(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, hash, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (m UserModel) TouchLogin(ctx context.Context, id uuid.UUID) error {
	_, err := m.DB.ExecContext(ctx, `UPDATE users SET last_login_at = NOW() WHERE id = $1`, id)
	return err
}

func (m UserModel) Count(ctx context.Context) (int, error) {
	var n int
	err := m.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}
