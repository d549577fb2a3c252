// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package store

import (
	"database/sql"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/LingshijunRenzy/ICS-guard/internal/errors"
)

// User is an operator account on the application REST surface.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// CreateUser inserts a new account with a bcrypt-hashed password.
// Duplicate usernames surface as a conflict.
func (s *Store) CreateUser(username, password, role string) (*User, error) {
	if username == "" || password == "" {
		return nil, errors.New(errors.KindValidation, "username and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "hash password")
	}

	var id int64
	err = s.withRetry(func() error {
		res, execErr := s.db.Exec(`
			INSERT INTO app_users (username, password_hash, role) VALUES (?, ?, ?)`,
			username, string(hash), role)
		if execErr != nil {
			return execErr
		}
		id, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, errors.Errorf(errors.KindConflict, "username %s already exists", username)
		}
		return nil, errors.Wrap(err, errors.KindInternal, "create user")
	}

	return &User{ID: id, Username: username, PasswordHash: string(hash), Role: role}, nil
}

// GetUser returns the account for username or a not-found error.
func (s *Store) GetUser(username string) (*User, error) {
	var u User
	err := s.db.QueryRow(`
		SELECT id, username, password_hash, role, created_at
		FROM app_users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf(errors.KindNotFound, "user %s not found", username)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "get user")
	}
	return &u, nil
}

// Authenticate verifies the password for username.
func (s *Store) Authenticate(username, password string) (*User, error) {
	u, err := s.GetUser(username)
	if err != nil {
		if errors.GetKind(err) == errors.KindNotFound {
			return nil, errors.New(errors.KindAuthentication, "invalid credentials")
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, errors.New(errors.KindAuthentication, "invalid credentials")
	}
	return u, nil
}

// EnsureAdmin seeds the default admin account if no users exist.
func (s *Store) EnsureAdmin(password string) error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM app_users`).Scan(&n); err != nil {
		return errors.Wrap(err, errors.KindInternal, "count users")
	}
	if n > 0 {
		return nil
	}
	_, err := s.CreateUser("admin", password, "admin")
	return err
}
