// Package auth resolves API tokens to users. Tokens have the form
// sm_<id>_<secret>; only a bcrypt hash of the secret is stored.
package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// APITokenPrefix marks a shopmon API token.
const APITokenPrefix = "sm_"

// ErrInvalidToken is returned for malformed, unknown or mismatching tokens.
var ErrInvalidToken = errors.New("invalid api token")

// ErrNotFound is returned when a user or token does not exist.
var ErrNotFound = errors.New("not found")

// User is an account that can subscribe to shops.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// APIToken describes an issued token. The secret is never returned after
// creation.
type APIToken struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Service provides authentication operations.
type Service struct {
	db *sql.DB
}

// NewService creates an auth service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateUser inserts a user.
func (s *Service) CreateUser(ctx context.Context, email, name string) (*User, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("invalid email: %w", err)
	}
	u := &User{
		ID:        uuid.New().String(),
		Email:     strings.ToLower(addr.Address),
		Name:      strings.TrimSpace(name),
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return u, nil
}

// GetUser returns a user by ID.
func (s *Service) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	var created string
	err := s.db.QueryRowContext(ctx, `SELECT id, email, name, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &u, nil
}

// HasUsers returns true if at least one user account exists.
func (s *Service) HasUsers(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateToken issues a token for userID and returns its plaintext form.
func (s *Service) CreateToken(ctx context.Context, userID, name string) (string, *APIToken, error) {
	secret, err := generateSecret()
	if err != nil {
		return "", nil, fmt.Errorf("generating token secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing token secret: %w", err)
	}

	t := &APIToken{
		ID:        strings.ReplaceAll(uuid.New().String(), "-", ""),
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_tokens (id, user_id, name, secret_hash, created_at) VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.Name, string(hash), t.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return "", nil, fmt.Errorf("creating api token: %w", err)
	}
	return APITokenPrefix + t.ID + "_" + secret, t, nil
}

// ValidateAPIToken returns the user ID the token belongs to.
func (s *Service) ValidateAPIToken(ctx context.Context, token string) (string, error) {
	rest, ok := strings.CutPrefix(token, APITokenPrefix)
	if !ok {
		return "", ErrInvalidToken
	}
	id, secret, ok := strings.Cut(rest, "_")
	if !ok || id == "" || secret == "" {
		return "", ErrInvalidToken
	}

	var userID, hash string
	err := s.db.QueryRowContext(ctx, `SELECT user_id, secret_hash FROM api_tokens WHERE id = ?`, id).
		Scan(&userID, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("querying api token: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return "", ErrInvalidToken
	}

	_, _ = s.db.ExecContext(ctx, `UPDATE api_tokens SET last_used_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	return userID, nil
}

// ListTokens returns a user's tokens, newest first.
func (s *Service) ListTokens(ctx context.Context, userID string) ([]APIToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, last_used_at, created_at FROM api_tokens
		WHERE user_id = ? ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing api tokens: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	tokens := []APIToken{}
	for rows.Next() {
		var t APIToken
		var lastUsed sql.NullString
		var created string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &lastUsed, &created); err != nil {
			return nil, fmt.Errorf("scanning api token: %w", err)
		}
		if lastUsed.Valid {
			if ts, err := time.Parse(time.RFC3339, lastUsed.String); err == nil {
				t.LastUsedAt = &ts
			}
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, created)
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// RevokeToken deletes one of the user's tokens.
func (s *Service) RevokeToken(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("revoking api token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func generateSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
