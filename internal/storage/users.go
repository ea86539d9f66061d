package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrUserNotFound is returned when a user lookup matches nothing.
var ErrUserNotFound = errors.New("user not found")

// User represents an exchange account. Identity is a SHA-256 hash of the
// bearer API key; the key itself is never stored.
type User struct {
	ID         int64
	APIKeyHash string
	CreatedAt  time.Time
}

// CreateUser inserts a new user with the given API key hash.
func (s *Storage) CreateUser(apiKeyHash string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res, err := s.db.Exec(`
		INSERT INTO users (api_key_hash, created_at) VALUES (?, ?)
	`, apiKeyHash, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get user id: %w", err)
	}

	return &User{ID: id, APIKeyHash: apiKeyHash, CreatedAt: now}, nil
}

// GetUserByKeyHash looks up a user by API key hash.
func (s *Storage) GetUserByKeyHash(apiKeyHash string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u User
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT id, api_key_hash, created_at FROM users WHERE api_key_hash = ?
	`, apiKeyHash).Scan(&u.ID, &u.APIKeyHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0)
	return &u, nil
}

// GetUser looks up a user by id.
func (s *Storage) GetUser(id int64) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u User
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT id, api_key_hash, created_at FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.APIKeyHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0)
	return &u, nil
}
