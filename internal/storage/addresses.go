package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Address errors.
var (
	ErrAddressNotFound = errors.New("address not found")
	ErrAddressExists   = errors.New("address already recorded")
)

// Address is an issued deposit address. SubaddrIndex is the Monero
// subaddress minor index; it is nil for Bitcoin-family coins.
type Address struct {
	ID           int64
	UserID       int64
	Coin         string
	Address      string
	SubaddrIndex *int64
	CreatedAt    time.Time
}

// CreateAddress records a newly issued deposit address. A duplicate
// (coin, address) pair returns ErrAddressExists so callers can retry
// issuance against the node.
func (s *Storage) CreateAddress(a *Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.CreatedAt = time.Now()
	var subaddr interface{}
	if a.SubaddrIndex != nil {
		subaddr = *a.SubaddrIndex
	}
	res, err := s.db.Exec(`
		INSERT INTO addresses (user_id, coin_symbol, address, subaddr_index, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.UserID, a.Coin, a.Address, subaddr, a.CreatedAt.Unix())
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrAddressExists
		}
		return fmt.Errorf("failed to create address: %w", err)
	}

	a.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get address id: %w", err)
	}
	return nil
}

// GetUserAddress returns the user's most recently issued address for a
// coin, or ErrAddressNotFound.
func (s *Storage) GetUserAddress(userID int64, coin string) (*Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, user_id, coin_symbol, address, subaddr_index, created_at
		FROM addresses WHERE user_id = ? AND coin_symbol = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, userID, coin)

	a, err := scanAddress(row)
	if err == sql.ErrNoRows {
		return nil, ErrAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address: %w", err)
	}
	return a, nil
}

// ListAddresses returns a user's issued addresses, newest first, optionally
// filtered by coin and capped at limit.
func (s *Storage) ListAddresses(userID int64, coin string, limit int) ([]*Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, coin_symbol, address, subaddr_index, created_at
		FROM addresses WHERE user_id = ?`
	args := []interface{}{userID}
	if coin != "" {
		query += ` AND coin_symbol = ?`
		args = append(args, coin)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	defer rows.Close()

	var addresses []*Address
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		addresses = append(addresses, a)
	}
	return addresses, rows.Err()
}

// AddressOwners returns a map from address string to owning user id for
// every issued address of a coin. The deposit sync loop uses it to route
// incoming receipts.
func (s *Storage) AddressOwners(coin string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT address, user_id FROM addresses WHERE coin_symbol = ?
	`, coin)
	if err != nil {
		return nil, fmt.Errorf("failed to query address owners: %w", err)
	}
	defer rows.Close()

	owners := make(map[string]int64)
	for rows.Next() {
		var addr string
		var userID int64
		if err := rows.Scan(&addr, &userID); err != nil {
			return nil, fmt.Errorf("failed to scan address owner: %w", err)
		}
		owners[addr] = userID
	}
	return owners, rows.Err()
}

func scanAddress(row rowScanner) (*Address, error) {
	var a Address
	var subaddr sql.NullInt64
	var createdAt int64
	err := row.Scan(&a.ID, &a.UserID, &a.Coin, &a.Address, &subaddr, &createdAt)
	if err != nil {
		return nil, err
	}
	if subaddr.Valid {
		idx := subaddr.Int64
		a.SubaddrIndex = &idx
	}
	a.CreatedAt = time.Unix(createdAt, 0)
	return &a, nil
}
