package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meridian-exchange/meridiand/pkg/fixed"
)

// ErrBalanceNotFound is returned when a balance row does not exist.
var ErrBalanceNotFound = errors.New("balance not found")

// BalanceKey identifies a balance row.
type BalanceKey struct {
	UserID int64
	Coin   string
}

// Balance is a per-user, per-coin holding. Total is always
// Available + Locked.
type Balance struct {
	ID        int64
	UserID    int64
	Coin      string
	Total     fixed.Amount
	Available fixed.Amount
	Locked    fixed.Amount
}

// Key returns the balance's lock key.
func (b *Balance) Key() BalanceKey {
	return BalanceKey{UserID: b.UserID, Coin: b.Coin}
}

// GetBalanceForUpdate reads a balance row under the transaction for
// subsequent mutation. The caller must already hold the row's lock via
// LockBalances. Returns ErrBalanceNotFound if no row exists.
func (t *Tx) GetBalanceForUpdate(userID int64, coin string) (*Balance, error) {
	if t.done {
		return nil, ErrTxClosed
	}

	var b Balance
	err := t.tx.QueryRow(`
		SELECT id, user_id, coin_symbol, total, available, locked
		FROM balances WHERE user_id = ? AND coin_symbol = ?
	`, userID, coin).Scan(&b.ID, &b.UserID, &b.Coin, &b.Total, &b.Available, &b.Locked)
	if err == sql.ErrNoRows {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &b, nil
}

// GetOrCreateBalance reads a balance row, creating a zero row if none
// exists. The caller must hold the row's lock.
func (t *Tx) GetOrCreateBalance(userID int64, coin string) (*Balance, error) {
	b, err := t.GetBalanceForUpdate(userID, coin)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrBalanceNotFound) {
		return nil, err
	}

	res, err := t.tx.Exec(`
		INSERT INTO balances (user_id, coin_symbol, total, available, locked)
		VALUES (?, ?, 0, 0, 0)
	`, userID, coin)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get balance id: %w", err)
	}
	return &Balance{ID: id, UserID: userID, Coin: coin}, nil
}

// SaveBalance writes all three columns of a mutated balance row in a
// single statement, so the table check constraint never sees a partial
// update. The row is marked for the commit-time integrity check.
func (t *Tx) SaveBalance(b *Balance) error {
	if t.done {
		return ErrTxClosed
	}
	if b.Total != b.Available+b.Locked || b.Total < 0 || b.Available < 0 || b.Locked < 0 {
		return fmt.Errorf("%w: user=%d coin=%s total=%s available=%s locked=%s",
			ErrIntegrity, b.UserID, b.Coin, b.Total, b.Available, b.Locked)
	}

	_, err := t.tx.Exec(`
		UPDATE balances SET total = ?, available = ?, locked = ?
		WHERE user_id = ? AND coin_symbol = ?
	`, b.Total, b.Available, b.Locked, b.UserID, b.Coin)
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}

	t.markTouched(b.Key())
	return nil
}

// GetBalance reads a single balance outside any transaction. A missing row
// reads as all zeros.
func (s *Storage) GetBalance(userID int64, coin string) (*Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b Balance
	err := s.db.QueryRow(`
		SELECT id, user_id, coin_symbol, total, available, locked
		FROM balances WHERE user_id = ? AND coin_symbol = ?
	`, userID, coin).Scan(&b.ID, &b.UserID, &b.Coin, &b.Total, &b.Available, &b.Locked)
	if err == sql.ErrNoRows {
		return &Balance{UserID: userID, Coin: coin}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &b, nil
}

// ListBalances returns all balance rows for a user, ordered by coin symbol.
func (s *Storage) ListBalances(userID int64) ([]*Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, coin_symbol, total, available, locked
		FROM balances WHERE user_id = ? ORDER BY coin_symbol
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var balances []*Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.ID, &b.UserID, &b.Coin, &b.Total, &b.Available, &b.Locked); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, &b)
	}
	return balances, rows.Err()
}

// CoinSupply sums total balances plus the fee pool for a coin. Used by the
// ledger-conservation check in tests and the status ticker.
func (s *Storage) CoinSupply(coin string) (fixed.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var userTotal, poolTotal sql.NullInt64
	err := s.db.QueryRow(`
		SELECT SUM(total) FROM balances WHERE coin_symbol = ?
	`, coin).Scan(&userTotal)
	if err != nil {
		return 0, fmt.Errorf("failed to sum balances: %w", err)
	}
	err = s.db.QueryRow(`
		SELECT SUM(amount) FROM fee_pool WHERE coin_symbol = ?
	`, coin).Scan(&poolTotal)
	if err != nil {
		return 0, fmt.Errorf("failed to sum fee pool: %w", err)
	}
	return fixed.Amount(userTotal.Int64 + poolTotal.Int64), nil
}
