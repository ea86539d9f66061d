package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meridian-exchange/meridiand/pkg/fixed"
)

// Chain transaction errors.
var (
	// ErrTxSeen is returned when an on-chain txid has already been
	// recorded. Deposit ingestion treats it as an already-credited no-op.
	ErrTxSeen = errors.New("on-chain transaction already recorded")

	ErrCursorNotFound = errors.New("sync cursor not found")
)

// Transaction direction.
type Direction string

const (
	DirectionReceived Direction = "received"
	DirectionSent     Direction = "sent"
)

// ChainTransaction records one on-chain movement of funds in or out of the
// exchange. TxID is the on-chain transaction id and is unique.
type ChainTransaction struct {
	ID        string // uuid
	UserID    int64
	Coin      string
	Direction Direction
	TxID      string
	Amount    fixed.Amount
	CreatedAt time.Time
}

// InsertChainTransaction records a chain transaction under the ledger
// transaction. A duplicate on-chain txid returns ErrTxSeen.
func (t *Tx) InsertChainTransaction(ct *ChainTransaction) error {
	if t.done {
		return ErrTxClosed
	}

	if ct.ID == "" {
		ct.ID = uuid.NewString()
	}
	ct.CreatedAt = time.Now()

	_, err := t.tx.Exec(`
		INSERT INTO transactions (id, user_id, coin_symbol, direction, tx_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ct.ID, ct.UserID, ct.Coin, ct.Direction, ct.TxID, ct.Amount, ct.CreatedAt.Unix())
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrTxSeen
		}
		return fmt.Errorf("failed to insert chain transaction: %w", err)
	}
	return nil
}

// ListChainTransactions returns a user's chain transactions, newest first,
// optionally filtered by coin.
func (s *Storage) ListChainTransactions(userID int64, coin string, limit int) ([]*ChainTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, coin_symbol, direction, tx_id, amount, created_at
		FROM transactions WHERE user_id = ?`
	args := []interface{}{userID}
	if coin != "" {
		query += ` AND coin_symbol = ?`
		args = append(args, coin)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chain transactions: %w", err)
	}
	defer rows.Close()

	var txs []*ChainTransaction
	for rows.Next() {
		var ct ChainTransaction
		var createdAt int64
		if err := rows.Scan(&ct.ID, &ct.UserID, &ct.Coin, &ct.Direction, &ct.TxID, &ct.Amount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan chain transaction: %w", err)
		}
		ct.CreatedAt = time.Unix(createdAt, 0)
		txs = append(txs, &ct)
	}
	return txs, rows.Err()
}

// GetSyncCursor reads the deposit sync cursor for a coin under the
// transaction. Returns ErrCursorNotFound for a coin never synced.
func (t *Tx) GetSyncCursor(coin string) (string, error) {
	if t.done {
		return "", ErrTxClosed
	}

	var cursor string
	err := t.tx.QueryRow(`
		SELECT cursor FROM sync_state WHERE coin_symbol = ?
	`, coin).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", ErrCursorNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get sync cursor: %w", err)
	}
	return cursor, nil
}

// SetSyncCursor advances the deposit sync cursor for a coin.
func (t *Tx) SetSyncCursor(coin, cursor string) error {
	if t.done {
		return ErrTxClosed
	}

	_, err := t.tx.Exec(`
		INSERT INTO sync_state (coin_symbol, cursor, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(coin_symbol) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at
	`, coin, cursor, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set sync cursor: %w", err)
	}
	return nil
}
