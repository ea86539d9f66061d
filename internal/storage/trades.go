package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meridian-exchange/meridiand/pkg/fixed"
)

// Trade errors.
var (
	ErrTradeNotFound       = errors.New("trade not found")
	ErrFeePoolInsufficient = errors.New("fee pool balance insufficient")
)

// Trade records one atomic match between a buy and a sell order. Price is
// the sell order's price, whichever side rested.
type Trade struct {
	ID          int64
	BuyOrderID  int64
	SellOrderID int64
	MarketID    int64
	Price       fixed.Amount
	Amount      fixed.Amount
	CreatedAt   time.Time
}

// QuoteVolume returns the trade's value in the quote coin.
func (t *Trade) QuoteVolume() fixed.Amount {
	return fixed.Mul(t.Price, t.Amount)
}

// Fee is one fee deduction tied to a trade, denominated in coin units.
type Fee struct {
	ID        int64
	TradeID   int64
	Coin      string
	Amount    fixed.Amount
	CreatedAt time.Time
}

// InsertTrade inserts a trade under the transaction and fills in its id.
func (t *Tx) InsertTrade(tr *Trade) error {
	if t.done {
		return ErrTxClosed
	}

	tr.CreatedAt = time.Now()
	res, err := t.tx.Exec(`
		INSERT INTO trades (buy_order_id, sell_order_id, market_id, price, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, tr.BuyOrderID, tr.SellOrderID, tr.MarketID, tr.Price, tr.Amount, tr.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}

	tr.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get trade id: %w", err)
	}
	return nil
}

// InsertFee records a fee deduction and credits the exchange fee pool for
// that coin in the same transaction.
func (t *Tx) InsertFee(f *Fee) error {
	if t.done {
		return ErrTxClosed
	}

	f.CreatedAt = time.Now()
	res, err := t.tx.Exec(`
		INSERT INTO fees (trade_id, coin_symbol, amount, created_at)
		VALUES (?, ?, ?, ?)
	`, f.TradeID, f.Coin, f.Amount, f.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert fee: %w", err)
	}
	f.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get fee id: %w", err)
	}

	_, err = t.tx.Exec(`
		INSERT INTO fee_pool (coin_symbol, amount) VALUES (?, ?)
		ON CONFLICT(coin_symbol) DO UPDATE SET amount = amount + excluded.amount
	`, f.Coin, f.Amount)
	if err != nil {
		return fmt.Errorf("failed to credit fee pool: %w", err)
	}
	return nil
}

// CreditFeePool adds funds back to a coin's fee pool. Used by the
// compensating path when a fee withdrawal fails to dispatch.
func (t *Tx) CreditFeePool(coin string, amount fixed.Amount) error {
	if t.done {
		return ErrTxClosed
	}

	_, err := t.tx.Exec(`
		INSERT INTO fee_pool (coin_symbol, amount) VALUES (?, ?)
		ON CONFLICT(coin_symbol) DO UPDATE SET amount = amount + excluded.amount
	`, coin, amount)
	if err != nil {
		return fmt.Errorf("failed to credit fee pool: %w", err)
	}
	return nil
}

// DebitFeePool removes funds from a coin's fee pool. Returns
// ErrFeePoolInsufficient when the pool cannot cover the amount.
func (t *Tx) DebitFeePool(coin string, amount fixed.Amount) error {
	if t.done {
		return ErrTxClosed
	}

	var current fixed.Amount
	err := t.tx.QueryRow(`
		SELECT amount FROM fee_pool WHERE coin_symbol = ?
	`, coin).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrFeePoolInsufficient
	}
	if err != nil {
		return fmt.Errorf("failed to read fee pool: %w", err)
	}
	if current < amount {
		return ErrFeePoolInsufficient
	}

	_, err = t.tx.Exec(`
		UPDATE fee_pool SET amount = amount - ? WHERE coin_symbol = ?
	`, amount, coin)
	if err != nil {
		return fmt.Errorf("failed to debit fee pool: %w", err)
	}
	return nil
}

// FeePoolEntry is one coin's accumulated exchange fees.
type FeePoolEntry struct {
	Coin   string
	Amount fixed.Amount
}

// ListFeePool returns all fee pool entries ordered by coin symbol.
func (s *Storage) ListFeePool() ([]*FeePoolEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT coin_symbol, amount FROM fee_pool ORDER BY coin_symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list fee pool: %w", err)
	}
	defer rows.Close()

	var entries []*FeePoolEntry
	for rows.Next() {
		var e FeePoolEntry
		if err := rows.Scan(&e.Coin, &e.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan fee pool entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// TradeFilter narrows ListTrades results. Zero fields are ignored.
type TradeFilter struct {
	UserID   int64 // trades where the user was on either side
	MarketID int64
	Since    time.Time
	Limit    int
}

// ListTrades returns trades matching the filter, newest first.
func (s *Storage) ListTrades(filter *TradeFilter) ([]*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT t.id, t.buy_order_id, t.sell_order_id, t.market_id, t.price, t.amount, t.created_at
		FROM trades t WHERE 1=1`
	var args []interface{}

	if filter != nil {
		if filter.UserID != 0 {
			query += ` AND (
				t.buy_order_id IN (SELECT id FROM orders WHERE user_id = ?)
				OR t.sell_order_id IN (SELECT id FROM orders WHERE user_id = ?)
			)`
			args = append(args, filter.UserID, filter.UserID)
		}
		if filter.MarketID != 0 {
			query += ` AND t.market_id = ?`
			args = append(args, filter.MarketID)
		}
		if !filter.Since.IsZero() {
			query += ` AND t.created_at >= ?`
			args = append(args, filter.Since.Unix())
		}
	}

	query += ` ORDER BY t.created_at DESC, t.id DESC`
	if filter != nil && filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		var tr Trade
		var createdAt int64
		if err := rows.Scan(&tr.ID, &tr.BuyOrderID, &tr.SellOrderID, &tr.MarketID, &tr.Price, &tr.Amount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		tr.CreatedAt = time.Unix(createdAt, 0)
		trades = append(trades, &tr)
	}
	return trades, rows.Err()
}

// LastTrade returns a market's most recent trade, or ErrTradeNotFound.
func (s *Storage) LastTrade(marketID int64) (*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tr Trade
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT id, buy_order_id, sell_order_id, market_id, price, amount, created_at
		FROM trades WHERE market_id = ? ORDER BY created_at DESC, id DESC LIMIT 1
	`, marketID).Scan(&tr.ID, &tr.BuyOrderID, &tr.SellOrderID, &tr.MarketID, &tr.Price, &tr.Amount, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last trade: %w", err)
	}
	tr.CreatedAt = time.Unix(createdAt, 0)
	return &tr, nil
}

// TradeWindowStats aggregates a market's trades since a point in time.
type TradeWindowStats struct {
	Count      int64
	BaseVolume fixed.Amount
	FirstPrice fixed.Amount // earliest trade price inside the window
}

// TradeStatsSince computes trade count, base volume, and the earliest trade
// price for a market within the window starting at since.
func (s *Storage) TradeStatsSince(marketID int64, since time.Time) (*TradeWindowStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats TradeWindowStats
	var volume sql.NullInt64
	err := s.db.QueryRow(`
		SELECT COUNT(*), SUM(amount) FROM trades
		WHERE market_id = ? AND created_at >= ?
	`, marketID, since.Unix()).Scan(&stats.Count, &volume)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate trades: %w", err)
	}
	stats.BaseVolume = fixed.Amount(volume.Int64)

	if stats.Count > 0 {
		var first fixed.Amount
		err = s.db.QueryRow(`
			SELECT price FROM trades
			WHERE market_id = ? AND created_at >= ?
			ORDER BY created_at ASC, id ASC LIMIT 1
		`, marketID, since.Unix()).Scan(&first)
		if err != nil {
			return nil, fmt.Errorf("failed to get first trade price: %w", err)
		}
		stats.FirstPrice = first
	}
	return &stats, nil
}
