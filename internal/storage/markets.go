package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meridian-exchange/meridiand/pkg/fixed"
)

// Market errors.
var (
	ErrMarketNotFound = errors.New("market not found")
	ErrMarketExists   = errors.New("market already exists")
)

// Market is an ordered trading pair. FeeRate is a fixed-point fraction
// (0.001 = fixed.MustParse("0.001")) applied to both legs of every trade.
type Market struct {
	ID        int64
	Base      string
	Quote     string
	FeeRate   fixed.Amount
	Active    bool
	CreatedAt time.Time
}

// Symbol returns the market's display symbol, e.g. "BTC/USDT".
func (m *Market) Symbol() string {
	return m.Base + "/" + m.Quote
}

// CreateMarket inserts a new market. If a market for the same ordered pair
// already exists, ErrMarketExists is returned along with the existing
// market.
func (s *Storage) CreateMarket(base, quote string, feeRate fixed.Amount) (*Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res, err := s.db.Exec(`
		INSERT INTO markets (base_coin, quote_coin, fee_rate, active, created_at)
		VALUES (?, ?, ?, 1, ?)
	`, base, quote, feeRate, now.Unix())
	if err != nil {
		if isUniqueConstraintError(err) {
			existing, lookupErr := s.getMarketByPair(base, quote)
			if lookupErr != nil {
				return nil, lookupErr
			}
			return existing, ErrMarketExists
		}
		return nil, fmt.Errorf("failed to create market: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get market id: %w", err)
	}

	return &Market{ID: id, Base: base, Quote: quote, FeeRate: feeRate, Active: true, CreatedAt: now}, nil
}

// GetMarket looks up a market by id.
func (s *Storage) GetMarket(id int64) (*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return scanMarket(s.db.QueryRow(`
		SELECT id, base_coin, quote_coin, fee_rate, active, created_at
		FROM markets WHERE id = ?
	`, id))
}

// GetMarketByPair looks up a market by its ordered (base, quote) pair.
func (s *Storage) GetMarketByPair(base, quote string) (*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getMarketByPair(base, quote)
}

func (s *Storage) getMarketByPair(base, quote string) (*Market, error) {
	return scanMarket(s.db.QueryRow(`
		SELECT id, base_coin, quote_coin, fee_rate, active, created_at
		FROM markets WHERE base_coin = ? AND quote_coin = ?
	`, base, quote))
}

// ListMarkets returns all markets, active first, oldest first.
func (s *Storage) ListMarkets() ([]*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, base_coin, quote_coin, fee_rate, active, created_at
		FROM markets ORDER BY active DESC, created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list markets: %w", err)
	}
	defer rows.Close()

	var markets []*Market
	for rows.Next() {
		var m Market
		var active int
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.Base, &m.Quote, &m.FeeRate, &active, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		m.Active = active != 0
		m.CreatedAt = time.Unix(createdAt, 0)
		markets = append(markets, &m)
	}
	return markets, rows.Err()
}

func scanMarket(row *sql.Row) (*Market, error) {
	var m Market
	var active int
	var createdAt int64
	err := row.Scan(&m.ID, &m.Base, &m.Quote, &m.FeeRate, &active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get market: %w", err)
	}
	m.Active = active != 0
	m.CreatedAt = time.Unix(createdAt, 0)
	return &m, nil
}
