package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/meridian-exchange/meridiand/pkg/fixed"
)

// Order errors.
var ErrOrderNotFound = errors.New("order not found")

// Side is an order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

const (
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled
}

// Order is a limit order. Remaining counts down from Amount as fills land.
type Order struct {
	ID        int64
	UserID    int64
	MarketID  int64
	Side      Side
	Price     fixed.Amount
	Amount    fixed.Amount
	Remaining fixed.Amount
	Status    OrderStatus
	CreatedAt time.Time
}

// OrderFilter narrows ListOrders results. Zero fields are ignored.
type OrderFilter struct {
	UserID   int64
	MarketID int64
	Status   OrderStatus
	OpenOnly bool // open or partially_filled
	Limit    int
}

// InsertOrder inserts a new order under the transaction and fills in its id.
func (t *Tx) InsertOrder(o *Order) error {
	if t.done {
		return ErrTxClosed
	}

	o.CreatedAt = time.Now()
	if o.Status == "" {
		o.Status = OrderStatusOpen
	}
	res, err := t.tx.Exec(`
		INSERT INTO orders (user_id, market_id, side, price, amount, remaining, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, o.UserID, o.MarketID, o.Side, o.Price, o.Amount, o.Remaining, o.Status, o.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	o.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get order id: %w", err)
	}
	return nil
}

// GetOrderForUpdate reads an order under the transaction for subsequent
// mutation.
func (t *Tx) GetOrderForUpdate(id int64) (*Order, error) {
	if t.done {
		return nil, ErrTxClosed
	}
	return scanOrder(t.tx.QueryRow(orderSelect+` WHERE id = ?`, id))
}

// SaveOrderFill writes an order's remaining amount and status.
func (t *Tx) SaveOrderFill(o *Order) error {
	if t.done {
		return ErrTxClosed
	}
	_, err := t.tx.Exec(`
		UPDATE orders SET remaining = ?, status = ? WHERE id = ?
	`, o.Remaining, o.Status, o.ID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

// OpenOrders returns the resting open side of a book in match priority
// order: best price first, then oldest, then lowest id.
func (t *Tx) OpenOrders(marketID int64, side Side) ([]*Order, error) {
	if t.done {
		return nil, ErrTxClosed
	}

	priceOrder := "ASC"
	if side == SideBuy {
		priceOrder = "DESC"
	}
	rows, err := t.tx.Query(orderSelect+`
		WHERE market_id = ? AND side = ? AND status IN ('open', 'partially_filled')
		ORDER BY price `+priceOrder+`, created_at ASC, id ASC
	`, marketID, side)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// GetOrder looks up an order by id outside any transaction.
func (s *Storage) GetOrder(id int64) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanOrder(s.db.QueryRow(orderSelect+` WHERE id = ?`, id))
}

// ListOrders returns orders matching the filter, newest first.
func (s *Storage) ListOrders(filter *OrderFilter) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := orderSelect + ` WHERE 1=1`
	var args []interface{}

	if filter != nil {
		if filter.UserID != 0 {
			query += ` AND user_id = ?`
			args = append(args, filter.UserID)
		}
		if filter.MarketID != 0 {
			query += ` AND market_id = ?`
			args = append(args, filter.MarketID)
		}
		if filter.Status != "" {
			query += ` AND status = ?`
			args = append(args, filter.Status)
		}
		if filter.OpenOnly {
			query += ` AND status IN ('open', 'partially_filled')`
		}
	}

	query += ` ORDER BY created_at DESC, id DESC`
	if filter != nil && filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// BookLevel is one aggregated price level of an orderbook side.
type BookLevel struct {
	Price  fixed.Amount
	Amount fixed.Amount
}

// BookLevels aggregates the open orders of one side by price. Buy levels
// come back highest price first, sell levels lowest first.
func (s *Storage) BookLevels(marketID int64, side Side, depth int) ([]*BookLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	priceOrder := "ASC"
	if side == SideBuy {
		priceOrder = "DESC"
	}
	rows, err := s.db.Query(`
		SELECT price, SUM(remaining) FROM orders
		WHERE market_id = ? AND side = ? AND status IN ('open', 'partially_filled')
		GROUP BY price ORDER BY price `+priceOrder+` LIMIT ?
	`, marketID, side, depth)
	if err != nil {
		return nil, fmt.Errorf("failed to query book levels: %w", err)
	}
	defer rows.Close()

	var levels []*BookLevel
	for rows.Next() {
		var l BookLevel
		if err := rows.Scan(&l.Price, &l.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan book level: %w", err)
		}
		levels = append(levels, &l)
	}
	return levels, rows.Err()
}

// BestPrice returns the best resting price on a side, or ErrOrderNotFound
// if the side is empty.
func (s *Storage) BestPrice(marketID int64, side Side) (fixed.Amount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := "MIN"
	if side == SideBuy {
		agg = "MAX"
	}
	var price sql.NullInt64
	err := s.db.QueryRow(`
		SELECT `+agg+`(price) FROM orders
		WHERE market_id = ? AND side = ? AND status IN ('open', 'partially_filled')
	`, marketID, side).Scan(&price)
	if err != nil {
		return 0, fmt.Errorf("failed to query best price: %w", err)
	}
	if !price.Valid {
		return 0, ErrOrderNotFound
	}
	return fixed.Amount(price.Int64), nil
}

const orderSelect = `
	SELECT id, user_id, market_id, side, price, amount, remaining, status, created_at
	FROM orders`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrderRow(row rowScanner) (*Order, error) {
	var o Order
	var createdAt int64
	err := row.Scan(&o.ID, &o.UserID, &o.MarketID, &o.Side, &o.Price, &o.Amount, &o.Remaining, &o.Status, &createdAt)
	if err != nil {
		return nil, err
	}
	o.CreatedAt = time.Unix(createdAt, 0)
	return &o, nil
}

func scanOrder(row *sql.Row) (*Order, error) {
	o, err := scanOrderRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func collectOrders(rows *sql.Rows) ([]*Order, error) {
	var orders []*Order
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
