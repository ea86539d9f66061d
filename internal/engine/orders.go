package engine

import (
	"context"
	"fmt"

	"github.com/meridian-exchange/meridiand/internal/storage"
	"github.com/meridian-exchange/meridiand/pkg/fixed"
)

// Orderbook depth bounds.
const (
	MinBookDepth     = 1
	MaxBookDepth     = 100
	DefaultBookDepth = 20
)

// maxListingLimit caps open-order and trade-history listings.
const maxListingLimit = 500

// PlaceOrder validates and funds a limit order, rests it on the book, and
// immediately matches it against the opposite side under the market lease.
// The returned trades are the fills executed, taker's perspective.
func (e *Engine) PlaceOrder(ctx context.Context, userID, marketID int64, side storage.Side, priceStr, amountStr string) (*storage.Order, []*storage.Trade, error) {
	if side != storage.SideBuy && side != storage.SideSell {
		return nil, nil, ErrInvalidSide
	}
	price, err := fixed.Parse(priceStr)
	if err != nil || !validAmount(price) {
		return nil, nil, ErrInvalidPrice
	}
	amount, err := parseAmount(amountStr)
	if err != nil {
		return nil, nil, err
	}

	market, err := e.store.GetMarket(marketID)
	if err != nil {
		return nil, nil, err
	}
	if !market.Active {
		return nil, nil, ErrMarketInactive
	}

	// Funding: buys lock price*amount of the quote coin, sells lock the
	// base amount.
	lockCoin := market.Base
	lockAmount := amount
	if side == storage.SideBuy {
		lockCoin = market.Quote
		lockAmount = fixed.Mul(price, amount)
		if lockAmount.IsZero() {
			return nil, nil, ErrInvalidAmount
		}
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	if err := tx.AcquireMarketLease(market.ID); err != nil {
		return nil, nil, err
	}
	if err := tx.LockBalances(storage.BalanceKey{UserID: userID, Coin: lockCoin}); err != nil {
		return nil, nil, err
	}

	bal, err := tx.GetOrCreateBalance(userID, lockCoin)
	if err != nil {
		return nil, nil, err
	}
	if bal.Available < lockAmount {
		e.log.Warn("order rejected", "user", userID, "market", market.Symbol(),
			"side", side, "need", lockAmount, "available", bal.Available)
		return nil, nil, fmt.Errorf("%w: need %s %s, have %s",
			ErrInsufficientBalance, lockAmount, lockCoin, bal.Available)
	}
	bal.Available -= lockAmount
	bal.Locked += lockAmount
	bal.Total = bal.Available + bal.Locked
	if err := tx.SaveBalance(bal); err != nil {
		return nil, nil, err
	}

	order := &storage.Order{
		UserID:    userID,
		MarketID:  market.ID,
		Side:      side,
		Price:     price,
		Amount:    amount,
		Remaining: amount,
		Status:    storage.OrderStatusOpen,
	}
	if err := tx.InsertOrder(order); err != nil {
		return nil, nil, err
	}

	trades, err := e.match(tx, market, order)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	e.log.Info("order placed", "user", userID, "order", order.ID,
		"market", market.Symbol(), "side", side, "price", price,
		"amount", amount, "fills", len(trades))
	return order, trades, nil
}

// CancelOrder cancels a user's open order and returns the remaining locked
// funds. Orders of other users read as not found; terminal orders return
// ErrOrderTerminal.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID int64) (*storage.Order, error) {
	peek, err := e.store.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if peek.UserID != userID {
		return nil, storage.ErrOrderNotFound
	}

	market, err := e.store.GetMarket(peek.MarketID)
	if err != nil {
		return nil, err
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := tx.AcquireMarketLease(market.ID); err != nil {
		return nil, err
	}

	// Re-read under the lease; fills may have landed since the peek.
	order, err := tx.GetOrderForUpdate(orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, fmt.Errorf("%w: order %d is %s", ErrOrderTerminal, orderID, order.Status)
	}

	refundCoin := market.Base
	refund := order.Remaining
	if order.Side == storage.SideBuy {
		refundCoin = market.Quote
		refund = fixed.Mul(order.Price, order.Remaining)
	}

	if err := tx.LockBalances(storage.BalanceKey{UserID: userID, Coin: refundCoin}); err != nil {
		return nil, err
	}
	bal, err := tx.GetBalanceForUpdate(userID, refundCoin)
	if err != nil {
		return nil, err
	}
	bal.Locked -= refund
	bal.Available += refund
	bal.Total = bal.Available + bal.Locked
	if err := tx.SaveBalance(bal); err != nil {
		return nil, err
	}

	order.Status = storage.OrderStatusCancelled
	if err := tx.SaveOrderFill(order); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	e.log.Info("order cancelled", "user", userID, "order", orderID,
		"refund", refund, "coin", refundCoin)
	return order, nil
}

// Orderbook is both aggregated sides of a market.
type Orderbook struct {
	MarketID int64
	Bids     []*storage.BookLevel
	Asks     []*storage.BookLevel
}

// GetOrderbook returns the aggregated book for a market. Depth outside
// [1, 100] is rejected; zero selects the default of 20.
func (e *Engine) GetOrderbook(marketID int64, depth int) (*Orderbook, error) {
	if depth == 0 {
		depth = DefaultBookDepth
	}
	if depth < MinBookDepth || depth > MaxBookDepth {
		return nil, ErrInvalidDepth
	}
	if _, err := e.store.GetMarket(marketID); err != nil {
		return nil, err
	}

	bids, err := e.store.BookLevels(marketID, storage.SideBuy, depth)
	if err != nil {
		return nil, err
	}
	asks, err := e.store.BookLevels(marketID, storage.SideSell, depth)
	if err != nil {
		return nil, err
	}
	return &Orderbook{MarketID: marketID, Bids: bids, Asks: asks}, nil
}

// OpenOrders returns a user's open and partially filled orders, newest
// first, optionally scoped to one market.
func (e *Engine) OpenOrders(userID, marketID int64, limit int) ([]*storage.Order, error) {
	if limit <= 0 || limit > maxListingLimit {
		limit = maxListingLimit
	}
	return e.store.ListOrders(&storage.OrderFilter{
		UserID:   userID,
		MarketID: marketID,
		OpenOnly: true,
		Limit:    limit,
	})
}

// GetOrder returns one of the user's orders; other users' orders read as
// not found.
func (e *Engine) GetOrder(userID, orderID int64) (*storage.Order, error) {
	order, err := e.store.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, storage.ErrOrderNotFound
	}
	return order, nil
}

// TradeHistory returns trades where the user was on either side, newest
// first, optionally scoped to one market.
func (e *Engine) TradeHistory(userID, marketID int64, limit int) ([]*storage.Trade, error) {
	if limit <= 0 || limit > maxListingLimit {
		limit = maxListingLimit
	}
	return e.store.ListTrades(&storage.TradeFilter{
		UserID:   userID,
		MarketID: marketID,
		Limit:    limit,
	})
}
