package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meridian-exchange/meridiand/internal/storage"
	"github.com/meridian-exchange/meridiand/pkg/fixed"
)

// DefaultFeeRate is applied when a market is created without an explicit
// rate: 0.1% on both legs.
var DefaultFeeRate = fixed.MustParse("0.001")

// statsWindow is the lookback for market statistics.
const statsWindow = 24 * time.Hour

// CreateMarket creates a trading pair. An empty feeRate selects the
// default. Creating an existing ordered pair returns storage.ErrMarketExists
// together with the existing market.
func (e *Engine) CreateMarket(base, quote, feeRate string) (*storage.Market, error) {
	if !validCoin(base) || !validCoin(quote) {
		return nil, ErrInvalidCoin
	}
	if base == quote {
		return nil, fmt.Errorf("%w: base and quote must differ", ErrInvalidCoin)
	}

	rate := DefaultFeeRate
	if feeRate != "" {
		parsed, err := fixed.Parse(feeRate)
		if err != nil {
			return nil, ErrInvalidFeeRate
		}
		if parsed.IsNegative() || parsed >= fixed.Unit {
			return nil, ErrInvalidFeeRate
		}
		rate = parsed
	}

	market, err := e.store.CreateMarket(base, quote, rate)
	if err != nil {
		return market, err
	}

	e.log.Info("market created", "market", market.Symbol(), "fee_rate", rate)
	return market, nil
}

// ListMarkets returns all markets.
func (e *Engine) ListMarkets() ([]*storage.Market, error) {
	return e.store.ListMarkets()
}

// MarketStats is a market's trailing 24 hour summary.
type MarketStats struct {
	MarketID   int64
	Symbol     string
	LastPrice  fixed.Amount // zero when the market never traded
	BestBid    fixed.Amount // zero when the side is empty
	BestAsk    fixed.Amount
	Volume     fixed.Amount // base volume inside the window
	TradeCount int64
	Change     fixed.Amount // fractional price change over the window
}

// GetMarketStats computes a market's trailing 24 hour statistics.
func (e *Engine) GetMarketStats(marketID int64) (*MarketStats, error) {
	market, err := e.store.GetMarket(marketID)
	if err != nil {
		return nil, err
	}

	stats := &MarketStats{MarketID: market.ID, Symbol: market.Symbol()}

	last, err := e.store.LastTrade(market.ID)
	if err == nil {
		stats.LastPrice = last.Price
	} else if !errors.Is(err, storage.ErrTradeNotFound) {
		return nil, err
	}

	window, err := e.store.TradeStatsSince(market.ID, time.Now().Add(-statsWindow))
	if err != nil {
		return nil, err
	}
	stats.Volume = window.BaseVolume
	stats.TradeCount = window.Count
	if window.Count > 0 && !window.FirstPrice.IsZero() {
		stats.Change = fixed.Div(stats.LastPrice-window.FirstPrice, window.FirstPrice)
	}

	if bid, err := e.store.BestPrice(market.ID, storage.SideBuy); err == nil {
		stats.BestBid = bid
	} else if !errors.Is(err, storage.ErrOrderNotFound) {
		return nil, err
	}
	if ask, err := e.store.BestPrice(market.ID, storage.SideSell); err == nil {
		stats.BestAsk = ask
	} else if !errors.Is(err, storage.ErrOrderNotFound) {
		return nil, err
	}

	return stats, nil
}

// FeePoolBalances lists the exchange's accumulated fees per coin.
func (e *Engine) FeePoolBalances() ([]*storage.FeePoolEntry, error) {
	return e.store.ListFeePool()
}

// WithdrawFees pays accumulated exchange fees out to an external address.
// Like user withdrawals, the pool debit stays uncommitted while the node
// dispatches; a failed dispatch rolls it back.
func (e *Engine) WithdrawFees(ctx context.Context, coin, address, amountStr string) (string, error) {
	if !validCoin(coin) {
		return "", ErrInvalidCoin
	}
	if err := e.validateAddress(coin, address); err != nil {
		return "", err
	}
	amount, err := parseAmount(amountStr)
	if err != nil {
		return "", err
	}

	node, err := e.nodes.Get(coin)
	if err != nil {
		return "", err
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if err := tx.DebitFeePool(coin, amount); err != nil {
		return "", err
	}

	txid, err := node.Send(ctx, address, amount)
	if err != nil {
		e.log.Error("fee withdrawal dispatch failed, rolling back pool debit",
			"coin", coin, "amount", amount, "err", err)
		return "", fmt.Errorf("fee withdrawal dispatch failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		e.log.Error("fee withdrawal broadcast but commit failed",
			"coin", coin, "txid", txid, "err", err)
		return "", err
	}

	e.log.Info("fees withdrawn", "coin", coin, "amount", amount, "txid", txid)
	return txid, nil
}

// AddNode registers a coin node and primes nothing; the registry builds a
// client on first use.
func (e *Engine) AddNode(rec *storage.NodeRecord) error {
	if !validCoin(rec.Symbol) {
		return ErrInvalidCoin
	}
	if rec.MinConfirmations < 0 {
		return fmt.Errorf("%w: negative min confirmations", ErrInvalidAmount)
	}
	if err := e.store.CreateNode(rec); err != nil {
		return err
	}
	e.nodes.Invalidate(rec.Symbol)
	e.log.Info("coin node added", "coin", rec.Symbol, "kind", rec.Kind, "host", rec.Host)
	return nil
}

// UpdateNode rewrites a coin node's configuration and drops any cached
// client for it.
func (e *Engine) UpdateNode(rec *storage.NodeRecord) error {
	if err := e.store.UpdateNode(rec); err != nil {
		return err
	}
	e.nodes.Invalidate(rec.Symbol)
	e.log.Info("coin node updated", "coin", rec.Symbol)
	return nil
}

// SetNodeEnabled toggles a coin node.
func (e *Engine) SetNodeEnabled(id int64, enabled bool) error {
	rec, err := e.store.GetNode(id)
	if err != nil {
		return err
	}
	if err := e.store.SetNodeEnabled(id, enabled); err != nil {
		return err
	}
	e.nodes.Invalidate(rec.Symbol)
	e.log.Info("coin node toggled", "coin", rec.Symbol, "enabled", enabled)
	return nil
}

// RemoveNode deletes a coin node record.
func (e *Engine) RemoveNode(id int64) error {
	rec, err := e.store.GetNode(id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteNode(id); err != nil {
		return err
	}
	e.nodes.Invalidate(rec.Symbol)
	e.log.Info("coin node removed", "coin", rec.Symbol)
	return nil
}

// ListNodes returns all configured coin nodes.
func (e *Engine) ListNodes() ([]*storage.NodeRecord, error) {
	return e.store.ListNodes(false)
}

// TestNodeConnection probes a stored node's RPC endpoint.
func (e *Engine) TestNodeConnection(ctx context.Context, id int64) error {
	rec, err := e.store.GetNode(id)
	if err != nil {
		return err
	}
	node, err := e.nodes.Build(rec)
	if err != nil {
		return err
	}
	return node.Ping(ctx)
}
