package engine

import (
	"github.com/meridian-exchange/meridiand/internal/storage"
	"github.com/meridian-exchange/meridiand/pkg/fixed"
)

// match crosses a just-inserted taker order against the opposite side of
// the book. Price-time priority: best price first, oldest first, lowest id
// last. The trade executes at the sell order's price; a buyer who locked at
// a higher limit gets the difference back. Both legs pay the market fee
// into the fee pool.
//
// The caller holds the market lease; the book cannot change underneath.
func (e *Engine) match(tx *storage.Tx, market *storage.Market, taker *storage.Order) ([]*storage.Trade, error) {
	opposite := storage.SideSell
	if taker.Side == storage.SideSell {
		opposite = storage.SideBuy
	}

	makers, err := tx.OpenOrders(market.ID, opposite)
	if err != nil {
		return nil, err
	}

	var trades []*storage.Trade
	for _, maker := range makers {
		if taker.Remaining.IsZero() {
			break
		}
		if !crosses(taker, maker) {
			break // makers are sorted by price, nothing further can cross
		}

		fill := fixed.Min(taker.Remaining, maker.Remaining)

		buy, sell := taker, maker
		if taker.Side == storage.SideSell {
			buy, sell = maker, taker
		}
		tradePrice := sell.Price
		quoteVolume := fixed.Mul(tradePrice, fill)

		keys := []storage.BalanceKey{
			{UserID: buy.UserID, Coin: market.Quote},
			{UserID: buy.UserID, Coin: market.Base},
			{UserID: sell.UserID, Coin: market.Base},
			{UserID: sell.UserID, Coin: market.Quote},
		}
		if err := tx.LockBalances(keys...); err != nil {
			return nil, err
		}

		baseFee := fixed.Mul(fill, market.FeeRate)
		quoteFee := fixed.Mul(quoteVolume, market.FeeRate)

		// Buyer quote leg: release this fill's slice of the lock taken at
		// the buy limit price and refund any price improvement. The slice
		// is a difference of pre- and post-fill locks, so the slices
		// telescope to exactly the placement lock on a full fill; rounding
		// each slice independently would strand dust in locked.
		releasedQuote := fixed.Mul(buy.Price, buy.Remaining) - fixed.Mul(buy.Price, buy.Remaining-fill)
		if err := e.adjustBalance(tx, buy.UserID, market.Quote, func(b *storage.Balance) {
			b.Locked -= releasedQuote
			b.Available += releasedQuote - quoteVolume
			b.Total = b.Available + b.Locked
		}); err != nil {
			return nil, err
		}

		// Buyer base leg: credit the fill minus the base-side fee.
		if err := e.adjustBalance(tx, buy.UserID, market.Base, func(b *storage.Balance) {
			b.Available += fill - baseFee
			b.Total = b.Available + b.Locked
		}); err != nil {
			return nil, err
		}

		// Seller base leg: burn the locked inventory.
		if err := e.adjustBalance(tx, sell.UserID, market.Base, func(b *storage.Balance) {
			b.Locked -= fill
			b.Total = b.Available + b.Locked
		}); err != nil {
			return nil, err
		}

		// Seller quote leg: credit proceeds minus the quote-side fee.
		if err := e.adjustBalance(tx, sell.UserID, market.Quote, func(b *storage.Balance) {
			b.Available += quoteVolume - quoteFee
			b.Total = b.Available + b.Locked
		}); err != nil {
			return nil, err
		}

		taker.Remaining -= fill
		maker.Remaining -= fill
		maker.Status = storage.OrderStatusPartiallyFilled
		if maker.Remaining.IsZero() {
			maker.Status = storage.OrderStatusFilled
		}
		if err := tx.SaveOrderFill(maker); err != nil {
			return nil, err
		}

		trade := &storage.Trade{
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			MarketID:    market.ID,
			Price:       tradePrice,
			Amount:      fill,
		}
		if err := tx.InsertTrade(trade); err != nil {
			return nil, err
		}
		if err := tx.InsertFee(&storage.Fee{TradeID: trade.ID, Coin: market.Base, Amount: baseFee}); err != nil {
			return nil, err
		}
		if err := tx.InsertFee(&storage.Fee{TradeID: trade.ID, Coin: market.Quote, Amount: quoteFee}); err != nil {
			return nil, err
		}
		trades = append(trades, trade)

		e.log.Debug("trade executed", "market", market.Symbol(), "price", tradePrice,
			"amount", fill, "buy", buy.ID, "sell", sell.ID)
	}

	if len(trades) > 0 {
		taker.Status = storage.OrderStatusPartiallyFilled
		if taker.Remaining.IsZero() {
			taker.Status = storage.OrderStatusFilled
		}
		if err := tx.SaveOrderFill(taker); err != nil {
			return nil, err
		}
	}
	return trades, nil
}

// crosses reports whether the taker's limit admits the maker's price.
func crosses(taker, maker *storage.Order) bool {
	if taker.Side == storage.SideBuy {
		return maker.Price <= taker.Price
	}
	return maker.Price >= taker.Price
}

// adjustBalance loads a balance row fresh, applies fn, and writes it back.
// Loading per leg keeps self-trades correct when two legs hit the same row.
func (e *Engine) adjustBalance(tx *storage.Tx, userID int64, coin string, fn func(*storage.Balance)) error {
	b, err := tx.GetOrCreateBalance(userID, coin)
	if err != nil {
		return err
	}
	fn(b)
	return tx.SaveBalance(b)
}
