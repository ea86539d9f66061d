package engine

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/meridian-exchange/meridiand/internal/storage"
)

// Withdraw sends funds to an external address. The debit, the node
// dispatch, and the on-chain record share one ledger transaction: the
// deduction is flushed but uncommitted while the node is asked to pay, a
// failed dispatch rolls it back, and a successful dispatch commits the
// debit together with its transaction record. No committed debit ever
// lacks a ledger trace.
func (e *Engine) Withdraw(ctx context.Context, userID int64, coin, address, amountStr string) (*storage.ChainTransaction, error) {
	if !validCoin(coin) {
		return nil, ErrInvalidCoin
	}
	if err := e.validateAddress(coin, address); err != nil {
		return nil, err
	}
	amount, err := parseAmount(amountStr)
	if err != nil {
		return nil, err
	}

	node, err := e.nodes.Get(coin)
	if err != nil {
		return nil, err
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := tx.LockBalances(storage.BalanceKey{UserID: userID, Coin: coin}); err != nil {
		return nil, err
	}
	bal, err := tx.GetOrCreateBalance(userID, coin)
	if err != nil {
		return nil, err
	}
	if bal.Available < amount {
		e.log.Warn("withdrawal rejected", "user", userID, "coin", coin,
			"need", amount, "available", bal.Available)
		return nil, fmt.Errorf("%w: need %s %s, have %s",
			ErrInsufficientBalance, amount, coin, bal.Available)
	}
	bal.Available -= amount
	bal.Total = bal.Available + bal.Locked
	if err := tx.SaveBalance(bal); err != nil {
		return nil, err
	}

	txid, err := node.Send(ctx, address, amount)
	if err != nil {
		e.log.Error("withdrawal dispatch failed, rolling back debit",
			"user", userID, "coin", coin, "amount", amount, "err", err)
		return nil, fmt.Errorf("withdrawal dispatch failed: %w", err)
	}

	record := &storage.ChainTransaction{
		UserID:    userID,
		Coin:      coin,
		Direction: storage.DirectionSent,
		TxID:      txid,
		Amount:    amount,
	}
	if err := tx.InsertChainTransaction(record); err != nil {
		e.log.Error("withdrawal broadcast but ledger write failed",
			"user", userID, "txid", txid, "err", err)
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		// Funds left the wallet without a ledger debit. Operator attention
		// is needed; the txid in the log is the reconciliation handle.
		e.log.Error("withdrawal broadcast but commit failed",
			"user", userID, "txid", txid, "err", err)
		return nil, err
	}

	e.log.Info("withdrawal sent", "user", userID, "coin", coin,
		"amount", amount, "txid", txid)
	return record, nil
}

// validateAddress applies the syntactic address rule, plus a full decode
// against mainnet parameters for Bitcoin.
func (e *Engine) validateAddress(coin, address string) error {
	if !validAddressSyntax(address) {
		return ErrInvalidAddress
	}
	if coin == "BTC" {
		if _, err := btcutil.DecodeAddress(address, &chaincfg.MainNetParams); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
	}
	return nil
}
