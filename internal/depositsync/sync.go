// Package depositsync periodically pulls confirmed incoming payments from
// the configured coin nodes and credits them to the owning accounts. A
// per-coin cursor (block hash for Bitcoin-family nodes, transfer timestamp
// for Monero) keeps each pass incremental, and the unique on-chain txid
// makes crediting idempotent across overlapping scans.
package depositsync

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/meridian-exchange/meridiand/internal/coinnode"
	"github.com/meridian-exchange/meridiand/internal/storage"
	"github.com/meridian-exchange/meridiand/pkg/logging"
)

// DefaultInterval is the pause between sync passes.
const DefaultInterval = 30 * time.Second

// DefaultMinConfirmations is the confirmation depth required before a
// deposit is credited, unless the coin's node record overrides it.
const DefaultMinConfirmations = 2

// NodeSource hands out coin-node clients by symbol. *coinnode.Registry is
// the production implementation.
type NodeSource interface {
	Get(symbol string) (coinnode.Node, error)
}

// Syncer runs the deposit ingestion loop.
type Syncer struct {
	store    *storage.Storage
	nodes    NodeSource
	log      *logging.Logger
	interval time.Duration
	minConf  int64
}

// Config holds syncer settings. Zero values select the defaults.
type Config struct {
	Interval         time.Duration
	MinConfirmations int64
}

// New creates a deposit syncer.
func New(store *storage.Storage, nodes NodeSource, log *logging.Logger, cfg *Config) *Syncer {
	s := &Syncer{
		store:    store,
		nodes:    nodes,
		log:      log,
		interval: DefaultInterval,
		minConf:  DefaultMinConfirmations,
	}
	if log == nil {
		s.log = logging.GetDefault()
	}
	if cfg != nil {
		if cfg.Interval > 0 {
			s.interval = cfg.Interval
		}
		if cfg.MinConfirmations > 0 {
			s.minConf = cfg.MinConfirmations
		}
	}
	return s
}

// Run executes sync passes until the context is cancelled. One pass runs
// immediately on start.
func (s *Syncer) Run(ctx context.Context) {
	s.log.Info("deposit sync started", "interval", s.interval)

	s.Pass(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("deposit sync stopped")
			return
		case <-ticker.C:
			s.Pass(ctx)
		}
	}
}

// Pass syncs every enabled coin once. A failure on one coin is logged and
// does not stop the others; the failed coin's cursor stays put and the
// next pass retries.
func (s *Syncer) Pass(ctx context.Context) {
	records, err := s.store.ListNodes(true)
	if err != nil {
		s.log.Error("failed to list coin nodes", "err", err)
		return
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if err := s.syncCoin(ctx, rec); err != nil {
			s.log.Error("deposit sync failed", "coin", rec.Symbol, "err", err)
		}
	}
}

// syncCoin ingests one coin's new confirmed deposits in a single ledger
// transaction: credits plus the cursor advance commit together or not at
// all.
func (s *Syncer) syncCoin(ctx context.Context, rec *storage.NodeRecord) error {
	node, err := s.nodes.Get(rec.Symbol)
	if err != nil {
		return err
	}

	owners, err := s.store.AddressOwners(rec.Symbol)
	if err != nil {
		return err
	}

	cursor, err := s.readCursor(ctx, rec)
	if err != nil {
		return err
	}

	minConf := s.minConf
	if rec.MinConfirmations > 0 {
		minConf = rec.MinConfirmations
	}

	receipts, newCursor, err := node.ListReceipts(ctx, cursor, minConf)
	if err != nil {
		return err
	}
	if len(receipts) == 0 && newCursor == cursor {
		return nil
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	credited := 0
	for _, r := range receipts {
		userID, ok := owners[r.Address]
		if !ok {
			// Payment to a wallet address the ledger never issued.
			s.log.Warn("deposit to unknown address", "coin", rec.Symbol,
				"address", r.Address, "txid", r.TxID)
			continue
		}

		err := tx.InsertChainTransaction(&storage.ChainTransaction{
			UserID:    userID,
			Coin:      rec.Symbol,
			Direction: storage.DirectionReceived,
			TxID:      r.TxID,
			Amount:    r.Amount,
		})
		if errors.Is(err, storage.ErrTxSeen) {
			continue // already credited by an earlier pass
		}
		if err != nil {
			return err
		}

		key := storage.BalanceKey{UserID: userID, Coin: rec.Symbol}
		if err := tx.LockBalances(key); err != nil {
			return err
		}
		bal, err := tx.GetOrCreateBalance(userID, rec.Symbol)
		if err != nil {
			return err
		}
		bal.Available += r.Amount
		bal.Total = bal.Available + bal.Locked
		if err := tx.SaveBalance(bal); err != nil {
			return err
		}
		credited++

		s.log.Info("deposit credited", "coin", rec.Symbol, "user", userID,
			"amount", r.Amount, "txid", r.TxID)
	}

	if newCursor != "" && newCursor != cursor {
		if err := tx.SetSyncCursor(rec.Symbol, newCursor); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	if credited > 0 {
		s.log.Info("sync pass complete", "coin", rec.Symbol, "credited", credited)
	}
	return nil
}

// readCursor loads and sanity-checks the coin's sync cursor. Bitcoin-family
// cursors must parse as block hashes; a corrupt cursor is discarded so the
// next scan starts from the beginning rather than wedging the coin.
func (s *Syncer) readCursor(ctx context.Context, rec *storage.NodeRecord) (string, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	cursor, err := tx.GetSyncCursor(rec.Symbol)
	if errors.Is(err, storage.ErrCursorNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if rec.Kind != storage.NodeKindMonero && cursor != "" {
		if _, err := chainhash.NewHashFromStr(cursor); err != nil {
			s.log.Warn("discarding malformed sync cursor", "coin", rec.Symbol, "cursor", cursor)
			return "", nil
		}
	}
	return cursor, nil
}

// Interval reports the configured pass interval.
func (s *Syncer) Interval() time.Duration {
	return s.interval
}
