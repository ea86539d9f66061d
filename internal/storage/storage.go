// Package storage provides the persistent exchange ledger using SQLite.
// All monetary columns are INTEGER counts of 1e-8 units (pkg/fixed).
package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Common storage errors.
var (
	// ErrIntegrity is returned by Commit when a mutated balance fails the
	// total == available + locked or non-negativity check. The transaction
	// is rolled back; the violation is never silently corrected.
	ErrIntegrity = errors.New("balance integrity violation")

	// ErrTxClosed is returned when a transaction is used after commit/rollback.
	ErrTxClosed = errors.New("transaction already closed")
)

// Storage provides the persistent ledger for the exchange.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex

	// In-process lock tables backing row locks and market leases.
	// Lock acquisition happens strictly after Begin, so holders of these
	// locks always already own the single write connection.
	lockMu       sync.Mutex
	marketLeases map[int64]*sync.Mutex
	balanceLocks map[BalanceKey]*sync.Mutex

	sealKey []byte // key for sealing coin-node RPC credentials
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New opens (or creates) the ledger database in the data directory.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "meridian.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer; serializing on a single connection
	// also makes every ledger transaction fully isolated.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:           db,
		dbPath:       dbPath,
		marketLeases: make(map[int64]*sync.Mutex),
		balanceLocks: make(map[BalanceKey]*sync.Mutex),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.loadSealKey(dataDir); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load seal key: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all ledger tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Users: identity is a SHA-256 hash of the bearer API key.
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		api_key_hash TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);

	-- Deposit addresses, one row per issued receive address.
	-- subaddr_index is the Monero subaddress minor index (NULL for BTC-family).
	CREATE TABLE IF NOT EXISTS addresses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		coin_symbol TEXT NOT NULL,
		address TEXT NOT NULL,
		subaddr_index INTEGER,
		created_at INTEGER NOT NULL,
		UNIQUE(coin_symbol, address),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_addresses_user ON addresses(user_id);
	CREATE INDEX IF NOT EXISTS idx_addresses_coin ON addresses(coin_symbol);

	-- Balances: total is always available + locked, enforced here and
	-- re-verified in Go before every commit that touched the row.
	CREATE TABLE IF NOT EXISTS balances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		coin_symbol TEXT NOT NULL,
		total INTEGER NOT NULL DEFAULT 0 CHECK (total >= 0),
		available INTEGER NOT NULL DEFAULT 0 CHECK (available >= 0),
		locked INTEGER NOT NULL DEFAULT 0 CHECK (locked >= 0),
		CHECK (total = available + locked),
		UNIQUE(user_id, coin_symbol),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	-- Markets: ordered (base, quote) pairs. fee_rate in 1e-8 units
	-- (0.001 = 100000).
	CREATE TABLE IF NOT EXISTS markets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		base_coin TEXT NOT NULL,
		quote_coin TEXT NOT NULL,
		fee_rate INTEGER NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		UNIQUE(base_coin, quote_coin),
		CHECK (base_coin <> quote_coin)
	);

	-- Limit orders. remaining counts down from amount; status follows the
	-- open -> partially_filled -> filled / cancelled DAG.
	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		market_id INTEGER NOT NULL,
		side TEXT NOT NULL,
		price INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		remaining INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		created_at INTEGER NOT NULL,
		CHECK (remaining >= 0 AND remaining <= amount),
		FOREIGN KEY (user_id) REFERENCES users(id),
		FOREIGN KEY (market_id) REFERENCES markets(id)
	);

	CREATE INDEX IF NOT EXISTS idx_orders_book ON orders(market_id, side, status);
	CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, status);

	-- Trades: one atomic match between a buy and a sell order.
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		buy_order_id INTEGER NOT NULL,
		sell_order_id INTEGER NOT NULL,
		market_id INTEGER NOT NULL,
		price INTEGER NOT NULL,
		amount INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (buy_order_id) REFERENCES orders(id),
		FOREIGN KEY (sell_order_id) REFERENCES orders(id),
		FOREIGN KEY (market_id) REFERENCES markets(id)
	);

	CREATE INDEX IF NOT EXISTS idx_trades_market_time ON trades(market_id, created_at);

	-- Per-trade fee records, two per trade (base and quote sides).
	CREATE TABLE IF NOT EXISTS fees (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id INTEGER NOT NULL,
		coin_symbol TEXT NOT NULL,
		amount INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (trade_id) REFERENCES trades(id)
	);

	-- Exchange-owned fee pool, one row per coin.
	CREATE TABLE IF NOT EXISTS fee_pool (
		coin_symbol TEXT PRIMARY KEY,
		amount INTEGER NOT NULL DEFAULT 0 CHECK (amount >= 0)
	);

	-- On-chain ingress/egress records. The unique tx_id makes deposit
	-- ingestion idempotent.
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		coin_symbol TEXT NOT NULL,
		direction TEXT NOT NULL,
		tx_id TEXT NOT NULL UNIQUE,
		amount INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, coin_symbol);

	-- Deposit sync cursor per coin: last block hash for BTC-family,
	-- RFC3339 timestamp for Monero.
	CREATE TABLE IF NOT EXISTS sync_state (
		coin_symbol TEXT PRIMARY KEY,
		cursor TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Coin-node RPC configuration. rpc_pass_sealed is AEAD-sealed with the
	-- storage seal key; plaintext credentials never hit disk.
	CREATE TABLE IF NOT EXISTS coin_nodes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		coin_symbol TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL DEFAULT 'bitcoin',
		host TEXT NOT NULL,
		port INTEGER NOT NULL,
		rpc_user TEXT NOT NULL,
		rpc_pass_sealed BLOB NOT NULL,
		min_confirmations INTEGER NOT NULL DEFAULT 2,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// loadSealKey loads or creates the 32-byte key used to seal coin-node
// credentials at rest.
func (s *Storage) loadSealKey(dataDir string) error {
	keyPath := filepath.Join(dataDir, "seal.key")

	key, err := os.ReadFile(keyPath)
	if err == nil {
		if len(key) != 32 {
			return fmt.Errorf("seal key %s has wrong length %d", keyPath, len(key))
		}
		s.sealKey = key
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return err
	}
	s.sealKey = key
	return nil
}

// =========================================================================
// Transactions, row locks, and the per-market matching lease
// =========================================================================

// Tx is a ledger transaction. It carries the per-market matching lease and
// the set of balance rows mutated under it; Commit re-verifies the balance
// invariant for every touched row before committing.
type Tx struct {
	s    *Storage
	tx   *sql.Tx
	done bool

	leases   []*sync.Mutex
	balLocks []*sync.Mutex
	held     map[BalanceKey]struct{}
	touched  map[BalanceKey]struct{}
}

// Begin starts a ledger transaction.
func (s *Storage) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{
		s:       s,
		tx:      tx,
		held:    make(map[BalanceKey]struct{}),
		touched: make(map[BalanceKey]struct{}),
	}, nil
}

// AcquireMarketLease takes the exclusive matching lease for a market. The
// lease is held until the transaction ends; there is no other release path.
func (t *Tx) AcquireMarketLease(marketID int64) error {
	if t.done {
		return ErrTxClosed
	}

	t.s.lockMu.Lock()
	mu, ok := t.s.marketLeases[marketID]
	if !ok {
		mu = &sync.Mutex{}
		t.s.marketLeases[marketID] = mu
	}
	t.s.lockMu.Unlock()

	mu.Lock()
	t.leases = append(t.leases, mu)
	return nil
}

// LockBalances takes exclusive locks on the given balance rows in canonical
// (user id, coin symbol) order, so concurrent multi-balance transactions
// cannot deadlock. Keys already held by this transaction are skipped; the
// locks are not reentrant.
func (t *Tx) LockBalances(keys ...BalanceKey) error {
	if t.done {
		return ErrTxClosed
	}

	sorted := make([]BalanceKey, 0, len(keys))
	for _, key := range keys {
		if _, ok := t.held[key]; !ok {
			sorted = append(sorted, key)
			t.held[key] = struct{}{}
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].UserID != sorted[j].UserID {
			return sorted[i].UserID < sorted[j].UserID
		}
		return sorted[i].Coin < sorted[j].Coin
	})

	for _, key := range sorted {
		t.s.lockMu.Lock()
		mu, ok := t.s.balanceLocks[key]
		if !ok {
			mu = &sync.Mutex{}
			t.s.balanceLocks[key] = mu
		}
		t.s.lockMu.Unlock()

		mu.Lock()
		t.balLocks = append(t.balLocks, mu)
	}
	return nil
}

// markTouched records that a balance row was mutated under this transaction.
func (t *Tx) markTouched(key BalanceKey) {
	t.touched[key] = struct{}{}
}

// Commit verifies the balance invariant for every touched row, then commits.
// On an invariant violation the transaction is rolled back and ErrIntegrity
// is returned.
func (t *Tx) Commit() error {
	if t.done {
		return ErrTxClosed
	}

	for key := range t.touched {
		var total, available, locked int64
		err := t.tx.QueryRow(`
			SELECT total, available, locked FROM balances
			WHERE user_id = ? AND coin_symbol = ?
		`, key.UserID, key.Coin).Scan(&total, &available, &locked)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			t.Rollback()
			return fmt.Errorf("integrity check failed to read balance: %w", err)
		}
		if total != available+locked || total < 0 || available < 0 || locked < 0 {
			t.Rollback()
			return fmt.Errorf("%w: user=%d coin=%s total=%d available=%d locked=%d",
				ErrIntegrity, key.UserID, key.Coin, total, available, locked)
		}
	}

	err := t.tx.Commit()
	t.finish()
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction and releases all held leases and locks.
// Safe to call after Commit.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	err := t.tx.Rollback()
	t.finish()
	return err
}

func (t *Tx) finish() {
	for i := len(t.balLocks) - 1; i >= 0; i-- {
		t.balLocks[i].Unlock()
	}
	for i := len(t.leases) - 1; i >= 0; i-- {
		t.leases[i].Unlock()
	}
	t.balLocks = nil
	t.leases = nil
	t.done = true
}

// isUniqueConstraintError reports whether err is a SQLite unique-constraint
// violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
