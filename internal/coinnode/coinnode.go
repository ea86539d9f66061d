// Package coinnode talks JSON-RPC to external full nodes. Two dialects are
// supported: Bitcoin Core style (basic auth, positional params) for
// Bitcoin-family coins, and monero-wallet-rpc (JSON-RPC 2.0).
//
// All amounts cross this boundary as fixed.Amount; the Monero client
// converts to and from piconero internally.
package coinnode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meridian-exchange/meridiand/internal/storage"
	"github.com/meridian-exchange/meridiand/pkg/fixed"
)

// Coin-node errors.
var (
	// ErrNodeUnavailable wraps any transport or RPC failure talking to a
	// node. Callers treat it as transient.
	ErrNodeUnavailable = errors.New("coin node unavailable")

	// ErrNoNode is returned when no enabled node is configured for a coin.
	ErrNoNode = errors.New("no coin node configured")
)

// Receipt is one confirmed incoming payment reported by a node.
type Receipt struct {
	TxID          string
	Address       string
	Amount        fixed.Amount
	Confirmations int64
	Time          time.Time
}

// Node is the operations the exchange needs from a coin's full node.
type Node interface {
	// NewReceiveAddress issues a fresh deposit address. The label is
	// applied where the node supports it (Monero subaddress label); the
	// returned index is the Monero subaddress minor index, nil otherwise.
	NewReceiveAddress(ctx context.Context, label string) (string, *int64, error)

	// Send broadcasts a payment and returns the on-chain transaction id.
	Send(ctx context.Context, address string, amount fixed.Amount) (string, error)

	// ListReceipts returns incoming payments with at least minConf
	// confirmations, scanning forward from cursor, plus the new cursor.
	// An empty cursor means scan from the beginning.
	ListReceipts(ctx context.Context, cursor string, minConf int64) ([]Receipt, string, error)

	// BlockHeight returns the node's current chain height.
	BlockHeight(ctx context.Context) (int64, error)

	// Ping checks that the node is reachable and answering RPC.
	Ping(ctx context.Context) error
}

// DefaultRPCTimeout bounds every coin-node HTTP call unless configured
// otherwise.
const DefaultRPCTimeout = 10 * time.Second

// Registry hands out Node clients by coin symbol, backed by the coin_nodes
// table. Clients are cached until an admin mutation invalidates them.
type Registry struct {
	store   *storage.Storage
	timeout time.Duration

	mu    sync.Mutex
	cache map[string]Node
}

// NewRegistry creates a registry over the stored node configuration.
func NewRegistry(store *storage.Storage, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	return &Registry{
		store:   store,
		timeout: timeout,
		cache:   make(map[string]Node),
	}
}

// Get returns the Node client for a coin symbol, building and caching one
// from the stored record if needed. Disabled or missing nodes return
// ErrNoNode.
func (r *Registry) Get(symbol string) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n, ok := r.cache[symbol]; ok {
		return n, nil
	}

	rec, err := r.store.GetNodeBySymbol(symbol)
	if errors.Is(err, storage.ErrNodeNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoNode, symbol)
	}
	if err != nil {
		return nil, err
	}
	if !rec.Enabled {
		return nil, fmt.Errorf("%w: %s is disabled", ErrNoNode, symbol)
	}

	n, err := r.build(rec)
	if err != nil {
		return nil, err
	}
	r.cache[symbol] = n
	return n, nil
}

// Build constructs an uncached Node client straight from a record. Admin
// connection tests use it so they can probe not-yet-saved configuration.
func (r *Registry) Build(rec *storage.NodeRecord) (Node, error) {
	return r.build(rec)
}

func (r *Registry) build(rec *storage.NodeRecord) (Node, error) {
	switch rec.Kind {
	case storage.NodeKindMonero:
		return NewMoneroNode(rec.Host, rec.Port, rec.RPCUser, rec.RPCPass, r.timeout), nil
	case storage.NodeKindBitcoin, "":
		return NewBitcoinNode(rec.Host, rec.Port, rec.RPCUser, rec.RPCPass, r.timeout), nil
	default:
		return nil, fmt.Errorf("unknown node kind %q", rec.Kind)
	}
}

// Invalidate drops the cached client for a symbol. Called after every admin
// mutation of the symbol's node record.
func (r *Registry) Invalidate(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, symbol)
}

// InvalidateAll drops every cached client.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]Node)
}
