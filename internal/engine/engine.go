// Package engine implements the exchange core: accounts, order placement
// and matching, withdrawals, and administrative operations. Transport is a
// caller concern; every operation is a plain method on Engine.
package engine

import (
	"errors"
	"regexp"

	"github.com/meridian-exchange/meridiand/internal/coinnode"
	"github.com/meridian-exchange/meridiand/internal/storage"
	"github.com/meridian-exchange/meridiand/pkg/fixed"
	"github.com/meridian-exchange/meridiand/pkg/logging"
)

// Engine errors. Storage and node failures not listed here are wrapped and
// passed through.
var (
	ErrInvalidAPIKey       = errors.New("invalid api key")
	ErrInvalidCoin         = errors.New("invalid coin symbol")
	ErrInvalidSide         = errors.New("invalid order side")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidPrice        = errors.New("invalid price")
	ErrInvalidFeeRate      = errors.New("invalid fee rate")
	ErrInvalidDepth        = errors.New("invalid orderbook depth")
	ErrMarketInactive      = errors.New("market is inactive")
	ErrOrderTerminal       = errors.New("order already filled or cancelled")
	ErrInsufficientBalance = errors.New("insufficient available balance")
)

// NodeRegistry is the engine's view of the coin-node registry.
// *coinnode.Registry is the production implementation.
type NodeRegistry interface {
	Get(symbol string) (coinnode.Node, error)
	Build(rec *storage.NodeRecord) (coinnode.Node, error)
	Invalidate(symbol string)
}

// Engine owns the exchange core. All mutating operations run inside ledger
// transactions; the per-market matching lease serializes the book.
type Engine struct {
	store *storage.Storage
	nodes NodeRegistry
	log   *logging.Logger
}

// New creates an engine over the given storage and coin-node registry.
func New(store *storage.Storage, nodes NodeRegistry, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Engine{
		store: store,
		nodes: nodes,
		log:   log,
	}
}

// Store exposes the underlying storage for read-only collaborators.
func (e *Engine) Store() *storage.Storage {
	return e.store
}

var (
	coinPattern    = regexp.MustCompile(`^[A-Z0-9]{1,10}$`)
	apiKeyPattern  = regexp.MustCompile(`^[a-f0-9]{64}$`)
	addressPattern = regexp.MustCompile(`^[a-zA-Z0-9+/=_-]{20,100}$`)
)

// MaxAmount is the largest order or transfer size accepted: one million
// whole coins.
const MaxAmount = fixed.Amount(1_000_000 * fixed.Unit)

// MinAmount is the smallest accepted size: one 1e-8 unit.
const MinAmount = fixed.Amount(1)

// validCoin reports whether s is an acceptable coin symbol.
func validCoin(s string) bool {
	return coinPattern.MatchString(s)
}

// validAPIKey reports whether s has the exact shape of an issued key.
func validAPIKey(s string) bool {
	return apiKeyPattern.MatchString(s)
}

// validAddressSyntax is the coin-agnostic address shape check. BTC
// withdrawals additionally run a full base58/bech32 decode.
func validAddressSyntax(s string) bool {
	return addressPattern.MatchString(s)
}

// validAmount reports whether a is inside the accepted [1e-8, 1e6] range.
func validAmount(a fixed.Amount) bool {
	return a >= MinAmount && a <= MaxAmount
}

// parseAmount parses and range-checks a user-supplied decimal amount.
func parseAmount(s string) (fixed.Amount, error) {
	a, err := fixed.Parse(s)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if !validAmount(a) {
		return 0, ErrInvalidAmount
	}
	return a, nil
}
