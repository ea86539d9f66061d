package engine

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/meridian-exchange/meridiand/internal/coinnode"
	"github.com/meridian-exchange/meridiand/internal/storage"
)

// addressIssueAttempts bounds the retry loop when a Bitcoin-family node
// hands back an address the ledger has already seen.
const addressIssueAttempts = 5

// maxAddressList caps ListAddresses results.
const maxAddressList = 100

// CreateAccount creates a new account and returns the bearer API key. The
// key is shown exactly once; only its SHA-256 hash is stored.
func (e *Engine) CreateAccount() (string, *storage.User, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate api key: %w", err)
	}
	apiKey := hex.EncodeToString(raw)

	user, err := e.store.CreateUser(hashKey(apiKey))
	if err != nil {
		return "", nil, err
	}

	e.log.Info("account created", "user", user.ID)
	return apiKey, user, nil
}

// Authenticate resolves a bearer API key to its account. A malformed or
// unknown key returns ErrInvalidAPIKey without revealing which.
func (e *Engine) Authenticate(apiKey string) (*storage.User, error) {
	if !validAPIKey(apiKey) {
		return nil, ErrInvalidAPIKey
	}

	user, err := e.store.GetUserByKeyHash(hashKey(apiKey))
	if errors.Is(err, storage.ErrUserNotFound) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func hashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// GenerateAddress issues a deposit address for a coin. Monero accounts get
// one labelled subaddress each, returned again on repeat calls;
// Bitcoin-family issuance retries against the node when it returns an
// address already on record.
func (e *Engine) GenerateAddress(ctx context.Context, userID int64, coin string) (*storage.Address, error) {
	if !validCoin(coin) {
		return nil, ErrInvalidCoin
	}

	rec, err := e.store.GetNodeBySymbol(coin)
	if errors.Is(err, storage.ErrNodeNotFound) {
		return nil, fmt.Errorf("%w: %s", coinnode.ErrNoNode, coin)
	}
	if err != nil {
		return nil, err
	}

	node, err := e.nodes.Get(coin)
	if err != nil {
		return nil, err
	}

	label := fmt.Sprintf("user_%d", userID)

	if rec.Kind == storage.NodeKindMonero {
		existing, err := e.store.GetUserAddress(userID, coin)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, storage.ErrAddressNotFound) {
			return nil, err
		}

		addr, idx, err := node.NewReceiveAddress(ctx, label)
		if err != nil {
			return nil, err
		}
		a := &storage.Address{UserID: userID, Coin: coin, Address: addr, SubaddrIndex: idx}
		if err := e.store.CreateAddress(a); err != nil {
			return nil, err
		}
		e.log.Info("subaddress issued", "user", userID, "coin", coin, "index", idx)
		return a, nil
	}

	for attempt := 0; attempt < addressIssueAttempts; attempt++ {
		addr, _, err := node.NewReceiveAddress(ctx, label)
		if err != nil {
			return nil, err
		}
		a := &storage.Address{UserID: userID, Coin: coin, Address: addr}
		err = e.store.CreateAddress(a)
		if errors.Is(err, storage.ErrAddressExists) {
			e.log.Warn("node returned known address, retrying", "coin", coin, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		e.log.Info("address issued", "user", userID, "coin", coin)
		return a, nil
	}
	return nil, fmt.Errorf("%w: node kept returning known addresses for %s", coinnode.ErrNodeUnavailable, coin)
}

// ListAddresses returns a user's issued deposit addresses, newest first,
// optionally filtered by coin. At most 100 rows come back.
func (e *Engine) ListAddresses(userID int64, coin string, limit int) ([]*storage.Address, error) {
	if coin != "" && !validCoin(coin) {
		return nil, ErrInvalidCoin
	}
	if limit <= 0 || limit > maxAddressList {
		limit = maxAddressList
	}
	return e.store.ListAddresses(userID, coin, limit)
}

// Balances returns every balance row a user holds.
func (e *Engine) Balances(userID int64) ([]*storage.Balance, error) {
	return e.store.ListBalances(userID)
}

// Balance returns a user's holding of one coin; a coin never touched reads
// as zero.
func (e *Engine) Balance(userID int64, coin string) (*storage.Balance, error) {
	if !validCoin(coin) {
		return nil, ErrInvalidCoin
	}
	return e.store.GetBalance(userID, coin)
}

// Transactions returns a user's on-chain deposit and withdrawal records.
func (e *Engine) Transactions(userID int64, coin string, limit int) ([]*storage.ChainTransaction, error) {
	if coin != "" && !validCoin(coin) {
		return nil, ErrInvalidCoin
	}
	if limit <= 0 || limit > maxAddressList {
		limit = maxAddressList
	}
	return e.store.ListChainTransactions(userID, coin, limit)
}
