package depositsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-exchange/meridiand/internal/coinnode"
	"github.com/meridian-exchange/meridiand/internal/storage"
	"github.com/meridian-exchange/meridiand/pkg/fixed"
	"github.com/meridian-exchange/meridiand/pkg/logging"
)

type fakeNode struct {
	receipts   []coinnode.Receipt
	nextCursor string
	listErr    error

	gotCursor  string
	gotMinConf int64
}

func (f *fakeNode) NewReceiveAddress(ctx context.Context, label string) (string, *int64, error) {
	return "", nil, errors.New("not implemented")
}

func (f *fakeNode) Send(ctx context.Context, address string, amount fixed.Amount) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeNode) ListReceipts(ctx context.Context, cursor string, minConf int64) ([]coinnode.Receipt, string, error) {
	f.gotCursor = cursor
	f.gotMinConf = minConf
	if f.listErr != nil {
		return nil, "", f.listErr
	}
	return f.receipts, f.nextCursor, nil
}

func (f *fakeNode) BlockHeight(ctx context.Context) (int64, error) { return 100, nil }
func (f *fakeNode) Ping(ctx context.Context) error                 { return nil }

type fakeSource map[string]coinnode.Node

func (f fakeSource) Get(symbol string) (coinnode.Node, error) {
	n, ok := f[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", coinnode.ErrNoNode, symbol)
	}
	return n, nil
}

type syncEnv struct {
	store  *storage.Storage
	syncer *Syncer
	node   *fakeNode
	user   *storage.User
}

func newSyncEnv(t *testing.T, kind storage.NodeKind, minConf int64) *syncEnv {
	t.Helper()
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	user, err := store.CreateUser("synctest")
	require.NoError(t, err)

	symbol := "BTC"
	if kind == storage.NodeKindMonero {
		symbol = "XMR"
	}
	require.NoError(t, store.CreateNode(&storage.NodeRecord{
		Name: "n", Symbol: symbol, Kind: kind,
		Host: "h", Port: 1, RPCUser: "u", RPCPass: "p",
		MinConfirmations: minConf, Enabled: true,
	}))
	require.NoError(t, store.CreateAddress(&storage.Address{
		UserID: user.ID, Coin: symbol, Address: "deposit-addr-1",
	}))

	node := &fakeNode{}
	log := logging.New(&logging.Config{Level: "error", Output: io.Discard})
	syncer := New(store, fakeSource{symbol: node}, log, nil)
	return &syncEnv{store: store, syncer: syncer, node: node, user: user}
}

func balance(t *testing.T, store *storage.Storage, userID int64, coin string) *storage.Balance {
	t.Helper()
	b, err := store.GetBalance(userID, coin)
	require.NoError(t, err)
	return b
}

func TestDepositCredited(t *testing.T) {
	env := newSyncEnv(t, storage.NodeKindBitcoin, 0)
	env.node.receipts = []coinnode.Receipt{
		{TxID: "tx1", Address: "deposit-addr-1", Amount: fixed.MustParse("0.5"), Confirmations: 3},
	}
	env.node.nextCursor = "0000000000000000000000000000000000000000000000000000000000000001"

	env.syncer.Pass(context.Background())

	bal := balance(t, env.store, env.user.ID, "BTC")
	assert.Equal(t, fixed.MustParse("0.5"), bal.Available)
	assert.Equal(t, fixed.MustParse("0.5"), bal.Total)

	txs, err := env.store.ListChainTransactions(env.user.ID, "BTC", 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, storage.DirectionReceived, txs[0].Direction)

	// Default min confirmations reached the node.
	assert.EqualValues(t, DefaultMinConfirmations, env.node.gotMinConf)
}

func TestReplayedReceiptsAreNoOps(t *testing.T) {
	env := newSyncEnv(t, storage.NodeKindBitcoin, 0)
	env.node.receipts = []coinnode.Receipt{
		{TxID: "tx1", Address: "deposit-addr-1", Amount: fixed.MustParse("0.5"), Confirmations: 3},
	}
	env.node.nextCursor = "0000000000000000000000000000000000000000000000000000000000000001"

	// Same receipt set delivered on three consecutive passes, as happens
	// when the node rescans overlapping block ranges.
	for i := 0; i < 3; i++ {
		env.syncer.Pass(context.Background())
	}

	bal := balance(t, env.store, env.user.ID, "BTC")
	assert.Equal(t, fixed.MustParse("0.5"), bal.Total, "credited exactly once")
}

func TestCursorAdvancesAndIsReused(t *testing.T) {
	env := newSyncEnv(t, storage.NodeKindBitcoin, 0)
	hash := "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"
	env.node.nextCursor = hash

	env.syncer.Pass(context.Background())
	assert.Equal(t, "", env.node.gotCursor, "first pass scans from the beginning")

	env.syncer.Pass(context.Background())
	assert.Equal(t, hash, env.node.gotCursor, "second pass resumes from the stored cursor")
}

func TestMalformedBitcoinCursorDiscarded(t *testing.T) {
	env := newSyncEnv(t, storage.NodeKindBitcoin, 0)

	tx, err := env.store.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.SetSyncCursor("BTC", "not-a-block-hash"))
	require.NoError(t, tx.Commit())

	env.syncer.Pass(context.Background())
	assert.Equal(t, "", env.node.gotCursor, "corrupt cursor replaced by full scan")
}

func TestMoneroTimestampCursorAccepted(t *testing.T) {
	env := newSyncEnv(t, storage.NodeKindMonero, 0)
	ts := time.Unix(1700000000, 0).UTC().Format(time.RFC3339)

	tx, err := env.store.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.SetSyncCursor("XMR", ts))
	require.NoError(t, tx.Commit())

	env.syncer.Pass(context.Background())
	assert.Equal(t, ts, env.node.gotCursor, "timestamp cursor passed through unchanged")
}

func TestLateConfirmingDepositCredited(t *testing.T) {
	env := newSyncEnv(t, storage.NodeKindBitcoin, 2)

	// Pass 1: the deposit sits one confirmation deep, so the node filters
	// it out and returns a cursor that still lags its block.
	lagging := "0000000000000000000000000000000000000000000000000000000000000001"
	env.node.nextCursor = lagging
	env.syncer.Pass(context.Background())
	assert.True(t, balance(t, env.store, env.user.ID, "BTC").Total.IsZero())

	// Pass 2: a new block confirmed the deposit and the node re-delivers it
	// from the lagging cursor.
	env.node.receipts = []coinnode.Receipt{
		{TxID: "late1", Address: "deposit-addr-1", Amount: fixed.MustParse("0.5"), Confirmations: 2},
	}
	env.node.nextCursor = "0000000000000000000000000000000000000000000000000000000000000002"
	env.syncer.Pass(context.Background())

	assert.Equal(t, lagging, env.node.gotCursor)
	assert.Equal(t, fixed.MustParse("0.5"), balance(t, env.store, env.user.ID, "BTC").Total)
}

func TestUnknownAddressSkipped(t *testing.T) {
	env := newSyncEnv(t, storage.NodeKindBitcoin, 0)
	env.node.receipts = []coinnode.Receipt{
		{TxID: "tx1", Address: "never-issued-addr", Amount: fixed.MustParse("5"), Confirmations: 3},
		{TxID: "tx2", Address: "deposit-addr-1", Amount: fixed.MustParse("1"), Confirmations: 3},
	}
	env.node.nextCursor = "0000000000000000000000000000000000000000000000000000000000000001"

	env.syncer.Pass(context.Background())

	bal := balance(t, env.store, env.user.ID, "BTC")
	assert.Equal(t, fixed.MustParse("1"), bal.Total, "only the issued address credited")
}

func TestNodeFailureLeavesStateUntouched(t *testing.T) {
	env := newSyncEnv(t, storage.NodeKindBitcoin, 0)
	env.node.listErr = fmt.Errorf("%w: timeout", coinnode.ErrNodeUnavailable)

	env.syncer.Pass(context.Background())

	bal := balance(t, env.store, env.user.ID, "BTC")
	assert.True(t, bal.Total.IsZero())

	tx, err := env.store.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.GetSyncCursor("BTC")
	assert.ErrorIs(t, err, storage.ErrCursorNotFound, "cursor not advanced on failure")
}

func TestPerNodeMinConfirmationsOverride(t *testing.T) {
	env := newSyncEnv(t, storage.NodeKindBitcoin, 6)

	env.syncer.Pass(context.Background())
	assert.EqualValues(t, 6, env.node.gotMinConf)
}

func TestRunStopsOnCancel(t *testing.T) {
	env := newSyncEnv(t, storage.NodeKindBitcoin, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.syncer.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
