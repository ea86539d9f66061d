package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/meridian-exchange/meridiand/pkg/fixed"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(&Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStorage(t)

	u, err := s.CreateUser("a1b2c3")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID == 0 {
		t.Error("user id not assigned")
	}

	got, err := s.GetUserByKeyHash("a1b2c3")
	if err != nil {
		t.Fatalf("GetUserByKeyHash: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("got user %d, want %d", got.ID, u.ID)
	}

	if _, err := s.GetUserByKeyHash("missing"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestDuplicateKeyHashRejected(t *testing.T) {
	s := newTestStorage(t)

	if _, err := s.CreateUser("samehash"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateUser("samehash"); err == nil {
		t.Error("duplicate key hash should fail")
	}
}

func TestBalanceLifecycle(t *testing.T) {
	s := newTestStorage(t)
	u, _ := s.CreateUser("k1")

	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	key := BalanceKey{UserID: u.ID, Coin: "BTC"}
	if err := tx.LockBalances(key); err != nil {
		t.Fatal(err)
	}
	b, err := tx.GetOrCreateBalance(u.ID, "BTC")
	if err != nil {
		t.Fatalf("GetOrCreateBalance: %v", err)
	}
	b.Total = fixed.MustParse("2")
	b.Available = fixed.MustParse("1.5")
	b.Locked = fixed.MustParse("0.5")
	if err := tx.SaveBalance(b); err != nil {
		t.Fatalf("SaveBalance: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := s.GetBalance(u.ID, "BTC")
	if err != nil {
		t.Fatal(err)
	}
	if got.Total != fixed.MustParse("2") || got.Locked != fixed.MustParse("0.5") {
		t.Errorf("balance = %+v", got)
	}
}

func TestSaveBalanceRejectsBrokenInvariant(t *testing.T) {
	s := newTestStorage(t)
	u, _ := s.CreateUser("k2")

	tx, _ := s.Begin(context.Background())
	defer tx.Rollback()
	tx.LockBalances(BalanceKey{UserID: u.ID, Coin: "BTC"})
	b, _ := tx.GetOrCreateBalance(u.ID, "BTC")

	b.Total = fixed.MustParse("2")
	b.Available = fixed.MustParse("2")
	b.Locked = fixed.MustParse("1") // total != available + locked
	if err := tx.SaveBalance(b); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}

	b.Total = fixed.MustParse("-1")
	b.Available = fixed.MustParse("-1")
	b.Locked = 0
	if err := tx.SaveBalance(b); !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity for negative, got %v", err)
	}
}

func TestMissingBalanceReadsAsZero(t *testing.T) {
	s := newTestStorage(t)
	u, _ := s.CreateUser("k3")

	b, err := s.GetBalance(u.ID, "XMR")
	if err != nil {
		t.Fatal(err)
	}
	if !b.Total.IsZero() || !b.Available.IsZero() || !b.Locked.IsZero() {
		t.Errorf("missing balance should read as zero, got %+v", b)
	}
}

func TestChainTransactionIdempotency(t *testing.T) {
	s := newTestStorage(t)
	u, _ := s.CreateUser("k4")

	tx, _ := s.Begin(context.Background())
	ct := &ChainTransaction{
		UserID:    u.ID,
		Coin:      "BTC",
		Direction: DirectionReceived,
		TxID:      "deadbeef01",
		Amount:    fixed.MustParse("0.1"),
	}
	if err := tx.InsertChainTransaction(ct); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	tx2, _ := s.Begin(context.Background())
	defer tx2.Rollback()
	dup := &ChainTransaction{
		UserID:    u.ID,
		Coin:      "BTC",
		Direction: DirectionReceived,
		TxID:      "deadbeef01",
		Amount:    fixed.MustParse("0.1"),
	}
	if err := tx2.InsertChainTransaction(dup); !errors.Is(err, ErrTxSeen) {
		t.Errorf("expected ErrTxSeen, got %v", err)
	}
}

func TestSyncCursor(t *testing.T) {
	s := newTestStorage(t)

	tx, _ := s.Begin(context.Background())
	if _, err := tx.GetSyncCursor("BTC"); !errors.Is(err, ErrCursorNotFound) {
		t.Errorf("expected ErrCursorNotFound, got %v", err)
	}
	if err := tx.SetSyncCursor("BTC", "blockhash1"); err != nil {
		t.Fatal(err)
	}
	if err := tx.SetSyncCursor("BTC", "blockhash2"); err != nil {
		t.Fatal(err)
	}
	cursor, err := tx.GetSyncCursor("BTC")
	if err != nil {
		t.Fatal(err)
	}
	if cursor != "blockhash2" {
		t.Errorf("cursor = %q, want blockhash2", cursor)
	}
	tx.Commit()
}

func TestNodeSealRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	n := &NodeRecord{
		Name:             "btc-main",
		Symbol:           "BTC",
		Kind:             NodeKindBitcoin,
		Host:             "127.0.0.1",
		Port:             8332,
		RPCUser:          "rpc",
		RPCPass:          "hunter2-secret",
		MinConfirmations: 2,
		Enabled:          true,
	}
	if err := s.CreateNode(n); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	// Password must not be stored in the clear.
	var sealed []byte
	if err := s.db.QueryRow(`SELECT rpc_pass_sealed FROM coin_nodes WHERE id = ?`, n.ID).Scan(&sealed); err != nil {
		t.Fatal(err)
	}
	if string(sealed) == n.RPCPass {
		t.Error("rpc password stored in plaintext")
	}

	got, err := s.GetNodeBySymbol("BTC")
	if err != nil {
		t.Fatal(err)
	}
	if got.RPCPass != "hunter2-secret" {
		t.Errorf("unsealed password = %q", got.RPCPass)
	}

	dup := &NodeRecord{Name: "btc-2", Symbol: "BTC", Host: "h", Port: 1, RPCUser: "u", RPCPass: "p"}
	if err := s.CreateNode(dup); !errors.Is(err, ErrNodeExists) {
		t.Errorf("expected ErrNodeExists, got %v", err)
	}
}

func TestNodeEnableDisable(t *testing.T) {
	s := newTestStorage(t)

	n := &NodeRecord{Name: "xmr", Symbol: "XMR", Kind: NodeKindMonero, Host: "h", Port: 1, RPCUser: "u", RPCPass: "p", Enabled: true}
	if err := s.CreateNode(n); err != nil {
		t.Fatal(err)
	}

	if err := s.SetNodeEnabled(n.ID, false); err != nil {
		t.Fatal(err)
	}
	nodes, err := s.ListNodes(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 0 {
		t.Errorf("disabled node still listed as enabled")
	}

	if err := s.SetNodeEnabled(999, true); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("expected ErrNodeNotFound, got %v", err)
	}
}

func TestFeePool(t *testing.T) {
	s := newTestStorage(t)
	u, _ := s.CreateUser("k5")
	m, _ := s.CreateMarket("BTC", "USDT", fixed.MustParse("0.001"))

	tx, _ := s.Begin(context.Background())
	buy := &Order{UserID: u.ID, MarketID: m.ID, Side: SideBuy, Price: 1, Amount: 1, Remaining: 0, Status: OrderStatusFilled}
	sell := &Order{UserID: u.ID, MarketID: m.ID, Side: SideSell, Price: 1, Amount: 1, Remaining: 0, Status: OrderStatusFilled}
	tx.InsertOrder(buy)
	tx.InsertOrder(sell)
	tr := &Trade{BuyOrderID: buy.ID, SellOrderID: sell.ID, MarketID: m.ID, Price: 1, Amount: 1}
	if err := tx.InsertTrade(tr); err != nil {
		t.Fatal(err)
	}
	if err := tx.InsertFee(&Fee{TradeID: tr.ID, Coin: "BTC", Amount: fixed.MustParse("0.002")}); err != nil {
		t.Fatal(err)
	}
	if err := tx.InsertFee(&Fee{TradeID: tr.ID, Coin: "BTC", Amount: fixed.MustParse("0.001")}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	entries, err := s.ListFeePool()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Amount != fixed.MustParse("0.003") {
		t.Fatalf("fee pool = %+v", entries)
	}

	tx2, _ := s.Begin(context.Background())
	if err := tx2.DebitFeePool("BTC", fixed.MustParse("1")); !errors.Is(err, ErrFeePoolInsufficient) {
		t.Errorf("expected ErrFeePoolInsufficient, got %v", err)
	}
	if err := tx2.DebitFeePool("BTC", fixed.MustParse("0.003")); err != nil {
		t.Fatal(err)
	}
	tx2.Commit()
}

func TestMarketUniqueOrderedPair(t *testing.T) {
	s := newTestStorage(t)

	m, err := s.CreateMarket("BTC", "USDT", fixed.MustParse("0.001"))
	if err != nil {
		t.Fatal(err)
	}

	existing, err := s.CreateMarket("BTC", "USDT", fixed.MustParse("0.002"))
	if !errors.Is(err, ErrMarketExists) {
		t.Fatalf("expected ErrMarketExists, got %v", err)
	}
	if existing == nil || existing.ID != m.ID {
		t.Errorf("duplicate create should return existing market")
	}

	// Reversed pair is a distinct market.
	if _, err := s.CreateMarket("USDT", "BTC", fixed.MustParse("0.001")); err != nil {
		t.Errorf("reversed pair should be allowed: %v", err)
	}
}

func TestAddressUniquePerCoin(t *testing.T) {
	s := newTestStorage(t)
	u, _ := s.CreateUser("k6")

	a := &Address{UserID: u.ID, Coin: "BTC", Address: "bc1qsame"}
	if err := s.CreateAddress(a); err != nil {
		t.Fatal(err)
	}
	dup := &Address{UserID: u.ID, Coin: "BTC", Address: "bc1qsame"}
	if err := s.CreateAddress(dup); !errors.Is(err, ErrAddressExists) {
		t.Errorf("expected ErrAddressExists, got %v", err)
	}
	// Same string under another coin is fine.
	other := &Address{UserID: u.ID, Coin: "LTC", Address: "bc1qsame"}
	if err := s.CreateAddress(other); err != nil {
		t.Errorf("same address under other coin: %v", err)
	}
}
