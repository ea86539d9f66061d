package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/meridian-exchange/meridiand/pkg/fixed"
)

func insertOrder(t *testing.T, s *Storage, o *Order) *Order {
	t.Helper()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if o.Remaining == 0 && !o.Status.Terminal() {
		o.Remaining = o.Amount
	}
	if err := tx.InsertOrder(o); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return o
}

func TestOrderLifecycle(t *testing.T) {
	s := newTestStorage(t)
	u, _ := s.CreateUser("o1")
	m, _ := s.CreateMarket("BTC", "USDT", fixed.MustParse("0.001"))

	o := insertOrder(t, s, &Order{
		UserID: u.ID, MarketID: m.ID, Side: SideBuy,
		Price: fixed.MustParse("100"), Amount: fixed.MustParse("2"),
	})
	if o.ID == 0 {
		t.Fatal("order id not assigned")
	}

	got, err := s.GetOrder(o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != OrderStatusOpen || got.Remaining != fixed.MustParse("2") {
		t.Errorf("order = %+v", got)
	}

	tx, _ := s.Begin(context.Background())
	got, _ = tx.GetOrderForUpdate(o.ID)
	got.Remaining = fixed.MustParse("1")
	got.Status = OrderStatusPartiallyFilled
	if err := tx.SaveOrderFill(got); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	got, _ = s.GetOrder(o.ID)
	if got.Status != OrderStatusPartiallyFilled || got.Remaining != fixed.MustParse("1") {
		t.Errorf("after fill: %+v", got)
	}

	if _, err := s.GetOrder(9999); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOpenOrdersPriority(t *testing.T) {
	s := newTestStorage(t)
	u, _ := s.CreateUser("o2")
	m, _ := s.CreateMarket("BTC", "USDT", fixed.MustParse("0.001"))

	// Same price inserted in order; ids break the tie.
	first := insertOrder(t, s, &Order{UserID: u.ID, MarketID: m.ID, Side: SideSell, Price: fixed.MustParse("100"), Amount: fixed.MustParse("1")})
	second := insertOrder(t, s, &Order{UserID: u.ID, MarketID: m.ID, Side: SideSell, Price: fixed.MustParse("100"), Amount: fixed.MustParse("1")})
	cheap := insertOrder(t, s, &Order{UserID: u.ID, MarketID: m.ID, Side: SideSell, Price: fixed.MustParse("99"), Amount: fixed.MustParse("1")})
	insertOrder(t, s, &Order{UserID: u.ID, MarketID: m.ID, Side: SideSell, Price: fixed.MustParse("101"), Amount: fixed.MustParse("1"), Status: OrderStatusCancelled, Remaining: fixed.MustParse("1")})

	tx, _ := s.Begin(context.Background())
	defer tx.Rollback()
	sells, err := tx.OpenOrders(m.ID, SideSell)
	if err != nil {
		t.Fatal(err)
	}
	if len(sells) != 3 {
		t.Fatalf("open sells = %d, want 3 (cancelled excluded)", len(sells))
	}
	if sells[0].ID != cheap.ID || sells[1].ID != first.ID || sells[2].ID != second.ID {
		t.Errorf("sell priority wrong: %d, %d, %d", sells[0].ID, sells[1].ID, sells[2].ID)
	}

	// Buy side: highest price first.
	low := insertOrderTx(t, tx, &Order{UserID: u.ID, MarketID: m.ID, Side: SideBuy, Price: fixed.MustParse("90"), Amount: fixed.MustParse("1")})
	high := insertOrderTx(t, tx, &Order{UserID: u.ID, MarketID: m.ID, Side: SideBuy, Price: fixed.MustParse("95"), Amount: fixed.MustParse("1")})
	buys, err := tx.OpenOrders(m.ID, SideBuy)
	if err != nil {
		t.Fatal(err)
	}
	if len(buys) != 2 || buys[0].ID != high.ID || buys[1].ID != low.ID {
		t.Errorf("buy priority wrong")
	}
}

func insertOrderTx(t *testing.T, tx *Tx, o *Order) *Order {
	t.Helper()
	o.Remaining = o.Amount
	if err := tx.InsertOrder(o); err != nil {
		t.Fatal(err)
	}
	return o
}

func TestBookLevelsAggregate(t *testing.T) {
	s := newTestStorage(t)
	u, _ := s.CreateUser("o3")
	m, _ := s.CreateMarket("BTC", "USDT", fixed.MustParse("0.001"))

	insertOrder(t, s, &Order{UserID: u.ID, MarketID: m.ID, Side: SideBuy, Price: fixed.MustParse("100"), Amount: fixed.MustParse("1")})
	insertOrder(t, s, &Order{UserID: u.ID, MarketID: m.ID, Side: SideBuy, Price: fixed.MustParse("100"), Amount: fixed.MustParse("2")})
	insertOrder(t, s, &Order{UserID: u.ID, MarketID: m.ID, Side: SideBuy, Price: fixed.MustParse("99"), Amount: fixed.MustParse("5")})

	levels, err := s.BookLevels(m.ID, SideBuy, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(levels) != 2 {
		t.Fatalf("levels = %d, want 2", len(levels))
	}
	if levels[0].Price != fixed.MustParse("100") || levels[0].Amount != fixed.MustParse("3") {
		t.Errorf("top level = %+v", levels[0])
	}
	if levels[1].Price != fixed.MustParse("99") {
		t.Errorf("second level = %+v", levels[1])
	}

	levels, _ = s.BookLevels(m.ID, SideBuy, 1)
	if len(levels) != 1 {
		t.Errorf("depth limit not applied")
	}
}

func TestBestPrice(t *testing.T) {
	s := newTestStorage(t)
	u, _ := s.CreateUser("o4")
	m, _ := s.CreateMarket("BTC", "USDT", fixed.MustParse("0.001"))

	if _, err := s.BestPrice(m.ID, SideBuy); !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("empty side should return ErrOrderNotFound, got %v", err)
	}

	insertOrder(t, s, &Order{UserID: u.ID, MarketID: m.ID, Side: SideBuy, Price: fixed.MustParse("90"), Amount: fixed.MustParse("1")})
	insertOrder(t, s, &Order{UserID: u.ID, MarketID: m.ID, Side: SideBuy, Price: fixed.MustParse("95"), Amount: fixed.MustParse("1")})
	insertOrder(t, s, &Order{UserID: u.ID, MarketID: m.ID, Side: SideSell, Price: fixed.MustParse("105"), Amount: fixed.MustParse("1")})

	bid, err := s.BestPrice(m.ID, SideBuy)
	if err != nil {
		t.Fatal(err)
	}
	if bid != fixed.MustParse("95") {
		t.Errorf("best bid = %s, want 95", bid)
	}
	ask, err := s.BestPrice(m.ID, SideSell)
	if err != nil {
		t.Fatal(err)
	}
	if ask != fixed.MustParse("105") {
		t.Errorf("best ask = %s, want 105", ask)
	}
}

func TestListOrdersFilter(t *testing.T) {
	s := newTestStorage(t)
	u1, _ := s.CreateUser("o5")
	u2, _ := s.CreateUser("o6")
	m, _ := s.CreateMarket("BTC", "USDT", fixed.MustParse("0.001"))

	insertOrder(t, s, &Order{UserID: u1.ID, MarketID: m.ID, Side: SideBuy, Price: fixed.MustParse("1"), Amount: fixed.MustParse("1")})
	insertOrder(t, s, &Order{UserID: u1.ID, MarketID: m.ID, Side: SideSell, Price: fixed.MustParse("2"), Amount: fixed.MustParse("1"), Status: OrderStatusFilled, Remaining: 0})
	insertOrder(t, s, &Order{UserID: u2.ID, MarketID: m.ID, Side: SideBuy, Price: fixed.MustParse("1"), Amount: fixed.MustParse("1")})

	open, err := s.ListOrders(&OrderFilter{UserID: u1.ID, OpenOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Errorf("open orders for u1 = %d, want 1", len(open))
	}

	all, _ := s.ListOrders(&OrderFilter{UserID: u1.ID})
	if len(all) != 2 {
		t.Errorf("all orders for u1 = %d, want 2", len(all))
	}

	limited, _ := s.ListOrders(&OrderFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit not applied")
	}
}

func TestListTradesByUser(t *testing.T) {
	s := newTestStorage(t)
	buyer, _ := s.CreateUser("o7")
	seller, _ := s.CreateUser("o8")
	outsider, _ := s.CreateUser("o9")
	m, _ := s.CreateMarket("BTC", "USDT", fixed.MustParse("0.001"))

	buy := insertOrder(t, s, &Order{UserID: buyer.ID, MarketID: m.ID, Side: SideBuy, Price: fixed.MustParse("100"), Amount: fixed.MustParse("1")})
	sell := insertOrder(t, s, &Order{UserID: seller.ID, MarketID: m.ID, Side: SideSell, Price: fixed.MustParse("100"), Amount: fixed.MustParse("1")})

	tx, _ := s.Begin(context.Background())
	tr := &Trade{BuyOrderID: buy.ID, SellOrderID: sell.ID, MarketID: m.ID, Price: fixed.MustParse("100"), Amount: fixed.MustParse("1")}
	if err := tx.InsertTrade(tr); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	for _, uid := range []int64{buyer.ID, seller.ID} {
		trades, err := s.ListTrades(&TradeFilter{UserID: uid})
		if err != nil {
			t.Fatal(err)
		}
		if len(trades) != 1 {
			t.Errorf("trades for user %d = %d, want 1", uid, len(trades))
		}
	}

	trades, _ := s.ListTrades(&TradeFilter{UserID: outsider.ID})
	if len(trades) != 0 {
		t.Errorf("outsider sees %d trades", len(trades))
	}
}
