package state

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStore() *Store {
	return NewStore("TR100", zap.NewNop())
}

func TestApplyPositionsDropsZeroQuantity(t *testing.T) {
	s := testStore()
	s.ApplyPositions([]Position{
		{Symbol: "AAPL", Side: Long, Quantity: 100, AvgCost: 150},
		{Symbol: "TSLA", Side: Short, Quantity: 0, AvgCost: 220},
	})

	positions := s.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)
}

func TestApplyPositionsUsesKnownQuoteAsMark(t *testing.T) {
	s := testStore()
	s.ApplyQuote(Quote{Symbol: "AAPL", Last: 155})
	s.ApplyPositions([]Position{
		{Symbol: "AAPL", Side: Long, Quantity: 100, AvgCost: 150},
	})

	positions := s.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, 155.0, positions[0].MarkPrice)
	assert.Equal(t, 500.0, positions[0].UnrealizedPnL)
}

func TestApplyQuoteRemarksOpenPosition(t *testing.T) {
	s := testStore()
	s.ApplyPositions([]Position{
		{Symbol: "TSLA", Side: Short, Quantity: 50, AvgCost: 220},
	})
	s.ApplyQuote(Quote{Symbol: "TSLA", Last: 210})

	positions := s.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, 210.0, positions[0].MarkPrice)
	// Short 50 @ 220 marked at 210: (210-220)*50*(-1) = +500.
	assert.Equal(t, 500.0, positions[0].UnrealizedPnL)
}

func TestUpsertPositionSplicesWithoutClobbering(t *testing.T) {
	s := testStore()
	s.ApplyPositions([]Position{
		{Symbol: "AAPL", Side: Long, Quantity: 100, AvgCost: 150},
	})

	s.UpsertPosition(Position{Symbol: "TSLA", Side: Short, Quantity: 50, AvgCost: 220})

	positions := s.Positions()
	require.Len(t, positions, 2)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, "TSLA", positions[1].Symbol)

	// Zero quantity closes just that symbol.
	s.UpsertPosition(Position{Symbol: "TSLA", Quantity: 0})
	positions = s.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)
}

func TestUpsertPositionUsesKnownQuoteAsMark(t *testing.T) {
	s := testStore()
	s.ApplyQuote(Quote{Symbol: "AAPL", Last: 155})

	s.UpsertPosition(Position{Symbol: "AAPL", Side: Long, Quantity: 100, AvgCost: 150})

	positions := s.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, 155.0, positions[0].MarkPrice)
	assert.Equal(t, 500.0, positions[0].UnrealizedPnL)
}

func TestMergeAccountInfoKeepsDerivedFigures(t *testing.T) {
	s := testStore()
	s.ApplyOverview(Overview{
		CurrentEquity: 10500, BuyingPower: 40000, OvernightBP: 20000,
		MarginUsed: 3000, CashBalance: 7500,
	})

	s.MergeAccountInfo(Overview{CurrentEquity: 11000, NetPnL: 1000})

	ov := s.Overview()
	assert.Equal(t, 11000.0, ov.CurrentEquity)
	assert.Equal(t, 1000.0, ov.NetPnL)
	assert.Equal(t, 40000.0, ov.BuyingPower)
	assert.Equal(t, 20000.0, ov.OvernightBP)
	assert.Equal(t, 3000.0, ov.MarginUsed)
	assert.Equal(t, 8000.0, ov.CashBalance)
}

func TestMergeBuyingPowerTouchesOnlyBPFields(t *testing.T) {
	s := testStore()
	s.ApplyOverview(Overview{CurrentEquity: 10500, MarginUsed: 3000, CashBalance: 7500})

	s.MergeBuyingPower(42000, 21000)

	ov := s.Overview()
	assert.Equal(t, 42000.0, ov.BuyingPower)
	assert.Equal(t, 21000.0, ov.OvernightBP)
	assert.Equal(t, 10500.0, ov.CurrentEquity)
	assert.Equal(t, 7500.0, ov.CashBalance)
}

func TestApplyOrdersFinalStatusNotReverted(t *testing.T) {
	s := testStore()
	at := time.Date(2025, 3, 14, 9, 45, 0, 0, time.UTC)

	// Push path reports the fill first.
	require.True(t, s.UpsertOrder(Order{OrderID: "O1", Symbol: "MSFT", Status: OrderFilled, UpdatedAt: at}))

	// A slower poll still lists the order as Accepted.
	s.ApplyOrders([]Order{{OrderID: "O1", Symbol: "MSFT", Status: OrderAccepted, UpdatedAt: at}})

	orders := s.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, OrderFilled, orders[0].Status)
}

func TestApplyOrdersKeepsNewerPushState(t *testing.T) {
	s := testStore()
	early := time.Date(2025, 3, 14, 9, 45, 0, 0, time.UTC)
	late := early.Add(2 * time.Second)

	require.True(t, s.UpsertOrder(Order{OrderID: "O1", Status: OrderPartiallyFilled, LeavesQty: 50, UpdatedAt: late}))
	s.ApplyOrders([]Order{{OrderID: "O1", Status: OrderAccepted, LeavesQty: 100, UpdatedAt: early}})

	orders := s.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, OrderPartiallyFilled, orders[0].Status)
	assert.Equal(t, int64(50), orders[0].LeavesQty)
}

func TestApplyOrdersDropsVanishedWorkingOrders(t *testing.T) {
	s := testStore()
	at := time.Now()
	s.UpsertOrder(Order{OrderID: "O1", Status: OrderAccepted, UpdatedAt: at})
	s.UpsertOrder(Order{OrderID: "O2", Status: OrderFilled, UpdatedAt: at})

	s.ApplyOrders(nil)

	orders := s.Orders()
	// The working order vanished upstream; the final one stays visible.
	require.Len(t, orders, 1)
	assert.Equal(t, "O2", orders[0].OrderID)
}

func TestUpsertOrderTieBreak(t *testing.T) {
	s := testStore()
	at := time.Date(2025, 3, 14, 9, 45, 0, 0, time.UTC)

	require.True(t, s.UpsertOrder(Order{OrderID: "O1", Status: OrderAccepted, UpdatedAt: at}))

	// Same timestamp, new state: the push update wins the tie.
	require.True(t, s.UpsertOrder(Order{OrderID: "O1", Status: OrderPartiallyFilled, LeavesQty: 40, UpdatedAt: at}))
	assert.Equal(t, OrderPartiallyFilled, s.Orders()[0].Status)

	// Older than current: ignored.
	require.False(t, s.UpsertOrder(Order{OrderID: "O1", Status: OrderAccepted, UpdatedAt: at.Add(-time.Second)}))

	// Identical transition replayed: idempotent no-op.
	require.False(t, s.UpsertOrder(Order{OrderID: "O1", Status: OrderPartiallyFilled, LeavesQty: 40, UpdatedAt: at}))
}

func TestUpsertOrderFinalIsMonotone(t *testing.T) {
	s := testStore()
	at := time.Now()
	require.True(t, s.UpsertOrder(Order{OrderID: "O1", Status: OrderFilled, UpdatedAt: at}))
	require.False(t, s.UpsertOrder(Order{OrderID: "O1", Status: OrderAccepted, UpdatedAt: at.Add(time.Minute)}))
	assert.Equal(t, OrderFilled, s.Orders()[0].Status)
}

func TestAppendTradeDeduplicatesByExecID(t *testing.T) {
	s := testStore()
	tr := Trade{ExecID: "E1", Symbol: "AAPL", Quantity: 100, Price: 150.30}

	assert.True(t, s.AppendTrade(tr))
	assert.False(t, s.AppendTrade(tr))
	assert.Len(t, s.Trades(), 1)
}

func TestAppendTradeBounded(t *testing.T) {
	s := testStore()
	for i := 0; i < TradeCapacity+10; i++ {
		require.True(t, s.AppendTrade(Trade{ExecID: fmt.Sprintf("E%d", i)}))
	}

	trades := s.Trades()
	require.Len(t, trades, TradeCapacity)
	assert.Equal(t, "E10", trades[0].ExecID)
}

func TestActivityRingEviction(t *testing.T) {
	s := testStore()
	for i := 0; i < ActivityCapacity+1; i++ {
		s.AppendActivity(ActivitySystemNote, "entry %d", i)
	}

	entries := s.Activity()
	require.Len(t, entries, ActivityCapacity)
	// After 1001 appends the very first entry is gone and the most recent
	// 1000 remain in insertion order.
	assert.Equal(t, "entry 1", entries[0].Message)
	assert.Equal(t, fmt.Sprintf("entry %d", ActivityCapacity), entries[len(entries)-1].Message)
	for i := 1; i < len(entries); i++ {
		assert.True(t, !entries[i].Timestamp.Before(entries[i-1].Timestamp))
	}
}

func TestSnapshotStaleness(t *testing.T) {
	s := testStore()
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	// Never refreshed: stale.
	assert.True(t, s.Snapshot().Stale)

	s.MarkRefreshed(now)
	assert.False(t, s.Snapshot().Stale)

	// More than two missed cycles later.
	now = now.Add(StaleAfter + time.Second)
	assert.True(t, s.Snapshot().Stale)
}

func TestSnapshotIsConsistentCopy(t *testing.T) {
	s := testStore()
	s.ApplyPositions([]Position{{Symbol: "AAPL", Side: Long, Quantity: 100, AvgCost: 150}})
	s.ApplyOverview(Overview{CurrentEquity: 10000})

	view := s.Snapshot()
	view.Positions[0].Quantity = 999

	// Mutating the view must not leak back into the store.
	assert.Equal(t, int64(100), s.Positions()[0].Quantity)
	assert.Equal(t, 10000.0, view.Overview.CurrentEquity)
	assert.Equal(t, "TR100", view.AccountID)
}

func TestConcurrentReadersNeverTearState(t *testing.T) {
	s := testStore()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Single writer, as in production.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			q := int64(i%500 + 1)
			s.ApplyPositions([]Position{{Symbol: "AAPL", Side: Long, Quantity: q, AvgCost: 150}})
			s.ApplyOverview(Overview{CurrentEquity: float64(q)})
			s.AppendActivity(ActivitySystemNote, "tick %d", i)
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				view := s.Snapshot()
				assert.LessOrEqual(t, len(view.Activity), ActivityCapacity)
				if len(view.Positions) == 1 {
					assert.NotZero(t, view.Positions[0].Quantity)
				}
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestParseOrderStatus(t *testing.T) {
	tests := []struct {
		raw    string
		leaves int64
		qty    int64
		want   OrderStatus
	}{
		{"Accepted", 100, 100, OrderAccepted},
		{"Accepted", 40, 100, OrderPartiallyFilled},
		{"Executed", 0, 100, OrderFilled},
		{"Canceled", 0, 100, OrderCancelled},
		{"Rejected", 100, 100, OrderRejected},
		{"Sending", 100, 100, OrderPending},
		{"weird", 100, 100, OrderPending},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseOrderStatus(tt.raw, tt.leaves, tt.qty))
		})
	}
}
