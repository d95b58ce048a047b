// Package state holds the in-memory snapshot of a single brokerage account:
// positions, orders, trades, account overview and a bounded activity log.
// Each store has exactly one writer, the sync engine that owns the account's
// terminal connection; readers always get consistent copies.
package state

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// ActivityCapacity bounds the per-account activity log.
	ActivityCapacity = 1000
	// TradeCapacity bounds the in-memory trade tape.
	TradeCapacity = 1000
	// StaleAfter marks snapshots older than two missed refresh cycles.
	StaleAfter = 10 * time.Second
)

// Store is the authoritative in-memory state for one account.
type Store struct {
	accountID string
	logger    *zap.Logger

	mu          sync.RWMutex
	positions   map[string]Position
	orders      map[string]Order
	trades      []Trade
	seenExec    map[string]struct{}
	overview    Overview
	quotes      map[string]Quote
	activity    *activityRing
	lastRefresh time.Time

	now func() time.Time
}

// NewStore creates an empty store for the given account.
func NewStore(accountID string, logger *zap.Logger) *Store {
	return &Store{
		accountID: accountID,
		logger:    logger.Named("state").With(zap.String("account", accountID)),
		positions: make(map[string]Position),
		orders:    make(map[string]Order),
		seenExec:  make(map[string]struct{}),
		quotes:    make(map[string]Quote),
		activity:  newActivityRing(ActivityCapacity),
		now:       time.Now,
	}
}

// AccountID returns the account this store belongs to.
func (s *Store) AccountID() string { return s.accountID }

// ApplyPositions replaces the whole position section. Positions with zero
// quantity are dropped. Mark prices from known quotes are carried over.
func (s *Store) ApplyPositions(positions []Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Position, len(positions))
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		if q, ok := s.quotes[p.Symbol]; ok && q.Last > 0 {
			p.MarkPrice = q.Last
			p.UnrealizedPnL = markToMarket(p, q.Last)
		} else if p.MarkPrice == 0 {
			p.MarkPrice = p.AvgCost
		}
		next[p.Symbol] = p
	}
	s.positions = next
}

// ApplyOrders replaces the whole order section. Orders already known with a
// final status are never reverted by the incoming snapshot, and entries the
// store has seen with a later terminal timestamp keep their newer state.
func (s *Store) ApplyOrders(orders []Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]Order, len(orders))
	for _, o := range orders {
		if prev, ok := s.orders[o.OrderID]; ok {
			if prev.Status.Final() && !o.Status.Final() {
				o.Status = prev.Status
				o.LeavesQty = prev.LeavesQty
				o.UpdatedAt = prev.UpdatedAt
			} else if !o.UpdatedAt.After(prev.UpdatedAt) {
				// Poll data must be strictly newer to displace what the
				// push path already applied; on a timestamp tie the push
				// update stands.
				o = prev
			}
		}
		next[o.OrderID] = o
	}
	// Final orders that dropped out of the snapshot stay visible; working
	// orders that vanished upstream are gone.
	for id, prev := range s.orders {
		if _, ok := next[id]; !ok && prev.Status.Final() {
			next[id] = prev
		}
	}
	s.orders = next
}

// UpsertPosition applies a single targeted position update from the push
// path without disturbing the rest of the section. Zero quantity removes
// the position. The splice happens under the store lock so a concurrent
// section replacement is never overwritten with stale data.
func (s *Store) UpsertPosition(p Position) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Quantity == 0 {
		delete(s.positions, p.Symbol)
		return
	}
	if q, ok := s.quotes[p.Symbol]; ok && q.Last > 0 {
		p.MarkPrice = q.Last
		p.UnrealizedPnL = markToMarket(p, q.Last)
	} else if p.MarkPrice == 0 {
		p.MarkPrice = p.AvgCost
	}
	s.positions[p.Symbol] = p
}

// UpsertOrder applies a single targeted order update from the push path.
// Later terminal timestamps win; on a timestamp tie the push update wins.
// Final statuses are never downgraded.
func (s *Store) UpsertOrder(o Order) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.orders[o.OrderID]
	if ok {
		if prev.Status.Final() && !o.Status.Final() {
			return false
		}
		if prev.UpdatedAt.After(o.UpdatedAt) {
			return false
		}
		if prev.Status == o.Status && prev.LeavesQty == o.LeavesQty && prev.UpdatedAt.Equal(o.UpdatedAt) {
			return false // identical transition, idempotent no-op
		}
	}
	s.orders[o.OrderID] = o
	return true
}

// AppendTrade records an execution. Returns false for a duplicate exec id,
// making replayed push events idempotent.
func (s *Store) AppendTrade(t Trade) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seenExec[t.ExecID]; dup {
		return false
	}
	s.seenExec[t.ExecID] = struct{}{}
	if len(s.trades) >= TradeCapacity {
		s.trades = s.trades[1:]
	}
	s.trades = append(s.trades, t)
	return true
}

// ApplyOverview replaces the account summary wholesale.
func (s *Store) ApplyOverview(o Overview) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overview = o
}

// MergeAccountInfo replaces the equity and P&L figures from a pushed
// account-info line while keeping the buying-power and exposure numbers
// from the last full refresh. Atomic against concurrent poll writes.
func (s *Store) MergeAccountInfo(next Overview) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next.BuyingPower = s.overview.BuyingPower
	next.OvernightBP = s.overview.OvernightBP
	next.MarginUsed = s.overview.MarginUsed
	next.CashBalance = next.CurrentEquity - next.MarginUsed
	s.overview = next
}

// MergeBuyingPower updates only the buying-power figures.
func (s *Store) MergeBuyingPower(current, overnight float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overview.BuyingPower = current
	s.overview.OvernightBP = overnight
}

// ApplyQuote stores market data and remarks any open position in the symbol.
func (s *Store) ApplyQuote(q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quotes[q.Symbol] = q
	if p, ok := s.positions[q.Symbol]; ok && q.Last > 0 {
		p.MarkPrice = q.Last
		p.UnrealizedPnL = markToMarket(p, q.Last)
		s.positions[q.Symbol] = p
	}
}

// AppendActivity adds one entry to the bounded activity log.
func (s *Store) AppendActivity(category ActivityCategory, format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity.append(ActivityEntry{
		Timestamp: s.now(),
		Category:  category,
		Message:   fmt.Sprintf(format, args...),
	})
}

// MarkRefreshed records a successful full refresh, resetting staleness.
func (s *Store) MarkRefreshed(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefresh = at
}

// LastRefresh returns the time of the last successful full refresh.
func (s *Store) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh
}

// Positions returns a sorted copy of the open positions.
func (s *Store) Positions() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyPositions()
}

// Orders returns a sorted copy of the known orders.
func (s *Store) Orders() []Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyOrders()
}

// Trades returns a copy of the trade tape, oldest first.
func (s *Store) Trades() []Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

// Overview returns the current account summary.
func (s *Store) Overview() Overview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overview
}

// Activity returns a copy of the activity log in insertion order.
func (s *Store) Activity() []ActivityEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activity.entries()
}

// Snapshot returns an internally consistent copy of the whole account as of
// one instant, with a staleness flag when the last full refresh is older
// than two poll cycles.
func (s *Store) Snapshot() AccountView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	return AccountView{
		AccountID:   s.accountID,
		Positions:   s.copyPositions(),
		Orders:      s.copyOrders(),
		Trades:      append([]Trade(nil), s.trades...),
		Overview:    s.overview,
		Activity:    s.activity.entries(),
		LastRefresh: s.lastRefresh,
		Stale:       s.lastRefresh.IsZero() || now.Sub(s.lastRefresh) > StaleAfter,
		TakenAt:     now,
	}
}

func (s *Store) copyPositions() []Position {
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (s *Store) copyOrders() []Order {
	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func markToMarket(p Position, mark float64) float64 {
	return (mark - p.AvgCost) * float64(p.Quantity) * float64(p.Side)
}
