package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/marketdesk/dasmon/internal/broadcast"
	"github.com/marketdesk/dasmon/internal/state"
	"github.com/marketdesk/dasmon/internal/terminal"
	"github.com/marketdesk/dasmon/internal/wire"
)

// pushLoop consumes unsolicited terminal events and applies targeted
// updates ahead of the next poll. Replayed events are idempotent no-ops.
func (e *Engine) pushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.conn.Push():
			if !ok {
				return nil
			}
			e.handlePush(ev)
		}
	}
}

func (e *Engine) handlePush(ev terminal.PushEvent) {
	if ev.Err != nil {
		// Malformed line: log, skip the update, keep going.
		store := e.stores[e.primary().ID]
		store.AppendActivity(state.ActivityError, "protocol parse error: %v", ev.Err)
		e.logger.Warn("skipping malformed push line", zap.String("line", ev.Raw), zap.Error(ev.Err))
		return
	}

	switch m := ev.Msg.(type) {
	case wire.TradeMsg:
		e.applyTradePush(m)
	case wire.OrderMsg:
		e.applyOrderPush(m)
	case wire.OrderActionMsg:
		e.applyOrderActionPush(m)
	case wire.PositionMsg:
		e.applyPositionPush(m)
	case wire.AccountInfoMsg:
		e.applyAccountInfoPush(m)
	case wire.BuyingPowerMsg:
		e.applyBuyingPowerPush(m)
	case wire.QuoteMsg:
		e.applyQuotePush(m, ev)
	case wire.UnknownMsg:
		store := e.stores[e.primary().ID]
		store.AppendActivity(state.ActivitySystemNote, "unrecognized terminal line: %s", m.Raw)
		e.logger.Debug("unrecognized terminal line", zap.String("line", m.Raw))
	}
}

func (e *Engine) applyTradePush(m wire.TradeMsg) {
	acct := e.accountForOrder(m.OrderID, "", m.Symbol)
	store := e.stores[acct.ID]
	trade := tradeFromMsg(m)
	if !store.AppendTrade(trade) {
		return // duplicate execution id
	}
	store.AppendActivity(state.ActivityTrade, "%s %d %s @ %.4f",
		trade.Side, trade.Quantity, trade.Symbol, trade.Price)
	e.publish(acct.ID, broadcast.KindTrades, broadcast.KindActivity)
}

func (e *Engine) applyOrderPush(m wire.OrderMsg) {
	acct := e.accountForOrder(m.OrderID, m.Account, m.Symbol)
	store := e.stores[acct.ID]
	order := orderFromMsg(m)
	if !store.UpsertOrder(order) {
		return // stale or duplicate transition
	}
	store.AppendActivity(state.ActivityOrderEvent, "order %s %s %d %s: %s",
		order.OrderID, order.Side, order.Quantity, order.Symbol, order.Status)
	e.publish(acct.ID, broadcast.KindOrders, broadcast.KindActivity)
}

func (e *Engine) applyOrderActionPush(m wire.OrderActionMsg) {
	acct := e.accountForOrder(m.OrderID, "", m.Symbol)
	store := e.stores[acct.ID]
	store.AppendActivity(state.ActivityOrderEvent, "order %s %s %s %d %s",
		m.OrderID, m.Action, m.Side, m.Quantity, m.Symbol)
	e.publish(acct.ID, broadcast.KindActivity)
}

// applyPositionPush splices one position into the section. The store does
// the splice under its lock, so a poll pass landing in between cannot be
// overwritten with a stale copy.
func (e *Engine) applyPositionPush(m wire.PositionMsg) {
	acct := e.accountForSymbol(m.Symbol)
	e.stores[acct.ID].UpsertPosition(positionFromMsg(m))
	e.publish(acct.ID, broadcast.KindPositions)
}

func (e *Engine) applyAccountInfoPush(m wire.AccountInfoMsg) {
	acct := e.primary()
	e.stores[acct.ID].MergeAccountInfo(overviewFromMsg(m, e.now()))
	e.publish(acct.ID, broadcast.KindOverview)
}

func (e *Engine) applyBuyingPowerPush(m wire.BuyingPowerMsg) {
	acct := e.primary()
	e.stores[acct.ID].MergeBuyingPower(m.Current, m.Overnight)
	e.publish(acct.ID, broadcast.KindOverview)
}

// applyQuotePush remarks every account holding the symbol.
func (e *Engine) applyQuotePush(m wire.QuoteMsg, ev terminal.PushEvent) {
	quote := quoteFromMsg(m, ev.At)
	for _, acct := range e.accounts {
		store := e.stores[acct.ID]
		holds := false
		for _, p := range store.Positions() {
			if p.Symbol == m.Symbol {
				holds = true
				break
			}
		}
		store.ApplyQuote(quote)
		if holds {
			e.publish(acct.ID, broadcast.KindPositions)
		}
	}
}

func (e *Engine) publish(accountID string, kinds ...broadcast.EntityKind) {
	e.bc.Publish(broadcast.Change{AccountID: accountID, Kinds: kinds, At: e.now()})
}

func (e *Engine) primary() Account { return e.accounts[0] }

// accountForOrder attributes a push line to an account: an explicit account
// code wins, then whichever account already knows the order, then whichever
// holds the symbol.
func (e *Engine) accountForOrder(orderID, accountCode, symbol string) Account {
	if accountCode != "" {
		for _, a := range e.accounts {
			if a.Code == accountCode {
				return a
			}
		}
	}
	if orderID != "" {
		for _, a := range e.accounts {
			for _, o := range e.stores[a.ID].Orders() {
				if o.OrderID == orderID {
					return a
				}
			}
		}
	}
	return e.accountForSymbol(symbol)
}

func (e *Engine) accountForSymbol(symbol string) Account {
	if symbol != "" {
		for _, a := range e.accounts {
			for _, p := range e.stores[a.ID].Positions() {
				if p.Symbol == symbol {
					return a
				}
			}
		}
	}
	return e.primary()
}
