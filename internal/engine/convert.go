package engine

import (
	"time"

	"github.com/marketdesk/dasmon/internal/state"
	"github.com/marketdesk/dasmon/internal/wire"
)

func positionFromMsg(m wire.PositionMsg) state.Position {
	side := state.Long
	if m.Short {
		side = state.Short
	}
	return state.Position{
		Symbol:        m.Symbol,
		Side:          side,
		Quantity:      m.Quantity,
		AvgCost:       m.AvgCost,
		UnrealizedPnL: m.UnrealizedPnL,
		RealizedPnL:   m.RealizedPnL,
		OpenedAt:      m.CreateTime,
	}
}

func orderFromMsg(m wire.OrderMsg) state.Order {
	return state.Order{
		OrderID:      m.OrderID,
		Symbol:       m.Symbol,
		Side:         state.SideFromCode(m.Side),
		OrderType:    m.OrderType,
		Quantity:     m.Quantity,
		LeavesQty:    m.LeavesQty,
		CancelledQty: m.CancelledQty,
		Price:        m.Price,
		Route:        m.Route,
		Status:       state.ParseOrderStatus(m.Status, m.LeavesQty, m.Quantity),
		UpdatedAt:    m.Time,
	}
}

func tradeFromMsg(m wire.TradeMsg) state.Trade {
	return state.Trade{
		ExecID:      m.ExecID,
		OrderID:     m.OrderID,
		Symbol:      m.Symbol,
		Side:        state.SideFromCode(m.Side),
		Quantity:    m.Quantity,
		Price:       m.Price,
		Route:       m.Route,
		RealizedPnL: m.RealizedPnL,
		Timestamp:   m.Time,
	}
}

func overviewFromMsg(m wire.AccountInfoMsg, at time.Time) state.Overview {
	return state.Overview{
		OpenEquity:    m.OpenEquity,
		CurrentEquity: m.CurrentEquity,
		RealizedPnL:   m.RealizedPnL,
		UnrealizedPnL: m.UnrealizedPnL,
		NetPnL:        m.NetPnL,
		Commission:    m.Commission,
		Fees:          m.SecFee + m.FinraFee + m.ECNFee,
		UpdatedAt:     at,
	}
}

func quoteFromMsg(m wire.QuoteMsg, at time.Time) state.Quote {
	return state.Quote{
		Symbol:    m.Symbol,
		Last:      m.Last,
		Bid:       m.Bid,
		Ask:       m.Ask,
		Volume:    m.Volume,
		UpdatedAt: at,
	}
}
