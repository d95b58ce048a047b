package state

import "time"

// Side is the direction of a position, order or trade.
type Side int

const (
	Long  Side = 1
	Short Side = -1
)

func (s Side) String() string {
	if s == Short {
		return "short"
	}
	return "long"
}

// SideFromCode maps the terminal's B/S/SS codes.
func SideFromCode(code string) Side {
	switch code {
	case "S", "SS":
		return Short
	default:
		return Long
	}
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus int

const (
	OrderPending OrderStatus = iota
	OrderAccepted
	OrderPartiallyFilled
	OrderFilled
	OrderCancelled
	OrderRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderPending:
		return "Pending"
	case OrderAccepted:
		return "Accepted"
	case OrderPartiallyFilled:
		return "PartiallyFilled"
	case OrderFilled:
		return "Filled"
	case OrderCancelled:
		return "Cancelled"
	case OrderRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// Final reports whether the status is terminal: once reached, later
// updates may not revert it.
func (s OrderStatus) Final() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// ParseOrderStatus maps the terminal's status words onto the enum.
func ParseOrderStatus(raw string, leaves, qty int64) OrderStatus {
	switch raw {
	case "Pending", "Sending", "Holding":
		return OrderPending
	case "Accepted", "Triggered", "Open":
		if leaves > 0 && leaves < qty {
			return OrderPartiallyFilled
		}
		return OrderAccepted
	case "Executed", "Filled":
		return OrderFilled
	case "Canceled", "Cancelled":
		return OrderCancelled
	case "Rejected":
		return OrderRejected
	default:
		return OrderPending
	}
}

// Position is an open position keyed by (account, symbol).
type Position struct {
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Quantity      int64     `json:"quantity"`
	AvgCost       float64   `json:"avg_cost"`
	MarkPrice     float64   `json:"mark_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	RealizedPnL   float64   `json:"realized_pnl"`
	OpenedAt      time.Time `json:"opened_at"`
}

// Order is a working or finished order keyed by its terminal order id.
type Order struct {
	OrderID      string      `json:"order_id"`
	Symbol       string      `json:"symbol"`
	Side         Side        `json:"side"`
	OrderType    string      `json:"order_type"`
	Quantity     int64       `json:"quantity"`
	LeavesQty    int64       `json:"leaves_qty"`
	CancelledQty int64       `json:"cancelled_qty"`
	Price        float64     `json:"price"`
	Route        string      `json:"route"`
	Status       OrderStatus `json:"status"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Trade is a single execution. Append-only, deduplicated by ExecID.
type Trade struct {
	ExecID      string    `json:"exec_id"`
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Quantity    int64     `json:"quantity"`
	Price       float64   `json:"price"`
	Route       string    `json:"route"`
	RealizedPnL float64   `json:"realized_pnl"`
	Timestamp   time.Time `json:"timestamp"`
}

// Overview is the account summary, replaced wholesale on each refresh.
type Overview struct {
	OpenEquity    float64   `json:"open_equity"`
	CurrentEquity float64   `json:"current_equity"`
	CashBalance   float64   `json:"cash_balance"`
	MarginUsed    float64   `json:"margin_used"`
	BuyingPower   float64   `json:"buying_power"`
	OvernightBP   float64   `json:"overnight_bp"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	NetPnL        float64   `json:"net_pnl"`
	Commission    float64   `json:"commission"`
	Fees          float64   `json:"fees"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Quote is the most recent market data for one symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Volume    int64     `json:"volume"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActivityCategory tags entries in the account activity log.
type ActivityCategory string

const (
	ActivityTrade      ActivityCategory = "trade"
	ActivityOrderEvent ActivityCategory = "order_event"
	ActivitySystemNote ActivityCategory = "system_note"
	ActivityError      ActivityCategory = "error"
)

// ActivityEntry is one line in the bounded per-account activity log.
type ActivityEntry struct {
	Timestamp time.Time        `json:"timestamp"`
	Category  ActivityCategory `json:"category"`
	Message   string           `json:"message"`
}

// AccountView is an immutable, internally consistent copy of an account's
// state as of one instant.
type AccountView struct {
	AccountID   string          `json:"account_id"`
	Positions   []Position      `json:"positions"`
	Orders      []Order         `json:"orders"`
	Trades      []Trade         `json:"trades"`
	Overview    Overview        `json:"overview"`
	Activity    []ActivityEntry `json:"activity"`
	LastRefresh time.Time       `json:"last_refresh"`
	Stale       bool            `json:"stale"`
	TakenAt     time.Time       `json:"taken_at"`
}
