package wire

import "time"

// Kind identifies what a decoded terminal line represents.
type Kind int

const (
	KindUnknown Kind = iota
	KindPosition
	KindOrder
	KindOrderAction
	KindTrade
	KindAccountInfo
	KindBuyingPower
	KindQuote
	KindBlockStart
	KindBlockEnd
	KindLoginOK
	KindLoginFailed
)

func (k Kind) String() string {
	switch k {
	case KindPosition:
		return "position"
	case KindOrder:
		return "order"
	case KindOrderAction:
		return "order_action"
	case KindTrade:
		return "trade"
	case KindAccountInfo:
		return "account_info"
	case KindBuyingPower:
		return "buying_power"
	case KindQuote:
		return "quote"
	case KindBlockStart:
		return "block_start"
	case KindBlockEnd:
		return "block_end"
	case KindLoginOK:
		return "login_ok"
	case KindLoginFailed:
		return "login_failed"
	default:
		return "unknown"
	}
}

// Block identifies which response section a block marker delimits.
type Block int

const (
	BlockNone Block = iota
	BlockPositions
	BlockOrders
	BlockTrades
)

// Message is a single decoded terminal line.
type Message interface {
	Kind() Kind
}

// PositionMsg is a decoded %POS line.
//
// Format: %POS Symbol Type Quantity AvgCost InitQuantity InitPrice Realized CreateTime [Unrealized]
type PositionMsg struct {
	Symbol        string
	Short         bool // position type 3
	Quantity      int64
	AvgCost       float64
	InitQuantity  int64
	InitPrice     float64
	RealizedPnL   float64
	UnrealizedPnL float64
	CreateTime    time.Time
}

func (PositionMsg) Kind() Kind { return KindPosition }

// OrderMsg is a decoded %ORDER line.
//
// Format: %ORDER id token symb b/s mkt/lmt qty lvqty cxlqty price route status time [origoid account trader src]
type OrderMsg struct {
	OrderID      string
	Token        string
	Symbol       string
	Side         string // B, S or SS
	OrderType    string // MKT or LMT
	Quantity     int64
	LeavesQty    int64
	CancelledQty int64
	Price        float64 // 0 for market orders
	Route        string
	Status       string
	Time         time.Time
	OrigOrderID  string
	Account      string
}

func (OrderMsg) Kind() Kind { return KindOrder }

// OrderActionMsg is a decoded %OrderAct line.
//
// Format: %OrderAct id ActionType B/S symbol qty price route time [notes token]
type OrderActionMsg struct {
	OrderID  string
	Action   string
	Side     string
	Symbol   string
	Quantity int64
	Price    float64
	Route    string
	Time     time.Time
	Notes    string
}

func (OrderActionMsg) Kind() Kind { return KindOrderAction }

// TradeMsg is a decoded %TRADE line.
//
// Format: %TRADE id symb B/S qty price route time [orderid liq ecnfee pl]
type TradeMsg struct {
	ExecID      string
	Symbol      string
	Side        string
	Quantity    int64
	Price       float64
	Route       string
	Time        time.Time
	OrderID     string
	Liquidity   string
	ECNFee      float64
	RealizedPnL float64
}

func (TradeMsg) Kind() Kind { return KindTrade }

// AccountInfoMsg is a decoded $AccountInfo line.
//
// Format: $AccountInfo OpenEQ CurrEQ RealizedPL UnrealizedPL NetPL HTBCost SecFee FINRAFee ECNFee Commission
type AccountInfoMsg struct {
	OpenEquity    float64
	CurrentEquity float64
	RealizedPnL   float64
	UnrealizedPnL float64
	NetPnL        float64
	HTBCost       float64
	SecFee        float64
	FinraFee      float64
	ECNFee        float64
	Commission    float64
}

func (AccountInfoMsg) Kind() Kind { return KindAccountInfo }

// BuyingPowerMsg is a decoded BP line.
type BuyingPowerMsg struct {
	Current   float64
	Overnight float64
}

func (BuyingPowerMsg) Kind() Kind { return KindBuyingPower }

// QuoteMsg is a decoded $Quote line. Only the fields the monitor consumes
// are typed; everything else stays in Extra.
type QuoteMsg struct {
	Symbol  string
	Last    float64
	Bid     float64
	Ask     float64
	BidSize int64
	AskSize int64
	Volume  int64
	Extra   map[string]string
}

func (QuoteMsg) Kind() Kind { return KindQuote }

// BlockMarkerMsg delimits a multi-line command response section.
type BlockMarkerMsg struct {
	Block Block
	End   bool
}

func (m BlockMarkerMsg) Kind() Kind {
	if m.End {
		return KindBlockEnd
	}
	return KindBlockStart
}

// LoginResultMsg is the terminal's answer to a LOGIN command.
type LoginResultMsg struct {
	OK     bool
	Detail string
}

func (m LoginResultMsg) Kind() Kind {
	if m.OK {
		return KindLoginOK
	}
	return KindLoginFailed
}

// UnknownMsg wraps a line the codec does not recognize. Never fatal; the
// sync engine records it as a system note.
type UnknownMsg struct {
	Raw string
}

func (UnknownMsg) Kind() Kind { return KindUnknown }
