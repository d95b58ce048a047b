// Package wire encodes and decodes the terminal's line-oriented CMD
// protocol. Commands go out as single ASCII lines, data comes back either
// as block-delimited response sections or as unsolicited push lines.
package wire

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Terminal commands understood by the CMD API.
const (
	CmdLogin       = "LOGIN"
	CmdGetPosition = "GET POSITIONS"
	CmdGetOrders   = "GET ORDERS"
	CmdGetTrades   = "GET TRADES"
	CmdGetAccount  = "GET AccountInfo"
	CmdGetBP       = "GET BP"
	CmdQuit        = "QUIT"
)

// Response block markers.
const (
	markerPosStart   = "#POS"
	markerPosEnd     = "#POSEND"
	markerOrderStart = "#ORDER"
	markerOrderEnd   = "#ORDEREND"
	markerTradeStart = "#TRADE"
	markerTradeEnd   = "#TRADEEND"
	markerLoginOK    = "#LOGIN SUCCESSED"
	markerLoginFail  = "#LOGIN FAILED"
)

// Position type codes on %POS lines.
const (
	posTypeCash   = "1"
	posTypeMargin = "2"
	posTypeShort  = "3"
)

// ParseError reports a malformed field on an otherwise recognized line.
// It is recoverable: the decoded message carries sentinel values and the
// caller decides whether to apply or skip the update.
type ParseError struct {
	Line  string
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: bad %s in %q: %v", e.Field, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// EncodeCommand renders a command plus arguments as a CRLF-terminated
// ASCII line.
func EncodeCommand(cmd string, args ...string) []byte {
	var b strings.Builder
	b.WriteString(cmd)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(a)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Decode classifies and parses a single terminal line. The returned error,
// if any, is always a *ParseError; the message is still usable with
// sentinel values in the malformed fields.
func Decode(raw string, now time.Time) (Message, error) {
	line := strings.TrimSpace(raw)
	switch {
	case line == "":
		return UnknownMsg{Raw: raw}, nil
	case line == markerPosEnd:
		return BlockMarkerMsg{Block: BlockPositions, End: true}, nil
	case line == markerOrderEnd:
		return BlockMarkerMsg{Block: BlockOrders, End: true}, nil
	case line == markerTradeEnd:
		return BlockMarkerMsg{Block: BlockTrades, End: true}, nil
	case line == markerPosStart:
		return BlockMarkerMsg{Block: BlockPositions}, nil
	case strings.HasPrefix(line, markerLoginOK):
		return LoginResultMsg{OK: true, Detail: line}, nil
	case strings.HasPrefix(line, markerLoginFail):
		return LoginResultMsg{OK: false, Detail: line}, nil
	case strings.HasPrefix(line, markerOrderStart):
		return BlockMarkerMsg{Block: BlockOrders}, nil
	case strings.HasPrefix(line, markerTradeStart):
		return BlockMarkerMsg{Block: BlockTrades}, nil
	case strings.HasPrefix(line, "%POS"):
		return decodePosition(line, now)
	case strings.HasPrefix(line, "%ORDER"):
		return decodeOrder(line, now)
	case strings.HasPrefix(line, "%OrderAct"):
		return decodeOrderAction(line, now)
	case strings.HasPrefix(line, "%TRADE"):
		return decodeTrade(line, now)
	case strings.HasPrefix(line, "$AccountInfo"):
		return decodeAccountInfo(line)
	case strings.HasPrefix(line, "BP "):
		return decodeBuyingPower(line)
	case strings.HasPrefix(line, "$Quote"):
		return decodeQuote(line)
	default:
		return UnknownMsg{Raw: line}, nil
	}
}

// fieldParser accumulates the first parse failure while converting fields,
// so a single bad column does not abort the whole line.
type fieldParser struct {
	line string
	err  *ParseError
}

func (p *fieldParser) float(field, s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(field, err)
		return 0
	}
	return v
}

func (p *fieldParser) int(field, s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		p.fail(field, err)
		return 0
	}
	return v
}

// price treats the MKT literal as a zero price rather than an error.
func (p *fieldParser) price(field, s string) float64 {
	if s == "MKT" {
		return 0
	}
	return p.float(field, s)
}

func (p *fieldParser) clock(field, s string, now time.Time) time.Time {
	t, err := time.ParseInLocation("15:04:05", s, now.Location())
	if err != nil {
		p.fail(field, err)
		return time.Time{}
	}
	return time.Date(now.Year(), now.Month(), now.Day(),
		t.Hour(), t.Minute(), t.Second(), 0, now.Location())
}

func (p *fieldParser) fail(field string, err error) {
	if p.err == nil {
		p.err = &ParseError{Line: p.line, Field: field, Err: err}
	}
}

func (p *fieldParser) result() error {
	if p.err == nil {
		return nil
	}
	return p.err
}

func decodePosition(line string, now time.Time) (Message, error) {
	parts := strings.Fields(line)
	if len(parts) < 9 {
		return UnknownMsg{Raw: line}, &ParseError{Line: line, Field: "fields", Err: fmt.Errorf("want >=9 fields, got %d", len(parts))}
	}
	p := fieldParser{line: line}
	msg := PositionMsg{
		Symbol:       parts[1],
		Short:        parts[2] == posTypeShort,
		Quantity:     p.int("quantity", parts[3]),
		AvgCost:      p.float("avg_cost", parts[4]),
		InitQuantity: p.int("init_quantity", parts[5]),
		InitPrice:    p.float("init_price", parts[6]),
		RealizedPnL:  p.float("realized_pnl", parts[7]),
		CreateTime:   p.clock("create_time", parts[8], now),
	}
	if len(parts) > 9 {
		msg.UnrealizedPnL = p.float("unrealized_pnl", parts[9])
	}
	return msg, p.result()
}

func decodeOrder(line string, now time.Time) (Message, error) {
	parts := strings.Fields(line)
	if len(parts) < 12 {
		return UnknownMsg{Raw: line}, &ParseError{Line: line, Field: "fields", Err: fmt.Errorf("want >=12 fields, got %d", len(parts))}
	}
	p := fieldParser{line: line}
	msg := OrderMsg{
		OrderID:      parts[1],
		Token:        parts[2],
		Symbol:       parts[3],
		Side:         parts[4],
		OrderType:    parts[5],
		Quantity:     p.int("quantity", parts[6]),
		LeavesQty:    p.int("leaves_qty", parts[7]),
		CancelledQty: p.int("cancelled_qty", parts[8]),
		Price:        p.price("price", parts[9]),
		Route:        parts[10],
		Status:       parts[11],
	}
	if len(parts) > 12 {
		msg.Time = p.clock("time", parts[12], now)
	}
	if len(parts) > 13 {
		msg.OrigOrderID = parts[13]
	}
	if len(parts) > 14 {
		msg.Account = parts[14]
	}
	return msg, p.result()
}

func decodeOrderAction(line string, now time.Time) (Message, error) {
	parts := strings.Fields(line)
	if len(parts) < 9 {
		return UnknownMsg{Raw: line}, &ParseError{Line: line, Field: "fields", Err: fmt.Errorf("want >=9 fields, got %d", len(parts))}
	}
	p := fieldParser{line: line}
	msg := OrderActionMsg{
		OrderID:  parts[1],
		Action:   parts[2],
		Side:     parts[3],
		Symbol:   parts[4],
		Quantity: p.int("quantity", parts[5]),
		Price:    p.price("price", parts[6]),
		Route:    parts[7],
		Time:     p.clock("time", parts[8], now),
	}
	if len(parts) > 9 {
		msg.Notes = parts[9]
	}
	return msg, p.result()
}

func decodeTrade(line string, now time.Time) (Message, error) {
	parts := strings.Fields(line)
	if len(parts) < 8 {
		return UnknownMsg{Raw: line}, &ParseError{Line: line, Field: "fields", Err: fmt.Errorf("want >=8 fields, got %d", len(parts))}
	}
	p := fieldParser{line: line}
	msg := TradeMsg{
		ExecID:   parts[1],
		Symbol:   parts[2],
		Side:     parts[3],
		Quantity: p.int("quantity", parts[4]),
		Price:    p.float("price", parts[5]),
		Route:    parts[6],
		Time:     p.clock("time", parts[7], now),
	}
	if len(parts) > 8 {
		msg.OrderID = parts[8]
	}
	if len(parts) > 9 {
		msg.Liquidity = parts[9]
	}
	if len(parts) > 10 && parts[10] != "" {
		msg.ECNFee = p.float("ecn_fee", parts[10])
	}
	if len(parts) > 11 && parts[11] != "" {
		msg.RealizedPnL = p.float("realized_pnl", parts[11])
	}
	return msg, p.result()
}

func decodeAccountInfo(line string) (Message, error) {
	parts := strings.Fields(line)
	if len(parts) < 11 {
		return UnknownMsg{Raw: line}, &ParseError{Line: line, Field: "fields", Err: fmt.Errorf("want 11 fields, got %d", len(parts))}
	}
	p := fieldParser{line: line}
	msg := AccountInfoMsg{
		OpenEquity:    p.float("open_equity", parts[1]),
		CurrentEquity: p.float("current_equity", parts[2]),
		RealizedPnL:   p.float("realized_pnl", parts[3]),
		UnrealizedPnL: p.float("unrealized_pnl", parts[4]),
		NetPnL:        p.float("net_pnl", parts[5]),
		HTBCost:       p.float("htb_cost", parts[6]),
		SecFee:        p.float("sec_fee", parts[7]),
		FinraFee:      p.float("finra_fee", parts[8]),
		ECNFee:        p.float("ecn_fee", parts[9]),
		Commission:    p.float("commission", parts[10]),
	}
	return msg, p.result()
}

func decodeBuyingPower(line string) (Message, error) {
	parts := strings.Fields(line)
	if len(parts) < 3 {
		return UnknownMsg{Raw: line}, &ParseError{Line: line, Field: "fields", Err: fmt.Errorf("want 3 fields, got %d", len(parts))}
	}
	p := fieldParser{line: line}
	msg := BuyingPowerMsg{
		Current:   p.float("current_bp", parts[1]),
		Overnight: p.float("overnight_bp", parts[2]),
	}
	return msg, p.result()
}

func decodeQuote(line string) (Message, error) {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return UnknownMsg{Raw: line}, &ParseError{Line: line, Field: "symbol", Err: fmt.Errorf("missing symbol")}
	}
	p := fieldParser{line: line}
	msg := QuoteMsg{Symbol: parts[1], Extra: make(map[string]string)}
	for _, part := range parts[2:] {
		key, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		switch key {
		case "L":
			msg.Last = p.float("last", value)
		case "B":
			msg.Bid = p.float("bid", value)
		case "A":
			msg.Ask = p.float("ask", value)
		case "Bsz":
			msg.BidSize = p.int("bid_size", value)
		case "Asz":
			msg.AskSize = p.int("ask_size", value)
		case "V":
			msg.Volume = p.int("volume", value)
		default:
			msg.Extra[key] = value
		}
	}
	return msg, p.result()
}
