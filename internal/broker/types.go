// Package broker defines the brokerage capability contract consumed by the
// execution engine and a Kite-style REST implementation of it. All payloads
// are parsed into typed values at this boundary; nothing above it looks at
// raw status strings.
package broker

import (
	"fmt"
	"strings"
	"time"
)

// Order varieties.
const (
	VarietyRegular = "regular"
	VarietyAMO     = "amo"
)

// Order types on the wire.
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
	OrderTypeSL     = "SL"
	OrderTypeSLM    = "SL-M"
)

// Validity values.
const (
	ValidityDay = "DAY"
	ValidityIOC = "IOC"
)

// OrderStatus is the broker-reported status of an order, parsed once at
// the boundary.
type OrderStatus string

// Broker order statuses.
const (
	StatusOpen           OrderStatus = "OPEN"
	StatusTriggerPending OrderStatus = "TRIGGER PENDING"
	StatusTriggered      OrderStatus = "TRIGGERED"
	StatusModifyPending  OrderStatus = "MODIFY PENDING"
	StatusPartial        OrderStatus = "PARTIAL"
	StatusComplete       OrderStatus = "COMPLETE"
	StatusCancelled      OrderStatus = "CANCELLED"
	StatusRejected       OrderStatus = "REJECTED"
	StatusLapsed         OrderStatus = "LAPSED"
	StatusUnknown        OrderStatus = "UNKNOWN"
)

// ParseOrderStatus normalizes a raw broker status string. Unrecognized
// values map to StatusUnknown rather than failing the postback.
func ParseOrderStatus(raw string) OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "OPEN":
		return StatusOpen
	case "TRIGGER PENDING":
		return StatusTriggerPending
	case "TRIGGERED":
		return StatusTriggered
	case "MODIFY PENDING":
		return StatusModifyPending
	case "PARTIAL", "PARTIALLY FILLED":
		return StatusPartial
	case "COMPLETE", "FILLED":
		return StatusComplete
	case "CANCELLED", "CANCELED":
		return StatusCancelled
	case "REJECTED":
		return StatusRejected
	case "LAPSED", "EXPIRED":
		return StatusLapsed
	default:
		return StatusUnknown
	}
}

// IsTerminal reports whether the status is final for the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusCancelled, StatusRejected, StatusLapsed:
		return true
	default:
		return false
	}
}

// IsWorking reports whether the order can still fill.
func (s OrderStatus) IsWorking() bool {
	switch s {
	case StatusOpen, StatusTriggerPending, StatusTriggered, StatusModifyPending, StatusPartial:
		return true
	default:
		return false
	}
}

// StatusRank orders statuses by progression. Used only to drop postbacks
// that regress after a terminal status was seen; pre-terminal regressions
// (e.g. MODIFY PENDING back to OPEN) are accepted as-is.
func StatusRank(s OrderStatus) int {
	switch s {
	case StatusUnknown:
		return 0
	case StatusOpen, StatusTriggerPending:
		return 1
	case StatusModifyPending, StatusTriggered:
		return 2
	case StatusPartial:
		return 3
	case StatusComplete, StatusCancelled, StatusRejected, StatusLapsed:
		return 4
	default:
		return 0
	}
}

// Time wraps time.Time to accept the broker's "2006-01-02 15:04:05"
// timestamp layout in addition to RFC 3339.
type Time struct {
	time.Time
}

const brokerTimeLayout = "2006-01-02 15:04:05"

// UnmarshalJSON parses either broker or RFC 3339 layouts; empty and null
// decode to the zero time.
func (t *Time) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(brokerTimeLayout, s); err == nil {
		t.Time = parsed
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("parsing broker timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// MarshalJSON writes the broker layout for non-zero times.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return []byte(`"` + t.Format(brokerTimeLayout) + `"`), nil
}

// Order is a broker order object, delivered both by the postback stream
// and by GetOrders/GetOrderHistory.
type Order struct {
	OrderID           string      `json:"order_id"`
	Status            OrderStatus `json:"-"`
	RawStatus         string      `json:"status"`
	StatusMessage     string      `json:"status_message"`
	StatusMessageRaw  string      `json:"status_message_raw"`
	Variety           string      `json:"variety"`
	Exchange          string      `json:"exchange"`
	Tradingsymbol     string      `json:"tradingsymbol"`
	InstrumentToken   int64       `json:"instrument_token"`
	OrderType         string      `json:"order_type"`
	TransactionType   string      `json:"transaction_type"`
	Product           string      `json:"product"`
	Validity          string      `json:"validity"`
	Quantity          int         `json:"quantity"`
	FilledQuantity    int         `json:"filled_quantity"`
	PendingQuantity   int         `json:"pending_quantity"`
	CancelledQuantity int         `json:"cancelled_quantity"`
	Price             float64     `json:"price"`
	TriggerPrice      float64     `json:"trigger_price"`
	AveragePrice      float64     `json:"average_price"`
	Tag               string      `json:"tag"`
	OrderTimestamp    Time        `json:"order_timestamp"`
	ExchangeTimestamp Time        `json:"exchange_timestamp"`
}

// Normalize parses the raw status into the typed field. Call after any
// JSON decode of an Order.
func (o *Order) Normalize() {
	o.Status = ParseOrderStatus(o.RawStatus)
}

// IsBuy reports whether the order buys.
func (o *Order) IsBuy() bool {
	return strings.EqualFold(o.TransactionType, "BUY")
}

// SignedFilledQty returns filled quantity signed by direction.
func (o *Order) SignedFilledQty() int {
	if o.IsBuy() {
		return o.FilledQuantity
	}
	return -o.FilledQuantity
}

// OrderParams are the parameters for placing an order.
type OrderParams struct {
	Exchange         string  `json:"exchange"`
	Tradingsymbol    string  `json:"tradingsymbol"`
	TransactionType  string  `json:"transaction_type"`
	Quantity         int     `json:"quantity"`
	Product          string  `json:"product"`
	OrderType        string  `json:"order_type"`
	Validity         string  `json:"validity"`
	Price            float64 `json:"price,omitempty"`
	TriggerPrice     float64 `json:"trigger_price,omitempty"`
	Tag              string  `json:"tag,omitempty"`
	MarketProtection float64 `json:"market_protection,omitempty"`
}

// ModifyParams patch an open order. Zero values mean "leave unchanged"
// except Quantity, which is applied when positive.
type ModifyParams struct {
	Price        float64 `json:"price,omitempty"`
	TriggerPrice float64 `json:"trigger_price,omitempty"`
	Quantity     int     `json:"quantity,omitempty"`
	OrderType    string  `json:"order_type,omitempty"`
}

// ConvertParams describe a position product conversion (e.g. MIS to NRML
// ahead of broker square-off).
type ConvertParams struct {
	Exchange        string `json:"exchange"`
	Tradingsymbol   string `json:"tradingsymbol"`
	TransactionType string `json:"transaction_type"`
	Quantity        int    `json:"quantity"`
	OldProduct      string `json:"old_product"`
	NewProduct      string `json:"new_product"`
	PositionType    string `json:"position_type"`
}

// Position is one row of the broker's position book.
type Position struct {
	Exchange        string  `json:"exchange"`
	Tradingsymbol   string  `json:"tradingsymbol"`
	InstrumentToken int64   `json:"instrument_token"`
	Product         string  `json:"product"`
	Quantity        int     `json:"quantity"`
	AveragePrice    float64 `json:"average_price"`
	LastPrice       float64 `json:"last_price"`
	PnL             float64 `json:"pnl"`
	Realised        float64 `json:"realised"`
	Unrealised      float64 `json:"unrealised"`
}

// Positions groups the net and day books.
type Positions struct {
	Net []Position `json:"net"`
	Day []Position `json:"day"`
}

// DepthLevel is one level of the order book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
	Orders   int     `json:"orders"`
}

// Quote is a full market quote with top-of-book depth.
type Quote struct {
	InstrumentToken int64   `json:"instrument_token"`
	LastPrice       float64 `json:"last_price"`
	Timestamp       Time    `json:"timestamp"`
	Depth           struct {
		Buy  []DepthLevel `json:"buy"`
		Sell []DepthLevel `json:"sell"`
	} `json:"depth"`
}

// BestBid returns the top buy level price, or 0 when the book is empty.
func (q *Quote) BestBid() float64 {
	if len(q.Depth.Buy) == 0 {
		return 0
	}
	return q.Depth.Buy[0].Price
}

// BestAsk returns the top sell level price, or 0 when the book is empty.
func (q *Quote) BestAsk() float64 {
	if len(q.Depth.Sell) == 0 {
		return 0
	}
	return q.Depth.Sell[0].Price
}

// SpreadBps returns the bid/ask spread in basis points of the mid.
func (q *Quote) SpreadBps() float64 {
	bid, ask := q.BestBid(), q.BestAsk()
	if bid <= 0 || ask <= 0 || ask < bid {
		return 0
	}
	mid := (bid + ask) / 2
	if mid == 0 {
		return 0
	}
	return (ask - bid) / mid * 10000
}

// TopDepthQty returns the displayed quantity at the touch on the side an
// aggressor of the given direction would consume.
func (q *Quote) TopDepthQty(buy bool) int {
	if buy {
		if len(q.Depth.Sell) == 0 {
			return 0
		}
		return q.Depth.Sell[0].Quantity
	}
	if len(q.Depth.Buy) == 0 {
		return 0
	}
	return q.Depth.Buy[0].Quantity
}
