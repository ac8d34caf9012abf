package common

import "strings"

// Venue names one of the two brokerage connections.
type Venue string

const (
	VenueAlor    Venue = "alor"
	VenueCtrader Venue = "ctrader"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts buy/sell in any case.
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, true
	case "SELL":
		return SideSell, true
	default:
		return "", false
	}
}

// Opposite returns SELL for BUY and BUY for SELL.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return ""
	}
}

// SideFromQty returns the side that reduces a signed quantity toward zero.
func SideFromQty(qty float64) Side {
	if qty > 0 {
		return SideSell
	}
	if qty < 0 {
		return SideBuy
	}
	return ""
}

// OrderStatus normalizes venue status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusAccepted OrderStatus = "ACCEPTED"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusRejected OrderStatus = "REJECTED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Position is open exposure on one venue. Quantity is signed: positive means long.
type Position struct {
	Venue    Venue   `json:"venue"`
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	// PositionID is set by venues that track individual positions (cTrader).
	PositionID int64 `json:"position_id,omitempty"`
}

// Open reports whether the position carries non-zero exposure.
func (p Position) Open() bool {
	return p.Quantity > 0 || p.Quantity < 0
}

// OrderAck is the venue acknowledgment of a market order.
type OrderAck struct {
	Venue   Venue       `json:"venue"`
	OrderID string      `json:"order_id"`
	Symbol  string      `json:"symbol"`
	Side    Side        `json:"side"`
	Qty     float64     `json:"qty"`
	Status  OrderStatus `json:"status"`
}

// CloseAck is the venue acknowledgment of a position close.
type CloseAck struct {
	Venue      Venue   `json:"venue"`
	PositionID int64   `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Requested  float64 `json:"requested"`
	// ClosedQty is the quantity the venue reports as closed; 0 when not reported.
	ClosedQty float64 `json:"closed_qty"`
}

// NetQuantity sums signed quantities.
func NetQuantity(positions []Position) float64 {
	var sum float64
	for _, p := range positions {
		sum += p.Quantity
	}
	return sum
}
