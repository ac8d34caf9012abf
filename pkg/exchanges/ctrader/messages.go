// Package ctrader speaks the cTrader Open API JSON protocol: frame envelope, payload
// types, the websocket transport and the OAuth token endpoint.
package ctrader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// PayloadType identifies the message carried by a frame.
type PayloadType int

const (
	PayloadHeartbeatEvent PayloadType = 51

	PayloadApplicationAuthReq PayloadType = 2100
	PayloadApplicationAuthRes PayloadType = 2101
	PayloadAccountAuthReq     PayloadType = 2102
	PayloadAccountAuthRes     PayloadType = 2103
	PayloadNewOrderReq        PayloadType = 2106
	PayloadClosePositionReq   PayloadType = 2111
	PayloadSymbolsListReq     PayloadType = 2114
	PayloadSymbolsListRes     PayloadType = 2115
	PayloadReconcileReq       PayloadType = 2124
	PayloadReconcileRes       PayloadType = 2125
	PayloadExecutionEvent     PayloadType = 2126
	PayloadOrderErrorEvent    PayloadType = 2132
	PayloadErrorRes           PayloadType = 2142
	PayloadClientDisconnect   PayloadType = 2148
	PayloadAccountListReq     PayloadType = 2149
	PayloadAccountListRes     PayloadType = 2150
	PayloadTokenInvalidated   PayloadType = 2147
)

var payloadNames = map[PayloadType]string{
	PayloadHeartbeatEvent:     "HEARTBEAT_EVENT",
	PayloadApplicationAuthReq: "APPLICATION_AUTH_REQ",
	PayloadApplicationAuthRes: "APPLICATION_AUTH_RES",
	PayloadAccountAuthReq:     "ACCOUNT_AUTH_REQ",
	PayloadAccountAuthRes:     "ACCOUNT_AUTH_RES",
	PayloadNewOrderReq:        "NEW_ORDER_REQ",
	PayloadClosePositionReq:   "CLOSE_POSITION_REQ",
	PayloadSymbolsListReq:     "SYMBOLS_LIST_REQ",
	PayloadSymbolsListRes:     "SYMBOLS_LIST_RES",
	PayloadReconcileReq:       "RECONCILE_REQ",
	PayloadReconcileRes:       "RECONCILE_RES",
	PayloadExecutionEvent:     "EXECUTION_EVENT",
	PayloadOrderErrorEvent:    "ORDER_ERROR_EVENT",
	PayloadErrorRes:           "ERROR_RES",
	PayloadClientDisconnect:   "CLIENT_DISCONNECT_EVENT",
	PayloadAccountListReq:     "GET_ACCOUNTS_BY_ACCESS_TOKEN_REQ",
	PayloadAccountListRes:     "GET_ACCOUNTS_BY_ACCESS_TOKEN_RES",
	PayloadTokenInvalidated:   "ACCOUNTS_TOKEN_INVALIDATED_EVENT",
}

func (p PayloadType) String() string {
	if name, ok := payloadNames[p]; ok {
		return name
	}
	return "PAYLOAD_" + strconv.Itoa(int(p))
}

// Frame is the JSON envelope exchanged on the connection.
type Frame struct {
	ClientMsgID string          `json:"clientMsgId,omitempty"`
	PayloadType PayloadType     `json:"payloadType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a frame.
func NewFrame(id string, pt PayloadType, payload any) (Frame, error) {
	f := Frame{ClientMsgID: id, PayloadType: pt}
	if payload == nil {
		f.Payload = json.RawMessage("{}")
		return f, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", pt, err)
	}
	f.Payload = raw
	return f, nil
}

// Decode unmarshals the frame payload into out.
func (f Frame) Decode(out any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("decode %s: empty payload", f.PayloadType)
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", f.PayloadType, err)
	}
	return nil
}

// IsError reports whether the frame is a venue error reply.
func (f Frame) IsError() bool {
	return f.PayloadType == PayloadErrorRes || f.PayloadType == PayloadOrderErrorEvent
}

// Int64 decodes from both JSON numbers and quoted strings (proto3 JSON maps int64 to strings).
type Int64 int64

func (v *Int64) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(string(data), 64)
		if ferr != nil {
			return fmt.Errorf("int64 %q: %w", data, err)
		}
		n = int64(f)
	}
	*v = Int64(n)
	return nil
}

// TradeSide is the cTrader order direction.
type TradeSide int32

const (
	TradeSideBuy  TradeSide = 1
	TradeSideSell TradeSide = 2
)

func (s *TradeSide) UnmarshalJSON(data []byte) error {
	n, err := decodeEnum(data, map[string]int32{"BUY": 1, "SELL": 2})
	if err != nil {
		return err
	}
	*s = TradeSide(n)
	return nil
}

// ExecutionType tells what happened to an order in an execution event.
type ExecutionType int32

const (
	ExecutionOrderAccepted  ExecutionType = 2
	ExecutionOrderFilled    ExecutionType = 3
	ExecutionOrderReplaced  ExecutionType = 4
	ExecutionOrderCancelled ExecutionType = 5
	ExecutionOrderExpired   ExecutionType = 6
	ExecutionOrderRejected  ExecutionType = 7
	ExecutionPartialFill    ExecutionType = 11
)

var executionNames = map[string]int32{
	"ORDER_ACCEPTED":     2,
	"ORDER_FILLED":       3,
	"ORDER_REPLACED":     4,
	"ORDER_CANCELLED":    5,
	"ORDER_EXPIRED":      6,
	"ORDER_REJECTED":     7,
	"ORDER_PARTIAL_FILL": 11,
}

func (e *ExecutionType) UnmarshalJSON(data []byte) error {
	n, err := decodeEnum(data, executionNames)
	if err != nil {
		return err
	}
	*e = ExecutionType(n)
	return nil
}

func (e ExecutionType) String() string {
	for name, v := range executionNames {
		if ExecutionType(v) == e {
			return name
		}
	}
	return "EXECUTION_" + strconv.Itoa(int(e))
}

// Terminal reports whether no further execution events follow for the order.
func (e ExecutionType) Terminal() bool {
	switch e {
	case ExecutionOrderFilled, ExecutionPartialFill, ExecutionOrderCancelled,
		ExecutionOrderExpired, ExecutionOrderRejected:
		return true
	default:
		return false
	}
}

func decodeEnum(data []byte, names map[string]int32) (int32, error) {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return 0, err
		}
		if n, ok := names[strings.ToUpper(s)]; ok {
			return n, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("unknown enum value %q", s)
		}
		return int32(n), nil
	}
	var n int32
	if err := json.Unmarshal(data, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// Volumes are expressed in hundredths of a unit.
const volumeScale = 100

// VolumeFromQty converts a quantity in units into protocol volume.
func VolumeFromQty(qty float64) int64 {
	return int64(math.Round(qty * volumeScale))
}

// QtyFromVolume converts protocol volume into units.
func QtyFromVolume(v int64) float64 {
	return float64(v) / volumeScale
}

const orderTypeMarket = 1

type ApplicationAuthReq struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
}

type AccountListReq struct {
	AccessToken string `json:"accessToken"`
}

type TraderAccount struct {
	CtidTraderAccountID Int64 `json:"ctidTraderAccountId"`
	IsLive              bool  `json:"isLive"`
	TraderLogin         Int64 `json:"traderLogin"`
}

type AccountListRes struct {
	AccessToken     string          `json:"accessToken"`
	PermissionScope json.RawMessage `json:"permissionScope,omitempty"`
	Accounts        []TraderAccount `json:"ctidTraderAccount"`
}

type AccountAuthReq struct {
	CtidTraderAccountID int64  `json:"ctidTraderAccountId"`
	AccessToken         string `json:"accessToken"`
}

type SymbolsListReq struct {
	CtidTraderAccountID    int64 `json:"ctidTraderAccountId"`
	IncludeArchivedSymbols bool  `json:"includeArchivedSymbols"`
}

type LightSymbol struct {
	SymbolID   Int64  `json:"symbolId"`
	SymbolName string `json:"symbolName"`
	Enabled    bool   `json:"enabled"`
}

type SymbolsListRes struct {
	CtidTraderAccountID Int64         `json:"ctidTraderAccountId"`
	Symbols             []LightSymbol `json:"symbol"`
}

type ReconcileReq struct {
	CtidTraderAccountID int64 `json:"ctidTraderAccountId"`
}

type TradeData struct {
	SymbolID      Int64     `json:"symbolId"`
	Volume        Int64     `json:"volume"`
	TradeSide     TradeSide `json:"tradeSide"`
	OpenTimestamp Int64     `json:"openTimestamp"`
	Label         string    `json:"label,omitempty"`
}

type Position struct {
	PositionID Int64     `json:"positionId"`
	TradeData  TradeData `json:"tradeData"`
	Price      float64   `json:"price"`
}

// SignedQty returns the position quantity in units, negative for shorts.
func (p Position) SignedQty() float64 {
	q := QtyFromVolume(int64(p.TradeData.Volume))
	if p.TradeData.TradeSide == TradeSideSell {
		return -q
	}
	return q
}

type Order struct {
	OrderID       Int64     `json:"orderId"`
	TradeData     TradeData `json:"tradeData"`
	PositionID    Int64     `json:"positionId"`
	ClientOrderID string    `json:"clientOrderId,omitempty"`
}

type ReconcileRes struct {
	CtidTraderAccountID Int64      `json:"ctidTraderAccountId"`
	Positions           []Position `json:"position"`
	Orders              []Order    `json:"order"`
}

type NewOrderReq struct {
	CtidTraderAccountID int64     `json:"ctidTraderAccountId"`
	SymbolID            int64     `json:"symbolId"`
	OrderType           int32     `json:"orderType"`
	TradeSide           TradeSide `json:"tradeSide"`
	Volume              int64     `json:"volume"`
	Label               string    `json:"label,omitempty"`
	ClientOrderID       string    `json:"clientOrderId,omitempty"`
}

// NewMarketOrder builds a market order request for qty units.
func NewMarketOrder(account, symbolID int64, side TradeSide, qty float64) NewOrderReq {
	return NewOrderReq{
		CtidTraderAccountID: account,
		SymbolID:            symbolID,
		OrderType:           orderTypeMarket,
		TradeSide:           side,
		Volume:              VolumeFromQty(qty),
	}
}

type ClosePositionReq struct {
	CtidTraderAccountID int64 `json:"ctidTraderAccountId"`
	PositionID          int64 `json:"positionId"`
	Volume              int64 `json:"volume"`
}

type ClosePositionDetail struct {
	EntryPrice   float64 `json:"entryPrice"`
	ClosedVolume Int64   `json:"closedVolume"`
}

type Deal struct {
	DealID              Int64                `json:"dealId"`
	OrderID             Int64                `json:"orderId"`
	PositionID          Int64                `json:"positionId"`
	Volume              Int64                `json:"volume"`
	FilledVolume        Int64                `json:"filledVolume"`
	SymbolID            Int64                `json:"symbolId"`
	ExecutionPrice      float64              `json:"executionPrice"`
	TradeSide           TradeSide            `json:"tradeSide"`
	ClosePositionDetail *ClosePositionDetail `json:"closePositionDetail,omitempty"`
}

type ExecutionEvent struct {
	CtidTraderAccountID Int64         `json:"ctidTraderAccountId"`
	ExecutionType       ExecutionType `json:"executionType"`
	Position            *Position     `json:"position,omitempty"`
	Order               *Order        `json:"order,omitempty"`
	Deal                *Deal         `json:"deal,omitempty"`
	ErrorCode           string        `json:"errorCode,omitempty"`
}

// ClosedQty returns the quantity the venue reports as closed by this event, 0 if absent.
func (e ExecutionEvent) ClosedQty() float64 {
	if e.Deal == nil {
		return 0
	}
	if d := e.Deal.ClosePositionDetail; d != nil && d.ClosedVolume > 0 {
		return QtyFromVolume(int64(d.ClosedVolume))
	}
	return QtyFromVolume(int64(e.Deal.FilledVolume))
}

type ErrorRes struct {
	CtidTraderAccountID Int64  `json:"ctidTraderAccountId"`
	ErrorCode           string `json:"errorCode"`
	Description         string `json:"description"`
}

type OrderErrorEvent struct {
	CtidTraderAccountID Int64  `json:"ctidTraderAccountId"`
	ErrorCode           string `json:"errorCode"`
	OrderID             Int64  `json:"orderId"`
	PositionID          Int64  `json:"positionId"`
	Description         string `json:"description"`
}

type ClientDisconnectEvent struct {
	Reason string `json:"reason"`
}

type TokenInvalidatedEvent struct {
	CtidTraderAccountIDs []Int64 `json:"ctidTraderAccountIds"`
	Reason               string  `json:"reason"`
}

// VenueError is an error reply decoded from an ERROR_RES or ORDER_ERROR_EVENT frame.
type VenueError struct {
	PayloadType PayloadType
	Code        string
	Description string
}

func (e *VenueError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("ctrader %s: %s", e.PayloadType, e.Code)
	}
	return fmt.Sprintf("ctrader %s: %s (%s)", e.PayloadType, e.Code, e.Description)
}

// Token-related error codes returned by the venue.
const (
	CodeAccessTokenInvalid = "CH_ACCESS_TOKEN_INVALID"
	CodeAccountNotAuthed   = "ACCOUNT_NOT_AUTHORIZED"
)

// TokenInvalid reports whether the venue rejected the access token.
func (e *VenueError) TokenInvalid() bool {
	return e.Code == CodeAccessTokenInvalid || strings.Contains(e.Code, "TOKEN")
}

// ErrorFromFrame decodes an error frame. It returns nil for non-error frames.
func ErrorFromFrame(f Frame) error {
	switch f.PayloadType {
	case PayloadErrorRes:
		var res ErrorRes
		if err := f.Decode(&res); err != nil {
			return &VenueError{PayloadType: f.PayloadType, Code: "UNDECODABLE"}
		}
		return &VenueError{PayloadType: f.PayloadType, Code: res.ErrorCode, Description: res.Description}
	case PayloadOrderErrorEvent:
		var ev OrderErrorEvent
		if err := f.Decode(&ev); err != nil {
			return &VenueError{PayloadType: f.PayloadType, Code: "UNDECODABLE"}
		}
		return &VenueError{PayloadType: f.PayloadType, Code: ev.ErrorCode, Description: ev.Description}
	case PayloadExecutionEvent:
		var ev ExecutionEvent
		if err := f.Decode(&ev); err == nil && ev.ExecutionType == ExecutionOrderRejected {
			return &VenueError{PayloadType: f.PayloadType, Code: ev.ErrorCode, Description: "order rejected"}
		}
	}
	return nil
}
