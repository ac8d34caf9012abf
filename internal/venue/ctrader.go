package venue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"arbitrage-core/internal/command"
	"arbitrage-core/internal/session"
	"arbitrage-core/pkg/exchanges/common"
	"arbitrage-core/pkg/exchanges/ctrader"
)

// Session is what the cTrader adapter needs from the session manager.
type Session interface {
	Submit(ctx context.Context, req command.Request) (ctrader.Frame, error)
	Resolve(symbol string) (int64, error)
	AccountID() int64
}

// Ctrader is venue B: reconcile snapshots and orders through the session's command channel.
type Ctrader struct {
	sess Session
	log  zerolog.Logger
}

func NewCtrader(sess Session, log zerolog.Logger) *Ctrader {
	return &Ctrader{sess: sess, log: log.With().Str("component", "ctrader").Logger()}
}

// Resolve reports whether symbol is tradable in the current session catalog.
func (c *Ctrader) Resolve(symbol string) (int64, error) {
	return c.sess.Resolve(symbol)
}

// PositionsFor returns open positions on ref's instrument. A symbol missing from the
// catalog yields no positions.
func (c *Ctrader) PositionsFor(ctx context.Context, ref string) ([]common.Position, error) {
	symbolID, err := c.sess.Resolve(ref)
	if errors.Is(err, session.ErrSymbolUnresolved) {
		c.log.Warn().Str("symbol", ref).Msg("symbol not in catalog, treating as no position")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f, err := c.sess.Submit(ctx, command.Request{
		Type:    ctrader.PayloadReconcileReq,
		Payload: ctrader.ReconcileReq{CtidTraderAccountID: c.sess.AccountID()},
	})
	if err != nil {
		return nil, fmt.Errorf("ctrader reconcile: %w", err)
	}
	var res ctrader.ReconcileRes
	if err := f.Decode(&res); err != nil {
		return nil, err
	}
	var out []common.Position
	for _, p := range res.Positions {
		if int64(p.TradeData.SymbolID) != symbolID || p.TradeData.Volume <= 0 {
			continue
		}
		out = append(out, common.Position{
			Venue:      common.VenueCtrader,
			Symbol:     ref,
			Quantity:   p.SignedQty(),
			PositionID: int64(p.PositionID),
		})
	}
	return out, nil
}

func (c *Ctrader) HasOpenPosition(ctx context.Context, ref string) (bool, error) {
	ps, err := c.PositionsFor(ctx, ref)
	if err != nil {
		return false, err
	}
	return anyOpen(ps), nil
}

// execMatcher ties uncorrelated execution events to one order command.
// Both methods run on the command channel's route goroutine.
type execMatcher struct {
	positionID    int64
	clientOrderID string
	orderID       int64
}

func decodeExecution(f ctrader.Frame) (ctrader.ExecutionEvent, bool) {
	var ev ctrader.ExecutionEvent
	if f.PayloadType != ctrader.PayloadExecutionEvent || f.Decode(&ev) != nil {
		return ev, false
	}
	return ev, true
}

// accept completes the command on the fill, not the interim ACCEPTED event.
func (m *execMatcher) accept(f ctrader.Frame) bool {
	ev, ok := decodeExecution(f)
	if !ok {
		return true
	}
	if m.orderID == 0 && ev.Order != nil && ev.Order.OrderID != 0 {
		m.orderID = int64(ev.Order.OrderID)
	}
	return ev.ExecutionType.Terminal()
}

// match claims execution events that belong to this command's order or position.
func (m *execMatcher) match(f ctrader.Frame) bool {
	ev, ok := decodeExecution(f)
	return ok && m.owns(ev)
}

func (m *execMatcher) owns(ev ctrader.ExecutionEvent) bool {
	if o := ev.Order; o != nil {
		if m.clientOrderID != "" && o.ClientOrderID == m.clientOrderID {
			return true
		}
		if m.orderID != 0 && int64(o.OrderID) == m.orderID {
			return true
		}
		if m.positionID != 0 && int64(o.PositionID) == m.positionID {
			return true
		}
	}
	if d := ev.Deal; d != nil {
		if m.orderID != 0 && int64(d.OrderID) == m.orderID {
			return true
		}
		if m.positionID != 0 && int64(d.PositionID) == m.positionID {
			return true
		}
	}
	return m.positionID != 0 && ev.Position != nil && int64(ev.Position.PositionID) == m.positionID
}

func executionOf(f ctrader.Frame) (ctrader.ExecutionEvent, error) {
	var ev ctrader.ExecutionEvent
	if f.PayloadType != ctrader.PayloadExecutionEvent {
		return ev, fmt.Errorf("ctrader: unexpected reply %s", f.PayloadType)
	}
	if err := f.Decode(&ev); err != nil {
		return ev, err
	}
	switch ev.ExecutionType {
	case ctrader.ExecutionOrderCancelled, ctrader.ExecutionOrderExpired, ctrader.ExecutionOrderRejected:
		return ev, fmt.Errorf("ctrader: order %s %s", ev.ExecutionType, ev.ErrorCode)
	}
	return ev, nil
}

// MarketOrder places a market order and waits for its execution.
func (c *Ctrader) MarketOrder(ctx context.Context, symbol string, side common.Side, qty float64) (common.OrderAck, error) {
	symbolID, err := c.sess.Resolve(symbol)
	if err != nil {
		return common.OrderAck{}, err
	}
	ts := ctrader.TradeSideBuy
	if side == common.SideSell {
		ts = ctrader.TradeSideSell
	}
	req := ctrader.NewMarketOrder(c.sess.AccountID(), symbolID, ts, qty)
	req.ClientOrderID = uuid.NewString()
	m := &execMatcher{clientOrderID: req.ClientOrderID}
	f, err := c.sess.Submit(ctx, command.Request{
		Type:    ctrader.PayloadNewOrderReq,
		Payload: req,
		Accept:  m.accept,
		Match:   m.match,
	})
	if err != nil {
		return common.OrderAck{}, fmt.Errorf("ctrader order: %w", err)
	}
	ev, err := executionOf(f)
	if err != nil {
		return common.OrderAck{}, err
	}
	ack := common.OrderAck{Venue: common.VenueCtrader, Symbol: symbol, Side: side, Qty: qty, Status: common.StatusFilled}
	if ev.Order != nil {
		ack.OrderID = strconv.FormatInt(int64(ev.Order.OrderID), 10)
	}
	if ev.ExecutionType == ctrader.ExecutionPartialFill {
		ack.Status = common.StatusPartial
	}
	return ack, nil
}

// ClosePosition closes pos entirely. ClosedQty is what the venue reports as closed, 0 if absent.
func (c *Ctrader) ClosePosition(ctx context.Context, pos common.Position) (common.CloseAck, error) {
	requested := math.Abs(pos.Quantity)
	m := &execMatcher{positionID: pos.PositionID}
	f, err := c.sess.Submit(ctx, command.Request{
		Type: ctrader.PayloadClosePositionReq,
		Payload: ctrader.ClosePositionReq{
			CtidTraderAccountID: c.sess.AccountID(),
			PositionID:          pos.PositionID,
			Volume:              ctrader.VolumeFromQty(requested),
		},
		Accept: m.accept,
		Match:  m.match,
	})
	if err != nil {
		return common.CloseAck{}, fmt.Errorf("ctrader close position %d: %w", pos.PositionID, err)
	}
	ev, err := executionOf(f)
	if err != nil {
		return common.CloseAck{}, err
	}
	return common.CloseAck{
		Venue:      common.VenueCtrader,
		PositionID: pos.PositionID,
		Symbol:     pos.Symbol,
		Requested:  requested,
		ClosedQty:  ev.ClosedQty(),
	}, nil
}
