package venue

import (
	"context"
	"fmt"
	"math"

	"arbitrage-core/pkg/exchanges/alor"
	"arbitrage-core/pkg/exchanges/common"
)

// AlorAPI is the subset of the Alor client the adapter needs.
type AlorAPI interface {
	GetPositions(ctx context.Context) ([]alor.Position, error)
	CreateMarketOrder(ctx context.Context, symbol string, side common.Side, qty float64) (common.OrderAck, error)
}

// Alor is venue A: REST positions scoped to the configured portfolio and exchange.
type Alor struct {
	api AlorAPI
}

func NewAlor(api AlorAPI) *Alor {
	return &Alor{api: api}
}

// PositionsFor returns the open positions whose symbol matches ref exactly.
func (a *Alor) PositionsFor(ctx context.Context, ref string) ([]common.Position, error) {
	rows, err := a.api.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("alor positions: %w", err)
	}
	var out []common.Position
	for _, r := range rows {
		if r.Symbol != ref || r.IsCurrency {
			continue
		}
		p := common.Position{Venue: common.VenueAlor, Symbol: r.Symbol, Quantity: r.Qty}
		if p.Open() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (a *Alor) HasOpenPosition(ctx context.Context, ref string) (bool, error) {
	ps, err := a.PositionsFor(ctx, ref)
	if err != nil {
		return false, err
	}
	return anyOpen(ps), nil
}

// MarketOrder places a venue A market order.
func (a *Alor) MarketOrder(ctx context.Context, symbol string, side common.Side, qty float64) (common.OrderAck, error) {
	ack, err := a.api.CreateMarketOrder(ctx, symbol, side, qty)
	if err != nil {
		return common.OrderAck{}, fmt.Errorf("alor order: %w", err)
	}
	return ack, nil
}

// ClosePosition reduces the net position on symbol toward zero by at most qty lots.
// The side follows the sign of the current position, so the position never flips.
func (a *Alor) ClosePosition(ctx context.Context, symbol string, qty float64) (common.OrderAck, error) {
	ps, err := a.PositionsFor(ctx, symbol)
	if err != nil {
		return common.OrderAck{}, err
	}
	net := common.NetQuantity(ps)
	if net == 0 {
		return common.OrderAck{}, fmt.Errorf("alor %s: %w", symbol, ErrNoPosition)
	}
	return a.MarketOrder(ctx, symbol, common.SideFromQty(net), math.Min(math.Abs(net), qty))
}
