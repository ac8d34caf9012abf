package alor

import (
	"context"
	"fmt"
	"math"
	"strings"

	"arbitrage-core/pkg/exchanges/common"
)

// orderPlacer is the order-creation strategy, chosen once when the client is built.
type orderPlacer interface {
	place(ctx context.Context, c *Client, symbol string, side common.Side, qty float64) (common.OrderAck, error)
	mode() string
}

func newOrderPlacer(mode string, slippageBps float64) (orderPlacer, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "market":
		return marketPlacer{}, nil
	case "limit":
		if slippageBps < 0 {
			return nil, fmt.Errorf("alor: slippage must not be negative, got %v", slippageBps)
		}
		return limitPlacer{slippageBps: slippageBps}, nil
	default:
		return nil, fmt.Errorf("alor: unknown order mode %q", mode)
	}
}

type marketPlacer struct{}

func (marketPlacer) mode() string { return "market" }

func (marketPlacer) place(ctx context.Context, c *Client, symbol string, side common.Side, qty float64) (common.OrderAck, error) {
	return c.submitOrder(ctx, "market", orderRequest{
		Side:       strings.ToLower(string(side)),
		Type:       "market",
		Quantity:   qty,
		Instrument: instrument{Symbol: symbol},
	})
}

// limitPlacer crosses the spread by slippageBps so the order fills like a market order.
type limitPlacer struct {
	slippageBps float64
}

func (limitPlacer) mode() string { return "limit" }

func (p limitPlacer) place(ctx context.Context, c *Client, symbol string, side common.Side, qty float64) (common.OrderAck, error) {
	quote, err := c.GetQuote(ctx, symbol)
	if err != nil {
		return common.OrderAck{}, fmt.Errorf("price limit order: %w", err)
	}
	sec, err := c.GetSecurity(ctx, symbol)
	if err != nil {
		return common.OrderAck{}, fmt.Errorf("price limit order: %w", err)
	}
	price, err := marketablePrice(quote, side, p.slippageBps, sec.MinStep)
	if err != nil {
		return common.OrderAck{}, err
	}
	return c.submitOrder(ctx, "limit", orderRequest{
		Side:        strings.ToLower(string(side)),
		Type:        "limit",
		Quantity:    qty,
		Price:       price,
		Instrument:  instrument{Symbol: symbol},
		TimeInForce: "oneday",
	})
}

// marketablePrice prices a buy above the ask and a sell below the bid, rounded away
// from the book to the instrument step.
func marketablePrice(q Quote, side common.Side, slippageBps, step float64) (float64, error) {
	var ref, price float64
	switch side {
	case common.SideBuy:
		ref = q.Ask
		if ref <= 0 {
			ref = q.LastPrice
		}
		price = ref * (1 + slippageBps/10000)
		if step > 0 {
			price = math.Ceil(price/step-1e-9) * step
		}
	case common.SideSell:
		ref = q.Bid
		if ref <= 0 {
			ref = q.LastPrice
		}
		price = ref * (1 - slippageBps/10000)
		if step > 0 {
			price = math.Floor(price/step+1e-9) * step
		}
	default:
		return 0, fmt.Errorf("alor: invalid side %q", side)
	}
	if ref <= 0 || price <= 0 {
		return 0, fmt.Errorf("alor: no usable price for %s", q.Symbol)
	}
	return price, nil
}
