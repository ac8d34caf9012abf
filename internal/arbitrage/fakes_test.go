package arbitrage

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"arbitrage-core/internal/session"
	"arbitrage-core/internal/venue"
	"arbitrage-core/pkg/exchanges/common"
)

type order struct {
	Venue  common.Venue
	Symbol string
	Side   common.Side
	Qty    float64
}

// book is a shared fake of both venues. Orders move positions so sequential signals
// observe each other's effects.
type book struct {
	mu       sync.Mutex
	alor     map[string]float64
	ctrader  map[string][]common.Position
	orders   []order
	closes   []common.Position
	nextID   int64
	delay    time.Duration
	inflight  int
	orderInfl int
	maxOrders int

	alorOrderErr    error
	ctraderOrderErr error
	alorQueryErr    error
	closeReport     func(requested float64) float64
	known           map[string]bool
}

func newBook() *book {
	return &book{
		alor:    map[string]float64{},
		ctrader: map[string][]common.Position{},
		known:   map[string]bool{"USDRUB": true, "EURUSD": true},
	}
}

func (b *book) enter() {
	b.mu.Lock()
	b.inflight++
	d := b.delay
	b.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
}

func (b *book) leave() {
	b.mu.Lock()
	b.inflight--
	b.mu.Unlock()
}

func (b *book) enterOrder() {
	b.mu.Lock()
	b.orderInfl++
	if b.orderInfl > b.maxOrders {
		b.maxOrders = b.orderInfl
	}
	b.mu.Unlock()
	b.enter()
}

func (b *book) leaveOrder() {
	b.leave()
	b.mu.Lock()
	b.orderInfl--
	b.mu.Unlock()
}

func (b *book) orderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

func signed(side common.Side, qty float64) float64 {
	if side == common.SideSell {
		return -qty
	}
	return qty
}

type fakeAlor struct{ b *book }

func (f fakeAlor) PositionsFor(ctx context.Context, ref string) ([]common.Position, error) {
	f.b.enter()
	defer f.b.leave()
	f.b.mu.Lock()
	defer f.b.mu.Unlock()
	if f.b.alorQueryErr != nil {
		return nil, f.b.alorQueryErr
	}
	q := f.b.alor[ref]
	if q == 0 {
		return nil, nil
	}
	return []common.Position{{Venue: common.VenueAlor, Symbol: ref, Quantity: q}}, nil
}

func (f fakeAlor) HasOpenPosition(ctx context.Context, ref string) (bool, error) {
	ps, err := f.PositionsFor(ctx, ref)
	return len(ps) > 0, err
}

func (f fakeAlor) MarketOrder(ctx context.Context, symbol string, side common.Side, qty float64) (common.OrderAck, error) {
	f.b.enterOrder()
	defer f.b.leaveOrder()
	f.b.mu.Lock()
	defer f.b.mu.Unlock()
	if f.b.alorOrderErr != nil {
		return common.OrderAck{}, f.b.alorOrderErr
	}
	f.b.orders = append(f.b.orders, order{common.VenueAlor, symbol, side, qty})
	f.b.alor[symbol] += signed(side, qty)
	return common.OrderAck{Venue: common.VenueAlor, OrderID: "a1", Symbol: symbol, Side: side, Qty: qty, Status: common.StatusFilled}, nil
}

func (f fakeAlor) ClosePosition(ctx context.Context, symbol string, qty float64) (common.OrderAck, error) {
	ps, err := f.PositionsFor(ctx, symbol)
	if err != nil {
		return common.OrderAck{}, err
	}
	net := common.NetQuantity(ps)
	if net == 0 {
		return common.OrderAck{}, venue.ErrNoPosition
	}
	return f.MarketOrder(ctx, symbol, common.SideFromQty(net), math.Min(math.Abs(net), qty))
}

type fakeCtrader struct{ b *book }

func (f fakeCtrader) Resolve(symbol string) (int64, error) {
	f.b.mu.Lock()
	defer f.b.mu.Unlock()
	if !f.b.known[symbol] {
		return 0, session.ErrSymbolUnresolved
	}
	return 1, nil
}

func (f fakeCtrader) PositionsFor(ctx context.Context, ref string) ([]common.Position, error) {
	f.b.enter()
	defer f.b.leave()
	f.b.mu.Lock()
	defer f.b.mu.Unlock()
	return append([]common.Position(nil), f.b.ctrader[ref]...), nil
}

func (f fakeCtrader) HasOpenPosition(ctx context.Context, ref string) (bool, error) {
	ps, err := f.PositionsFor(ctx, ref)
	return len(ps) > 0, err
}

func (f fakeCtrader) MarketOrder(ctx context.Context, symbol string, side common.Side, qty float64) (common.OrderAck, error) {
	f.b.enterOrder()
	defer f.b.leaveOrder()
	f.b.mu.Lock()
	defer f.b.mu.Unlock()
	if f.b.ctraderOrderErr != nil {
		return common.OrderAck{}, f.b.ctraderOrderErr
	}
	f.b.orders = append(f.b.orders, order{common.VenueCtrader, symbol, side, qty})
	f.b.nextID++
	f.b.ctrader[symbol] = append(f.b.ctrader[symbol], common.Position{
		Venue: common.VenueCtrader, Symbol: symbol, Quantity: signed(side, qty), PositionID: f.b.nextID,
	})
	return common.OrderAck{Venue: common.VenueCtrader, OrderID: "c1", Symbol: symbol, Side: side, Qty: qty, Status: common.StatusFilled}, nil
}

func (f fakeCtrader) ClosePosition(ctx context.Context, pos common.Position) (common.CloseAck, error) {
	f.b.enter()
	defer f.b.leave()
	f.b.mu.Lock()
	defer f.b.mu.Unlock()
	f.b.closes = append(f.b.closes, pos)
	requested := pos.Quantity
	if requested < 0 {
		requested = -requested
	}
	reported := requested
	if f.b.closeReport != nil {
		reported = f.b.closeReport(requested)
	}
	ps := f.b.ctrader[pos.Symbol]
	for i, p := range ps {
		if p.PositionID != pos.PositionID {
			continue
		}
		if reported >= requested || reported == 0 {
			f.b.ctrader[pos.Symbol] = append(ps[:i], ps[i+1:]...)
		} else {
			ps[i].Quantity = signed(common.SideFromQty(-p.Quantity), requested-reported)
		}
		break
	}
	return common.CloseAck{Venue: common.VenueCtrader, PositionID: pos.PositionID, Symbol: pos.Symbol, Requested: requested, ClosedQty: reported}, nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
	partials []string
}

func (m *recordingMetrics) ObserveSignal(action, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, action+":"+outcome)
}

func (m *recordingMetrics) PartialFailure(action, leg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partials = append(m.partials, action+":"+leg)
}

var errVenueDown = errors.New("venue down")
