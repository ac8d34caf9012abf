package arbitrage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbitrage-core/internal/events"
	"arbitrage-core/internal/session"
	"arbitrage-core/internal/signal"
	"arbitrage-core/pkg/exchanges/common"
)

func newSync(b *book, bus *events.Bus, m Metrics) *Synchronizer {
	return NewSynchronizer(fakeAlor{b}, fakeCtrader{b}, Options{Logger: zerolog.Nop(), Bus: bus, Metrics: m})
}

func mustSignal(t *testing.T, action signal.Action, qty float64, side common.Side) signal.Signal {
	t.Helper()
	s, err := signal.New(action, "SiZ5", "USDRUB", qty, side)
	require.NoError(t, err)
	return s
}

func TestOpenPlacesBothLegs(t *testing.T) {
	b := newBook()
	m := &recordingMetrics{}
	s := newSync(b, nil, m)

	res, err := s.Handle(context.Background(), mustSignal(t, signal.ActionOpen, 2, common.SideBuy))
	require.NoError(t, err)
	require.NotNil(t, res.Alor)
	require.NotNil(t, res.Ctrader)
	assert.Equal(t, 2.0, res.Alor.Qty)
	assert.Equal(t, common.SideBuy, res.Alor.Side)
	assert.Equal(t, 2.0, res.Ctrader.Qty)
	assert.Equal(t, common.SideBuy, res.Ctrader.Side)

	assert.ElementsMatch(t, []order{
		{common.VenueAlor, "SiZ5", common.SideBuy, 2},
		{common.VenueCtrader, "USDRUB", common.SideBuy, 2},
	}, b.orders)
	assert.Equal(t, []string{"open:ok"}, m.outcomes)
}

func TestOpenLegsRunConcurrently(t *testing.T) {
	b := newBook()
	b.delay = 40 * time.Millisecond
	s := newSync(b, nil, nil)

	_, err := s.Handle(context.Background(), mustSignal(t, signal.ActionOpen, 1, common.SideSell))
	require.NoError(t, err)
	assert.Equal(t, 2, b.maxOrders)
}

func TestOpenRejectsExistingPosition(t *testing.T) {
	tests := []struct {
		name  string
		setup func(b *book)
	}{
		{"alor open", func(b *book) { b.alor["SiZ5"] = -1 }},
		{"ctrader open", func(b *book) {
			b.ctrader["USDRUB"] = []common.Position{{Venue: common.VenueCtrader, Symbol: "USDRUB", Quantity: 1, PositionID: 9}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBook()
			tt.setup(b)
			s := newSync(b, nil, nil)

			_, err := s.Handle(context.Background(), mustSignal(t, signal.ActionOpen, 1, common.SideBuy))
			assert.ErrorIs(t, err, ErrAlreadyOpen)
			assert.Zero(t, b.orderCount())
		})
	}
}

func TestConcurrentOpensDoNotDoubleOpen(t *testing.T) {
	b := newBook()
	b.delay = 5 * time.Millisecond
	s := newSync(b, nil, nil)

	const n = 5
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Handle(context.Background(), mustSignal(t, signal.ActionOpen, 1, common.SideBuy))
		}(i)
	}
	wg.Wait()

	var ok, already int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyOpen):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, already)
	assert.Equal(t, 2, b.orderCount())
}

func TestHandleBodiesNeverInterleave(t *testing.T) {
	b := newBook()
	b.delay = 2 * time.Millisecond
	s := newSync(b, nil, nil)

	var mu sync.Mutex
	var active, maxActive int
	body := func(ctx context.Context) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(3 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Exclusive(context.Background(), body)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxActive)
}

func TestExclusiveHonorsContext(t *testing.T) {
	s := newSync(newBook(), nil, nil)
	hold := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = s.Exclusive(context.Background(), func(context.Context) error {
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Exclusive(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(hold)
}

func TestOpenPartialFailure(t *testing.T) {
	b := newBook()
	b.ctraderOrderErr = errVenueDown
	bus := events.NewBus()
	partials, unsub := bus.Subscribe(events.EventPartialFailure, 1)
	defer unsub()
	m := &recordingMetrics{}
	s := newSync(b, bus, m)

	res, err := s.Handle(context.Background(), mustSignal(t, signal.ActionOpen, 1, common.SideBuy))
	var pf *PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, common.VenueCtrader, pf.Leg)
	assert.ErrorIs(t, err, errVenueDown)
	require.NotNil(t, res)
	require.NotNil(t, res.Alor)
	assert.Nil(t, res.Ctrader)
	// No unwind.
	assert.Equal(t, 1.0, b.alor["SiZ5"])

	env := <-partials
	assert.Equal(t, "ctrader", env.Payload.(events.PartialFailure).FailedLeg)
	assert.Equal(t, []string{"open:ctrader"}, m.partials)
	assert.Equal(t, []string{"open:partial_failure"}, m.outcomes)
}

func TestOpenBothLegsFail(t *testing.T) {
	b := newBook()
	b.alorOrderErr = errors.New("alor rejected")
	b.ctraderOrderErr = errVenueDown
	s := newSync(b, nil, nil)

	_, err := s.Handle(context.Background(), mustSignal(t, signal.ActionOpen, 1, common.SideBuy))
	var lf *LegsFailedError
	require.ErrorAs(t, err, &lf)
	assert.ErrorIs(t, err, errVenueDown)
	var pf *PartialFailureError
	assert.False(t, errors.As(err, &pf))
}

func TestOpenUnknownCtraderSymbol(t *testing.T) {
	b := newBook()
	s := newSync(b, nil, nil)
	sig, err := signal.New(signal.ActionOpen, "SiZ5", "NOPE", 1, common.SideBuy)
	require.NoError(t, err)

	_, err = s.Handle(context.Background(), sig)
	assert.ErrorIs(t, err, session.ErrSymbolUnresolved)
	assert.Zero(t, b.orderCount())
}

func TestOpenQueryErrorSendsNoOrders(t *testing.T) {
	b := newBook()
	b.alorQueryErr = errVenueDown
	s := newSync(b, nil, nil)

	_, err := s.Handle(context.Background(), mustSignal(t, signal.ActionOpen, 1, common.SideBuy))
	assert.ErrorIs(t, err, errVenueDown)
	assert.Zero(t, b.orderCount())
}

func TestCloseNothingToClose(t *testing.T) {
	b := newBook()
	b.alor["SiZ5"] = 3
	s := newSync(b, nil, nil)

	_, err := s.Handle(context.Background(), mustSignal(t, signal.ActionClose, 1, common.SideSell))
	assert.ErrorIs(t, err, ErrNothingToClose)
	assert.Zero(t, b.orderCount())
	assert.Empty(t, b.closes)
}

func TestClosePartialFillMirrorsReportedQuantity(t *testing.T) {
	b := newBook()
	b.ctrader["USDRUB"] = []common.Position{{Venue: common.VenueCtrader, Symbol: "USDRUB", Quantity: 3, PositionID: 7}}
	b.alor["SiZ5"] = 3
	b.closeReport = func(float64) float64 { return 1.5 }
	s := newSync(b, nil, nil)

	res, err := s.Handle(context.Background(), mustSignal(t, signal.ActionClose, 3, common.SideSell))
	require.NoError(t, err)
	require.Len(t, b.closes, 1)
	assert.Equal(t, int64(7), b.closes[0].PositionID)
	assert.Equal(t, []order{{common.VenueAlor, "SiZ5", common.SideSell, 1.5}}, b.orders)
	assert.Equal(t, 1.5, res.ClosedQty)
	assert.Equal(t, 1.5, b.alor["SiZ5"])
}

func TestCloseQuantityBound(t *testing.T) {
	tests := []struct {
		name     string
		alor     float64
		ctrader  float64
		reported float64
		side     common.Side
		qty      float64
	}{
		{"alor smaller than closed", 1, 3, 3, common.SideSell, 1},
		{"short alor buys back", -2, -2, 2, common.SideBuy, 2},
		{"unreported falls back to signal", 5, 4, 0, common.SideSell, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBook()
			b.ctrader["USDRUB"] = []common.Position{{Venue: common.VenueCtrader, Symbol: "USDRUB", Quantity: tt.ctrader, PositionID: 1}}
			b.alor["SiZ5"] = tt.alor
			b.closeReport = func(float64) float64 { return tt.reported }
			s := newSync(b, nil, nil)

			_, err := s.Handle(context.Background(), mustSignal(t, signal.ActionClose, 2, common.SideSell))
			require.NoError(t, err)
			require.Len(t, b.orders, 1)
			assert.Equal(t, tt.side, b.orders[0].Side)
			assert.Equal(t, tt.qty, b.orders[0].Qty)

			after := b.alor["SiZ5"]
			assert.False(t, after*tt.alor < 0, "alor position flipped from %v to %v", tt.alor, after)
		})
	}
}

func TestCloseClosesOnlyFirstPosition(t *testing.T) {
	b := newBook()
	b.ctrader["USDRUB"] = []common.Position{
		{Venue: common.VenueCtrader, Symbol: "USDRUB", Quantity: 1, PositionID: 11},
		{Venue: common.VenueCtrader, Symbol: "USDRUB", Quantity: 1, PositionID: 12},
	}
	b.alor["SiZ5"] = 2
	s := newSync(b, nil, nil)

	_, err := s.Handle(context.Background(), mustSignal(t, signal.ActionClose, 1, common.SideSell))
	require.NoError(t, err)
	require.Len(t, b.closes, 1)
	assert.Equal(t, int64(11), b.closes[0].PositionID)
	assert.Len(t, b.ctrader["USDRUB"], 1)
}

func TestCloseWithoutAlorPositionReportsCtraderLeg(t *testing.T) {
	b := newBook()
	b.ctrader["USDRUB"] = []common.Position{{Venue: common.VenueCtrader, Symbol: "USDRUB", Quantity: 2, PositionID: 4}}
	s := newSync(b, nil, nil)

	res, err := s.Handle(context.Background(), mustSignal(t, signal.ActionClose, 2, common.SideSell))
	var pf *PartialFailureError
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, common.VenueAlor, pf.Leg)
	assert.ErrorIs(t, err, ErrNoAlorPosition)
	require.NotNil(t, res.CtraderClose)
	assert.Equal(t, int64(4), res.CtraderClose.PositionID)
	assert.Zero(t, b.orderCount())
}

func TestUnknownAction(t *testing.T) {
	s := newSync(newBook(), nil, nil)
	_, err := s.Handle(context.Background(), signal.Signal{})
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestHandlePublishesResult(t *testing.T) {
	bus := events.NewBus()
	results, unsub := bus.Subscribe(events.EventSignalResult, 1)
	defer unsub()
	s := newSync(newBook(), bus, nil)

	_, err := s.Handle(context.Background(), mustSignal(t, signal.ActionClose, 1, common.SideSell))
	require.ErrorIs(t, err, ErrNothingToClose)

	env := <-results
	r := env.Payload.(events.SignalResult)
	assert.False(t, r.OK)
	assert.Equal(t, "close", r.Action)
	assert.Equal(t, ErrNothingToClose.Error(), r.Error)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, "already_open", Outcome(ErrAlreadyOpen))
	assert.Equal(t, "partial_failure", Outcome(&PartialFailureError{Cause: errVenueDown}))
	assert.Equal(t, "legs_failed", Outcome(&LegsFailedError{Alor: errVenueDown, Ctrader: errVenueDown}))
	assert.Equal(t, "canceled", Outcome(context.Canceled))
	assert.Equal(t, "error", Outcome(errVenueDown))
}
