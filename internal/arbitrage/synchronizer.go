// Package arbitrage keeps the two venues' positions mirrored: every open and close runs
// under one process-wide FIFO section so position checks and orders never interleave.
package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"arbitrage-core/internal/events"
	"arbitrage-core/internal/signal"
	"arbitrage-core/internal/venue"
	"arbitrage-core/pkg/exchanges/common"
)

// AlorLeg is venue A as the synchronizer sees it.
type AlorLeg interface {
	venue.PositionQuery
	MarketOrder(ctx context.Context, symbol string, side common.Side, qty float64) (common.OrderAck, error)
	// ClosePosition reduces the net position by at most qty, failing with
	// venue.ErrNoPosition when there is nothing to reduce.
	ClosePosition(ctx context.Context, symbol string, qty float64) (common.OrderAck, error)
}

// CtraderLeg is venue B as the synchronizer sees it.
type CtraderLeg interface {
	venue.PositionQuery
	Resolve(symbol string) (int64, error)
	MarketOrder(ctx context.Context, symbol string, side common.Side, qty float64) (common.OrderAck, error)
	ClosePosition(ctx context.Context, pos common.Position) (common.CloseAck, error)
}

// Metrics receives per-signal outcomes.
type Metrics interface {
	ObserveSignal(action, outcome string, elapsed time.Duration)
	PartialFailure(action, leg string)
}

// Result reports the legs a handled signal executed.
type Result struct {
	Action       signal.Action    `json:"action"`
	Alor         *common.OrderAck `json:"alor,omitempty"`
	Ctrader      *common.OrderAck `json:"ctrader,omitempty"`
	CtraderClose *common.CloseAck `json:"ctraderClose,omitempty"`
	// ClosedQty is the quantity a close mirrored onto venue A's side of the book.
	ClosedQty float64 `json:"closedQty,omitempty"`
}

// Options configure a Synchronizer. Bus and Metrics are optional.
type Options struct {
	Logger  zerolog.Logger
	Bus     *events.Bus
	Metrics Metrics
}

// Synchronizer runs the open and close protocols.
type Synchronizer struct {
	alor    AlorLeg
	ctrader CtraderLeg
	sem     *semaphore.Weighted
	log     zerolog.Logger
	bus     *events.Bus
	metrics Metrics
}

func NewSynchronizer(alor AlorLeg, ctrader CtraderLeg, opts Options) *Synchronizer {
	return &Synchronizer{
		alor:    alor,
		ctrader: ctrader,
		sem:     semaphore.NewWeighted(1),
		log:     opts.Logger.With().Str("component", "synchronizer").Logger(),
		bus:     opts.Bus,
		metrics: opts.Metrics,
	}
}

// Exclusive runs fn inside the section that serializes every signal. Waiters are
// admitted in arrival order. It returns ctx.Err() if ctx ends while waiting.
func (s *Synchronizer) Exclusive(ctx context.Context, fn func(context.Context) error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	return fn(ctx)
}

// Handle dispatches sig to the open or close protocol.
func (s *Synchronizer) Handle(ctx context.Context, sig signal.Signal) (*Result, error) {
	start := time.Now()
	s.publish(events.EventSignalReceived, sig)

	var res *Result
	err := s.Exclusive(ctx, func(ctx context.Context) error {
		var err error
		switch sig.Action() {
		case signal.ActionOpen:
			res, err = s.open(ctx, sig)
		case signal.ActionClose:
			res, err = s.close(ctx, sig)
		default:
			err = fmt.Errorf("%w: %q", ErrUnknownAction, sig.Action())
		}
		return err
	})

	s.record(sig, err, time.Since(start))
	return res, err
}

func (s *Synchronizer) open(ctx context.Context, sig signal.Signal) (*Result, error) {
	if _, err := s.ctrader.Resolve(sig.CtraderSymbol()); err != nil {
		return nil, fmt.Errorf("ctrader symbol %s: %w", sig.CtraderSymbol(), err)
	}

	var alorOpen, ctraderOpen bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		alorOpen, err = s.alor.HasOpenPosition(gctx, sig.AlorSymbol())
		return err
	})
	g.Go(func() error {
		var err error
		ctraderOpen, err = s.ctrader.HasOpenPosition(gctx, sig.CtraderSymbol())
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("position check: %w", err)
	}
	if alorOpen || ctraderOpen {
		s.log.Warn().
			Str("alor_symbol", sig.AlorSymbol()).Bool("alor_open", alorOpen).
			Str("ctrader_symbol", sig.CtraderSymbol()).Bool("ctrader_open", ctraderOpen).
			Msg("open skipped, position exists")
		return nil, ErrAlreadyOpen
	}

	var (
		alorAck, ctraderAck common.OrderAck
		alorErr, ctraderErr error
		legs                errgroup.Group
	)
	legs.Go(func() error {
		alorAck, alorErr = s.alor.MarketOrder(ctx, sig.AlorSymbol(), sig.Side(), sig.Quantity())
		return nil
	})
	legs.Go(func() error {
		ctraderAck, ctraderErr = s.ctrader.MarketOrder(ctx, sig.CtraderSymbol(), sig.Side(), sig.Quantity())
		return nil
	})
	_ = legs.Wait()

	res := &Result{Action: signal.ActionOpen}
	if alorErr == nil {
		res.Alor = &alorAck
	}
	if ctraderErr == nil {
		res.Ctrader = &ctraderAck
	}

	switch {
	case alorErr != nil && ctraderErr != nil:
		return nil, &LegsFailedError{Alor: alorErr, Ctrader: ctraderErr}
	case alorErr != nil:
		return res, s.partial(signal.ActionOpen, common.VenueAlor, alorErr, res)
	case ctraderErr != nil:
		return res, s.partial(signal.ActionOpen, common.VenueCtrader, ctraderErr, res)
	}

	s.log.Info().
		Str("side", string(sig.Side())).Float64("qty", sig.Quantity()).
		Str("alor_order", alorAck.OrderID).Str("ctrader_order", ctraderAck.OrderID).
		Msg("opened both legs")
	return res, nil
}

func (s *Synchronizer) close(ctx context.Context, sig signal.Signal) (*Result, error) {
	if _, err := s.ctrader.Resolve(sig.CtraderSymbol()); err != nil {
		return nil, fmt.Errorf("ctrader symbol %s: %w", sig.CtraderSymbol(), err)
	}

	positions, err := s.ctrader.PositionsFor(ctx, sig.CtraderSymbol())
	if err != nil {
		return nil, fmt.Errorf("ctrader positions: %w", err)
	}
	if len(positions) == 0 {
		return nil, ErrNothingToClose
	}
	if len(positions) > 1 {
		s.log.Warn().Int("count", len(positions)).Str("symbol", sig.CtraderSymbol()).
			Msg("several ctrader positions, closing the first")
	}

	closeAck, err := s.ctrader.ClosePosition(ctx, positions[0])
	if err != nil {
		return nil, fmt.Errorf("ctrader close: %w", err)
	}
	closed := closeAck.ClosedQty
	if closed <= 0 {
		closed = sig.Quantity()
	}
	res := &Result{Action: signal.ActionClose, CtraderClose: &closeAck}

	ack, err := s.alor.ClosePosition(ctx, sig.AlorSymbol(), closed)
	if err != nil {
		return res, s.partial(signal.ActionClose, common.VenueAlor, err, res)
	}
	res.Alor = &ack
	res.ClosedQty = ack.Qty

	s.log.Info().
		Int64("position_id", closeAck.PositionID).Float64("ctrader_closed", closed).
		Str("alor_side", string(ack.Side)).Float64("alor_qty", ack.Qty).
		Msg("closed both legs")
	return res, nil
}

func (s *Synchronizer) partial(action signal.Action, leg common.Venue, cause error, res *Result) error {
	perr := &PartialFailureError{Action: action, Leg: leg, Cause: cause, Result: res}
	s.log.Error().Err(cause).Str("action", string(action)).Str("failed_leg", string(leg)).
		Interface("executed", res).Msg("partial failure, manual reconciliation required")
	if s.metrics != nil {
		s.metrics.PartialFailure(string(action), string(leg))
	}
	s.publish(events.EventPartialFailure, events.PartialFailure{
		Action:    string(action),
		FailedLeg: string(leg),
		Cause:     cause.Error(),
		Detail:    res,
		At:        time.Now().UTC(),
	})
	return perr
}

func (s *Synchronizer) record(sig signal.Signal, err error, elapsed time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveSignal(string(sig.Action()), Outcome(err), elapsed)
	}
	ev := events.SignalResult{
		Action:        string(sig.Action()),
		AlorSymbol:    sig.AlorSymbol(),
		CtraderSymbol: sig.CtraderSymbol(),
		Side:          string(sig.Side()),
		Quantity:      sig.Quantity(),
		OK:            err == nil,
		Elapsed:       elapsed.String(),
		At:            time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.publish(events.EventSignalResult, ev)
}

func (s *Synchronizer) publish(e events.Event, payload any) {
	if s.bus != nil {
		s.bus.Publish(e, payload)
	}
}

// Outcome labels err for metrics and logs.
func Outcome(err error) string {
	var pf *PartialFailureError
	var lf *LegsFailedError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyOpen):
		return "already_open"
	case errors.Is(err, ErrNothingToClose):
		return "nothing_to_close"
	case errors.As(err, &pf):
		return "partial_failure"
	case errors.As(err, &lf):
		return "legs_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
