package arbitrage

import (
	"errors"
	"fmt"

	"arbitrage-core/internal/signal"
	"arbitrage-core/internal/venue"
	"arbitrage-core/pkg/exchanges/common"
)

var (
	// ErrAlreadyOpen aborts an open when either venue already holds the instrument. No orders are sent.
	ErrAlreadyOpen = errors.New("position already open")
	// ErrNothingToClose aborts a close when venue B holds no position. No orders are sent.
	ErrNothingToClose = errors.New("nothing to close")
	// ErrUnknownAction rejects signals whose action is neither open nor close.
	ErrUnknownAction = errors.New("unknown signal action")
	// ErrNoAlorPosition is the cause of a close that found nothing to mirror on venue A.
	ErrNoAlorPosition = venue.ErrNoPosition
)

// PartialFailureError means one leg executed and the mirrored leg failed or was never
// attempted. Nothing is unwound; Result holds the legs that did execute.
type PartialFailureError struct {
	Action signal.Action
	Leg    common.Venue
	Cause  error
	Result *Result
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("partial failure on %s: %s leg failed: %v", e.Action, e.Leg, e.Cause)
}

func (e *PartialFailureError) Unwrap() error { return e.Cause }

// LegsFailedError is an open where neither order went through.
type LegsFailedError struct {
	Alor    error
	Ctrader error
}

func (e *LegsFailedError) Error() string {
	return fmt.Sprintf("open failed on both venues: alor: %v; ctrader: %v", e.Alor, e.Ctrader)
}

func (e *LegsFailedError) Unwrap() []error { return []error{e.Alor, e.Ctrader} }
