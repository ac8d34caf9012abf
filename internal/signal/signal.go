// Package signal turns inbound webhook payloads into validated trading signals.
package signal

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"arbitrage-core/pkg/exchanges/common"
)

// Action is what the signal asks the synchronizer to do.
type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
)

// ValidationError rejects a payload before it reaches the synchronizer.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid signal: %s %s", e.Field, e.Reason)
}

// Signal is an immutable, validated instruction. Build it with New or Normalize.
type Signal struct {
	action        Action
	alorSymbol    string
	ctraderSymbol string
	quantity      float64
	side          common.Side
}

// New validates the fields and returns a Signal.
func New(action Action, alorSymbol, ctraderSymbol string, quantity float64, side common.Side) (Signal, error) {
	switch action {
	case ActionOpen, ActionClose:
	default:
		return Signal{}, &ValidationError{Field: "action", Reason: fmt.Sprintf("must be open or close, got %q", action)}
	}
	alorSymbol = strings.TrimSpace(alorSymbol)
	ctraderSymbol = strings.TrimSpace(ctraderSymbol)
	if alorSymbol == "" {
		return Signal{}, &ValidationError{Field: "alorSymbol", Reason: "is required"}
	}
	if ctraderSymbol == "" {
		return Signal{}, &ValidationError{Field: "ctraderSymbol", Reason: "is required"}
	}
	if math.IsNaN(quantity) || math.IsInf(quantity, 0) || quantity <= 0 {
		return Signal{}, &ValidationError{Field: "volume", Reason: "must be greater than 0"}
	}
	if side != common.SideBuy && side != common.SideSell {
		return Signal{}, &ValidationError{Field: "side", Reason: fmt.Sprintf("must be buy or sell, got %q", side)}
	}
	return Signal{
		action:        action,
		alorSymbol:    alorSymbol,
		ctraderSymbol: ctraderSymbol,
		quantity:      quantity,
		side:          side,
	}, nil
}

func (s Signal) Action() Action        { return s.action }
func (s Signal) AlorSymbol() string    { return s.alorSymbol }
func (s Signal) CtraderSymbol() string { return s.ctraderSymbol }
func (s Signal) Quantity() float64     { return s.quantity }
func (s Signal) Side() common.Side     { return s.side }

func (s Signal) String() string {
	return fmt.Sprintf("%s %s %v %s/%s", s.action, s.side, s.quantity, s.alorSymbol, s.ctraderSymbol)
}

func (s Signal) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Action        Action      `json:"action"`
		AlorSymbol    string      `json:"alorSymbol"`
		CtraderSymbol string      `json:"ctraderSymbol"`
		Volume        float64     `json:"volume"`
		Side          common.Side `json:"side"`
	}{s.action, s.alorSymbol, s.ctraderSymbol, s.quantity, s.side})
}
