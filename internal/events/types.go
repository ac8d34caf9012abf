package events

import "time"

// Event enumerates the topics published inside the arbitrage core.
type Event string

const (
	// All is the wildcard subscription topic; never published directly.
	All Event = ""

	EventSignalReceived Event = "signal.received"
	EventSignalResult   Event = "signal.result"
	EventPartialFailure Event = "arbitrage.partial_failure"
	EventExposureDrift  Event = "arbitrage.exposure_drift"
	EventSessionState   Event = "session.state"
)

// Envelope is what subscribers receive.
type Envelope struct {
	Topic   Event `json:"topic"`
	Payload any   `json:"payload"`
}

// SignalResult reports the outcome of one handled signal.
type SignalResult struct {
	Action        string    `json:"action"`
	AlorSymbol    string    `json:"alor_symbol"`
	CtraderSymbol string    `json:"ctrader_symbol"`
	Side          string    `json:"side"`
	Quantity      float64   `json:"quantity"`
	OK            bool      `json:"ok"`
	Error         string    `json:"error,omitempty"`
	Elapsed       string    `json:"elapsed"`
	At            time.Time `json:"at"`
}

// PartialFailure is published whenever the two venues diverge after an operation.
type PartialFailure struct {
	Action    string    `json:"action"`
	FailedLeg string    `json:"failed_leg"`
	Cause     string    `json:"cause"`
	Detail    any       `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// ExposureDrift is published by the audit when a pair's net exposure is not flat.
type ExposureDrift struct {
	Pair       string    `json:"pair"`
	AlorQty    float64   `json:"alor_qty"`
	CtraderQty float64   `json:"ctrader_qty"`
	Net        float64   `json:"net"`
	At         time.Time `json:"at"`
}

// SessionState mirrors a session manager transition.
type SessionState struct {
	State     string    `json:"state"`
	AccountID int64     `json:"account_id,omitempty"`
	Symbols   int       `json:"symbols,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
