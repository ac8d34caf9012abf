// Package session owns the cTrader connection lifecycle: credentials, transport,
// application and account authentication, the instrument catalog and keep-alive.
package session

import (
	"errors"
	"time"
)

// State is a step of the session bootstrap.
type State int

const (
	StateUninitialized State = iota
	StateCredentialsPending
	StateConnecting
	StateAppAuthenticated
	StateAccountSelected
	StateAccountAuthenticated
	StateCatalogLoaded
	StateFailed
)

var stateNames = [...]string{
	"UNINITIALIZED",
	"CREDENTIALS_PENDING",
	"CONNECTING",
	"APP_AUTHENTICATED",
	"ACCOUNT_SELECTED",
	"ACCOUNT_AUTHENTICATED",
	"CATALOG_LOADED",
	"FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Ready reports whether trading commands may be issued.
func (s State) Ready() bool { return s == StateCatalogLoaded }

var (
	// ErrNoAccount means the access token grants no trading account.
	ErrNoAccount = errors.New("no trading account available for access token")
	// ErrAccountNotFound means the configured account id is not among the granted accounts.
	ErrAccountNotFound = errors.New("configured trading account not granted to access token")
	// ErrSessionNotReady rejects trading commands while the catalog is not loaded.
	ErrSessionNotReady = errors.New("venue session not ready")
	// ErrSessionLost is recorded when a live session is torn down by the venue or transport.
	ErrSessionLost = errors.New("venue session lost")
	// ErrSessionReset is recorded when an operator tears the session down.
	ErrSessionReset = errors.New("venue session reset")
)

// Snapshot is a read-only view of the session for status reporting.
type Snapshot struct {
	State     State     `json:"-"`
	StateName string    `json:"state"`
	AccountID int64     `json:"account_id,omitempty"`
	Symbols   int       `json:"symbols"`
	Error     string    `json:"error,omitempty"`
	Since     time.Time `json:"since"`
}
