// Package venue adapts the two brokerage clients to one position/order contract.
package venue

import (
	"context"
	"errors"

	"arbitrage-core/pkg/exchanges/common"
)

// ErrNoPosition reports a close on an instrument the venue holds nothing of.
var ErrNoPosition = errors.New("no open position")

// PositionQuery is the read-only view of one venue. Implementations are safe for
// concurrent use and never cache results.
type PositionQuery interface {
	PositionsFor(ctx context.Context, ref string) ([]common.Position, error)
	HasOpenPosition(ctx context.Context, ref string) (bool, error)
}

func anyOpen(ps []common.Position) bool {
	for _, p := range ps {
		if p.Open() {
			return true
		}
	}
	return false
}
