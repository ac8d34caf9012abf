package arbitrage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"arbitrage-core/internal/events"
	"arbitrage-core/internal/venue"
	"arbitrage-core/pkg/config"
	"arbitrage-core/pkg/exchanges/common"
)

const driftEpsilon = 1e-9

// AuditReport is one pass over the configured pairs.
type AuditReport struct {
	Timestamp time.Time   `json:"timestamp"`
	Pairs     []PairAudit `json:"pairs"`
	HasDrift  bool        `json:"has_drift"`
}

// PairAudit compares one pair. Drift is AlorQty minus CtraderQty; the legs are opened on
// the same side, so a mirrored pair has zero drift.
type PairAudit struct {
	Pair       string  `json:"pair"`
	AlorQty    float64 `json:"alor_qty"`
	CtraderQty float64 `json:"ctrader_qty"`
	Drift      float64 `json:"drift"`
	Error      string  `json:"error,omitempty"`
}

// Auditor periodically checks that every configured pair is mirrored across venues.
// It only reads and runs inside the synchronizer's section so it never observes an
// operation half way.
type Auditor struct {
	sync     *Synchronizer
	alor     venue.PositionQuery
	ctrader  venue.PositionQuery
	pairs    config.Pairs
	interval time.Duration
	bus      *events.Bus
	log      zerolog.Logger
}

func NewAuditor(s *Synchronizer, alor, ctrader venue.PositionQuery, pairs config.Pairs, interval time.Duration, bus *events.Bus, log zerolog.Logger) *Auditor {
	return &Auditor{
		sync:     s,
		alor:     alor,
		ctrader:  ctrader,
		pairs:    pairs,
		interval: interval,
		bus:      bus,
		log:      log.With().Str("component", "auditor").Logger(),
	}
}

// Start runs the audit on every tick until ctx ends. Ready gates each pass; a pass is
// skipped while it returns false.
func (a *Auditor) Start(ctx context.Context, ready func() bool) {
	if len(a.pairs) == 0 || a.interval <= 0 {
		a.log.Info().Msg("exposure audit disabled")
		return
	}
	ticker := time.NewTicker(a.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if ready != nil && !ready() {
					a.log.Debug().Msg("session not ready, audit skipped")
					continue
				}
				if _, err := a.Audit(ctx); err != nil {
					a.log.Error().Err(err).Msg("exposure audit")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	a.log.Info().Dur("interval", a.interval).Int("pairs", len(a.pairs)).Msg("exposure audit started")
}

// Audit compares every pair once.
func (a *Auditor) Audit(ctx context.Context) (*AuditReport, error) {
	report := &AuditReport{Timestamp: time.Now().UTC()}
	err := a.sync.Exclusive(ctx, func(ctx context.Context) error {
		for _, p := range a.pairs {
			report.Pairs = append(report.Pairs, a.auditPair(ctx, p))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	for _, pa := range report.Pairs {
		if pa.Error != "" {
			a.log.Warn().Str("pair", pa.Pair).Str("error", pa.Error).Msg("pair not audited")
			continue
		}
		if math.Abs(pa.Drift) <= driftEpsilon {
			continue
		}
		report.HasDrift = true
		a.log.Warn().Str("pair", pa.Pair).
			Float64("alor", pa.AlorQty).Float64("ctrader", pa.CtraderQty).Float64("drift", pa.Drift).
			Msg("exposure drift")
		if a.bus != nil {
			a.bus.Publish(events.EventExposureDrift, events.ExposureDrift{
				Pair:       pa.Pair,
				AlorQty:    pa.AlorQty,
				CtraderQty: pa.CtraderQty,
				Net:        pa.Drift,
				At:         report.Timestamp,
			})
		}
	}
	if !report.HasDrift {
		a.log.Debug().Int("pairs", len(report.Pairs)).Msg("exposure audit clean")
	}
	return report, nil
}

func (a *Auditor) auditPair(ctx context.Context, p config.Pair) PairAudit {
	out := PairAudit{Pair: p.Name}
	alorPos, err := a.alor.PositionsFor(ctx, p.Alor)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	ctraderPos, err := a.ctrader.PositionsFor(ctx, p.Ctrader)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.AlorQty = common.NetQuantity(alorPos)
	out.CtraderQty = common.NetQuantity(ctraderPos)
	out.Drift = out.AlorQty - out.CtraderQty
	return out
}
