// Package persistence keeps alert records (partial failures, exposure drift) in sqlite
// for manual reconciliation.
package persistence

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"arbitrage-core/internal/events"
	"arbitrage-core/pkg/db"
)

// Recorder subscribes to partial failures and drift alerts and writes them through a
// BatchWriter.
type Recorder struct {
	Bus    *events.Bus
	Writer *BatchWriter
	Log    zerolog.Logger
}

// Start consumes events until ctx ends, then flushes.
func (r *Recorder) Start(ctx context.Context) <-chan struct{} {
	stream, unsub := r.Bus.SubscribeAll(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				r.record(env)
			}
		}
	}()
	return done
}

func (r *Recorder) record(env events.Envelope) {
	switch p := env.Payload.(type) {
	case events.PartialFailure:
		detail, err := json.Marshal(p.Detail)
		if err != nil {
			r.Log.Warn().Err(err).Msg("encode partial failure detail")
		}
		// Partial failures need manual action; commit them right away.
		r.Writer.Write(db.InsertPartialFailureSQL, p.Action, p.FailedLeg, p.Cause, string(detail), p.At)
		if err := r.Writer.Flush(); err != nil {
			r.Log.Error().Err(err).Msg("persist partial failure")
		}
	case events.ExposureDrift:
		r.Writer.Write(db.InsertDriftSQL, p.Pair, p.AlorQty, p.CtraderQty, p.Net, p.At)
	}
}
