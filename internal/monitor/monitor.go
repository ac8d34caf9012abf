package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"arbitrage-core/internal/events"
	"arbitrage-core/internal/session"
)

// AlertSink delivers operator alerts. Delivery is best effort.
type AlertSink interface {
	Send(message string) error
}

// Monitor watches the bus and raises alerts for conditions that need an operator:
// partial failures, exposure drift and a failed session.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Sink    AlertSink
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		return
	}
	stream, unsub := m.Bus.SubscribeAll(64)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				m.handle(env)
			}
		}
	}()
}

func (m *Monitor) handle(env events.Envelope) {
	switch p := env.Payload.(type) {
	case events.ExposureDrift:
		if m.Metrics != nil {
			m.Metrics.SetDrift(p.Pair, p.Net)
		}
		m.alert(fmt.Sprintf("exposure drift on %s: alor %v, ctrader %v", p.Pair, p.AlorQty, p.CtraderQty))
	case events.PartialFailure:
		m.alert(fmt.Sprintf("partial failure on %s: %s leg failed: %s", p.Action, p.FailedLeg, p.Cause))
	case events.SessionState:
		if p.State == session.StateFailed.String() {
			m.alert("ctrader session failed: " + p.Error)
		}
	}
}

func (m *Monitor) alert(msg string) {
	_ = m.Sink.Send(formatAlert(msg))
}

func formatAlert(msg string) string {
	return "[" + time.Now().UTC().Format(time.RFC3339) + "] " + msg
}

// SessionObserver forwards session transitions to metrics and the bus.
type SessionObserver struct {
	Metrics *Metrics
	Bus     *events.Bus
}

func (o SessionObserver) SessionState(s session.Snapshot) {
	if o.Metrics != nil {
		o.Metrics.SessionState(s)
	}
	if o.Bus != nil {
		o.Bus.Publish(events.EventSessionState, events.SessionState{
			State:     s.StateName,
			AccountID: s.AccountID,
			Symbols:   s.Symbols,
			Error:     s.Error,
			At:        s.Since.UTC(),
		})
	}
}

func (o SessionObserver) CredentialRetry() {
	if o.Metrics != nil {
		o.Metrics.CredentialRetry()
	}
}

// LogSink writes alerts to the service log.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Send(message string) error {
	s.Log.Warn().Str("component", "alerts").Msg(message)
	return nil
}
