// Package command serializes outbound requests to the cTrader connection: one command in
// flight, a minimum spacing between sends, FIFO order and reply correlation by clientMsgId.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"arbitrage-core/pkg/exchanges/ctrader"
)

var (
	// ErrTransportClosed resolves every queued and in-flight command once the connection is gone.
	ErrTransportClosed = errors.New("venue transport closed")
	// ErrCommandTimeout resolves a command whose reply did not arrive in time.
	ErrCommandTimeout = errors.New("venue command timed out")
)

// CommandError is a failed command: send failure, venue error reply, timeout or closure.
type CommandError struct {
	Type ctrader.PayloadType
	ID   string
	Err  error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s (%s): %v", e.Type, e.ID, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Transport is the frame connection the channel drives.
type Transport interface {
	Send(ctx context.Context, f ctrader.Frame) error
	Frames() <-chan ctrader.Frame
	Done() <-chan struct{}
}

// Observer receives one call per resolved command.
type Observer interface {
	ObserveCommand(kind, outcome string, elapsed time.Duration)
}

// Request describes one outbound command.
type Request struct {
	Type    ctrader.PayloadType
	Payload any
	// NoReply commands resolve as soon as the frame is written.
	NoReply bool
	// Accept decides whether a reply completes the command; nil accepts the first correlated one.
	Accept func(ctrader.Frame) bool
	// Match claims frames without a clientMsgId once a correlated interim reply was seen.
	// Nil claims none; unclaimed frames go to Events.
	Match func(ctrader.Frame) bool
	// Timeout overrides the channel default when positive.
	Timeout time.Duration
}

// Pending is the caller's handle on a queued command.
type Pending struct {
	id      string
	req     Request
	ctx     context.Context
	queued  time.Time
	done    chan struct{}
	once    sync.Once
	frame   ctrader.Frame
	err     error
	matched bool
}

// ID is the clientMsgId the command is sent with.
func (p *Pending) ID() string { return p.id }

// Wait blocks until the command resolves or ctx ends. A caller giving up does not
// cancel a command already written to the wire.
func (p *Pending) Wait(ctx context.Context) (ctrader.Frame, error) {
	select {
	case <-p.done:
		return p.frame, p.err
	case <-ctx.Done():
		return ctrader.Frame{}, ctx.Err()
	}
}

func (p *Pending) resolve(f ctrader.Frame, err error) bool {
	ok := false
	p.once.Do(func() {
		p.frame, p.err = f, err
		close(p.done)
		ok = true
	})
	return ok
}

func (p *Pending) fail(err error) bool {
	return p.resolve(ctrader.Frame{}, &CommandError{Type: p.req.Type, ID: p.id, Err: err})
}

// Options tune a Channel. Zero values take the defaults.
type Options struct {
	MinInterval time.Duration // default 250ms
	Timeout     time.Duration // default 10s
	Logger      zerolog.Logger
	Observer    Observer
}

// Channel is the single-flight, rate-limited command dispatcher.
type Channel struct {
	t        Transport
	limiter  *rate.Limiter
	timeout  time.Duration
	log      zerolog.Logger
	observer Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []*Pending
	inflight *Pending
	closed   bool
	wake     chan struct{}

	events chan ctrader.Frame
	done   chan struct{}
	once   sync.Once
}

// New starts the dispatcher and reply router over t.
func New(t Transport, opts Options) *Channel {
	if opts.MinInterval <= 0 {
		opts.MinInterval = 250 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		t:        t,
		limiter:  rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		timeout:  opts.Timeout,
		log:      opts.Logger,
		observer: opts.Observer,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		events:   make(chan ctrader.Frame, 64),
		done:     make(chan struct{}),
	}
	go c.dispatch()
	go c.route()
	return c
}

// Enqueue appends a command to the queue and returns its handle.
func (c *Channel) Enqueue(ctx context.Context, req Request) *Pending {
	p := &Pending{
		id:     uuid.NewString(),
		req:    req,
		ctx:    ctx,
		queued: time.Now(),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.fail(ErrTransportClosed)
		return p
	}
	c.queue = append(c.queue, p)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return p
}

// Submit enqueues req and waits for its resolution.
func (c *Channel) Submit(ctx context.Context, req Request) (ctrader.Frame, error) {
	return c.Enqueue(ctx, req).Wait(ctx)
}

// Events yields frames that matched no in-flight command.
func (c *Channel) Events() <-chan ctrader.Frame { return c.events }

// Done is closed when the channel stopped serving commands.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Pending reports the number of queued commands, excluding the one in flight.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close fails every outstanding command with ErrTransportClosed. The transport itself
// belongs to the caller.
func (c *Channel) Close() {
	c.shutdown()
}

func (c *Channel) shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		queued := c.queue
		c.queue = nil
		inflight := c.inflight
		c.mu.Unlock()

		c.cancel()
		close(c.done)
		if inflight != nil {
			inflight.fail(ErrTransportClosed)
		}
		for _, p := range queued {
			p.fail(ErrTransportClosed)
		}
		if len(queued) > 0 {
			c.log.Warn().Int("dropped", len(queued)).Msg("command channel closed with queued commands")
		}
	})
}

func (c *Channel) next() *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	p := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return p
}

func (c *Channel) dispatch() {
	for {
		p := c.next()
		if p == nil {
			select {
			case <-c.wake:
				continue
			case <-c.done:
				return
			}
		}
		c.execute(p)
	}
}

func (c *Channel) execute(p *Pending) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if c.observer != nil {
			c.observer.ObserveCommand(p.req.Type.String(), outcome, time.Since(start))
		}
	}()

	if err := p.ctx.Err(); err != nil {
		p.fail(err)
		outcome = "abandoned"
		return
	}
	if err := c.limiter.Wait(c.ctx); err != nil {
		p.fail(ErrTransportClosed)
		outcome = "closed"
		return
	}
	if err := p.ctx.Err(); err != nil {
		p.fail(err)
		outcome = "abandoned"
		return
	}
	frame, err := ctrader.NewFrame(p.id, p.req.Type, p.req.Payload)
	if err != nil {
		p.fail(err)
		outcome = "error"
		return
	}

	if p.req.NoReply {
		if err := c.t.Send(c.ctx, frame); err != nil {
			p.fail(err)
			outcome = "error"
			return
		}
		p.resolve(frame, nil)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.fail(ErrTransportClosed)
		outcome = "closed"
		return
	}
	c.inflight = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.inflight == p {
			c.inflight = nil
		}
		c.mu.Unlock()
	}()

	if err := c.t.Send(c.ctx, frame); err != nil {
		p.fail(err)
		outcome = "error"
		c.log.Warn().Err(err).Str("type", p.req.Type.String()).Str("id", p.id).Msg("command send failed")
		return
	}

	timeout := c.timeout
	if p.req.Timeout > 0 {
		timeout = p.req.Timeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		if p.err != nil {
			outcome = "error"
		}
	case <-timer.C:
		if p.fail(ErrCommandTimeout) {
			outcome = "timeout"
			c.log.Warn().Str("type", p.req.Type.String()).Str("id", p.id).Dur("timeout", timeout).Msg("command timed out")
		}
	case <-c.done:
		p.fail(ErrTransportClosed)
		outcome = "closed"
	}
}

func (c *Channel) route() {
	defer c.shutdown()
	frames := c.t.Frames()
	for {
		select {
		case <-c.done:
			return
		case <-c.t.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			c.deliver(f)
		}
	}
}

func (c *Channel) deliver(f ctrader.Frame) {
	c.mu.Lock()
	p := c.inflight
	c.mu.Unlock()

	if p != nil {
		correlated := f.ClientMsgID != "" && f.ClientMsgID == p.id
		related := f.ClientMsgID == "" && p.matched && p.req.Match != nil && p.req.Match(f)
		if correlated || related {
			if verr := ctrader.ErrorFromFrame(f); verr != nil {
				if correlated {
					p.resolve(f, &CommandError{Type: p.req.Type, ID: p.id, Err: verr})
					return
				}
			} else if p.req.Accept == nil || p.req.Accept(f) {
				p.resolve(f, nil)
				return
			} else if correlated {
				p.matched = true
				c.log.Debug().Str("type", f.PayloadType.String()).Str("id", p.id).Msg("interim reply")
				return
			}
		}
	}

	if f.PayloadType == ctrader.PayloadHeartbeatEvent {
		return
	}
	select {
	case c.events <- f:
	default:
		c.log.Warn().Str("type", f.PayloadType.String()).Msg("event buffer full, dropping frame")
	}
}
