package ctrader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrConnClosed is returned by Send after the connection went away.
var ErrConnClosed = errors.New("ctrader connection closed")

const (
	writeTimeout = 10 * time.Second
	// DefaultReadTimeout covers three of the venue's 10s heartbeat events.
	DefaultReadTimeout = 30 * time.Second
)

// DialOption adjusts a Conn before its reader starts.
type DialOption func(*Conn)

// WithReadTimeout fails the connection when nothing arrives for d.
func WithReadTimeout(d time.Duration) DialOption {
	return func(c *Conn) {
		if d > 0 {
			c.readTimeout = d
		}
	}
}

// Conn is a JSON frame connection to the Open API over a websocket.
// One reader goroutine decodes frames onto Frames(); writes are serialized.
type Conn struct {
	ws          *websocket.Conn
	log         zerolog.Logger
	frames      chan Frame
	readTimeout time.Duration

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
	errMu   sync.Mutex
	err     error
}

// Dial opens the websocket and starts the reader. A connection silent for longer than
// the read timeout is closed with a read error.
func Dial(ctx context.Context, endpoint string, log zerolog.Logger, opts ...DialOption) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	c := &Conn{
		ws:          ws,
		log:         log,
		frames:      make(chan Frame, 64),
		done:        make(chan struct{}),
		readTimeout: DefaultReadTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	})
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.frames)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.closeWith(fmt.Errorf("read: %w", err))
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.log.Warn().Err(err).Int("bytes", len(msg)).Msg("ctrader: undecodable frame")
			continue
		}
		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

// Send writes one frame. The write deadline is the context deadline or writeTimeout.
func (c *Conn) Send(ctx context.Context, f Frame) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(deadline)
	err = c.ws.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()
	if err != nil {
		c.closeWith(fmt.Errorf("write: %w", err))
		return fmt.Errorf("send %s: %w", f.PayloadType, err)
	}
	return nil
}

// Frames yields every decoded inbound frame. It is closed when the reader exits.
func (c *Conn) Frames() <-chan Frame { return c.frames }

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection closed, nil while open.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close shuts the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeWith(ErrConnClosed)
	return nil
}

func (c *Conn) closeWith(err error) {
	c.once.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}
