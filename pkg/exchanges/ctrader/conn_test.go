package ctrader

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer replies to each frame with the same clientMsgId and payloadType+1.
func echoServer(t *testing.T) *httptest.Server {
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if json.Unmarshal(msg, &f) != nil {
				continue
			}
			f.PayloadType++
			out, _ := json.Marshal(f)
			if ws.WriteMessage(websocket.TextMessage, out) != nil {
				return
			}
		}
	}))
}

func TestConnSendReceive(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	f, err := NewFrame("id-1", PayloadApplicationAuthReq, ApplicationAuthReq{ClientID: "a", ClientSecret: "b"})
	require.NoError(t, err)
	require.NoError(t, c.Send(ctx, f))

	select {
	case got := <-c.Frames():
		assert.Equal(t, "id-1", got.ClientMsgID)
		assert.Equal(t, PayloadApplicationAuthRes, got.PayloadType)
	case <-ctx.Done():
		t.Fatal("no reply")
	}
}

func TestConnCloseIsIdempotent(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	c, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
	assert.ErrorIs(t, c.Send(context.Background(), Frame{PayloadType: PayloadHeartbeatEvent}), ErrConnClosed)
	assert.ErrorIs(t, c.Err(), ErrConnClosed)
}

// scriptedServer accepts one connection and hands it to serve.
func scriptedServer(t *testing.T, serve func(*websocket.Conn)) *httptest.Server {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		serve(ws)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnFailsWhenVenueGoesSilent(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := scriptedServer(t, func(*websocket.Conn) { <-release })

	c, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), zerolog.Nop(), WithReadTimeout(50*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("silent connection was not closed")
	}
	var ne net.Error
	require.ErrorAs(t, c.Err(), &ne)
	assert.True(t, ne.Timeout())
	assert.ErrorIs(t, c.Send(context.Background(), Frame{PayloadType: PayloadHeartbeatEvent}), ErrConnClosed)
}

func TestConnHeartbeatsExtendReadDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := scriptedServer(t, func(ws *websocket.Conn) {
		hb, _ := json.Marshal(Frame{PayloadType: PayloadHeartbeatEvent})
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-release:
				return
			case <-ticker.C:
				if ws.WriteMessage(websocket.TextMessage, hb) != nil {
					return
				}
			}
		}
	})

	c, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), zerolog.Nop(), WithReadTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()

	deadline := time.After(300 * time.Millisecond)
	for {
		select {
		case <-c.Frames():
		case <-c.Done():
			t.Fatalf("connection closed while heartbeats flowed: %v", c.Err())
		case <-deadline:
			assert.NoError(t, c.Err())
			return
		}
	}
}
