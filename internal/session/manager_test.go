package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbitrage-core/internal/command"
	"arbitrage-core/pkg/exchanges/ctrader"
)

type harness struct {
	mgr    *Manager
	obs    *recordingObserver
	store  *memStore
	acq    *scriptedAcquirer
	mu     sync.Mutex
	venues []*fakeVenue
	mk     func() *fakeVenue
}

func newHarness(t *testing.T, cfg Config, mk func() *fakeVenue) *harness {
	h := &harness{
		obs:   &recordingObserver{},
		store: &memStore{},
		acq:   &scriptedAcquirer{tokens: ctrader.Tokens{AccessToken: "fresh", RefreshToken: "r1"}},
		mk:    mk,
	}
	cfg.CommandInterval = time.Millisecond
	cfg.CommandTimeout = time.Second
	cfg.Retry.Sleep = noSleep
	cfg.Reconnect = Backoff{Min: time.Millisecond, Max: time.Millisecond}
	h.mgr = NewManager(cfg, Deps{
		Dial: func(context.Context, string) (Conn, error) {
			v := h.mk()
			h.mu.Lock()
			h.venues = append(h.venues, v)
			h.mu.Unlock()
			return v, nil
		},
		Acquirer: h.acq,
		Store:    h.store,
		Observer: h.obs,
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(h.mgr.Close)
	return h
}

func (h *harness) dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.venues)
}

func (h *harness) venue(i int) *fakeVenue {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.venues[i]
}

func TestBootstrapReachesCatalogLoaded(t *testing.T) {
	h := newHarness(t, Config{}, func() *fakeVenue { return newFakeVenue(1001) })
	ctx := context.Background()

	require.NoError(t, h.mgr.Bootstrap(ctx))
	assert.Equal(t, StateCatalogLoaded, h.mgr.State())
	assert.Equal(t, int64(1001), h.mgr.AccountID())

	id, err := h.mgr.Resolve("USDRUB")
	require.NoError(t, err)
	assert.Equal(t, int64(41), id)
	_, err = h.mgr.Resolve("XAUUSD")
	assert.ErrorIs(t, err, ErrSymbolUnresolved)

	assert.Equal(t, []State{
		StateCredentialsPending,
		StateConnecting,
		StateAppAuthenticated,
		StateAccountSelected,
		StateAccountAuthenticated,
		StateCatalogLoaded,
	}, h.obs.seen())

	assert.Equal(t, []ctrader.PayloadType{
		ctrader.PayloadApplicationAuthReq,
		ctrader.PayloadAccountListReq,
		ctrader.PayloadAccountAuthReq,
		ctrader.PayloadSymbolsListReq,
	}, h.venue(0).sentTypes())

	f, err := h.mgr.Submit(ctx, command.Request{Type: ctrader.PayloadReconcileReq, Payload: ctrader.ReconcileReq{CtidTraderAccountID: 1001}})
	require.NoError(t, err)
	assert.Equal(t, ctrader.PayloadReconcileRes, f.PayloadType)

	snap := h.mgr.Snapshot()
	assert.Equal(t, "CATALOG_LOADED", snap.StateName)
	assert.Equal(t, 2, snap.Symbols)

	stored, ok, err := h.store.LoadTokens(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fresh", stored.AccessToken)
}

func TestBootstrapWithoutAccountFails(t *testing.T) {
	h := newHarness(t, Config{}, func() *fakeVenue { return newFakeVenue() })

	err := h.mgr.Bootstrap(context.Background())
	assert.ErrorIs(t, err, ErrNoAccount)
	assert.Equal(t, StateFailed, h.mgr.State())

	_, err = h.mgr.Submit(context.Background(), command.Request{Type: ctrader.PayloadReconcileReq})
	assert.ErrorIs(t, err, ErrSessionNotReady)
	assert.NotContains(t, h.venue(0).sentTypes(), ctrader.PayloadAccountAuthReq)
	assert.NotContains(t, h.venue(0).sentTypes(), ctrader.PayloadReconcileReq)
}

func TestBootstrapAccountSelection(t *testing.T) {
	h := newHarness(t, Config{}, func() *fakeVenue { return newFakeVenue(7, 8) })
	require.NoError(t, h.mgr.Bootstrap(context.Background()))
	assert.Equal(t, int64(7), h.mgr.AccountID())

	h2 := newHarness(t, Config{AccountID: 8}, func() *fakeVenue { return newFakeVenue(7, 8) })
	require.NoError(t, h2.mgr.Bootstrap(context.Background()))
	assert.Equal(t, int64(8), h2.mgr.AccountID())

	h3 := newHarness(t, Config{AccountID: 9}, func() *fakeVenue { return newFakeVenue(7, 8) })
	err := h3.mgr.Bootstrap(context.Background())
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.Equal(t, StateFailed, h3.mgr.State())
}

func TestCachedTokenRejectedIsReplacedOnce(t *testing.T) {
	h := newHarness(t, Config{}, func() *fakeVenue {
		v := newFakeVenue(5)
		v.rejectToken = "stale"
		return v
	})
	require.NoError(t, h.store.SaveTokens(context.Background(), ctrader.Tokens{AccessToken: "stale"}))

	require.NoError(t, h.mgr.Bootstrap(context.Background()))
	assert.Equal(t, 1, h.store.cleared)
	assert.Equal(t, 1, h.acq.count())
	assert.Equal(t, 2, h.dials())
	assert.Equal(t, []string{"stale"}, h.venue(0).authTokens)
	assert.Equal(t, []string{"fresh"}, h.venue(1).authTokens)
}

func TestFreshTokenRejectedFails(t *testing.T) {
	h := newHarness(t, Config{}, func() *fakeVenue {
		v := newFakeVenue(5)
		v.rejectToken = "fresh"
		return v
	})
	err := h.mgr.Bootstrap(context.Background())
	var ve *ctrader.VenueError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, StateFailed, h.mgr.State())
	assert.Equal(t, 1, h.dials())
}

func TestCredentialRetryIsObserved(t *testing.T) {
	h := newHarness(t, Config{}, func() *fakeVenue { return newFakeVenue(5) })
	h.acq.errs = []error{rateLimited(), rateLimited()}

	require.NoError(t, h.mgr.Bootstrap(context.Background()))
	assert.Equal(t, 3, h.acq.count())
	h.obs.mu.Lock()
	assert.Equal(t, 2, h.obs.retries)
	h.obs.mu.Unlock()
}

func TestDisconnectEventFailsSession(t *testing.T) {
	h := newHarness(t, Config{}, func() *fakeVenue { return newFakeVenue(5) })
	require.NoError(t, h.mgr.Bootstrap(context.Background()))

	h.venue(0).reply("", ctrader.PayloadClientDisconnect, ctrader.ClientDisconnectEvent{Reason: "maintenance"})

	require.Eventually(t, func() bool { return h.mgr.State() == StateFailed }, time.Second, time.Millisecond)
	assert.Contains(t, h.mgr.Snapshot().Error, "maintenance")
	_, err := h.mgr.Submit(context.Background(), command.Request{Type: ctrader.PayloadReconcileReq})
	assert.ErrorIs(t, err, ErrSessionNotReady)
}

func TestTransportLossFailsSession(t *testing.T) {
	h := newHarness(t, Config{}, func() *fakeVenue { return newFakeVenue(5) })
	require.NoError(t, h.mgr.Bootstrap(context.Background()))

	_ = h.venue(0).Close()
	require.Eventually(t, func() bool { return h.mgr.State() == StateFailed }, time.Second, time.Millisecond)
}

func TestRunReconnectsAfterLoss(t *testing.T) {
	h := newHarness(t, Config{AutoReconnect: true}, func() *fakeVenue { return newFakeVenue(5) })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.mgr.Run(ctx) }()

	require.Eventually(t, func() bool { return h.mgr.State() == StateCatalogLoaded }, time.Second, time.Millisecond)
	h.mgr.Reset()
	require.Eventually(t, func() bool { return h.dials() == 2 && h.mgr.State() == StateCatalogLoaded }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
	assert.Equal(t, StateUninitialized, h.mgr.State())
}

func TestRunWithoutReconnectReturnsFailure(t *testing.T) {
	h := newHarness(t, Config{}, func() *fakeVenue { return newFakeVenue() })
	err := h.mgr.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestHeartbeatsGoThroughChannel(t *testing.T) {
	h := newHarness(t, Config{HeartbeatInterval: 5 * time.Millisecond}, func() *fakeVenue { return newFakeVenue(5) })
	require.NoError(t, h.mgr.Bootstrap(context.Background()))

	require.Eventually(t, func() bool {
		for _, pt := range h.venue(0).sentTypes() {
			if pt == ctrader.PayloadHeartbeatEvent {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}
