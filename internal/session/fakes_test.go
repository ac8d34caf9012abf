package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"arbitrage-core/pkg/exchanges/common"
	"arbitrage-core/pkg/exchanges/ctrader"
)

// fakeVenue answers the bootstrap commands the way the Open API does.
type fakeVenue struct {
	frames chan ctrader.Frame
	done   chan struct{}
	once   sync.Once

	mu          sync.Mutex
	sent        []ctrader.PayloadType
	accounts    []int64
	symbols     []ctrader.LightSymbol
	rejectToken string
	authTokens  []string
}

func newFakeVenue(accounts ...int64) *fakeVenue {
	return &fakeVenue{
		frames:   make(chan ctrader.Frame, 16),
		done:     make(chan struct{}),
		accounts: accounts,
		symbols: []ctrader.LightSymbol{
			{SymbolID: 1, SymbolName: "EURUSD", Enabled: true},
			{SymbolID: 41, SymbolName: "USDRUB", Enabled: true},
		},
	}
}

func (v *fakeVenue) reply(id string, pt ctrader.PayloadType, payload any) {
	f, _ := ctrader.NewFrame(id, pt, payload)
	v.frames <- f
}

func (v *fakeVenue) Send(_ context.Context, f ctrader.Frame) error {
	v.mu.Lock()
	v.sent = append(v.sent, f.PayloadType)
	reject := v.rejectToken
	v.mu.Unlock()

	switch f.PayloadType {
	case ctrader.PayloadApplicationAuthReq:
		v.reply(f.ClientMsgID, ctrader.PayloadApplicationAuthRes, nil)
	case ctrader.PayloadAccountListReq:
		var req ctrader.AccountListReq
		_ = json.Unmarshal(f.Payload, &req)
		v.mu.Lock()
		v.authTokens = append(v.authTokens, req.AccessToken)
		v.mu.Unlock()
		if req.AccessToken == reject {
			v.reply(f.ClientMsgID, ctrader.PayloadErrorRes, ctrader.ErrorRes{ErrorCode: ctrader.CodeAccessTokenInvalid})
			return nil
		}
		res := ctrader.AccountListRes{AccessToken: req.AccessToken}
		for _, id := range v.accounts {
			res.Accounts = append(res.Accounts, ctrader.TraderAccount{CtidTraderAccountID: ctrader.Int64(id)})
		}
		v.reply(f.ClientMsgID, ctrader.PayloadAccountListRes, res)
	case ctrader.PayloadAccountAuthReq:
		v.reply(f.ClientMsgID, ctrader.PayloadAccountAuthRes, nil)
	case ctrader.PayloadSymbolsListReq:
		v.reply(f.ClientMsgID, ctrader.PayloadSymbolsListRes, ctrader.SymbolsListRes{Symbols: v.symbols})
	case ctrader.PayloadReconcileReq:
		v.reply(f.ClientMsgID, ctrader.PayloadReconcileRes, ctrader.ReconcileRes{})
	}
	return nil
}

func (v *fakeVenue) Frames() <-chan ctrader.Frame { return v.frames }
func (v *fakeVenue) Done() <-chan struct{}        { return v.done }
func (v *fakeVenue) Close() error {
	v.once.Do(func() { close(v.done) })
	return nil
}

func (v *fakeVenue) sentTypes() []ctrader.PayloadType {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]ctrader.PayloadType(nil), v.sent...)
}

// scriptedAcquirer returns the queued errors first, then tokens.
type scriptedAcquirer struct {
	mu     sync.Mutex
	errs   []error
	calls  int
	tokens ctrader.Tokens
}

func (a *scriptedAcquirer) AcquireTokens(context.Context, Credentials) (ctrader.Tokens, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		return ctrader.Tokens{}, err
	}
	return a.tokens, nil
}

func (a *scriptedAcquirer) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func rateLimited() error {
	return &common.RateLimitError{Venue: common.VenueCtrader, Endpoint: "/apps/token"}
}

type memStore struct {
	mu      sync.Mutex
	tokens  *ctrader.Tokens
	cleared int
}

func (s *memStore) LoadTokens(context.Context) (ctrader.Tokens, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens == nil {
		return ctrader.Tokens{}, false, nil
	}
	return *s.tokens, true, nil
}

func (s *memStore) SaveTokens(_ context.Context, t ctrader.Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = &t
	return nil
}

func (s *memStore) ClearTokens(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = nil
	s.cleared++
	return nil
}

type recordingObserver struct {
	mu      sync.Mutex
	states  []State
	retries int
}

func (o *recordingObserver) SessionState(s Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s.State)
}

func (o *recordingObserver) CredentialRetry() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func (o *recordingObserver) seen() []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]State(nil), o.states...)
}

func noSleep(context.Context, time.Duration) error { return nil }
