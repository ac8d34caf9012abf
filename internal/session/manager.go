package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"arbitrage-core/internal/command"
	"arbitrage-core/pkg/exchanges/ctrader"
)

// Conn is a dialed venue connection.
type Conn interface {
	command.Transport
	Close() error
}

// DialFunc opens a venue connection.
type DialFunc func(ctx context.Context, endpoint string) (Conn, error)

// TokenStore persists the token pair between runs.
type TokenStore interface {
	LoadTokens(ctx context.Context) (ctrader.Tokens, bool, error)
	SaveTokens(ctx context.Context, t ctrader.Tokens) error
	ClearTokens(ctx context.Context) error
}

// Refresher trades a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (ctrader.Tokens, error)
}

// Observer is told about every state change and credential retry.
type Observer interface {
	SessionState(Snapshot)
	CredentialRetry()
}

// Config holds the session parameters.
type Config struct {
	Endpoint          string
	Credentials       Credentials
	AccountID         int64 // zero selects the first granted account
	SeedRefreshToken  string
	CommandInterval   time.Duration
	CommandTimeout    time.Duration
	HeartbeatInterval time.Duration
	Retry             RetryPolicy
	AutoReconnect     bool
	Reconnect         Backoff
}

// Deps are the collaborators of a Manager. Store, Refresher and Observer are optional.
type Deps struct {
	Dial      DialFunc
	Acquirer  Acquirer
	Store     TokenStore
	Refresher Refresher
	Observer  Observer
	Channel   command.Observer
	Logger    zerolog.Logger
}

// live is one bootstrapped connection.
type live struct {
	conn    Conn
	ch      *command.Channel
	cancel  context.CancelFunc
	lost    chan struct{}
	once    sync.Once
	account int64
	token   string
	catalog *Catalog
}

// Manager is the single writer of session state. Dependents hold a pointer to it and
// issue commands through Submit.
type Manager struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	mu      sync.RWMutex
	state   State
	lastErr error
	since   time.Time
	cur     *live

	bootMu sync.Mutex
}

func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.Retry.Cooldown <= 0 {
		cfg.Retry.Cooldown = 15 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	if cfg.Reconnect == (Backoff{}) {
		cfg.Reconnect = DefaultBackoff()
	}
	return &Manager{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Logger.With().Str("component", "session").Logger(),
		state: StateUninitialized,
		since: time.Now(),
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Snapshot returns the current state with account and catalog details.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	s := Snapshot{State: m.state, StateName: m.state.String(), Since: m.since}
	if m.lastErr != nil {
		s.Error = m.lastErr.Error()
	}
	if m.cur != nil {
		s.AccountID = m.cur.account
		s.Symbols = m.cur.catalog.Len()
	}
	return s
}

// AccountID is the authenticated trading account, zero while not ready.
func (m *Manager) AccountID() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil || !m.state.Ready() {
		return 0
	}
	return m.cur.account
}

// Resolve looks symbol up in the loaded catalog.
func (m *Manager) Resolve(symbol string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil || !m.state.Ready() {
		return 0, ErrSessionNotReady
	}
	return m.cur.catalog.Resolve(symbol)
}

// SymbolName maps an internal id back to its catalog name.
func (m *Manager) SymbolName(id int64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil {
		return "", false
	}
	return m.cur.catalog.Name(id)
}

// Submit sends a trading command. It fails with ErrSessionNotReady unless the catalog is loaded.
func (m *Manager) Submit(ctx context.Context, req command.Request) (ctrader.Frame, error) {
	m.mu.RLock()
	if m.cur == nil || !m.state.Ready() {
		m.mu.RUnlock()
		return ctrader.Frame{}, ErrSessionNotReady
	}
	ch := m.cur.ch
	m.mu.RUnlock()
	return ch.Submit(ctx, req)
}

func (m *Manager) setState(s State, err error) {
	m.mu.Lock()
	if m.state == s && err == nil {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.lastErr = err
	m.since = time.Now()
	snap := m.snapshotLocked()
	m.mu.Unlock()

	ev := m.log.Info()
	if err != nil {
		ev = m.log.Error().Err(err)
	}
	ev.Str("state", s.String()).Int64("account", snap.AccountID).Msg("session state")
	if m.deps.Observer != nil {
		m.deps.Observer.SessionState(snap)
	}
}

// Bootstrap runs the state machine once, from credentials to a loaded catalog.
// Any previous session is torn down first. On error the state is FAILED.
func (m *Manager) Bootstrap(ctx context.Context) error {
	m.bootMu.Lock()
	defer m.bootMu.Unlock()

	m.teardown(nil)
	err := m.bootstrap(ctx)
	if err != nil {
		m.setState(StateFailed, err)
	}
	return err
}

func (m *Manager) bootstrap(ctx context.Context) error {
	m.setState(StateCredentialsPending, nil)
	tokens, cached, err := m.credentials(ctx)
	if err != nil {
		return err
	}
	err = m.connect(ctx, tokens)
	if err == nil || !cached || !tokenRejected(err) {
		return err
	}

	m.log.Warn().Err(err).Msg("cached access token rejected, acquiring a new one")
	if m.deps.Store != nil {
		if cerr := m.deps.Store.ClearTokens(ctx); cerr != nil {
			m.log.Warn().Err(cerr).Msg("clear cached tokens")
		}
	}
	m.setState(StateCredentialsPending, nil)
	if tokens, err = m.acquire(ctx); err != nil {
		return err
	}
	return m.connect(ctx, tokens)
}

func tokenRejected(err error) bool {
	var ve *ctrader.VenueError
	return errors.As(err, &ve) && ve.TokenInvalid()
}

// credentials returns usable tokens and whether they came from the cache.
func (m *Manager) credentials(ctx context.Context) (ctrader.Tokens, bool, error) {
	var cached ctrader.Tokens
	var ok bool
	if m.deps.Store != nil {
		var err error
		cached, ok, err = m.deps.Store.LoadTokens(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("load cached tokens")
			ok = false
		}
	}
	if ok && !cached.Expired(time.Now(), time.Minute) {
		return cached, true, nil
	}

	refresh := m.cfg.SeedRefreshToken
	if ok && cached.RefreshToken != "" {
		refresh = cached.RefreshToken
	}
	if refresh != "" && m.deps.Refresher != nil {
		t, err := m.deps.Refresher.Refresh(ctx, refresh)
		if err == nil {
			m.save(ctx, t)
			return t, true, nil
		}
		m.log.Warn().Err(err).Msg("token refresh failed, acquiring new authorization")
	}

	t, err := m.acquire(ctx)
	return t, false, err
}

func (m *Manager) acquire(ctx context.Context) (ctrader.Tokens, error) {
	if m.deps.Acquirer == nil {
		return ctrader.Tokens{}, errors.New("no credential acquirer configured")
	}
	onRetry := func(int, error) {
		if m.deps.Observer != nil {
			m.deps.Observer.CredentialRetry()
		}
	}
	t, err := AcquireWithRetry(ctx, m.deps.Acquirer, m.cfg.Credentials, m.cfg.Retry, m.log, onRetry)
	if err != nil {
		return ctrader.Tokens{}, err
	}
	m.save(ctx, t)
	return t, nil
}

func (m *Manager) save(ctx context.Context, t ctrader.Tokens) {
	if m.deps.Store == nil {
		return
	}
	if err := m.deps.Store.SaveTokens(ctx, t); err != nil {
		m.log.Warn().Err(err).Msg("persist tokens")
	}
}

func (m *Manager) connect(ctx context.Context, tokens ctrader.Tokens) (err error) {
	m.setState(StateConnecting, nil)
	conn, err := m.deps.Dial(ctx, m.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	ch := command.New(conn, command.Options{
		MinInterval: m.cfg.CommandInterval,
		Timeout:     m.cfg.CommandTimeout,
		Logger:      m.log,
		Observer:    m.deps.Channel,
	})
	defer func() {
		if err != nil {
			ch.Close()
			_ = conn.Close()
		}
	}()

	if _, err = ch.Submit(ctx, command.Request{
		Type:    ctrader.PayloadApplicationAuthReq,
		Payload: ctrader.ApplicationAuthReq{ClientID: m.cfg.Credentials.ClientID, ClientSecret: m.cfg.Credentials.ClientSecret},
	}); err != nil {
		return fmt.Errorf("application auth: %w", err)
	}
	m.setState(StateAppAuthenticated, nil)

	account, err := m.selectAccount(ctx, ch, tokens.AccessToken)
	if err != nil {
		return err
	}
	s := &live{conn: conn, ch: ch, account: account, token: tokens.AccessToken, lost: make(chan struct{})}
	m.mu.Lock()
	m.cur = s
	m.mu.Unlock()
	m.setState(StateAccountSelected, nil)

	if _, err = ch.Submit(ctx, command.Request{
		Type:    ctrader.PayloadAccountAuthReq,
		Payload: ctrader.AccountAuthReq{CtidTraderAccountID: account, AccessToken: tokens.AccessToken},
	}); err != nil {
		m.clearCurrent(s)
		return fmt.Errorf("account auth: %w", err)
	}
	m.setState(StateAccountAuthenticated, nil)

	f, err := ch.Submit(ctx, command.Request{
		Type:    ctrader.PayloadSymbolsListReq,
		Payload: ctrader.SymbolsListReq{CtidTraderAccountID: account},
	})
	if err != nil {
		m.clearCurrent(s)
		return fmt.Errorf("symbols list: %w", err)
	}
	var res ctrader.SymbolsListRes
	if err = f.Decode(&res); err != nil {
		m.clearCurrent(s)
		return err
	}
	catalog := NewCatalog(res.Symbols)

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	s.catalog = catalog
	s.cancel = cancel
	m.mu.Unlock()
	m.setState(StateCatalogLoaded, nil)

	go m.keepAlive(runCtx, s)
	go m.watch(runCtx, s)
	return nil
}

func (m *Manager) clearCurrent(s *live) {
	m.mu.Lock()
	if m.cur == s {
		m.cur = nil
	}
	m.mu.Unlock()
}

func (m *Manager) selectAccount(ctx context.Context, ch *command.Channel, token string) (int64, error) {
	f, err := ch.Submit(ctx, command.Request{
		Type:    ctrader.PayloadAccountListReq,
		Payload: ctrader.AccountListReq{AccessToken: token},
	})
	if err != nil {
		return 0, fmt.Errorf("account list: %w", err)
	}
	var res ctrader.AccountListRes
	if err := f.Decode(&res); err != nil {
		return 0, err
	}
	if len(res.Accounts) == 0 {
		return 0, ErrNoAccount
	}
	if want := m.cfg.AccountID; want != 0 {
		for _, a := range res.Accounts {
			if int64(a.CtidTraderAccountID) == want {
				return want, nil
			}
		}
		return 0, fmt.Errorf("%w: %d", ErrAccountNotFound, want)
	}
	chosen := int64(res.Accounts[0].CtidTraderAccountID)
	if len(res.Accounts) > 1 {
		m.log.Warn().Int("accounts", len(res.Accounts)).Int64("chosen", chosen).
			Msg("access token grants several accounts, using the first; set CTRADER_ACCOUNT_ID to choose")
	}
	return chosen, nil
}

func (m *Manager) keepAlive(ctx context.Context, s *live) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := s.ch.Submit(ctx, command.Request{Type: ctrader.PayloadHeartbeatEvent, NoReply: true})
			if err != nil && ctx.Err() == nil {
				m.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// watch fails the session on transport loss or venue disconnect events.
func (m *Manager) watch(ctx context.Context, s *live) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ch.Done():
			m.lose(s, fmt.Errorf("%w: transport closed", ErrSessionLost))
			return
		case f := <-s.ch.Events():
			switch f.PayloadType {
			case ctrader.PayloadClientDisconnect:
				var ev ctrader.ClientDisconnectEvent
				_ = f.Decode(&ev)
				m.lose(s, fmt.Errorf("%w: venue disconnected client: %s", ErrSessionLost, ev.Reason))
				return
			case ctrader.PayloadTokenInvalidated:
				var ev ctrader.TokenInvalidatedEvent
				_ = f.Decode(&ev)
				if m.deps.Store != nil {
					if err := m.deps.Store.ClearTokens(context.Background()); err != nil {
						m.log.Warn().Err(err).Msg("clear invalidated tokens")
					}
				}
				m.lose(s, fmt.Errorf("%w: access token invalidated: %s", ErrSessionLost, ev.Reason))
				return
			default:
				m.log.Debug().Str("type", f.PayloadType.String()).Msg("unsolicited frame")
			}
		}
	}
}

// lose tears s down and marks the manager FAILED if s is still current.
func (m *Manager) lose(s *live, err error) {
	m.mu.Lock()
	current := m.cur == s
	if current {
		m.cur = nil
	}
	m.mu.Unlock()
	if current {
		m.setState(StateFailed, err)
	}
	m.closeLive(s)
}

func (m *Manager) closeLive(s *live) {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.ch.Close()
		_ = s.conn.Close()
		close(s.lost)
	})
}

func (m *Manager) teardown(err error) {
	m.mu.Lock()
	s := m.cur
	m.cur = nil
	m.mu.Unlock()
	if s == nil {
		return
	}
	if err != nil {
		m.setState(StateFailed, err)
	}
	m.closeLive(s)
}

// Reset tears the current session down. A running supervisor re-bootstraps it.
func (m *Manager) Reset() {
	m.log.Warn().Msg("session reset requested")
	m.teardown(ErrSessionReset)
}

// Close tears the session down without marking it failed.
func (m *Manager) Close() {
	m.teardown(nil)
	m.setState(StateUninitialized, nil)
}

func (m *Manager) lostChan() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil {
		return nil
	}
	return m.cur.lost
}

// Run bootstraps the session and, when AutoReconnect is set, re-bootstraps it with
// backoff every time it fails. It returns when ctx ends, or on the first failure when
// AutoReconnect is off.
func (m *Manager) Run(ctx context.Context) error {
	sleep := m.cfg.Retry.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	attempt := 0
	for {
		err := m.Bootstrap(ctx)
		if ctx.Err() != nil {
			m.Close()
			return ctx.Err()
		}
		if err == nil {
			attempt = 0
			if lost := m.lostChan(); lost != nil {
				select {
				case <-ctx.Done():
					m.Close()
					return ctx.Err()
				case <-lost:
				}
			}
			err = ErrSessionLost
		}
		if !m.cfg.AutoReconnect {
			return err
		}
		attempt++
		delay := m.cfg.Reconnect.Next(attempt)
		m.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("session down, reconnecting")
		if err := sleep(ctx, delay); err != nil {
			m.Close()
			return err
		}
	}
}
