package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"arbitrage-core/pkg/exchanges/common"
	"arbitrage-core/pkg/exchanges/ctrader"
)

// Credentials identify the application to the OAuth endpoint.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Acquirer obtains a fresh token pair. Pacing rejections must satisfy
// errors.Is(err, common.ErrRateLimited).
type Acquirer interface {
	AcquireTokens(ctx context.Context, creds Credentials) (ctrader.Tokens, error)
}

// RetryPolicy governs the credential acquisition loop.
type RetryPolicy struct {
	// Cooldown is the fixed wait after a rate-limited attempt.
	Cooldown time.Duration
	// MaxAttempts bounds total attempts; zero retries until ctx ends.
	MaxAttempts int
	// Sleep waits for d or until ctx ends; defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy waits 15s between rate-limited attempts, without bound.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Cooldown: 15 * time.Second}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcquireWithRetry calls acq until it succeeds, fails with a non rate-limit error,
// runs out of attempts or ctx ends. onRetry, when set, is called before each cooldown.
func AcquireWithRetry(ctx context.Context, acq Acquirer, creds Credentials, p RetryPolicy, log zerolog.Logger, onRetry func(attempt int, err error)) (ctrader.Tokens, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	for attempt := 1; ; attempt++ {
		tokens, err := acq.AcquireTokens(ctx, creds)
		if err == nil {
			return tokens, nil
		}
		if !common.IsRateLimited(err) {
			return ctrader.Tokens{}, fmt.Errorf("acquire tokens: %w", err)
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return ctrader.Tokens{}, fmt.Errorf("acquire tokens: gave up after %d attempts: %w", attempt, err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("cooldown", p.Cooldown).Msg("credential exchange rate limited, cooling down")
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if err := sleep(ctx, p.Cooldown); err != nil {
			return ctrader.Tokens{}, fmt.Errorf("acquire tokens: %w", err)
		}
	}
}

// CodeSource yields OAuth authorization codes.
type CodeSource interface {
	Code(ctx context.Context) (string, error)
}

// StaticCode is a code supplied out of band (CTRADER_AUTH_CODE).
type StaticCode string

func (s StaticCode) Code(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("no authorization code configured")
	}
	return string(s), nil
}

// SeededCodes yields Seed once, then defers to Next. Authorization codes are single use,
// so a configured code only serves the first acquisition.
type SeededCodes struct {
	Seed string
	Next CodeSource

	mu   sync.Mutex
	used bool
}

func (s *SeededCodes) Code(ctx context.Context) (string, error) {
	s.mu.Lock()
	if !s.used && s.Seed != "" {
		s.used = true
		s.mu.Unlock()
		return s.Seed, nil
	}
	s.mu.Unlock()
	if s.Next == nil {
		return "", errors.New("authorization code already used")
	}
	return s.Next.Code(ctx)
}

// CallbackCodes receives codes delivered to the OAuth redirect handler.
type CallbackCodes struct {
	GrantURL string
	Timeout  time.Duration
	Log      zerolog.Logger

	codes chan string
}

func NewCallbackCodes(grantURL string, timeout time.Duration, log zerolog.Logger) *CallbackCodes {
	return &CallbackCodes{GrantURL: grantURL, Timeout: timeout, Log: log, codes: make(chan string)}
}

// Deliver hands a code to an acquirer blocked in Code. It reports false when nobody is
// waiting; the code is dropped so a stale redirect never reaches a later acquisition.
func (c *CallbackCodes) Deliver(code string) bool {
	select {
	case c.codes <- code:
		return true
	default:
		return false
	}
}

// Code logs the grant URL and waits for the redirect to deliver a code.
func (c *CallbackCodes) Code(ctx context.Context) (string, error) {
	c.Log.Warn().Str("grant_url", c.GrantURL).Msg("cTrader authorization required: open the grant URL to continue")
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	select {
	case code := <-c.codes:
		return code, nil
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for authorization code: %w", ctx.Err())
	}
}

// CodeExchanger trades codes for tokens.
type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (ctrader.Tokens, error)
}

// OAuthAcquirer obtains a code from a CodeSource and exchanges it. A code whose exchange
// was rate limited is kept for the next attempt since the venue did not redeem it.
type OAuthAcquirer struct {
	Codes    CodeSource
	Exchange CodeExchanger

	mu      sync.Mutex
	pending string
}

func (a *OAuthAcquirer) AcquireTokens(ctx context.Context, creds Credentials) (ctrader.Tokens, error) {
	a.mu.Lock()
	code := a.pending
	a.pending = ""
	a.mu.Unlock()

	if code == "" {
		var err error
		if code, err = a.Codes.Code(ctx); err != nil {
			return ctrader.Tokens{}, err
		}
	}
	tokens, err := a.Exchange.ExchangeCode(ctx, code, creds.RedirectURI)
	if err != nil && common.IsRateLimited(err) {
		a.mu.Lock()
		a.pending = code
		a.mu.Unlock()
	}
	return tokens, err
}
