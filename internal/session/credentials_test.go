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

	"arbitrage-core/pkg/exchanges/common"
	"arbitrage-core/pkg/exchanges/ctrader"
)

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slept = append(r.slept, d)
	return nil
}

func TestAcquireTwoRateLimitsThenSuccess(t *testing.T) {
	acq := &scriptedAcquirer{
		errs:   []error{rateLimited(), rateLimited()},
		tokens: ctrader.Tokens{AccessToken: "fresh"},
	}
	rec := &sleepRecorder{}
	retries := 0

	tokens, err := AcquireWithRetry(context.Background(), acq, Credentials{}, RetryPolicy{Cooldown: 15 * time.Second, Sleep: rec.sleep},
		zerolog.Nop(), func(int, error) { retries++ })
	require.NoError(t, err)
	assert.Equal(t, "fresh", tokens.AccessToken)
	assert.Equal(t, 3, acq.count())
	assert.Equal(t, []time.Duration{15 * time.Second, 15 * time.Second}, rec.slept)
	assert.Equal(t, 2, retries)
}

func TestAcquireGivesUpAfterMaxAttempts(t *testing.T) {
	acq := &scriptedAcquirer{errs: []error{rateLimited(), rateLimited(), rateLimited(), rateLimited()}}
	rec := &sleepRecorder{}

	_, err := AcquireWithRetry(context.Background(), acq, Credentials{}, RetryPolicy{Cooldown: time.Second, MaxAttempts: 3, Sleep: rec.sleep}, zerolog.Nop(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrRateLimited)
	assert.Equal(t, 3, acq.count())
	assert.Len(t, rec.slept, 2)
}

func TestAcquireOtherErrorsAreNotRetried(t *testing.T) {
	boom := errors.New("invalid client")
	acq := &scriptedAcquirer{errs: []error{boom}}
	rec := &sleepRecorder{}

	_, err := AcquireWithRetry(context.Background(), acq, Credentials{}, RetryPolicy{Cooldown: time.Second, Sleep: rec.sleep}, zerolog.Nop(), nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, acq.count())
	assert.Empty(t, rec.slept)
}

func TestAcquireStopsWhenContextEnds(t *testing.T) {
	acq := &scriptedAcquirer{errs: []error{rateLimited()}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := AcquireWithRetry(ctx, acq, Credentials{}, RetryPolicy{Cooldown: time.Hour}, zerolog.Nop(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeExchange struct {
	codes []string
	errs  []error
}

func (f *fakeExchange) ExchangeCode(_ context.Context, code, _ string) (ctrader.Tokens, error) {
	f.codes = append(f.codes, code)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return ctrader.Tokens{}, err
	}
	return ctrader.Tokens{AccessToken: "at-" + code}, nil
}

func TestOAuthAcquirerReusesUnredeemedCode(t *testing.T) {
	codes := &SeededCodes{Seed: "c1"}
	ex := &fakeExchange{errs: []error{rateLimited()}}
	acq := &OAuthAcquirer{Codes: codes, Exchange: ex}

	_, err := acq.AcquireTokens(context.Background(), Credentials{RedirectURI: "r"})
	require.True(t, common.IsRateLimited(err))

	tok, err := acq.AcquireTokens(context.Background(), Credentials{RedirectURI: "r"})
	require.NoError(t, err)
	assert.Equal(t, "at-c1", tok.AccessToken)
	assert.Equal(t, []string{"c1", "c1"}, ex.codes)
}

func TestCallbackCodesWaitsForDelivery(t *testing.T) {
	codes := NewCallbackCodes("https://grant", time.Second, zerolog.Nop())
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for !codes.Deliver("late") {
			time.Sleep(time.Millisecond)
		}
	}()
	code, err := codes.Code(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "late", code)
	<-delivered
}

func TestCallbackCodesDropsCodeWithoutWaiter(t *testing.T) {
	codes := NewCallbackCodes("https://grant", 30*time.Millisecond, zerolog.Nop())
	assert.False(t, codes.Deliver("stale"))

	_, err := codes.Code(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallbackCodesTimeout(t *testing.T) {
	codes := NewCallbackCodes("https://grant", 20*time.Millisecond, zerolog.Nop())
	_, err := codes.Code(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStaticCode(t *testing.T) {
	code, err := StaticCode("abc").Code(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", code)
	_, err = StaticCode("").Code(context.Background())
	assert.Error(t, err)
}

func TestSeededCodesFallsBackAfterFirstUse(t *testing.T) {
	src := &SeededCodes{Seed: "seed", Next: StaticCode("fresh")}
	code, err := src.Code(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "seed", code)

	code, err = src.Code(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", code)

	_, err = (&SeededCodes{Seed: "once"}).Code(context.Background())
	require.NoError(t, err)
}
