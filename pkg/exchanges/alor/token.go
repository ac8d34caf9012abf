package alor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"arbitrage-core/pkg/exchanges/common"
)

const (
	tokenSkew        = 30 * time.Second
	fallbackTokenTTL = 10 * time.Minute
)

// tokenSource exchanges the long-lived refresh token for short-lived JWT access tokens
// and caches each one until shortly before its exp claim.
type tokenSource struct {
	oauthURL string
	refresh  string
	http     *http.Client
	now      func() time.Time

	mu      sync.Mutex
	access  string
	expires time.Time
}

func newTokenSource(oauthURL, refresh string, hc *http.Client) *tokenSource {
	return &tokenSource{
		oauthURL: strings.TrimRight(oauthURL, "/"),
		refresh:  refresh,
		http:     hc,
		now:      time.Now,
	}
}

// Token returns a valid access token, refreshing it when needed.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.access != "" && s.now().Add(tokenSkew).Before(s.expires) {
		return s.access, nil
	}
	access, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	s.access = access
	s.expires = s.expiry(access)
	return access, nil
}

// Invalidate drops the cached token so the next call refreshes it.
func (s *tokenSource) Invalidate() {
	s.mu.Lock()
	s.access = ""
	s.mu.Unlock()
}

func (s *tokenSource) expiry(access string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return s.now().Add(fallbackTokenTTL)
}

func (s *tokenSource) fetch(ctx context.Context) (string, error) {
	endpoint := s.oauthURL + "/refresh?token=" + url.QueryEscape(s.refresh)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	res, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("alor token refresh: %w", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if rl := common.RateLimitFromResponse(common.VenueAlor, "/refresh", res, body); rl != nil {
		return "", rl
	}
	if res.StatusCode >= 300 {
		return "", fmt.Errorf("alor token refresh status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out refreshResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode alor token: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("alor token refresh: empty access token")
	}
	return out.AccessToken, nil
}
