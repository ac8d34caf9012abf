package ctrader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"arbitrage-core/pkg/exchanges/common"
)

const (
	DefaultOAuthURL = "https://openapi.ctrader.com"
	grantURL        = "https://id.ctrader.com/my/settings/openapi/grantingaccess"
)

// Tokens is the OAuth token pair for the Open API.
type Tokens struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	TokenType    string    `json:"tokenType"`
	ExpiresIn    int64     `json:"expiresIn"`
	ObtainedAt   time.Time `json:"obtainedAt"`
}

// ExpiresAt is zero when the venue did not report a lifetime.
func (t Tokens) ExpiresAt() time.Time {
	if t.ExpiresIn <= 0 || t.ObtainedAt.IsZero() {
		return time.Time{}
	}
	return t.ObtainedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Expired reports whether the access token is past (or within skew of) its expiry.
func (t Tokens) Expired(now time.Time, skew time.Duration) bool {
	exp := t.ExpiresAt()
	return !exp.IsZero() && now.Add(skew).After(exp)
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
	ErrorCode    string `json:"errorCode"`
	Description  string `json:"description"`
}

// OAuthClient talks to the Open API token endpoint.
type OAuthClient struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTP         *http.Client
}

func NewOAuthClient(baseURL, clientID, clientSecret string) *OAuthClient {
	if baseURL == "" {
		baseURL = DefaultOAuthURL
	}
	return &OAuthClient{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTP:         &http.Client{Timeout: 10 * time.Second},
	}
}

// GrantURL is the page where the account owner grants the application access.
func GrantURL(clientID, redirectURI string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", "trading")
	return grantURL + "?" + q.Encode()
}

// ExchangeCode trades an authorization code for tokens.
// HTTP 429 is returned as a *common.RateLimitError.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code, redirectURI string) (Tokens, error) {
	q := url.Values{}
	q.Set("grant_type", "authorization_code")
	q.Set("code", code)
	q.Set("redirect_uri", redirectURI)
	return c.token(ctx, q)
}

// Refresh trades a refresh token for a new token pair.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	q := url.Values{}
	q.Set("grant_type", "refresh_token")
	q.Set("refresh_token", refreshToken)
	return c.token(ctx, q)
}

func (c *OAuthClient) token(ctx context.Context, q url.Values) (Tokens, error) {
	q.Set("client_id", c.ClientID)
	q.Set("client_secret", c.ClientSecret)
	endpoint := c.BaseURL + "/apps/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return Tokens{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusTooManyRequests {
		return Tokens{}, common.RateLimitFromResponse(common.VenueCtrader, "/apps/token", resp, body)
	}
	if resp.StatusCode >= 300 {
		return Tokens{}, fmt.Errorf("token request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Tokens{}, fmt.Errorf("decode token response: %w", err)
	}
	if tr.ErrorCode != "" {
		return Tokens{}, fmt.Errorf("token request: %s: %s", tr.ErrorCode, tr.Description)
	}
	if tr.AccessToken == "" {
		return Tokens{}, fmt.Errorf("token request: empty access token")
	}
	return Tokens{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresIn:    tr.ExpiresIn,
		ObtainedAt:   time.Now().UTC(),
	}, nil
}
