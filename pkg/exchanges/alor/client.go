// Package alor is a REST client for the Alor brokerage (MOEX): positions, quotes and orders.
package alor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"arbitrage-core/pkg/cache"
	"arbitrage-core/pkg/exchanges/common"
)

const (
	DefaultAPIURL   = "https://api.alor.ru"
	DefaultOAuthURL = "https://oauth.alor.ru"
	DefaultExchange = "MOEX"

	securityTTL = time.Hour
)

// Config configures a Client.
type Config struct {
	APIURL       string
	OAuthURL     string
	RefreshToken string
	Portfolio    string
	Exchange     string
	// OrderMode selects how market orders are placed: "market" uses the market order
	// endpoint, "limit" sends a marketable limit order priced off the current quote.
	OrderMode   string
	SlippageBps float64
	HTTPClient  *http.Client
}

// Client talks to the Alor trading API for one portfolio.
type Client struct {
	cfg        Config
	http       *http.Client
	tokens     *tokenSource
	placer     orderPlacer
	log        zerolog.Logger
	securities *cache.Sharded[Security]
}

// NewClient validates cfg and fixes the order placement strategy.
func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.RefreshToken == "" || cfg.Portfolio == "" {
		return nil, fmt.Errorf("alor: refresh token and portfolio are required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.OAuthURL == "" {
		cfg.OAuthURL = DefaultOAuthURL
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	placer, err := newOrderPlacer(cfg.OrderMode, cfg.SlippageBps)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:        cfg,
		http:       hc,
		tokens:     newTokenSource(cfg.OAuthURL, cfg.RefreshToken, hc),
		placer:     placer,
		log:        log.With().Str("component", "alor").Logger(),
		securities: cache.New[Security](securityTTL),
	}, nil
}

// Portfolio is the configured portfolio id.
func (c *Client) Portfolio() string { return c.cfg.Portfolio }

// Exchange is the configured exchange code.
func (c *Client) Exchange() string { return c.cfg.Exchange }

// OrderMode reports the fixed placement strategy.
func (c *Client) OrderMode() string { return c.placer.mode() }

// GetPositions returns every position of the portfolio on the configured exchange.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	path := fmt.Sprintf("/md/v2/Clients/%s/%s/positions", url.PathEscape(c.cfg.Exchange), url.PathEscape(c.cfg.Portfolio))
	var out []Position
	if err := c.do(ctx, http.MethodGet, path, url.Values{"format": {"Simple"}}, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetQuote returns the current quote for symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	path := fmt.Sprintf("/md/v2/Securities/%s:%s/quotes", url.PathEscape(c.cfg.Exchange), url.PathEscape(symbol))
	var out []Quote
	if err := c.do(ctx, http.MethodGet, path, url.Values{"format": {"Simple"}}, nil, nil, &out); err != nil {
		return Quote{}, err
	}
	if len(out) == 0 {
		return Quote{}, fmt.Errorf("alor: no quote for %s", symbol)
	}
	return out[0], nil
}

// GetSecurity returns instrument parameters, cached per symbol for an hour.
func (c *Client) GetSecurity(ctx context.Context, symbol string) (Security, error) {
	if sec, ok := c.securities.Get(symbol); ok {
		return sec, nil
	}
	var sec Security
	path := fmt.Sprintf("/md/v2/Securities/%s/%s", url.PathEscape(c.cfg.Exchange), url.PathEscape(symbol))
	if err := c.do(ctx, http.MethodGet, path, url.Values{"format": {"Simple"}}, nil, nil, &sec); err != nil {
		return Security{}, err
	}
	c.securities.Set(symbol, sec)
	return sec, nil
}

// CreateMarketOrder places an order that executes immediately for qty lots.
func (c *Client) CreateMarketOrder(ctx context.Context, symbol string, side common.Side, qty float64) (common.OrderAck, error) {
	if qty <= 0 {
		return common.OrderAck{}, fmt.Errorf("alor: order quantity must be positive, got %v", qty)
	}
	if side != common.SideBuy && side != common.SideSell {
		return common.OrderAck{}, fmt.Errorf("alor: invalid side %q", side)
	}
	ack, err := c.placer.place(ctx, c, symbol, side, qty)
	if err != nil {
		return common.OrderAck{}, err
	}
	c.log.Info().Str("symbol", symbol).Str("side", string(side)).Float64("qty", qty).
		Str("order", ack.OrderID).Str("mode", c.placer.mode()).Msg("order placed")
	return ack, nil
}

func (c *Client) submitOrder(ctx context.Context, kind string, req orderRequest) (common.OrderAck, error) {
	req.Instrument = instrument{Symbol: req.Instrument.Symbol, Exchange: c.cfg.Exchange}
	req.User = user{Portfolio: c.cfg.Portfolio}
	headers := http.Header{}
	headers.Set("X-REQID", c.cfg.Portfolio+";"+uuid.NewString())

	var out orderResponse
	path := "/commandapi/warptrans/TRADE/v2/client/orders/actions/" + kind
	if err := c.do(ctx, http.MethodPost, path, nil, req, headers, &out); err != nil {
		return common.OrderAck{}, err
	}
	return common.OrderAck{
		Venue:   common.VenueAlor,
		OrderID: out.OrderNumber,
		Symbol:  req.Instrument.Symbol,
		Side:    common.Side(strings.ToUpper(req.Side)),
		Qty:     req.Quantity,
		Status:  common.StatusAccepted,
	}, nil
}

// do performs an authorized request. A 401 refreshes the token and retries once.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, headers http.Header, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("alor encode %s: %w", path, err)
		}
	}
	for attempt := 0; ; attempt++ {
		status, resp, err := c.send(ctx, method, path, query, payload, headers)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized && attempt == 0 {
			c.tokens.Invalidate()
			continue
		}
		if status >= 300 {
			return fmt.Errorf("alor %s %s status %d: %s", method, path, status, strings.TrimSpace(string(resp)))
		}
		if out == nil || len(resp) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp, out); err != nil {
			return fmt.Errorf("alor decode %s: %w", path, err)
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, payload []byte, headers http.Header) (int, []byte, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, nil, err
	}
	endpoint := c.cfg.APIURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("alor %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if rl := common.RateLimitFromResponse(common.VenueAlor, path, res, body); rl != nil {
		return 0, nil, rl
	}
	return res.StatusCode, body, nil
}
