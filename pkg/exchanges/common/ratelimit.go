package common

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrRateLimited marks a venue rejection caused by request pacing (HTTP 429 or equivalent).
var ErrRateLimited = errors.New("rate limited by venue")

// RateLimitError carries the venue's pacing rejection details.
type RateLimitError struct {
	Venue      Venue
	Endpoint   string
	RetryAfter time.Duration // zero when the venue did not say
	Body       string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s %s: rate limited (retry after %v)", e.Venue, e.Endpoint, e.RetryAfter)
	}
	return fmt.Sprintf("%s %s: rate limited", e.Venue, e.Endpoint)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// IsRateLimited reports whether err is a pacing rejection.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// RateLimitFromResponse returns a *RateLimitError for 429 responses and nil otherwise.
func RateLimitFromResponse(venue Venue, endpoint string, res *http.Response, body []byte) error {
	if res == nil || res.StatusCode != http.StatusTooManyRequests {
		return nil
	}
	e := &RateLimitError{Venue: venue, Endpoint: endpoint, Body: string(body)}
	if v := res.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}
