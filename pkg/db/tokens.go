package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"arbitrage-core/pkg/crypto"
	"arbitrage-core/pkg/exchanges/ctrader"
)

// TokenStore persists one venue's OAuth tokens. Payloads are sealed when a Sealer is set.
type TokenStore struct {
	db     *Database
	venue  string
	sealer *crypto.Sealer
}

// NewTokenStore returns a store for venue; sealer may be nil.
func NewTokenStore(d *Database, venue string, sealer *crypto.Sealer) *TokenStore {
	return &TokenStore{db: d, venue: venue, sealer: sealer}
}

// LoadTokens returns the stored tokens; ok is false when nothing is stored.
func (s *TokenStore) LoadTokens(ctx context.Context) (ctrader.Tokens, bool, error) {
	var payload string
	err := s.db.DB.QueryRowContext(ctx, `SELECT payload FROM venue_tokens WHERE venue = ?`, s.venue).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ctrader.Tokens{}, false, nil
	}
	if err != nil {
		return ctrader.Tokens{}, false, fmt.Errorf("load tokens: %w", err)
	}

	raw := []byte(payload)
	if crypto.IsSealed(payload) {
		if s.sealer == nil {
			return ctrader.Tokens{}, false, errors.New("load tokens: stored tokens are encrypted but no key is configured")
		}
		if raw, err = s.sealer.Open(payload); err != nil {
			return ctrader.Tokens{}, false, fmt.Errorf("load tokens: %w", err)
		}
	}
	var t ctrader.Tokens
	if err := json.Unmarshal(raw, &t); err != nil {
		return ctrader.Tokens{}, false, fmt.Errorf("decode tokens: %w", err)
	}
	return t, true, nil
}

// SaveTokens upserts the token pair.
func (s *TokenStore) SaveTokens(ctx context.Context, t ctrader.Tokens) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}
	payload := string(raw)
	if s.sealer != nil {
		if payload, err = s.sealer.Seal(raw); err != nil {
			return fmt.Errorf("seal tokens: %w", err)
		}
	}
	var expires any
	if exp := t.ExpiresAt(); !exp.IsZero() {
		expires = exp.UTC()
	}
	_, err = s.db.DB.ExecContext(ctx, `
		INSERT INTO venue_tokens (venue, payload, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(venue) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		s.venue, payload, expires, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	return nil
}

// ClearTokens removes the stored pair.
func (s *TokenStore) ClearTokens(ctx context.Context) error {
	if _, err := s.db.DB.ExecContext(ctx, `DELETE FROM venue_tokens WHERE venue = ?`, s.venue); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}
