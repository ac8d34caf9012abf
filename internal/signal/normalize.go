package signal

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"arbitrage-core/pkg/config"
	"arbitrage-core/pkg/exchanges/common"
)

// ErrBadPassphrase rejects payloads that do not carry the configured webhook secret.
var ErrBadPassphrase = errors.New("webhook passphrase mismatch")

// Options carry the intake configuration.
type Options struct {
	// Pairs resolves a bare "symbol" to the venue symbols.
	Pairs config.Pairs
	// Secret, when set, must equal the payload's "passphrase" field.
	Secret string
}

// Payload is a decoded webhook body. TradingView sends loosely typed JSON, so fields are
// read leniently.
type Payload map[string]any

// ParsePayload decodes a JSON object body.
func ParsePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &ValidationError{Field: "body", Reason: "must be a JSON object"}
	}
	if p == nil {
		return nil, &ValidationError{Field: "body", Reason: "must be a JSON object"}
	}
	return p, nil
}

// Normalize applies the intake defaults and validates the result:
// action defaults to close when a truthy "close" field is present, else open;
// side defaults to buy when a truthy "buy" field is present, else sell;
// venue symbols fall back to the pairs entry for "symbol", then to "symbol" itself;
// an absent volume is 1.
func Normalize(p Payload, opts Options) (Signal, error) {
	if opts.Secret != "" {
		got := p.str("passphrase")
		if subtle.ConstantTimeCompare([]byte(got), []byte(opts.Secret)) != 1 {
			return Signal{}, ErrBadPassphrase
		}
	}

	action := Action(strings.ToLower(p.str("action")))
	if action == "" {
		action = ActionOpen
		if p.truthy("close") {
			action = ActionClose
		}
	}

	sideRaw := p.str("side")
	side := common.SideSell
	if sideRaw == "" {
		if p.truthy("buy") {
			side = common.SideBuy
		}
	} else {
		var ok bool
		if side, ok = common.ParseSide(sideRaw); !ok {
			return Signal{}, &ValidationError{Field: "side", Reason: fmt.Sprintf("must be buy or sell, got %q", sideRaw)}
		}
	}

	symbol := p.str("symbol")
	alorSym := p.str("alorSymbol")
	ctraderSym := p.str("ctraderSymbol")
	if alorSym == "" || ctraderSym == "" {
		key := firstNonEmpty(symbol, alorSym, ctraderSym)
		if pair, ok := opts.Pairs.Lookup(key); ok && key != "" {
			alorSym = firstNonEmpty(alorSym, pair.Alor)
			ctraderSym = firstNonEmpty(ctraderSym, pair.Ctrader)
		}
	}
	alorSym = firstNonEmpty(alorSym, symbol)
	ctraderSym = firstNonEmpty(ctraderSym, symbol)

	qty := 1.0
	if v, present := p["volume"]; present && v != nil {
		n, err := toFloat(v)
		if err != nil {
			return Signal{}, &ValidationError{Field: "volume", Reason: "must be a number"}
		}
		qty = n
	}

	return New(action, alorSym, ctraderSym, qty, side)
}

func (p Payload) str(key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func (p Payload) truthy(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(v))
		return s != "" && s != "false" && s != "0"
	default:
		return v != nil
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("unsupported volume type %T", v)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
