package session

import (
	"errors"
	"fmt"
	"strings"

	"arbitrage-core/pkg/exchanges/ctrader"
)

// ErrSymbolUnresolved is returned when a symbol is not in the venue catalog.
var ErrSymbolUnresolved = errors.New("symbol not in venue catalog")

// Catalog maps venue symbol names to internal ids. Built once per session, read-only after.
type Catalog struct {
	byName map[string]int64
	byID   map[int64]string
}

// NewCatalog indexes the symbol list. Names match case-insensitively; disabled symbols
// are kept so existing positions on them still resolve.
func NewCatalog(symbols []ctrader.LightSymbol) *Catalog {
	c := &Catalog{
		byName: make(map[string]int64, len(symbols)),
		byID:   make(map[int64]string, len(symbols)),
	}
	for _, s := range symbols {
		if s.SymbolName == "" {
			continue
		}
		key := strings.ToUpper(s.SymbolName)
		if _, dup := c.byName[key]; !dup {
			c.byName[key] = int64(s.SymbolID)
		}
		c.byID[int64(s.SymbolID)] = s.SymbolName
	}
	return c
}

// Resolve returns the internal id for symbol.
func (c *Catalog) Resolve(symbol string) (int64, error) {
	if c != nil {
		if id, ok := c.byName[strings.ToUpper(strings.TrimSpace(symbol))]; ok {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrSymbolUnresolved, symbol)
}

// Name returns the symbol name for an internal id.
func (c *Catalog) Name(id int64) (string, bool) {
	if c == nil {
		return "", false
	}
	n, ok := c.byID[id]
	return n, ok
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byID)
}
