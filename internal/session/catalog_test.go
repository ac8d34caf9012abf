package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbitrage-core/pkg/exchanges/ctrader"
)

func TestCatalogResolve(t *testing.T) {
	c := NewCatalog([]ctrader.LightSymbol{
		{SymbolID: 1, SymbolName: "EURUSD"},
		{SymbolID: 41, SymbolName: "UsdRub"},
		{SymbolID: 99, SymbolName: ""},
	})
	assert.Equal(t, 2, c.Len())

	id, err := c.Resolve("usdrub")
	require.NoError(t, err)
	assert.Equal(t, int64(41), id)

	_, err = c.Resolve("XAUUSD")
	assert.ErrorIs(t, err, ErrSymbolUnresolved)

	name, ok := c.Name(1)
	assert.True(t, ok)
	assert.Equal(t, "EURUSD", name)

	var nilCatalog *Catalog
	_, err = nilCatalog.Resolve("EURUSD")
	assert.ErrorIs(t, err, ErrSymbolUnresolved)
	assert.Zero(t, nilCatalog.Len())
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2}
	assert.Equal(t, 100*time.Millisecond, b.Next(1))
	assert.Equal(t, 200*time.Millisecond, b.Next(2))
	assert.Equal(t, 800*time.Millisecond, b.Next(4))
	assert.Equal(t, time.Second, b.Next(10))

	j := Backoff{Min: time.Second, Max: time.Second, Jitter: 0.5}
	for i := 0; i < 20; i++ {
		d := j.Next(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, 1500*time.Millisecond)
	}
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "CATALOG_LOADED", StateCatalogLoaded.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
	assert.True(t, StateCatalogLoaded.Ready())
	assert.False(t, StateAccountAuthenticated.Ready())
}
