package cache

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShardedSetGet(t *testing.T) {
	c := New[int](0)
	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestShardedTTL(t *testing.T) {
	now := time.Unix(1000, 0)
	c := New[string](time.Minute)
	c.now = func() time.Time { return now }
	c.Set("k", "v")

	now = now.Add(30 * time.Second)
	v, age, ok := c.GetWithAge("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Equal(t, 30*time.Second, age)

	now = now.Add(time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Cleanup(time.Minute))
	assert.Zero(t, c.Len())
}

func TestShardedConcurrent(t *testing.T) {
	c := New[int](0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Set(strconv.Itoa(i), i)
			_, _ = c.Get(strconv.Itoa(i))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, c.Len())
}
