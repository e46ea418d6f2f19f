package lru

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func withClock[K comparable, V any](c *Cache[K, V]) *fakeClock {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c.now = clk.now
	return clk
}

func TestGetPut(t *testing.T) {
	c := New[string, string](2)
	c.Put("c1", "Trip planning")

	v, ok := c.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "Trip planning", v)

	_, ok = c.Get("c2")
	assert.False(t, ok)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a")

	k, v, evicted := c.Put("c", 3)
	require.True(t, evicted)
	assert.Equal(t, "b", k)
	assert.Equal(t, 2, v)
	assert.Equal(t, []string{"c", "a"}, c.Keys())
}

func TestUpdateDoesNotEvict(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)

	_, _, evicted := c.Put("a", 10)
	assert.False(t, evicted)
	v, _ := c.Get("a")
	assert.Equal(t, 10, v)
	assert.Equal(t, 2, c.Len())
}

func TestPeekDoesNotPromote(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Peek("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Put("c", 3)
	_, ok = c.Peek("a")
	assert.False(t, ok)
	assert.Equal(t, uint64(0), c.Metrics().Hits)
}

func TestDeleteAndClear(t *testing.T) {
	c := New[string, int](3)
	c.Put("a", 1)
	c.Put("b", 2)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 1, c.Len())

	c.Get("b")
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, Metrics{}, c.Metrics())
}

func TestPanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[string, int](0) })
}

func TestTTL(t *testing.T) {
	c := New[string, int](10, WithTTL[string, int](time.Minute))
	clk := withClock(c)

	c.Put("a", 1)
	clk.advance(30 * time.Second)
	_, ok := c.Get("a")
	assert.True(t, ok)

	clk.advance(31 * time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(1), c.Metrics().Expirations)
}

func TestPutWithTTLOverridesDefault(t *testing.T) {
	c := New[string, int](10)
	clk := withClock(c)

	c.PutWithTTL("short", 1, time.Second)
	c.Put("forever", 2)
	clk.advance(time.Hour)

	_, ok := c.Peek("short")
	assert.False(t, ok)
	v, ok := c.Peek("forever")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, []string{"forever"}, c.Keys())
}

func TestUpdateResetsTTL(t *testing.T) {
	c := New[string, int](10, WithTTL[string, int](100*time.Millisecond))
	clk := withClock(c)

	c.Put("a", 1)
	clk.advance(80 * time.Millisecond)
	c.Put("a", 2)
	clk.advance(70 * time.Millisecond)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestOnEvict(t *testing.T) {
	var evicted []string
	c := New[string, int](1,
		WithTTL[string, int](time.Minute),
		WithOnEvict[string, int](func(k string, _ int) { evicted = append(evicted, k) }),
	)
	clk := withClock(c)

	c.Put("a", 1)
	c.Put("b", 2) // capacity
	clk.advance(2 * time.Minute)
	c.Get("b") // expiry
	c.Put("c", 3)
	c.Delete("c") // not reported

	assert.Equal(t, []string{"a", "b"}, evicted)
}

func TestMetrics(t *testing.T) {
	c := New[string, int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a")
	c.Get("a")
	c.Get("a")
	c.Get("missing")
	c.Put("c", 3)

	m := c.Metrics()
	assert.Equal(t, uint64(3), m.Hits)
	assert.Equal(t, uint64(1), m.Misses)
	assert.Equal(t, uint64(1), m.Evictions)
	assert.InDelta(t, 0.75, m.HitRate(), 0.001)
	assert.Zero(t, Metrics{}.HitRate())
}

func TestConcurrentAccess(t *testing.T) {
	c := New[int, int](100, WithTTL[int, int](time.Minute))
	var wg sync.WaitGroup

	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Put(offset*500+i, i)
				c.Get(offset*500 + i)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 100)
}

func BenchmarkPut(b *testing.B) {
	c := New[int, int](1000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Put(i, i)
	}
}

func BenchmarkGet(b *testing.B) {
	c := New[int, int](1000)
	for i := 0; i < 1000; i++ {
		c.Put(i, i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(i % 1000)
	}
}

func ExampleCache() {
	cache := New[string, string](2, WithTTL[string, string](5*time.Minute))

	cache.Put("c1", "Trip planning")
	cache.Put("c2", "Recipes")
	cache.Get("c1")
	cache.Put("c3", "Taxes") // evicts c2

	_, ok := cache.Get("c2")
	fmt.Println(ok)
	fmt.Printf("hit rate: %.0f%%\n", cache.Metrics().HitRate()*100)

	// Output:
	// false
	// hit rate: 50%
}
