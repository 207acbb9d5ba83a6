package cache_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaycache/relay/contrib/log"
	"github.com/relaycache/relay/internal/cache"
)

func newCache() *cache.Cache {
	return cache.New(log.GetLogger())
}

func TestFindOrCreateCreatesThenFinds(t *testing.T) {
	c := newCache()

	e1, created := c.FindOrCreate("http://example.test/x")
	require.True(t, created)

	e2, created := c.FindOrCreate("http://example.test/x")
	require.False(t, created)
	require.Same(t, e1, e2)
}

func TestAppendThenExtractRoundTrip(t *testing.T) {
	c := newCache()
	e, _ := c.FindOrCreate("u")

	c.Append(e, []byte("hello"))

	buf := make([]byte, 5)
	n, err := c.Extract(e, 0, buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestExtractOffsetBeyondBodyErrors(t *testing.T) {
	c := newCache()
	e, _ := c.FindOrCreate("u")
	c.Append(e, []byte("abc"))

	buf := make([]byte, 4)
	_, err := c.Extract(e, 10, buf)
	require.ErrorIs(t, err, cache.ErrOffsetBeyondBody)
}

func TestInvalidEntryNeverReturnedAsFound(t *testing.T) {
	c := newCache()
	e, _ := c.FindOrCreate("u")
	c.MarkInvalid(e)

	// subscriber still attached so it is not reclaimed yet.
	r := c.Subscribe(e, func() {})
	defer c.Unsubscribe(r)

	e2, created := c.FindOrCreate("u")
	require.True(t, created)
	require.NotSame(t, e, e2)
}

func TestReclaimedOnlyWhenInvalidFinishedAndReaderless(t *testing.T) {
	c := newCache()
	e, _ := c.FindOrCreate("u")
	c.MarkInvalidAndFinished(e)

	// still one entry tracked (not reclaimed — scan only runs in FindOrCreate)
	require.Equal(t, 1, c.Len())

	// next FindOrCreate for a different URL triggers the opportunistic scan
	// and reclaims the orphaned entry.
	_, _ = c.FindOrCreate("other")
	require.Equal(t, 1, c.Len())
}

func TestSubscribeFiresImmediatelyThenOnAppend(t *testing.T) {
	c := newCache()
	e, _ := c.FindOrCreate("u")

	var calls int
	var mu sync.Mutex
	r := c.Subscribe(e, func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	defer c.Unsubscribe(r)

	mu.Lock()
	require.Equal(t, 1, calls)
	mu.Unlock()

	c.Append(e, []byte("x"))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
}

func TestUnsubscribeIsNoopOnEntryState(t *testing.T) {
	c := newCache()
	e, _ := c.FindOrCreate("u")

	r := c.Subscribe(e, func() {})
	c.Unsubscribe(r)

	// appending after unsubscribe must not panic or call the dead reader.
	c.Append(e, []byte("y"))
}

func TestCallbackMayUnsubscribeItself(t *testing.T) {
	c := newCache()
	e, _ := c.FindOrCreate("u")

	var r *cache.Reader
	first := true
	r = c.Subscribe(e, func() {
		if first {
			first = false
			return
		}
		c.Unsubscribe(r)
	})

	// second call (from Append fan-out) unsubscribes itself without
	// deadlocking or corrupting the iteration.
	c.Append(e, []byte("z"))
	c.Append(e, []byte("z2"))
}

func TestNonDecreasingBodyLengthUntilFinished(t *testing.T) {
	c := newCache()
	e, _ := c.FindOrCreate("u")

	c.Append(e, []byte("a"))
	require.Equal(t, 1, e.Len())
	c.Append(e, []byte("bc"))
	require.Equal(t, 3, e.Len())

	c.MarkFinished(e)
	require.Equal(t, 3, e.Len())
}
