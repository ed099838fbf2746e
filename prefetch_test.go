package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingCache holds every fill open until released, so tests can
// observe the in-flight window.
type blockingCache struct {
	mu      sync.Mutex
	started chan string
	release map[string]chan struct{}
}

func newBlockingCache() *blockingCache {
	return &blockingCache{
		started: make(chan string, 32),
		release: make(map[string]chan struct{}),
	}
}

func (c *blockingCache) gate(url string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.release[url]
	if !ok {
		g = make(chan struct{})
		c.release[url] = g
	}
	return g
}

func (c *blockingCache) EnsureCached(ctx context.Context, sourceURL, key string) (string, error) {
	c.started <- sourceURL
	select {
	case <-c.gate(sourceURL):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return AudioCacheDir + "/" + key + AudioCacheSuffix, nil
}

func (c *blockingCache) Evict(key string) {}

// waitStarted blocks until n fills have begun.
func waitStarted(t *testing.T, c *blockingCache, n int) []string {
	t.Helper()
	var got []string
	for len(got) < n {
		select {
		case url := <-c.started:
			got = append(got, url)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d fills started", len(got), n)
		}
	}
	return got
}

func TestPrefetcherWindowBound(t *testing.T) {
	cache := newBlockingCache()
	p := NewPrefetcher(cache)
	tracks := testTracks(6)

	p.Schedule(context.Background(), func() []*Track { return tracks })

	started := waitStarted(t, cache, prefetchWindow)
	assert.Len(t, started, prefetchWindow)
	assert.Equal(t, prefetchWindow, p.Len())

	select {
	case url := <-cache.started:
		t.Fatalf("fill for %s exceeded the window", url)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPrefetcherSlidesOnCompletion(t *testing.T) {
	cache := newBlockingCache()
	p := NewPrefetcher(cache)
	tracks := testTracks(6)

	p.Schedule(context.Background(), func() []*Track { return tracks })
	started := waitStarted(t, cache, prefetchWindow)

	close(cache.gate(started[0]))

	next := waitStarted(t, cache, 1)
	assert.NotContains(t, started, next[0], "a finished fill frees a slot for the next track")
}

func TestPrefetcherSkipsStations(t *testing.T) {
	cache := newBlockingCache()
	p := NewPrefetcher(cache)
	upcoming := []*Track{
		StationTrack(Stations[0]),
		testTrack("downloadable"),
	}

	p.Schedule(context.Background(), func() []*Track { return upcoming })

	started := waitStarted(t, cache, 1)
	assert.Equal(t, "https://youtu.be/downloadable", started[0])
	assert.Equal(t, 1, p.Len())
}

func TestPrefetcherDeduplicates(t *testing.T) {
	cache := newBlockingCache()
	p := NewPrefetcher(cache)
	track := testTrack("once")

	ctx := context.Background()
	p.Schedule(ctx, func() []*Track { return []*Track{track} })
	p.Schedule(ctx, func() []*Track { return []*Track{track} })

	waitStarted(t, cache, 1)
	assert.Equal(t, 1, p.Len())
	select {
	case <-cache.started:
		t.Fatal("the same track was fetched twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPrefetcherResetClearsWindow(t *testing.T) {
	cache := newBlockingCache()
	p := NewPrefetcher(cache)
	tracks := testTracks(3)

	p.Schedule(context.Background(), func() []*Track { return tracks })
	waitStarted(t, cache, 3)
	require.Equal(t, 3, p.Len())

	p.Reset()

	assert.Equal(t, 0, p.Len())
}

func TestPrefetcherEvictAllowsRetry(t *testing.T) {
	cache := newBlockingCache()
	p := NewPrefetcher(cache)
	track := testTrack("flaky")
	ctx := context.Background()
	next := func() []*Track { return []*Track{track} }

	p.Schedule(ctx, next)
	waitStarted(t, cache, 1)
	close(cache.gate(track.SourceURL))
	require.Eventually(t, func() bool { return p.Len() == 0 }, 2*time.Second, 20*time.Millisecond)

	p.Schedule(ctx, next)
	select {
	case <-cache.started:
		t.Fatal("a finished track was fetched again")
	case <-time.After(100 * time.Millisecond):
	}

	p.Evict(track.SourceURL)
	p.Schedule(ctx, next)
	waitStarted(t, cache, 1)
}

func TestPrefetcherCancelledContext(t *testing.T) {
	cache := newBlockingCache()
	p := NewPrefetcher(cache)
	ctx, cancel := context.WithCancel(context.Background())

	p.Schedule(ctx, func() []*Track { return testTracks(2) })
	waitStarted(t, cache, 2)

	cancel()

	// Entries drain as their fills fail, no new ones are scheduled
	assert.Eventually(t, func() bool { return p.Len() == 0 }, 2*time.Second, 20*time.Millisecond)
}
