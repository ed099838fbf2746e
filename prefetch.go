package main

import (
	"context"
	"sync"
)

// ============================================================================
// Prefetch
// ============================================================================

// prefetchWindow is how many upcoming tracks are downloaded ahead of
// the playhead.
const prefetchWindow = 3

const (
	MsgPrefetchStart = "Prefetching %s"
	MsgPrefetchFail  = "Prefetch failed for %s: %v"
)

type prefetchEntry struct {
	done chan struct{}
	err  error
}

// Prefetcher keeps the next few queued tracks cached on disk so
// playback advances without a download stall.
type Prefetcher struct {
	mu       sync.Mutex
	entries  map[string]*prefetchEntry
	finished map[string]struct{}
	cache    CacheFiller
}

func NewPrefetcher(cache CacheFiller) *Prefetcher {
	return &Prefetcher{
		entries:  make(map[string]*prefetchEntry),
		finished: make(map[string]struct{}),
		cache:    cache,
	}
}

// Schedule starts downloads for the first uncached tracks returned by
// next, up to prefetchWindow concurrent entries. next is re-invoked on
// every completion so the window slides as the queue changes.
func (p *Prefetcher) Schedule(ctx context.Context, next func() []*Track) {
	p.mu.Lock()
	defer p.mu.Unlock()

	upcoming := next()
	budget := prefetchWindow - len(p.entries)
	for _, t := range upcoming {
		if budget <= 0 {
			break
		}
		if t.IsLiveStation {
			continue
		}
		url := t.SourceURL
		if _, ok := p.entries[url]; ok {
			continue
		}
		if _, ok := p.finished[url]; ok {
			continue
		}
		e := &prefetchEntry{done: make(chan struct{})}
		p.entries[url] = e
		budget--

		key := t.CacheKey()
		safeGo(func() {
			LogCache(MsgPrefetchStart, url)
			_, err := p.cache.EnsureCached(ctx, url, key)
			e.err = err
			if err != nil {
				LogCache(MsgPrefetchFail, url, err)
			}
			close(e.done)

			p.mu.Lock()
			delete(p.entries, url)
			if err == nil {
				p.finished[url] = struct{}{}
			}
			p.mu.Unlock()

			if ctx.Err() == nil {
				p.Schedule(ctx, next)
			}
		})
	}
}

// Reset drops all tracked entries. In-flight downloads finish
// harmlessly into the shared cache, they are just no longer counted
// against the window.
func (p *Prefetcher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*prefetchEntry)
	p.finished = make(map[string]struct{})
}

// Evict forgets an entry so it can be retried.
func (p *Prefetcher) Evict(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, url)
	delete(p.finished, url)
}

func (p *Prefetcher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
