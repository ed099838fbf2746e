package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// ============================================================================
// Audio Cache
// ============================================================================

const (
	AudioCacheDir    = "music"
	AudioCacheSuffix = ".ogg.opus"
	AudioCacheMaxAge = 7 * 24 * time.Hour
)

const (
	MsgCacheDirFail      = "Failed to create audio cache dir: %v"
	MsgCacheHit          = "Cache hit: %s"
	MsgCacheDownloading  = "Downloading: %s -> %s"
	MsgCacheDownloadFail = "Download failed for %s: %v"
	MsgCacheDownloaded   = "Cached %s (%d bytes)"
	MsgCacheGCRemoved    = "Cache GC removed %d stale files"
	MsgCacheGCError      = "Cache GC error: %v"
)

func init() {
	if err := os.MkdirAll(AudioCacheDir, 0755); err != nil {
		LogCache(MsgCacheDirFail, err)
	}

	RegisterDaemon(LogCache, func(ctx context.Context) (bool, func(), func()) {
		run := func() {
			ticker := time.NewTicker(1 * time.Hour)
			defer ticker.Stop()
			collectStaleAudio()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					collectStaleAudio()
				}
			}
		}
		return true, run, func() {}
	})
}

// collectStaleAudio removes cached audio files older than AudioCacheMaxAge.
func collectStaleAudio() {
	entries, err := os.ReadDir(AudioCacheDir)
	if err != nil {
		LogCache(MsgCacheGCError, err)
		return
	}
	removed := 0
	cutoff := time.Now().Add(-AudioCacheMaxAge)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), AudioCacheSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(AudioCacheDir, e.Name())); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		LogCache(MsgCacheGCRemoved, removed)
	}
}

type cacheFill struct {
	done chan struct{}
	path string
	err  error
}

// AudioCache downloads tracks to local opus files, deduplicating
// concurrent requests for the same key.
type AudioCache struct {
	mu       sync.Mutex
	inflight map[string]*cacheFill
}

func NewAudioCache() *AudioCache {
	return &AudioCache{inflight: make(map[string]*cacheFill)}
}

// CachedPath returns the local file for key if already downloaded.
func (c *AudioCache) CachedPath(key string) (string, bool) {
	path := filepath.Join(AudioCacheDir, key+AudioCacheSuffix)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return "", false
	}
	return path, true
}

// EnsureCached returns the local audio file for sourceURL, downloading
// it under key when missing. Concurrent callers for the same key share
// one download.
func (c *AudioCache) EnsureCached(ctx context.Context, sourceURL, key string) (string, error) {
	if path, ok := c.CachedPath(key); ok {
		LogCache(MsgCacheHit, key)
		return path, nil
	}

	c.mu.Lock()
	if fill, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-fill.done:
			return fill.path, fill.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	fill := &cacheFill{done: make(chan struct{})}
	c.inflight[key] = fill
	c.mu.Unlock()

	fill.path, fill.err = c.download(ctx, sourceURL, key)
	close(fill.done)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	return fill.path, fill.err
}

func (c *AudioCache) download(ctx context.Context, sourceURL, key string) (string, error) {
	path := filepath.Join(AudioCacheDir, key+AudioCacheSuffix)
	LogCache(MsgCacheDownloading, sourceURL, path)

	dl := ytdlp.New().
		Format("bestaudio").
		ExtractAudio().
		AudioFormat("opus").
		Output(filepath.Join(AudioCacheDir, key+".ogg")).
		NoPlaylist().
		NoPart().
		NoCheckCertificates().
		PreferFreeFormats().
		NoWarnings().
		IgnoreConfig()
	if GlobalConfig != nil && GlobalConfig.YoutubeProxy != "" {
		dl = dl.Proxy(GlobalConfig.YoutubeProxy)
	}

	args := []string{
		"--add-header", "referer:youtube.com",
		"--add-header", "user-agent:googlebot",
		sourceURL,
	}
	if _, err := dl.Run(ctx, args...); err != nil {
		LogCache(MsgCacheDownloadFail, sourceURL, err)
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		LogCache(MsgCacheDownloadFail, sourceURL, err)
		return "", err
	}
	if info.Size() == 0 {
		_ = os.Remove(path)
		return "", errors.New("empty download")
	}
	LogCache(MsgCacheDownloaded, key, info.Size())
	return path, nil
}

// Evict removes a cached file, used when a download turned out corrupt.
func (c *AudioCache) Evict(key string) {
	path := filepath.Join(AudioCacheDir, key+AudioCacheSuffix)
	_ = os.Remove(path)
}
