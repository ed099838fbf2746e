package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ============================================================================
// Source Resolution
// ============================================================================

const (
	MsgResolverResolving    = "Resolving %q (%s)"
	MsgResolverResolved     = "Resolved %q to %d track(s)"
	MsgResolverSearchMiss   = "No search results for %q"
	MsgResolverMetaFail     = "Metadata extraction failed for %s: %v"
	MsgResolverPlaylistFail = "Playlist expansion failed for %s: %v"
	MsgResolverSpotifyFail  = "Spotify lookup failed for %s: %v"
)

type SourceKind int

const (
	SourceSearch SourceKind = iota
	SourceYouTubeVideo
	SourceYouTubePlaylist
	SourceSpotifyTrack
	SourceSpotifyPlaylist
	SourceSpotifyAlbum
	SourceGenericURL
)

func (k SourceKind) String() string {
	switch k {
	case SourceSearch:
		return "search"
	case SourceYouTubeVideo:
		return "youtube-video"
	case SourceYouTubePlaylist:
		return "youtube-playlist"
	case SourceSpotifyTrack:
		return "spotify-track"
	case SourceSpotifyPlaylist:
		return "spotify-playlist"
	case SourceSpotifyAlbum:
		return "spotify-album"
	default:
		return "url"
	}
}

var (
	spotifyURLRegex  = regexp.MustCompile(`open\.spotify\.com/(?:intl-[a-z]+/)?(track|playlist|album)/([A-Za-z0-9]+)`)
	youtubeIDRegex   = regexp.MustCompile(`(?:v=|youtu\.be/|shorts/)([\w-]{11})`)
	youtubeListRegex = regexp.MustCompile(`[?&]list=([\w-]+)`)
)

// Classify determines how a raw request string should be resolved.
// The spotify ID (or empty) is returned alongside the kind.
func Classify(text string) (SourceKind, string) {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return SourceSearch, ""
	}
	if m := spotifyURLRegex.FindStringSubmatch(s); m != nil {
		switch m[1] {
		case "track":
			return SourceSpotifyTrack, m[2]
		case "playlist":
			return SourceSpotifyPlaylist, m[2]
		case "album":
			return SourceSpotifyAlbum, m[2]
		}
	}
	if strings.Contains(s, "youtube.com") || strings.Contains(s, "youtu.be") {
		if youtubeListRegex.MatchString(s) {
			return SourceYouTubePlaylist, ""
		}
		if youtubeIDRegex.MatchString(s) {
			return SourceYouTubeVideo, ""
		}
		return SourceGenericURL, ""
	}
	return SourceGenericURL, ""
}

// ============================================================================
// Query Cache
// ============================================================================

const queryCacheTTL = 1 * time.Hour

type queryCacheEntry struct {
	url     string
	expires time.Time
}

type queryCache struct {
	mu      sync.Mutex
	entries map[string]queryCacheEntry
}

func newQueryCache() *queryCache {
	return &queryCache{entries: make(map[string]queryCacheEntry)}
}

func (c *queryCache) Get(q string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[q]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, q)
		return "", false
	}
	return e.url, true
}

func (c *queryCache) Set(q, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[q] = queryCacheEntry{url: url, expires: time.Now().Add(queryCacheTTL)}
}

// ============================================================================
// Resolver
// ============================================================================

// Resolver turns raw request text into playable tracks.
type Resolver struct {
	queries *queryCache
	spotify *SpotifyClient
}

func NewResolver(spotify *SpotifyClient) *Resolver {
	return &Resolver{queries: newQueryCache(), spotify: spotify}
}

// Resolve expands a request into a list of tracks. Playlists yield
// multiple tracks, everything else yields one.
func (r *Resolver) Resolve(ctx context.Context, text string) ([]*Track, error) {
	kind, spotifyID := Classify(text)
	LogResolver(MsgResolverResolving, text, kind)

	var tracks []*Track
	var err error
	switch kind {
	case SourceSearch:
		tracks, err = r.resolveSearch(ctx, text)
	case SourceYouTubePlaylist:
		tracks, err = r.resolvePlaylist(ctx, text)
	case SourceSpotifyTrack:
		tracks, err = r.resolveSpotifyTrack(ctx, spotifyID)
	case SourceSpotifyPlaylist, SourceSpotifyAlbum:
		tracks, err = r.resolveSpotifySet(ctx, kind, spotifyID)
	default:
		tracks, err = r.resolveVideo(ctx, strings.TrimSpace(text))
	}
	if err != nil {
		return nil, err
	}
	LogResolver(MsgResolverResolved, text, len(tracks))
	return tracks, nil
}

// SearchFirst resolves a free-text query to its top result URL.
func (r *Resolver) SearchFirst(ctx context.Context, query string) (string, error) {
	if url, ok := r.queries.Get(query); ok {
		return url, nil
	}
	url, err := searchYouTube(ctx, query)
	if err != nil {
		return "", err
	}
	r.queries.Set(query, url)
	return url, nil
}

func (r *Resolver) resolveSearch(ctx context.Context, query string) ([]*Track, error) {
	url, err := r.SearchFirst(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.resolveVideo(ctx, url)
}

func (r *Resolver) resolveVideo(ctx context.Context, url string) ([]*Track, error) {
	t, err := r.trackFromURL(ctx, url)
	if err != nil {
		return nil, err
	}
	return []*Track{t}, nil
}

func (r *Resolver) resolvePlaylist(ctx context.Context, url string) ([]*Track, error) {
	entries, err := ytdlpExtractPlaylist(ctx, url, 100)
	if err != nil {
		LogResolver(MsgResolverPlaylistFail, url, err)
		return nil, err
	}
	tracks := make([]*Track, 0, len(entries))
	for _, e := range entries {
		if e.URL == "" || e.Title == "" {
			continue
		}
		tracks = append(tracks, &Track{
			Title:         e.Title,
			Uploader:      e.Uploader,
			SourceURL:     e.URL,
			DurationLabel: formatDurationLabel(time.Duration(e.Duration) * time.Second),
		})
	}
	if len(tracks) == 0 {
		return nil, errors.New("empty playlist")
	}
	return tracks, nil
}

func (r *Resolver) resolveSpotifyTrack(ctx context.Context, id string) ([]*Track, error) {
	if r.spotify == nil {
		return nil, errors.New("spotify support not configured")
	}
	name, err := r.spotify.TrackName(ctx, id)
	if err != nil {
		LogResolver(MsgResolverSpotifyFail, id, err)
		return nil, err
	}
	return r.resolveSearch(ctx, name)
}

func (r *Resolver) resolveSpotifySet(ctx context.Context, kind SourceKind, id string) ([]*Track, error) {
	if r.spotify == nil {
		return nil, errors.New("spotify support not configured")
	}
	var names []string
	var err error
	if kind == SourceSpotifyAlbum {
		names, err = r.spotify.AlbumTracks(ctx, id)
	} else {
		names, err = r.spotify.PlaylistTracks(ctx, id)
	}
	if err != nil {
		LogResolver(MsgResolverSpotifyFail, id, err)
		return nil, err
	}
	var tracks []*Track
	for _, name := range names {
		ts, err := r.resolveSearch(ctx, name)
		if err != nil {
			continue
		}
		tracks = append(tracks, ts...)
	}
	if len(tracks) == 0 {
		return nil, errors.New("no resolvable tracks")
	}
	return tracks, nil
}

// trackFromURL fetches full track metadata, preferring the local
// metadata table over a yt-dlp invocation.
func (r *Resolver) trackFromURL(ctx context.Context, url string) (*Track, error) {
	if meta, err := GetTrackMeta(ctx, url); err == nil && meta != nil {
		return &Track{
			Title:         meta.Title,
			Uploader:      meta.Uploader,
			SourceURL:     url,
			DurationLabel: formatDurationLabel(meta.Duration),
			ThumbnailURL:  meta.ThumbnailURL,
			Chapters:      meta.Chapters,
		}, nil
	}

	meta, err := ytdlpExtractMetadata(ctx, url)
	if err != nil {
		LogResolver(MsgResolverMetaFail, url, err)
		return nil, err
	}

	chapters := make([]Chapter, 0, len(meta.Chapters))
	for _, c := range meta.Chapters {
		chapters = append(chapters, Chapter{Label: c.Title, OffsetSeconds: int(c.StartTime)})
	}

	t := &Track{
		Title:         meta.Title,
		Uploader:      meta.Uploader,
		SourceURL:     url,
		DurationLabel: formatDurationLabel(time.Duration(meta.Duration) * time.Second),
		ThumbnailURL:  meta.Thumbnail,
		Chapters:      chapters,
	}

	_ = SetTrackMeta(ctx, url, &TrackMeta{
		Title:        t.Title,
		Uploader:     t.Uploader,
		Duration:     time.Duration(meta.Duration) * time.Second,
		ThumbnailURL: t.ThumbnailURL,
		Chapters:     chapters,
	})
	return t, nil
}

// ============================================================================
// Search
// ============================================================================

// searchYouTube runs a music-first and a general search in parallel and
// returns the first unique hit, preferring the music result.
func searchYouTube(ctx context.Context, query string) (string, error) {
	searchCtx, cancel := context.WithTimeout(ctx, 2600*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	var music, general []string
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(query)
		r, _ := s.Next()
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			mu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				music = append(music, "https://www.youtube.com/watch?v="+v.VideoID)
			}
			mu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, _ := c.Search(searchCtx, query)
		for _, v := range r.Results {
			if v.VideoID == "" {
				continue
			}
			mu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				general = append(general, "https://www.youtube.com/watch?v="+v.VideoID)
			}
			mu.Unlock()
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2300 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	if len(music) > 0 {
		return music[0], nil
	}
	if len(general) > 0 {
		return general[0], nil
	}
	LogResolver(MsgResolverSearchMiss, query)
	return "", errors.New("no results")
}

// ============================================================================
// yt-dlp low-level
// ============================================================================

type ytdlpChapter struct {
	Title     string  `json:"title"`
	StartTime float64 `json:"start_time"`
}

type ytdlpTrackMetadata struct {
	Title     string         `json:"title"`
	Uploader  string         `json:"uploader"`
	Duration  float64        `json:"duration"`
	Thumbnail string         `json:"thumbnail"`
	Chapters  []ytdlpChapter `json:"chapters"`
}

func ytdlpExtractMetadata(ctx context.Context, u string) (*ytdlpTrackMetadata, error) {
	res, err := ytdlp.New().
		Print("%(.{title,uploader,duration,thumbnail,chapters})j").
		NoWarnings().
		IgnoreConfig().
		NoPlaylist().
		Run(ctx, "--skip-download", u)
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var meta ytdlpTrackMetadata
		if err := json.Unmarshal([]byte(line), &meta); err != nil {
			continue
		}
		if meta.Title == "" {
			continue
		}
		return &meta, nil
	}
	return nil, errors.New("failed to parse metadata")
}

type ytdlpPlaylistEntry struct {
	URL, Title, Uploader string
	Duration             int
}

func ytdlpExtractPlaylist(ctx context.Context, u string, m int) ([]ytdlpPlaylistEntry, error) {
	res, err := ytdlp.New().
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, u)
	if err != nil {
		return nil, err
	}
	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	es := make([]ytdlpPlaylistEntry, 0, len(ls))
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		var dur float64
		_, _ = fmt.Sscanf(ps[3], "%f", &dur)
		es = append(es, ytdlpPlaylistEntry{URL: ps[0], Title: ps[1], Uploader: ps[2], Duration: int(dur)})
	}
	return es, nil
}
