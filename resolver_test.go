package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		kind   SourceKind
		spotID string
	}{
		{"plain search", "mac demarco chamber of reflection", SourceSearch, ""},
		{"search with padding", "  never gonna give you up  ", SourceSearch, ""},
		{"youtube watch", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", SourceYouTubeVideo, ""},
		{"youtu.be short", "https://youtu.be/dQw4w9WgXcQ", SourceYouTubeVideo, ""},
		{"youtube shorts", "https://www.youtube.com/shorts/dQw4w9WgXcQ", SourceYouTubeVideo, ""},
		{"playlist wins over video", "https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PLabc123", SourceYouTubePlaylist, ""},
		{"bare playlist", "https://www.youtube.com/playlist?list=PLabc123", SourceYouTubePlaylist, ""},
		{"spotify track", "https://open.spotify.com/track/4uLU6hMCjMI75M1A2tKUQC", SourceSpotifyTrack, "4uLU6hMCjMI75M1A2tKUQC"},
		{"spotify intl track", "https://open.spotify.com/intl-de/track/4uLU6hMCjMI75M1A2tKUQC", SourceSpotifyTrack, "4uLU6hMCjMI75M1A2tKUQC"},
		{"spotify playlist", "https://open.spotify.com/playlist/37i9dQZF1DXcBWIGoYBM5M", SourceSpotifyPlaylist, "37i9dQZF1DXcBWIGoYBM5M"},
		{"spotify album", "https://open.spotify.com/album/6dVIqQ8qmQ5GBnJ9shOYGE", SourceSpotifyAlbum, "6dVIqQ8qmQ5GBnJ9shOYGE"},
		{"unknown host", "https://soundcloud.com/artist/song", SourceGenericURL, ""},
		{"youtube without id", "https://www.youtube.com/feed/trending", SourceGenericURL, ""},
		{"stream url", "https://relay0.r-a-d.io/main.mp3", SourceGenericURL, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, id := Classify(tt.in)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.spotID, id)
		})
	}
}

func TestQueryCache(t *testing.T) {
	c := newQueryCache()

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("query", "https://youtu.be/dQw4w9WgXcQ")
	url, ok := c.Get("query")
	assert.True(t, ok)
	assert.Equal(t, "https://youtu.be/dQw4w9WgXcQ", url)
}

func TestQueryCacheExpiry(t *testing.T) {
	c := newQueryCache()
	c.Set("query", "https://youtu.be/dQw4w9WgXcQ")
	c.entries["query"] = queryCacheEntry{
		url:     "https://youtu.be/dQw4w9WgXcQ",
		expires: time.Now().Add(-time.Minute),
	}

	_, ok := c.Get("query")
	assert.False(t, ok)
	assert.NotContains(t, c.entries, "query", "expired entries are evicted on read")
}
