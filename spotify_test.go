package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSpotifyClientRequiresCredentials(t *testing.T) {
	assert.Nil(t, NewSpotifyClient("", ""))
	assert.Nil(t, NewSpotifyClient("id", ""))
	assert.Nil(t, NewSpotifyClient("", "secret"))
	assert.NotNil(t, NewSpotifyClient("id", "secret"))
}

func TestSpotifyTrackSearchQuery(t *testing.T) {
	tr := spotifyTrack{Name: "Instant Crush", Artists: []spotifyArtist{{Name: "Daft Punk"}, {Name: "Julian Casablancas"}}}
	assert.Equal(t, "Instant Crush Daft Punk", tr.searchQuery(), "only the primary artist is used")

	assert.Equal(t, "Nameless", spotifyTrack{Name: "Nameless"}.searchQuery())
}

func TestRecCandidateSearchQuery(t *testing.T) {
	assert.Equal(t, "Title Artist", RecCandidate{Title: "Title", Artist: "Artist"}.SearchQuery())
	assert.Equal(t, "Title", RecCandidate{Title: "Title"}.SearchQuery())
}
