package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain ascii", "Daft Punk - Around the World", "Daft_Punk_-_Around_the_World"},
		{"accents flattened", "Télépopmusik – Breathe", "Telepopmusik_Breathe"},
		{"timestamps keep shape", "Mix 1:02:03 continuous", "Mix_1_02_03_continuous"},
		{"colon becomes dash pair", "Artist: Topic", "Artist_-_Topic"},
		{"slashes and pipes", `AC/DC | Back\In|Black`, "AC_DC_Back_In_Black"},
		{"question marks vanish", "What is love???", "What_is_love"},
		{"quotes vanish", `"Heroes"`, "Heroes"},
		{"punctuation collapses", "Hey! Ho!! (Let's Go)", "Hey_Ho_Let_s_Go"},
		{"leading dots stripped", "...hidden", "hidden"},
		{"empty falls back", "", "_"},
		{"only insane falls back", `???"`, "_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeFilename(tt.in))
		})
	}
}

func TestCacheKeyMatchesSanitizer(t *testing.T) {
	tr := testTrack("ignored")
	tr.Title = "Mac DeMarco // Chamber Of Reflection"
	assert.Equal(t, sanitizeFilename(tr.Title), tr.CacheKey())
}

func TestFormatDurationLabel(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, ""},
		{-3 * time.Second, ""},
		{7 * time.Second, "0:07"},
		{65 * time.Second, "1:05"},
		{10 * time.Minute, "10:00"},
		{3*time.Hour + 4*time.Minute + 5*time.Second, "3:04:05"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDurationLabel(tt.in), "duration %s", tt.in)
	}
}

func TestFormatChapterOffset(t *testing.T) {
	assert.Equal(t, "0:00", formatChapterOffset(0))
	assert.Equal(t, "1:35", formatChapterOffset(95))
	assert.Equal(t, "1:00:01", formatChapterOffset(3601))
}

func TestHasChapters(t *testing.T) {
	tr := testTrack("x")
	assert.False(t, tr.HasChapters())
	tr.Chapters = []Chapter{{Label: "only"}}
	assert.False(t, tr.HasChapters(), "a single chapter is the whole track")
	tr.Chapters = append(tr.Chapters, Chapter{Label: "second", OffsetSeconds: 60})
	assert.True(t, tr.HasChapters())
}

func TestActiveChapterClamps(t *testing.T) {
	tr := testTrack("x")
	tr.Chapters = []Chapter{{Label: "a"}, {Label: "b", OffsetSeconds: 30}}

	assert.Equal(t, "a", tr.ActiveChapter(-5).Label)
	assert.Equal(t, "b", tr.ActiveChapter(1).Label)
	assert.Equal(t, "b", tr.ActiveChapter(99).Label)
}
