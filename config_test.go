package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuildStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guilds.json")
	gs := NewGuildStore(path)

	anchor := GuildAnchor{ChannelID: snowflake.ID(111), MessageID: snowflake.ID(222)}
	require.NoError(t, gs.Set(snowflake.ID(42), anchor))

	reloaded := NewGuildStore(path)
	require.NoError(t, reloaded.Load())

	got, ok := reloaded.Get(snowflake.ID(42))
	require.True(t, ok)
	assert.Equal(t, anchor, got)
	assert.Len(t, reloaded.All(), 1)
}

func TestGuildStoreLoadMissingFile(t *testing.T) {
	gs := NewGuildStore(filepath.Join(t.TempDir(), "nope.json"))
	assert.NoError(t, gs.Load(), "a missing file is an empty store")
	assert.Empty(t, gs.All())
}

func TestGuildStoreLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guilds.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	gs := NewGuildStore(path)
	assert.Error(t, gs.Load())
}

func TestGuildStoreAllIsACopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guilds.json")
	gs := NewGuildStore(path)
	require.NoError(t, gs.Set(snowflake.ID(1), GuildAnchor{ChannelID: 2, MessageID: 3}))

	all := gs.All()
	all[snowflake.ID(1)] = GuildAnchor{}

	got, _ := gs.Get(snowflake.ID(1))
	assert.Equal(t, snowflake.ID(2), got.ChannelID)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"missing token", Config{}, true},
		{"token only", Config{Token: "abc"}, false},
		{"valid guild id", Config{Token: "abc", GuildID: "123456789012345678"}, false},
		{"guild id too short", Config{Token: "abc", GuildID: "12345"}, true},
		{"guild id too long", Config{Token: "abc", GuildID: "123456789012345678901"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
