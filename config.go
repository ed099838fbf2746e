package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	MsgConfigMissingToken   = "DISCORD_TOKEN is not set in .env file"
	MsgConfigInvalidGuildID = "invalid GUILD_ID: must be a valid Snowflake"
	MsgGuildsReadFail       = "Failed to read %s: %v"
	MsgGuildsParseFail      = "Failed to parse %s: %v"
	MsgGuildsWriteFail      = "failed to write %s: %w"
	MsgGuildsWatchFail      = "Failed to watch %s: %v"
	MsgGuildsReloaded       = "Reloaded %s (%d guilds)"

	// Environment Variables
	EnvDiscordToken  = "DISCORD_TOKEN"
	EnvGuildID       = "GUILD_ID"
	EnvSilent        = "SILENT"
	EnvSpotifyID     = "SPOTIFY_CLIENT_ID"
	EnvSpotifySecret = "SPOTIFY_CLIENT_SECRET"
	EnvYoutubeProxy  = "YOUTUBE_PROXY"
)

type Config struct {
	Token               string
	GuildID             string
	DatabasePath        string
	GuildsFile          string
	SpotifyClientID     string
	SpotifyClientSecret string
	YoutubeProxy        string
	Silent              bool
}

var GlobalConfig *Config

// LoadConfig initializes the configuration from environment variables.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	silent, _ := strconv.ParseBool(os.Getenv(EnvSilent))

	cfg := &Config{
		Token:               os.Getenv(EnvDiscordToken),
		GuildID:             os.Getenv(EnvGuildID),
		DatabasePath:        filepath.Join(".", GetProjectName()+".db"),
		GuildsFile:          "guilds.json",
		SpotifyClientID:     os.Getenv(EnvSpotifyID),
		SpotifyClientSecret: os.Getenv(EnvSpotifySecret),
		YoutubeProxy:        os.Getenv(EnvYoutubeProxy),
		Silent:              silent,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	GlobalConfig = cfg
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf(MsgConfigMissingToken)
	}
	if c.GuildID != "" && (len(c.GuildID) < 17 || len(c.GuildID) > 20) {
		return fmt.Errorf(MsgConfigInvalidGuildID)
	}
	return nil
}

func GetProjectName() string {
	exePath, err := os.Executable()
	projectName := "carracosta"
	if err == nil {
		projectName = filepath.Base(exePath)
		projectName = strings.TrimSuffix(projectName, ".exe")

		if projectName == "main" || strings.HasPrefix(projectName, "go_build_") {
			if modData, err := os.ReadFile("go.mod"); err == nil {
				lines := strings.Split(string(modData), "\n")
				if len(lines) > 0 && strings.HasPrefix(lines[0], "module ") {
					parts := strings.Split(lines[0], "/")
					projectName = strings.TrimSpace(parts[len(parts)-1])
				}
			}
		}
	}
	return projectName
}

// ============================================================================
// Guild Anchor Store
// ============================================================================

// GuildAnchor points at the persistent queue message of a guild.
type GuildAnchor struct {
	ChannelID snowflake.ID `json:"channelId"`
	MessageID snowflake.ID `json:"messageId"`
}

// GuildStore persists the guild -> anchor map in guilds.json and hot-reloads
// it when the file changes on disk.
type GuildStore struct {
	mu      sync.RWMutex
	path    string
	anchors map[snowflake.ID]GuildAnchor
}

func NewGuildStore(path string) *GuildStore {
	return &GuildStore{
		path:    path,
		anchors: make(map[snowflake.ID]GuildAnchor),
	}
}

func (gs *GuildStore) Load() error {
	data, err := os.ReadFile(gs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	anchors := make(map[snowflake.ID]GuildAnchor)
	if err := json.Unmarshal(data, &anchors); err != nil {
		return err
	}

	gs.mu.Lock()
	gs.anchors = anchors
	gs.mu.Unlock()
	return nil
}

func (gs *GuildStore) save() error {
	gs.mu.RLock()
	data, err := json.MarshalIndent(gs.anchors, "", "\t")
	gs.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.WriteFile(gs.path, data, 0644); err != nil {
		return fmt.Errorf(MsgGuildsWriteFail, gs.path, err)
	}
	return nil
}

func (gs *GuildStore) Get(guildID snowflake.ID) (GuildAnchor, bool) {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	a, ok := gs.anchors[guildID]
	return a, ok
}

func (gs *GuildStore) Set(guildID snowflake.ID, anchor GuildAnchor) error {
	gs.mu.Lock()
	gs.anchors[guildID] = anchor
	gs.mu.Unlock()
	return gs.save()
}

func (gs *GuildStore) All() map[snowflake.ID]GuildAnchor {
	gs.mu.RLock()
	defer gs.mu.RUnlock()
	out := make(map[snowflake.ID]GuildAnchor, len(gs.anchors))
	for k, v := range gs.anchors {
		out[k] = v
	}
	return out
}

// Watch reloads the store whenever the backing file changes and invokes
// onChange after each successful reload. Editors replace files instead of
// writing in place, so the watch is re-armed on Remove/Rename.
func (gs *GuildStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(gs.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	safeGo(func() {
		defer watcher.Close()

		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(gs.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, func() {
					if err := gs.Load(); err != nil {
						LogConfig(MsgGuildsParseFail, gs.path, err)
						return
					}
					gs.mu.RLock()
					n := len(gs.anchors)
					gs.mu.RUnlock()
					LogConfig(MsgGuildsReloaded, gs.path, n)
					if onChange != nil {
						onChange()
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				LogConfig(MsgGuildsWatchFail, gs.path, err)
			}
		}
	})
	return nil
}
