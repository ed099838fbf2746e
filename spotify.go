package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Spotify
// ============================================================================

const (
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
	spotifyAPIBase  = "https://api.spotify.com/v1"

	ConfigKeySpotifyToken       = "spotify_token"
	ConfigKeySpotifyTokenExpiry = "spotify_token_expiry"
)

const (
	MsgSpotifyTokenFail     = "Token request failed: %v"
	MsgSpotifyTokenFetched  = "Fetched new access token (expires in %ds)"
	MsgSpotifyRequestFail   = "API request failed: %s %v"
	MsgSpotifyNotConfigured = "Spotify credentials not set, spotify links and recommendations disabled"
)

// SpotifyClient talks to the Spotify Web API with client-credentials
// auth. The token survives restarts in the bot_config table.
type SpotifyClient struct {
	id, secret string
	http       *http.Client

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewSpotifyClient returns nil when credentials are absent, callers
// treat a nil client as the feature being off.
func NewSpotifyClient(id, secret string) *SpotifyClient {
	if id == "" || secret == "" {
		LogSpotify(MsgSpotifyNotConfigured)
		return nil
	}
	return &SpotifyClient{id: id, secret: secret, http: HttpClient}
}

func (c *SpotifyClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expiry) {
		return c.token, nil
	}

	// Reuse a persisted token across restarts if still valid
	if c.token == "" {
		if tok, err := GetBotConfig(ctx, ConfigKeySpotifyToken); err == nil && tok != "" {
			if expStr, err := GetBotConfig(ctx, ConfigKeySpotifyTokenExpiry); err == nil && expStr != "" {
				if exp, err := strconv.ParseInt(expStr, 10, 64); err == nil && time.Now().Unix() < exp-60 {
					c.token = tok
					c.expiry = time.Unix(exp-60, 0)
					return c.token, nil
				}
			}
		}
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spotifyTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	creds := base64.StdEncoding.EncodeToString([]byte(c.id + ":" + c.secret))
	req.Header.Set("Authorization", "Basic "+creds)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		LogSpotify(MsgSpotifyTokenFail, err)
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("token endpoint returned %d", resp.StatusCode)
		LogSpotify(MsgSpotifyTokenFail, err)
		return "", err
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.AccessToken == "" {
		return "", errors.New("empty access token")
	}

	c.token = body.AccessToken
	c.expiry = time.Now().Add(time.Duration(body.ExpiresIn-60) * time.Second)
	LogSpotify(MsgSpotifyTokenFetched, body.ExpiresIn)

	_ = SetBotConfig(ctx, ConfigKeySpotifyToken, c.token)
	_ = SetBotConfig(ctx, ConfigKeySpotifyTokenExpiry, strconv.FormatInt(time.Now().Unix()+int64(body.ExpiresIn), 10))
	return c.token, nil
}

func (c *SpotifyClient) get(ctx context.Context, path string, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spotifyAPIBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		LogSpotify(MsgSpotifyRequestFail, path, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// Token revoked server-side, force a refresh on the next call
		c.mu.Lock()
		c.token = ""
		c.expiry = time.Time{}
		c.mu.Unlock()
		return errors.New("spotify token rejected")
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("spotify returned %d: %s", resp.StatusCode, string(b))
		LogSpotify(MsgSpotifyRequestFail, path, err)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type spotifyArtist struct {
	Name string `json:"name"`
}

type spotifyTrack struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Artists []spotifyArtist `json:"artists"`
}

func (t spotifyTrack) searchQuery() string {
	if len(t.Artists) > 0 {
		return t.Name + " " + t.Artists[0].Name
	}
	return t.Name
}

// TrackName returns "title artist" for a spotify track ID, suitable as
// a youtube search query.
func (c *SpotifyClient) TrackName(ctx context.Context, id string) (string, error) {
	var t spotifyTrack
	if err := c.get(ctx, "/tracks/"+id, &t); err != nil {
		return "", err
	}
	if t.Name == "" {
		return "", errors.New("track not found")
	}
	return t.searchQuery(), nil
}

// PlaylistTracks returns search queries for every track in a playlist.
func (c *SpotifyClient) PlaylistTracks(ctx context.Context, id string) ([]string, error) {
	var body struct {
		Items []struct {
			Track *spotifyTrack `json:"track"`
		} `json:"items"`
	}
	if err := c.get(ctx, "/playlists/"+id+"/tracks?limit=100&fields=items(track(id,name,artists(name)))", &body); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(body.Items))
	for _, item := range body.Items {
		if item.Track == nil || item.Track.Name == "" {
			continue
		}
		names = append(names, item.Track.searchQuery())
	}
	if len(names) == 0 {
		return nil, errors.New("empty playlist")
	}
	return names, nil
}

// AlbumTracks returns search queries for every track on an album.
func (c *SpotifyClient) AlbumTracks(ctx context.Context, id string) ([]string, error) {
	var body struct {
		Items []spotifyTrack `json:"items"`
	}
	if err := c.get(ctx, "/albums/"+id+"/tracks?limit=50", &body); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(body.Items))
	for _, t := range body.Items {
		if t.Name == "" {
			continue
		}
		names = append(names, t.searchQuery())
	}
	if len(names) == 0 {
		return nil, errors.New("empty album")
	}
	return names, nil
}

// RecCandidate is a recommended track offered to the listener.
type RecCandidate struct {
	ID     string
	Title  string
	Artist string
}

func (r RecCandidate) SearchQuery() string {
	if r.Artist != "" {
		return r.Title + " " + r.Artist
	}
	return r.Title
}

// Recommendations finds tracks similar to the seed query. The seed is
// first resolved to a spotify track via search, then fed to the
// recommendations endpoint.
func (c *SpotifyClient) Recommendations(ctx context.Context, seed string, limit int) ([]RecCandidate, error) {
	var search struct {
		Tracks struct {
			Items []spotifyTrack `json:"items"`
		} `json:"tracks"`
	}
	q := url.QueryEscape(seed)
	if err := c.get(ctx, "/search?type=track&limit=1&q="+q, &search); err != nil {
		return nil, err
	}
	if len(search.Tracks.Items) == 0 {
		return nil, errors.New("seed track not found")
	}
	seedID := search.Tracks.Items[0].ID

	var recs struct {
		Tracks []spotifyTrack `json:"tracks"`
	}
	if err := c.get(ctx, fmt.Sprintf("/recommendations?seed_tracks=%s&limit=%d", seedID, limit), &recs); err != nil {
		return nil, err
	}

	out := make([]RecCandidate, 0, len(recs.Tracks))
	for _, t := range recs.Tracks {
		if t.Name == "" || t.ID == "" {
			continue
		}
		artist := ""
		if len(t.Artists) > 0 {
			artist = t.Artists[0].Name
		}
		out = append(out, RecCandidate{ID: t.ID, Title: t.Name, Artist: artist})
	}
	if len(out) == 0 {
		return nil, errors.New("no recommendations")
	}
	return out, nil
}
