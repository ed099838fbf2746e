package main

import (
	"context"
	"sync"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Recommendations
// ============================================================================

const (
	RecommendBatchSize = 4

	MsgRecommendEnabled  = "Auto-queue enabled in guild %s (seed %q)"
	MsgRecommendDisabled = "Auto-queue disabled in guild %s"
	MsgRecommendAppended = "Auto-queued %q in guild %s"
	MsgRecommendFail     = "Recommendation fetch failed in guild %s: %v"
	MsgNoticeNoRecs      = "No recommendations possible."

	RecommendPromptTitle = "-# Up next, pick one or let it ride:"
)

// Recommender drives auto-queue mode for one guild: it keeps a batch
// of candidate tracks and appends one whenever the player runs low.
type Recommender struct {
	spotify  *SpotifyClient
	resolver *Resolver
	client   bot.Client
	notify   Notifier

	guildID   snowflake.ID
	channelID snowflake.ID

	mu         sync.Mutex
	active     bool
	seed       string
	candidates []RecCandidate
	selected   *RecCandidate
	promptID   snowflake.ID
}

func NewRecommender(client bot.Client, spotify *SpotifyClient, resolver *Resolver, notify Notifier, guildID, channelID snowflake.ID) *Recommender {
	return &Recommender{
		spotify:   spotify,
		resolver:  resolver,
		client:    client,
		notify:    notify,
		guildID:   guildID,
		channelID: channelID,
	}
}

func (r *Recommender) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Enable fetches a candidate batch seeded by seed and posts the
// selection prompt. Lookup failure leaves the mode off.
func (r *Recommender) Enable(ctx context.Context, seed string) bool {
	if r.spotify == nil {
		if r.notify != nil {
			r.notify.Notice(MsgNoticeNoRecs)
		}
		return false
	}
	candidates, err := r.spotify.Recommendations(ctx, seed, RecommendBatchSize)
	if err != nil {
		LogSpotify(MsgRecommendFail, r.guildID, err)
		if r.notify != nil {
			r.notify.Notice(MsgNoticeNoRecs)
		}
		return false
	}

	r.mu.Lock()
	r.active = true
	r.seed = seed
	r.candidates = candidates
	r.selected = nil
	r.mu.Unlock()

	r.showPrompt(candidates)
	LogSpotify(MsgRecommendEnabled, r.guildID, seed)
	return true
}

// Disable turns the mode off and removes the prompt.
func (r *Recommender) Disable() {
	r.mu.Lock()
	if !r.active && r.promptID == 0 {
		r.mu.Unlock()
		return
	}
	r.active = false
	r.seed = ""
	r.candidates = nil
	r.selected = nil
	promptID := r.promptID
	r.promptID = 0
	r.mu.Unlock()

	if promptID != 0 {
		_ = r.client.Rest.DeleteMessage(r.channelID, promptID)
	}
	LogSpotify(MsgRecommendDisabled, r.guildID)
}

// Select marks a prompted candidate as the user's pick.
func (r *Recommender) Select(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.candidates {
		if r.candidates[i].ID == id {
			c := r.candidates[i]
			r.selected = &c
			return
		}
	}
}

// Refresh re-fetches the candidate batch for the same seed.
func (r *Recommender) Refresh(ctx context.Context) {
	r.mu.Lock()
	active, seed := r.active, r.seed
	r.mu.Unlock()
	if !active || r.spotify == nil {
		return
	}
	candidates, err := r.spotify.Recommendations(ctx, seed, RecommendBatchSize)
	if err != nil {
		LogSpotify(MsgRecommendFail, r.guildID, err)
		return
	}
	r.mu.Lock()
	r.candidates = candidates
	r.selected = nil
	r.mu.Unlock()
	r.showPrompt(candidates)
}

// OnLowBuffer consumes the selected candidate (or the top one) and
// appends its resolved track to the queue.
func (r *Recommender) OnLowBuffer(q *PlaybackQueue) {
	r.mu.Lock()
	if !r.active || len(r.candidates) == 0 {
		r.mu.Unlock()
		return
	}
	var pick RecCandidate
	if r.selected != nil {
		pick = *r.selected
		r.selected = nil
		for i := range r.candidates {
			if r.candidates[i].ID == pick.ID {
				r.candidates = append(r.candidates[:i], r.candidates[i+1:]...)
				break
			}
		}
	} else {
		pick = r.candidates[0]
		r.candidates = r.candidates[1:]
	}
	exhausted := len(r.candidates) == 0
	r.mu.Unlock()

	tracks, err := r.resolver.Resolve(q.ctx, pick.SearchQuery())
	if err != nil || len(tracks) == 0 {
		LogSpotify(MsgRecommendFail, r.guildID, err)
		return
	}
	q.Load(tracks[0])
	LogSpotify(MsgRecommendAppended, tracks[0].Title, r.guildID)

	if exhausted {
		r.Refresh(q.ctx)
	}
}

// showPrompt posts or edits the candidate selection message.
func (r *Recommender) showPrompt(candidates []RecCandidate) {
	buttons := make([]discord.InteractiveComponent, 0, len(candidates)+1)
	for _, c := range candidates {
		label := c.Title
		if c.Artist != "" {
			label += " – " + c.Artist
		}
		buttons = append(buttons, discord.NewButton(discord.ButtonStyleSuccess, Truncate(label, 80), ComponentTrack+c.ID, "", 0))
	}
	buttons = append(buttons, discord.NewButton(discord.ButtonStyleSecondary, "↺", ComponentRefresh, "", 0))

	components := []discord.LayoutComponent{discord.NewActionRow(buttons...)}
	content := RecommendPromptTitle

	r.mu.Lock()
	promptID := r.promptID
	r.mu.Unlock()

	if promptID != 0 {
		update := discord.MessageUpdate{Content: &content, Components: &components}
		if _, err := r.client.Rest.UpdateMessage(r.channelID, promptID, update); err == nil {
			return
		}
	}

	msg, err := r.client.Rest.CreateMessage(r.channelID, discord.MessageCreate{
		Content:    content,
		Components: components,
	})
	if err != nil {
		return
	}
	r.mu.Lock()
	r.promptID = msg.ID
	r.mu.Unlock()
}
