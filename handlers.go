package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Command & Interaction Handlers
// ============================================================================

const (
	RequestChannelName = "carracosta"
	TransientNoticeTTL = 5 * time.Second
)

const (
	MsgHandlerGuildOnly       = "This command can only be used in a server."
	MsgHandlerSetupDone       = "Channel ready: <#%s>"
	MsgHandlerSetupFail       = "Setup failed: %v"
	MsgHandlerRestarting      = "Restarting..."
	MsgHandlerNoQueue         = "Nothing is playing."
	MsgHandlerNoDownload      = "No downloadable song. Stations cannot be saved."
	MsgHandlerDownloadMissing = "The current song is not cached yet. Try again shortly."
	MsgNoticeJoinVoice        = "Join a voice channel first."
	MsgNoticeNoResults        = "No results. Please try another search."
	MsgNoticeVoiceFail        = "Could not join your voice channel."
	MsgHandlerRequest         = "Request in guild %s from %s: %q"
	MsgHandlerSweepDeleted    = "Swept %d stray message(s) in guild %s"
	MsgHandlerAnchorMissing   = "No anchor recorded for guild %s, run /setup"
)

var (
	guildStore     *GuildStore
	audioCache     = NewAudioCache()
	sharedResolver *Resolver
	spotifyClient  *SpotifyClient
)

func init() {
	adminPerm := discord.PermissionAdministrator

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "setup",
		Description:              "Create the request channel and queue message",
		DefaultMemberPermissions: omit.New(&adminPerm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
	}, handleSetup)

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "download",
		Description: "Download the currently playing song",
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
	}, handleDownloadCommand)

	RegisterCommand(discord.SlashCommandCreate{
		Name:                     "restart",
		Description:              "Restart the bot process",
		DefaultMemberPermissions: omit.New(&adminPerm),
	}, handleRestart)

	RegisterComponentHandler(ComponentPause, withQueue(func(q *PlaybackQueue, _ *events.ComponentInteractionCreate) { q.TogglePause() }))
	RegisterComponentHandler(ComponentSkip, withQueue(func(q *PlaybackQueue, _ *events.ComponentInteractionCreate) { q.Skip() }))
	RegisterComponentHandler(ComponentStop, withQueue(func(q *PlaybackQueue, _ *events.ComponentInteractionCreate) { q.Stop() }))
	RegisterComponentHandler(ComponentRepeat, withQueue(func(q *PlaybackQueue, _ *events.ComponentInteractionCreate) { q.CycleRepeat() }))
	RegisterComponentHandler(ComponentRandom, withQueue(func(q *PlaybackQueue, _ *events.ComponentInteractionCreate) { q.Shuffle() }))
	RegisterComponentHandler(ComponentRadio, handleRadioButton)
	RegisterComponentHandler(ComponentStation, handleStationSelect)
	RegisterComponentHandler(ComponentDownload, handleDownloadButton)
	RegisterComponentHandler(ComponentRecommend, handleRecommendButton)
	RegisterComponentHandler(ComponentRefresh, handleRefreshButton)
	RegisterComponentHandler(ComponentTrack, handleTrackButton)

	RegisterMessageCreateHandler(handleRequestMessage)
	RegisterVoiceStateUpdateHandler(handleVoiceStateUpdate)

	OnClientReady(func(ctx context.Context, client bot.Client) {
		spotifyClient = NewSpotifyClient(GlobalConfig.SpotifyClientID, GlobalConfig.SpotifyClientSecret)
		sharedResolver = NewResolver(spotifyClient)

		guildStore = NewGuildStore(GlobalConfig.GuildsFile)
		if err := guildStore.Load(); err != nil {
			LogConfig(MsgGuildsReadFail, GlobalConfig.GuildsFile, err)
		}
		if err := guildStore.Watch(ctx, func() { syncAnchors(client) }); err != nil {
			LogConfig(MsgGuildsWatchFail, GlobalConfig.GuildsFile, err)
		}
		syncAnchors(client)
		sweepRequestChannels(client)
	})
}

// ----------------------------------------------------------------------------
// Anchor lifecycle
// ----------------------------------------------------------------------------

// syncAnchors makes sure every configured guild has a live QueueMessage
// and renders the current (or empty) state into it.
func syncAnchors(client bot.Client) {
	reg := GetRegistry()
	for guildID, anchor := range guildStore.All() {
		m := reg.Message(guildID)
		if m == nil || m.ChannelID != anchor.ChannelID {
			m = NewQueueMessage(client, guildStore, guildID, anchor)
			reg.SetMessage(guildID, m)
		}
		if q := reg.Queue(guildID); q != nil {
			m.Update(q.Snapshot())
		} else {
			m.Update(QueueState{})
		}
	}
}

// sweepRequestChannels deletes leftover request messages around the
// anchor at startup, the request channel stays ephemeral.
func sweepRequestChannels(client bot.Client) {
	for guildID, anchor := range guildStore.All() {
		msgs, err := client.Rest.GetMessages(anchor.ChannelID, 0, 0, 0, 50)
		if err != nil {
			continue
		}
		var strays []snowflake.ID
		for _, msg := range msgs {
			if msg.ID != anchor.MessageID {
				strays = append(strays, msg.ID)
			}
		}
		switch {
		case len(strays) == 1:
			_ = client.Rest.DeleteMessage(anchor.ChannelID, strays[0])
		case len(strays) > 1:
			_ = client.Rest.BulkDeleteMessages(anchor.ChannelID, strays)
		}
		if len(strays) > 0 {
			LogQueue(MsgHandlerSweepDeleted, len(strays), guildID)
		}
	}
}

// ----------------------------------------------------------------------------
// Notices
// ----------------------------------------------------------------------------

// channelNotifier posts auto-deleting notices in the request channel.
type channelNotifier struct {
	client    bot.Client
	channelID snowflake.ID
}

func (n *channelNotifier) Notice(text string) {
	msg, err := n.client.Rest.CreateMessage(n.channelID, discord.MessageCreate{Content: text})
	if err != nil {
		return
	}
	time.AfterFunc(TransientNoticeTTL, func() {
		_ = n.client.Rest.DeleteMessage(n.channelID, msg.ID)
	})
}

func (n *channelNotifier) Typing() {
	_ = n.client.Rest.SendTyping(n.channelID)
}

// ----------------------------------------------------------------------------
// Queue construction
// ----------------------------------------------------------------------------

// ensureQueue returns the guild's queue, building one wired to the
// anchor channel when none exists.
func ensureQueue(client bot.Client, guildID snowflake.ID) (*PlaybackQueue, error) {
	anchor, ok := guildStore.Get(guildID)
	if !ok {
		LogQueue(MsgHandlerAnchorMissing, guildID)
		return nil, fmt.Errorf("guild %s has no request channel", guildID)
	}
	reg := GetRegistry()
	notify := &channelNotifier{client: client, channelID: anchor.ChannelID}

	// Resolved before GetOrCreateQueue: the create callback runs under
	// the registry lock and must not call back into the registry.
	var renderer QueueRenderer
	if m := reg.Message(guildID); m != nil {
		renderer = m
	}

	for {
		q := reg.GetOrCreateQueue(guildID, func() *PlaybackQueue {
			link := newGatewayVoiceLink(client, guildID)
			player := newOpusPlayer(link.Conn())
			recmd := NewRecommender(client, spotifyClient, sharedResolver, notify, guildID, anchor.ChannelID)
			return NewPlaybackQueue(AppContext, guildID, QueueDeps{
				Player:   player,
				Link:     link,
				Cache:    audioCache,
				Resolver: sharedResolver,
				Renderer: renderer,
				Notify:   notify,
				Recmd:    recmd,
			})
		})
		if !q.Destroyed() {
			return q, nil
		}
		reg.RemoveQueue(guildID, q)
	}
}

// memberVoiceChannel returns the voice channel a user currently sits in.
func memberVoiceChannel(client bot.Client, guildID, userID snowflake.ID) (snowflake.ID, bool) {
	vs, ok := client.Caches.VoiceState(guildID, userID)
	if !ok || vs.ChannelID == nil {
		return 0, false
	}
	return *vs.ChannelID, true
}

// queueForVoiceUser builds (or fetches) the queue and joins the
// requesting user's voice channel.
func queueForVoiceUser(client bot.Client, guildID, userID snowflake.ID, notify Notifier) (*PlaybackQueue, bool) {
	voiceChannelID, inVoice := memberVoiceChannel(client, guildID, userID)
	if !inVoice {
		notify.Notice(MsgNoticeJoinVoice)
		return nil, false
	}
	q, err := ensureQueue(client, guildID)
	if err != nil {
		return nil, false
	}
	if err := q.link.Open(AppContext, voiceChannelID); err != nil {
		notify.Notice(MsgNoticeVoiceFail)
		q.Destroy()
		return nil, false
	}
	return q, true
}

// ----------------------------------------------------------------------------
// Request messages
// ----------------------------------------------------------------------------

func handleRequestMessage(event *events.MessageCreate) {
	if event.GuildID == nil || event.Message.Author.Bot {
		return
	}
	guildID := *event.GuildID
	if guildStore == nil {
		return
	}
	anchor, ok := guildStore.Get(guildID)
	if !ok || event.Message.ChannelID != anchor.ChannelID {
		return
	}

	client := *event.Client()

	// The request channel is ephemeral, requests never linger
	_ = client.Rest.DeleteMessage(event.Message.ChannelID, event.Message.ID)

	content := event.Message.Content
	if content == "" && len(event.Message.Attachments) > 0 {
		content = event.Message.Attachments[0].URL
	}
	if content == "" {
		return
	}
	LogQueue(MsgHandlerRequest, guildID, event.Message.Author.Username, content)

	notify := &channelNotifier{client: client, channelID: anchor.ChannelID}
	q, ok := queueForVoiceUser(client, guildID, event.Message.Author.ID, notify)
	if !ok {
		return
	}

	notify.Typing()
	tracks, err := sharedResolver.Resolve(q.ctx, content)
	if err != nil || len(tracks) == 0 {
		notify.Notice(MsgNoticeNoResults)
		return
	}
	q.Load(tracks...)
}

// ----------------------------------------------------------------------------
// Buttons & menus
// ----------------------------------------------------------------------------

// withQueue acknowledges the interaction and runs op against the
// guild's queue, if one exists.
func withQueue(op func(q *PlaybackQueue, event *events.ComponentInteractionCreate)) func(event *events.ComponentInteractionCreate) {
	return func(event *events.ComponentInteractionCreate) {
		_ = event.DeferUpdateMessage()
		if event.GuildID() == nil {
			return
		}
		q := GetRegistry().Queue(*event.GuildID())
		if q == nil {
			return
		}
		op(q, event)
	}
}

// handleRadioButton reveals the station picker. Playback only starts
// once a station is chosen from the menu. While a station plays the
// button turns the radio off again.
func handleRadioButton(event *events.ComponentInteractionCreate) {
	_ = event.DeferUpdateMessage()
	if event.GuildID() == nil {
		return
	}
	guildID := *event.GuildID()
	client := *event.Client()

	q, err := ensureQueue(client, guildID)
	if err != nil {
		return
	}
	if cur := q.CurrentTrack(); cur != nil && cur.IsLiveStation {
		// Radio already active, pressing again drops the station
		q.Skip()
		return
	}
	q.ToggleRadioMenu()
}

func handleStationSelect(event *events.ComponentInteractionCreate) {
	_ = event.DeferUpdateMessage()
	if event.GuildID() == nil {
		return
	}
	values := event.StringSelectMenuInteractionData().Values
	if len(values) == 0 {
		return
	}
	station, ok := StationByStreamURL(values[0])
	if !ok {
		return
	}
	guildID := *event.GuildID()
	client := *event.Client()
	anchor, found := guildStore.Get(guildID)
	if !found {
		return
	}
	notify := &channelNotifier{client: client, channelID: anchor.ChannelID}
	q, ready := queueForVoiceUser(client, guildID, event.User().ID, notify)
	if !ready {
		return
	}
	q.Load(StationTrack(station))
}

// interactionReplier is satisfied by both command and component events.
type interactionReplier interface {
	CreateMessage(messageCreate discord.MessageCreate, opts ...rest.RequestOpt) error
}

func handleDownloadButton(event *events.ComponentInteractionCreate) {
	if event.GuildID() == nil {
		return
	}
	q := GetRegistry().Queue(*event.GuildID())
	respondDownload(event, q)
}

func handleDownloadCommand(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: MsgHandlerGuildOnly, Flags: discord.MessageFlagEphemeral})
		return
	}
	q := GetRegistry().Queue(*event.GuildID())
	respondDownload(event, q)
}

// respondDownload replies with the cached audio file of the head track.
func respondDownload(reply interactionReplier, q *PlaybackQueue) {
	fail := func(text string) {
		_ = reply.CreateMessage(discord.MessageCreate{Content: text, Flags: discord.MessageFlagEphemeral})
	}
	if q == nil {
		fail(MsgHandlerNoQueue)
		return
	}
	head := q.CurrentTrack()
	if head == nil {
		fail(MsgHandlerNoQueue)
		return
	}
	if head.IsLiveStation {
		fail(MsgHandlerNoDownload)
		return
	}
	path, ok := audioCache.CachedPath(head.CacheKey())
	if !ok {
		fail(MsgHandlerDownloadMissing)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		fail(MsgHandlerDownloadMissing)
		return
	}
	defer f.Close()
	_ = reply.CreateMessage(discord.MessageCreate{
		Files: []*discord.File{discord.NewFile(head.CacheKey()+".opus", "", f)},
		Flags: discord.MessageFlagEphemeral,
	})
}

func handleRecommendButton(event *events.ComponentInteractionCreate) {
	_ = event.DeferUpdateMessage()
	if event.GuildID() == nil {
		return
	}
	q := GetRegistry().Queue(*event.GuildID())
	if q == nil {
		return
	}
	if q.AutoQueue() {
		q.SetAutoQueue(false)
		if q.recmd != nil {
			q.recmd.Disable()
		}
		return
	}
	head := q.CurrentTrack()
	if head == nil || head.IsLiveStation {
		return
	}
	seed := head.Title
	if head.Uploader != "" {
		seed += " " + head.Uploader
	}
	if q.recmd != nil && q.recmd.Enable(q.ctx, seed) {
		q.SetAutoQueue(true)
	}
}

func handleRefreshButton(event *events.ComponentInteractionCreate) {
	_ = event.DeferUpdateMessage()
	if event.GuildID() == nil {
		return
	}
	q := GetRegistry().Queue(*event.GuildID())
	if q == nil || q.recmd == nil {
		return
	}
	q.recmd.Refresh(q.ctx)
}

func handleTrackButton(event *events.ComponentInteractionCreate) {
	_ = event.DeferUpdateMessage()
	if event.GuildID() == nil {
		return
	}
	q := GetRegistry().Queue(*event.GuildID())
	if q == nil || q.recmd == nil {
		return
	}
	id := strings.TrimPrefix(event.Data.CustomID(), ComponentTrack)
	q.recmd.Select(id)
}

// ----------------------------------------------------------------------------
// Voice state updates
// ----------------------------------------------------------------------------

func handleVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	guildID := event.VoiceState.GuildID
	q := GetRegistry().Queue(guildID)
	if q == nil {
		return
	}

	if event.VoiceState.UserID == event.Client().ID() {
		if event.VoiceState.ChannelID == nil {
			q.HandleBotDisconnect()
			return
		}
		q.NotifyVoiceReconnected()
		if gl, ok := q.link.(*gatewayVoiceLink); ok {
			gl.noteChannel(*event.VoiceState.ChannelID)
		}
		return
	}

	botChannelID := q.link.ChannelID()
	if botChannelID == 0 {
		return
	}
	humanCount := 0
	for state := range event.Client().Caches.VoiceStates(guildID) {
		if state.ChannelID != nil && *state.ChannelID == botChannelID && state.UserID != event.Client().ID() {
			if m, ok := event.Client().Caches.Member(guildID, state.UserID); !ok || !m.User.Bot {
				humanCount++
			}
		}
	}
	q.HandleAloneChange(humanCount == 0)
}

// ----------------------------------------------------------------------------
// Commands
// ----------------------------------------------------------------------------

func handleSetup(event *events.ApplicationCommandInteractionCreate) {
	if event.GuildID() == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: MsgHandlerGuildOnly, Flags: discord.MessageFlagEphemeral})
		return
	}
	guildID := *event.GuildID()
	client := *event.Client()

	channel, err := client.Rest.CreateGuildChannel(guildID, discord.GuildTextChannelCreate{
		Name:  RequestChannelName,
		Topic: discord.UserMention(client.ID()),
	})
	if err != nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: fmt.Sprintf(MsgHandlerSetupFail, err), Flags: discord.MessageFlagEphemeral})
		return
	}

	messageID, err := SendAnchor(client, channel.ID())
	if err != nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: fmt.Sprintf(MsgHandlerSetupFail, err), Flags: discord.MessageFlagEphemeral})
		return
	}

	anchor := GuildAnchor{ChannelID: channel.ID(), MessageID: messageID}
	if err := guildStore.Set(guildID, anchor); err != nil {
		LogConfig(MsgGuildsParseFail, GlobalConfig.GuildsFile, err)
	}
	GetRegistry().SetMessage(guildID, NewQueueMessage(client, guildStore, guildID, anchor))

	_ = event.CreateMessage(discord.MessageCreate{
		Content: fmt.Sprintf(MsgHandlerSetupDone, channel.ID()),
		Flags:   discord.MessageFlagEphemeral,
	})
}

func handleRestart(event *events.ApplicationCommandInteractionCreate) {
	_ = event.CreateMessage(discord.MessageCreate{Content: MsgHandlerRestarting, Flags: discord.MessageFlagEphemeral})
	RestartRequested = true
	_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
}
