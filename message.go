package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"
)

// ============================================================================
// Now-Playing Message
// ============================================================================

const (
	QueueTitle     = "## **Q__ueue__**"
	QueueLimitMark = "\n\t**[ . . . ]**"
	QueueEmptyHint = "\n-# Search, Youtube, Spotify (Single / Playlist)"
	QueueBodyLimit = 1800

	DefaultImage = "https://media.discordapp.net/attachments/465329247511379969/1055000440888111124/bluepen.png?width=788&height=676"
	RadioImage   = "https://media.discordapp.net/attachments/465329247511379969/1057745459315228694/eboy.jpg"

	EmbedTitleNoSong = "No Song"

	FooterSongs        = "%d songs in queue."
	FooterLoopQueue    = "  |  Looping queue."
	FooterLoopCurrent  = "  |  Looping current."
	FooterPlayingRadio = "  |  Playing Radio. "
	FooterPaused       = "  |  Paused."
)

const (
	ComponentPause     = "pause"
	ComponentSkip      = "skip"
	ComponentStop      = "stop"
	ComponentRepeat    = "repeat"
	ComponentRandom    = "random"
	ComponentRadio     = "radio"
	ComponentDownload  = "download"
	ComponentRecommend = "recommend"
	ComponentRefresh   = "refresh"
	ComponentStation   = "station"
	ComponentTrack     = "track-"
)

const (
	EmojiPause    = "⏵"
	EmojiSkip     = "⏭"
	EmojiStop     = "⏹"
	EmojiRepeat   = "↻"
	EmojiRandom   = "⇄"
	EmojiRadio    = "⏚"
	EmojiDownload = "⭳"
	EmojiAuto     = "∞"
)

const (
	MsgMessageEditFail    = "Failed to edit anchor message in guild %s: %v"
	MsgMessageRecreated   = "Recreated anchor message in guild %s (%s)"
	MsgMessageCreateFail  = "Failed to recreate anchor message in guild %s: %v"
)

// QueueState is an immutable snapshot of a queue, everything the
// renderer needs.
type QueueState struct {
	Songs        []*Track
	Head         *Track
	Repeat       RepeatMode
	AutoQueue    bool
	Paused       bool
	RadioActive  bool
	RadioMenu    bool
	ChapterIndex int
	HasQueue     bool
}

// ----------------------------------------------------------------------------
// Pure rendering
// ----------------------------------------------------------------------------

// RenderQueueContent renders the message body: the queue title plus
// the pending tracks listed most-imminent last, capped at
// QueueBodyLimit with the least-soon entries truncated first.
func RenderQueueContent(st QueueState) string {
	if len(st.Songs) == 0 {
		return QueueTitle + QueueEmptyHint
	}
	var sb strings.Builder
	for i := len(st.Songs) - 1; i >= 1; i-- {
		t := st.Songs[i]
		sb.WriteString(fmt.Sprintf("\n%d\\. %s – [%s]", i, t.Title, t.DurationLabel))
	}
	body := sb.String()
	if len(body) > QueueBodyLimit {
		cut := len(body) - QueueBodyLimit
		if idx := strings.Index(body[cut:], "\n"); idx >= 0 {
			cut += idx
		}
		body = QueueLimitMark + body[cut:]
	}
	return QueueTitle + body
}

// RenderFooter renders the embed footer with its fixed suffix order.
func RenderFooter(st QueueState) string {
	footer := fmt.Sprintf(FooterSongs, len(st.Songs))
	switch st.Repeat {
	case RepeatQueue:
		footer += FooterLoopQueue
	case RepeatSingle:
		footer += FooterLoopCurrent
	}
	if st.RadioActive {
		footer += FooterPlayingRadio
	}
	if st.Paused {
		footer += FooterPaused
	}
	return footer
}

// RenderEmbed renders the now-playing embed: head title, thumbnail or
// chapter view, and the footer.
func RenderEmbed(st QueueState) discord.Embed {
	embed := discord.Embed{
		Footer: &discord.EmbedFooter{Text: RenderFooter(st)},
	}

	head := st.Head
	if head == nil {
		embed.Title = EmbedTitleNoSong
		embed.Image = &discord.EmbedResource{URL: DefaultImage}
		return embed
	}

	if head.IsLiveStation {
		embed.Title = "Station: " + head.StationName
		if head.StationHome != "" {
			embed.URL = head.StationHome
		}
		embed.Image = &discord.EmbedResource{URL: RadioImage}
		return embed
	}

	embed.Title = fmt.Sprintf("[%s] - %s", head.DurationLabel, head.Title)
	embed.URL = head.SourceURL

	image := head.ThumbnailURL
	if head.HasChapters() {
		active := head.ClampChapter(st.ChapterIndex)
		var desc strings.Builder
		for i, c := range head.Chapters {
			line := fmt.Sprintf("[%s] - %s", formatChapterOffset(c.OffsetSeconds), c.Label)
			if i == active {
				desc.WriteString("**" + line + "**\n")
			} else {
				desc.WriteString(line + "\n")
			}
		}
		embed.Description = desc.String()
		if c := head.ActiveChapter(st.ChapterIndex); c.ThumbnailURL != "" {
			image = c.ThumbnailURL
		}
	}
	if image == "" {
		image = DefaultImage
	}
	embed.Image = &discord.EmbedResource{URL: image}
	return embed
}

// RenderComponents renders the control rows. Transport buttons are
// disabled as a group when no queue is active, the pause and repeat
// buttons show success styling when engaged.
func RenderComponents(st QueueState) []discord.LayoutComponent {
	disabled := !st.HasQueue || len(st.Songs) == 0

	pauseStyle := discord.ButtonStyleSecondary
	if st.Paused {
		pauseStyle = discord.ButtonStyleSuccess
	}
	repeatStyle := discord.ButtonStyleSecondary
	if st.Repeat != RepeatOff {
		repeatStyle = discord.ButtonStyleSuccess
	}
	autoStyle := discord.ButtonStyleSecondary
	if st.AutoQueue {
		autoStyle = discord.ButtonStyleSuccess
	}
	radioStyle := discord.ButtonStyleSecondary
	if st.RadioActive || st.RadioMenu {
		radioStyle = discord.ButtonStyleSuccess
	}

	transport := discord.NewActionRow(
		discord.NewButton(pauseStyle, EmojiPause, ComponentPause, "", 0).WithDisabled(disabled),
		discord.NewButton(discord.ButtonStyleSecondary, EmojiSkip, ComponentSkip, "", 0).WithDisabled(disabled),
		discord.NewButton(discord.ButtonStyleSecondary, EmojiStop, ComponentStop, "", 0).WithDisabled(disabled),
		discord.NewButton(repeatStyle, EmojiRepeat, ComponentRepeat, "", 0).WithDisabled(disabled),
		discord.NewButton(discord.ButtonStyleSecondary, EmojiRandom, ComponentRandom, "", 0).WithDisabled(disabled),
	)

	extras := discord.NewActionRow(
		discord.NewButton(radioStyle, EmojiRadio, ComponentRadio, "", 0),
		discord.NewButton(autoStyle, EmojiAuto, ComponentRecommend, "", 0).WithDisabled(disabled),
		discord.NewButton(discord.ButtonStyleSecondary, EmojiDownload, ComponentDownload, "", 0).WithDisabled(disabled || st.RadioActive),
	)

	rows := []discord.LayoutComponent{transport, extras}

	if st.RadioActive || st.RadioMenu {
		placeholder := "Stations"
		if st.Head != nil && st.Head.StationName != "" {
			placeholder = st.Head.StationName
		}
		opts := make([]discord.StringSelectMenuOption, 0, len(Stations))
		for _, s := range Stations {
			opts = append(opts, discord.NewStringSelectMenuOption(s.Name, s.StreamURL))
		}
		rows = append(rows, discord.NewActionRow(
			discord.NewStringSelectMenu(ComponentStation, placeholder, opts...),
		))
	}

	return rows
}

// ----------------------------------------------------------------------------
// Anchor message
// ----------------------------------------------------------------------------

// QueueMessage owns one guild's persistent anchor message and keeps it
// in sync with queue state, rate-limiting edits and collapsing bursts
// into the latest snapshot.
type QueueMessage struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID

	client  bot.Client
	store   *GuildStore
	limiter *rate.Limiter

	mu        sync.Mutex
	messageID snowflake.ID
	pending   *QueueState
	editing   bool
	lastKey   string
}

func NewQueueMessage(client bot.Client, store *GuildStore, guildID snowflake.ID, anchor GuildAnchor) *QueueMessage {
	return &QueueMessage{
		GuildID:   guildID,
		ChannelID: anchor.ChannelID,
		client:    client,
		store:     store,
		limiter:   rate.NewLimiter(rate.Every(2*time.Second), 1),
		messageID: anchor.MessageID,
	}
}

func (m *QueueMessage) MessageID() snowflake.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messageID
}

// Update schedules an edit reflecting st. Identical consecutive states
// are skipped, bursts collapse into the newest state.
func (m *QueueMessage) Update(st QueueState) {
	key := renderKey(st)

	m.mu.Lock()
	if key == m.lastKey {
		m.mu.Unlock()
		return
	}
	m.lastKey = key
	stCopy := st
	m.pending = &stCopy
	if m.editing {
		m.mu.Unlock()
		return
	}
	m.editing = true
	m.mu.Unlock()

	safeGo(m.editLoop)
}

func (m *QueueMessage) editLoop() {
	for {
		m.mu.Lock()
		st := m.pending
		m.pending = nil
		if st == nil {
			m.editing = false
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		ctx := AppContext
		if ctx == nil {
			ctx = context.Background()
		}
		if err := m.limiter.Wait(ctx); err != nil {
			m.mu.Lock()
			m.editing = false
			m.mu.Unlock()
			return
		}
		m.apply(*st)
	}
}

func (m *QueueMessage) apply(st QueueState) {
	content := RenderQueueContent(st)
	embed := RenderEmbed(st)
	components := RenderComponents(st)

	m.mu.Lock()
	messageID := m.messageID
	m.mu.Unlock()

	update := discord.MessageUpdate{
		Content:    &content,
		Embeds:     &[]discord.Embed{embed},
		Components: &components,
	}
	if _, err := m.client.Rest.UpdateMessage(m.ChannelID, messageID, update); err != nil {
		LogQueue(MsgMessageEditFail, m.GuildID, err)
		m.recreate(st)
	}
}

// recreate replaces a lost anchor message and persists the new ID.
func (m *QueueMessage) recreate(st QueueState) {
	content := RenderQueueContent(st)
	embed := RenderEmbed(st)
	components := RenderComponents(st)

	msg, err := m.client.Rest.CreateMessage(m.ChannelID, discord.MessageCreate{
		Content:    content,
		Embeds:     []discord.Embed{embed},
		Components: components,
	})
	if err != nil {
		LogQueue(MsgMessageCreateFail, m.GuildID, err)
		return
	}

	m.mu.Lock()
	m.messageID = msg.ID
	m.mu.Unlock()

	if m.store != nil {
		_ = m.store.Set(m.GuildID, GuildAnchor{ChannelID: m.ChannelID, MessageID: msg.ID})
	}
	LogQueue(MsgMessageRecreated, m.GuildID, msg.ID)
}

// renderKey is a cheap identity for a rendered state, used to skip
// no-op edits.
func renderKey(st QueueState) string {
	var sb strings.Builder
	sb.WriteString(RenderQueueContent(st))
	sb.WriteString("|")
	sb.WriteString(RenderFooter(st))
	if st.Head != nil {
		sb.WriteString("|")
		sb.WriteString(st.Head.SourceURL)
		fmt.Fprintf(&sb, "|ch%d", st.ChapterIndex)
	}
	fmt.Fprintf(&sb, "|%t|%t|%t|%t", st.HasQueue, st.AutoQueue, st.Paused, st.RadioMenu)
	return sb.String()
}

// SendAnchor posts a fresh empty-state anchor message, used by the
// setup command and the startup sweep.
func SendAnchor(client bot.Client, channelID snowflake.ID) (snowflake.ID, error) {
	st := QueueState{}
	msg, err := client.Rest.CreateMessage(channelID, discord.MessageCreate{
		Content:    RenderQueueContent(st),
		Embeds:     []discord.Embed{RenderEmbed(st)},
		Components: RenderComponents(st),
	})
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}
