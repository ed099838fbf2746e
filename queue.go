package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Playback Queue
// ============================================================================

const (
	// IdleDestroyDelay is how long an empty queue lingers before the
	// voice connection is released.
	IdleDestroyDelay = 360 * time.Second

	// AloneDestroyDelay is how long the bot stays in a voice channel
	// after the last human leaves.
	AloneDestroyDelay = 15 * time.Second

	// DisconnectGrace is one leg of the reconnect race after the voice
	// connection drops. Two legs are waited before giving up.
	DisconnectGrace = 5 * time.Second
)

const (
	MsgQueueLoaded        = "Loaded %d track(s) in guild %s (queue size %d)"
	MsgQueueStationLoaded = "Station %q preempted head in guild %s"
	MsgQueuePlaying       = "Playing %q in guild %s"
	MsgQueueInvalidSource = "Dropping invalid source %s in guild %s: %v"
	MsgQueueStopped       = "Stopped queue in guild %s"
	MsgQueueDestroyed     = "Destroyed queue in guild %s"
	MsgQueueIdleTimeout   = "Idle timeout reached in guild %s"
	MsgQueueAloneTimeout  = "Alone timeout reached in guild %s"
	MsgQueueReconnectFail = "Voice connection lost in guild %s"
	MsgNoticeInvalid      = "Invalid source. Please try another."
)

type RepeatMode int

const (
	RepeatOff RepeatMode = iota
	RepeatQueue
	RepeatSingle
)

// QueueRenderer receives a state snapshot after every queue mutation.
type QueueRenderer interface {
	Update(st QueueState)
}

// PlaybackQueue is the per-guild playback state machine. All public
// methods are safe for concurrent use.
type PlaybackQueue struct {
	GuildID snowflake.ID

	player   TrackPlayer
	link     VoiceLink
	cache    CacheFiller
	resolver *Resolver
	renderer QueueRenderer
	notify   Notifier
	prefetch *Prefetcher
	recmd    *Recommender

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	songs        []*Track
	repeat       RepeatMode
	autoQueue    bool
	paused       bool
	radioMenu    bool
	chapterIndex int
	destroyed    bool
	generation   uint64

	idleTimer   *time.Timer
	aloneTimer  *time.Timer
	reconnected chan struct{}
}

// QueueDeps are the collaborators a queue is built from. Tests inject
// fakes here.
type QueueDeps struct {
	Player   TrackPlayer
	Link     VoiceLink
	Cache    CacheFiller
	Resolver *Resolver
	Renderer QueueRenderer
	Notify   Notifier
	Recmd    *Recommender
}

func NewPlaybackQueue(parent context.Context, guildID snowflake.ID, deps QueueDeps) *PlaybackQueue {
	ctx, cancel := context.WithCancel(parent)
	q := &PlaybackQueue{
		GuildID:  guildID,
		player:   deps.Player,
		link:     deps.Link,
		cache:    deps.Cache,
		resolver: deps.Resolver,
		renderer: deps.Renderer,
		notify:   deps.Notify,
		recmd:    deps.Recmd,
		ctx:      ctx,
		cancel:   cancel,
	}
	q.prefetch = NewPrefetcher(deps.Cache)
	return q
}

// ----------------------------------------------------------------------------
// Snapshots
// ----------------------------------------------------------------------------

func (q *PlaybackQueue) snapshotLocked() QueueState {
	songs := make([]*Track, len(q.songs))
	copy(songs, q.songs)
	st := QueueState{
		Songs:        songs,
		Repeat:       q.repeat,
		AutoQueue:    q.autoQueue,
		Paused:       q.paused,
		RadioMenu:    q.radioMenu,
		ChapterIndex: q.chapterIndex,
		HasQueue:     !q.destroyed,
	}
	if len(songs) > 0 {
		st.Head = songs[0]
		st.RadioActive = songs[0].IsLiveStation
	}
	return st
}

func (q *PlaybackQueue) render() {
	q.mu.Lock()
	st := q.snapshotLocked()
	renderer := q.renderer
	q.mu.Unlock()
	if renderer != nil {
		renderer.Update(st)
	}
}

// Snapshot returns a copy of the current state for rendering.
func (q *PlaybackQueue) Snapshot() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

// CurrentTrack returns the head track, or nil when the queue is empty.
func (q *PlaybackQueue) CurrentTrack() *Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.songs) == 0 {
		return nil
	}
	return q.songs[0]
}

func (q *PlaybackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.songs)
}

func (q *PlaybackQueue) Destroyed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destroyed
}

// upcoming returns the tracks behind the head, for the prefetcher.
func (q *PlaybackQueue) upcoming() []*Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.songs) <= 1 {
		return nil
	}
	out := make([]*Track, len(q.songs)-1)
	copy(out, q.songs[1:])
	return out
}

// ----------------------------------------------------------------------------
// Operations
// ----------------------------------------------------------------------------

// Load appends tracks to the tail, or preempts the head when the
// single track is a live station. Starts playback when the queue was
// empty (or when a station took over the head).
func (q *PlaybackQueue) Load(tracks ...*Track) {
	if len(tracks) == 0 {
		return
	}

	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.stopIdleTimerLocked()

	startHead := false
	if len(tracks) == 1 && tracks[0].IsLiveStation {
		station := tracks[0]
		if len(q.songs) > 0 && q.songs[0].IsLiveStation {
			q.songs[0] = station
		} else {
			q.songs = append([]*Track{station}, q.songs...)
		}
		q.generation++
		q.radioMenu = false
		startHead = true
		LogQueue(MsgQueueStationLoaded, station.StationName, q.GuildID)
	} else {
		wasEmpty := len(q.songs) == 0
		q.songs = append(q.songs, tracks...)
		if wasEmpty {
			q.generation++
			startHead = true
		}
		LogQueue(MsgQueueLoaded, len(tracks), q.GuildID, len(q.songs))
	}
	q.mu.Unlock()

	if startHead {
		q.player.Stop()
		q.startHead()
	} else {
		q.render()
	}
	q.schedulePrefetch()
}

// Advance is invoked on natural end of track and applies the repeat
// policy before starting the next head.
func (q *PlaybackQueue) Advance() {
	q.mu.Lock()
	if q.destroyed || len(q.songs) == 0 {
		q.mu.Unlock()
		return
	}
	head := q.songs[0]
	switch {
	case head.IsLiveStation:
		// A station that ends on its own is gone, never requeued
		q.songs = q.songs[1:]
	case q.repeat == RepeatSingle:
		// Head stays, replays
	case q.repeat == RepeatQueue:
		q.songs = append(q.songs[1:], head)
	default:
		q.songs = q.songs[1:]
	}
	q.generation++
	q.mu.Unlock()

	q.startHead()
	q.schedulePrefetch()
}

// Skip forces an immediate advance. A playing station is dropped
// outright instead of obeying the repeat policy.
func (q *PlaybackQueue) Skip() {
	q.mu.Lock()
	if q.destroyed || len(q.songs) == 0 {
		q.mu.Unlock()
		return
	}
	head := q.songs[0]
	if head.IsLiveStation {
		q.songs = q.songs[1:]
	} else {
		switch q.repeat {
		case RepeatQueue:
			q.songs = append(q.songs[1:], head)
		case RepeatSingle:
			// Replays
		default:
			q.songs = q.songs[1:]
		}
	}
	q.generation++
	q.mu.Unlock()

	q.player.Stop()
	q.prefetch.Reset()
	q.startHead()
	q.schedulePrefetch()
}

// Stop clears everything and returns to the empty state. The voice
// connection is kept, an idle timer releases it later.
func (q *PlaybackQueue) Stop() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.songs = nil
	q.repeat = RepeatOff
	q.autoQueue = false
	q.paused = false
	q.radioMenu = false
	q.generation++
	q.startIdleTimerLocked()
	q.mu.Unlock()

	q.player.Stop()
	q.prefetch.Reset()
	q.setVoiceStatus("")
	if q.recmd != nil {
		q.recmd.Disable()
	}
	LogQueue(MsgQueueStopped, q.GuildID)
	q.render()
}

// TogglePause flips the pause state. No-op on an empty queue.
func (q *PlaybackQueue) TogglePause() {
	q.mu.Lock()
	if q.destroyed || len(q.songs) == 0 {
		q.mu.Unlock()
		return
	}
	q.paused = !q.paused
	paused := q.paused
	head := q.songs[0]
	q.mu.Unlock()

	q.player.Pause(paused)
	if paused {
		q.setVoiceStatus(StatusPaused)
	} else {
		q.setVoiceStatus(playingStatus(head))
	}
	q.render()
}

// CycleRepeat steps off -> queue -> single -> off.
func (q *PlaybackQueue) CycleRepeat() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.repeat = (q.repeat + 1) % 3
	q.mu.Unlock()
	q.render()
}

func (q *PlaybackQueue) Repeat() RepeatMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.repeat
}

// Shuffle permutes everything except the head.
func (q *PlaybackQueue) Shuffle() {
	q.mu.Lock()
	if q.destroyed || len(q.songs) <= 2 {
		q.mu.Unlock()
		return
	}
	rest := q.songs[1:]
	rand.Shuffle(len(rest), func(i, j int) {
		rest[i], rest[j] = rest[j], rest[i]
	})
	q.mu.Unlock()

	q.prefetch.Reset()
	q.render()
	q.schedulePrefetch()
}

// ToggleRadioMenu shows or hides the station picker row.
func (q *PlaybackQueue) ToggleRadioMenu() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.radioMenu = !q.radioMenu
	q.mu.Unlock()
	q.render()
}

// SetAutoQueue toggles recommendation-driven extension of the queue.
func (q *PlaybackQueue) SetAutoQueue(on bool) {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.autoQueue = on
	q.mu.Unlock()
	q.render()
}

func (q *PlaybackQueue) AutoQueue() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.autoQueue
}

// Destroy tears the queue down. Idempotent.
func (q *PlaybackQueue) Destroy() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.destroyed = true
	q.songs = nil
	q.repeat = RepeatOff
	q.autoQueue = false
	q.paused = false
	q.radioMenu = false
	q.generation++
	q.stopIdleTimerLocked()
	if q.aloneTimer != nil {
		q.aloneTimer.Stop()
		q.aloneTimer = nil
	}
	q.mu.Unlock()

	q.cancel()
	q.player.Stop()
	q.prefetch.Reset()
	q.setVoiceStatus("")
	if q.recmd != nil {
		q.recmd.Disable()
	}
	if q.link != nil {
		q.link.Close(context.Background())
	}
	GetRegistry().RemoveQueue(q.GuildID, q)
	LogQueue(MsgQueueDestroyed, q.GuildID)
	q.render()
}

// ----------------------------------------------------------------------------
// Playback
// ----------------------------------------------------------------------------

// startHead binds the current head to the player, caching it first if
// needed. Cache failures drop the track and recurse to the next head.
func (q *PlaybackQueue) startHead() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	if len(q.songs) == 0 {
		q.startIdleTimerLocked()
		q.mu.Unlock()
		q.setVoiceStatus("")
		q.render()
		return
	}
	head := q.songs[0]
	gen := q.generation
	q.mu.Unlock()

	q.render()

	if head.IsLiveStation {
		q.playValidated(gen, head, AudioSource{Input: head.SourceURL, Live: true})
		return
	}

	if q.notify != nil {
		q.notify.Typing()
	}
	path, err := q.cache.EnsureCached(q.ctx, head.SourceURL, head.CacheKey())
	if err != nil {
		if q.ctx.Err() != nil {
			return
		}
		LogQueue(MsgQueueInvalidSource, head.SourceURL, q.GuildID, err)
		// Drop any corrupt remnant and let a later request retry the URL
		q.cache.Evict(head.CacheKey())
		q.prefetch.Evict(head.SourceURL)
		if q.notify != nil {
			q.notify.Notice(MsgNoticeInvalid)
		}
		q.dropHead(gen, head)
		return
	}

	q.playValidated(gen, head, AudioSource{Input: path})
}

// playValidated starts playback only if head is still the current
// head. The cache fill above may have outlived a skip or stop.
func (q *PlaybackQueue) playValidated(gen uint64, head *Track, src AudioSource) {
	q.mu.Lock()
	if q.destroyed || q.generation != gen || len(q.songs) == 0 || q.songs[0] != head {
		q.mu.Unlock()
		return
	}
	q.chapterIndex = 0
	q.mu.Unlock()

	LogQueue(MsgQueuePlaying, head.Title, q.GuildID)
	q.player.Play(q.ctx, src, q.Advance, q.onLowBuffer)
	q.setVoiceStatus(playingStatus(head))
	if head.HasChapters() {
		safeGo(func() { q.pollChapters(gen, head) })
	}
	q.render()
}

// dropHead removes a failed head, provided nothing moved underneath
// the waiting cache fill, then starts whatever is next.
func (q *PlaybackQueue) dropHead(gen uint64, head *Track) {
	q.mu.Lock()
	if q.destroyed || q.generation != gen || len(q.songs) == 0 || q.songs[0] != head {
		q.mu.Unlock()
		return
	}
	q.songs = q.songs[1:]
	q.generation++
	q.mu.Unlock()
	q.startHead()
}

func (q *PlaybackQueue) onLowBuffer() {
	q.mu.Lock()
	active := q.autoQueue && len(q.songs) > 0 && !q.destroyed
	recmd := q.recmd
	q.mu.Unlock()
	if active && recmd != nil {
		recmd.OnLowBuffer(q)
	}
}

// pollChapters advances the head's chapter index as playback crosses
// chapter offsets, re-rendering on each boundary.
func (q *PlaybackQueue) pollChapters(gen uint64, head *Track) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
		}

		q.mu.Lock()
		stale := q.destroyed || q.generation != gen || len(q.songs) == 0 || q.songs[0] != head
		cur := q.chapterIndex
		q.mu.Unlock()
		if stale {
			return
		}

		pos := int(q.player.Position())
		next := cur + 1
		if next < len(head.Chapters) && pos >= head.Chapters[next].OffsetSeconds {
			q.mu.Lock()
			if q.chapterIndex == cur && q.generation == gen {
				q.chapterIndex = next
			}
			q.mu.Unlock()
			q.render()
		}
	}
}

func (q *PlaybackQueue) schedulePrefetch() {
	q.prefetch.Schedule(q.ctx, q.upcoming)
}

const StatusPaused = "⏸️ Paused"

// playingStatus builds the voice channel status line for a track.
func playingStatus(t *Track) string {
	if t.IsLiveStation {
		return TruncateWithPreserve(t.StationName, 128, EmojiRadio+" ", "")
	}
	suffix := ""
	if t.Uploader != "" {
		suffix = " · " + t.Uploader
	}
	return TruncateWithPreserve(t.Title, 128, "🎶 ", suffix)
}

// setVoiceStatus publishes the status line when the link supports it.
func (q *PlaybackQueue) setVoiceStatus(status string) {
	if s, ok := q.link.(StatusSetter); ok {
		s.SetStatus(status)
	}
}

// ----------------------------------------------------------------------------
// Timers & voice events
// ----------------------------------------------------------------------------

func (q *PlaybackQueue) startIdleTimerLocked() {
	q.stopIdleTimerLocked()
	q.idleTimer = time.AfterFunc(IdleDestroyDelay, func() {
		LogQueue(MsgQueueIdleTimeout, q.GuildID)
		q.Destroy()
	})
}

func (q *PlaybackQueue) stopIdleTimerLocked() {
	if q.idleTimer != nil {
		q.idleTimer.Stop()
		q.idleTimer = nil
	}
}

// HandleAloneChange starts or cancels the alone countdown as humans
// leave and rejoin the bot's voice channel.
func (q *PlaybackQueue) HandleAloneChange(alone bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	if alone {
		if q.aloneTimer == nil {
			q.aloneTimer = time.AfterFunc(AloneDestroyDelay, func() {
				LogQueue(MsgQueueAloneTimeout, q.GuildID)
				q.Destroy()
			})
		}
	} else if q.aloneTimer != nil {
		q.aloneTimer.Stop()
		q.aloneTimer = nil
	}
}

// HandleBotDisconnect races two grace periods waiting for the voice
// connection to come back before giving up on the guild.
func (q *PlaybackQueue) HandleBotDisconnect() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	if q.reconnected == nil {
		q.reconnected = make(chan struct{})
	}
	reconnected := q.reconnected
	q.mu.Unlock()

	safeGo(func() {
		for i := 0; i < 2; i++ {
			select {
			case <-reconnected:
				return
			case <-q.ctx.Done():
				return
			case <-time.After(DisconnectGrace):
			}
		}
		LogQueue(MsgQueueReconnectFail, q.GuildID)
		q.Destroy()
	})
}

// NotifyVoiceReconnected cancels a pending disconnect countdown.
func (q *PlaybackQueue) NotifyVoiceReconnected() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reconnected != nil {
		close(q.reconnected)
		q.reconnected = nil
	}
}
