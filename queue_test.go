package main

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlayer records playback calls without touching voice or FFmpeg.
type fakePlayer struct {
	mu     sync.Mutex
	plays  []AudioSource
	stops  int
	pauses []bool
	pos    int64
}

func (p *fakePlayer) Play(ctx context.Context, src AudioSource, onEnd func(), onLowBuffer func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays = append(p.plays, src)
}

func (p *fakePlayer) Pause(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauses = append(p.pauses, paused)
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

func (p *fakePlayer) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

func (p *fakePlayer) playCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.plays)
}

func (p *fakePlayer) lastPlay() AudioSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.plays[len(p.plays)-1]
}

type fakeLink struct {
	mu        sync.Mutex
	channelID snowflake.ID
	closes    int
	statuses  []string
}

func (l *fakeLink) Open(ctx context.Context, channelID snowflake.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.channelID = channelID
	return nil
}

func (l *fakeLink) ChannelID() snowflake.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channelID
}

func (l *fakeLink) Close(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	l.channelID = 0
}

func (l *fakeLink) SetStatus(status string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
}

func (l *fakeLink) lastStatus() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.statuses) == 0 {
		return ""
	}
	return l.statuses[len(l.statuses)-1]
}

// fakeCache resolves every key to a deterministic path, failing the
// URLs listed in fail.
type fakeCache struct {
	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]error
	evicted []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{calls: make(map[string]int), fail: make(map[string]error)}
}

func (c *fakeCache) EnsureCached(ctx context.Context, sourceURL, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[sourceURL]++
	if err, ok := c.fail[sourceURL]; ok {
		return "", err
	}
	return AudioCacheDir + "/" + key + AudioCacheSuffix, nil
}

func (c *fakeCache) Evict(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = append(c.evicted, key)
}

func (c *fakeCache) evictions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.evicted))
	copy(out, c.evicted)
	return out
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []string
	typings int
}

func (n *fakeNotifier) Notice(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, text)
}

func (n *fakeNotifier) Typing() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.typings++
}

func (n *fakeNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.notices))
	copy(out, n.notices)
	return out
}

type captureRenderer struct {
	mu     sync.Mutex
	states []QueueState
}

func (r *captureRenderer) Update(st QueueState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *captureRenderer) last() (QueueState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return QueueState{}, false
	}
	return r.states[len(r.states)-1], true
}

type queueFixture struct {
	q      *PlaybackQueue
	player *fakePlayer
	link   *fakeLink
	cache  *fakeCache
	notify *fakeNotifier
	render *captureRenderer
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()
	f := &queueFixture{
		player: &fakePlayer{},
		link:   &fakeLink{},
		cache:  newFakeCache(),
		notify: &fakeNotifier{},
		render: &captureRenderer{},
	}
	f.q = NewPlaybackQueue(context.Background(), snowflake.ID(100), QueueDeps{
		Player:   f.player,
		Link:     f.link,
		Cache:    f.cache,
		Renderer: f.render,
		Notify:   f.notify,
	})
	t.Cleanup(f.q.Destroy)
	return f
}

func testTrack(name string) *Track {
	return &Track{
		Title:         name,
		Uploader:      "uploader",
		SourceURL:     "https://youtu.be/" + name,
		DurationLabel: "3:00",
	}
}

func testTracks(n int) []*Track {
	out := make([]*Track, n)
	for i := range out {
		out[i] = testTrack(fmt.Sprintf("song%02d", i))
	}
	return out
}

func TestQueueLoadStartsPlayback(t *testing.T) {
	f := newQueueFixture(t)

	f.q.Load(testTracks(3)...)

	assert.Equal(t, 3, f.q.Len())
	require.Equal(t, 1, f.player.playCount())
	assert.Equal(t, AudioCacheDir+"/song00"+AudioCacheSuffix, f.player.lastPlay().Input)
	assert.False(t, f.player.lastPlay().Live)
	assert.Equal(t, "song00", f.q.CurrentTrack().Title)
}

func TestQueueLoadAppendsWithoutRestart(t *testing.T) {
	f := newQueueFixture(t)

	f.q.Load(testTrack("first"))
	f.q.Load(testTrack("second"), testTrack("third"))

	assert.Equal(t, 3, f.q.Len())
	assert.Equal(t, 1, f.player.playCount())
	assert.Equal(t, "first", f.q.CurrentTrack().Title)
}

func TestQueueStationPreemptsHead(t *testing.T) {
	f := newQueueFixture(t)
	f.q.Load(testTracks(3)...)

	f.q.Load(StationTrack(Stations[0]))

	head := f.q.CurrentTrack()
	require.NotNil(t, head)
	assert.True(t, head.IsLiveStation)
	assert.Equal(t, 4, f.q.Len(), "queued songs survive behind the station")
	assert.True(t, f.player.lastPlay().Live)
	assert.Equal(t, Stations[0].StreamURL, f.player.lastPlay().Input)
}

func TestQueueStationReplacesStation(t *testing.T) {
	f := newQueueFixture(t)
	f.q.Load(testTracks(2)...)
	f.q.Load(StationTrack(Stations[0]))

	f.q.Load(StationTrack(Stations[1]))

	head := f.q.CurrentTrack()
	require.NotNil(t, head)
	assert.Equal(t, Stations[1].Name, head.StationName)
	assert.Equal(t, 3, f.q.Len(), "swapping stations never grows the queue")
}

func TestQueueAdvanceRepeatModes(t *testing.T) {
	tests := []struct {
		name      string
		repeat    RepeatMode
		wantLen   int
		wantHead  string
		wantOrder []string
	}{
		{"off drops the head", RepeatOff, 2, "song01", []string{"song01", "song02"}},
		{"queue rotates the head to the tail", RepeatQueue, 3, "song01", []string{"song01", "song02", "song00"}},
		{"single replays the head", RepeatSingle, 3, "song00", []string{"song00", "song01", "song02"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newQueueFixture(t)
			f.q.Load(testTracks(3)...)
			for f.q.Repeat() != tt.repeat {
				f.q.CycleRepeat()
			}

			f.q.Advance()

			assert.Equal(t, tt.wantLen, f.q.Len())
			assert.Equal(t, tt.wantHead, f.q.CurrentTrack().Title)
			st := f.q.Snapshot()
			var got []string
			for _, s := range st.Songs {
				got = append(got, s.Title)
			}
			assert.Equal(t, tt.wantOrder, got)
		})
	}
}

func TestQueueSkipDropsStationDespiteRepeat(t *testing.T) {
	f := newQueueFixture(t)
	f.q.Load(testTracks(2)...)
	f.q.CycleRepeat() // queue mode
	f.q.Load(StationTrack(Stations[0]))

	f.q.Skip()

	head := f.q.CurrentTrack()
	require.NotNil(t, head)
	assert.False(t, head.IsLiveStation, "a skipped station is gone for good")
	assert.Equal(t, 2, f.q.Len())
}

func TestQueueSkipStopsPlayer(t *testing.T) {
	f := newQueueFixture(t)
	f.q.Load(testTracks(2)...)
	before := f.player.stops

	f.q.Skip()

	assert.Greater(t, f.player.stops, before)
	assert.Equal(t, "song01", f.q.CurrentTrack().Title)
}

func TestQueueStopResetsEverything(t *testing.T) {
	f := newQueueFixture(t)
	f.q.Load(testTracks(3)...)
	f.q.CycleRepeat()
	f.q.SetAutoQueue(true)
	f.q.TogglePause()

	f.q.Stop()

	assert.Equal(t, 0, f.q.Len())
	assert.Equal(t, RepeatOff, f.q.Repeat())
	assert.False(t, f.q.AutoQueue())
	st, ok := f.render.last()
	require.True(t, ok)
	assert.False(t, st.Paused)
	assert.True(t, st.HasQueue, "stopped queue still owns the voice connection")
	assert.False(t, f.q.Destroyed())
}

func TestQueueTogglePause(t *testing.T) {
	f := newQueueFixture(t)

	f.q.TogglePause()
	assert.Empty(t, f.player.pauses, "pause on an empty queue is a no-op")

	f.q.Load(testTrack("song"))
	f.q.TogglePause()
	f.q.TogglePause()
	assert.Equal(t, []bool{true, false}, f.player.pauses)
}

func TestQueueCycleRepeatWraps(t *testing.T) {
	f := newQueueFixture(t)

	assert.Equal(t, RepeatOff, f.q.Repeat())
	f.q.CycleRepeat()
	assert.Equal(t, RepeatQueue, f.q.Repeat())
	f.q.CycleRepeat()
	assert.Equal(t, RepeatSingle, f.q.Repeat())
	f.q.CycleRepeat()
	assert.Equal(t, RepeatOff, f.q.Repeat())
}

func TestQueueShuffleKeepsHeadAndMultiset(t *testing.T) {
	f := newQueueFixture(t)
	f.q.Load(testTracks(10)...)
	before := f.q.Snapshot().Songs

	f.q.Shuffle()

	after := f.q.Snapshot().Songs
	require.Len(t, after, len(before))
	assert.Same(t, before[0], after[0], "the playing head never moves")

	count := func(songs []*Track) map[string]int {
		m := make(map[string]int)
		for _, s := range songs {
			m[s.Title]++
		}
		return m
	}
	assert.Equal(t, count(before), count(after))
}

func TestQueueInvalidSourceDropsToNext(t *testing.T) {
	f := newQueueFixture(t)
	bad := testTrack("broken")
	f.cache.fail[bad.SourceURL] = fmt.Errorf("extraction failed")

	f.q.Load(bad, testTrack("good"))

	assert.Equal(t, 1, f.q.Len())
	assert.Equal(t, "good", f.q.CurrentTrack().Title)
	assert.Contains(t, f.notify.all(), MsgNoticeInvalid)
	require.Equal(t, 1, f.player.playCount())
	assert.Contains(t, f.player.lastPlay().Input, "good")
}

func TestQueueInvalidSourceEvictsCacheEntry(t *testing.T) {
	f := newQueueFixture(t)
	bad := testTrack("broken")
	f.cache.fail[bad.SourceURL] = fmt.Errorf("corrupt download")

	f.q.Load(bad)

	assert.Contains(t, f.cache.evictions(), bad.CacheKey(), "a failed source never stays cached")
}

func TestQueueAllInvalidEndsEmpty(t *testing.T) {
	f := newQueueFixture(t)
	a, b := testTrack("bad-a"), testTrack("bad-b")
	f.cache.fail[a.SourceURL] = fmt.Errorf("no formats")
	f.cache.fail[b.SourceURL] = fmt.Errorf("no formats")

	f.q.Load(a, b)

	assert.Equal(t, 0, f.q.Len())
	assert.Equal(t, 0, f.player.playCount())
	assert.Len(t, f.notify.all(), 2)
}

func TestQueueDestroyIdempotent(t *testing.T) {
	f := newQueueFixture(t)
	f.q.Load(testTrack("song"))

	f.q.Destroy()
	f.q.Destroy()

	assert.True(t, f.q.Destroyed())
	assert.Equal(t, 1, f.link.closes)
	st, ok := f.render.last()
	require.True(t, ok)
	assert.False(t, st.HasQueue)
}

func TestQueueOperationsAfterDestroyAreNoOps(t *testing.T) {
	f := newQueueFixture(t)
	f.q.Destroy()

	f.q.Load(testTrack("song"))
	f.q.Skip()
	f.q.TogglePause()
	f.q.CycleRepeat()

	assert.Equal(t, 0, f.q.Len())
	assert.Equal(t, 0, f.player.playCount())
	assert.Equal(t, RepeatOff, f.q.Repeat())
}

func TestQueueSnapshotReflectsState(t *testing.T) {
	f := newQueueFixture(t)
	f.q.Load(testTracks(2)...)
	f.q.CycleRepeat()
	f.q.SetAutoQueue(true)

	st := f.q.Snapshot()

	assert.Equal(t, "song00", st.Head.Title)
	assert.Equal(t, RepeatQueue, st.Repeat)
	assert.True(t, st.AutoQueue)
	assert.False(t, st.RadioActive)
	assert.True(t, st.HasQueue)

	f.q.Load(StationTrack(Stations[0]))
	assert.True(t, f.q.Snapshot().RadioActive)
}

func TestQueueRadioMenuToggles(t *testing.T) {
	f := newQueueFixture(t)

	f.q.ToggleRadioMenu()
	assert.True(t, f.q.Snapshot().RadioMenu, "the picker opens without starting playback")
	assert.Equal(t, 0, f.player.playCount())

	f.q.ToggleRadioMenu()
	assert.False(t, f.q.Snapshot().RadioMenu)
}

func TestQueueStationLoadClosesRadioMenu(t *testing.T) {
	f := newQueueFixture(t)
	f.q.ToggleRadioMenu()

	f.q.Load(StationTrack(Stations[0]))

	st := f.q.Snapshot()
	assert.True(t, st.RadioActive)
	assert.False(t, st.RadioMenu, "choosing a station puts the picker away")

	f.q.Stop()
	assert.False(t, f.q.Snapshot().RadioMenu)
}

func TestQueueChapterIndexResetsPerHead(t *testing.T) {
	f := newQueueFixture(t)
	chaptered := testTrack("mix")
	chaptered.Chapters = []Chapter{{Label: "a"}, {Label: "b", OffsetSeconds: 60}}
	f.q.Load(chaptered, testTrack("next"))

	f.q.mu.Lock()
	f.q.chapterIndex = 1
	f.q.mu.Unlock()
	assert.Equal(t, 1, f.q.Snapshot().ChapterIndex)

	f.q.Skip()

	assert.Equal(t, 0, f.q.Snapshot().ChapterIndex, "a new head starts at its first chapter")
}

func TestQueueVoiceStatusFollowsPlayback(t *testing.T) {
	f := newQueueFixture(t)
	require.NoError(t, f.link.Open(context.Background(), snowflake.ID(42)))

	f.q.Load(testTrack("song"))
	assert.Contains(t, f.link.lastStatus(), "song")
	assert.Contains(t, f.link.lastStatus(), "uploader")

	f.q.TogglePause()
	assert.Equal(t, StatusPaused, f.link.lastStatus())
	f.q.TogglePause()
	assert.Contains(t, f.link.lastStatus(), "song")

	f.q.Stop()
	assert.Equal(t, "", f.link.lastStatus(), "the status clears when playback ends")
}

func TestQueueAloneTimerCancelled(t *testing.T) {
	f := newQueueFixture(t)
	f.q.Load(testTrack("song"))

	f.q.HandleAloneChange(true)
	f.q.HandleAloneChange(false)

	assert.False(t, f.q.Destroyed())
}

func TestQueueReconnectCancelsDisconnect(t *testing.T) {
	f := newQueueFixture(t)
	f.q.Load(testTrack("song"))

	f.q.HandleBotDisconnect()
	f.q.NotifyVoiceReconnected()

	assert.False(t, f.q.Destroyed())
	assert.Equal(t, 1, f.q.Len())
}
