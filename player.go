package main

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Playback Engine
// ============================================================================

const (
	MsgPlayerOpenInputFail   = "Transcoder OpenInput failed for %s: %v"
	MsgPlayerSetupFail       = "Transcoder setup failed for %s: %v"
	MsgPlayerFinished        = "Playback finished: %s"
	MsgPlayerStopped         = "Playback stopped: %s"
	MsgVoiceJoining          = "Joining channel %s in guild %s"
	MsgVoiceJoinFail         = "Failed to connect to voice in guild %s (attempt %d/%d): %v"
	MsgVoiceProviderRecover  = "Recovered from panic in SetOpusFrameProvider: %v"
	MsgVoiceLeft             = "Left voice channel in guild %s"
	MsgVoiceStatusFail       = "Failed to set voice status for %s: %v"
)

// OpusSilence is a single frame of opus-encoded silence.
var OpusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceDuration is how long silence is appended after a track drains,
// so the opus decoder on the receiving end settles before the next track.
const SilenceDuration = 1 * time.Second

// AudioSource is a playable input, either a cached file path or a live
// station stream URL.
type AudioSource struct {
	Input string
	Live  bool
}

// TrackPlayer plays one audio source at a time into a voice connection.
type TrackPlayer interface {
	// Play starts the source. onEnd fires once when the source drains
	// naturally, never when Stop interrupts it. onLowBuffer fires once
	// when the source is nearing its end.
	Play(ctx context.Context, src AudioSource, onEnd func(), onLowBuffer func())
	Pause(paused bool)
	Stop()
	// Position returns seconds elapsed in the current source.
	Position() int64
}

// VoiceLink is the gateway voice connection for a guild.
type VoiceLink interface {
	Open(ctx context.Context, channelID snowflake.ID) error
	ChannelID() snowflake.ID
	Close(ctx context.Context)
}

// StatusSetter is implemented by links that can publish a voice
// channel status line.
type StatusSetter interface {
	SetStatus(status string)
}

// CacheFiller resolves a source URL to a local audio file, downloading
// it when not already cached. Evict discards a cached file that turned
// out unusable.
type CacheFiller interface {
	EnsureCached(ctx context.Context, sourceURL, key string) (string, error)
	Evict(key string)
}

// Notifier posts transient user-facing notices to the bound channel.
type Notifier interface {
	Notice(text string)
	Typing()
}

// ============================================================================
// Frame Provider
// ============================================================================

type frameProvider struct {
	frames    chan []byte
	OnFinish  func()
	once      sync.Once
	ctx       context.Context
	mu        sync.Mutex
	pauseGate chan struct{}
	draining  bool
	drainLeft int
}

func newFrameProvider(ctx context.Context) *frameProvider {
	gate := make(chan struct{})
	close(gate)
	return &frameProvider{frames: make(chan []byte, 100), ctx: ctx, pauseGate: gate}
}

func (p *frameProvider) Close() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

func (p *frameProvider) PushFrame(f []byte) {
	select {
	case p.frames <- f:
	case <-p.ctx.Done():
	}
}

func (p *frameProvider) SetPaused(paused bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if paused {
		select {
		case <-p.pauseGate:
			p.pauseGate = make(chan struct{})
		default:
		}
	} else {
		select {
		case <-p.pauseGate:
		default:
			close(p.pauseGate)
		}
	}
}

func (p *frameProvider) ProvideOpusFrame() ([]byte, error) {
	p.mu.Lock()
	gate := p.pauseGate
	draining := p.draining
	p.mu.Unlock()

	select {
	case <-gate:
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	}

	if draining {
		p.mu.Lock()
		p.drainLeft--
		left := p.drainLeft
		p.mu.Unlock()
		if left <= 0 {
			p.Close()
			return nil, io.EOF
		}
		return OpusSilence, nil
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.mu.Lock()
			p.draining = true
			p.drainLeft = int(SilenceDuration / (20 * time.Millisecond))
			p.mu.Unlock()
			return OpusSilence, nil
		}
		return f, nil
	case <-p.ctx.Done():
		p.Close()
		return nil, io.EOF
	case <-time.After(500 * time.Millisecond):
		return OpusSilence, nil
	}
}

// ============================================================================
// Opus Player
// ============================================================================

type opusPlayer struct {
	conn voice.Conn
	mu   sync.Mutex

	provider     *frameProvider
	streamCancel context.CancelFunc
	transcoder   *opusTranscoder
}

func newOpusPlayer(conn voice.Conn) *opusPlayer {
	return &opusPlayer{conn: conn}
}

func (pl *opusPlayer) setOpusFrameProviderSafe(provider voice.OpusFrameProvider) {
	if pl.conn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			LogVoice(MsgVoiceProviderRecover, r)
		}
	}()
	pl.conn.SetOpusFrameProvider(provider)
}

func (pl *opusPlayer) Play(ctx context.Context, src AudioSource, onEnd func(), onLowBuffer func()) {
	pl.mu.Lock()
	if pl.streamCancel != nil {
		pl.streamCancel()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	pl.streamCancel = cancel

	p := newFrameProvider(streamCtx)
	pl.provider = p
	pl.mu.Unlock()

	done := make(chan struct{})
	p.OnFinish = func() {
		close(done)
	}

	t := newOpusTranscoder()
	if onLowBuffer != nil && !src.Live {
		var lowOnce sync.Once
		t.OnNearingEnd = func() {
			lowOnce.Do(onLowBuffer)
		}
	}

	safeGo(func() {
		// The provider keeps draining silence after the transcoder is
		// done, so streamCtx must outlive this goroutine. The watcher
		// below cancels it once the drain finishes.
		defer p.PushFrame(nil)
		defer func() {
			pl.mu.Lock()
			if pl.transcoder == t {
				pl.transcoder = nil
			}
			pl.mu.Unlock()
		}()
		defer t.Close()
		if err := t.OpenInput(src.Input); err != nil {
			LogVoice(MsgPlayerOpenInputFail, src.Input, err)
			return
		}

		pl.mu.Lock()
		pl.transcoder = t
		pl.mu.Unlock()

		if err := t.SetupDecoder(); err != nil {
			LogVoice(MsgPlayerSetupFail, src.Input, err)
			return
		}
		if err := t.SetupEncoder(); err != nil {
			LogVoice(MsgPlayerSetupFail, src.Input, err)
			return
		}
		_ = t.Transcode(streamCtx, p.PushFrame)
	})

	pl.setOpusFrameProviderSafe(p)
	if pl.conn != nil {
		_ = pl.conn.SetSpeaking(context.TODO(), voice.SpeakingFlagMicrophone)
	}

	safeGo(func() {
		select {
		case <-done:
			LogVoice(MsgPlayerFinished, src.Input)
			cancel()
			pl.teardown(p)
			if onEnd != nil {
				onEnd()
			}
		case <-streamCtx.Done():
			LogVoice(MsgPlayerStopped, src.Input)
			pl.teardown(p)
		}
	})
}

// teardown detaches the provider only if it is still the active one,
// so a new Play racing a finishing track is not clobbered.
func (pl *opusPlayer) teardown(p *frameProvider) {
	pl.mu.Lock()
	active := pl.provider == p
	pl.mu.Unlock()
	if !active {
		return
	}
	pl.setOpusFrameProviderSafe(nil)
	if pl.conn != nil {
		_ = pl.conn.SetSpeaking(context.TODO(), 0)
	}
}

func (pl *opusPlayer) Pause(paused bool) {
	pl.mu.Lock()
	p := pl.provider
	pl.mu.Unlock()
	if p != nil {
		p.SetPaused(paused)
	}
}

func (pl *opusPlayer) Stop() {
	pl.mu.Lock()
	cancel := pl.streamCancel
	pl.streamCancel = nil
	pl.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (pl *opusPlayer) Position() int64 {
	pl.mu.Lock()
	t := pl.transcoder
	pl.mu.Unlock()
	if t == nil {
		return 0
	}
	return t.Position()
}

// ============================================================================
// Voice Link
// ============================================================================

type gatewayVoiceLink struct {
	guildID   snowflake.ID
	client    bot.Client
	conn      voice.Conn
	mu        sync.Mutex
	channelID snowflake.ID
}

func newGatewayVoiceLink(client bot.Client, guildID snowflake.ID) *gatewayVoiceLink {
	return &gatewayVoiceLink{guildID: guildID, client: client, conn: client.VoiceManager.CreateConn(guildID)}
}

func (l *gatewayVoiceLink) Conn() voice.Conn {
	return l.conn
}

func (l *gatewayVoiceLink) ChannelID() snowflake.ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.channelID
}

// noteChannel records a channel move observed on the gateway.
func (l *gatewayVoiceLink) noteChannel(channelID snowflake.ID) {
	l.mu.Lock()
	l.channelID = channelID
	l.mu.Unlock()
}

// SetStatus publishes status as the voice channel status line. There
// is no typed endpoint for it yet, PUT the raw route. Best effort.
func (l *gatewayVoiceLink) SetStatus(status string) {
	l.mu.Lock()
	channelID := l.channelID
	l.mu.Unlock()
	if channelID == 0 {
		return
	}
	status = TruncateCenter(status, 128)
	safeGo(func() {
		endpoint := rest.NewEndpoint(http.MethodPut, "/channels/"+channelID.String()+"/voice-status")
		if err := l.client.Rest.Do(endpoint.Compile(nil), map[string]string{"status": status}, nil); err != nil {
			LogVoice(MsgVoiceStatusFail, channelID, err)
		}
	})
}

func (l *gatewayVoiceLink) Open(ctx context.Context, channelID snowflake.ID) error {
	l.mu.Lock()
	if l.channelID == channelID {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	LogVoice(MsgVoiceJoining, channelID, l.guildID)
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = l.conn.Open(openCtx, channelID, false, false)
		cancel()
		if err == nil {
			l.mu.Lock()
			l.channelID = channelID
			l.mu.Unlock()
			return nil
		}
		LogVoice(MsgVoiceJoinFail, l.guildID, attempt, 5, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return err
}

func (l *gatewayVoiceLink) Close(ctx context.Context) {
	l.mu.Lock()
	l.channelID = 0
	l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close(ctx)
	}
	LogVoice(MsgVoiceLeft, l.guildID)
}
