package proc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/introbot/sys"
)

// voiceConn is the part of voice.Conn the playback engine drives.
type voiceConn interface {
	Open(ctx context.Context, channelID snowflake.ID, selfMute bool, selfDeaf bool) error
	Close(ctx context.Context)
	SetOpusFrameProvider(handler voice.OpusFrameProvider)
	SetSpeaking(ctx context.Context, flags voice.SpeakingFlags) error
}

// --- 1. SYSTEM MANAGER ---

// VoiceSystem owns one voice connection and clip queue per guild.
type VoiceSystem struct {
	mu        sync.Mutex
	sessions  map[snowflake.ID]*VoiceSession
	listeners map[snowflake.ID]func()

	dial        func(guildID snowflake.ID) voiceConn
	attempts    int
	backoff     time.Duration
	playTimeout time.Duration

	wg sync.WaitGroup
}

// NewVoiceSystem creates connections through the client's voice manager.
func NewVoiceSystem(client *bot.Client) *VoiceSystem {
	return newVoiceSystem(func(guildID snowflake.ID) voiceConn {
		return client.VoiceManager.CreateConn(guildID)
	})
}

func newVoiceSystem(dial func(guildID snowflake.ID) voiceConn) *VoiceSystem {
	return &VoiceSystem{
		sessions:    make(map[snowflake.ID]*VoiceSession),
		listeners:   make(map[snowflake.ID]func()),
		dial:        dial,
		attempts:    5,
		backoff:     time.Second,
		playTimeout: 2 * time.Minute,
	}
}

// Join connects to the channel, retrying with exponential backoff.
// Joining the channel the guild is already connected to is a no-op.
func (vs *VoiceSystem) Join(ctx context.Context, guildID, channelID snowflake.ID) error {
	vs.mu.Lock()
	if sess, ok := vs.sessions[guildID]; ok {
		if sess.ChannelID == channelID {
			vs.mu.Unlock()
			return nil
		}
		delete(vs.sessions, guildID)
		vs.mu.Unlock()
		sess.close(ctx)
	} else {
		vs.mu.Unlock()
	}

	sys.LogVoice(sys.MsgVoiceJoining, channelID, guildID)

	var err error
	for attempt := 1; attempt <= vs.attempts; attempt++ {
		if attempt > 1 {
			delay := vs.backoff * time.Duration(1<<(attempt-2))
			sys.LogWarn(sys.MsgVoiceRetry, delay, attempt, vs.attempts)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		conn := vs.dial(guildID)
		if err = conn.Open(ctx, channelID, false, true); err == nil {
			vs.start(newVoiceSession(guildID, channelID, conn))
			return nil
		}
		conn.Close(ctx)
	}

	sys.LogError(sys.MsgVoiceConnectFail, guildID, vs.attempts, err)
	return err
}

func (vs *VoiceSystem) start(sess *VoiceSession) {
	vs.mu.Lock()
	vs.sessions[sess.GuildID] = sess
	vs.mu.Unlock()

	vs.wg.Add(1)
	go func() {
		defer vs.wg.Done()
		vs.processQueue(sess)
	}()
}

// Leave disconnects the guild's voice connection. It is a no-op when there is none.
func (vs *VoiceSystem) Leave(ctx context.Context, guildID snowflake.ID) error {
	vs.mu.Lock()
	sess, ok := vs.sessions[guildID]
	if ok {
		delete(vs.sessions, guildID)
	}
	vs.mu.Unlock()

	if !ok {
		return nil
	}
	sess.close(ctx)
	sys.LogVoice(sys.MsgVoiceLeft, sess.ChannelID, guildID)
	return nil
}

// Enqueue appends a clip to the guild's playback queue.
func (vs *VoiceSystem) Enqueue(guildID snowflake.ID, stream *AudioStream) error {
	vs.mu.Lock()
	sess, ok := vs.sessions[guildID]
	vs.mu.Unlock()
	if !ok {
		return ErrNotJoined
	}
	return sess.push(stream)
}

// QueueIsEmpty reports whether the guild has nothing playing and nothing waiting.
func (vs *VoiceSystem) QueueIsEmpty(guildID snowflake.ID) bool {
	vs.mu.Lock()
	sess, ok := vs.sessions[guildID]
	vs.mu.Unlock()
	if !ok {
		return true
	}
	return sess.idle()
}

// OnTrackEnd sets the guild's track-end listener, replacing any previous one.
func (vs *VoiceSystem) OnTrackEnd(guildID snowflake.ID, fn func()) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.listeners[guildID] = fn
}

// Shutdown closes every connection and waits for playback loops to exit.
func (vs *VoiceSystem) Shutdown(ctx context.Context) {
	vs.mu.Lock()
	sessions := make([]*VoiceSession, 0, len(vs.sessions))
	for id, sess := range vs.sessions {
		sessions = append(sessions, sess)
		delete(vs.sessions, id)
	}
	vs.mu.Unlock()

	if len(sessions) > 0 {
		sys.LogVoice(sys.MsgVoiceShutdown, len(sessions))
	}

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *VoiceSession) {
			defer wg.Done()
			s.close(ctx)
		}(sess)
	}
	wg.Wait()
	vs.wg.Wait()
}

func (vs *VoiceSystem) trackEnded(guildID snowflake.ID) {
	vs.mu.Lock()
	fn := vs.listeners[guildID]
	vs.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// --- 2. SESSION & STATE ---

// VoiceSession is one guild's open voice connection and its pending clips.
type VoiceSession struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	Conn      voiceConn

	queueMu sync.Mutex
	queue   []*AudioStream
	playing bool
	wake    chan struct{}

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	closeOnce  sync.Once
}

func newVoiceSession(guildID, channelID snowflake.ID, conn voiceConn) *VoiceSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &VoiceSession{
		GuildID:    guildID,
		ChannelID:  channelID,
		Conn:       conn,
		wake:       make(chan struct{}, 1),
		cancelCtx:  ctx,
		cancelFunc: cancel,
	}
}

func (s *VoiceSession) push(stream *AudioStream) error {
	if s.cancelCtx.Err() != nil {
		return ErrNotJoined
	}
	s.queueMu.Lock()
	s.queue = append(s.queue, stream)
	s.queueMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *VoiceSession) pop() (*AudioStream, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	stream := s.queue[0]
	s.queue = s.queue[1:]
	s.playing = true
	return stream, true
}

func (s *VoiceSession) idle() bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue) == 0 && !s.playing
}

func (s *VoiceSession) stop() {
	s.cancelFunc()
	s.queueMu.Lock()
	s.queue = nil
	s.queueMu.Unlock()
}

func (s *VoiceSession) close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.stop()
		s.setOpusFrameProviderSafe(nil)
		s.setSpeakingSafe(0)
		s.Conn.Close(ctx)
	})
}

// --- 3. PLAYBACK ENGINE ---

func (vs *VoiceSystem) processQueue(s *VoiceSession) {
	defer func() {
		if r := recover(); r != nil {
			sys.LogError(sys.MsgVoiceQueuePanic, r)
		}
	}()

	for {
		stream, ok := s.pop()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.cancelCtx.Done():
				return
			}
		}

		vs.play(s, stream)

		s.queueMu.Lock()
		s.playing = false
		s.queueMu.Unlock()

		if s.cancelCtx.Err() != nil {
			return
		}
		vs.trackEnded(s.GuildID)
	}
}

func (vs *VoiceSystem) play(s *VoiceSession, stream *AudioStream) {
	ctx, cancel := context.WithTimeout(s.cancelCtx, vs.playTimeout)
	defer cancel()

	p := NewClipProvider(ctx, stream.Reader())
	done := make(chan struct{})
	p.OnFinish = func() { close(done) }

	s.setOpusFrameProviderSafe(p)
	s.setSpeakingSafe(voice.SpeakingFlagMicrophone)

	select {
	case <-done:
		sys.LogVoice(sys.MsgVoicePlaybackDone, stream.Intro.String())
	case <-ctx.Done():
		sys.LogVoice(sys.MsgVoicePlaybackStop, stream.Intro.String())
	}

	if s.cancelCtx.Err() == nil {
		s.setOpusFrameProviderSafe(nil)
		s.setSpeakingSafe(0)
	}
}

// setOpusFrameProviderSafe sets the provider, retrying if the connection panics mid-reconnect.
func (s *VoiceSession) setOpusFrameProviderSafe(provider voice.OpusFrameProvider) {
	err := retrySafe(3, func() { s.Conn.SetOpusFrameProvider(provider) })
	if err != nil {
		sys.LogWarn(sys.MsgVoiceProviderRetry, s.GuildID)
	}
}

func (s *VoiceSession) setSpeakingSafe(flags voice.SpeakingFlags) {
	err := retrySafe(3, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Conn.SetSpeaking(ctx, flags)
	})
	if err != nil {
		sys.LogWarn(sys.MsgVoiceSpeakingRetry, s.GuildID)
	}
}

func retrySafe(attempts int, fn func()) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = callSafe(fn); err == nil {
			return nil
		}
		time.Sleep(time.Duration(i+1) * 50 * time.Millisecond)
	}
	return err
}

func callSafe(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered: %v", r)
		}
	}()
	fn()
	return nil
}

var _ VoiceControl = (*VoiceSystem)(nil)
