package proc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/introbot/sys"
)

// Resolver picks the intro for a member joining a channel.
type Resolver interface {
	Resolve(ctx context.Context, channelID snowflake.ID, member sys.Member) (*sys.IntroDescriptor, error)
	Ignored(username string) bool
}

// SourceAcquirer produces playable audio for an intro.
type SourceAcquirer interface {
	Acquire(ctx context.Context, intro sys.IntroDescriptor) (*AudioStream, error)
}

// GuildLister lists the guilds that have intro configuration.
type GuildLister interface {
	GuildIDs(ctx context.Context) ([]snowflake.ID, error)
}

// VoiceControl is the platform side of a guild's voice connection.
type VoiceControl interface {
	Join(ctx context.Context, guildID, channelID snowflake.ID) error
	Leave(ctx context.Context, guildID snowflake.ID) error
	Enqueue(guildID snowflake.ID, stream *AudioStream) error
	QueueIsEmpty(guildID snowflake.ID) bool
	OnTrackEnd(guildID snowflake.ID, fn func())
}

type Options struct {
	Resolver  Resolver
	Sources   SourceAcquirer
	Voice     VoiceControl
	Guilds    GuildLister
	Registry  *Registry
	Throttle  *JoinThrottle
	Metrics   *Metrics
	InboxSize int
}

// Orchestrator serializes voice events per guild and turns them into join, enqueue and leave calls.
// A single router goroutine reads the inbox and hands messages to one worker per guild.
// Worker mailboxes are unbounded, so the router never waits on a slow guild.
type Orchestrator struct {
	resolver Resolver
	sources  SourceAcquirer
	voice    VoiceControl
	guilds   GuildLister
	registry *Registry
	throttle *JoinThrottle
	metrics  *Metrics

	inbox     chan Message
	closed    chan struct{}
	closeOnce sync.Once

	// messages posted but not yet handled
	backlog atomic.Int64

	// owned by the router goroutine
	workers  map[snowflake.ID]*guildWorker
	workerWg sync.WaitGroup

	listenMu  sync.Mutex
	listening map[snowflake.ID]struct{}

	selfID atomic.Uint64
}

type guildWorker struct {
	guildID snowflake.ID

	mu      sync.Mutex
	mailbox []Message
	stopped bool
	wake    chan struct{}
}

func newGuildWorker(guildID snowflake.ID) *guildWorker {
	return &guildWorker{guildID: guildID, wake: make(chan struct{}, 1)}
}

func (w *guildWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// push never blocks.
func (w *guildWorker) push(msg Message) {
	w.mu.Lock()
	w.mailbox = append(w.mailbox, msg)
	w.mu.Unlock()
	w.signal()
}

// next waits for the oldest message. It reports false once the worker is stopped and drained.
func (w *guildWorker) next() (Message, bool) {
	for {
		w.mu.Lock()
		if len(w.mailbox) > 0 {
			msg := w.mailbox[0]
			w.mailbox[0] = nil
			w.mailbox = w.mailbox[1:]
			w.mu.Unlock()
			return msg, true
		}
		stopped := w.stopped
		w.mu.Unlock()
		if stopped {
			return nil, false
		}
		<-w.wake
	}
}

func (w *guildWorker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.signal()
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	return &Orchestrator{
		resolver:  opts.Resolver,
		sources:   opts.Sources,
		voice:     opts.Voice,
		guilds:    opts.Guilds,
		registry:  opts.Registry,
		throttle:  opts.Throttle,
		metrics:   opts.Metrics,
		inbox:     make(chan Message, opts.InboxSize),
		closed:    make(chan struct{}),
		workers:   make(map[snowflake.ID]*guildWorker),
		listening: make(map[snowflake.ID]struct{}),
	}
}

// Registry exposes the session registry for inspection.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Backlog reports how many posted messages have not finished handling.
func (o *Orchestrator) Backlog() int {
	return int(o.backlog.Load())
}

func (o *Orchestrator) track(delta int64) {
	o.metrics.backlog(o.backlog.Add(delta))
}

// Post appends a message to the inbox, blocking while it is full.
func (o *Orchestrator) Post(ctx context.Context, msg Message) error {
	select {
	case <-o.closed:
		return ErrInboxClosed
	default:
	}

	o.track(1)
	select {
	case o.inbox <- msg:
		return nil
	case <-o.closed:
		o.track(-1)
		return ErrInboxClosed
	case <-ctx.Done():
		o.track(-1)
		return ctx.Err()
	}
}

// Close marks the inbox as permanently closed. Run then returns ErrInboxClosed.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.closed)
	})
}

// Run consumes the inbox until ctx is done (returning nil) or the inbox is closed.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.stopWorkers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.closed:
			sys.LogWarn(sys.MsgIntroInboxClosed)
			return ErrInboxClosed
		case msg := <-o.inbox:
			o.dispatch(ctx, msg)
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, msg Message) {
	guildID, ok := guildOf(msg)
	if !ok {
		o.handle(ctx, msg)
		return
	}

	w, ok := o.workers[guildID]
	if !ok {
		w = newGuildWorker(guildID)
		o.workers[guildID] = w
		o.workerWg.Add(1)
		go o.runWorker(ctx, w)
	}
	w.push(msg)
}

func (o *Orchestrator) runWorker(ctx context.Context, w *guildWorker) {
	defer o.workerWg.Done()
	for {
		msg, ok := w.next()
		if !ok {
			return
		}
		o.handle(ctx, msg)
	}
}

func (o *Orchestrator) stopWorkers() {
	if len(o.workers) > 0 {
		sys.LogDebug(sys.MsgIntroShuttingDown, len(o.workers))
	}
	for id, w := range o.workers {
		w.stop()
		delete(o.workers, id)
	}
	o.workerWg.Wait()
}

func (o *Orchestrator) handle(ctx context.Context, msg Message) {
	defer o.track(-1)
	defer func() {
		if r := recover(); r != nil {
			sys.LogError(sys.MsgIntroHandlerPanic, msg, r)
			sys.LogDebug("%s", debug.Stack())
		}
	}()

	o.metrics.message(msg)
	switch m := msg.(type) {
	case Ready:
		o.handleReady(ctx, m)
	case MemberJoined:
		o.handleMemberJoined(ctx, m)
	case TrackEnded:
		o.handleTrackEnded(ctx, m)
	case BotDisconnected:
		o.handleBotDisconnected(ctx, m)
	}
}

// --- Handlers ---

func (o *Orchestrator) handleReady(ctx context.Context, m Ready) {
	o.selfID.Store(uint64(m.SelfID))

	guilds, err := o.guilds.GuildIDs(ctx)
	if err != nil {
		sys.LogError(sys.MsgIntroGuildsFailed, err)
		return
	}

	o.listenMu.Lock()
	for _, g := range guilds {
		o.voice.OnTrackEnd(g, o.trackEndPoster(ctx, g))
		o.listening[g] = struct{}{}
	}
	o.listenMu.Unlock()

	sys.LogIntro(sys.MsgIntroReady, len(guilds))
}

// ensureListener registers the track-end listener for a guild first seen after Ready.
func (o *Orchestrator) ensureListener(ctx context.Context, guildID snowflake.ID) {
	o.listenMu.Lock()
	defer o.listenMu.Unlock()
	if _, ok := o.listening[guildID]; ok {
		return
	}
	o.voice.OnTrackEnd(guildID, o.trackEndPoster(ctx, guildID))
	o.listening[guildID] = struct{}{}
}

func (o *Orchestrator) trackEndPoster(ctx context.Context, guildID snowflake.ID) func() {
	return func() {
		if err := o.Post(ctx, TrackEnded{GuildID: guildID}); err != nil {
			sys.LogDebug("Dropped track end for guild %s: %v", guildID, err)
		}
	}
}

func (o *Orchestrator) handleMemberJoined(ctx context.Context, m MemberJoined) {
	member := m.Member
	guildID := member.GuildID
	id := m.Short()

	if self := snowflake.ID(o.selfID.Load()); self != 0 && member.UserID == self {
		sys.LogDebug(sys.MsgIntroSelfIgnored, guildID)
		return
	}
	if o.resolver.Ignored(member.Username) {
		sys.LogDebug(sys.MsgIntroUserIgnored, id, member)
		return
	}
	if !o.throttle.Allow(guildID, member.UserID) {
		sys.LogIntro(sys.MsgIntroCooldown, id, member, m.ChannelID)
		return
	}

	intro, err := o.resolver.Resolve(ctx, m.ChannelID, member)
	if err != nil {
		o.metrics.failure(err)
		sys.LogError(sys.MsgIntroLookupFailed, id, member, m.ChannelID, err)
		return
	}
	if intro == nil {
		sys.LogIntro(sys.MsgIntroNone, id, member, m.ChannelID)
		return
	}

	start := time.Now()
	stream, err := o.sources.Acquire(ctx, *intro)
	o.metrics.acquired(time.Since(start).Seconds())
	if err != nil {
		o.metrics.failure(err)
		sys.LogError(sys.MsgIntroSourceFailed, id, intro.String(), err)
		return
	}

	o.ensureListener(ctx, guildID)

	_, created, err := o.registry.GetOrCreate(guildID, m.ChannelID)
	if errors.Is(err, ErrGuildBusy) {
		// One connection per guild: follow the member into their channel.
		_, from := o.registry.MoveGuild(guildID, m.ChannelID)
		sys.LogIntro(sys.MsgIntroMoving, id, guildID, from, m.ChannelID, member)
		created = true
	}

	if created {
		o.metrics.sessions(o.registry.Len())
		if err := o.voice.Join(ctx, guildID, m.ChannelID); err != nil {
			o.registry.Remove(m.ChannelID)
			o.metrics.sessions(o.registry.Len())
			err = fmt.Errorf("%w: %w", ErrJoinFailed, err)
			o.metrics.failure(err)
			sys.LogError(sys.MsgIntroJoinFailed, id, m.ChannelID, guildID, err)
			return
		}
		o.registry.MarkJoined(m.ChannelID)
		o.metrics.joined()
	}

	if err := o.voice.Enqueue(guildID, stream); err != nil {
		o.metrics.failure(err)
		sys.LogError(sys.MsgIntroEnqueueFailed, id, intro.String(), guildID, err)
		// The connection is gone or unusable; drop the record so the next join starts clean.
		o.registry.Remove(m.ChannelID)
		o.metrics.sessions(o.registry.Len())
		o.leave(ctx, guildID)
		return
	}

	o.registry.Enqueued(m.ChannelID)
	o.metrics.queued()
	sys.LogIntro(sys.MsgIntroQueued, id, intro.String(), member, m.ChannelID)
}

func (o *Orchestrator) handleTrackEnded(ctx context.Context, m TrackEnded) {
	empty := o.voice.QueueIsEmpty(m.GuildID)
	sess, teardown, ok := o.registry.OnTrackEnded(m.GuildID, empty)
	if !ok {
		sys.LogDebug(sys.MsgIntroNoSession, m.GuildID)
		return
	}
	if !teardown {
		return
	}

	o.metrics.sessions(o.registry.Len())
	sys.LogIntro(sys.MsgIntroLeaving, sess.ChannelID, m.GuildID)
	o.leave(ctx, m.GuildID)
}

func (o *Orchestrator) handleBotDisconnected(ctx context.Context, m BotDisconnected) {
	sess, ok := o.registry.ByGuild(m.GuildID)
	if !ok || !sess.Joined || !sess.JoinedAt.Before(m.At) {
		return
	}

	o.registry.RemoveGuild(m.GuildID)
	o.metrics.sessions(o.registry.Len())
	sys.LogIntro(sys.MsgIntroDisconnected, m.GuildID)
	o.leave(ctx, m.GuildID)
}

// leave makes one attempt to leave; the registry record is already gone either way.
func (o *Orchestrator) leave(ctx context.Context, guildID snowflake.ID) {
	o.metrics.left()
	if err := o.voice.Leave(ctx, guildID); err != nil {
		err = fmt.Errorf("%w: %w", ErrLeaveFailed, err)
		o.metrics.failure(err)
		sys.LogError(sys.MsgIntroLeaveFailed, guildID, err)
	}
}
