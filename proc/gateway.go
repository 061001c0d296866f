package proc

import (
	"context"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/introbot/sys"
)

// Gateway turns disgo events into inbox messages. Posting happens on the gateway
// goroutine, so a full inbox slows event intake instead of dropping joins.
type Gateway struct {
	o           *Orchestrator
	ctx         context.Context
	postTimeout time.Duration
	now         func() time.Time
}

// Attach registers the orchestrator's gateway handlers with the loader.
func Attach(ctx context.Context, o *Orchestrator) *Gateway {
	g := newGateway(ctx, o)
	sys.OnClientReady(func(ctx context.Context, client *bot.Client) {
		g.ready(client.ID())
	})
	sys.RegisterVoiceJoinHandler(func(event *events.GuildVoiceJoin) {
		g.voiceJoin(event.Client().ID(), event.VoiceState, event.Member)
	})
	sys.RegisterVoiceStateUpdateHandler(func(event *events.GuildVoiceStateUpdate) {
		g.voiceStateUpdate(event.Client().ID(), event.VoiceState)
	})
	return g
}

func newGateway(ctx context.Context, o *Orchestrator) *Gateway {
	return &Gateway{o: o, ctx: ctx, postTimeout: 10 * time.Second, now: time.Now}
}

func (g *Gateway) post(msg Message) {
	ctx, cancel := context.WithTimeout(g.ctx, g.postTimeout)
	defer cancel()
	if err := g.o.Post(ctx, msg); err != nil {
		sys.LogWarn("Dropped %T: %v", msg, err)
	}
}

func (g *Gateway) ready(selfID snowflake.ID) {
	g.post(Ready{SelfID: selfID})
}

func (g *Gateway) voiceJoin(selfID snowflake.ID, state discord.VoiceState, member discord.Member) {
	if state.ChannelID == nil || state.UserID == selfID {
		return
	}
	g.post(NewMemberJoined(sys.Member{
		GuildID:  state.GuildID,
		UserID:   state.UserID,
		Username: member.User.Username,
	}, *state.ChannelID))
}

func (g *Gateway) voiceStateUpdate(selfID snowflake.ID, state discord.VoiceState) {
	if state.UserID != selfID || state.ChannelID != nil {
		return
	}
	g.post(BotDisconnected{GuildID: state.GuildID, At: g.now()})
}

// RegisterDaemons hooks voice shutdown and cooldown pruning into the daemon lifecycle.
func RegisterDaemons(vs *VoiceSystem, throttle *JoinThrottle) {
	sys.RegisterDaemon(sys.LogVoice, func(ctx context.Context) (bool, func(), func()) {
		run := func() { <-ctx.Done() }
		shutdown := func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			vs.Shutdown(sctx)
		}
		return vs != nil, run, shutdown
	})

	sys.RegisterDaemon(sys.LogIntro, func(ctx context.Context) (bool, func(), func()) {
		if throttle == nil || throttle.cooldown <= 0 {
			return false, nil, nil
		}
		run := func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := throttle.Prune(); n > 0 {
						sys.LogDebug("Pruned %d join cooldown(s)", n)
					}
				}
			}
		}
		return true, run, nil
	})
}
