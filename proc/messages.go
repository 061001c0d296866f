package proc

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	"github.com/leeineian/introbot/sys"
)

// Message is an event consumed by the orchestrator inbox.
type Message interface {
	isMessage()
}

// Ready is posted each time the gateway session becomes ready.
type Ready struct {
	SelfID snowflake.ID
}

// MemberJoined is posted when a member enters a voice channel.
type MemberJoined struct {
	ID        uuid.UUID
	Member    sys.Member
	ChannelID snowflake.ID
}

// TrackEnded is posted by the voice connection when a clip finishes.
type TrackEnded struct {
	GuildID snowflake.ID
}

// BotDisconnected is posted when the gateway reports the bot left voice.
// At is when the event was observed; sessions joined after it are kept.
type BotDisconnected struct {
	GuildID snowflake.ID
	At      time.Time
}

func (Ready) isMessage()           {}
func (MemberJoined) isMessage()    {}
func (TrackEnded) isMessage()      {}
func (BotDisconnected) isMessage() {}

// NewMemberJoined stamps a join with a correlation ID.
func NewMemberJoined(member sys.Member, channelID snowflake.ID) MemberJoined {
	return MemberJoined{ID: uuid.New(), Member: member, ChannelID: channelID}
}

// Short returns the leading part of the correlation ID used in logs.
func (m MemberJoined) Short() string {
	return m.ID.String()[:8]
}

func guildOf(msg Message) (snowflake.ID, bool) {
	switch m := msg.(type) {
	case MemberJoined:
		return m.Member.GuildID, true
	case TrackEnded:
		return m.GuildID, true
	case BotDisconnected:
		return m.GuildID, true
	default:
		return 0, false
	}
}
