package proc

import (
	"sort"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Session is the orchestrator's record of playback in one voice channel.
type Session struct {
	GuildID       snowflake.ID
	ChannelID     snowflake.ID
	Joined        bool
	QueueNonEmpty bool
	CreatedAt     time.Time
	JoinedAt      time.Time
}

// Registry tracks at most one session per channel, and per guild.
type Registry struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*Session
	byGuild  map[snowflake.ID]snowflake.ID
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[snowflake.ID]*Session),
		byGuild:  make(map[snowflake.ID]snowflake.ID),
		now:      time.Now,
	}
}

// GetOrCreate returns the channel's session, creating it when absent.
// It fails with ErrGuildBusy if the guild already has a session in another channel.
func (r *Registry) GetOrCreate(guildID, channelID snowflake.ID) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[channelID]; ok {
		return *s, false, nil
	}
	if other, ok := r.byGuild[guildID]; ok {
		return *r.sessions[other], false, ErrGuildBusy
	}

	s := &Session{GuildID: guildID, ChannelID: channelID, CreatedAt: r.now()}
	r.sessions[channelID] = s
	r.byGuild[guildID] = channelID
	return *s, true, nil
}

func (r *Registry) MarkJoined(channelID snowflake.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[channelID]; ok {
		s.Joined = true
		s.JoinedAt = r.now()
	}
}

func (r *Registry) Enqueued(channelID snowflake.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[channelID]; ok {
		s.QueueNonEmpty = true
	}
}

// Remove drops the channel's session, reporting whether one existed.
func (r *Registry) Remove(channelID snowflake.ID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(channelID)
}

func (r *Registry) removeLocked(channelID snowflake.ID) (Session, bool) {
	s, ok := r.sessions[channelID]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, channelID)
	if r.byGuild[s.GuildID] == channelID {
		delete(r.byGuild, s.GuildID)
	}
	return *s, true
}

// MoveGuild replaces the guild's session with a fresh one in channelID and returns the
// channel it left, if any.
func (r *Registry) MoveGuild(guildID, channelID snowflake.ID) (Session, snowflake.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var from snowflake.ID
	if prev, ok := r.byGuild[guildID]; ok {
		from = prev
		r.removeLocked(prev)
	}
	s := &Session{GuildID: guildID, ChannelID: channelID, CreatedAt: r.now()}
	r.sessions[channelID] = s
	r.byGuild[guildID] = channelID
	return *s, from
}

// RemoveGuild drops whatever session the guild has.
func (r *Registry) RemoveGuild(guildID snowflake.ID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channelID, ok := r.byGuild[guildID]
	if !ok {
		return Session{}, false
	}
	return r.removeLocked(channelID)
}

func (r *Registry) ByGuild(guildID snowflake.ID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channelID, ok := r.byGuild[guildID]
	if !ok {
		return Session{}, false
	}
	return *r.sessions[channelID], true
}

// OnTrackEnded applies a track completion for the guild. ok is false when no session exists.
// When the platform queue is empty the session is removed and teardown is true.
func (r *Registry) OnTrackEnded(guildID snowflake.ID, queueEmpty bool) (s Session, teardown bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	channelID, ok := r.byGuild[guildID]
	if !ok {
		return Session{}, false, false
	}
	if queueEmpty {
		s, _ = r.removeLocked(channelID)
		s.QueueNonEmpty = false
		return s, true, true
	}
	sess := r.sessions[channelID]
	sess.QueueNonEmpty = true
	return *sess, false, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshot returns a copy of all sessions ordered by creation time.
func (r *Registry) Snapshot() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
