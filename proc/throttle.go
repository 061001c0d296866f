package proc

import (
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"
)

type throttleKey struct {
	guildID snowflake.ID
	userID  snowflake.ID
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// JoinThrottle limits each member to one intro per cooldown window.
type JoinThrottle struct {
	mu       sync.Mutex
	cooldown time.Duration
	entries  map[throttleKey]*throttleEntry
	now      func() time.Time
}

// NewJoinThrottle returns a throttle; a zero cooldown disables it.
func NewJoinThrottle(cooldown time.Duration) *JoinThrottle {
	return &JoinThrottle{
		cooldown: cooldown,
		entries:  make(map[throttleKey]*throttleEntry),
		now:      time.Now,
	}
}

// Allow consumes the member's token if one is available.
func (t *JoinThrottle) Allow(guildID, userID snowflake.ID) bool {
	if t == nil || t.cooldown <= 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	key := throttleKey{guildID, userID}
	e, ok := t.entries[key]
	if !ok {
		e = &throttleEntry{limiter: rate.NewLimiter(rate.Every(t.cooldown), 1)}
		t.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Prune forgets members not seen for longer than the cooldown and returns how many were dropped.
func (t *JoinThrottle) Prune() int {
	if t == nil || t.cooldown <= 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.cooldown)
	dropped := 0
	for k, e := range t.entries {
		if e.lastSeen.Before(cutoff) {
			delete(t.entries, k)
			dropped++
		}
	}
	return dropped
}

func (t *JoinThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
