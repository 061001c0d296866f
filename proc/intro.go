package proc

import (
	"context"
	"fmt"
	"strings"

	"github.com/disgoorg/snowflake/v2"
	"github.com/leeineian/introbot/sys"
)

// IntroStore is the read side of the configuration store.
type IntroStore interface {
	ChannelUserIntros(ctx context.Context, guildID, channelID, userID snowflake.ID) ([]sys.IntroDescriptor, error)
	GuildIDs(ctx context.Context) ([]snowflake.ID, error)
}

// IntroResolver picks the clip to play for a member joining a channel.
type IntroResolver struct {
	store  IntroStore
	ignore map[string]struct{}
}

func NewIntroResolver(store IntroStore, ignoreUsernames []string) *IntroResolver {
	ignore := make(map[string]struct{}, len(ignoreUsernames))
	for _, name := range ignoreUsernames {
		if name = strings.TrimSpace(name); name != "" {
			ignore[name] = struct{}{}
		}
	}
	return &IntroResolver{store: store, ignore: ignore}
}

// Ignored reports whether the username is one of the configured sentinels.
func (r *IntroResolver) Ignored(username string) bool {
	_, ok := r.ignore[username]
	return ok
}

// Resolve returns the member's first configured intro for the channel, or nil when there is none.
// Store failures are wrapped in ErrLookupFailed.
func (r *IntroResolver) Resolve(ctx context.Context, channelID snowflake.ID, member sys.Member) (*sys.IntroDescriptor, error) {
	if member.UserID == 0 || r.Ignored(member.Username) {
		return nil, nil
	}

	intros, err := r.store.ChannelUserIntros(ctx, member.GuildID, channelID, member.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	if len(intros) == 0 {
		return nil, nil
	}

	intro := intros[0]
	return &intro, nil
}
