package sys

import (
	"fmt"

	"github.com/disgoorg/snowflake/v2"
)

// SourceKind tells the audio source provider how to reach a clip.
type SourceKind string

const (
	SourceFile   SourceKind = "file"
	SourceRemote SourceKind = "remote"
)

func (k SourceKind) Valid() bool {
	return k == SourceFile || k == SourceRemote
}

// IntroDescriptor is an immutable reference to a configured clip.
type IntroDescriptor struct {
	ID          int64
	Kind        SourceKind
	Location    string
	DisplayName string
	Volume      int
}

func (d IntroDescriptor) String() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return fmt.Sprintf("%s:%s", d.Kind, d.Location)
}

// Member identifies a user joining voice.
type Member struct {
	GuildID  snowflake.ID
	UserID   snowflake.ID
	Username string
}

func (m Member) String() string {
	if m.Username != "" {
		return fmt.Sprintf("%s (%s)", m.Username, m.UserID)
	}
	return m.UserID.String()
}

type Guild struct {
	ID         snowflake.ID
	Name       string
	SoundDelay int
}
