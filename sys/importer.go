package sys

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/disgoorg/snowflake/v2"
)

// Snapshot is the on-disk seeding format for the configuration store.
type Snapshot struct {
	Guilds []GuildSnapshot `json:"guilds" validate:"dive"`
}

type GuildSnapshot struct {
	ID          snowflake.ID         `json:"id" validate:"required"`
	Name        string               `json:"name"`
	SoundDelay  int                  `json:"sound_delay" validate:"gte=0"`
	Intros      []IntroSnapshot      `json:"intros" validate:"dive"`
	Assignments []AssignmentSnapshot `json:"assignments" validate:"dive"`
	Permissions []PermissionSnapshot `json:"permissions" validate:"dive"`
}

type IntroSnapshot struct {
	Name     string     `json:"name" validate:"required"`
	Kind     SourceKind `json:"kind" validate:"required,oneof=file remote"`
	Location string     `json:"location" validate:"required"`
	Volume   int        `json:"volume" validate:"gte=0,lte=200"`
}

type AssignmentSnapshot struct {
	ChannelID snowflake.ID `json:"channel_id" validate:"required"`
	UserID    snowflake.ID `json:"user_id" validate:"required"`
	Intros    []string     `json:"intros" validate:"min=1,dive,required"`
}

type PermissionSnapshot struct {
	UserID snowflake.ID `json:"user_id" validate:"required"`
	Grants []string     `json:"grants"`
}

type ImportStats struct {
	Guilds      int
	Intros      int
	Assignments int
	Permissions int
}

// ImportFile loads a JSON snapshot from path into the store.
func (d *Database) ImportFile(ctx context.Context, path string) (ImportStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportStats{}, err
	}
	defer f.Close()
	return d.Import(ctx, f)
}

// Import decodes, validates and applies a snapshot. Existing rows are updated in place.
func (d *Database) Import(ctx context.Context, r io.Reader) (ImportStats, error) {
	var snap Snapshot
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return ImportStats{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := validate.Struct(&snap); err != nil {
		return ImportStats{}, fmt.Errorf("invalid snapshot: %w", err)
	}

	var stats ImportStats
	for _, g := range snap.Guilds {
		if err := d.UpsertGuild(ctx, Guild{ID: g.ID, Name: g.Name, SoundDelay: g.SoundDelay}); err != nil {
			return stats, fmt.Errorf("guild %s: %w", g.ID, err)
		}
		stats.Guilds++

		ids := make(map[string]int64, len(g.Intros))
		for _, in := range g.Intros {
			id, err := d.AddIntro(ctx, g.ID, IntroDescriptor{
				Kind:        in.Kind,
				Location:    in.Location,
				DisplayName: in.Name,
				Volume:      in.Volume,
			})
			if err != nil {
				return stats, fmt.Errorf("guild %s intro %q: %w", g.ID, in.Name, err)
			}
			ids[in.Name] = id
			stats.Intros++
		}

		for _, a := range g.Assignments {
			for _, name := range a.Intros {
				id, ok := ids[name]
				if !ok {
					return stats, fmt.Errorf("guild %s: assignment references unknown intro %q", g.ID, name)
				}
				if err := d.AssignIntro(ctx, g.ID, a.ChannelID, a.UserID, id); err != nil {
					return stats, fmt.Errorf("guild %s assign %q: %w", g.ID, name, err)
				}
				stats.Assignments++
			}
		}

		for _, p := range g.Permissions {
			if err := d.SetUserPermissions(ctx, g.ID, p.UserID, ParsePermissions(p.Grants)); err != nil {
				return stats, fmt.Errorf("guild %s permissions for %s: %w", g.ID, p.UserID, err)
			}
			stats.Permissions++
		}
	}

	LogDatabase(MsgDatabaseImported, stats.Guilds, stats.Intros, stats.Assignments, stats.Permissions)
	return stats, nil
}
