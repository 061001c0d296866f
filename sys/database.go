package sys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/mattn/go-sqlite3"
)

// Database is the intro configuration store.
type Database struct {
	db *sql.DB
}

// OpenDatabase opens (creating if needed) the SQLite store at path and ensures the schema.
func OpenDatabase(ctx context.Context, path string) (*Database, error) {
	// Explicitly reference sqlite3 driver to avoid blank identifier
	_ = sqlite3.SQLiteDriver{}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)

	d := &Database{db: db}
	if err := d.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	LogDatabase(MsgDatabaseInitSuccess)
	return d, nil
}

func (d *Database) migrate(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA cache_size=-2000;",
	}
	for _, p := range pragmas {
		if _, err := d.db.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := d.db.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS guilds (
			guild_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			sound_delay INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS intros (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL REFERENCES guilds(guild_id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			source_kind TEXT NOT NULL CHECK (source_kind IN ('file', 'remote')),
			location TEXT NOT NULL,
			volume INTEGER NOT NULL DEFAULT 100,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (guild_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS user_intros (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			guild_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			intro_id INTEGER NOT NULL REFERENCES intros(id) ON DELETE CASCADE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (guild_id, channel_id, user_id, intro_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_intros_lookup ON user_intros (guild_id, channel_id, user_id)`,
		`CREATE TABLE IF NOT EXISTS user_permissions (
			guild_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			permissions INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (guild_id, user_id)
		)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	return tx.Commit()
}

func (d *Database) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// --- Guilds ---

func (d *Database) UpsertGuild(ctx context.Context, g Guild) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO guilds (guild_id, name, sound_delay) VALUES (?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			name = excluded.name,
			sound_delay = excluded.sound_delay,
			updated_at = CURRENT_TIMESTAMP
	`, g.ID.String(), g.Name, g.SoundDelay)
	return err
}

// GuildIDs lists every configured guild.
func (d *Database) GuildIDs(ctx context.Context) ([]snowflake.ID, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT guild_id FROM guilds ORDER BY guild_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []snowflake.ID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := snowflake.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse guild ID '%s': %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Intros ---

// AddIntro stores an intro for a guild, replacing one with the same name, and returns its ID.
func (d *Database) AddIntro(ctx context.Context, guildID snowflake.ID, intro IntroDescriptor) (int64, error) {
	if !intro.Kind.Valid() {
		return 0, fmt.Errorf("invalid source kind %q", intro.Kind)
	}
	if strings.TrimSpace(intro.Location) == "" {
		return 0, errors.New("intro location is empty")
	}
	name := intro.DisplayName
	if name == "" {
		name = intro.Location
	}
	volume := intro.Volume
	if volume <= 0 {
		volume = 100
	}

	var id int64
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO intros (guild_id, name, source_kind, location, volume) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(guild_id, name) DO UPDATE SET
			source_kind = excluded.source_kind,
			location = excluded.location,
			volume = excluded.volume
		RETURNING id
	`, guildID.String(), name, string(intro.Kind), intro.Location, volume).Scan(&id)
	return id, err
}

// AssignIntro appends an intro to a member's list for a channel. Re-assigning is a no-op.
func (d *Database) AssignIntro(ctx context.Context, guildID, channelID, userID snowflake.ID, introID int64) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO user_intros (guild_id, channel_id, user_id, intro_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(guild_id, channel_id, user_id, intro_id) DO NOTHING
	`, guildID.String(), channelID.String(), userID.String(), introID)
	return err
}

// ChannelUserIntros returns the intros a member configured for a channel, in assignment order.
func (d *Database) ChannelUserIntros(ctx context.Context, guildID, channelID, userID snowflake.ID) ([]IntroDescriptor, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT i.id, i.name, i.source_kind, i.location, i.volume
		FROM user_intros ui
		JOIN intros i ON i.id = ui.intro_id
		WHERE ui.guild_id = ? AND ui.channel_id = ? AND ui.user_id = ?
		ORDER BY ui.id ASC
	`, guildID.String(), channelID.String(), userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intros []IntroDescriptor
	for rows.Next() {
		var in IntroDescriptor
		var kind string
		if err := rows.Scan(&in.ID, &in.DisplayName, &kind, &in.Location, &in.Volume); err != nil {
			return nil, err
		}
		in.Kind = SourceKind(kind)
		intros = append(intros, in)
	}
	return intros, rows.Err()
}

// --- Permissions ---

func (d *Database) SetUserPermissions(ctx context.Context, guildID, userID snowflake.ID, perms PermissionSet) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO user_permissions (guild_id, user_id, permissions) VALUES (?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			permissions = excluded.permissions,
			updated_at = CURRENT_TIMESTAMP
	`, guildID.String(), userID.String(), int(perms))
	return err
}

// UserPermissions returns the member's permission set; unknown members have none.
func (d *Database) UserPermissions(ctx context.Context, guildID, userID snowflake.ID) (PermissionSet, error) {
	var bits int
	err := d.db.QueryRowContext(ctx,
		"SELECT permissions FROM user_permissions WHERE guild_id = ? AND user_id = ?",
		guildID.String(), userID.String(),
	).Scan(&bits)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return PermissionSet(bits), nil
}
