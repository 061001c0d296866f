package sys

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Token           string        `envconfig:"DISCORD_TOKEN" validate:"required"`
	DatabasePath    string        `envconfig:"DATABASE_PATH" default:"./data/introbot.db" validate:"required"`
	SoundDir        string        `envconfig:"SOUND_DIR" default:"sounds" validate:"required"`
	FFmpegPath      string        `envconfig:"FFMPEG_PATH" default:"ffmpeg" validate:"required"`
	YoutubeProxy    string        `envconfig:"YOUTUBE_PROXY" validate:"omitempty,url"`
	IgnoreUsernames []string      `envconfig:"IGNORE_USERNAMES" default:"MemeJoin"`
	AcquireTimeout  time.Duration `envconfig:"ACQUIRE_TIMEOUT" default:"30s" validate:"gt=0"`
	MaxClipBytes    int64         `envconfig:"MAX_CLIP_BYTES" default:"8388608" validate:"gt=0"`
	MaxClipDuration time.Duration `envconfig:"MAX_CLIP_DURATION" default:"30s" validate:"gte=0"`
	JoinCooldown    time.Duration `envconfig:"JOIN_COOLDOWN" default:"10s" validate:"gte=0"`
	InboxSize       int           `envconfig:"INBOX_SIZE" default:"64" validate:"min=1,max=4096"`
	HealthAddr      string        `envconfig:"HEALTH_ADDR" default:":8100" validate:"omitempty,hostname_port"`
	Silent          bool          `envconfig:"SILENT"`
	LogToFile       bool          `envconfig:"LOG_TO_FILE"`
}

var validate = validator.New()

// Validate ensures the configuration is valid and meets requirements.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return errors.New(MsgConfigMissingToken)
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: failed %q check", fe.Field(), fe.Tag())
		}
		return err
	}
	return nil
}

// LoadConfig reads .env (if present) and the process environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	for i := range cfg.IgnoreUsernames {
		cfg.IgnoreUsernames[i] = strings.TrimSpace(cfg.IgnoreUsernames[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Silent {
		SetSilentMode(true)
	}

	return &cfg, nil
}
