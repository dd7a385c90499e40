// Package config loads service configuration from an optional YAML file with
// environment variable overrides. Environment always wins over the file so
// deployments can keep a checked-in base config and inject secrets at runtime.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	BotToken       string `yaml:"bot_token"`
	AudioChannelID string `yaml:"audio_channel_id"`
	VideoChannelID string `yaml:"video_channel_id"`

	DBPath  string `yaml:"db_path"`
	WorkDir string `yaml:"work_dir"`

	MirrorInstances []string `yaml:"mirror_instances"`

	// CookieFile is an optional Netscape cookies.txt used by page scraping.
	CookieFile string `yaml:"cookie_file"`

	// OwnerIDs may delete stored records. Empty disables record deletion.
	OwnerIDs []string `yaml:"owner_ids"`

	LogLevel string `yaml:"log_level"`

	AttemptTimeout  time.Duration `yaml:"attempt_timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	StreamTimeout   time.Duration `yaml:"stream_timeout"`

	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

func defaults() Config {
	return Config{
		ListenAddr:         ":8080",
		DBPath:             "ytrelay.db",
		WorkDir:            os.TempDir(),
		LogLevel:           "info",
		AttemptTimeout:     10 * time.Second,
		DownloadTimeout:    5 * time.Minute,
		StreamTimeout:      2 * time.Minute,
		RateLimitPerMinute: 60,
	}
}

// Load builds the configuration: defaults, then the YAML file at path if it
// exists, then environment overrides. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	envString("YTRELAY_LISTEN_ADDR", &cfg.ListenAddr)
	envString("BOT_TOKEN", &cfg.BotToken)
	envString("AUDIO_CHANNEL_ID", &cfg.AudioChannelID)
	envString("VIDEO_CHANNEL_ID", &cfg.VideoChannelID)
	envString("YTRELAY_DB_PATH", &cfg.DBPath)
	envString("YTRELAY_WORK_DIR", &cfg.WorkDir)
	envString("YTRELAY_LOG_LEVEL", &cfg.LogLevel)
	envList("YTRELAY_MIRROR_INSTANCES", &cfg.MirrorInstances)
	envString("YTRELAY_COOKIE_FILE", &cfg.CookieFile)
	envList("YTRELAY_OWNER_IDS", &cfg.OwnerIDs)
	envDuration("YTRELAY_ATTEMPT_TIMEOUT", &cfg.AttemptTimeout)
	envDuration("YTRELAY_DOWNLOAD_TIMEOUT", &cfg.DownloadTimeout)
	envDuration("YTRELAY_STREAM_TIMEOUT", &cfg.StreamTimeout)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envList(key string, dst *[]string) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func envDuration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate checks the fields no component can default its way around.
func (c *Config) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("config: bot token is required (BOT_TOKEN)")
	}
	if c.AudioChannelID == "" {
		return fmt.Errorf("config: audio channel id is required (AUDIO_CHANNEL_ID)")
	}
	if c.VideoChannelID == "" {
		return fmt.Errorf("config: video channel id is required (VIDEO_CHANNEL_ID)")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.AttemptTimeout <= 0 || c.DownloadTimeout <= 0 || c.StreamTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	return nil
}
