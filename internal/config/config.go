package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"
	"unicode/utf8"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. TELEFLEET_PREFIX.
const EnvPrefix = "TELEFLEET_"

// Credential storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	Prefix   string   `yaml:"prefix" env:"PREFIX"`
	Owners   []string `yaml:"owners" env:"OWNERS"`
	Timezone string   `yaml:"timezone" env:"TIMEZONE"`
	LogLevel string   `yaml:"log_level" env:"LOG_LEVEL"`
	LogFile  string   `yaml:"log_file" env:"LOG_FILE"`

	Telegram  TelegramConfig  `yaml:"telegram" envPrefix:"TELEGRAM_"`
	Sessions  SessionsConfig  `yaml:"sessions" envPrefix:"SESSIONS_"`
	Commands  CommandsConfig  `yaml:"commands" envPrefix:"COMMANDS_"`
	Reconnect ReconnectConfig `yaml:"reconnect" envPrefix:"RECONNECT_"`
	Pairing   PairingConfig   `yaml:"pairing" envPrefix:"PAIRING_"`
	Welcome   WelcomeConfig   `yaml:"welcome" envPrefix:"WELCOME_"`
	HTTP      HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
}

type TelegramConfig struct {
	APIID   int    `yaml:"api_id" env:"API_ID"`
	APIHash string `yaml:"api_hash" env:"API_HASH"`
}

type SessionsConfig struct {
	Dir           string `yaml:"dir" env:"DIR"`
	Backend       string `yaml:"backend" env:"BACKEND"`
	SQLitePath    string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	PurgeOnLogout bool   `yaml:"purge_on_logout" env:"PURGE_ON_LOGOUT"`
}

type CommandsConfig struct {
	Dir   string `yaml:"dir" env:"DIR"`
	Watch bool   `yaml:"watch" env:"WATCH"`
}

type ReconnectConfig struct {
	Delay time.Duration `yaml:"delay" env:"DELAY"`
}

// PairingConfig bounds pairing code requests. MaxRetries counts every
// request, the first included.
type PairingConfig struct {
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	Settle     time.Duration `yaml:"settle" env:"SETTLE"`
}

type WelcomeConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	SettleDelay    time.Duration `yaml:"settle_delay" env:"SETTLE_DELAY"`
	FollowChannel  string        `yaml:"follow_channel" env:"FOLLOW_CHANNEL"`
	ReactMessageID string        `yaml:"react_message_id" env:"REACT_MESSAGE_ID"`
	ReactEmoji     string        `yaml:"react_emoji" env:"REACT_EMOJI"`
}

type HTTPConfig struct {
	Addr      string `yaml:"addr" env:"ADDR"`
	StaticDir string `yaml:"static_dir" env:"STATIC_DIR"`
}

// Default returns the configuration used for anything a file or the
// environment leaves unset.
func Default() *Config {
	return &Config{
		Prefix:   ",",
		Timezone: "Africa/Ouagadougou",
		LogLevel: "info",
		Sessions: SessionsConfig{
			Dir:           "sessions",
			Backend:       BackendFile,
			SQLitePath:    "telefleet.db",
			PurgeOnLogout: true,
		},
		Commands:  CommandsConfig{Dir: "commands", Watch: true},
		Reconnect: ReconnectConfig{Delay: 8 * time.Second},
		Pairing: PairingConfig{
			MaxRetries: 5,
			RetryDelay: 1500 * time.Millisecond,
			Settle:     1200 * time.Millisecond,
		},
		Welcome: WelcomeConfig{
			Enabled:     true,
			SettleDelay: 2 * time.Second,
			ReactEmoji:  "❤️",
		},
		HTTP: HTTPConfig{Addr: ":2038"},
	}
}

func Dir() string {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		cfgDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(cfgDir, "telefleet")
}

// LoadDotEnv copies variables from the given .env files into the process
// environment. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML file at path over the defaults, then applies
// TELEFLEET_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if utf8.RuneCountInString(c.Prefix) != 1 {
		return fmt.Errorf("prefix must be a single character, got %q", c.Prefix)
	}
	switch c.Sessions.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("unknown sessions backend %q", c.Sessions.Backend)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Pairing.MaxRetries < 1 {
		return fmt.Errorf("pairing.max_retries must be at least 1")
	}
	return nil
}

// Location loads the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
