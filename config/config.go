// Package config loads the relay configuration from defaults, an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of every environment variable the loader reads.
// SOCIALRELAY_DISCORD__TOKEN maps to discord.token.
const EnvPrefix = "SOCIALRELAY_"

// PathEnvVar overrides the config file location.
const PathEnvVar = "CONFIG_PATH"

// DefaultPaths are searched in order when PathEnvVar is unset.
var DefaultPaths = []string{
	"socialrelay.yaml",
	"/etc/socialrelay/config.yaml",
}

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
	Database DatabaseConfig `koanf:"database"`
	Archive  ArchiveConfig  `koanf:"archive"`
	Discord  DiscordConfig  `koanf:"discord"`
	Twitter  TwitterConfig  `koanf:"twitter"`
	Twitch   TwitchConfig   `koanf:"twitch"`
}

type ServerConfig struct {
	Addr              string `koanf:"addr"`
	CallbackRateLimit int    `koanf:"callback_rate_limit"` // Requests per minute per IP
	AdminToken        string `koanf:"admin_token"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite or postgres
	DSN    string `koanf:"dsn"`
}

// ArchiveConfig selects where raw push payloads are archived.
// Both empty disables the archive.
type ArchiveConfig struct {
	Bucket    string `koanf:"bucket"`
	LocalPath string `koanf:"local_path"`
}

type DiscordConfig struct {
	Token           string        `koanf:"token"`
	APIBase         string        `koanf:"api_base"`
	WebhookName     string        `koanf:"webhook_name"`
	Username        string        `koanf:"username"`
	AvatarURL       string        `koanf:"avatar_url"`
	AuditWebhookURL string        `koanf:"audit_webhook_url"`
	DeliveryTimeout time.Duration `koanf:"delivery_timeout"`
}

type TwitterConfig struct {
	BearerToken  string        `koanf:"bearer_token"`
	PollInterval time.Duration `koanf:"poll_interval"`
	CheckTimeout time.Duration `koanf:"check_timeout"`
	SyncInterval time.Duration `koanf:"sync_interval"`
	Concurrency  int           `koanf:"concurrency"`
	Enabled      bool          `koanf:"enabled"`
}

// TwitchPool is one set of application credentials with its own cost budget.
type TwitchPool struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`
}

type TwitchConfig struct {
	ClientID          string        `koanf:"client_id"`
	ClientSecret      string        `koanf:"client_secret"`
	CallbackURL       string        `koanf:"callback_url"`
	WebhookSecret     string        `koanf:"webhook_secret"`
	ExtraPools        []TwitchPool  `koanf:"extra_pools"`
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`
	Enabled           bool          `koanf:"enabled"`
}

// Pools returns every configured credential pool in priority order.
func (c TwitchConfig) Pools() []TwitchPool {
	var pools []TwitchPool
	if c.ClientID != "" {
		pools = append(pools, TwitchPool{ClientID: c.ClientID, ClientSecret: c.ClientSecret})
	}
	return append(pools, c.ExtraPools...)
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			CallbackRateLimit: 600,
		},
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "socialrelay.db",
		},
		Discord: DiscordConfig{
			APIBase:         "https://discord.com/api/v10",
			WebhookName:     "Loritta (Social Relay)",
			Username:        "Loritta",
			DeliveryTimeout: 30 * time.Second,
		},
		Twitter: TwitterConfig{
			PollInterval: 5 * time.Second,
			CheckTimeout: 15 * time.Second,
			SyncInterval: time.Minute,
			Concurrency:  8,
			Enabled:      true,
		},
		Twitch: TwitchConfig{
			ReconcileInterval: time.Minute,
		},
	}
}

// Load builds the configuration. Later layers win: defaults, then file, then environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps SOCIALRELAY_TWITCH__CALLBACK_URL to twitch.callback_url.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func findConfigFile() string {
	if path := os.Getenv(PathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be sqlite or postgres", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Twitter.Enabled {
		if c.Twitter.Concurrency < 1 {
			errs = append(errs, errors.New("twitter.concurrency must be at least 1"))
		}
		if c.Twitter.PollInterval <= 0 || c.Twitter.CheckTimeout <= 0 {
			errs = append(errs, errors.New("twitter.poll_interval and twitter.check_timeout must be positive"))
		}
	}
	if c.Twitch.Enabled {
		if c.Twitch.CallbackURL == "" {
			errs = append(errs, errors.New("twitch.callback_url is required when twitch is enabled"))
		}
		if c.Twitch.WebhookSecret == "" {
			errs = append(errs, errors.New("twitch.webhook_secret is required when twitch is enabled"))
		}
		if len(c.Twitch.Pools()) == 0 {
			errs = append(errs, errors.New("at least one twitch credential pool is required when twitch is enabled"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
