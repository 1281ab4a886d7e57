package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Env       string          `mapstructure:"env"` // "dev" | "prod"
	Store     StoreConfig     `mapstructure:"store"`
	DB        DBConfig        `mapstructure:"db"`
	Keys      KeysConfig      `mapstructure:"keys"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "sqlite" | "memory"
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type KeysConfig struct {
	File string `mapstructure:"file"`
}

type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	Subject       string        `mapstructure:"subject"`
	Queue         string        `mapstructure:"queue"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Token         string        `mapstructure:"token"`
}

// RedisConfig enables the external relay when URL is set.
type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Channel string `mapstructure:"channel"`
}

type AdminConfig struct {
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	PasswordHash  string        `mapstructure:"password_hash"`
	MaxFailures   int           `mapstructure:"max_failures"`
	Lockout       time.Duration `mapstructure:"lockout"`
	TokenSecret   string        `mapstructure:"token_secret"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type IngestConfig struct {
	QueueSize    int           `mapstructure:"queue_size"`
	StoreRetries int           `mapstructure:"store_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type BroadcastConfig struct {
	Buffer int `mapstructure:"buffer"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("env", "dev")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("db.path", "./data/keybox.db")
	v.SetDefault("keys.file", "./keys.yaml")

	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "keybox-server")
	v.SetDefault("nats.subject", "keybox.rooms.*.status")
	v.SetDefault("nats.queue", "")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")
	v.SetDefault("nats.username", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.token", "")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.channel", "keybox:update_room")

	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.password", "")
	v.SetDefault("admin.password_hash", "")
	v.SetDefault("admin.max_failures", 5)
	v.SetDefault("admin.lockout", "15m")
	v.SetDefault("admin.token_secret", "")
	v.SetDefault("admin.sweep_interval", "1m")

	v.SetDefault("ingest.queue_size", 256)
	v.SetDefault("ingest.store_retries", 2)
	v.SetDefault("ingest.retry_backoff", "200ms")

	v.SetDefault("broadcast.buffer", 64)

	v.SetDefault("log.level", "info")
}

// Load reads an optional YAML file then applies KEYBOX_* environment
// overrides (KEYBOX_DB_PATH, KEYBOX_ADMIN_PASSWORD, ...). An empty path
// looks for keybox.yaml in the working directory and /etc/keybox.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("keybox")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/keybox")
	}

	v.SetEnvPrefix("KEYBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	if c.Env != "dev" && c.Env != "prod" {
		// fail-soft: treat unknown as dev
		c.Env = "dev"
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("%w: store.driver %q (want sqlite or memory)", ErrInvalidConfig, c.Store.Driver)
	}

	if c.Ingest.QueueSize <= 0 {
		return fmt.Errorf("%w: ingest.queue_size must be positive", ErrInvalidConfig)
	}
	if c.Ingest.StoreRetries < 0 {
		return fmt.Errorf("%w: ingest.store_retries must not be negative", ErrInvalidConfig)
	}
	if c.Admin.MaxFailures <= 0 {
		return fmt.Errorf("%w: admin.max_failures must be positive", ErrInvalidConfig)
	}
	if c.Env == "prod" && c.Admin.TokenSecret == "" {
		return fmt.Errorf("%w: admin.token_secret is required in prod", ErrInvalidConfig)
	}
	return nil
}
