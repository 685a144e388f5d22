package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

var (
	ErrMissingWebhookURL = errors.New("WEBHOOK_URL is required")
	ErrMissingKVDSN      = errors.New("KV_DSN is required for sql drivers")
	ErrInvalidKVDriver   = errors.New("KV_DRIVER must be 'redis', 'postgres', 'sqlite' or 'memory'")
)

type Config struct {
	AppName string

	Server  ServerConfig
	KV      KVConfig
	Redis   RedisConfig
	Webhook WebhookConfig
	Audio   AudioConfig
	Remote  RemoteConfig
	Log     LogConfig
}

type ServerConfig struct {
	ListenAddr  string
	HealthPath  string
	MetricsPath string
}

type KVConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type WebhookConfig struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	Backoff    time.Duration
}

type AudioConfig struct {
	MaxAge         time.Duration
	CacheDir       string
	VacuumInterval time.Duration
	FetchTimeout   time.Duration
	MaxRetries     int
	Backoff        time.Duration
}

type RemoteConfig struct {
	Driver string
	DSN    string
	Table  string
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppName: mustEnv("APP_NAME", "lorekeeper"),
		Server: ServerConfig{
			ListenAddr:  mustEnv("LISTEN_ADDR", ":8080"),
			HealthPath:  mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath: mustEnv("METRICS_PATH", "/metrics"),
		},
		KV: KVConfig{
			Driver:      strings.ToLower(mustEnv("KV_DRIVER", DriverSQLite)),
			DSN:         mustEnv("KV_DSN", "lorekeeper.db"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		Webhook: WebhookConfig{
			URL:        mustEnv("WEBHOOK_URL", ""),
			Timeout:    mustDuration("WEBHOOK_TIMEOUT", 30*time.Second),
			MaxRetries: mustInt("WEBHOOK_MAX_RETRIES", 2),
			Backoff:    mustDuration("WEBHOOK_BACKOFF_BASE", 400*time.Millisecond),
		},
		Audio: AudioConfig{
			MaxAge:         mustDuration("AUDIO_MAX_AGE", 7*24*time.Hour),
			CacheDir:       mustEnv("AUDIO_CACHE_DIR", ""),
			VacuumInterval: mustDuration("AUDIO_VACUUM_INTERVAL", 6*time.Hour),
			FetchTimeout:   mustDuration("AUDIO_FETCH_TIMEOUT", 30*time.Second),
			MaxRetries:     mustInt("AUDIO_MAX_RETRIES", 2),
			Backoff:        mustDuration("AUDIO_BACKOFF_BASE", 400*time.Millisecond),
		},
		Remote: RemoteConfig{
			Driver: strings.ToLower(mustEnv("REMOTE_DB_DRIVER", DriverPostgres)),
			DSN:    mustEnv("REMOTE_DB_DSN", ""),
			Table:  mustEnv("REMOTE_HISTORY_TABLE", "n8n_chat_histories"),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.Webhook.URL == "" {
		return nil, ErrMissingWebhookURL
	}
	switch cfg.KV.Driver {
	case DriverRedis, DriverMemory:
	case DriverPostgres, DriverSQLite:
		if cfg.KV.DSN == "" {
			return nil, ErrMissingKVDSN
		}
	default:
		return nil, fmt.Errorf("%w: got %q", ErrInvalidKVDriver, cfg.KV.Driver)
	}

	return cfg, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
