package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "REPERTOIRE"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "repertoire.db"
	defaultLogLevel           = "info"
	defaultAuthIssuer         = "repertoire-api"
	defaultTokenTTLMinutes    = 720
	defaultRemoteBaseURL      = "https://lichess.org"
	defaultRemoteTimeout      = 30
	defaultRemoteMaxAttempts  = 3
	defaultSyncMinInterval    = 900
	defaultSyncInterval       = 3600
	defaultSyncConcurrency    = 4
	defaultSyncLockTTL        = 300
	defaultRealtimeRedisTopic = "repertoire:events"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LogLevel      string
	SigningSecret string
	Issuer        string
	TokenTTL      time.Duration

	RemoteBaseURL     string
	RemoteTimeout     time.Duration
	RemoteMaxAttempts int

	SyncMinInterval    time.Duration
	SyncInterval       time.Duration
	SyncConcurrency    int
	SyncLockTTL        time.Duration
	RedisAddress       string
	RedisPassword      string
	RedisDB            int
	RealtimeRedisTopic string
}

// RedisEnabled reports whether locks and realtime events go through redis.
func (c AppConfig) RedisEnabled() bool {
	return c.RedisAddress != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeout)
	configViper.SetDefault("remote.max_attempts", defaultRemoteMaxAttempts)
	configViper.SetDefault("sync.min_interval_seconds", defaultSyncMinInterval)
	configViper.SetDefault("sync.interval_seconds", defaultSyncInterval)
	configViper.SetDefault("sync.fetch_concurrency", defaultSyncConcurrency)
	configViper.SetDefault("sync.lock_ttl_seconds", defaultSyncLockTTL)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("realtime.redis_channel", defaultRealtimeRedisTopic)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		Issuer:             configViper.GetString("auth.issuer"),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RemoteBaseURL:      configViper.GetString("remote.base_url"),
		RemoteTimeout:      seconds(configViper, "remote.timeout_seconds"),
		RemoteMaxAttempts:  configViper.GetInt("remote.max_attempts"),
		SyncMinInterval:    seconds(configViper, "sync.min_interval_seconds"),
		SyncInterval:       seconds(configViper, "sync.interval_seconds"),
		SyncConcurrency:    configViper.GetInt("sync.fetch_concurrency"),
		SyncLockTTL:        seconds(configViper, "sync.lock_ttl_seconds"),
		RedisAddress:       strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:      configViper.GetString("redis.password"),
		RedisDB:            configViper.GetInt("redis.db"),
		RealtimeRedisTopic: configViper.GetString("realtime.redis_channel"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func seconds(configViper *viper.Viper, key string) time.Duration {
	return time.Duration(configViper.GetInt(key)) * time.Second
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.RemoteMaxAttempts < 1 {
		return fmt.Errorf("remote.max_attempts must be at least 1")
	}
	if c.SyncConcurrency < 1 {
		return fmt.Errorf("sync.fetch_concurrency must be at least 1")
	}
	if c.SyncMinInterval < 0 || c.SyncInterval < 0 {
		return fmt.Errorf("sync intervals must not be negative")
	}
	if c.RedisEnabled() && c.RealtimeRedisTopic == "" {
		return fmt.Errorf("realtime.redis_channel is required when redis.address is set")
	}
	return nil
}
