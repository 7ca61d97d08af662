package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                    = "PRESENCE"
	defaultHTTPAddress           = "0.0.0.0:8080"
	defaultDatabasePath          = "presence.db"
	defaultLogLevel              = "info"
	defaultHeartbeatSeconds      = 10
	defaultStalenessSeconds      = 30
	defaultRecentActivitySeconds = 60
	defaultCacheTTLMillis        = 5000
	defaultDebounceMillis        = 500
	defaultTokenTTLMinutes       = 30
)

// AppConfig captures runtime configuration for the presence service.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	SigningSecret        string
	TokenTTL             time.Duration
	HeartbeatInterval    time.Duration
	StalenessWindow      time.Duration
	RecentActivityWindow time.Duration
	CacheTTL             time.Duration
	DebounceWindow       time.Duration
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
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("presence.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("presence.staleness_seconds", defaultStalenessSeconds)
	configViper.SetDefault("presence.recent_activity_seconds", defaultRecentActivitySeconds)
	configViper.SetDefault("presence.cache_ttl_millis", defaultCacheTTLMillis)
	configViper.SetDefault("presence.debounce_millis", defaultDebounceMillis)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SigningSecret:        configViper.GetString("auth.signing_secret"),
		TokenTTL:             time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		HeartbeatInterval:    time.Duration(configViper.GetInt("presence.heartbeat_seconds")) * time.Second,
		StalenessWindow:      time.Duration(configViper.GetInt("presence.staleness_seconds")) * time.Second,
		RecentActivityWindow: time.Duration(configViper.GetInt("presence.recent_activity_seconds")) * time.Second,
		CacheTTL:             time.Duration(configViper.GetInt("presence.cache_ttl_millis")) * time.Millisecond,
		DebounceWindow:       time.Duration(configViper.GetInt("presence.debounce_millis")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("presence.heartbeat_seconds must be positive")
	}
	// A window shorter than two beats turns every missed beat into a false "offline".
	if c.StalenessWindow < 2*c.HeartbeatInterval {
		return fmt.Errorf(
			"presence.staleness_seconds (%s) must be at least twice presence.heartbeat_seconds (%s)",
			c.StalenessWindow, c.HeartbeatInterval,
		)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("presence.cache_ttl_millis must be positive")
	}
	if c.DebounceWindow <= 0 {
		return fmt.Errorf("presence.debounce_millis must be positive")
	}
	return nil
}
