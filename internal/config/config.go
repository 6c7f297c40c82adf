package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "COLLAB"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DatabaseDriverSQLite
	defaultDatabaseDSN       = "collab.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultAuthIssuer        = "apistudio-auth"
	defaultAuthAudience      = "apistudio-collab"
	defaultTokenTTL          = 30 * time.Minute
	defaultPresenceTTL       = 120 * time.Second
	defaultAwarenessTTL      = 120 * time.Second
	defaultSnapshotThreshold = 50
	defaultUpdateLogLimit    = 500
	defaultRoomIdleTTL       = 5 * time.Minute
	defaultOverrideTTL       = 5 * time.Minute

	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// Features toggles each gateway namespace.
type Features struct {
	Collab    bool
	Logs      bool
	Pair      bool
	Awareness bool
	Takeover  bool
}

// AppConfig captures runtime configuration for the collaboration gateway.
type AppConfig struct {
	HTTPAddress       string
	CORSOrigins       []string
	LogLevel          string
	LogFormat         string
	DatabaseDriver    string
	DatabaseDSN       string
	RedisURL          string
	SigningSecret     string
	AuthIssuer        string
	AuthAudience      string
	TokenTTL          time.Duration
	PresenceTTL       time.Duration
	AwarenessTTL      time.Duration
	SnapshotThreshold int
	UpdateLogLimit    int
	RoomIdleTTL       time.Duration
	OverrideTTL       time.Duration
	Features          Features
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
	configViper.SetDefault("http.cors_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("presence.ttl", defaultPresenceTTL)
	configViper.SetDefault("awareness.ttl", defaultAwarenessTTL)
	configViper.SetDefault("sync.snapshot_threshold", defaultSnapshotThreshold)
	configViper.SetDefault("sync.update_log_limit", defaultUpdateLogLimit)
	configViper.SetDefault("sync.room_idle_ttl", defaultRoomIdleTTL)
	configViper.SetDefault("takeover.override_ttl", defaultOverrideTTL)
	for _, feature := range []string{"collab", "logs", "pair", "awareness", "takeover"} {
		configViper.SetDefault("features."+feature, true)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		CORSOrigins:       configViper.GetStringSlice("http.cors_origins"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		RedisURL:          strings.TrimSpace(configViper.GetString("redis.url")),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthAudience:      configViper.GetString("auth.audience"),
		TokenTTL:          configViper.GetDuration("auth.token_ttl"),
		PresenceTTL:       configViper.GetDuration("presence.ttl"),
		AwarenessTTL:      configViper.GetDuration("awareness.ttl"),
		SnapshotThreshold: configViper.GetInt("sync.snapshot_threshold"),
		UpdateLogLimit:    configViper.GetInt("sync.update_log_limit"),
		RoomIdleTTL:       configViper.GetDuration("sync.room_idle_ttl"),
		OverrideTTL:       configViper.GetDuration("takeover.override_ttl"),
		Features: Features{
			Collab:    configViper.GetBool("features.collab"),
			Logs:      configViper.GetBool("features.logs"),
			Pair:      configViper.GetBool("features.pair"),
			Awareness: configViper.GetBool("features.awareness"),
			Takeover:  configViper.GetBool("features.takeover"),
		},
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
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DatabaseDriverSQLite, DatabaseDriverPostgres, c.DatabaseDriver)
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence.ttl must be positive")
	}
	if c.AwarenessTTL <= 0 {
		return fmt.Errorf("awareness.ttl must be positive")
	}
	if c.SnapshotThreshold <= 0 {
		return fmt.Errorf("sync.snapshot_threshold must be positive")
	}
	if c.UpdateLogLimit <= 0 {
		return fmt.Errorf("sync.update_log_limit must be positive")
	}
	if c.OverrideTTL <= 0 {
		return fmt.Errorf("takeover.override_ttl must be positive")
	}
	return nil
}
