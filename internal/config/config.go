package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "NOTEHIVE"
	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDatabasePath         = "notehive.db"
	defaultLogLevel             = "info"
	defaultLogEncoding          = "json"
	defaultAuthIssuer           = "notehive-auth"
	defaultAuthAudience         = "notehive-api"
	defaultTokenTTLMinutes      = 60
	defaultStoreDriver          = StoreDriverSQLite
	defaultStoreTTLSeconds      = 3600
	defaultSweepIntervalSeconds = 60
	defaultMongoDatabase        = "notehive"
	defaultAllowedOrigins       = "*"
	defaultEventTimeoutMillis   = 5000
	defaultSendBuffer           = 256
)

// Supported session store drivers.
const (
	StoreDriverSQLite = "sqlite"
	StoreDriverRedis  = "redis"
	StoreDriverMongo  = "mongo"
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress    string
	LogLevel       string
	LogEncoding    string
	SigningSecret  string
	TokenIssuer    string
	TokenAudience  string
	TokenTTL       time.Duration
	DatabasePath   string
	StoreDriver    string
	SessionTTL     time.Duration
	SweepInterval  time.Duration
	RedisURL       string
	MongoURI       string
	MongoDatabase  string
	AllowedOrigins []string
	EventTimeout   time.Duration
	SendBuffer     int
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("store.driver", defaultStoreDriver)
	configViper.SetDefault("store.ttl_seconds", defaultStoreTTLSeconds)
	configViper.SetDefault("store.sweep_interval_seconds", defaultSweepIntervalSeconds)
	configViper.SetDefault("mongo.database", defaultMongoDatabase)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("realtime.event_timeout_ms", defaultEventTimeoutMillis)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)

	// AutomaticEnv only resolves keys viper already knows about.
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("mongo.uri", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString("http.address")),
		LogLevel:       strings.TrimSpace(configViper.GetString("log.level")),
		LogEncoding:    strings.ToLower(strings.TrimSpace(configViper.GetString("log.encoding"))),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    strings.TrimSpace(configViper.GetString("auth.issuer")),
		TokenAudience:  strings.TrimSpace(configViper.GetString("auth.audience")),
		TokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		DatabasePath:   strings.TrimSpace(configViper.GetString("database.path")),
		StoreDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("store.driver"))),
		SessionTTL:     time.Duration(configViper.GetInt("store.ttl_seconds")) * time.Second,
		SweepInterval:  time.Duration(configViper.GetInt("store.sweep_interval_seconds")) * time.Second,
		RedisURL:       strings.TrimSpace(configViper.GetString("redis.url")),
		MongoURI:       strings.TrimSpace(configViper.GetString("mongo.uri")),
		MongoDatabase:  strings.TrimSpace(configViper.GetString("mongo.database")),
		AllowedOrigins: splitOrigins(configViper.GetString("cors.allowed_origins")),
		EventTimeout:   time.Duration(configViper.GetInt("realtime.event_timeout_ms")) * time.Millisecond,
		SendBuffer:     configViper.GetInt("realtime.send_buffer"),
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
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.TokenIssuer == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.TokenAudience == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.LogEncoding != "json" && c.LogEncoding != "console" {
		return fmt.Errorf("log.encoding must be json or console, got %q", c.LogEncoding)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("store.ttl_seconds must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("store.sweep_interval_seconds must be positive")
	}
	if c.EventTimeout <= 0 {
		return fmt.Errorf("realtime.event_timeout_ms must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins is required")
	}

	// The identity directory lives in SQLite regardless of the session store.
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.StoreDriver {
	case StoreDriverSQLite:
	case StoreDriverRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis.url is required when store.driver is redis")
		}
	case StoreDriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("mongo.uri is required when store.driver is mongo")
		}
		if c.MongoDatabase == "" {
			return fmt.Errorf("mongo.database is required when store.driver is mongo")
		}
	default:
		return fmt.Errorf("store.driver must be one of sqlite, redis, mongo, got %q", c.StoreDriver)
	}
	return nil
}

// AllowsAnyOrigin reports whether CORS is configured with the wildcard origin.
func (c AppConfig) AllowsAnyOrigin() bool {
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
