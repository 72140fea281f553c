package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "ANIRATE"

	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"

	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = DatabaseDriverSQLite
	defaultDatabasePath        = "anirate.db"
	defaultLogLevel            = "info"
	defaultCookieName          = "app_session"
	defaultIssuer              = "tauth"
	defaultRedisKeyPrefix      = "anirate:"
	defaultRedisViewTTL        = 5 * time.Minute
	defaultCatalogBaseURL      = "https://api.jikan.moe/v4"
	defaultCatalogTimeout      = 10 * time.Second
	defaultInvalidationTimeout = 5 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	DatabaseDriver      string
	DatabasePath        string
	DatabaseDSN         string
	LogLevel            string
	TAuthSigningKey     string
	TAuthIssuer         string
	TAuthCookieName     string
	RedisAddress        string
	RedisPassword       string
	RedisDB             int
	RedisKeyPrefix      string
	RedisViewTTL        time.Duration
	CatalogBaseURL      string
	CatalogTimeout      time.Duration
	AllowedOrigins      []string
	InvalidationTimeout time.Duration
}

// RedisEnabled reports whether a view cache address is configured.
func (c AppConfig) RedisEnabled() bool {
	return strings.TrimSpace(c.RedisAddress) != ""
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.signing_secret", "")
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.key_prefix", defaultRedisKeyPrefix)
	configViper.SetDefault("redis.view_ttl", defaultRedisViewTTL)
	configViper.SetDefault("catalog.base_url", defaultCatalogBaseURL)
	configViper.SetDefault("catalog.timeout", defaultCatalogTimeout)
	configViper.SetDefault("cors.allowed_origins", []string{})
	configViper.SetDefault("invalidation.timeout", defaultInvalidationTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:        configViper.GetString("database.path"),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		LogLevel:            configViper.GetString("log.level"),
		TAuthSigningKey:     configViper.GetString("tauth.signing_secret"),
		TAuthIssuer:         configViper.GetString("tauth.issuer"),
		TAuthCookieName:     configViper.GetString("tauth.cookie_name"),
		RedisAddress:        configViper.GetString("redis.address"),
		RedisPassword:       configViper.GetString("redis.password"),
		RedisDB:             configViper.GetInt("redis.db"),
		RedisKeyPrefix:      configViper.GetString("redis.key_prefix"),
		RedisViewTTL:        configViper.GetDuration("redis.view_ttl"),
		CatalogBaseURL:      configViper.GetString("catalog.base_url"),
		CatalogTimeout:      configViper.GetDuration("catalog.timeout"),
		AllowedOrigins:      splitList(configViper.GetStringSlice("cors.allowed_origins")),
		InvalidationTimeout: configViper.GetDuration("invalidation.timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadStorage parses only the settings needed to reach the database, for maintenance commands.
func LoadStorage(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		CatalogBaseURL: configViper.GetString("catalog.base_url"),
		CatalogTimeout: configViper.GetDuration("catalog.timeout"),
	}
	if err := cfg.validateStorage(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("cors.allowed_origins must list explicit origins when credentials are allowed")
		}
		parsed, err := url.Parse(origin)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("cors.allowed_origins contains invalid origin %q", origin)
		}
	}
	if c.RedisEnabled() && c.RedisViewTTL <= 0 {
		return fmt.Errorf("redis.view_ttl must be positive")
	}
	if c.InvalidationTimeout <= 0 {
		return fmt.Errorf("invalidation.timeout must be positive")
	}
	return nil
}

func (c AppConfig) validateStorage() error {
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DatabaseDriverSQLite, DatabaseDriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.CatalogBaseURL) == "" {
		return fmt.Errorf("catalog.base_url is required")
	}
	if c.CatalogTimeout <= 0 {
		return fmt.Errorf("catalog.timeout must be positive")
	}
	return nil
}

// splitList accepts both list values and comma separated env strings.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
