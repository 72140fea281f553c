package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database defaults: %+v", cfg)
	}
	if cfg.TAuthIssuer != defaultIssuer || cfg.TAuthCookieName != defaultCookieName {
		t.Fatalf("unexpected tauth defaults: %+v", cfg)
	}
	if cfg.RedisEnabled() {
		t.Fatalf("expected redis to be disabled without an address")
	}
	if cfg.RedisViewTTL != defaultRedisViewTTL || cfg.InvalidationTimeout != defaultInvalidationTimeout {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.CatalogBaseURL != defaultCatalogBaseURL {
		t.Fatalf("unexpected catalog url %q", cfg.CatalogBaseURL)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("ANIRATE_TAUTH_SIGNING_SECRET", "from-env")
	t.Setenv("ANIRATE_REDIS_ADDRESS", "localhost:6379")
	t.Setenv("ANIRATE_REDIS_VIEW_TTL", "90s")
	t.Setenv("ANIRATE_CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.TAuthSigningKey != "from-env" {
		t.Fatalf("expected signing secret from env, got %q", cfg.TAuthSigningKey)
	}
	if !cfg.RedisEnabled() || cfg.RedisViewTTL != 90*time.Second {
		t.Fatalf("unexpected redis config: %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		values  map[string]interface{}
		message string
	}{
		{name: "missing-secret", values: map[string]interface{}{}, message: "tauth.signing_secret"},
		{name: "unknown-driver", values: map[string]interface{}{"tauth.signing_secret": "s", "database.driver": "mysql"}, message: "database.driver"},
		{name: "postgres-without-dsn", values: map[string]interface{}{"tauth.signing_secret": "s", "database.driver": "postgres"}, message: "database.dsn"},
		{name: "wildcard-origin", values: map[string]interface{}{"tauth.signing_secret": "s", "cors.allowed_origins": []string{"*"}}, message: "explicit origins"},
		{name: "bad-origin", values: map[string]interface{}{"tauth.signing_secret": "s", "cors.allowed_origins": []string{"example.com"}}, message: "invalid origin"},
		{name: "zero-timeout", values: map[string]interface{}{"tauth.signing_secret": "s", "invalidation.timeout": "0s"}, message: "invalidation.timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range tc.values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), tc.message) {
				t.Fatalf("expected error mentioning %q, got %v", tc.message, err)
			}
		})
	}
}

func TestLoadStorageSkipsServerSettings(t *testing.T) {
	configViper := NewViper()
	configViper.Set("database.driver", "postgres")
	configViper.Set("database.dsn", "postgres://anirate@localhost/anirate")

	cfg, err := LoadStorage(configViper)
	if err != nil {
		t.Fatalf("load storage failed: %v", err)
	}
	if cfg.DatabaseDriver != DatabaseDriverPostgres {
		t.Fatalf("unexpected driver %q", cfg.DatabaseDriver)
	}
}
