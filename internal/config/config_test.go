package config

import (
	"testing"
)

func TestConfigLoad_Defaults(t *testing.T) {
	t.Setenv("COMPANION_POSTGRES_DSN", "")
	t.Setenv("COMPANION_DB_DRIVER", "")

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.DBDriver != "sqlite" {
		t.Fatalf("expected sqlite driver without DSN, got %s", cfg.DBDriver)
	}
	if cfg.HTTPPort != 8080 || cfg.IdentityClaimTTLSeconds != 30 || cfg.OperationTimeoutSeconds != 30 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.MemoryServiceConfigured() {
		t.Fatalf("memory service should be unconfigured by default")
	}
}

func TestConfigLoad_EnvOverride(t *testing.T) {
	t.Setenv("COMPANION_POSTGRES_DSN", "postgres://u:p@localhost:5432/companion")
	t.Setenv("COMPANION_MEMORY_SERVICE_API_KEY", "secret")
	t.Setenv("COMPANION_API_KEYS", "tok1:alice|alice@example.com,tok2:bob")

	cfg, err := New()
	if err != nil {
		t.Fatalf("config load: %v", err)
	}
	if cfg.DBDriver != "postgres" {
		t.Fatalf("expected postgres driver derived from DSN, got %s", cfg.DBDriver)
	}
	if !cfg.MemoryServiceConfigured() {
		t.Fatalf("expected memory service to be configured")
	}
	if cfg.APIKeys["tok1"] != "alice|alice@example.com" || cfg.APIKeys["tok2"] != "bob" {
		t.Fatalf("api keys not parsed: %v", cfg.APIKeys)
	}
}

func TestResolveDefaults(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"sqlite ok", func(c *Config) {}, false},
		{"postgres without dsn", func(c *Config) { c.DBDriver = "postgres"; c.PostgresDSN = "" }, true},
		{"unknown driver", func(c *Config) { c.DBDriver = "spanner" }, true},
		{"dev mode in production", func(c *Config) { c.Environment = EnvProduction; c.DevMode = true }, true},
		{"unknown environment", func(c *Config) { c.Environment = "staging" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewForTesting()
			tc.mutate(cfg)
			err := cfg.ResolveDefaults()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
