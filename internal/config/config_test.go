package config

import (
	"strings"
	"testing"
	"time"
)

func setBase(t *testing.T) {
	t.Helper()
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("AUTH_JWT_SECRET", "0123456789abcdef0123")
}

func TestLoadDefaults(t *testing.T) {
	setBase(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.AuthMode != "jwt" || cfg.DefaultBoardSize != 15 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RoomTTL != 30*time.Minute || cfg.StaleMatchAfter != 24*time.Hour || !cfg.MultiKeyTx {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "legacy" || cfg.Log.ToFile {
		t.Fatalf("unexpected log config: %+v", cfg.Log)
	}
}

func TestLoadOverrides(t *testing.T) {
	setBase(t)
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("CARO_MULTI_KEY_TX", "false")
	t.Setenv("CARO_ROOM_TTL", "5m")
	t.Setenv("AUTH_MODE", "REMOTE")
	t.Setenv("AUTH_SERVICE_URL", "http://auth.local/")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %q", cfg.AllowedOrigins)
	}
	if cfg.MultiKeyTx || cfg.RoomTTL != 5*time.Minute {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.AuthMode != "remote" || cfg.AuthServiceURL != "http://auth.local" {
		t.Fatalf("auth = %s %s", cfg.AuthMode, cfg.AuthServiceURL)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing redis", map[string]string{"REDIS_URL": ""}, "REDIS_URL"},
		{"short secret", map[string]string{"AUTH_JWT_SECRET": "short"}, "AUTH_JWT_SECRET"},
		{"bad mode", map[string]string{"AUTH_MODE": "ldap"}, "AUTH_MODE"},
		{"remote without url", map[string]string{"AUTH_MODE": "remote"}, "AUTH_SERVICE_URL"},
		{"board too big", map[string]string{"CARO_DEFAULT_BOARD_SIZE": "25"}, "CARO_DEFAULT_BOARD_SIZE"},
		{"zero sweep", map[string]string{"CARO_SWEEP_INTERVAL": "0s"}, "CARO_SWEEP_INTERVAL"},
		{"bad duration", map[string]string{"CARO_ROOM_TTL": "soon"}, "parse env"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setBase(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}
