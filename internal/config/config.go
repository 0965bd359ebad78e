package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	AuthModeJWT    = "jwt"
	AuthModeRemote = "remote"
)

type LogConfig struct {
	Level   string `env:"LOG_LEVEL"      envDefault:"info"`
	Format  string `env:"LOG_FORMAT"     envDefault:"legacy"`
	Console bool   `env:"LOG_TO_CONSOLE" envDefault:"true"`
	ToFile  bool   `env:"LOG_TO_FILE"    envDefault:"false"`
	File    string `env:"LOG_FILE"       envDefault:"logs/caro.log"`
	Caller  bool   `env:"LOG_CALLER"     envDefault:"false"`
}

type AppConfig struct {
	ListenAddr string `env:"CARO_LISTEN_ADDR" envDefault:":8080"`

	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`

	AuthMode        string `env:"AUTH_MODE"         envDefault:"jwt"`
	AuthJWTSecret   string `env:"AUTH_JWT_SECRET"`
	AuthJWTIssuer   string `env:"AUTH_JWT_ISSUER"   envDefault:"caro"`
	AuthJWTAudience string `env:"AUTH_JWT_AUDIENCE" envDefault:"caro-clients"`
	AuthServiceURL  string `env:"AUTH_SERVICE_URL"`

	DefaultBoardSize int           `env:"CARO_DEFAULT_BOARD_SIZE" envDefault:"15"`
	RoomTTL          time.Duration `env:"CARO_ROOM_TTL"           envDefault:"30m"`
	StaleMatchAfter  time.Duration `env:"CARO_STALE_MATCH_AFTER"  envDefault:"24h"`
	SweepInterval    time.Duration `env:"CARO_SWEEP_INTERVAL"     envDefault:"1m"`
	OrphanGrace      time.Duration `env:"CARO_ORPHAN_GRACE"       envDefault:"2m"`
	MatchRetention   time.Duration `env:"CARO_MATCH_RETENTION"    envDefault:"24h"`
	CacheTTL         time.Duration `env:"CARO_CACHE_TTL"          envDefault:"10s"`
	CachePrefix      string        `env:"CARO_CACHE_PREFIX"       envDefault:"caro:cache:"`
	MultiKeyTx       bool          `env:"CARO_MULTI_KEY_TX"       envDefault:"true"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	MessagesDir    string   `env:"CARO_MESSAGES_DIR"`

	Log LogConfig
}

// Load reads an optional .env file, then the process environment.
func Load() (*AppConfig, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) normalize() {
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.AuthMode = strings.ToLower(strings.TrimSpace(c.AuthMode))
	c.AuthServiceURL = strings.TrimRight(strings.TrimSpace(c.AuthServiceURL), "/")
	origins := c.AllowedOrigins[:0]
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
}

func (c *AppConfig) Validate() error {
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	switch c.AuthMode {
	case AuthModeJWT:
		if len(c.AuthJWTSecret) < 16 {
			return errors.New("AUTH_JWT_SECRET must be at least 16 bytes")
		}
	case AuthModeRemote:
		if c.AuthServiceURL == "" {
			return errors.New("AUTH_SERVICE_URL is required when AUTH_MODE=remote")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be jwt or remote, got %q", c.AuthMode)
	}
	if c.DefaultBoardSize < 10 || c.DefaultBoardSize > 20 {
		return fmt.Errorf("CARO_DEFAULT_BOARD_SIZE must be between 10 and 20, got %d", c.DefaultBoardSize)
	}
	for name, d := range map[string]time.Duration{
		"CARO_ROOM_TTL":          c.RoomTTL,
		"CARO_STALE_MATCH_AFTER": c.StaleMatchAfter,
		"CARO_SWEEP_INTERVAL":    c.SweepInterval,
		"CARO_ORPHAN_GRACE":      c.OrphanGrace,
		"CARO_MATCH_RETENTION":   c.MatchRetention,
		"CARO_CACHE_TTL":         c.CacheTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
