// Package appbuilder wires configuration into the running object graph shared
// by the server binary and its tests.
package appbuilder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/Cheese-Caro/internal/cache"
	"github.com/park285/Cheese-Caro/internal/config"
	"github.com/park285/Cheese-Caro/internal/coordinator"
	"github.com/park285/Cheese-Caro/internal/gateway"
	"github.com/park285/Cheese-Caro/internal/identity"
	"github.com/park285/Cheese-Caro/internal/matchstore"
	"github.com/park285/Cheese-Caro/internal/msgcat"
	"github.com/park285/Cheese-Caro/internal/roomstore"
	"github.com/park285/Cheese-Caro/internal/sweeper"
)

type Deps struct {
	Redis       *redis.Client
	Cache       *cache.RedisCache
	Rooms       *cache.Rooms
	Matches     *cache.Matches
	Coordinator *coordinator.Coordinator
	Gateway     *gateway.Gateway
	Sweeper     *sweeper.Sweeper
	Repo        *matchstore.Repository // nil when archiving in memory
}

func New(cfg *config.AppConfig, logger *zap.Logger) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	deps := &Deps{Redis: rdb}

	var archive matchstore.Archive = matchstore.NewMemoryArchive()
	if cfg.DatabaseURL != "" {
		repo, err := matchstore.NewRepository(cfg.DatabaseURL)
		if err != nil {
			_ = deps.Close()
			return nil, fmt.Errorf("init match repository: %w", err)
		}
		deps.Repo = repo
		archive = repo
	} else {
		logger.Warn("appbuilder_memory_archive", zap.String("reason", "DATABASE_URL not set"))
	}

	// Entries cached by a previous process may predate a schema change.
	deps.Cache = cache.NewRedisCache(rdb, cfg.CachePrefix)
	if err := deps.Cache.DeletePrefix(ctx, ""); err != nil {
		logger.Warn("appbuilder_cache_flush_failed", zap.Error(err))
	}

	roomStore := roomstore.New(rdb, roomstore.Options{
		RoomTTL:    cfg.RoomTTL,
		MultiKeyTx: cfg.MultiKeyTx,
		Logger:     logger.Named("rooms"),
	})
	matchStore := matchstore.New(rdb, matchstore.Options{
		Retention: cfg.MatchRetention,
		Archive:   archive,
		Logger:    logger.Named("matches"),
	})
	deps.Rooms = cache.NewRooms(roomStore, deps.Cache, cfg.CacheTTL, logger.Named("cache"))
	deps.Matches = cache.NewMatches(matchStore, deps.Cache, cfg.CacheTTL, logger.Named("cache"))

	deps.Coordinator = coordinator.New(deps.Rooms, deps.Matches, coordinator.Options{
		DefaultBoardSize: cfg.DefaultBoardSize,
		Logger:           logger.Named("coordinator"),
	})

	resolver, err := newResolver(cfg)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}
	msgs, err := msgcat.New(cfg.MessagesDir)
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("load messages: %w", err)
	}
	deps.Gateway = gateway.New(deps.Coordinator, resolver, gateway.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Messages:       msgs,
		Logger:         logger.Named("gateway"),
	})

	deps.Sweeper = sweeper.New(deps.Rooms, deps.Matches, sweeper.Options{
		Interval:    cfg.SweepInterval,
		StaleAfter:  cfg.StaleMatchAfter,
		OrphanGrace: cfg.OrphanGrace,
		Notifier:    deps.Gateway,
		Logger:      logger.Named("sweeper"),
	})
	return deps, nil
}

func newResolver(cfg *config.AppConfig) (identity.Resolver, error) {
	switch cfg.AuthMode {
	case config.AuthModeJWT:
		return identity.NewJWTResolver(cfg.AuthJWTSecret, cfg.AuthJWTIssuer, cfg.AuthJWTAudience), nil
	case config.AuthModeRemote:
		return identity.NewRemoteResolver(cfg.AuthServiceURL), nil
	default:
		return nil, fmt.Errorf("unsupported AUTH_MODE %q", cfg.AuthMode)
	}
}

// Close stops background work and releases connections.
func (d *Deps) Close() error {
	var errs []error
	if d.Sweeper != nil {
		errs = append(errs, d.Sweeper.Stop())
	}
	if d.Gateway != nil {
		d.Gateway.Shutdown()
	}
	if d.Repo != nil {
		errs = append(errs, d.Repo.Close())
	}
	if d.Redis != nil {
		errs = append(errs, d.Redis.Close())
	}
	return errors.Join(errs...)
}
