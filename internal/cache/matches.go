package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/park285/Cheese-Caro/internal/domain"
	"github.com/park285/Cheese-Caro/internal/matchstore"
)

func matchCacheKey(id string) string          { return "match:" + id }
func userMatchesCacheKey(userID string) string { return "user-matches:" + userID }

// Matches wraps a match store with read-through caching. Every mutation
// invalidates the match and its players' lists before returning.
type Matches struct {
	store *matchstore.Store
	cache Cache
	ttl   time.Duration
	log   *zap.Logger
	sf    singleflight.Group
}

func NewMatches(store *matchstore.Store, c Cache, ttl time.Duration, log *zap.Logger) *Matches {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Matches{store: store, cache: c, ttl: ttl, log: loggerOr(log)}
}

func (m *Matches) forget(ctx context.Context, match *domain.Match) {
	if match == nil {
		return
	}
	keys := []string{matchCacheKey(match.ID)}
	for _, p := range match.Players {
		keys = append(keys, userMatchesCacheKey(p.UserID))
	}
	invalidate(ctx, m.cache, m.log, keys...)
}

func (m *Matches) Create(ctx context.Context, players []domain.MatchPlayer, boardSize int, roomCode string) (*domain.Match, error) {
	match, err := m.store.Create(ctx, players, boardSize, roomCode)
	if err != nil {
		return nil, err
	}
	m.forget(ctx, match)
	return match, nil
}

func (m *Matches) Insert(ctx context.Context, match *domain.Match) error {
	if err := m.store.Insert(ctx, match); err != nil {
		return err
	}
	m.forget(ctx, match)
	return nil
}

func (m *Matches) Stage(ctx context.Context, pipe redis.Pipeliner, match *domain.Match) error {
	return m.store.Stage(ctx, pipe, match)
}

func (m *Matches) Committed(ctx context.Context, match *domain.Match) {
	m.store.Committed(ctx, match)
	m.forget(ctx, match)
}

func (m *Matches) MakeMove(ctx context.Context, matchID string, x, y int, playerID string) (*matchstore.MoveResult, error) {
	res, err := m.store.MakeMove(ctx, matchID, x, y, playerID)
	if err != nil {
		return nil, err
	}
	m.forget(ctx, res.Match)
	return res, nil
}

func (m *Matches) End(ctx context.Context, matchID, requesterID string) (*domain.Match, error) {
	match, err := m.store.End(ctx, matchID, requesterID)
	if err != nil {
		return nil, err
	}
	m.forget(ctx, match)
	return match, nil
}

func (m *Matches) ForceAbandon(ctx context.Context, matchID string, reason domain.Termination) (*domain.Match, error) {
	match, err := m.store.ForceAbandon(ctx, matchID, reason)
	if err != nil {
		return nil, err
	}
	m.forget(ctx, match)
	return match, nil
}

func (m *Matches) Get(ctx context.Context, id string) (*domain.Match, error) {
	return readThrough(ctx, m.cache, &m.sf, m.log, matchCacheKey(id), m.ttl, func(ctx context.Context) (*domain.Match, error) {
		return m.store.Get(ctx, id)
	})
}

// ListByUser caches the user's full recent list and slices it per call.
func (m *Matches) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Match, error) {
	all, err := readThrough(ctx, m.cache, &m.sf, m.log, userMatchesCacheKey(userID), m.ttl, func(ctx context.Context) ([]*domain.Match, error) {
		return m.store.ListByUser(ctx, userID, 0)
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// Ongoing is a maintenance scan and always reads the store.
func (m *Matches) Ongoing(ctx context.Context, startedBefore time.Time) ([]*domain.Match, error) {
	return m.store.Ongoing(ctx, startedBefore)
}
