package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/park285/Cheese-Caro/internal/domain"
	"github.com/park285/Cheese-Caro/internal/roomstore"
)

const lobbyCacheKey = "lobby"

func roomCacheKey(code string) string { return "room:" + code }

// Rooms wraps a room store with read-through caching of rooms and the lobby.
type Rooms struct {
	store *roomstore.Store
	cache Cache
	ttl   time.Duration
	log   *zap.Logger
	sf    singleflight.Group
}

func NewRooms(store *roomstore.Store, c Cache, ttl time.Duration, log *zap.Logger) *Rooms {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Rooms{store: store, cache: c, ttl: ttl, log: loggerOr(log)}
}

func (r *Rooms) forget(ctx context.Context, codes ...string) {
	keys := make([]string, 0, len(codes)+1)
	for _, c := range codes {
		keys = append(keys, roomCacheKey(c))
	}
	keys = append(keys, lobbyCacheKey)
	invalidate(ctx, r.cache, r.log, keys...)
}

// after invalidates code whether or not the mutation succeeded; a failed
// transaction may still have been applied before the reply was lost.
func (r *Rooms) after(ctx context.Context, code string, room *domain.Room, err error) (*domain.Room, error) {
	r.forget(ctx, code)
	return room, err
}

func (r *Rooms) Create(ctx context.Context, hostID string, p roomstore.CreateParams) (*domain.Room, error) {
	room, err := r.store.Create(ctx, hostID, p)
	if err != nil {
		return nil, err
	}
	r.forget(ctx, room.Code)
	return room, nil
}

func (r *Rooms) Join(ctx context.Context, code, userID string) (*domain.Room, error) {
	room, err := r.store.Join(ctx, code, userID)
	return r.after(ctx, code, room, err)
}

func (r *Rooms) Leave(ctx context.Context, code, userID string) (*domain.Room, error) {
	room, err := r.store.Leave(ctx, code, userID)
	return r.after(ctx, code, room, err)
}

func (r *Rooms) StartMatch(ctx context.Context, code, requesterID string, build func(*domain.Room) (*domain.Match, error), stager roomstore.MatchStager) (*domain.Room, *domain.Match, error) {
	room, match, err := r.store.StartMatch(ctx, code, requesterID, build, stager)
	r.forget(ctx, code)
	return room, match, err
}

func (r *Rooms) AttachMatch(ctx context.Context, code, requesterID, matchID string) (*domain.Room, error) {
	room, err := r.store.AttachMatch(ctx, code, requesterID, matchID)
	return r.after(ctx, code, room, err)
}

func (r *Rooms) Rematch(ctx context.Context, code, requesterID, expectedMatchID string) (*domain.Room, error) {
	room, err := r.store.Rematch(ctx, code, requesterID, expectedMatchID)
	return r.after(ctx, code, room, err)
}

func (r *Rooms) ForceClose(ctx context.Context, code string) (*domain.Room, error) {
	room, err := r.store.ForceClose(ctx, code)
	return r.after(ctx, code, room, err)
}

func (r *Rooms) DeleteExpired(ctx context.Context, now time.Time) ([]*domain.Room, error) {
	deleted, err := r.store.DeleteExpired(ctx, now)
	if len(deleted) > 0 {
		codes := make([]string, 0, len(deleted))
		for _, room := range deleted {
			codes = append(codes, room.Code)
		}
		r.forget(ctx, codes...)
	}
	return deleted, err
}

func (r *Rooms) Get(ctx context.Context, code string) (*domain.Room, error) {
	return readThrough(ctx, r.cache, &r.sf, r.log, roomCacheKey(code), r.ttl, func(ctx context.Context) (*domain.Room, error) {
		return r.store.Get(ctx, code)
	})
}

func (r *Rooms) ListLobby(ctx context.Context) ([]*domain.Room, error) {
	return readThrough(ctx, r.cache, &r.sf, r.log, lobbyCacheKey, r.ttl, r.store.ListLobby)
}

// CheckStartable, StaleInGame and ActiveRoomOf feed decisions and always
// read the store.
func (r *Rooms) CheckStartable(ctx context.Context, code, requesterID string) (*domain.Room, error) {
	return r.store.CheckStartable(ctx, code, requesterID)
}

func (r *Rooms) StaleInGame(ctx context.Context, before time.Time) ([]*domain.Room, error) {
	return r.store.StaleInGame(ctx, before)
}

func (r *Rooms) ActiveRoomOf(ctx context.Context, userID string) (string, error) {
	return r.store.ActiveRoomOf(ctx, userID)
}
