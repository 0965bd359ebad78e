package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/Cheese-Caro/internal/apperr"
	"github.com/park285/Cheese-Caro/internal/domain"
	"github.com/park285/Cheese-Caro/internal/matchstore"
	"github.com/park285/Cheese-Caro/internal/roomstore"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisCacheGetSetDelete(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := NewRedisCache(rdb, "t:")
	ctx := context.Background()

	var got map[string]int
	if hit, err := c.Get(ctx, "k", &got); err != nil || hit {
		t.Fatalf("empty cache: hit=%v err=%v", hit, err)
	}
	if err := c.Set(ctx, "k", map[string]int{"a": 1}, time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if hit, err := c.Get(ctx, "k", &got); err != nil || !hit || got["a"] != 1 {
		t.Fatalf("Get after Set: hit=%v err=%v got=%v", hit, err, got)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if hit, _ := c.Get(ctx, "k", &got); hit {
		t.Fatalf("value survived Delete")
	}
	if gen, _ := c.Generation(ctx, "k"); gen != 1 {
		t.Fatalf("generation = %d, want 1", gen)
	}
}

func TestSetIfGenerationRejectsStaleWriter(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := NewRedisCache(rdb, "t:")
	ctx := context.Background()

	gen, err := c.Generation(ctx, "k")
	if err != nil {
		t.Fatalf("Generation: %v", err)
	}
	// invalidation lands between the reader's load and its write-back
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err := c.SetIfGeneration(ctx, "k", gen, "stale", time.Minute)
	if err != nil || ok {
		t.Fatalf("stale write accepted: ok=%v err=%v", ok, err)
	}
	gen, _ = c.Generation(ctx, "k")
	if ok, err := c.SetIfGeneration(ctx, "k", gen, "fresh", time.Minute); err != nil || !ok {
		t.Fatalf("fresh write rejected: ok=%v err=%v", ok, err)
	}
	var got string
	if hit, _ := c.Get(ctx, "k", &got); !hit || got != "fresh" {
		t.Fatalf("got %q hit=%v", got, hit)
	}
}

func TestDeletePrefix(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := NewRedisCache(rdb, "t:")
	ctx := context.Background()
	for _, k := range []string{"room:A", "room:B", "match:1"} {
		if err := c.Set(ctx, k, 1, time.Minute); err != nil {
			t.Fatalf("Set %s: %v", k, err)
		}
	}
	if err := c.DeletePrefix(ctx, "room:"); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	var v int
	if hit, _ := c.Get(ctx, "room:A", &v); hit {
		t.Fatalf("room:A survived")
	}
	if hit, _ := c.Get(ctx, "match:1", &v); !hit {
		t.Fatalf("match:1 was removed")
	}
}

func TestMatchesInvalidateOnMove(t *testing.T) {
	_, rdb := newTestRedis(t)
	store := matchstore.New(rdb, matchstore.Options{})
	c := NewRedisCache(rdb, "t:")
	m := NewMatches(store, c, time.Minute, zap.NewNop())
	ctx := context.Background()

	players := []domain.MatchPlayer{{UserID: "userA", Symbol: domain.SymbolX}, {UserID: "userB", Symbol: domain.SymbolO}}
	match, err := m.Create(ctx, players, 15, "ROOM01")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Get(ctx, match.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if list, err := m.ListByUser(ctx, "userB", 10); err != nil || len(list) != 1 || len(list[0].History) != 0 {
		t.Fatalf("ListByUser: %v %+v", err, list)
	}
	var cached domain.Match
	if hit, _ := c.Get(ctx, matchCacheKey(match.ID), &cached); !hit {
		t.Fatalf("Get did not populate the cache")
	}

	if _, err := m.MakeMove(ctx, match.ID, 7, 7, "userA"); err != nil {
		t.Fatalf("MakeMove: %v", err)
	}
	if hit, _ := c.Get(ctx, matchCacheKey(match.ID), &cached); hit {
		t.Fatalf("cached match survived a move")
	}
	got, err := m.Get(ctx, match.ID)
	if err != nil || len(got.History) != 1 {
		t.Fatalf("Get after move: %v %+v", err, got)
	}
	list, err := m.ListByUser(ctx, "userB", 10)
	if err != nil || len(list) != 1 || len(list[0].History) != 1 {
		t.Fatalf("ListByUser after move served a stale list: %v %+v", err, list)
	}
}

func TestMatchesMissIsNotCached(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := NewRedisCache(rdb, "t:")
	m := NewMatches(matchstore.New(rdb, matchstore.Options{}), c, time.Minute, zap.NewNop())
	_, err := m.Get(context.Background(), "nope")
	if !errors.Is(err, apperr.ErrMatchNotFound) {
		t.Fatalf("expected MATCH_NOT_FOUND, got %v", err)
	}
	var v domain.Match
	if hit, _ := c.Get(context.Background(), matchCacheKey("nope"), &v); hit {
		t.Fatalf("a miss was cached")
	}
}

func TestRoomsInvalidateOnJoin(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := NewRedisCache(rdb, "t:")
	rooms := NewRooms(roomstore.New(rdb, roomstore.Options{}), c, time.Minute, zap.NewNop())
	ctx := context.Background()

	r, err := rooms.Create(ctx, "userA", roomstore.CreateParams{BoardSize: 15})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	lobby, err := rooms.ListLobby(ctx)
	if err != nil || len(lobby) != 1 {
		t.Fatalf("ListLobby: %v %d", err, len(lobby))
	}
	if got, err := rooms.Get(ctx, r.Code); err != nil || len(got.Players) != 1 {
		t.Fatalf("Get: %v", err)
	}
	if _, err := rooms.Join(ctx, r.Code, "userB"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	got, err := rooms.Get(ctx, r.Code)
	if err != nil || len(got.Players) != 2 || got.Status != domain.RoomStarting {
		t.Fatalf("Get after join served stale room: %v %+v", err, got)
	}
	lobby, err = rooms.ListLobby(ctx)
	if err != nil || len(lobby) != 0 {
		t.Fatalf("full room still listed: %v %d", err, len(lobby))
	}
}

func TestRoomsFailedJoinStillInvalidates(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := NewRedisCache(rdb, "t:")
	rooms := NewRooms(roomstore.New(rdb, roomstore.Options{}), c, time.Minute, zap.NewNop())
	ctx := context.Background()

	r, err := rooms.Create(ctx, "userA", roomstore.CreateParams{BoardSize: 15})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := rooms.Join(ctx, r.Code, "userA"); !errors.Is(err, apperr.ErrRoomAlreadyJoined) {
		t.Fatalf("expected ROOM_ALREADY_JOINED, got %v", err)
	}
	if gen, _ := c.Generation(ctx, roomCacheKey(r.Code)); gen < 2 {
		t.Fatalf("generation = %d, want bumped by create and join", gen)
	}
}
