// Package roomstore keeps Caro rooms in Redis. Every state transition is a
// WATCH/MULTI/EXEC transaction on the room key, so a join either claims a slot
// or observes the precondition that made it fail.
package roomstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/Cheese-Caro/internal/apperr"
	"github.com/park285/Cheese-Caro/internal/domain"
	"github.com/park285/Cheese-Caro/internal/obslog"
	"github.com/park285/Cheese-Caro/internal/roomcode"
)

const (
	DefaultRoomTTL = 30 * time.Minute
	// 방 코드 할당 시도 상한. 소진되면 실패로 처리
	maxCodeAttempts = 10
	maxTxRetries    = 16
)

// ErrTxUnsupported tells the caller to use the sequential start path.
var ErrTxUnsupported = errors.New("roomstore: multi-key transactions unsupported")

var errCodeTaken = errors.New("roomstore: code taken")

// MatchStager lets the match store queue its writes into the start transaction.
type MatchStager interface {
	Stage(ctx context.Context, pipe redis.Pipeliner, m *domain.Match) error
	Committed(ctx context.Context, m *domain.Match)
}

type Options struct {
	RoomTTL time.Duration
	// MultiKeyTx=false이면 StartMatch는 항상 ErrTxUnsupported 반환
	MultiKeyTx bool
	Now        func() time.Time
	CodeGen    func() (string, error)
	Logger     *zap.Logger
}

type Store struct {
	rdb        *redis.Client
	log        *zap.Logger
	now        func() time.Time
	codeGen    func() (string, error)
	roomTTL    time.Duration
	multiKeyTx bool
}

func New(rdb *redis.Client, opts Options) *Store {
	s := &Store{
		rdb:        rdb,
		log:        opts.Logger,
		now:        opts.Now,
		codeGen:    opts.CodeGen,
		roomTTL:    opts.RoomTTL,
		multiKeyTx: opts.MultiKeyTx,
	}
	if s.log == nil {
		s.log = obslog.L()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.codeGen == nil {
		s.codeGen = roomcode.Generate
	}
	if s.roomTTL <= 0 {
		s.roomTTL = DefaultRoomTTL
	}
	return s
}

func roomKey(code string) string       { return roomcode.RoomKey(code) }
func userRoomKey(userID string) string { return "caro:user:" + strings.TrimSpace(userID) + ":room" }

const (
	expiryKey = "caro:rooms:expiry"
	lobbyKey  = "caro:rooms:lobby"
	inGameKey = "caro:rooms:ingame"
)

// watch runs fn under WATCH and retries while another client wins the race.
func (s *Store) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return apperr.ErrStoreContention
}

// getter is satisfied by *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadRoom(ctx context.Context, c getter, code string) (*domain.Room, error) {
	raw, err := c.Get(ctx, roomKey(code)).Bytes()
	if err == redis.Nil {
		return nil, apperr.WithMetadata(apperr.ReasonRoomNotFound, "room not found: "+code, map[string]string{"room_code": code})
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", code, err)
	}
	var r domain.Room
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", code, err)
	}
	return &r, nil
}

// stageRoom queues the room record and keeps the lobby, expiry and in-game
// indexes consistent with it.
func (s *Store) stageRoom(ctx context.Context, pipe redis.Pipeliner, r *domain.Room) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe.Set(ctx, roomKey(r.Code), raw, 0)
	pipe.ZAdd(ctx, expiryKey, redis.Z{Score: float64(r.ExpiresAt.UnixMilli()), Member: r.Code})
	if r.Listed() {
		pipe.SAdd(ctx, lobbyKey, r.Code)
	} else {
		pipe.SRem(ctx, lobbyKey, r.Code)
	}
	if r.Status == domain.RoomInGame {
		pipe.ZAddNX(ctx, inGameKey, redis.Z{Score: float64(s.now().UnixMilli()), Member: r.Code})
	} else {
		pipe.ZRem(ctx, inGameKey, r.Code)
	}
	return nil
}

// releaseUsers drops the active-room index of each user still pointing at code.
func releaseUsers(ctx context.Context, tx *redis.Tx, pipe redis.Pipeliner, code string, userIDs ...string) error {
	for _, uid := range userIDs {
		key := userRoomKey(uid)
		if err := tx.Watch(ctx, key).Err(); err != nil {
			return err
		}
		cur, err := tx.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur == code {
			pipe.Del(ctx, key)
		}
	}
	return nil
}

// checkOtherRoom: userID가 code가 아닌 다른 활성 방에 묶여 있으면 실패.
// 오래된 인덱스 항목은 무시.
func (s *Store) checkOtherRoom(ctx context.Context, tx *redis.Tx, userID, code string) error {
	other, err := tx.Get(ctx, userRoomKey(userID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if other == "" || other == code {
		return nil
	}
	r, err := loadRoom(ctx, tx, other)
	if errors.Is(err, apperr.ErrRoomNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !r.Status.Active() || !r.HasPlayer(userID) {
		return nil
	}
	if r.Status != domain.RoomInGame && r.IsExpired(s.now()) {
		return nil
	}
	return apperr.WithMetadata(apperr.ReasonUserInAnotherRoom, "user already in room "+other, map[string]string{"room_code": other})
}

func isCrossSlot(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CROSSSLOT")
}
