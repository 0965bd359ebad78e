package roomstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/Cheese-Caro/internal/apperr"
	"github.com/park285/Cheese-Caro/internal/domain"
)

func playerIDs(r *domain.Room) []string {
	ids := make([]string, 0, len(r.Players))
	for _, p := range r.Players {
		ids = append(ids, p.UserID)
	}
	return ids
}

func scoreMax(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// DeleteExpired removes rooms past expiresAt that are not in-game. It returns
// a closed snapshot of each deleted room so subscribers can be told.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) ([]*domain.Room, error) {
	codes, err := s.rdb.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{Min: "-inf", Max: scoreMax(now)}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired rooms: %w", err)
	}
	var deleted []*domain.Room
	for _, code := range codes {
		var removed *domain.Room
		err := s.watch(ctx, func(tx *redis.Tx) error {
			removed = nil
			r, err := loadRoom(ctx, tx, code)
			// 이미 삭제된 방: 인덱스만 정리
			if errors.Is(err, apperr.ErrRoomNotFound) {
				pipe := tx.TxPipeline()
				pipe.ZRem(ctx, expiryKey, code)
				pipe.SRem(ctx, lobbyKey, code)
				pipe.ZRem(ctx, inGameKey, code)
				_, err := pipe.Exec(ctx)
				return err
			}
			if err != nil {
				return err
			}
			if r.Status == domain.RoomInGame || !r.IsExpired(now) {
				return nil
			}
			pipe := tx.TxPipeline()
			if err := releaseUsers(ctx, tx, pipe, code, playerIDs(r)...); err != nil {
				return err
			}
			pipe.Del(ctx, roomKey(code))
			pipe.ZRem(ctx, expiryKey, code)
			pipe.SRem(ctx, lobbyKey, code)
			pipe.ZRem(ctx, inGameKey, code)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			r.Status = domain.RoomClosed
			r.UpdatedAt = now
			removed = r
			return nil
		}, roomKey(code))
		if err != nil {
			s.log.Warn("room_sweep_delete_failed", zap.String("room_code", code), zap.Error(err))
			continue
		}
		if removed != nil {
			deleted = append(deleted, removed)
			s.log.Info("room_expired_delete", zap.String("room_code", code))
		}
	}
	return deleted, nil
}

// StaleInGame returns rooms that entered in-game before the given time.
func (s *Store) StaleInGame(ctx context.Context, before time.Time) ([]*domain.Room, error) {
	codes, err := s.rdb.ZRangeByScore(ctx, inGameKey, &redis.ZRangeBy{Min: "-inf", Max: "(" + scoreMax(before)}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan stale rooms: %w", err)
	}
	out := make([]*domain.Room, 0, len(codes))
	for _, code := range codes {
		r, err := s.Get(ctx, code)
		if errors.Is(err, apperr.ErrRoomNotFound) {
			if err := s.rdb.ZRem(ctx, inGameKey, code).Err(); err != nil {
				s.log.Warn("room_ingame_index_cleanup_failed", zap.String("room_code", code), zap.Error(err))
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if r.Status != domain.RoomInGame {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ForceClose moves the room to closed and releases its players. Player entries
// are left in place; a closed room accepts no further transitions.
func (s *Store) ForceClose(ctx context.Context, code string) (*domain.Room, error) {
	var room *domain.Room
	err := s.watch(ctx, func(tx *redis.Tx) error {
		r, err := loadRoom(ctx, tx, code)
		if err != nil {
			return err
		}
		r.Status = domain.RoomClosed
		r.MatchID = ""
		r.UpdatedAt = s.now()
		pipe := tx.TxPipeline()
		if err := releaseUsers(ctx, tx, pipe, code, playerIDs(r)...); err != nil {
			return err
		}
		if err := s.stageRoom(ctx, pipe, r); err != nil {
			return err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		room = r
		return nil
	}, roomKey(code))
	if err != nil {
		return nil, err
	}
	s.log.Info("room_force_close", zap.String("room_code", code))
	return room, nil
}
