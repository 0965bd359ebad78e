package roomstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/Cheese-Caro/internal/apperr"
	"github.com/park285/Cheese-Caro/internal/domain"
	"github.com/park285/Cheese-Caro/internal/roomcode"
)

type CreateParams struct {
	BoardSize       int
	MaxPlayers      int
	IsPrivate       bool
	AllowSpectators bool
}

// Create opens a waiting room hosted by hostID. A host bound to another active
// room is rejected.
func (s *Store) Create(ctx context.Context, hostID string, p CreateParams) (*domain.Room, error) {
	hostID = strings.TrimSpace(hostID)
	if hostID == "" {
		return nil, apperr.Validation("hostId", "required")
	}
	if p.MaxPlayers == 0 {
		p.MaxPlayers = domain.MaxPlayers
	}
	if p.MaxPlayers != domain.MaxPlayers {
		return nil, apperr.Validation("maxPlayers", fmt.Sprintf("must be %d", domain.MaxPlayers))
	}
	if p.BoardSize < domain.MinBoardSize || p.BoardSize > domain.MaxBoardSize {
		return nil, apperr.Validation("boardSize", fmt.Sprintf("must be between %d and %d", domain.MinBoardSize, domain.MaxBoardSize))
	}

	for i := 0; i < maxCodeAttempts; i++ {
		code, err := s.codeGen()
		if err != nil {
			return nil, apperr.Internal("generate room code", err)
		}
		var room *domain.Room
		err = s.watch(ctx, func(tx *redis.Tx) error {
			if err := s.checkOtherRoom(ctx, tx, hostID, code); err != nil {
				return err
			}
			n, err := tx.Exists(ctx, roomKey(code), roomcode.ReservedKey(code)).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return errCodeTaken
			}
			now := s.now()
			r := &domain.Room{
				Code:       code,
				HostID:     hostID,
				Players:    []domain.RoomPlayer{{UserID: hostID, JoinedAt: now}},
				MaxPlayers: p.MaxPlayers,
				BoardSize:  p.BoardSize,
				Status:     domain.RoomWaiting,
				Settings:   domain.RoomSettings{IsPrivate: p.IsPrivate, AllowSpectators: p.AllowSpectators},
				CreatedAt:  now,
				UpdatedAt:  now,
				ExpiresAt:  now.Add(s.roomTTL),
			}
			pipe := tx.TxPipeline()
			if err := s.stageRoom(ctx, pipe, r); err != nil {
				return err
			}
			pipe.Set(ctx, userRoomKey(hostID), code, 0)
			if _, err := pipe.Exec(ctx); err != nil {
				return err
			}
			room = r
			return nil
		}, userRoomKey(hostID), roomKey(code), roomcode.ReservedKey(code))
		if errors.Is(err, errCodeTaken) {
			s.log.Debug("room_code_collision", zap.String("room_code", code), zap.Int("attempt", i+1))
			continue
		}
		if err != nil {
			return nil, err
		}
		s.log.Info("room_create",
			zap.String("room_code", room.Code),
			zap.String("host_id", hostID),
			zap.Int("board_size", room.BoardSize),
			zap.Bool("private", room.Settings.IsPrivate),
		)
		return room, nil
	}
	s.log.Error("room_code_exhausted", zap.String("host_id", hostID), zap.Int("attempts", maxCodeAttempts))
	return nil, apperr.ErrRoomCodeExhausted
}

// Join claims a slot for userID in one conditional write. Preconditions are
// evaluated in a fixed order so racing callers get a precise reason.
func (s *Store) Join(ctx context.Context, code, userID string) (*domain.Room, error) {
	code = strings.TrimSpace(code)
	userID = strings.TrimSpace(userID)
	if code == "" || userID == "" {
		return nil, apperr.Validation("roomCode", "required")
	}
	var room *domain.Room
	err := s.watch(ctx, func(tx *redis.Tx) error {
		r, err := loadRoom(ctx, tx, code)
		if err != nil {
			return err
		}
		now := s.now()
		switch {
		case r.IsExpired(now) && r.Status != domain.RoomInGame:
			return apperr.ErrRoomExpired
		// 닫힌 방은 남아 있는 플레이어 항목과 무관하게 거부
		case r.Status == domain.RoomClosed:
			return apperr.ErrRoomNotAccepting
		case r.HasPlayer(userID):
			return apperr.ErrRoomAlreadyJoined
		case r.IsFull():
			return apperr.ErrRoomFull
		case r.Status != domain.RoomWaiting:
			return apperr.ErrRoomNotAccepting
		}
		if err := s.checkOtherRoom(ctx, tx, userID, code); err != nil {
			return err
		}

		r.Players = append(r.Players, domain.RoomPlayer{UserID: userID, JoinedAt: now})
		if r.IsFull() {
			r.Status = domain.RoomStarting
		}
		r.UpdatedAt = now
		pipe := tx.TxPipeline()
		if err := s.stageRoom(ctx, pipe, r); err != nil {
			return err
		}
		pipe.Set(ctx, userRoomKey(userID), code, 0)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		room = r
		return nil
	}, roomKey(code), userRoomKey(userID))
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			s.log.Warn("room_join_error", zap.String("room_code", code), zap.String("user_id", userID), zap.Error(err))
		}
		return nil, err
	}
	s.log.Info("room_join",
		zap.String("room_code", code),
		zap.String("user_id", userID),
		zap.Int("players", len(room.Players)),
		zap.String("status", string(room.Status)),
	)
	return room, nil
}

// Leave removes userID. The host role passes to the earliest remaining player;
// an empty room closes. Leaving an in-game room drops the match reference, so
// the caller must have ended the match first.
func (s *Store) Leave(ctx context.Context, code, userID string) (*domain.Room, error) {
	code = strings.TrimSpace(code)
	var room *domain.Room
	err := s.watch(ctx, func(tx *redis.Tx) error {
		r, err := loadRoom(ctx, tx, code)
		if err != nil {
			return err
		}
		if !r.RemovePlayer(userID) {
			return apperr.ErrNotInRoom
		}
		// 방장 위임: 가장 먼저 입장한 남은 플레이어
		if r.HostID == userID && len(r.Players) > 0 {
			r.HostID = r.Players[0].UserID
		}
		switch {
		case len(r.Players) == 0:
			r.Status = domain.RoomClosed
			r.MatchID = ""
		case r.Status == domain.RoomInGame:
			r.Status = domain.RoomWaiting
			r.MatchID = ""
		case r.Status == domain.RoomStarting && !r.IsFull():
			r.Status = domain.RoomWaiting
		}
		r.UpdatedAt = s.now()
		pipe := tx.TxPipeline()
		if err := releaseUsers(ctx, tx, pipe, code, userID); err != nil {
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
	s.log.Info("room_leave",
		zap.String("room_code", code),
		zap.String("user_id", userID),
		zap.String("host_id", room.HostID),
		zap.String("status", string(room.Status)),
	)
	return room, nil
}

// checkStartable holds the preconditions shared by both start paths.
func (s *Store) checkStartable(r *domain.Room, requesterID string) error {
	if r.HostID != requesterID {
		return apperr.ErrNotHost
	}
	if r.MatchID != "" {
		return apperr.ErrMatchAlreadyStarted
	}
	if r.IsExpired(s.now()) {
		return apperr.ErrRoomExpired
	}
	if r.Status == domain.RoomClosed || (r.Status != domain.RoomStarting && !r.IsFull()) {
		return apperr.ErrRoomNotReady
	}
	return nil
}

// CheckStartable reports whether requesterID could start a match in code right
// now. The sequential path calls it before creating the match; AttachMatch
// repeats the check atomically.
func (s *Store) CheckStartable(ctx context.Context, code, requesterID string) (*domain.Room, error) {
	r, err := s.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.checkStartable(r, requesterID); err != nil {
		return nil, err
	}
	return r, nil
}

// StartMatch writes the match and the in-game room in a single MULTI/EXEC.
// build is called with the current room for every attempt; its result is
// queued by stager in the same transaction.
func (s *Store) StartMatch(ctx context.Context, code, requesterID string, build func(*domain.Room) (*domain.Match, error), stager MatchStager) (*domain.Room, *domain.Match, error) {
	if !s.multiKeyTx {
		return nil, nil, ErrTxUnsupported
	}
	code = strings.TrimSpace(code)
	var (
		room  *domain.Room
		match *domain.Match
	)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		r, err := loadRoom(ctx, tx, code)
		if err != nil {
			return err
		}
		if err := s.checkStartable(r, requesterID); err != nil {
			return err
		}
		m, err := build(r)
		if err != nil {
			return err
		}
		r.MatchID = m.ID
		r.Status = domain.RoomInGame
		r.UpdatedAt = s.now()
		pipe := tx.TxPipeline()
		if err := s.stageRoom(ctx, pipe, r); err != nil {
			return err
		}
		if err := stager.Stage(ctx, pipe, m); err != nil {
			return err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		room, match = r, m
		return nil
	}, roomKey(code))
	if isCrossSlot(err) {
		s.log.Warn("room_start_tx_unsupported", zap.String("room_code", code), zap.Error(err))
		return nil, nil, ErrTxUnsupported
	}
	if err != nil {
		return nil, nil, err
	}
	stager.Committed(ctx, match)
	s.log.Info("room_start_match", zap.String("room_code", code), zap.String("match_id", match.ID), zap.String("mode", "tx"))
	return room, match, nil
}

// AttachMatch is the conditional room update of the sequential start path.
func (s *Store) AttachMatch(ctx context.Context, code, requesterID, matchID string) (*domain.Room, error) {
	code = strings.TrimSpace(code)
	var room *domain.Room
	err := s.watch(ctx, func(tx *redis.Tx) error {
		r, err := loadRoom(ctx, tx, code)
		if err != nil {
			return err
		}
		if err := s.checkStartable(r, requesterID); err != nil {
			return err
		}
		r.MatchID = matchID
		r.Status = domain.RoomInGame
		r.UpdatedAt = s.now()
		pipe := tx.TxPipeline()
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
	s.log.Info("room_start_match", zap.String("room_code", code), zap.String("match_id", matchID), zap.String("mode", "sequential"))
	return room, nil
}

// Rematch clears the finished match reference and extends the room expiry.
// expectedMatchID must still be the room's match, which the caller verified
// to be terminal.
func (s *Store) Rematch(ctx context.Context, code, requesterID, expectedMatchID string) (*domain.Room, error) {
	code = strings.TrimSpace(code)
	var room *domain.Room
	err := s.watch(ctx, func(tx *redis.Tx) error {
		r, err := loadRoom(ctx, tx, code)
		if err != nil {
			return err
		}
		if r.HostID != requesterID {
			return apperr.ErrNotHost
		}
		if r.Status == domain.RoomClosed {
			return apperr.ErrRoomNotAccepting
		}
		if r.MatchID != expectedMatchID {
			return apperr.ErrMatchAlreadyStarted
		}
		now := s.now()
		r.MatchID = ""
		if r.IsFull() {
			r.Status = domain.RoomStarting
		} else {
			r.Status = domain.RoomWaiting
		}
		r.ExpiresAt = now.Add(s.roomTTL)
		r.UpdatedAt = now
		pipe := tx.TxPipeline()
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
	s.log.Info("room_rematch", zap.String("room_code", code), zap.String("previous_match_id", expectedMatchID), zap.String("status", string(room.Status)))
	return room, nil
}

func (s *Store) Get(ctx context.Context, code string) (*domain.Room, error) {
	return loadRoom(ctx, s.rdb, strings.TrimSpace(code))
}

// ActiveRoomOf returns the code of the live room userID is bound to, or "".
func (s *Store) ActiveRoomOf(ctx context.Context, userID string) (string, error) {
	code, err := s.rdb.Get(ctx, userRoomKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("active room of %s: %w", userID, err)
	}
	r, err := s.Get(ctx, code)
	if errors.Is(err, apperr.ErrRoomNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !r.Status.Active() || !r.HasPlayer(userID) {
		return "", nil
	}
	return code, nil
}

// ListLobby returns public waiting rooms with a free slot, newest first.
func (s *Store) ListLobby(ctx context.Context) ([]*domain.Room, error) {
	codes, err := s.rdb.SMembers(ctx, lobbyKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list lobby: %w", err)
	}
	now := s.now()
	out := make([]*domain.Room, 0, len(codes))
	for _, c := range codes {
		r, err := s.Get(ctx, c)
		if err != nil {
			if errors.Is(err, apperr.ErrRoomNotFound) {
				continue
			}
			return nil, err
		}
		if !r.Listed() || r.IsExpired(now) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
