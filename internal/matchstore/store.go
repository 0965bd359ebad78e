// Package matchstore owns Caro matches. A match's move log lives in Redis
// while it is played; finished matches are kept for a retention window and
// copied to an Archive.
package matchstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/Cheese-Caro/internal/apperr"
	"github.com/park285/Cheese-Caro/internal/domain"
	"github.com/park285/Cheese-Caro/internal/obslog"
	"github.com/park285/Cheese-Caro/internal/roomcode"
)

const (
	DefaultRetention    = 24 * time.Hour
	DefaultHistoryLimit = 50
	maxTxRetries        = 16
	maxCodeAttempts     = 10
)

type Options struct {
	// Retention is the Redis TTL of a finished match.
	Retention time.Duration
	// HistoryLimit caps the per-user match index.
	HistoryLimit int
	Archive      Archive
	Now          func() time.Time
	CodeGen      func() (string, error)
	Logger       *zap.Logger
}

type Store struct {
	rdb          *redis.Client
	log          *zap.Logger
	now          func() time.Time
	codeGen      func() (string, error)
	archive      Archive
	retention    time.Duration
	historyLimit int
}

func New(rdb *redis.Client, opts Options) *Store {
	s := &Store{
		rdb:          rdb,
		log:          opts.Logger,
		now:          opts.Now,
		codeGen:      opts.CodeGen,
		archive:      opts.Archive,
		retention:    opts.Retention,
		historyLimit: opts.HistoryLimit,
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
	if s.archive == nil {
		s.archive = NewMemoryArchive()
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	if s.historyLimit <= 0 {
		s.historyLimit = DefaultHistoryLimit
	}
	return s
}

func matchKey(id string) string           { return "caro:match:" + strings.TrimSpace(id) }
func userMatchesKey(userID string) string { return "caro:user:" + strings.TrimSpace(userID) + ":matches" }

const ongoingKey = "caro:matches:ongoing"

// NewMatch validates the roster and builds an ongoing match without storing it.
func NewMatch(players []domain.MatchPlayer, boardSize int, roomCode string, now time.Time) (*domain.Match, error) {
	if len(players) != domain.MaxPlayers {
		return nil, apperr.ErrInvalidPlayers
	}
	if strings.TrimSpace(players[0].UserID) == "" || strings.TrimSpace(players[1].UserID) == "" || players[0].UserID == players[1].UserID {
		return nil, apperr.ErrInvalidPlayers
	}
	if !players[0].Symbol.Valid() || !players[1].Symbol.Valid() || players[0].Symbol == players[1].Symbol {
		return nil, apperr.ErrInvalidSymbols
	}
	if boardSize < domain.MinBoardSize || boardSize > domain.MaxBoardSize {
		return nil, apperr.Validation("boardSize", fmt.Sprintf("must be between %d and %d", domain.MinBoardSize, domain.MaxBoardSize))
	}
	return &domain.Match{
		ID:        uuid.NewString(),
		RoomCode:  roomCode,
		Players:   append([]domain.MatchPlayer(nil), players...),
		BoardSize: boardSize,
		History:   []domain.Move{},
		Result:    domain.ResultOngoing,
		StartTime: now,
		UpdatedAt: now,
	}, nil
}

// Create validates, assigns a room code when none is given and stores the match.
func (s *Store) Create(ctx context.Context, players []domain.MatchPlayer, boardSize int, roomCode string) (*domain.Match, error) {
	m, err := NewMatch(players, boardSize, roomCode, s.now())
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(m.RoomCode) == "" {
		code, err := s.reserveCode(ctx)
		if err != nil {
			return nil, err
		}
		m.RoomCode = code
	}
	if err := s.Insert(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// reserveCode는 어떤 방도 쓰지 않는 코드를 예약. 예약은 대국이 끝날 때까지
// 유지되고 이후 대국 보존 기간을 따름.
func (s *Store) reserveCode(ctx context.Context) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := s.codeGen()
		if err != nil {
			return "", apperr.Internal("generate match code", err)
		}
		reserved := false
		err = s.watch(ctx, func(tx *redis.Tx) error {
			reserved = false
			n, err := tx.Exists(ctx, roomcode.RoomKey(code), roomcode.ReservedKey(code)).Result()
			if err != nil || n > 0 {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, roomcode.ReservedKey(code), "1", 0)
				return nil
			})
			reserved = err == nil
			return err
		}, roomcode.RoomKey(code), roomcode.ReservedKey(code))
		if err != nil {
			return "", fmt.Errorf("reserve match code: %w", err)
		}
		if reserved {
			return code, nil
		}
		s.log.Debug("match_code_collision", zap.String("room_code", code), zap.Int("attempt", i+1))
	}
	return "", apperr.ErrRoomCodeExhausted
}

// Insert stores a pre-built match on its own.
func (s *Store) Insert(ctx context.Context, m *domain.Match) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.Stage(ctx, pipe, m)
	})
	if err != nil {
		return fmt.Errorf("insert match %s: %w", m.ID, err)
	}
	s.Committed(ctx, m)
	return nil
}

// Stage queues the writes of a new match into pipe.
func (s *Store) Stage(ctx context.Context, pipe redis.Pipeliner, m *domain.Match) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	score := float64(m.StartTime.UnixMilli())
	pipe.Set(ctx, matchKey(m.ID), raw, 0)
	pipe.ZAdd(ctx, ongoingKey, redis.Z{Score: score, Member: m.ID})
	for _, p := range m.Players {
		key := userMatchesKey(p.UserID)
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: m.ID})
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.historyLimit-1))
	}
	return nil
}

// Committed runs once the staged writes are durable.
func (s *Store) Committed(_ context.Context, m *domain.Match) {
	fields := []zap.Field{
		zap.String("match_id", m.ID),
		zap.String("room_code", m.RoomCode),
		zap.Int("board_size", m.BoardSize),
	}
	for _, p := range m.Players {
		fields = append(fields, zap.String(strings.ToLower(string(p.Symbol))+"_id", p.UserID))
	}
	s.log.Info("match_create", fields...)
}

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

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// load reads a match from Redis and falls back to the archive once the
// retention window has passed.
func (s *Store) load(ctx context.Context, c getter, id string) (*domain.Match, error) {
	raw, err := c.Get(ctx, matchKey(id)).Bytes()
	if err == redis.Nil {
		m, aerr := s.archive.Get(ctx, id)
		if aerr != nil {
			return nil, fmt.Errorf("archive lookup %s: %w", id, aerr)
		}
		if m == nil {
			return nil, apperr.WithMetadata(apperr.ReasonMatchNotFound, "match not found: "+id, map[string]string{"match_id": id})
		}
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load match %s: %w", id, err)
	}
	var m domain.Match
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode match %s: %w", id, err)
	}
	return &m, nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Match, error) {
	return s.load(ctx, s.rdb, id)
}

// ListByUser returns up to limit matches of userID, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Match, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	ids, err := s.rdb.ZRevRange(ctx, userMatchesKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list matches of %s: %w", userID, err)
	}
	out := make([]*domain.Match, 0, len(ids))
	for _, id := range ids {
		m, err := s.Get(ctx, id)
		if errors.Is(err, apperr.ErrMatchNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Ongoing returns ongoing matches started before the given time.
func (s *Store) Ongoing(ctx context.Context, startedBefore time.Time) ([]*domain.Match, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, ongoingKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", startedBefore.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan ongoing matches: %w", err)
	}
	out := make([]*domain.Match, 0, len(ids))
	for _, id := range ids {
		m, err := s.Get(ctx, id)
		if err != nil && !errors.Is(err, apperr.ErrMatchNotFound) {
			return nil, err
		}
		if m == nil || m.IsOver() {
			if err := s.rdb.ZRem(ctx, ongoingKey, id).Err(); err != nil {
				s.log.Warn("match_ongoing_index_cleanup_failed", zap.String("match_id", id), zap.Error(err))
			}
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
