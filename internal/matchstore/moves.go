package matchstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/Cheese-Caro/internal/apperr"
	"github.com/park285/Cheese-Caro/internal/board"
	"github.com/park285/Cheese-Caro/internal/domain"
	"github.com/park285/Cheese-Caro/internal/roomcode"
)

// MoveResult tells the caller which fan-out event to emit.
type MoveResult struct {
	Match  *domain.Match
	IsWin  bool
	IsDraw bool
}

// MakeMove appends one validated move. The turn is taken from the history
// length re-read inside the transaction, so of two racing submissions the
// second is judged against the state the first committed.
func (s *Store) MakeMove(ctx context.Context, matchID string, x, y int, playerID string) (*MoveResult, error) {
	var res *MoveResult
	err := s.watch(ctx, func(tx *redis.Tx) error {
		m, err := s.load(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if m.IsOver() {
			return apperr.ErrMatchAlreadyEnded
		}
		sym := m.SymbolOf(playerID)
		if sym == "" {
			return apperr.ErrNotInMatch
		}
		b := board.Replay(m.History, m.BoardSize, m.SymbolMap())
		if !b.IsValidMove(x, y) {
			return apperr.ErrInvalidMove
		}
		// 차례는 캐시된 값이 아니라 기보 길이로 판정
		if sym != m.NextSymbol() {
			return apperr.ErrNotYourTurn
		}

		now := s.now()
		m.History = append(m.History, domain.Move{X: x, Y: y, PlayerID: playerID, Timestamp: now})
		m.UpdatedAt = now
		b.Place(x, y, board.CellFor(sym))
		r := &MoveResult{Match: m}
		switch {
		case b.CheckWin(x, y, sym):
			r.IsWin = true
			finish(m, domain.ResultWinLoss, playerID, domain.TerminationFiveInRow, now)
		case b.IsFull():
			r.IsDraw = true
			finish(m, domain.ResultDraw, "", domain.TerminationBoardFull, now)
		}

		pipe := tx.TxPipeline()
		if err := s.stageUpdate(ctx, pipe, m); err != nil {
			return err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		res = r
		return nil
	}, matchKey(matchID))
	if err != nil {
		return nil, err
	}

	s.log.Info("match_move",
		zap.String("match_id", matchID),
		zap.String("player_id", playerID),
		zap.Int("x", x),
		zap.Int("y", y),
		zap.Int("ply", len(res.Match.History)),
		zap.String("result", string(res.Match.Result)),
	)
	s.persistIfFinal(ctx, res.Match)
	return res, nil
}

// End abandons the match on behalf of a roster member. The other player, if
// any, wins by forfeit.
func (s *Store) End(ctx context.Context, matchID, requesterID string) (*domain.Match, error) {
	var out *domain.Match
	err := s.watch(ctx, func(tx *redis.Tx) error {
		m, err := s.load(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if !m.HasPlayer(requesterID) {
			return apperr.ErrNotInMatch
		}
		if m.IsOver() {
			return apperr.ErrMatchAlreadyEnded
		}
		finish(m, domain.ResultAbandoned, m.OpponentOf(requesterID), domain.TerminationForfeit, s.now())
		pipe := tx.TxPipeline()
		if err := s.stageUpdate(ctx, pipe, m); err != nil {
			return err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out = m
		return nil
	}, matchKey(matchID))
	if err != nil {
		return nil, err
	}
	s.log.Info("match_end",
		zap.String("match_id", matchID),
		zap.String("requester_id", requesterID),
		zap.String("winner", out.Winner),
	)
	s.persistIfFinal(ctx, out)
	return out, nil
}

// ForceAbandon은 승자 없이 대국을 종료. 복구 경로 전용이며 이미 끝난 대국은
// ErrMatchAlreadyEnded.
func (s *Store) ForceAbandon(ctx context.Context, matchID string, reason domain.Termination) (*domain.Match, error) {
	var out *domain.Match
	err := s.watch(ctx, func(tx *redis.Tx) error {
		m, err := s.load(ctx, tx, matchID)
		if err != nil {
			return err
		}
		if m.IsOver() {
			return apperr.ErrMatchAlreadyEnded
		}
		finish(m, domain.ResultAbandoned, "", reason, s.now())
		pipe := tx.TxPipeline()
		if err := s.stageUpdate(ctx, pipe, m); err != nil {
			return err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		out = m
		return nil
	}, matchKey(matchID))
	if err != nil {
		return nil, err
	}
	s.log.Warn("match_force_abandon", zap.String("match_id", matchID), zap.String("termination", string(reason)))
	s.persistIfFinal(ctx, out)
	return out, nil
}

func finish(m *domain.Match, result domain.MatchResult, winner string, how domain.Termination, now time.Time) {
	t := now
	m.Result = result
	m.Winner = winner
	m.Termination = how
	m.EndTime = &t
	m.UpdatedAt = now
}

// stageUpdate rewrites the match; terminal matches get the retention TTL and
// leave the ongoing index.
func (s *Store) stageUpdate(ctx context.Context, pipe redis.Pipeliner, m *domain.Match) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if m.IsOver() {
		pipe.Set(ctx, matchKey(m.ID), raw, s.retention)
		pipe.ZRem(ctx, ongoingKey, m.ID)
		pipe.Expire(ctx, roomcode.ReservedKey(m.RoomCode), s.retention)
		return nil
	}
	pipe.Set(ctx, matchKey(m.ID), raw, 0)
	return nil
}

// persistIfFinal은 종료된 대국을 아카이브에 복사. 실패는 로그만 남기고
// 보존 기간 동안은 Redis 사본이 기준.
func (s *Store) persistIfFinal(ctx context.Context, m *domain.Match) {
	if m == nil || !m.IsOver() {
		return
	}
	if err := s.archive.SaveResult(ctx, m); err != nil {
		s.log.Error("match_archive_error", zap.String("match_id", m.ID), zap.String("result", string(m.Result)), zap.Error(err))
		return
	}
	s.log.Info("match_archive", zap.String("match_id", m.ID), zap.String("result", string(m.Result)), zap.String("termination", string(m.Termination)))
}
