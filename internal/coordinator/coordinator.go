// Package coordinator drives the room to match transition and routes player
// actions to the room and match stores.
package coordinator

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/Cheese-Caro/internal/apperr"
	"github.com/park285/Cheese-Caro/internal/domain"
	"github.com/park285/Cheese-Caro/internal/matchstore"
	"github.com/park285/Cheese-Caro/internal/obslog"
	"github.com/park285/Cheese-Caro/internal/roomstore"
)

// RoomStore is satisfied by *roomstore.Store and *cache.Rooms.
type RoomStore interface {
	Create(ctx context.Context, hostID string, p roomstore.CreateParams) (*domain.Room, error)
	Join(ctx context.Context, code, userID string) (*domain.Room, error)
	Leave(ctx context.Context, code, userID string) (*domain.Room, error)
	CheckStartable(ctx context.Context, code, requesterID string) (*domain.Room, error)
	StartMatch(ctx context.Context, code, requesterID string, build func(*domain.Room) (*domain.Match, error), stager roomstore.MatchStager) (*domain.Room, *domain.Match, error)
	AttachMatch(ctx context.Context, code, requesterID, matchID string) (*domain.Room, error)
	Rematch(ctx context.Context, code, requesterID, expectedMatchID string) (*domain.Room, error)
	Get(ctx context.Context, code string) (*domain.Room, error)
	ListLobby(ctx context.Context) ([]*domain.Room, error)
}

// MatchStore is satisfied by *matchstore.Store and *cache.Matches.
type MatchStore interface {
	roomstore.MatchStager
	Insert(ctx context.Context, m *domain.Match) error
	MakeMove(ctx context.Context, matchID string, x, y int, playerID string) (*matchstore.MoveResult, error)
	End(ctx context.Context, matchID, requesterID string) (*domain.Match, error)
	ForceAbandon(ctx context.Context, matchID string, reason domain.Termination) (*domain.Match, error)
	Get(ctx context.Context, id string) (*domain.Match, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Match, error)
}

type Options struct {
	DefaultBoardSize int
	Now              func() time.Time
	Logger           *zap.Logger
}

type Coordinator struct {
	rooms            RoomStore
	matches          MatchStore
	now              func() time.Time
	log              *zap.Logger
	defaultBoardSize int
}

func New(rooms RoomStore, matches MatchStore, opts Options) *Coordinator {
	c := &Coordinator{
		rooms:            rooms,
		matches:          matches,
		now:              opts.Now,
		log:              opts.Logger,
		defaultBoardSize: opts.DefaultBoardSize,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.log == nil {
		c.log = obslog.L()
	}
	if c.defaultBoardSize == 0 {
		c.defaultBoardSize = 15
	}
	return c
}

type CreateRoomParams struct {
	BoardSize       int
	MaxPlayers      int
	IsPrivate       bool
	AllowSpectators bool
}

type LeaveResult struct {
	Room *domain.Room
	// 퇴장으로 진행 중 대국이 기권 처리된 경우에만 설정
	EndedMatch *domain.Match
}

func (c *Coordinator) CreateRoom(ctx context.Context, hostID string, p CreateRoomParams) (*domain.Room, error) {
	if p.BoardSize == 0 {
		p.BoardSize = c.defaultBoardSize
	}
	return c.rooms.Create(ctx, hostID, roomstore.CreateParams{
		BoardSize:       p.BoardSize,
		MaxPlayers:      p.MaxPlayers,
		IsPrivate:       p.IsPrivate,
		AllowSpectators: p.AllowSpectators,
	})
}

func (c *Coordinator) JoinRoom(ctx context.Context, code, userID string) (*domain.Room, error) {
	return c.rooms.Join(ctx, code, userID)
}

// LeaveRoom: 진행 중 대국이 있으면 먼저 기권 처리해 상대를 승자로 기록한 뒤
// 방에서 제거.
func (c *Coordinator) LeaveRoom(ctx context.Context, code, userID string) (*LeaveResult, error) {
	room, err := c.rooms.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if !room.HasPlayer(userID) {
		return nil, apperr.ErrNotInRoom
	}
	res := &LeaveResult{}
	if room.Status == domain.RoomInGame && room.MatchID != "" {
		ended, err := c.matches.End(ctx, room.MatchID, userID)
		switch {
		case err == nil:
			res.EndedMatch = ended
		case errors.Is(err, apperr.ErrMatchAlreadyEnded), errors.Is(err, apperr.ErrMatchNotFound), errors.Is(err, apperr.ErrNotInMatch):
		default:
			return nil, err
		}
	}
	res.Room, err = c.rooms.Leave(ctx, code, userID)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// roster: 먼저 입장한 플레이어가 X, 두 번째가 O (입장 순서 기준 고정 배정)
func roster(r *domain.Room) []domain.MatchPlayer {
	out := make([]domain.MatchPlayer, 0, len(r.Players))
	for i, p := range r.Players {
		out = append(out, domain.MatchPlayer{UserID: p.UserID, Symbol: domain.SymbolForPly(i)})
	}
	return out
}

func (c *Coordinator) buildMatch(r *domain.Room) (*domain.Match, error) {
	return matchstore.NewMatch(roster(r), r.BoardSize, r.Code, c.now())
}

// StartMatch creates the room's match and moves the room in-game. The
// transactional path writes both records at once; when the store cannot run
// it, the match is inserted first and force-abandoned if the room update
// then fails.
func (c *Coordinator) StartMatch(ctx context.Context, code, requesterID string) (*domain.Room, *domain.Match, error) {
	code = strings.TrimSpace(code)
	room, match, err := c.rooms.StartMatch(ctx, code, requesterID, c.buildMatch, c.matches)
	if err == nil {
		return room, match, nil
	}
	if !errors.Is(err, roomstore.ErrTxUnsupported) {
		return nil, nil, err
	}
	return c.startSequential(ctx, code, requesterID)
}

func (c *Coordinator) startSequential(ctx context.Context, code, requesterID string) (*domain.Room, *domain.Match, error) {
	r, err := c.rooms.CheckStartable(ctx, code, requesterID)
	if err != nil {
		return nil, nil, err
	}
	match, err := c.buildMatch(r)
	if err != nil {
		return nil, nil, err
	}
	if err := c.matches.Insert(ctx, match); err != nil {
		return nil, nil, err
	}
	room, err := c.rooms.AttachMatch(ctx, code, requesterID, match.ID)
	if err != nil {
		c.log.Warn("coordinator_start_attach_failed",
			zap.String("room_code", code),
			zap.String("match_id", match.ID),
			zap.Error(err),
		)
		if _, aerr := c.matches.ForceAbandon(ctx, match.ID, domain.TerminationOrphaned); aerr != nil {
			c.log.Error("coordinator_orphan_compensation_failed", zap.String("match_id", match.ID), zap.Error(aerr))
		}
		return nil, nil, err
	}
	return room, match, nil
}

// Rematch resets a room whose match has finished.
func (c *Coordinator) Rematch(ctx context.Context, code, requesterID string) (*domain.Room, error) {
	room, err := c.rooms.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if room.HostID != requesterID {
		return nil, apperr.ErrNotHost
	}
	if room.MatchID != "" {
		m, err := c.matches.Get(ctx, room.MatchID)
		if err != nil && !errors.Is(err, apperr.ErrMatchNotFound) {
			return nil, err
		}
		if m != nil && !m.IsOver() {
			return nil, apperr.ErrMatchInProgress
		}
	}
	return c.rooms.Rematch(ctx, code, requesterID, room.MatchID)
}

func (c *Coordinator) MakeMove(ctx context.Context, matchID string, x, y int, playerID string) (*matchstore.MoveResult, error) {
	return c.matches.MakeMove(ctx, matchID, x, y, playerID)
}

func (c *Coordinator) EndMatch(ctx context.Context, matchID, requesterID string) (*domain.Match, error) {
	return c.matches.End(ctx, matchID, requesterID)
}

func (c *Coordinator) GetMatch(ctx context.Context, matchID string) (*domain.Match, error) {
	return c.matches.Get(ctx, matchID)
}

func (c *Coordinator) GetUserMatches(ctx context.Context, userID string, limit int) ([]*domain.Match, error) {
	return c.matches.ListByUser(ctx, userID, limit)
}

func (c *Coordinator) GetRoom(ctx context.Context, code string) (*domain.Room, error) {
	return c.rooms.Get(ctx, code)
}

func (c *Coordinator) ListRooms(ctx context.Context) ([]*domain.Room, error) {
	return c.rooms.ListLobby(ctx)
}
