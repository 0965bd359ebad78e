// Package sweeper runs the periodic maintenance pass: expired rooms are
// deleted, rooms stuck in-game are closed and matches no room points at are
// abandoned.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/park285/Cheese-Caro/internal/apperr"
	"github.com/park285/Cheese-Caro/internal/domain"
	"github.com/park285/Cheese-Caro/internal/obslog"
)

type RoomStore interface {
	DeleteExpired(ctx context.Context, now time.Time) ([]*domain.Room, error)
	StaleInGame(ctx context.Context, before time.Time) ([]*domain.Room, error)
	ForceClose(ctx context.Context, code string) (*domain.Room, error)
	Get(ctx context.Context, code string) (*domain.Room, error)
}

type MatchStore interface {
	Ongoing(ctx context.Context, startedBefore time.Time) ([]*domain.Match, error)
	ForceAbandon(ctx context.Context, matchID string, reason domain.Termination) (*domain.Match, error)
}

// Notifier is told about state the sweeper changed so live subscribers can
// be updated. RoomClosed covers both closed and deleted rooms. The gateway
// implements it.
type Notifier interface {
	MatchEnded(m *domain.Match)
	RoomClosed(r *domain.Room)
}

type Options struct {
	Interval    time.Duration
	StaleAfter  time.Duration
	OrphanGrace time.Duration
	Now         func() time.Time
	Notifier    Notifier
	Logger      *zap.Logger
	// 예약 실행마다 호출 (테스트/모니터링용)
	OnReport func(Report, error)
}

// Report counts what one pass changed.
type Report struct {
	ExpiredRooms    int `json:"expiredRooms"`
	StaleRooms      int `json:"staleRooms"`
	OrphanedMatches int `json:"orphanedMatches"`
}

func (r Report) Empty() bool { return r == Report{} }

type Sweeper struct {
	rooms   RoomStore
	matches MatchStore
	opts    Options
	log     *zap.Logger

	mu    sync.Mutex
	sched gocron.Scheduler
}

func New(rooms RoomStore, matches MatchStore, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 24 * time.Hour
	}
	if opts.OrphanGrace <= 0 {
		opts.OrphanGrace = 2 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = obslog.L()
	}
	return &Sweeper{rooms: rooms, matches: matches, opts: opts, log: log}
}

// RunOnce performs one full pass. Per-item failures are logged and skipped;
// only failures to list candidates are returned.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	now := s.opts.Now()

	expired, err := s.rooms.DeleteExpired(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("delete expired rooms: %w", err)
	}
	rep.ExpiredRooms = len(expired)
	if s.opts.Notifier != nil {
		for _, r := range expired {
			s.opts.Notifier.RoomClosed(r)
		}
	}

	stale, err := s.rooms.StaleInGame(ctx, now.Add(-s.opts.StaleAfter))
	if err != nil {
		return rep, fmt.Errorf("list stale rooms: %w", err)
	}
	for _, r := range stale {
		if s.closeStale(ctx, r) {
			rep.StaleRooms++
		}
	}

	ongoing, err := s.matches.Ongoing(ctx, now.Add(-s.opts.OrphanGrace))
	if err != nil {
		return rep, fmt.Errorf("list ongoing matches: %w", err)
	}
	for _, m := range ongoing {
		if s.reconcile(ctx, m) {
			rep.OrphanedMatches++
		}
	}
	return rep, nil
}

func (s *Sweeper) closeStale(ctx context.Context, r *domain.Room) bool {
	if r.MatchID != "" {
		m, err := s.matches.ForceAbandon(ctx, r.MatchID, domain.TerminationStale)
		switch {
		case err == nil:
			s.notifyMatch(m)
		case errors.Is(err, apperr.ErrMatchAlreadyEnded), errors.Is(err, apperr.ErrMatchNotFound):
		default:
			s.log.Warn("sweep_stale_abandon_failed", zap.String("room_code", r.Code), zap.String("match_id", r.MatchID), zap.Error(err))
			return false
		}
	}
	closed, err := s.rooms.ForceClose(ctx, r.Code)
	if err != nil {
		s.log.Warn("sweep_stale_close_failed", zap.String("room_code", r.Code), zap.Error(err))
		return false
	}
	if s.opts.Notifier != nil {
		s.opts.Notifier.RoomClosed(closed)
	}
	return true
}

// reconcile abandons m when its room exists but points elsewhere. A missing
// room means the match was created standalone under a reserved code, and a
// room created after the match started cannot be the one it came from.
func (s *Sweeper) reconcile(ctx context.Context, m *domain.Match) bool {
	if m.RoomCode == "" {
		return false
	}
	r, err := s.rooms.Get(ctx, m.RoomCode)
	if err != nil {
		if !errors.Is(err, apperr.ErrRoomNotFound) {
			s.log.Warn("sweep_orphan_room_lookup_failed", zap.String("match_id", m.ID), zap.String("room_code", m.RoomCode), zap.Error(err))
		}
		return false
	}
	if r.MatchID == m.ID || r.CreatedAt.After(m.StartTime) {
		return false
	}
	ended, err := s.matches.ForceAbandon(ctx, m.ID, domain.TerminationOrphaned)
	if err != nil {
		if !errors.Is(err, apperr.ErrMatchAlreadyEnded) {
			s.log.Warn("sweep_orphan_abandon_failed", zap.String("match_id", m.ID), zap.Error(err))
		}
		return false
	}
	s.notifyMatch(ended)
	return true
}

func (s *Sweeper) notifyMatch(m *domain.Match) {
	if s.opts.Notifier != nil && m != nil {
		s.opts.Notifier.MatchEnded(m)
	}
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Interval)
	defer cancel()
	rep, err := s.RunOnce(ctx)
	switch {
	case err != nil:
		s.log.Error("sweep_failed", zap.Error(err))
	case !rep.Empty():
		s.log.Info("sweep_done",
			zap.Int("expired_rooms", rep.ExpiredRooms),
			zap.Int("stale_rooms", rep.StaleRooms),
			zap.Int("orphaned_matches", rep.OrphanedMatches),
		)
	}
	if s.opts.OnReport != nil {
		s.opts.OnReport(rep, err)
	}
}

// Start schedules RunOnce every Interval. Overlapping passes are skipped.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched != nil {
		return nil
	}
	sched, err := gocron.NewScheduler(gocron.WithLogger(cronLogger{s.log.Sugar()}))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.opts.Interval),
		gocron.NewTask(s.run),
		gocron.WithName("caro-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sched.Start()
	s.sched = sched
	s.log.Info("sweeper_started", zap.Duration("interval", s.opts.Interval))
	return nil
}

func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched == nil {
		return nil
	}
	err := s.sched.Shutdown()
	s.sched = nil
	return err
}

// cronLogger routes scheduler logs through zap.
type cronLogger struct{ l *zap.SugaredLogger }

func (c cronLogger) Debug(msg string, args ...any) { c.l.Debugw(msg, args...) }
func (c cronLogger) Error(msg string, args ...any) { c.l.Errorw(msg, args...) }
func (c cronLogger) Info(msg string, args ...any)  { c.l.Infow(msg, args...) }
func (c cronLogger) Warn(msg string, args ...any)  { c.l.Warnw(msg, args...) }
