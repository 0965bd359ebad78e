package matchstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/park285/Cheese-Caro/internal/apperr"
	"github.com/park285/Cheese-Caro/internal/domain"
	"github.com/park285/Cheese-Caro/internal/roomcode"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestStore(t *testing.T) (*Store, *redis.Client, *MemoryArchive) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clk := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	archive := NewMemoryArchive()
	return New(rdb, Options{Archive: archive, Now: clk.Now}), rdb, archive
}

func roster() []domain.MatchPlayer {
	return []domain.MatchPlayer{
		{UserID: "userA", Symbol: domain.SymbolX},
		{UserID: "userB", Symbol: domain.SymbolO},
	}
}

func mustCreate(t *testing.T, s *Store, size int) *domain.Match {
	t.Helper()
	m, err := s.Create(context.Background(), roster(), size, "ROOM01")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return m
}

func mustMove(t *testing.T, s *Store, id string, x, y int, player string) *MoveResult {
	t.Helper()
	r, err := s.MakeMove(context.Background(), id, x, y, player)
	if err != nil {
		t.Fatalf("MakeMove(%d,%d,%s): %v", x, y, player, err)
	}
	return r
}

func TestCreateValidatesRoster(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	cases := []struct {
		name    string
		players []domain.MatchPlayer
		want    error
	}{
		{"one player", roster()[:1], apperr.ErrInvalidPlayers},
		{"three players", append(roster(), domain.MatchPlayer{UserID: "c", Symbol: domain.SymbolX}), apperr.ErrInvalidPlayers},
		{"same user", []domain.MatchPlayer{{UserID: "a", Symbol: domain.SymbolX}, {UserID: "a", Symbol: domain.SymbolO}}, apperr.ErrInvalidPlayers},
		{"duplicate symbol", []domain.MatchPlayer{{UserID: "a", Symbol: domain.SymbolX}, {UserID: "b", Symbol: domain.SymbolX}}, apperr.ErrInvalidSymbols},
		{"unknown symbol", []domain.MatchPlayer{{UserID: "a", Symbol: domain.SymbolX}, {UserID: "b", Symbol: "Z"}}, apperr.ErrInvalidSymbols},
	}
	for _, c := range cases {
		if _, err := s.Create(ctx, c.players, 15, ""); !errors.Is(err, c.want) {
			t.Fatalf("%s: expected %v, got %v", c.name, c.want, err)
		}
	}
	if _, err := s.Create(ctx, roster(), 25, ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("board size 25: expected validation error, got %v", err)
	}
}

func TestCreateAssignsRoomCode(t *testing.T) {
	s, _, _ := newTestStore(t)
	m, err := s.Create(context.Background(), roster(), 15, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(m.RoomCode) != 6 {
		t.Fatalf("expected generated room code, got %q", m.RoomCode)
	}
	if m.Result != domain.ResultOngoing || len(m.History) != 0 {
		t.Fatalf("fresh match should be ongoing and empty: %+v", m)
	}
}

func TestCreateAvoidsCodesInUse(t *testing.T) {
	_, rdb, _ := newTestStore(t)
	ctx := context.Background()
	codes := []string{"ROOM01", "RSVD01", "FREE01"}
	next := 0
	s := New(rdb, Options{CodeGen: func() (string, error) {
		c := codes[next%len(codes)]
		next++
		return c, nil
	}})
	if err := rdb.Set(ctx, roomcode.RoomKey("ROOM01"), "{}", 0).Err(); err != nil {
		t.Fatalf("seed room: %v", err)
	}
	if err := rdb.Set(ctx, roomcode.ReservedKey("RSVD01"), "1", 0).Err(); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	m, err := s.Create(ctx, roster(), 15, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.RoomCode != "FREE01" {
		t.Fatalf("standalone match took a code in use: %s", m.RoomCode)
	}
	if ttl, _ := rdb.TTL(ctx, roomcode.ReservedKey("FREE01")).Result(); ttl > 0 {
		t.Fatalf("reservation of an ongoing match must not expire, ttl=%v", ttl)
	}

	if _, err := s.End(ctx, m.ID, "userA"); err != nil {
		t.Fatalf("End: %v", err)
	}
	if ttl, _ := rdb.TTL(ctx, roomcode.ReservedKey("FREE01")).Result(); ttl <= 0 {
		t.Fatalf("finished match should release its reservation after retention, ttl=%v", ttl)
	}
}

func TestTurnAlternation(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	m := mustCreate(t, s, 15)

	if _, err := s.MakeMove(ctx, m.ID, 0, 0, "userB"); !errors.Is(err, apperr.ErrNotYourTurn) {
		t.Fatalf("O moving first: expected NOT_YOUR_TURN, got %v", err)
	}
	r := mustMove(t, s, m.ID, 7, 7, "userA")
	if len(r.Match.History) != 1 || r.IsWin || r.IsDraw {
		t.Fatalf("unexpected result after first move: %+v", r)
	}
	if _, err := s.MakeMove(ctx, m.ID, 7, 8, "userA"); !errors.Is(err, apperr.ErrNotYourTurn) {
		t.Fatalf("double move: expected NOT_YOUR_TURN, got %v", err)
	}
	if _, err := s.MakeMove(ctx, m.ID, 7, 7, "userB"); !errors.Is(err, apperr.ErrInvalidMove) {
		t.Fatalf("occupied cell: expected INVALID_MOVE, got %v", err)
	}
	if _, err := s.MakeMove(ctx, m.ID, 15, 0, "userB"); !errors.Is(err, apperr.ErrInvalidMove) {
		t.Fatalf("out of range: expected INVALID_MOVE, got %v", err)
	}
	if _, err := s.MakeMove(ctx, m.ID, 1, 1, "stranger"); !errors.Is(err, apperr.ErrNotInMatch) {
		t.Fatalf("stranger: expected NOT_IN_MATCH, got %v", err)
	}
	if _, err := s.MakeMove(ctx, "missing", 1, 1, "userA"); !errors.Is(err, apperr.ErrMatchNotFound) {
		t.Fatalf("missing: expected MATCH_NOT_FOUND, got %v", err)
	}
	r = mustMove(t, s, m.ID, 7, 8, "userB")
	if r.Match.NextSymbol() != domain.SymbolX {
		t.Fatalf("X should be next after two moves")
	}
}

func TestRowWin(t *testing.T) {
	s, _, archive := newTestStore(t)
	ctx := context.Background()
	m := mustCreate(t, s, 15)

	var r *MoveResult
	for i := 0; i < 5; i++ {
		r = mustMove(t, s, m.ID, 0, i, "userA")
		if i < 4 {
			if r.IsWin {
				t.Fatalf("win reported after %d stones", i+1)
			}
			mustMove(t, s, m.ID, 5, i, "userB")
		}
	}
	if !r.IsWin || r.IsDraw {
		t.Fatalf("expected win, got %+v", r)
	}
	if r.Match.Result != domain.ResultWinLoss || r.Match.Winner != "userA" || r.Match.EndTime == nil {
		t.Fatalf("unexpected terminal match: %+v", r.Match)
	}
	if r.Match.Termination != domain.TerminationFiveInRow {
		t.Fatalf("unexpected termination %q", r.Match.Termination)
	}
	if _, err := s.MakeMove(ctx, m.ID, 9, 9, "userB"); !errors.Is(err, apperr.ErrMatchAlreadyEnded) {
		t.Fatalf("move after win: expected ALREADY_ENDED, got %v", err)
	}
	if archive.Len() != 1 {
		t.Fatalf("finished match should be archived")
	}
}

func TestDrawOnFullBoard(t *testing.T) {
	s, _, _ := newTestStore(t)
	m := mustCreate(t, s, 10)

	var xs, os [][2]int
	for x := 0; x < 10; x++ {
		for y := 0; y < 10; y++ {
			if (x+y/2)%2 == 0 {
				xs = append(xs, [2]int{x, y})
			} else {
				os = append(os, [2]int{x, y})
			}
		}
	}
	var r *MoveResult
	for i := 0; i < 50; i++ {
		r = mustMove(t, s, m.ID, xs[i][0], xs[i][1], "userA")
		if r.IsWin || r.IsDraw {
			t.Fatalf("unexpected end after X move %d", i)
		}
		r = mustMove(t, s, m.ID, os[i][0], os[i][1], "userB")
		if r.IsWin {
			t.Fatalf("unexpected win at O move %d", i)
		}
		if i < 49 && r.IsDraw {
			t.Fatalf("draw reported early at O move %d", i)
		}
	}
	if !r.IsDraw || r.Match.Result != domain.ResultDraw || r.Match.Winner != "" {
		t.Fatalf("expected draw, got %+v", r.Match)
	}
	if len(r.Match.History) != 100 {
		t.Fatalf("expected 100 moves, got %d", len(r.Match.History))
	}
}

func TestEndAwardsOpponent(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	m := mustCreate(t, s, 15)

	if _, err := s.End(ctx, m.ID, "stranger"); !errors.Is(err, apperr.ErrNotInMatch) {
		t.Fatalf("stranger end: expected NOT_IN_MATCH, got %v", err)
	}
	ended, err := s.End(ctx, m.ID, "userA")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.Result != domain.ResultAbandoned || ended.Winner != "userB" || ended.Termination != domain.TerminationForfeit {
		t.Fatalf("unexpected abandoned match: %+v", ended)
	}
	if _, err := s.End(ctx, m.ID, "userB"); !errors.Is(err, apperr.ErrMatchAlreadyEnded) {
		t.Fatalf("second end: expected ALREADY_ENDED, got %v", err)
	}
}

func TestEndWithoutOpponentHasNoWinner(t *testing.T) {
	s, rdb, _ := newTestStore(t)
	ctx := context.Background()
	solo := &domain.Match{
		ID:        "solo-1",
		Players:   []domain.MatchPlayer{{UserID: "userA", Symbol: domain.SymbolX}},
		BoardSize: 15,
		History:   []domain.Move{},
		Result:    domain.ResultOngoing,
		StartTime: time.Now(),
	}
	raw, _ := json.Marshal(solo)
	if err := rdb.Set(ctx, matchKey(solo.ID), raw, 0).Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ended, err := s.End(ctx, solo.ID, "userA")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.Result != domain.ResultAbandoned || ended.Winner != "" {
		t.Fatalf("expected abandoned without winner, got %+v", ended)
	}
}

func TestConcurrentDoubleSubmit(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	m := mustCreate(t, s, 15)

	cells := [][2]int{{7, 7}, {7, 8}, {8, 8}, {9, 9}}
	results := make([]error, len(cells))
	var g errgroup.Group
	for i, c := range cells {
		g.Go(func() error {
			_, results[i] = s.MakeMove(ctx, m.ID, c[0], c[1], "userA")
			return nil
		})
	}
	_ = g.Wait()
	accepted := 0
	for i, err := range results {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, apperr.ErrNotYourTurn):
		default:
			t.Fatalf("submission %d: unexpected error %v", i, err)
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted move, got %d", accepted)
	}
	got, err := s.Get(ctx, m.ID)
	if err != nil || len(got.History) != 1 {
		t.Fatalf("history should hold one move: %v", err)
	}
}

func TestForceAbandonAndOngoingIndex(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	m := mustCreate(t, s, 15)
	other := mustCreate(t, s, 15)

	ongoing, err := s.Ongoing(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil || len(ongoing) != 2 {
		t.Fatalf("Ongoing: %v (%d)", err, len(ongoing))
	}
	ended, err := s.ForceAbandon(ctx, m.ID, domain.TerminationOrphaned)
	if err != nil {
		t.Fatalf("ForceAbandon: %v", err)
	}
	if ended.Winner != "" || ended.Termination != domain.TerminationOrphaned {
		t.Fatalf("unexpected force-abandoned match: %+v", ended)
	}
	if _, err := s.ForceAbandon(ctx, m.ID, domain.TerminationStale); !errors.Is(err, apperr.ErrMatchAlreadyEnded) {
		t.Fatalf("second ForceAbandon: got %v", err)
	}
	ongoing, _ = s.Ongoing(ctx, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	if len(ongoing) != 1 || ongoing[0].ID != other.ID {
		t.Fatalf("only the untouched match should remain ongoing: %+v", ongoing)
	}
}

func TestGetFallsBackToArchive(t *testing.T) {
	s, rdb, _ := newTestStore(t)
	ctx := context.Background()
	m := mustCreate(t, s, 15)
	if _, err := s.End(ctx, m.ID, "userB"); err != nil {
		t.Fatalf("End: %v", err)
	}
	ttl, err := rdb.TTL(ctx, matchKey(m.ID)).Result()
	if err != nil || ttl <= 0 {
		t.Fatalf("finished match should carry retention TTL, got %v %v", ttl, err)
	}
	// retention elapsed
	if err := rdb.Del(ctx, matchKey(m.ID)).Err(); err != nil {
		t.Fatalf("del: %v", err)
	}
	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("Get after retention: %v", err)
	}
	if got.Winner != "userA" || got.Result != domain.ResultAbandoned {
		t.Fatalf("archived copy mismatch: %+v", got)
	}
	list, err := s.ListByUser(ctx, "userA", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("ListByUser: %v (%d)", err, len(list))
	}
}

func TestListByUserNewestFirst(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	first := mustCreate(t, s, 15)
	second := mustCreate(t, s, 12)
	list, err := s.ListByUser(ctx, "userB", 0)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListByUser: %v (%d)", err, len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("expected newest first")
	}
	if list, _ := s.ListByUser(ctx, "nobody", 5); len(list) != 0 {
		t.Fatalf("unknown user should have no matches")
	}
}

func TestOngoingDropsDanglingIndexEntries(t *testing.T) {
	s, rdb, _ := newTestStore(t)
	ctx := context.Background()
	live := mustCreate(t, s, 15)
	if err := rdb.ZAdd(ctx, ongoingKey, redis.Z{Score: 0, Member: "6f1c1f9e-8f38-4a55-9a4b-1c3f5c2a7e10"}).Err(); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := s.Ongoing(ctx, live.StartTime.Add(time.Minute))
	if err != nil || len(got) != 1 || got[0].ID != live.ID {
		t.Fatalf("Ongoing: %+v, %v", got, err)
	}
	if err := rdb.ZScore(ctx, ongoingKey, "6f1c1f9e-8f38-4a55-9a4b-1c3f5c2a7e10").Err(); err != redis.Nil {
		t.Fatalf("dangling entry should be removed, got %v", err)
	}
}
