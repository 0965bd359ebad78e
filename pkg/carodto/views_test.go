package carodto

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/park285/Cheese-Caro/internal/domain"
)

func TestRoomViewResolvesKnownPlayers(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := &domain.Room{
		Code:       "ABC123",
		HostID:     "u1",
		Players:    []domain.RoomPlayer{{UserID: "u1", JoinedAt: now}, {UserID: "u2", JoinedAt: now}},
		BoardSize:  15,
		MaxPlayers: 2,
		Status:     domain.RoomStarting,
	}
	v := NewRoomView(r, func(id string) domain.PlayerRef {
		if id == "u1" {
			return domain.Resolved(domain.UserSummary{UserID: "u1", DisplayName: "Ann"})
		}
		return domain.Unresolved(id)
	})
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	for _, want := range []string{`"host":{"userId":"u1","displayName":"Ann","isGuest":false}`, `"player":"u2"`, `"matchId":null`} {
		if !strings.Contains(s, want) {
			t.Fatalf("missing %s in %s", want, s)
		}
	}
}

func TestMatchViewDerivesTurn(t *testing.T) {
	m := &domain.Match{
		ID:        "m1",
		Players:   []domain.MatchPlayer{{UserID: "a", Symbol: domain.SymbolX}, {UserID: "b", Symbol: domain.SymbolO}},
		BoardSize: 15,
		History:   []domain.Move{{X: 7, Y: 7, PlayerID: "a"}},
		Result:    domain.ResultOngoing,
	}
	v := NewMatchView(m, nil)
	if v.NextSymbol != "O" || v.Winner != nil || len(v.History) != 1 || v.Players[0].Player.ID() != "a" {
		t.Fatalf("view = %+v", v)
	}
	m.Result, m.Winner = domain.ResultWinLoss, "a"
	v = NewMatchView(m, nil)
	if v.NextSymbol != "" || v.Winner == nil || *v.Winner != "a" {
		t.Fatalf("terminal view = %+v", v)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventRoomLeft, "r-1", RoomLeftPayload{RoomCode: "ABC123"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	raw, _ := json.Marshal(env)
	if string(raw) != `{"type":"room-left","requestId":"r-1","payload":{"roomCode":"ABC123"}}` {
		t.Fatalf("wire = %s", raw)
	}
	bare, _ := NewEnvelope(EventListRooms, "", nil)
	raw, _ = json.Marshal(bare)
	if string(raw) != `{"type":"list-rooms"}` {
		t.Fatalf("wire = %s", raw)
	}
}
