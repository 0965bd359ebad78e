package carodto

import (
	"time"

	"github.com/park285/Cheese-Caro/internal/domain"
)

type RoomSettingsView struct {
	IsPrivate       bool `json:"isPrivate"`
	AllowSpectators bool `json:"allowSpectators"`
}

type RoomPlayerView struct {
	Player   domain.PlayerRef `json:"player"`
	JoinedAt time.Time        `json:"joinedAt"`
}

type RoomView struct {
	RoomCode   string           `json:"roomCode"`
	Host       domain.PlayerRef `json:"host"`
	Players    []RoomPlayerView `json:"players"`
	BoardSize  int              `json:"boardSize"`
	MaxPlayers int              `json:"maxPlayers"`
	Status     string           `json:"status"`
	MatchID    *string          `json:"matchId"`
	Settings   RoomSettingsView `json:"settings"`
	ExpiresAt  time.Time        `json:"expiresAt"`
	CreatedAt  time.Time        `json:"createdAt"`
}

type MatchPlayerView struct {
	Player domain.PlayerRef `json:"player"`
	Symbol string           `json:"symbol"`
}

type MoveView struct {
	X         int       `json:"x"`
	Y         int       `json:"y"`
	PlayerID  string    `json:"playerId"`
	Timestamp time.Time `json:"timestamp"`
}

type MatchView struct {
	MatchID     string            `json:"matchId"`
	RoomCode    string            `json:"roomCode"`
	Players     []MatchPlayerView `json:"players"`
	BoardSize   int               `json:"boardSize"`
	History     []MoveView        `json:"history"`
	Result      string            `json:"result"`
	Winner      *string           `json:"winner"`
	Termination string            `json:"termination,omitempty"`
	NextSymbol  string            `json:"nextSymbol,omitempty"`
	StartTime   time.Time         `json:"startTime"`
	EndTime     *time.Time        `json:"endTime,omitempty"`
}

type ConnectedPayload struct {
	ConnectionID string             `json:"connectionId"`
	User         domain.UserSummary `json:"user"`
}

type RoomPayload struct {
	Room RoomView `json:"room"`
}

type RoomJoinedPayload struct {
	Room          RoomView `json:"room"`
	AlreadyJoined bool     `json:"alreadyJoined,omitempty"`
}

type RoomLeftPayload struct {
	RoomCode string `json:"roomCode"`
}

type RoomStartedPayload struct {
	Room  RoomView  `json:"room"`
	Match MatchView `json:"match"`
}

type MatchPayload struct {
	Match MatchView `json:"match"`
}

type MoveMadePayload struct {
	Match  MatchView `json:"match"`
	Move   MoveView  `json:"move"`
	IsWin  bool      `json:"isWin"`
	IsDraw bool      `json:"isDraw"`
}

type RoomsListedPayload struct {
	Rooms []RoomView `json:"rooms"`
}

type MatchesListedPayload struct {
	Matches []MatchView `json:"matches"`
}

// Resolver turns a user id into a PlayerRef, resolving it when the user is
// known to the server.
type Resolver func(userID string) domain.PlayerRef

func unresolved(id string) domain.PlayerRef { return domain.Unresolved(id) }

func NewRoomView(r *domain.Room, resolve Resolver) RoomView {
	if resolve == nil {
		resolve = unresolved
	}
	v := RoomView{
		RoomCode:   r.Code,
		Host:       resolve(r.HostID),
		Players:    make([]RoomPlayerView, 0, len(r.Players)),
		BoardSize:  r.BoardSize,
		MaxPlayers: r.MaxPlayers,
		Status:     string(r.Status),
		Settings:   RoomSettingsView{IsPrivate: r.Settings.IsPrivate, AllowSpectators: r.Settings.AllowSpectators},
		ExpiresAt:  r.ExpiresAt,
		CreatedAt:  r.CreatedAt,
	}
	if r.MatchID != "" {
		id := r.MatchID
		v.MatchID = &id
	}
	for _, p := range r.Players {
		v.Players = append(v.Players, RoomPlayerView{Player: resolve(p.UserID), JoinedAt: p.JoinedAt})
	}
	return v
}

func NewMoveView(m domain.Move) MoveView {
	return MoveView{X: m.X, Y: m.Y, PlayerID: m.PlayerID, Timestamp: m.Timestamp}
}

func NewMatchView(m *domain.Match, resolve Resolver) MatchView {
	if resolve == nil {
		resolve = unresolved
	}
	v := MatchView{
		MatchID:     m.ID,
		RoomCode:    m.RoomCode,
		Players:     make([]MatchPlayerView, 0, len(m.Players)),
		BoardSize:   m.BoardSize,
		History:     make([]MoveView, 0, len(m.History)),
		Result:      string(m.Result),
		Termination: string(m.Termination),
		StartTime:   m.StartTime,
		EndTime:     m.EndTime,
	}
	if m.Winner != "" {
		w := m.Winner
		v.Winner = &w
	}
	if !m.IsOver() {
		v.NextSymbol = string(m.NextSymbol())
	}
	for _, p := range m.Players {
		v.Players = append(v.Players, MatchPlayerView{Player: resolve(p.UserID), Symbol: string(p.Symbol)})
	}
	for _, mv := range m.History {
		v.History = append(v.History, NewMoveView(mv))
	}
	return v
}
