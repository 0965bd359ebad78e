package domain

import "time"

const (
	MinBoardSize = 10
	MaxBoardSize = 20
	// MaxPlayers is fixed for Caro: exactly two players per room and match.
	MaxPlayers = 2
)

// Symbol is the mark a player places. Fixed per player for the life of a match.
type Symbol string

const (
	SymbolX Symbol = "X"
	SymbolO Symbol = "O"
)

// Valid reports whether s is one of the two playable symbols.
func (s Symbol) Valid() bool { return s == SymbolX || s == SymbolO }

// SymbolForPly returns the symbol expected to move after n moves were played.
func SymbolForPly(n int) Symbol {
	if n%2 == 0 {
		return SymbolX
	}
	return SymbolO
}

// RoomStatus represents the lifecycle of a room.
type RoomStatus string

const (
	RoomWaiting  RoomStatus = "waiting"
	RoomStarting RoomStatus = "starting"
	RoomInGame   RoomStatus = "in-game"
	RoomClosed   RoomStatus = "closed"
)

// Active reports whether the status still binds its players to the room.
func (s RoomStatus) Active() bool {
	return s == RoomWaiting || s == RoomStarting || s == RoomInGame
}

// MatchResult is terminal once it is not ResultOngoing.
type MatchResult string

const (
	ResultOngoing   MatchResult = "ongoing"
	ResultWinLoss   MatchResult = "win-loss"
	ResultDraw      MatchResult = "draw"
	ResultAbandoned MatchResult = "abandoned"
)

// Termination records how a match reached its terminal result.
type Termination string

const (
	TerminationFiveInRow Termination = "five_in_row"
	TerminationBoardFull Termination = "board_full"
	TerminationForfeit   Termination = "forfeit"
	TerminationStale     Termination = "stale"
	TerminationOrphaned  Termination = "orphaned"
)

type RoomPlayer struct {
	UserID   string    `json:"user_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// RoomSettings are advisory; only IsPrivate affects lobby listing.
type RoomSettings struct {
	IsPrivate       bool `json:"is_private"`
	AllowSpectators bool `json:"allow_spectators"`
}

// Room is stored as JSON under caro:room:<code>.
type Room struct {
	Code       string       `json:"code"`
	HostID     string       `json:"host_id"`
	Players    []RoomPlayer `json:"players"`
	MaxPlayers int          `json:"max_players"`
	BoardSize  int          `json:"board_size"`
	Status     RoomStatus   `json:"status"`
	MatchID    string       `json:"match_id,omitempty"`
	Settings   RoomSettings `json:"settings"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
}

func (r *Room) HasPlayer(userID string) bool {
	return r.playerIndex(userID) >= 0
}

func (r *Room) IsFull() bool { return len(r.Players) >= r.MaxPlayers }

func (r *Room) IsExpired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Listed reports whether the room belongs in the public lobby listing.
func (r *Room) Listed() bool {
	return r.Status == RoomWaiting && !r.Settings.IsPrivate && !r.IsFull()
}

// RemovePlayer drops userID and reports whether it was present. Join order of the
// remaining players is preserved.
func (r *Room) RemovePlayer(userID string) bool {
	idx := r.playerIndex(userID)
	if idx < 0 {
		return false
	}
	r.Players = append(r.Players[:idx], r.Players[idx+1:]...)
	return true
}

func (r *Room) playerIndex(userID string) int {
	for i, p := range r.Players {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

type MatchPlayer struct {
	UserID string `json:"user_id"`
	Symbol Symbol `json:"symbol"`
}

type Move struct {
	X         int       `json:"x"`
	Y         int       `json:"y"`
	PlayerID  string    `json:"player_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Match is the persisted state of one game. History is the only source of
// board state; the turn is derived from its length.
type Match struct {
	ID          string        `json:"id"`
	RoomCode    string        `json:"room_code"`
	Players     []MatchPlayer `json:"players"`
	BoardSize   int           `json:"board_size"`
	History     []Move        `json:"history"`
	Result      MatchResult   `json:"result"`
	Winner      string        `json:"winner,omitempty"`
	Termination Termination   `json:"termination,omitempty"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     *time.Time    `json:"end_time,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (m *Match) IsOver() bool { return m.Result != ResultOngoing }

// SymbolOf returns the roster symbol of userID, or "" when not a participant.
func (m *Match) SymbolOf(userID string) Symbol {
	for _, p := range m.Players {
		if p.UserID == userID {
			return p.Symbol
		}
	}
	return ""
}

// OpponentOf returns the other roster entry's user id, or "" when there is none.
func (m *Match) OpponentOf(userID string) string {
	for _, p := range m.Players {
		if p.UserID != userID {
			return p.UserID
		}
	}
	return ""
}

// NextSymbol is derived from the history length, never stored.
func (m *Match) NextSymbol() Symbol { return SymbolForPly(len(m.History)) }

// SymbolMap maps user ids to their symbols for board replay.
func (m *Match) SymbolMap() map[string]Symbol {
	out := make(map[string]Symbol, len(m.Players))
	for _, p := range m.Players {
		out[p.UserID] = p.Symbol
	}
	return out
}

func (m *Match) HasPlayer(userID string) bool { return m.SymbolOf(userID) != "" }
