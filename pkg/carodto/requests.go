package carodto

type CreateRoomRequest struct {
	BoardSize       int  `json:"boardSize,omitempty"`
	MaxPlayers      int  `json:"maxPlayers,omitempty"`
	IsPrivate       bool `json:"isPrivate,omitempty"`
	AllowSpectators bool `json:"allowSpectators,omitempty"`
}

type RoomCodeRequest struct {
	RoomCode string `json:"roomCode"`
}

type MatchIDRequest struct {
	MatchID string `json:"matchId"`
}

// MakeMoveRequest uses pointers so a missing coordinate is told apart from 0.
type MakeMoveRequest struct {
	MatchID string `json:"matchId"`
	X       *int   `json:"x"`
	Y       *int   `json:"y"`
}

type MyMatchesRequest struct {
	Limit int `json:"limit,omitempty"`
}
