package gateway

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/park285/Cheese-Caro/internal/apperr"
	"github.com/park285/Cheese-Caro/internal/domain"
	"github.com/park285/Cheese-Caro/pkg/carodto"
)

const maxListLimit = 50

var roomCodePattern = regexp.MustCompile(`^[A-Z0-9]{4,10}$`)

func normalizeRoomCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !roomCodePattern.MatchString(code) {
		return "", apperr.Validation("roomCode", "must be 4-10 characters of A-Z and 0-9")
	}
	return code, nil
}

func validateMatchID(id string) (string, error) {
	id = strings.TrimSpace(id)
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", apperr.Validation("matchId", "must be a UUID")
	}
	return parsed.String(), nil
}

func validateCoord(field string, v *int) (int, error) {
	if v == nil {
		return 0, apperr.Validation(field, "required")
	}
	if *v < 0 || *v >= domain.MaxBoardSize {
		return 0, apperr.Validation(field, "out of range")
	}
	return *v, nil
}

func validateCreateRoom(req carodto.CreateRoomRequest) error {
	if req.BoardSize != 0 && (req.BoardSize < domain.MinBoardSize || req.BoardSize > domain.MaxBoardSize) {
		return apperr.Validation("boardSize", "must be between 10 and 20")
	}
	if req.MaxPlayers != 0 && req.MaxPlayers != domain.MaxPlayers {
		return apperr.Validation("maxPlayers", "must be 2")
	}
	return nil
}

func validateLimit(limit int) (int, error) {
	if limit < 0 || limit > maxListLimit {
		return 0, apperr.Validation("limit", "must be between 0 and 50")
	}
	return limit, nil
}
