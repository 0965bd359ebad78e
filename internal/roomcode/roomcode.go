// Package roomcode generates room codes and owns the Redis keys that claim
// them. Rooms and standalone matches draw from the same code space.
package roomcode

import (
	"crypto/rand"
	"strings"
)

const (
	Length  = 6
	letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Generate returns Length upper alnum characters.
func Generate() (string, error) {
	b := make([]byte, Length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return string(b), nil
}

// RoomKey holds the room record.
func RoomKey(code string) string { return "caro:room:" + strings.TrimSpace(code) }

// ReservedKey marks a code taken by a match created outside a room.
func ReservedKey(code string) string { return "caro:code:" + strings.TrimSpace(code) }
