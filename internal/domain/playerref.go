package domain

import (
	"encoding/json"
	"errors"
	"strings"
)

// UserSummary is the presentation form of a user known to the server.
type UserSummary struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	IsGuest     bool   `json:"isGuest"`
}

// PlayerRef is either an unresolved user id or a resolved summary. Turn and
// replay logic only ever use ID.
type PlayerRef struct {
	id      string
	summary *UserSummary
}

func Unresolved(id string) PlayerRef { return PlayerRef{id: id} }

func Resolved(s UserSummary) PlayerRef {
	return PlayerRef{id: s.UserID, summary: &s}
}

func (p PlayerRef) ID() string { return p.id }

func (p PlayerRef) Summary() (UserSummary, bool) {
	if p.summary == nil {
		return UserSummary{}, false
	}
	return *p.summary, true
}

// MarshalJSON writes a bare string for unresolved refs and an object otherwise.
func (p PlayerRef) MarshalJSON() ([]byte, error) {
	if p.summary == nil {
		return json.Marshal(p.id)
	}
	return json.Marshal(p.summary)
}

func (p *PlayerRef) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "\"") {
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		*p = Unresolved(id)
		return nil
	}
	var s UserSummary
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s.UserID == "" {
		return errors.New("player ref: missing userId")
	}
	*p = Resolved(s)
	return nil
}
