// Package carodto defines the websocket wire format: the envelope, the event
// names and the payloads exchanged with clients.
package carodto

import "encoding/json"

// Client to server.
const (
	EventCreateRoom = "create-room"
	EventJoinRoom   = "join-room"
	EventLeaveRoom  = "leave-room"
	EventStartMatch = "start-match"
	EventRematch    = "rematch"
	EventJoinMatch  = "join-match"
	EventMakeMove   = "make-move"
	EventEndMatch   = "end-match"
	EventListRooms  = "list-rooms"
	EventMyMatches  = "my-matches"
)

// Server to client.
const (
	EventConnected     = "connected"
	EventRoomCreated   = "room-created"
	EventRoomJoined    = "room-joined"
	EventRoomUpdated   = "room-updated"
	EventRoomLeft      = "room-left"
	EventRoomStarted   = "room-started"
	EventMatchJoined   = "match-joined"
	EventMatchMoveMade = "match-move-made"
	EventMatchWin      = "match-win"
	EventMatchDraw     = "match-draw"
	EventMatchEnded    = "match-ended"
	EventRoomsListed   = "rooms-listed"
	EventMatchesListed = "matches-listed"
	EventError         = "error"
)

// Envelope frames every message in both directions. Replies echo RequestID.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(eventType, requestID string, payload any) (Envelope, error) {
	env := Envelope{Type: eventType, RequestID: requestID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}

// ErrorPayload lets clients branch on Reason; Message is for display only.
type ErrorPayload struct {
	Event     string            `json:"event"`
	Kind      string            `json:"kind"`
	Reason    string            `json:"reason"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
