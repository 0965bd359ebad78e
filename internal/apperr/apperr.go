// Package apperr carries the error taxonomy shared by the stores, the
// coordinator and the gateway.
package apperr

import (
	"errors"
	"fmt"
	"sort"
)

// Kind is the coarse class of a failure.
type Kind string

const (
	KindNotFound     Kind = "NOT_FOUND"
	KindExpired      Kind = "EXPIRED"
	KindConflict     Kind = "CONFLICT"
	KindForbidden    Kind = "FORBIDDEN"
	KindInvalidMove  Kind = "INVALID_MOVE"
	KindNotYourTurn  Kind = "NOT_YOUR_TURN"
	KindAlreadyEnded Kind = "ALREADY_ENDED"
	KindValidation   Kind = "VALIDATION_ERROR"
	KindInternal     Kind = "INTERNAL_ERROR"
	KindUnauthorized Kind = "UNAUTHORIZED"
)

// Reason is the machine string clients branch on.
type Reason string

const (
	ReasonRoomNotFound        Reason = "ROOM_NOT_FOUND"
	ReasonRoomExpired         Reason = "ROOM_EXPIRED"
	ReasonRoomNotAccepting    Reason = "ROOM_NOT_ACCEPTING_PLAYERS"
	ReasonRoomAlreadyJoined   Reason = "ROOM_ALREADY_JOINED"
	ReasonRoomFull            Reason = "ROOM_FULL"
	ReasonUserInAnotherRoom   Reason = "USER_IN_ANOTHER_ROOM"
	ReasonRoomCodeExhausted   Reason = "ROOM_CODE_EXHAUSTED"
	ReasonMatchAlreadyStarted Reason = "MATCH_ALREADY_STARTED"
	ReasonRoomNotReady        Reason = "ROOM_NOT_READY"
	ReasonMatchInProgress     Reason = "MATCH_IN_PROGRESS"
	ReasonNotHost             Reason = "NOT_HOST"
	ReasonNotInRoom           Reason = "NOT_IN_ROOM"
	ReasonMatchNotFound       Reason = "MATCH_NOT_FOUND"
	ReasonNotInMatch          Reason = "NOT_IN_MATCH"
	ReasonInvalidPlayers      Reason = "INVALID_PLAYERS"
	ReasonInvalidSymbols      Reason = "INVALID_SYMBOLS"
	ReasonInvalidMove         Reason = "INVALID_MOVE"
	ReasonNotYourTurn         Reason = "NOT_YOUR_TURN"
	ReasonMatchAlreadyEnded   Reason = "MATCH_ALREADY_ENDED"
	ReasonValidationFailed    Reason = "VALIDATION_FAILED"
	ReasonUnauthenticated     Reason = "UNAUTHENTICATED"
	ReasonStoreContention     Reason = "STORE_CONTENTION"
	ReasonInternal            Reason = "INTERNAL"
)

var reasonKinds = map[Reason]Kind{
	ReasonRoomNotFound:        KindNotFound,
	ReasonRoomExpired:         KindExpired,
	ReasonRoomNotAccepting:    KindConflict,
	ReasonRoomAlreadyJoined:   KindConflict,
	ReasonRoomFull:            KindConflict,
	ReasonUserInAnotherRoom:   KindConflict,
	ReasonRoomCodeExhausted:   KindInternal,
	ReasonMatchAlreadyStarted: KindConflict,
	ReasonRoomNotReady:        KindConflict,
	ReasonMatchInProgress:     KindConflict,
	ReasonNotHost:             KindForbidden,
	ReasonNotInRoom:           KindForbidden,
	ReasonMatchNotFound:       KindNotFound,
	ReasonNotInMatch:          KindForbidden,
	ReasonInvalidPlayers:      KindValidation,
	ReasonInvalidSymbols:      KindValidation,
	ReasonInvalidMove:         KindInvalidMove,
	ReasonNotYourTurn:         KindNotYourTurn,
	ReasonMatchAlreadyEnded:   KindAlreadyEnded,
	ReasonValidationFailed:    KindValidation,
	ReasonUnauthenticated:     KindUnauthorized,
	ReasonStoreContention:     KindInternal,
	ReasonInternal:            KindInternal,
}

// Kind returns the kind a reason belongs to.
func (r Reason) Kind() Kind {
	if k, ok := reasonKinds[r]; ok {
		return k
	}
	return KindInternal
}

// Reasons lists every known reason in lexical order.
func Reasons() []Reason {
	out := make([]Reason, 0, len(reasonKinds))
	for r := range reasonKinds {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Error is the domain error with structured metadata.
type Error struct {
	Kind     Kind
	Reason   Reason
	Message  string            // internal message for logs
	Metadata map[string]string // template values for msgcat
	Cause    error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches by reason so sentinels compare equal to enriched copies.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Reason == t.Reason
	}
	return false
}

// Retryable reports whether the same request may succeed unchanged later.
func (e *Error) Retryable() bool {
	return e.Kind == KindInternal
}

func New(reason Reason, message string) *Error {
	return &Error{Kind: reason.Kind(), Reason: reason, Message: message}
}

func WithMetadata(reason Reason, message string, metadata map[string]string) *Error {
	return &Error{Kind: reason.Kind(), Reason: reason, Message: message, Metadata: metadata}
}

func Wrap(reason Reason, message string, cause error) *Error {
	return &Error{Kind: reason.Kind(), Reason: reason, Message: message, Cause: cause}
}

// Internal wraps an infrastructure failure.
func Internal(message string, cause error) *Error {
	return Wrap(ReasonInternal, message, cause)
}

// Validation reports a malformed field at the boundary.
func Validation(field, message string) *Error {
	return WithMetadata(ReasonValidationFailed, fmt.Sprintf("%s: %s", field, message), map[string]string{"field": field})
}

// As extracts the *Error from err. Anything else becomes INTERNAL.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err.Error(), err)
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return As(err).Kind
}

func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	return As(err).Reason
}

// Sentinels, one per reason that is raised without extra context.
var (
	ErrRoomNotFound        = New(ReasonRoomNotFound, "room not found")
	ErrRoomExpired         = New(ReasonRoomExpired, "room expired")
	ErrRoomNotAccepting    = New(ReasonRoomNotAccepting, "room is not accepting players")
	ErrRoomAlreadyJoined   = New(ReasonRoomAlreadyJoined, "user already in this room")
	ErrRoomFull            = New(ReasonRoomFull, "room is full")
	ErrUserInAnotherRoom   = New(ReasonUserInAnotherRoom, "user already occupies another active room")
	ErrRoomCodeExhausted   = New(ReasonRoomCodeExhausted, "failed to allocate room code")
	ErrMatchAlreadyStarted = New(ReasonMatchAlreadyStarted, "match already started for this room")
	ErrRoomNotReady        = New(ReasonRoomNotReady, "room is not ready to start")
	ErrMatchInProgress     = New(ReasonMatchInProgress, "match still in progress")
	ErrNotHost             = New(ReasonNotHost, "only the host may do this")
	ErrNotInRoom           = New(ReasonNotInRoom, "user is not in this room")
	ErrMatchNotFound       = New(ReasonMatchNotFound, "match not found")
	ErrNotInMatch          = New(ReasonNotInMatch, "user is not a participant of this match")
	ErrInvalidPlayers      = New(ReasonInvalidPlayers, "a match needs exactly two distinct players")
	ErrInvalidSymbols      = New(ReasonInvalidSymbols, "player symbols must be exactly X and O")
	ErrInvalidMove         = New(ReasonInvalidMove, "cell out of range or occupied")
	ErrNotYourTurn         = New(ReasonNotYourTurn, "not your turn")
	ErrMatchAlreadyEnded   = New(ReasonMatchAlreadyEnded, "match already ended")
	ErrUnauthenticated     = New(ReasonUnauthenticated, "authentication failed")
	ErrStoreContention     = New(ReasonStoreContention, "store contention, retry budget exhausted")
)
