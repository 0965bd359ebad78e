// Package gateway is the realtime edge: it authenticates websocket
// connections, validates inbound events, calls the coordinator and fans the
// results out to room and match channels.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/park285/Cheese-Caro/internal/apperr"
	"github.com/park285/Cheese-Caro/internal/coordinator"
	"github.com/park285/Cheese-Caro/internal/domain"
	"github.com/park285/Cheese-Caro/internal/identity"
	"github.com/park285/Cheese-Caro/internal/matchstore"
	"github.com/park285/Cheese-Caro/internal/msgcat"
	"github.com/park285/Cheese-Caro/internal/obslog"
	"github.com/park285/Cheese-Caro/pkg/carodto"
)

const cleanupTimeout = 5 * time.Second

// Coordinator is the subset of *coordinator.Coordinator the gateway drives.
type Coordinator interface {
	CreateRoom(ctx context.Context, hostID string, p coordinator.CreateRoomParams) (*domain.Room, error)
	JoinRoom(ctx context.Context, code, userID string) (*domain.Room, error)
	LeaveRoom(ctx context.Context, code, userID string) (*coordinator.LeaveResult, error)
	StartMatch(ctx context.Context, code, requesterID string) (*domain.Room, *domain.Match, error)
	Rematch(ctx context.Context, code, requesterID string) (*domain.Room, error)
	MakeMove(ctx context.Context, matchID string, x, y int, playerID string) (*matchstore.MoveResult, error)
	EndMatch(ctx context.Context, matchID, requesterID string) (*domain.Match, error)
	GetMatch(ctx context.Context, matchID string) (*domain.Match, error)
	GetUserMatches(ctx context.Context, userID string, limit int) ([]*domain.Match, error)
	GetRoom(ctx context.Context, code string) (*domain.Room, error)
	ListRooms(ctx context.Context) ([]*domain.Room, error)
}

type Options struct {
	AllowedOrigins []string
	Messages       *msgcat.Catalog
	Logger         *zap.Logger
}

type Gateway struct {
	coord    Coordinator
	auth     identity.Resolver
	reg      *Registry
	locks    *keyedMutex
	msgs     *msgcat.Catalog
	log      *zap.Logger
	origins  map[string]bool
	handlers map[string]handlerFunc
}

type handlerFunc func(ctx context.Context, c Conn, env carodto.Envelope) error

func New(coord Coordinator, auth identity.Resolver, opts Options) *Gateway {
	g := &Gateway{
		coord:   coord,
		auth:    auth,
		reg:     NewRegistry(),
		locks:   newKeyedMutex(),
		msgs:    opts.Messages,
		log:     opts.Logger,
		origins: make(map[string]bool),
	}
	if g.log == nil {
		g.log = obslog.L()
	}
	for _, o := range opts.AllowedOrigins {
		if o != "" {
			g.origins[o] = true
		}
	}
	g.handlers = map[string]handlerFunc{
		carodto.EventCreateRoom: g.handleCreateRoom,
		carodto.EventJoinRoom:   g.handleJoinRoom,
		carodto.EventLeaveRoom:  g.handleLeaveRoom,
		carodto.EventStartMatch: g.handleStartMatch,
		carodto.EventRematch:    g.handleRematch,
		carodto.EventJoinMatch:  g.handleJoinMatch,
		carodto.EventMakeMove:   g.handleMakeMove,
		carodto.EventEndMatch:   g.handleEndMatch,
		carodto.EventListRooms:  g.handleListRooms,
		carodto.EventMyMatches:  g.handleMyMatches,
	}
	return g
}

func (g *Gateway) Registry() *Registry { return g.reg }

// Shutdown closes every live connection. Hijacked websocket connections are
// not tracked by http.Server.Shutdown.
func (g *Gateway) Shutdown() {
	for _, c := range g.reg.All() {
		c.Close("server shutdown")
	}
}

// Dispatch handles one inbound envelope. Failures are answered with an error
// event and never escape to the connection loop.
func (g *Gateway) Dispatch(ctx context.Context, c Conn, env carodto.Envelope) {
	h, ok := g.handlers[env.Type]
	if !ok {
		g.replyError(c, env, apperr.Validation("type", "unknown event "+env.Type))
		return
	}
	if err := g.safeCall(ctx, h, c, env); err != nil {
		g.replyError(c, env, err)
	}
}

func (g *Gateway) safeCall(ctx context.Context, h handlerFunc, c Conn, env carodto.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("gateway_handler_panic", zap.String("event", env.Type), zap.Any("panic", r))
			err = apperr.Internal("handler panic", nil)
		}
	}()
	return h(ctx, c, env)
}

func decode(env carodto.Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return apperr.Validation("payload", "malformed JSON")
	}
	return nil
}

func (g *Gateway) send(c Conn, eventType, requestID string, payload any) {
	env, err := carodto.NewEnvelope(eventType, requestID, payload)
	if err != nil {
		g.log.Error("gateway_encode_failed", zap.String("event", eventType), zap.Error(err))
		return
	}
	if err := c.Send(env); err != nil {
		g.log.Debug("gateway_send_dropped", zap.String("conn_id", c.ID()), zap.String("event", eventType), zap.Error(err))
	}
}

// publish fans payload out to channel, skipping the connection in except.
// Callers hold the channel lock so subscribers see events in commit order.
func (g *Gateway) publish(channel, eventType string, payload any, except string) {
	env, err := carodto.NewEnvelope(eventType, "", payload)
	if err != nil {
		g.log.Error("gateway_encode_failed", zap.String("event", eventType), zap.Error(err))
		return
	}
	for _, m := range g.reg.Members(channel) {
		if m.ID() == except {
			continue
		}
		if err := m.Send(env); err != nil {
			g.log.Debug("gateway_publish_dropped", zap.String("conn_id", m.ID()), zap.String("channel", channel), zap.Error(err))
		}
	}
}

func (g *Gateway) replyError(c Conn, env carodto.Envelope, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		g.log.Warn("gateway_internal_error",
			zap.String("event", env.Type),
			zap.String("conn_id", c.ID()),
			zap.String("reason", string(apperr.ReasonOf(err))),
			zap.Error(err),
		)
	}
	g.send(c, carodto.EventError, env.RequestID, g.errorPayload(env.Type, err))
}

// errorPayload renders err for clients. Internal details stay in the logs.
func (g *Gateway) errorPayload(event string, err error) carodto.ErrorPayload {
	e := apperr.As(err)
	fields := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		fields[k] = v
	}
	fallback := e.Message
	if e.Kind == apperr.KindInternal {
		fallback = "internal error"
	} else {
		fields["message"] = e.Message
	}
	return carodto.ErrorPayload{
		Event:     event,
		Kind:      string(e.Kind),
		Reason:    string(e.Reason),
		Message:   g.msgs.ErrorMessage(string(e.Reason), fields, fallback),
		Retryable: e.Retryable(),
		Metadata:  e.Metadata,
	}
}

func (g *Gateway) roomView(r *domain.Room) carodto.RoomView {
	return carodto.NewRoomView(r, g.reg.PlayerRef)
}

func (g *Gateway) matchView(m *domain.Match) carodto.MatchView {
	return carodto.NewMatchView(m, g.reg.PlayerRef)
}

func (g *Gateway) handleCreateRoom(ctx context.Context, c Conn, env carodto.Envelope) error {
	var req carodto.CreateRoomRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	if err := validateCreateRoom(req); err != nil {
		return err
	}
	room, err := g.coord.CreateRoom(ctx, c.Identity().UserID, coordinator.CreateRoomParams{
		BoardSize:       req.BoardSize,
		MaxPlayers:      req.MaxPlayers,
		IsPrivate:       req.IsPrivate,
		AllowSpectators: req.AllowSpectators,
	})
	if err != nil {
		return err
	}
	g.reg.SubscribeRoom(c.ID(), room.Code)
	g.send(c, carodto.EventRoomCreated, env.RequestID, carodto.RoomPayload{Room: g.roomView(room)})
	return nil
}

func (g *Gateway) handleJoinRoom(ctx context.Context, c Conn, env carodto.Envelope) error {
	var req carodto.RoomCodeRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	code, err := normalizeRoomCode(req.RoomCode)
	if err != nil {
		return err
	}
	unlock := g.locks.Lock(roomChannel(code))
	defer unlock()

	room, err := g.coord.JoinRoom(ctx, code, c.Identity().UserID)
	if errors.Is(err, apperr.ErrRoomAlreadyJoined) {
		room, err = g.coord.GetRoom(ctx, code)
		if err != nil {
			return err
		}
		g.reg.SubscribeRoom(c.ID(), code)
		g.send(c, carodto.EventRoomJoined, env.RequestID, carodto.RoomJoinedPayload{Room: g.roomView(room), AlreadyJoined: true})
		return nil
	}
	if err != nil {
		return err
	}
	g.reg.SubscribeRoom(c.ID(), code)
	view := g.roomView(room)
	g.send(c, carodto.EventRoomJoined, env.RequestID, carodto.RoomJoinedPayload{Room: view})
	g.publish(roomChannel(code), carodto.EventRoomUpdated, carodto.RoomPayload{Room: view}, c.ID())
	return nil
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, c Conn, env carodto.Envelope) error {
	var req carodto.RoomCodeRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	code := g.reg.RoomOf(c.ID())
	if req.RoomCode != "" {
		var err error
		if code, err = normalizeRoomCode(req.RoomCode); err != nil {
			return err
		}
	}
	if code == "" {
		return apperr.Validation("roomCode", "required")
	}
	if err := g.leave(ctx, c.Identity().UserID, code, c.ID()); err != nil {
		return err
	}
	if g.reg.RoomOf(c.ID()) == code {
		g.reg.UnsubscribeRoom(c.ID())
	}
	g.send(c, carodto.EventRoomLeft, env.RequestID, carodto.RoomLeftPayload{RoomCode: code})
	return nil
}

// leave runs the coordinator leave and publishes its effects. The forfeited
// match, if any, is announced on its channel.
func (g *Gateway) leave(ctx context.Context, userID, code, except string) error {
	unlock := g.locks.Lock(roomChannel(code))
	defer unlock()
	res, err := g.coord.LeaveRoom(ctx, code, userID)
	if err != nil {
		return err
	}
	g.publish(roomChannel(code), carodto.EventRoomUpdated, carodto.RoomPayload{Room: g.roomView(res.Room)}, except)
	if res.EndedMatch != nil {
		unlockMatch := g.locks.Lock(matchChannel(res.EndedMatch.ID))
		g.publish(matchChannel(res.EndedMatch.ID), carodto.EventMatchEnded, carodto.MatchPayload{Match: g.matchView(res.EndedMatch)}, "")
		unlockMatch()
	}
	return nil
}

func (g *Gateway) handleStartMatch(ctx context.Context, c Conn, env carodto.Envelope) error {
	var req carodto.RoomCodeRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	code, err := normalizeRoomCode(req.RoomCode)
	if err != nil {
		return err
	}
	unlock := g.locks.Lock(roomChannel(code))
	defer unlock()
	room, match, err := g.coord.StartMatch(ctx, code, c.Identity().UserID)
	if err != nil {
		return err
	}
	payload := carodto.RoomStartedPayload{Room: g.roomView(room), Match: g.matchView(match)}
	g.send(c, carodto.EventRoomStarted, env.RequestID, payload)
	g.publish(roomChannel(code), carodto.EventRoomStarted, payload, c.ID())
	return nil
}

func (g *Gateway) handleRematch(ctx context.Context, c Conn, env carodto.Envelope) error {
	var req carodto.RoomCodeRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	code, err := normalizeRoomCode(req.RoomCode)
	if err != nil {
		return err
	}
	unlock := g.locks.Lock(roomChannel(code))
	defer unlock()
	room, err := g.coord.Rematch(ctx, code, c.Identity().UserID)
	if err != nil {
		return err
	}
	payload := carodto.RoomPayload{Room: g.roomView(room)}
	g.send(c, carodto.EventRoomUpdated, env.RequestID, payload)
	g.publish(roomChannel(code), carodto.EventRoomUpdated, payload, c.ID())
	return nil
}

func (g *Gateway) handleJoinMatch(ctx context.Context, c Conn, env carodto.Envelope) error {
	var req carodto.MatchIDRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	id, err := validateMatchID(req.MatchID)
	if err != nil {
		return err
	}
	m, err := g.coord.GetMatch(ctx, id)
	if err != nil {
		return err
	}
	if !m.HasPlayer(c.Identity().UserID) {
		return apperr.ErrNotInMatch
	}
	g.reg.SubscribeMatch(c.ID(), id)
	g.send(c, carodto.EventMatchJoined, env.RequestID, carodto.MatchPayload{Match: g.matchView(m)})
	return nil
}

func (g *Gateway) handleMakeMove(ctx context.Context, c Conn, env carodto.Envelope) error {
	var req carodto.MakeMoveRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	id, err := validateMatchID(req.MatchID)
	if err != nil {
		return err
	}
	x, err := validateCoord("x", req.X)
	if err != nil {
		return err
	}
	y, err := validateCoord("y", req.Y)
	if err != nil {
		return err
	}
	unlock := g.locks.Lock(matchChannel(id))
	defer unlock()
	res, err := g.coord.MakeMove(ctx, id, x, y, c.Identity().UserID)
	if err != nil {
		return err
	}
	payload := carodto.MoveMadePayload{
		Match:  g.matchView(res.Match),
		Move:   carodto.NewMoveView(res.Match.History[len(res.Match.History)-1]),
		IsWin:  res.IsWin,
		IsDraw: res.IsDraw,
	}
	g.send(c, carodto.EventMatchMoveMade, env.RequestID, payload)
	g.publish(matchChannel(id), carodto.EventMatchMoveMade, payload, c.ID())
	switch {
	case res.IsWin:
		g.send(c, carodto.EventMatchWin, env.RequestID, payload)
		g.publish(matchChannel(id), carodto.EventMatchWin, payload, c.ID())
	case res.IsDraw:
		g.send(c, carodto.EventMatchDraw, env.RequestID, payload)
		g.publish(matchChannel(id), carodto.EventMatchDraw, payload, c.ID())
	}
	return nil
}

func (g *Gateway) handleEndMatch(ctx context.Context, c Conn, env carodto.Envelope) error {
	var req carodto.MatchIDRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	id, err := validateMatchID(req.MatchID)
	if err != nil {
		return err
	}
	unlock := g.locks.Lock(matchChannel(id))
	defer unlock()
	m, err := g.coord.EndMatch(ctx, id, c.Identity().UserID)
	if err != nil {
		return err
	}
	payload := carodto.MatchPayload{Match: g.matchView(m)}
	g.send(c, carodto.EventMatchEnded, env.RequestID, payload)
	g.publish(matchChannel(id), carodto.EventMatchEnded, payload, c.ID())
	return nil
}

func (g *Gateway) handleListRooms(ctx context.Context, c Conn, env carodto.Envelope) error {
	rooms, err := g.coord.ListRooms(ctx)
	if err != nil {
		return err
	}
	views := make([]carodto.RoomView, 0, len(rooms))
	for _, r := range rooms {
		views = append(views, g.roomView(r))
	}
	g.send(c, carodto.EventRoomsListed, env.RequestID, carodto.RoomsListedPayload{Rooms: views})
	return nil
}

func (g *Gateway) handleMyMatches(ctx context.Context, c Conn, env carodto.Envelope) error {
	var req carodto.MyMatchesRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	limit, err := validateLimit(req.Limit)
	if err != nil {
		return err
	}
	matches, err := g.coord.GetUserMatches(ctx, c.Identity().UserID, limit)
	if err != nil {
		return err
	}
	views := make([]carodto.MatchView, 0, len(matches))
	for _, m := range matches {
		views = append(views, g.matchView(m))
	}
	g.send(c, carodto.EventMatchesListed, env.RequestID, carodto.MatchesListedPayload{Matches: views})
	return nil
}

// Connect registers c and greets it.
func (g *Gateway) Connect(c Conn) error {
	if err := g.reg.Add(c); err != nil {
		return err
	}
	id := c.Identity()
	g.log.Info("gateway_connect", zap.String("conn_id", c.ID()), zap.String("user_id", id.UserID))
	g.send(c, carodto.EventConnected, "", carodto.ConnectedPayload{
		ConnectionID: c.ID(),
		User:         domain.UserSummary{UserID: id.UserID, DisplayName: id.DisplayName, IsGuest: id.IsGuest},
	})
	return nil
}

// Disconnect unregisters c. A player whose last connection to a room goes
// away leaves it; failures are logged and never reach the closed connection.
func (g *Gateway) Disconnect(c Conn) {
	room, _, ok := g.reg.Remove(c.ID())
	if !ok {
		return
	}
	userID := c.Identity().UserID
	g.log.Info("gateway_disconnect", zap.String("conn_id", c.ID()), zap.String("user_id", userID), zap.String("room_code", room))
	if room == "" || g.reg.UserSubscribed(userID, roomChannel(room)) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	err := g.leave(ctx, userID, room, "")
	switch {
	case err == nil:
		g.log.Info("gateway_disconnect_leave", zap.String("user_id", userID), zap.String("room_code", room))
	case errors.Is(err, apperr.ErrNotInRoom), errors.Is(err, apperr.ErrRoomNotFound):
		g.log.Debug("gateway_disconnect_leave_skipped", zap.String("user_id", userID), zap.String("room_code", room), zap.String("reason", string(apperr.ReasonOf(err))))
	default:
		g.log.Warn("gateway_disconnect_leave_failed", zap.String("user_id", userID), zap.String("room_code", room), zap.Error(err))
	}
}

// MatchEnded announces a match finished outside a client request, such as by
// the sweeper.
func (g *Gateway) MatchEnded(m *domain.Match) {
	unlock := g.locks.Lock(matchChannel(m.ID))
	defer unlock()
	g.publish(matchChannel(m.ID), carodto.EventMatchEnded, carodto.MatchPayload{Match: g.matchView(m)}, "")
}

// RoomClosed announces a room closed or deleted outside a client request and
// drops every subscription to it.
func (g *Gateway) RoomClosed(r *domain.Room) {
	unlock := g.locks.Lock(roomChannel(r.Code))
	defer unlock()
	g.publish(roomChannel(r.Code), carodto.EventRoomUpdated, carodto.RoomPayload{Room: g.roomView(r)}, "")
	if n := g.reg.DropRoom(r.Code); n > 0 {
		g.log.Info("gateway_room_dropped", zap.String("room_code", r.Code), zap.Int("subscribers", n))
	}
}
