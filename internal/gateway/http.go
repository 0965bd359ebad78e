package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/Cheese-Caro/internal/apperr"
	"github.com/park285/Cheese-Caro/internal/identity"
	"github.com/park285/Cheese-Caro/pkg/carodto"
)

const identityKey = "caro.identity"

var kindStatus = map[apperr.Kind]int{
	apperr.KindNotFound:     http.StatusNotFound,
	apperr.KindExpired:      http.StatusGone,
	apperr.KindConflict:     http.StatusConflict,
	apperr.KindForbidden:    http.StatusForbidden,
	apperr.KindInvalidMove:  http.StatusUnprocessableEntity,
	apperr.KindNotYourTurn:  http.StatusConflict,
	apperr.KindAlreadyEnded: http.StatusConflict,
	apperr.KindValidation:   http.StatusBadRequest,
	apperr.KindUnauthorized: http.StatusUnauthorized,
	apperr.KindInternal:     http.StatusInternalServerError,
}

func statusFor(k apperr.Kind) int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// NewRouter mounts the websocket endpoint and the read-only REST views. Room
// views are public like the lobby; match views need a participant's token.
func (g *Gateway) NewRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": g.reg.Len()})
	})
	r.GET("/ws", g.HandleWS)

	api := r.Group("/api")
	api.GET("/rooms", g.listRoomsHandler)
	api.GET("/rooms/:code", g.getRoomHandler)
	api.GET("/matches/:id", g.requireIdentity("get-match"), g.getMatchHandler)
	return r
}

func (g *Gateway) abortError(c *gin.Context, event string, err error) {
	if apperr.KindOf(err) == apperr.KindInternal {
		g.log.Warn("gateway_http_error", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(statusFor(apperr.KindOf(err)), g.errorPayload(event, err))
}

// authenticate resolves the caller's bearer token.
func (g *Gateway) authenticate(r *http.Request) (identity.Identity, error) {
	who, err := g.auth.Verify(r.Context(), bearerToken(r))
	if err != nil && apperr.KindOf(err) != apperr.KindUnauthorized {
		g.log.Warn("gateway_auth_failed", zap.Error(err))
	}
	return who, err
}

// requireIdentity rejects unauthenticated requests and stores the caller's
// identity on the context.
func (g *Gateway) requireIdentity(event string) gin.HandlerFunc {
	return func(c *gin.Context) {
		who, err := g.authenticate(c.Request)
		if err != nil {
			g.abortError(c, event, err)
			return
		}
		c.Set(identityKey, who)
		c.Next()
	}
}

func (g *Gateway) listRoomsHandler(c *gin.Context) {
	rooms, err := g.coord.ListRooms(c.Request.Context())
	if err != nil {
		g.abortError(c, carodto.EventListRooms, err)
		return
	}
	views := make([]carodto.RoomView, 0, len(rooms))
	for _, r := range rooms {
		views = append(views, g.roomView(r))
	}
	c.JSON(http.StatusOK, carodto.RoomsListedPayload{Rooms: views})
}

func (g *Gateway) getRoomHandler(c *gin.Context) {
	code, err := normalizeRoomCode(c.Param("code"))
	if err != nil {
		g.abortError(c, "get-room", err)
		return
	}
	room, err := g.coord.GetRoom(c.Request.Context(), code)
	if err != nil {
		g.abortError(c, "get-room", err)
		return
	}
	c.JSON(http.StatusOK, carodto.RoomPayload{Room: g.roomView(room)})
}

func (g *Gateway) getMatchHandler(c *gin.Context) {
	id, err := validateMatchID(c.Param("id"))
	if err != nil {
		g.abortError(c, "get-match", err)
		return
	}
	m, err := g.coord.GetMatch(c.Request.Context(), id)
	if err != nil {
		g.abortError(c, "get-match", err)
		return
	}
	who := c.MustGet(identityKey).(identity.Identity)
	if !m.HasPlayer(who.UserID) {
		g.abortError(c, "get-match", apperr.ErrNotInMatch)
		return
	}
	c.JSON(http.StatusOK, carodto.MatchPayload{Match: g.matchView(m)})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// originAllowed accepts requests without an Origin header (non-browser
// clients), same-host origins and anything on the allow-list.
func (g *Gateway) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || g.origins["*"] || g.origins[origin] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// HandleWS authenticates the upgrade request, then serves the connection
// until either side closes it.
func (g *Gateway) HandleWS(c *gin.Context) {
	if !g.originAllowed(c.Request) {
		g.abortError(c, "connect", apperr.New(apperr.ReasonUnauthenticated, "origin not allowed"))
		return
	}
	who, err := g.authenticate(c.Request)
	if err != nil {
		g.abortError(c, "connect", err)
		return
	}

	ws, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		g.log.Debug("gateway_accept_failed", zap.Error(err))
		return
	}

	conn := newWSConn(ws, who, g.log)
	if err := g.Connect(conn); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "registration failed")
		return
	}
	defer g.Disconnect(conn)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writeLoop(ctx)
	}()
	defer func() {
		conn.Close("read closed")
		<-writerDone
	}()
	conn.readLoop(ctx,
		func(ctx context.Context, env carodto.Envelope) { g.Dispatch(ctx, conn, env) },
		func() {
			g.replyError(conn, carodto.Envelope{}, apperr.Validation("payload", "malformed JSON"))
		},
	)
}
