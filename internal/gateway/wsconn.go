package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/Cheese-Caro/internal/identity"
	"github.com/park285/Cheese-Caro/pkg/carodto"
)

const (
	sendQueueSize = 64
	pingInterval  = 20 * time.Second
	pingTimeout   = 5 * time.Second
	writeTimeout  = 10 * time.Second
	readLimit     = 64 << 10
)

var errConnClosed = errors.New("gateway: connection closed")

// wsConn adapts a server-side websocket to Conn. Writes go through a
// bounded queue drained by one writer goroutine.
type wsConn struct {
	id   string
	who  identity.Identity
	ws   *websocket.Conn
	log  *zap.Logger
	send chan carodto.Envelope

	closeOnce sync.Once
	done      chan struct{}
	mu        sync.Mutex
	reason    string
}

func newWSConn(ws *websocket.Conn, who identity.Identity, log *zap.Logger) *wsConn {
	ws.SetReadLimit(readLimit)
	return &wsConn{
		id:   uuid.NewString(),
		who:  who,
		ws:   ws,
		log:  log,
		send: make(chan carodto.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string                  { return c.id }
func (c *wsConn) Identity() identity.Identity { return c.who }

// Send never blocks. A client that cannot keep up is disconnected.
func (c *wsConn) Send(env carodto.Envelope) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.Close("slow consumer")
		return errConnClosed
	}
}

func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wsConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// writeLoop drains the queue and keeps the peer alive with pings until the
// connection is closed from either side.
func (c *wsConn) writeLoop(ctx context.Context) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.ws.Close(websocket.StatusGoingAway, "server shutdown")
			return
		case <-c.done:
			status := websocket.StatusNormalClosure
			reason := c.closeReason()
			if reason == "slow consumer" {
				status = websocket.StatusPolicyViolation
			}
			_ = c.ws.Close(status, reason)
			return
		case env := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.ws, env)
			cancel()
			if err != nil {
				c.log.Debug("gateway_write_failed", zap.String("conn_id", c.id), zap.Error(err))
				c.Close("write failed")
				_ = c.ws.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				c.log.Debug("gateway_ping_failed", zap.String("conn_id", c.id), zap.Error(err))
				c.Close("ping failure")
				_ = c.ws.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

// readLoop decodes envelopes and hands them to dispatch in arrival order.
// Frames that are not a JSON envelope go to malformed instead.
func (c *wsConn) readLoop(ctx context.Context, dispatch func(context.Context, carodto.Envelope), malformed func()) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				c.log.Debug("gateway_read_failed", zap.String("conn_id", c.id), zap.Error(err))
			}
			c.Close("read closed")
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		var env carodto.Envelope
		if typ != websocket.MessageText || json.Unmarshal(data, &env) != nil || env.Type == "" {
			malformed()
			continue
		}
		dispatch(ctx, env)
	}
}
