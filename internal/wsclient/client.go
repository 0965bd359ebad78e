// Package wsclient is a reconnecting websocket client for the Caro gateway.
// It backs the smoke tool and the gateway end-to-end tests.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/Cheese-Caro/internal/obslog"
	"github.com/park285/Cheese-Caro/pkg/carodto"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

type (
	MessageCallback func(env carodto.Envelope)
	StateCallback   func(state State)
	// HeaderProvider is consulted on every handshake, so a refreshed token is
	// picked up by reconnects.
	HeaderProvider func() map[string]string
)

var ErrNotConnected = errors.New("wsclient: not connected")

// HandshakeError reports an upgrade the server refused with an HTTP status.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("wsclient: handshake rejected with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

type callbackEntry[T any] struct {
	id int
	cb T
}

type Option func(*Client)

// WithReconnect sets how many redial attempts follow a dropped connection.
// Zero disables reconnecting.
func WithReconnect(maxAttempts int) Option {
	return func(c *Client) { c.maxReconnectAttempts = maxAttempts }
}

func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(c *Client) { c.headers = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

type Client struct {
	url string

	connM sync.Mutex
	conn  *websocket.Conn

	stateM sync.RWMutex
	state  State

	cbM      sync.RWMutex
	nextCbID int
	msgCbs   []callbackEntry[MessageCallback]
	stateCbs []callbackEntry[StateCallback]

	maxReconnectAttempts int
	pingInterval         time.Duration
	headers              HeaderProvider
	log                  *zap.Logger

	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:          url,
		state:        StateDisconnected,
		pingInterval: 30 * time.Second,
		log:          obslog.L(),
		stopCh:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())
	return c
}

// Connect dials once. A refused handshake is returned as *HandshakeError and
// is not retried; other dial failures schedule reconnects when enabled.
func (c *Client) Connect(ctx context.Context) error {
	switch c.State() {
	case StateConnected, StateConnecting:
		return nil
	}
	c.setState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		var he *HandshakeError
		if errors.As(err, &he) || c.maxReconnectAttempts <= 0 {
			c.setState(StateFailed)
			return err
		}
		c.scheduleReconnect()
		return err
	}
	c.attach(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, resp, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      c.buildHeaders(),
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols && resp.StatusCode != 0 {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.connM.Lock()
	c.conn = conn
	c.connM.Unlock()
	c.setState(StateConnected)

	c.wg.Add(2)
	go c.listen(conn)
	go c.pingLoop(conn)
}

func (c *Client) current() *websocket.Conn {
	c.connM.Lock()
	defer c.connM.Unlock()
	return c.conn
}

// Send writes one envelope on the current connection.
func (c *Client) Send(ctx context.Context, env carodto.Envelope) error {
	conn := c.current()
	if conn == nil || c.State() != StateConnected {
		return ErrNotConnected
	}
	return wsjson.Write(ctx, conn, env)
}

// SendEvent builds and sends an envelope in one step.
func (c *Client) SendEvent(ctx context.Context, eventType, requestID string, payload any) error {
	env, err := carodto.NewEnvelope(eventType, requestID, payload)
	if err != nil {
		return err
	}
	return c.Send(ctx, env)
}

func (c *Client) listen(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		var env carodto.Envelope
		if err := wsjson.Read(c.rootCtx, conn, &env); err != nil {
			if c.isStopping() {
				return
			}
			c.log.Debug("wsclient_read_failed", zap.Error(err))
			c.drop(conn, websocket.StatusGoingAway, "reconnect")
			return
		}

		c.cbM.RLock()
		callbacks := make([]callbackEntry[MessageCallback], len(c.msgCbs))
		copy(callbacks, c.msgCbs)
		c.cbM.RUnlock()
		for _, entry := range callbacks {
			entry.cb(env)
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.rootCtx.Done():
			return
		case <-t.C:
			if c.current() != conn {
				return
			}
			ctx, cancel := context.WithTimeout(c.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				if !c.isStopping() {
					c.drop(conn, websocket.StatusGoingAway, "ping failure")
				}
				return
			}
		}
	}
}

// drop retires conn once; only the goroutine that clears it reconnects.
func (c *Client) drop(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	c.connM.Lock()
	if c.conn != conn {
		c.connM.Unlock()
		return
	}
	c.conn = nil
	c.connM.Unlock()
	_ = conn.Close(code, reason)
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	if c.maxReconnectAttempts <= 0 || c.isStopping() {
		return
	}
	c.setState(StateReconnecting)

	go func() {
		for attempt := 1; attempt <= c.maxReconnectAttempts; attempt++ {
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}
			conn, err := c.dial(c.rootCtx)
			if err != nil {
				c.log.Debug("wsclient_redial_failed", zap.Int("attempt", attempt), zap.Error(err))
				var he *HandshakeError
				if errors.As(err, &he) {
					break
				}
				continue
			}
			if c.isStopping() {
				_ = conn.Close(websocket.StatusNormalClosure, "close")
				return
			}
			c.attach(conn)
			return
		}
		c.setState(StateFailed)
	}()
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func (c *Client) OnMessage(cb MessageCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.msgCbs = append(c.msgCbs, callbackEntry[MessageCallback]{id: c.nextCbID, cb: cb})
	return c.nextCbID
}

func (c *Client) RemoveMessageCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, e := range c.msgCbs {
		if e.id == id {
			c.msgCbs = append(c.msgCbs[:i], c.msgCbs[i+1:]...)
			return
		}
	}
}

func (c *Client) OnStateChange(cb StateCallback) int {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	c.nextCbID++
	c.stateCbs = append(c.stateCbs, callbackEntry[StateCallback]{id: c.nextCbID, cb: cb})
	return c.nextCbID
}

func (c *Client) RemoveStateCallback(id int) {
	c.cbM.Lock()
	defer c.cbM.Unlock()
	for i, e := range c.stateCbs {
		if e.id == id {
			c.stateCbs = append(c.stateCbs[:i], c.stateCbs[i+1:]...)
			return
		}
	}
}

func (c *Client) State() State {
	c.stateM.RLock()
	defer c.stateM.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.stateM.Lock()
	c.state = s
	c.stateM.Unlock()

	c.cbM.RLock()
	callbacks := make([]callbackEntry[StateCallback], len(c.stateCbs))
	copy(callbacks, c.stateCbs)
	c.cbM.RUnlock()
	for _, e := range callbacks {
		e.cb(s)
	}
}

// Close stops reconnecting, closes the connection and waits for the
// background goroutines or ctx, whichever comes first.
func (c *Client) Close(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.connM.Lock()
	conn := c.conn
	c.conn = nil
	c.connM.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		c.rootCancel()
		return ctx.Err()
	case <-done:
		c.rootCancel()
		c.setState(StateDisconnected)
		return nil
	}
}

func (c *Client) isStopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Client) buildHeaders() http.Header {
	hdr := http.Header{}
	if c.headers == nil {
		return hdr
	}
	for k, v := range c.headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}

// BearerHeaders is a HeaderProvider for a fixed token.
func BearerHeaders(token string) HeaderProvider {
	return func() map[string]string {
		return map[string]string{"Authorization": "Bearer " + token}
	}
}
