package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
)

var errConnClosed = errors.New("realtime: connection closed")

type wsConn struct {
	id        string
	conn      *websocket.Conn
	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// WebSocketTransport serves the realtime channel over WebSocket. Each
// connection has its own write pump; Send only queues.
type WebSocketTransport struct {
	channel    *Channel
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	sendBuffer int
	pingPeriod time.Duration

	mu    sync.RWMutex
	conns map[string]*wsConn
}

type WebSocketOption func(*WebSocketTransport)

// WithCheckOrigin overrides the same-origin check done on upgrade.
func WithCheckOrigin(check func(r *http.Request) bool) WebSocketOption {
	return func(t *WebSocketTransport) { t.upgrader.CheckOrigin = check }
}

func WithSendBuffer(n int) WebSocketOption {
	return func(t *WebSocketTransport) {
		if n > 0 {
			t.sendBuffer = n
		}
	}
}

func WithPingPeriod(d time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		if d > 0 && d < pongWait {
			t.pingPeriod = d
		}
	}
}

func WithTransportLogger(logger *slog.Logger) WebSocketOption {
	return func(t *WebSocketTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func NewWebSocketTransport(channel *Channel, opts ...WebSocketOption) (*WebSocketTransport, error) {
	if channel == nil {
		return nil, errors.New("channel is required")
	}
	t := &WebSocketTransport{
		channel: channel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:     slog.Default(),
		sendBuffer: 64,
		pingPeriod: pingPeriod,
		conns:      make(map[string]*wsConn),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *WebSocketTransport) Name() string { return "websocket" }

func (t *WebSocketTransport) Send(ctx context.Context, sessionID string, msg Message) error {
	t.mu.RLock()
	c, ok := t.conns[sessionID]
	t.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSession drops the connection backing sessionID, if any.
func (t *WebSocketTransport) CloseSession(sessionID, reason string) {
	t.mu.RLock()
	c, ok := t.conns[sessionID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	t.logger.Debug("closing realtime connection", "component", "realtime", "session_id", sessionID, "reason", reason)
	c.close()
}

// Close drops every open connection.
func (t *WebSocketTransport) Close() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.conns {
		c.close()
	}
}

// ServeHTTP upgrades the request and runs the connection until the client
// goes away. A "session" query parameter names a prior session to resume.
func (t *WebSocketTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("websocket upgrade failed", "component", "realtime", "error", err)
		return
	}
	ctx := context.WithoutCancel(r.Context())
	c := &wsConn{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, t.sendBuffer),
		done: make(chan struct{}),
	}
	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		t.writePump(c)
	}()

	reason := "client closed"
	if _, err := t.channel.OnConnect(ctx, c.id, r.URL.Query().Get("session"), t); err != nil {
		t.logger.Warn("realtime connect failed", "component", "realtime", "session_id", c.id, "error", err)
		reason = "connect failed"
	} else {
		reason = t.readPump(ctx, c)
	}

	c.close()
	<-pumpDone
	t.mu.Lock()
	delete(t.conns, c.id)
	t.mu.Unlock()
	t.channel.OnDisconnect(ctx, c.id, reason)
}

func (t *WebSocketTransport) readPump(ctx context.Context, c *wsConn) string {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.logger.Debug("realtime read failed", "component", "realtime", "session_id", c.id, "error", err)
				return "connection error"
			}
			return "client closed"
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := t.channel.HandleInbound(ctx, c.id, data); err != nil {
			if errors.Is(err, ErrUnknownSession) {
				return "session purged"
			}
			t.logger.Debug("realtime inbound failed", "component", "realtime", "session_id", c.id, "error", err)
		}
	}
}

func (t *WebSocketTransport) writePump(c *wsConn) {
	ticker := time.NewTicker(t.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				t.logger.Debug("realtime write failed", "component", "realtime", "session_id", c.id, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}
