package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 30 * time.Second
	wsCloseWait  = time.Second
)

// WebSocketListener serves a WebSocket endpoint and turns every upgraded
// connection into a Channel.
type WebSocketListener struct {
	server         *http.Server
	ln             net.Listener
	path           string
	maxMessageSize int
	upgrader       websocket.Upgrader

	incoming  chan Channel
	closed    chan struct{}
	closeOnce sync.Once
}

// ListenWebSocket starts serving WebSocket upgrades on addr at path.
func ListenWebSocket(addr, path string, maxMessageSize int) (*WebSocketListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	l := &WebSocketListener{
		ln:             ln,
		path:           path,
		maxMessageSize: maxMessageSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Controllers are not browsers; there is no origin to check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		incoming: make(chan Channel),
		closed:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"component": "transport",
				"addr":      addr,
				"error":     err.Error(),
			}).Error("WebSocket server stopped")
		}
	}()

	return l, nil
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		logrus.WithFields(logrus.Fields{
			"component": "transport",
			"remote":    r.RemoteAddr,
			"error":     err.Error(),
		}).Warn("WebSocket upgrade failed")
		return
	}

	ch := newWSChannel(conn, l.maxMessageSize)
	select {
	case l.incoming <- ch:
	case <-l.closed:
		ch.Close()
	}
}

// Accept waits for the next upgraded connection.
func (l *WebSocketListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case ch := <-l.incoming:
		return ch, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the HTTP server. Accepted channels stay open.
func (l *WebSocketListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.server.Close()
	})
	return err
}

// Addr returns the WebSocket URL controllers dial.
func (l *WebSocketListener) Addr() string {
	return "ws://" + l.ln.Addr().String() + l.path
}

// WebSocketDialer connects to a WebSocketListener.
type WebSocketDialer struct {
	Path           string
	MaxMessageSize int
}

var wsDialer = websocket.Dialer{
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   64 * 1024,
	WriteBufferSize:  64 * 1024,
}

// Dial connects to target, either a ws:// or wss:// URL or a host:port
// address that is combined with the dialer's path.
func (d *WebSocketDialer) Dial(ctx context.Context, target string) (Channel, error) {
	url := target
	if !strings.HasPrefix(target, "ws://") && !strings.HasPrefix(target, "wss://") {
		url = "ws://" + target + d.Path
	}

	conn, resp, err := wsDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	return newWSChannel(conn, d.MaxMessageSize), nil
}

// wsChannel adapts a WebSocket connection to Channel, one binary message per
// channel message.
type wsChannel struct {
	id             string
	conn           *websocket.Conn
	maxMessageSize int
	writeMu        sync.Mutex

	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn, maxMessageSize int) *wsChannel {
	c := &wsChannel{
		id:             uuid.NewString(),
		conn:           conn,
		maxMessageSize: maxMessageSize,
		incoming:       make(chan []byte),
		closed:         make(chan struct{}),
	}

	if maxMessageSize > 0 {
		conn.SetReadLimit(int64(maxMessageSize))
	}
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *wsChannel) readLoop() {
	defer c.shutdown()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithFields(logrus.Fields{
					"component": "transport",
					"channel":   c.id,
					"error":     err.Error(),
				}).Debug("WebSocket read error")
			}
			return
		}
		if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
			continue
		}

		select {
		case c.incoming <- message:
		case <-c.closed:
			return
		}
	}
}

func (c *wsChannel) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *wsChannel) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if c.maxMessageSize > 0 && len(msg) > c.maxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(msg))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		c.shutdown()
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.incoming:
		return msg, nil
	case <-c.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *wsChannel) Close() error {
	// WriteControl may run concurrently with an in-flight Send.
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsCloseWait))
	c.shutdown()
	return nil
}

func (c *wsChannel) ID() string {
	return c.id
}

// shutdown closes the connection once; the read loop then exits.
func (c *wsChannel) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}
