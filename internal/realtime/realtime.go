// Package realtime maintains the WebSocket channel that streams
// server-computed scores for a session. The client never reconnects on
// its own: after a drop the caller falls back to local scoring and
// decides when to dial again.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lovesync/pulse/internal/telemetry"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 10 * time.Second

	// readTimeout bounds how long we wait for any frame; pongs extend it.
	readTimeout = 60 * time.Second
)

// Client is a score-stream subscriber for a single session. Zero value is
// not usable; call New.
type Client struct {
	baseURL string
	log     *log.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed chan struct{}

	connected atomic.Bool
}

// New creates a Client dialing endpoints relative to baseURL, which is the
// same http(s) base used by the REST client.
func New(baseURL string, logger *log.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     logger,
	}
}

// Connect dials the score stream for sessionID and starts a reader
// goroutine that invokes onScore for each update. It replaces any
// previous connection. The reader exits, and Connected flips to false,
// when the peer closes or the read deadline lapses without a pong.
func (c *Client) Connect(ctx context.Context, sessionID string, onScore func(telemetry.InterestScore)) error {
	target, err := c.wsURL("/v1/score/ws/" + sessionID)
	if err != nil {
		return fmt.Errorf("realtime: building stream URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("realtime: dialing %s: %w", target, err)
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.closed = make(chan struct{})
	closed := c.closed
	c.mu.Unlock()

	c.connected.Store(true)
	go c.readLoop(conn, closed, onScore)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, closed chan struct{}, onScore func(telemetry.InterestScore)) {
	defer func() {
		c.connected.Store(false)
		conn.Close()
		close(closed)
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Printf("realtime: stream closed: %v", err)
			}
			return
		}
		var score telemetry.InterestScore
		if err := json.Unmarshal(data, &score); err != nil {
			c.log.Printf("realtime: discarding malformed score frame: %v", err)
			continue
		}
		if onScore != nil {
			onScore(score)
		}
	}
}

// Ping sends a control ping so the server keeps the stream alive.
func (c *Client) Ping() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		return fmt.Errorf("realtime: not connected")
	}
	return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Connected reports whether the stream is currently up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close tears down the stream and waits for the reader to exit. Safe to
// call repeatedly and on a never-connected Client.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.conn = nil
	c.closed = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(writeTimeout)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	conn.Close()
	if closed != nil {
		<-closed
	}
	return nil
}

// wsURL rewrites the http(s) base to its ws(s) counterpart and appends path.
func (c *Client) wsURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
