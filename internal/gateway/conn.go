// Package gateway is the websocket edge of the relay: it upgrades
// connections, decodes JSON event frames, and dispatches them to the
// session registry, the transfer engine, the image cache, the game
// manager, and the AI service. Protocol errors are answered on the
// same connection and never tear it down.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by Send after the connection is closed.
var ErrConnClosed = errors.New("gateway: connection closed")

// envelope is the wire frame: {"event": "...", "data": {...}}.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// outEnvelope is the outgoing frame shape.
type outEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Conn wraps a websocket connection with a write lock so handler
// goroutines, sweep loops, and game timers can all send safely.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *Conn {
	return &Conn{ws: ws, writeTimeout: writeTimeout, logger: logger}
}

// Send emits one event frame as websocket text. Implements
// session.Sender.
func (c *Conn) Send(event string, data any) error {
	payload, err := json.Marshal(outEnvelope{Event: event, Data: data})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.Debug("send failed", "event", event, "error", err)
		return err
	}
	return nil
}

// Close shuts the underlying websocket. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}
