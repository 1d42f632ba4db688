package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabrio/relay/internal/ai"
	"github.com/collabrio/relay/internal/game"
	"github.com/collabrio/relay/internal/imagecache"
	"github.com/collabrio/relay/internal/session"
	"github.com/collabrio/relay/internal/transfer"
)

// Config tunes the websocket edge.
type Config struct {
	ValidSchoolNumbers []string
	MaxDocumentChars   int
	PersistDebounce    time.Duration
	HeartbeatInterval  time.Duration

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

// DefaultConfig returns the production gateway settings. The read
// limit leaves room for one base64 chunk plus envelope overhead.
func DefaultConfig() Config {
	return Config{
		MaxDocumentChars:  20000,
		PersistDebounce:   5 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		ReadTimeout:       120 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    256 * 1024,
	}
}

// Metrics receives gateway activity. The server package provides a
// prometheus-backed implementation.
type Metrics interface {
	ClientConnected()
	ClientDisconnected()
	EventRelayed(event string)
	UploadCompleted(bytes int64)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) ClientConnected()            {}
func (NopMetrics) ClientDisconnected()         {}
func (NopMetrics) EventRelayed(event string)   {}
func (NopMetrics) UploadCompleted(bytes int64) {}

// Hub serves the /ws endpoint and owns all connection state.
type Hub struct {
	cfg       Config
	registry  *session.Registry
	transfers *transfer.Engine
	images    *imagecache.Cache
	games     *game.Manager
	ai        *ai.Service
	metrics   Metrics
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewHub wires the gateway to the core components. games and aiSvc may
// start nil and be attached later, before serving traffic.
func NewHub(cfg Config, registry *session.Registry, transfers *transfer.Engine,
	images *imagecache.Cache, metrics Metrics, logger *slog.Logger) *Hub {

	def := DefaultConfig()
	if cfg.MaxDocumentChars <= 0 {
		cfg.MaxDocumentChars = def.MaxDocumentChars
	}
	if cfg.PersistDebounce <= 0 {
		cfg.PersistDebounce = def.PersistDebounce
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}

	return &Hub{
		cfg:       cfg,
		registry:  registry,
		transfers: transfers,
		images:    images,
		metrics:   metrics,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetGameManager attaches the drawing-game manager.
func (h *Hub) SetGameManager(m *game.Manager) { h.games = m }

// SetAIService attaches the AI completion service.
func (h *Hub) SetAIService(s *ai.Service) { h.ai = s }

// ServeHTTP upgrades the request and runs the connection's read loop
// until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(h.cfg.MaxMessageSize)

	c := &client{
		hub:  h,
		conn: newConn(ws, h.cfg.WriteTimeout, h.logger),
	}
	h.metrics.ClientConnected()
	h.logger.Info("client connected", "remote", r.RemoteAddr)

	c.readLoop()

	c.leave(true)
	c.conn.Close()
	h.metrics.ClientDisconnected()
	h.logger.Info("client disconnected", "remote", r.RemoteAddr)
}

// Broadcast sends an event to every member of a session. Implements
// game.Broadcaster and ai.Broadcaster.
func (h *Hub) Broadcast(sessionID, event string, data any) {
	h.broadcastExcept(sessionID, "", event, data)
}

// broadcastExcept sends to every member except one client.
func (h *Hub) broadcastExcept(sessionID, excludeClientID, event string, data any) {
	for _, s := range h.registry.Senders(sessionID, excludeClientID) {
		if err := s.Send(event, data); err != nil {
			h.logger.Debug("broadcast send failed",
				"session", sessionID, "event", event, "error", err)
		}
	}
}

// NotifyExpiredTransfers tells each affected session that a transfer
// timed out. Called from the server's sweep loop.
func (h *Hub) NotifyExpiredTransfers(expired []transfer.Expired) {
	for _, e := range expired {
		h.Broadcast(e.SessionID, "file-expired", map[string]any{"fileId": e.FileID})
	}
}

// DropSessions destroys sessions emptied by the inactivity sweep,
// flushing their documents first.
func (h *Hub) DropSessions(ctx context.Context, sessionIDs []string) {
	for _, id := range sessionIDs {
		h.registry.Flush(ctx, id)
		h.registry.Delete(id)
		h.transfers.CleanupSession(id)
		if h.games != nil {
			h.games.DropSession(id)
		}
		h.logger.Info("inactive session destroyed", "session", id)
	}
}

// InjectText pushes an operator message into a session as a
// server-text-injection broadcast. injectedBy names the origin
// ("server" for the HTTP route, "file-watcher" for the drop
// directory); source optionally names the message file. Returns false
// when the session has no live members.
func (h *Hub) InjectText(sessionID, text, msgType, injectedBy, source string) bool {
	if !h.registry.Has(sessionID) {
		return false
	}
	data := map[string]any{
		"text":       text,
		"type":       msgType,
		"timestamp":  time.Now().UnixMilli(),
		"injectedBy": injectedBy,
	}
	if source != "" {
		data["source"] = source
	}
	h.Broadcast(sessionID, "server-text-injection", data)
	return true
}
