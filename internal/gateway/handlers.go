package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/collabrio/relay/internal/game"
	"github.com/collabrio/relay/internal/imagecache"
	"github.com/collabrio/relay/internal/session"
	"github.com/collabrio/relay/internal/store"
	"github.com/collabrio/relay/internal/transfer"
)

// client is the per-connection state. A connection is unbound until a
// successful join-session and unbound again after leave or disconnect.
type client struct {
	hub  *Hub
	conn *Conn

	sessionID string
	clientID  string

	heartbeatStop chan struct{}
}

func (c *client) bound() bool { return c.sessionID != "" && c.clientID != "" }

// readLoop decodes frames and dispatches until the peer disconnects.
func (c *client) readLoop() {
	h := c.hub
	for {
		c.conn.ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		_, msg, err := c.conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				h.logger.Error("read error", "error", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.logger.Warn("malformed frame", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *client) dispatch(env envelope) {
	switch env.Event {
	case "join-session":
		c.handleJoin(env.Data)
	case "leave-session":
		c.leave(false)
		c.sessionID, c.clientID = "", ""
	case "document-change":
		c.handleDocumentChange(env.Data)
	case "signal":
		c.handleRelay(env.Data, "signal")
	case "direct-message":
		c.handleRelay(env.Data, "direct-message")
	case "presence":
		c.handlePresence()
	case "background-image-change":
		c.handleBackgroundChange(env.Data)
	case "play-audio":
		c.handlePlayAudio(env.Data)
	case "drawing-update":
		c.handleDrawingUpdate(env.Data)
	case "file-share-request":
		c.handleFileShareRequest(env.Data)
	case "file-chunk":
		c.handleFileChunk(env.Data)
	case "ask-ai":
		c.handleAskAI(env.Data)
	case "ask-ai-direct":
		c.handleAskAIDirect(env.Data)
	case "start-game":
		c.handleStartGame(env.Data)
	case "select-word":
		c.handleSelectWord(env.Data)
	case "game-guess":
		c.handleGameGuess(env.Data)
	case "end-game":
		c.handleEndGame(env.Data)
	case "close-game-modal":
		c.handleCloseGameModal(env.Data)
	case "assign-game-master":
		c.handleAssignGameMaster(env.Data)
	case "skip-assignment":
		c.handleSkipAssignment(env.Data)
	case "start-frogger-game":
		c.handleStartFrogger(env.Data)
	case "frogger-score-submit":
		c.handleFroggerScore(env.Data)
	case "frogger-request-leaderboard":
		c.handleFroggerLeaderboard(env.Data)
	case "close-frogger-modal":
		// Client-local; the game continues for everyone else.
	default:
		c.hub.logger.Warn("unknown event", "event", env.Event)
	}
	c.hub.metrics.EventRelayed(env.Event)
}

type identity struct {
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

type joinPayload struct {
	SessionID  string   `json:"sessionId"`
	ClientID   string   `json:"clientId"`
	Identity   identity `json:"userIdentity"`
	SchoolAuth string   `json:"schoolAuth"`
}

// handleJoin validates school auth, resolves the identity, and binds
// the connection. A join while already bound is an implicit leave of
// the previous session first.
func (c *client) handleJoin(data json.RawMessage) {
	h := c.hub

	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		h.logger.Warn("invalid join payload", "error", err)
		return
	}

	if !h.validSchool(p.SchoolAuth) {
		h.logger.Info("join rejected, invalid school auth",
			"session", p.SessionID, "auth", p.SchoolAuth)
		c.conn.Send("auth-error", map[string]any{
			"message": "Invalid school authentication. Please verify your school registration number.",
			"code":    "INVALID_SCHOOL_AUTH",
		})
		return
	}

	if c.bound() {
		c.leave(false)
	}

	c.sessionID = p.SessionID
	c.clientID = p.ClientID
	if c.clientID == "" {
		c.clientID = uuid.NewString()
	}

	h.registry.CreateOrGet(c.sessionID)
	username, avatar := h.registry.ResolveIdentity(c.sessionID, p.Identity.Username, p.Identity.Avatar)
	h.registry.AddMember(c.sessionID, &session.Member{
		ID:           c.clientID,
		Username:     username,
		Avatar:       avatar,
		SchoolNumber: p.SchoolAuth,
		LastSeen:     time.Now(),
		Conn:         c.conn,
	})
	h.logger.Info("client joined session",
		"session", c.sessionID, "client", c.clientID, "username", username)

	c.startHeartbeat()

	users := h.registry.Users(c.sessionID)
	h.Broadcast(c.sessionID, "user-joined", map[string]any{"users": users})

	c.sendDocument()
	c.sendBackground()
	c.sendCachedImages()
	c.sendGameState()
}

func (h *Hub) validSchool(auth string) bool {
	for _, n := range h.cfg.ValidSchoolNumbers {
		if auth == n {
			return true
		}
	}
	return false
}

// startHeartbeat refreshes the member's activity on a ticker so the
// inactivity sweep never reaps a connected client.
func (c *client) startHeartbeat() {
	c.stopHeartbeat()
	stop := make(chan struct{})
	c.heartbeatStop = stop

	sessionID, clientID := c.sessionID, c.clientID
	go func() {
		ticker := time.NewTicker(c.hub.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.hub.registry.Touch(sessionID, clientID)
			}
		}
	}()
}

func (c *client) stopHeartbeat() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// sendDocument ships the current document to the joining client:
// memory first, then the store, then empty.
func (c *client) sendDocument() {
	doc := c.hub.registry.LoadDocument(context.Background(), c.sessionID)
	c.conn.Send("document-update", map[string]any{
		"document":      doc,
		"updatedBy":     "server",
		"timestamp":     time.Now().UnixMilli(),
		"isInitialLoad": true,
	})
}

func (c *client) sendBackground() {
	bg, ok := c.hub.registry.Background(c.sessionID)
	if !ok {
		return
	}
	c.conn.Send("background-image-update", map[string]any{
		"backgroundImage": bg.Image,
		"filename":        bg.Filename,
		"updatedBy":       "server",
		"timestamp":       time.Now().UnixMilli(),
		"isInitialLoad":   true,
	})
}

// sendCachedImages replays the session's cached images as
// file-available events flagged with the cache URL.
func (c *client) sendCachedImages() {
	if c.hub.images == nil {
		return
	}
	images, err := c.hub.images.ListForSession(context.Background(), c.sessionID)
	if err != nil {
		c.hub.logger.Error("cached image list failed", "session", c.sessionID, "error", err)
		return
	}
	for _, img := range images {
		c.conn.Send("file-available", map[string]any{
			"fileId":           img.FileID,
			"filename":         img.Filename,
			"size":             img.FileSize,
			"mimeType":         img.MimeType,
			"uploadedBy":       img.UploadedBy,
			"uploaderUsername": img.UploaderUsername,
			"timestamp":        img.UploadedAt.UnixMilli(),
			"isCached":         true,
			"cachedImageUrl":   fmt.Sprintf("/cached-image/%s/%s", c.sessionID, img.FileID),
		})
	}
}

// sendGameState replays a running round to a late joiner.
func (c *client) sendGameState() {
	if c.hub.games == nil {
		return
	}
	snap, ok := c.hub.games.Snapshot(c.sessionID)
	if !ok {
		return
	}
	c.conn.Send("game-status-change", map[string]any{"gameActive": true})
	c.conn.Send("current-game-state", snap)
	for _, g := range snap.Guesses {
		c.conn.Send("game-guess", g)
	}
}

type documentChangePayload struct {
	SessionID string `json:"sessionId"`
	Document  string `json:"document"`
}

// handleDocumentChange applies a whole-document snapshot: enforce the
// size limit, update memory, schedule the debounced persist, and fan
// the update out to everyone else.
func (c *client) handleDocumentChange(data json.RawMessage) {
	h := c.hub

	var p documentChangePayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		h.logger.Warn("invalid document-change payload", "error", err)
		return
	}

	// The limit is characters, not bytes; multibyte text counts by rune.
	if chars := utf8.RuneCountInString(p.Document); chars > h.cfg.MaxDocumentChars {
		h.logger.Warn("document over limit",
			"session", p.SessionID, "chars", chars, "limit", h.cfg.MaxDocumentChars)
		c.conn.Send("document-limit-exceeded", map[string]any{
			"limit":         h.cfg.MaxDocumentChars,
			"currentLength": chars,
			"message":       fmt.Sprintf("Document exceeds %d character limit", h.cfg.MaxDocumentChars),
		})
		return
	}

	h.registry.Touch(p.SessionID, c.clientID)
	h.registry.SetDocument(p.SessionID, p.Document)
	h.registry.DebouncedPersist(p.SessionID, p.Document, h.cfg.PersistDebounce)

	h.broadcastExcept(p.SessionID, c.clientID, "document-update", map[string]any{
		"document":  p.Document,
		"updatedBy": c.clientID,
		"timestamp": time.Now().UnixMilli(),
	})
}

type relayPayload struct {
	Target  string          `json:"target"`
	Signal  json.RawMessage `json:"signal,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
}

// handleRelay forwards signal and direct-message frames, targeted to
// one member or fanned out to everyone else.
func (c *client) handleRelay(data json.RawMessage, event string) {
	h := c.hub
	if !c.bound() {
		h.logger.Warn("relay before join", "event", event)
		return
	}

	var p relayPayload
	if err := json.Unmarshal(data, &p); err != nil {
		h.logger.Warn("invalid relay payload", "event", event, "error", err)
		return
	}
	h.registry.Touch(c.sessionID, c.clientID)

	out := map[string]any{"from": c.clientID}
	if event == "signal" {
		out["signal"] = p.Signal
	} else {
		out["message"] = p.Message
	}

	if p.Target == "all" {
		h.broadcastExcept(c.sessionID, c.clientID, event, out)
		return
	}
	target, ok := h.registry.Sender(c.sessionID, p.Target)
	if !ok {
		h.logger.Warn("relay target not found",
			"session", c.sessionID, "target", p.Target, "event", event)
		return
	}
	target.Send(event, out)
}

// handlePresence answers with the current member list.
func (c *client) handlePresence() {
	if !c.bound() {
		return
	}
	c.hub.registry.Touch(c.sessionID, c.clientID)
	c.conn.Send("client-list", c.hub.registry.Users(c.sessionID))
}

type backgroundPayload struct {
	SessionID       string `json:"sessionId"`
	BackgroundImage string `json:"backgroundImage"`
	Filename        string `json:"filename"`
}

func (c *client) handleBackgroundChange(data json.RawMessage) {
	h := c.hub

	var p backgroundPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		h.logger.Warn("invalid background-image-change payload", "error", err)
		return
	}

	h.registry.Touch(p.SessionID, c.clientID)
	if h.registry.Has(p.SessionID) {
		h.registry.SetBackground(p.SessionID, session.Background{
			Image:    p.BackgroundImage,
			Filename: p.Filename,
		})
	}

	h.broadcastExcept(p.SessionID, c.clientID, "background-image-update", map[string]any{
		"backgroundImage": p.BackgroundImage,
		"filename":        p.Filename,
		"updatedBy":       c.clientID,
		"timestamp":       time.Now().UnixMilli(),
	})
}

type playAudioPayload struct {
	SessionID string `json:"sessionId"`
	AudioKey  string `json:"audioKey"`
	Username  string `json:"username"`
}

func (c *client) handlePlayAudio(data json.RawMessage) {
	var p playAudioPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" || p.AudioKey == "" {
		c.hub.logger.Warn("invalid play-audio payload", "error", err)
		return
	}
	c.hub.broadcastExcept(p.SessionID, c.clientID, "play-audio", map[string]any{
		"audioKey": p.AudioKey,
		"username": p.Username,
	})
}

type drawingPayload struct {
	SessionID   string          `json:"sessionId"`
	DrawingData json.RawMessage `json:"drawingData"`
}

func (c *client) handleDrawingUpdate(data json.RawMessage) {
	var p drawingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" || len(p.DrawingData) == 0 {
		c.hub.logger.Warn("invalid drawing-update payload", "error", err)
		return
	}
	c.hub.broadcastExcept(p.SessionID, c.clientID, "drawing-update", map[string]any{
		"drawingData": p.DrawingData,
		"timestamp":   time.Now().UnixMilli(),
	})
}

type fileShareRequestPayload struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	SessionID string `json:"sessionId"`
}

// handleFileShareRequest validates an upload declaration and answers
// with the transfer ID and chunk size, or a file-share-error.
func (c *client) handleFileShareRequest(data json.RawMessage) {
	h := c.hub

	if !c.bound() {
		c.fileError("Must be in a session to share files")
		return
	}

	var p fileShareRequestPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.fileError("Invalid file share request")
		return
	}
	h.registry.Touch(c.sessionID, c.clientID)

	if !h.registry.Has(c.sessionID) {
		c.fileError("Session not found or inactive")
		return
	}
	if err := h.transfers.ValidateType(p.Filename, p.MimeType); err != nil {
		c.fileError("File type not allowed")
		return
	}
	cfg := h.transfers.Config()
	if p.Size > cfg.MaxFileSize {
		c.fileError(fmt.Sprintf("File too large. Maximum size is %dMB", cfg.MaxFileSize/1024/1024))
		return
	}
	if !h.transfers.CheckRateLimit(c.clientID) {
		c.fileError(fmt.Sprintf("Upload limit exceeded. Maximum %d uploads per %d minutes.",
			cfg.MaxUploadsPerUser, int(cfg.UploadWindow.Minutes())))
		return
	}

	t, err := h.transfers.Begin(transfer.Meta{
		Filename:   p.Filename,
		MimeType:   p.MimeType,
		Size:       p.Size,
		SessionID:  c.sessionID,
		UploadedBy: c.clientID,
	})
	if err != nil {
		c.fileError("Could not start file transfer")
		return
	}

	c.conn.Send("file-share-accepted", map[string]any{
		"fileId":    t.ID,
		"chunkSize": cfg.ChunkSize,
	})
}

type fileChunkPayload struct {
	FileID      string `json:"fileId"`
	ChunkIndex  int    `json:"chunkIndex"`
	ChunkData   string `json:"chunkData"`
	IsLastChunk bool   `json:"isLastChunk"`
}

// handleFileChunk ingests one base64 chunk, reports progress, and on
// assembly announces the file to the session and caches images.
func (c *client) handleFileChunk(data json.RawMessage) {
	h := c.hub

	var p fileChunkPayload
	if err := json.Unmarshal(data, &p); err != nil {
		c.fileError("Invalid file chunk")
		return
	}

	chunk, err := base64.StdEncoding.DecodeString(p.ChunkData)
	if err != nil {
		c.fileError("Invalid chunk encoding")
		return
	}

	progress, err := h.transfers.IngestChunk(p.FileID, c.sessionID, c.clientID, p.ChunkIndex, chunk, p.IsLastChunk)
	switch {
	case errors.Is(err, transfer.ErrUnknownTransfer):
		c.fileError("File transfer not found or expired")
		return
	case errors.Is(err, transfer.ErrTransferMismatch):
		c.fileError("Invalid file transfer session")
		return
	case errors.Is(err, transfer.ErrChunkIndex):
		c.fileError("Invalid chunk index")
		return
	case errors.Is(err, transfer.ErrIncompleteTransfer):
		c.fileError("File assembly failed - missing chunks")
		return
	case err != nil:
		c.fileError("File chunk rejected")
		return
	}

	c.conn.Send("file-upload-progress", map[string]any{
		"fileId":         p.FileID,
		"progress":       float64(progress.Received) / float64(progress.Total) * 100,
		"receivedChunks": progress.Received,
		"totalChunks":    progress.Total,
	})

	// A retried chunk on an assembled transfer must not re-announce the
	// file or burn another rate-limit slot.
	if progress.Complete && !progress.AlreadyComplete {
		c.completeUpload(p.FileID)
	}
}

// completeUpload announces the assembled file and caches it when it is
// an image.
func (c *client) completeUpload(fileID string) {
	h := c.hub

	t, ok := h.transfers.Get(fileID)
	if !ok {
		return
	}
	h.transfers.RecordUpload(c.clientID)
	h.metrics.UploadCompleted(t.Size)

	c.conn.Send("file-upload-complete", map[string]any{
		"fileId":   t.ID,
		"filename": t.Filename,
		"size":     t.Size,
	})

	uploaderUsername := "Anonymous User"
	if m, ok := h.registry.Member(c.sessionID, c.clientID); ok {
		uploaderUsername = m.Username
	}

	h.Broadcast(c.sessionID, "file-available", map[string]any{
		"fileId":           t.ID,
		"filename":         t.Filename,
		"size":             t.Size,
		"mimeType":         t.MimeType,
		"uploadedBy":       c.clientID,
		"uploaderUsername": uploaderUsername,
		"timestamp":        time.Now().UnixMilli(),
	})

	if h.images != nil && imagecache.IsImage(t.MimeType) {
		img := store.CachedImage{
			SessionID:        t.SessionID,
			FileID:           t.ID,
			Filename:         t.Filename,
			MimeType:         t.MimeType,
			FileSize:         t.Size,
			UploadedBy:       c.clientID,
			UploaderUsername: uploaderUsername,
		}
		buf := t.Buffer
		go func() {
			if _, err := h.images.CacheIfImage(context.Background(), img, buf); err != nil {
				h.logger.Error("image caching failed",
					"session", img.SessionID, "file", img.FileID, "error", err)
			}
		}()
	}
}

func (c *client) fileError(message string) {
	c.conn.Send("file-share-error", map[string]any{"message": message})
}

type askAIPayload struct {
	SessionID    string `json:"sessionId"`
	SelectedText string `json:"selectedText"`
	RequestID    string `json:"requestId"`
}

func (c *client) handleAskAI(data json.RawMessage) {
	h := c.hub
	if h.ai == nil {
		return
	}
	var p askAIPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" || p.SelectedText == "" {
		h.logger.Warn("invalid ask-ai payload", "error", err)
		return
	}
	h.registry.Touch(p.SessionID, c.clientID)
	go h.ai.AskInSession(context.Background(), p.SessionID, p.SelectedText)
}

func (c *client) handleAskAIDirect(data json.RawMessage) {
	h := c.hub
	if h.ai == nil {
		return
	}
	var p askAIPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" || p.SelectedText == "" {
		h.logger.Warn("invalid ask-ai-direct payload", "error", err)
		return
	}
	h.registry.Touch(p.SessionID, c.clientID)
	go h.ai.AskDirect(context.Background(), p.RequestID, p.SelectedText, c.conn)
}

type gamePayload struct {
	SessionID     string `json:"sessionId"`
	Starter       string `json:"starter"`
	SelectedWord  string `json:"selectedWord"`
	Guess         string `json:"guess"`
	Username      string `json:"username"`
	User          string `json:"user"`
	Assigner      string `json:"assigner"`
	NewGameMaster string `json:"newGameMaster"`
	Player        string `json:"player"`
	FinalScore    int    `json:"finalScore"`
	TimeLeft      int    `json:"timeLeft"`
	EndReason     string `json:"endReason"`
}

func (c *client) gamePayload(data json.RawMessage) (gamePayload, bool) {
	var p gamePayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" || c.hub.games == nil {
		c.hub.logger.Warn("invalid game payload", "error", err)
		return p, false
	}
	return p, true
}

// handleStartGame answers the would-be drawer with word choices.
func (c *client) handleStartGame(data json.RawMessage) {
	p, ok := c.gamePayload(data)
	if !ok || p.Starter == "" {
		return
	}
	c.conn.Send("word-selection", map[string]any{
		"wordChoices": c.hub.games.WordChoices(),
	})
}

func (c *client) handleSelectWord(data json.RawMessage) {
	p, ok := c.gamePayload(data)
	if !ok || p.Starter == "" || p.SelectedWord == "" {
		return
	}
	if err := c.hub.games.Start(p.SessionID, p.Starter, p.SelectedWord); err != nil {
		c.hub.logger.Warn("game start rejected",
			"session", p.SessionID, "word", p.SelectedWord, "error", err)
	}
}

func (c *client) handleGameGuess(data json.RawMessage) {
	p, ok := c.gamePayload(data)
	if !ok {
		return
	}
	if _, err := c.hub.games.ProcessGuess(p.SessionID, p.Username, p.Guess); err != nil &&
		!errors.Is(err, game.ErrNoActiveGame) {
		c.hub.logger.Debug("guess rejected", "session", p.SessionID, "error", err)
	}
}

// handleEndGame ends the round on behalf of the sender; only the
// drawer may do so.
func (c *client) handleEndGame(data json.RawMessage) {
	p, ok := c.gamePayload(data)
	if !ok {
		return
	}
	user := p.User
	if user == "" {
		if m, found := c.hub.registry.Member(p.SessionID, c.clientID); found {
			user = m.Username
		}
	}
	if err := c.hub.games.End(p.SessionID, user); err != nil {
		c.hub.logger.Warn("game end rejected", "session", p.SessionID, "user", user, "error", err)
	}
}

func (c *client) handleCloseGameModal(data json.RawMessage) {
	p, ok := c.gamePayload(data)
	if !ok || p.User == "" {
		return
	}
	c.hub.games.CloseModal(p.SessionID, p.User)
}

func (c *client) handleAssignGameMaster(data json.RawMessage) {
	p, ok := c.gamePayload(data)
	if !ok || p.Assigner == "" || p.NewGameMaster == "" {
		return
	}
	if err := c.hub.games.AssignMaster(p.SessionID, p.Assigner, p.NewGameMaster); err != nil {
		c.hub.logger.Warn("game master assignment rejected",
			"session", p.SessionID, "assigner", p.Assigner, "error", err)
	}
}

func (c *client) handleSkipAssignment(data json.RawMessage) {
	p, ok := c.gamePayload(data)
	if !ok || p.User == "" {
		return
	}
	if err := c.hub.games.SkipAssignment(p.SessionID, p.User); err != nil {
		c.hub.logger.Warn("assignment skip rejected",
			"session", p.SessionID, "user", p.User, "error", err)
	}
}

func (c *client) handleStartFrogger(data json.RawMessage) {
	p, ok := c.gamePayload(data)
	if !ok || p.Starter == "" {
		return
	}
	c.hub.games.StartFrogger(p.SessionID, p.Starter)
}

func (c *client) handleFroggerScore(data json.RawMessage) {
	p, ok := c.gamePayload(data)
	if !ok || p.Player == "" {
		return
	}
	c.hub.games.SubmitFroggerScore(p.SessionID, p.Player, p.FinalScore, p.TimeLeft, p.EndReason)
}

func (c *client) handleFroggerLeaderboard(data json.RawMessage) {
	p, ok := c.gamePayload(data)
	if !ok {
		return
	}
	c.hub.games.BroadcastFroggerLeaderboard(p.SessionID)
}

// leave unbinds the connection from its session: stop the heartbeat,
// cancel the drawer's game if needed, and either destroy the emptied
// session or tell the remaining members who left. disconnect marks a
// dropped socket rather than an explicit leave-session.
func (c *client) leave(disconnect bool) {
	h := c.hub
	c.stopHeartbeat()

	if !c.bound() {
		return
	}
	sessionID, clientID := c.sessionID, c.clientID

	if h.games != nil {
		if m, ok := h.registry.Member(sessionID, clientID); ok {
			h.games.HandleLeave(sessionID, m.Username)
		}
	}

	becameEmpty := h.registry.RemoveMember(sessionID, clientID)
	if becameEmpty {
		ctx := context.Background()
		h.registry.Flush(ctx, sessionID)
		h.registry.Delete(sessionID)
		h.transfers.CleanupSession(sessionID)
		if h.games != nil {
			h.games.DropSession(sessionID)
		}
		h.logger.Info("empty session destroyed", "session", sessionID, "disconnect", disconnect)
		return
	}

	h.Broadcast(sessionID, "user-left", map[string]any{
		"users": h.registry.Users(sessionID),
	})
}
