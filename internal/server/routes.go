package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/collabrio/relay/internal/imagecache"
	"github.com/collabrio/relay/internal/store"
	"github.com/collabrio/relay/internal/transfer"
)

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{"error": message})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"message":        "Relay server is running",
		"activeSessions": len(s.deps.Registry.SessionIDs()),
		"timestamp":      time.Now().UnixMilli(),
	})
}

func (s *Server) handleDebugSessions(w http.ResponseWriter, r *http.Request) {
	stats := s.deps.Registry.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"totalSessions": len(stats),
		"sessions":      stats,
	})
}

type validateSchoolRequest struct {
	SchoolNumber string `json:"schoolNumber"`
}

// handleValidateSchool lets the client check a school registration
// number before opening the WebSocket.
func (s *Server) handleValidateSchool(w http.ResponseWriter, r *http.Request) {
	var req validateSchoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SchoolNumber == "" {
		respondError(w, http.StatusBadRequest, "schoolNumber is required")
		return
	}

	valid := false
	for _, n := range s.cfg.ValidSchoolNumbers {
		if req.SchoolNumber == n {
			valid = true
			break
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"valid": valid})
}

type injectTextRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	Type      string `json:"type"`
}

// handleInjectText pushes an operator message into a live session.
func (s *Server) handleInjectText(w http.ResponseWriter, r *http.Request) {
	var req injectTextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.Text == "" {
		respondError(w, http.StatusBadRequest, "sessionId and text are required")
		return
	}
	if req.Type == "" {
		req.Type = "system"
	}

	if !s.deps.Hub.InjectText(req.SessionID, req.Text, req.Type, "server", "") {
		respondJSON(w, http.StatusNotFound, map[string]any{
			"error":   "Session not found",
			"message": fmt.Sprintf("No active session with ID %s", req.SessionID),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "success",
		"message":         "Text injected successfully",
		"sessionId":       req.SessionID,
		"clientsNotified": len(s.deps.Registry.Users(req.SessionID)),
	})
}

// handleUploadFile accepts a whole file in one multipart request, an
// alternative to the chunked WebSocket path for server-side tooling.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.MaxFileSize); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	sessionID := r.FormValue("sessionId")
	clientID := r.FormValue("clientId")
	if sessionID == "" || clientID == "" {
		respondError(w, http.StatusBadRequest, "sessionId and clientId are required")
		return
	}
	if !s.deps.Registry.Has(sessionID) {
		respondError(w, http.StatusNotFound, "Session not found or inactive")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if err := s.deps.Transfers.ValidateType(header.Filename, mimeType); err != nil {
		respondError(w, http.StatusUnsupportedMediaType, "File type not allowed")
		return
	}
	if !s.deps.Transfers.CheckRateLimit(clientID) {
		respondError(w, http.StatusTooManyRequests, "Upload limit exceeded")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxFileSize+1))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "could not read file")
		return
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		respondError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("File too large. Maximum size is %dMB", s.cfg.MaxFileSize/1024/1024))
		return
	}

	t, err := s.deps.Transfers.Begin(transfer.Meta{
		Filename:   header.Filename,
		MimeType:   mimeType,
		Size:       int64(len(data)),
		SessionID:  sessionID,
		UploadedBy: clientID,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "could not start transfer")
		return
	}

	chunkSize := s.deps.Transfers.Config().ChunkSize
	for i := 0; i*chunkSize < len(data) || i == 0; i++ {
		end := (i + 1) * chunkSize
		last := end >= len(data)
		if end > len(data) {
			end = len(data)
		}
		if _, err := s.deps.Transfers.IngestChunk(t.ID, sessionID, clientID, i, data[i*chunkSize:end], last); err != nil {
			s.deps.Transfers.Delete(t.ID)
			respondError(w, http.StatusInternalServerError, "file assembly failed")
			return
		}
	}
	s.deps.Transfers.RecordUpload(clientID)
	if s.deps.Metrics != nil {
		s.deps.Metrics.UploadCompleted(int64(len(data)))
	}

	uploaderUsername := "Anonymous User"
	if m, ok := s.deps.Registry.Member(sessionID, clientID); ok {
		uploaderUsername = m.Username
	}
	s.deps.Hub.Broadcast(sessionID, "file-available", map[string]any{
		"fileId":           t.ID,
		"filename":         header.Filename,
		"size":             len(data),
		"mimeType":         mimeType,
		"uploadedBy":       clientID,
		"uploaderUsername": uploaderUsername,
		"timestamp":        time.Now().UnixMilli(),
	})
	s.cacheUpload(r, t.ID, sessionID, clientID, uploaderUsername, header.Filename, mimeType, data)

	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"fileId":   t.ID,
		"filename": header.Filename,
		"size":     len(data),
	})
}

func (s *Server) cacheUpload(r *http.Request, fileID, sessionID, clientID, username, filename, mimeType string, data []byte) {
	if s.deps.Images == nil || !imagecache.IsImage(mimeType) {
		return
	}
	img := store.CachedImage{
		SessionID:        sessionID,
		FileID:           fileID,
		Filename:         filename,
		MimeType:         mimeType,
		FileSize:         int64(len(data)),
		UploadedBy:       clientID,
		UploaderUsername: username,
	}
	if _, err := s.deps.Images.CacheIfImage(r.Context(), img, data); err != nil {
		s.deps.Logger.Error("image caching failed", "session", sessionID, "file", fileID, "error", err)
	}
}

// handleDownloadFile streams an assembled transfer back out.
func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	fileID := trimPathValue(r, "fileID")
	sessionID := r.URL.Query().Get("sessionId")
	if fileID == "" || sessionID == "" {
		respondError(w, http.StatusBadRequest, "fileID and sessionId are required")
		return
	}

	t, ok := s.deps.Transfers.Get(fileID)
	if !ok || t.SessionID != sessionID {
		respondError(w, http.StatusNotFound, "File not found or expired")
		return
	}
	if !t.Complete {
		respondError(w, http.StatusConflict, "File transfer still in progress")
		return
	}

	w.Header().Set("Content-Type", t.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", t.Filename))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(t.Buffer)))
	w.Write(t.Buffer)
}

// handleServeCachedImage serves a cached image blob for late joiners.
func (s *Server) handleServeCachedImage(w http.ResponseWriter, r *http.Request) {
	sessionID := trimPathValue(r, "sessionID")
	fileID := trimPathValue(r, "fileID")

	img, data, err := s.deps.Images.Serve(r.Context(), sessionID, fileID)
	switch {
	case errors.Is(err, imagecache.ErrNotFound), errors.Is(err, imagecache.ErrNotFoundOnDisk):
		respondError(w, http.StatusNotFound, "Cached image not found")
		return
	case err != nil:
		s.deps.Logger.Error("cached image lookup failed",
			"session", sessionID, "file", fileID, "error", err)
		respondError(w, http.StatusInternalServerError, "could not load cached image")
		return
	}

	w.Header().Set("Content-Type", img.MimeType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Write(data)
}

func (s *Server) handleDeleteCachedImage(w http.ResponseWriter, r *http.Request) {
	sessionID := trimPathValue(r, "sessionID")
	fileID := trimPathValue(r, "fileID")

	err := s.deps.Images.Delete(r.Context(), sessionID, fileID)
	switch {
	case errors.Is(err, imagecache.ErrNotFound):
		respondError(w, http.StatusNotFound, "Cached image not found")
		return
	case err != nil:
		s.deps.Logger.Error("cached image delete failed",
			"session", sessionID, "file", fileID, "error", err)
		respondError(w, http.StatusInternalServerError, "could not delete cached image")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}
