// Package transfer turns declared uploads into assembled byte buffers,
// enforcing type, size, and rate limits. Chunks may arrive out of
// order or duplicated; each index is an idempotent overwrite.
package transfer

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrUnsupportedType is returned when the MIME type is not allowed or
// the file extension is blocked.
var ErrUnsupportedType = errors.New("transfer: file type not allowed")

// ErrSizeExceeded is returned when the declared size exceeds the
// configured maximum.
var ErrSizeExceeded = errors.New("transfer: file too large")

// ErrUnknownTransfer is returned when no transfer matches the file ID.
var ErrUnknownTransfer = errors.New("transfer: not found or expired")

// ErrTransferMismatch is returned when a chunk arrives from a session
// or uploader other than the one that began the transfer.
var ErrTransferMismatch = errors.New("transfer: session or uploader mismatch")

// ErrChunkIndex is returned for a chunk index outside 0..totalChunks-1.
var ErrChunkIndex = errors.New("transfer: chunk index out of range")

// ErrIncompleteTransfer is returned when the last chunk arrives with
// indices still missing. The transfer stays incomplete until the TTL
// sweep removes it.
var ErrIncompleteTransfer = errors.New("transfer: missing chunks at finalize")

// Config bounds the engine. Zero values are replaced by defaults.
type Config struct {
	MaxFileSize       int64
	ChunkSize         int
	TTL               time.Duration
	MaxUploadsPerUser int
	UploadWindow      time.Duration
	AllowedTypes      []string
	BlockedExtensions []string
}

// DefaultConfig matches the limits the browser client is built
// against.
func DefaultConfig() Config {
	return Config{
		MaxFileSize:       100 * 1024 * 1024,
		ChunkSize:         64 * 1024,
		TTL:               5 * time.Minute,
		MaxUploadsPerUser: 3,
		UploadWindow:      5 * time.Minute,
		AllowedTypes: []string{
			// Documents
			"application/pdf", "application/msword",
			"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			"text/plain", "text/markdown",
			// Images
			"image/jpeg", "image/png", "image/gif", "image/svg+xml",
			// Archives
			"application/zip", "application/x-tar", "application/gzip",
			// Code
			"application/javascript", "text/javascript", "text/css",
			"text/html", "application/json",
		},
		BlockedExtensions: []string{
			".exe", ".bat", ".sh", ".app", ".dll", ".sys", ".scr", ".vbs", ".jar",
		},
	}
}

// Meta declares an upload before any bytes arrive.
type Meta struct {
	Filename   string
	MimeType   string
	Size       int64
	SessionID  string
	UploadedBy string
}

// Transfer is the engine's record of one upload. Buffer is set only
// after assembly.
type Transfer struct {
	ID          string
	Filename    string
	MimeType    string
	Size        int64
	SessionID   string
	UploadedBy  string
	CreatedAt   time.Time
	TotalChunks int
	Complete    bool
	Buffer      []byte

	// Fixed-size chunk arena, freed on assembly. nil slot = missing.
	chunks   [][]byte
	received int
}

// Progress reports reassembly state after a chunk is ingested.
// AlreadyComplete marks a retried chunk on an assembled transfer; such
// chunks are accepted but finish nothing.
type Progress struct {
	Received        int
	Total           int
	Complete        bool
	AlreadyComplete bool
}

// Expired identifies a swept transfer so callers can notify its
// session.
type Expired struct {
	FileID    string
	SessionID string
}

// Engine tracks all in-flight and completed transfers. Safe for
// concurrent use.
type Engine struct {
	mu           sync.Mutex
	cfg          Config
	transfers    map[string]*Transfer
	sessionFiles map[string]map[string]struct{}
	uploads      map[string][]time.Time

	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an engine with the given config; zero fields fall
// back to DefaultConfig values.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxUploadsPerUser <= 0 {
		cfg.MaxUploadsPerUser = def.MaxUploadsPerUser
	}
	if cfg.UploadWindow <= 0 {
		cfg.UploadWindow = def.UploadWindow
	}
	if cfg.AllowedTypes == nil {
		cfg.AllowedTypes = def.AllowedTypes
	}
	if cfg.BlockedExtensions == nil {
		cfg.BlockedExtensions = def.BlockedExtensions
	}
	return &Engine{
		cfg:          cfg,
		transfers:    make(map[string]*Transfer),
		sessionFiles: make(map[string]map[string]struct{}),
		uploads:      make(map[string][]time.Time),
		logger:       logger,
		now:          time.Now,
	}
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// ValidateType rejects blocked extensions first, then any MIME type
// outside the allow-list. The block-list wins even for an allowed
// MIME type.
func (e *Engine) ValidateType(filename, mimeType string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, blocked := range e.cfg.BlockedExtensions {
		if ext == blocked {
			return ErrUnsupportedType
		}
	}
	for _, allowed := range e.cfg.AllowedTypes {
		if mimeType == allowed {
			return nil
		}
	}
	return ErrUnsupportedType
}

// CheckRateLimit reports whether the uploader is below the per-window
// upload cap. Pure query: records nothing, but prunes expired
// timestamps.
func (e *Engine) CheckRateLimit(uploaderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	windowStart := e.now().Add(-e.cfg.UploadWindow)
	recent := e.uploads[uploaderID][:0]
	for _, ts := range e.uploads[uploaderID] {
		if ts.After(windowStart) {
			recent = append(recent, ts)
		}
	}
	e.uploads[uploaderID] = recent
	return len(recent) < e.cfg.MaxUploadsPerUser
}

// RecordUpload appends the current timestamp to the uploader's window.
func (e *Engine) RecordUpload(uploaderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.uploads[uploaderID] = append(e.uploads[uploaderID], e.now())
}

// Begin allocates a transfer with a fresh random ID. The chunk count is
// ceil(size/chunkSize); both ends compute it from the same fixed chunk
// size.
func (e *Engine) Begin(meta Meta) (*Transfer, error) {
	if meta.Size > e.cfg.MaxFileSize {
		return nil, ErrSizeExceeded
	}

	total := int((meta.Size + int64(e.cfg.ChunkSize) - 1) / int64(e.cfg.ChunkSize))
	if total < 1 {
		total = 1
	}

	t := &Transfer{
		ID:          newFileID(),
		Filename:    meta.Filename,
		MimeType:    meta.MimeType,
		Size:        meta.Size,
		SessionID:   meta.SessionID,
		UploadedBy:  meta.UploadedBy,
		CreatedAt:   e.now(),
		TotalChunks: total,
		chunks:      make([][]byte, total),
	}

	e.mu.Lock()
	e.transfers[t.ID] = t
	if e.sessionFiles[t.SessionID] == nil {
		e.sessionFiles[t.SessionID] = make(map[string]struct{})
	}
	e.sessionFiles[t.SessionID][t.ID] = struct{}{}
	e.mu.Unlock()

	e.logger.Info("file transfer started",
		"file", t.ID, "filename", t.Filename, "size", t.Size,
		"session", t.SessionID, "uploader", t.UploadedBy, "chunks", total)
	return t, nil
}

// IngestChunk stores one chunk. Re-sending an index overwrites it
// without advancing the received count. Assembly runs when every index
// is present; isLast with gaps fails with ErrIncompleteTransfer and
// leaves the transfer for the TTL sweep.
func (e *Engine) IngestChunk(fileID, sessionID, uploaderID string, index int, data []byte, isLast bool) (Progress, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.transfers[fileID]
	if !ok {
		return Progress{}, ErrUnknownTransfer
	}
	if t.SessionID != sessionID || t.UploadedBy != uploaderID {
		return Progress{}, ErrTransferMismatch
	}
	if index < 0 || index >= t.TotalChunks {
		return Progress{}, ErrChunkIndex
	}
	if t.Complete {
		// Retried chunk after assembly. Callers must not re-run their
		// completion flow.
		return Progress{Received: t.TotalChunks, Total: t.TotalChunks, Complete: true, AlreadyComplete: true}, nil
	}

	if t.chunks[index] == nil {
		t.received++
	}
	t.chunks[index] = data

	p := Progress{Received: t.received, Total: t.TotalChunks}

	if t.received == t.TotalChunks {
		e.assembleLocked(t)
		p.Complete = true
		return p, nil
	}
	if isLast {
		return p, ErrIncompleteTransfer
	}
	return p, nil
}

// assembleLocked concatenates chunks in index order and frees the
// arena. Caller holds e.mu.
func (e *Engine) assembleLocked(t *Transfer) {
	size := 0
	for _, c := range t.chunks {
		size += len(c)
	}
	buf := make([]byte, 0, size)
	for _, c := range t.chunks {
		buf = append(buf, c...)
	}
	t.Buffer = buf
	t.Complete = true
	t.chunks = nil

	e.logger.Info("file upload completed",
		"file", t.ID, "filename", t.Filename, "bytes", len(buf))
}

// Get returns the transfer for fileID, or ok=false.
func (e *Engine) Get(fileID string) (*Transfer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[fileID]
	return t, ok
}

// Delete removes a transfer explicitly.
func (e *Engine) Delete(fileID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deleteLocked(fileID)
}

func (e *Engine) deleteLocked(fileID string) {
	t, ok := e.transfers[fileID]
	if !ok {
		return
	}
	delete(e.transfers, fileID)
	if files, ok := e.sessionFiles[t.SessionID]; ok {
		delete(files, fileID)
		if len(files) == 0 {
			delete(e.sessionFiles, t.SessionID)
		}
	}
}

// CleanupSession drops every transfer belonging to a destroyed session.
func (e *Engine) CleanupSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	files := e.sessionFiles[sessionID]
	for fileID := range files {
		delete(e.transfers, fileID)
	}
	delete(e.sessionFiles, sessionID)
	if n := len(files); n > 0 {
		e.logger.Info("session transfers dropped", "session", sessionID, "count", n)
	}
}

// SweepExpired removes transfers older than the TTL, complete or not,
// and returns them so callers can notify affected sessions. Staleness
// is re-checked under the lock at delete time.
func (e *Engine) SweepExpired() []Expired {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.cfg.TTL)
	var swept []Expired
	for fileID, t := range e.transfers {
		if t.CreatedAt.Before(cutoff) {
			swept = append(swept, Expired{FileID: fileID, SessionID: t.SessionID})
			e.deleteLocked(fileID)
		}
	}
	if len(swept) > 0 {
		e.logger.Info("expired transfers swept", "count", len(swept))
	}
	return swept
}

// ActiveCount returns the number of tracked transfers.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.transfers)
}

// newFileID returns a 128-bit hex-encoded random ID.
func newFileID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
