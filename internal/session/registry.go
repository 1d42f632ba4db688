// Package session is the single source of truth for active session
// membership and live document state. All mutation goes through the
// Registry; the gateway only reads snapshots and sends on the member
// connection handles the Registry hands back.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/collabrio/relay/internal/store"
)

// Sender is the connection handle held per member. The gateway's
// websocket connection implements it.
type Sender interface {
	// Send emits one named event to the member. Implementations must be
	// safe for concurrent use and must not block indefinitely.
	Send(event string, data any) error
}

// Member is one connected participant inside a session.
type Member struct {
	ID           string
	Username     string
	Avatar       string
	SchoolNumber string
	LastSeen     time.Time
	Conn         Sender
}

// User is the Member projection shipped to clients: identity without
// the connection handle.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Avatar       string    `json:"avatar"`
	SchoolNumber string    `json:"schoolNumber"`
	LastSeen     time.Time `json:"lastSeen"`
}

// Background is an optional session background image.
type Background struct {
	Image    string `json:"backgroundImage"`
	Filename string `json:"filename"`
}

type liveSession struct {
	id      string
	members map[string]*Member

	// docSet distinguishes a deliberately cleared document from a
	// session that never had a snapshot; only the latter consults the
	// store.
	document string
	docSet   bool

	background *Background
	createdAt  time.Time
}

// Registry tracks all active sessions. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*liveSession

	// One pending persistence timer per session.
	saveTimers map[string]*time.Timer

	store  store.Store
	logger *slog.Logger
}

// NewRegistry creates an empty registry backed by the given store.
func NewRegistry(st store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		sessions:   make(map[string]*liveSession),
		saveTimers: make(map[string]*time.Timer),
		store:      st,
		logger:     logger,
	}
}

// CreateOrGet allocates an empty session for id if none exists.
// Idempotent.
func (r *Registry) CreateOrGet(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createOrGetLocked(id)
}

func (r *Registry) createOrGetLocked(id string) *liveSession {
	s, ok := r.sessions[id]
	if !ok {
		s = &liveSession{
			id:        id,
			members:   make(map[string]*Member),
			createdAt: time.Now(),
		}
		r.sessions[id] = s
	}
	return s
}

// Has reports whether a session exists.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// AddMember inserts a member into the session, creating the session if
// needed. An existing member with the same ID is replaced, not
// duplicated.
func (r *Registry) AddMember(sessionID string, m *Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.createOrGetLocked(sessionID)
	s.members[m.ID] = m
}

// RemoveMember removes a member and reports whether the session became
// empty as a result. Removing an unknown member reports false.
func (r *Registry) RemoveMember(sessionID, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if _, ok := s.members[clientID]; !ok {
		return false
	}
	delete(s.members, clientID)
	return len(s.members) == 0
}

// Member returns the member's current state, or ok=false.
func (r *Registry) Member(sessionID, clientID string) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return Member{}, false
	}
	m, ok := s.members[clientID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Senders returns the connection handles of the session's members,
// optionally excluding one client. Used by the gateway to fan events
// out.
func (r *Registry) Senders(sessionID, excludeClientID string) []Sender {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Sender, 0, len(s.members))
	for id, m := range s.members {
		if id == excludeClientID || m.Conn == nil {
			continue
		}
		out = append(out, m.Conn)
	}
	return out
}

// Sender returns one member's connection handle.
func (r *Registry) Sender(sessionID, clientID string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	m, ok := s.members[clientID]
	if !ok || m.Conn == nil {
		return nil, false
	}
	return m.Conn, true
}

// Users returns the member list projection for a session.
func (r *Registry) Users(sessionID string) []User {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]User, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, User{
			ID:           m.ID,
			Username:     m.Username,
			Avatar:       m.Avatar,
			SchoolNumber: m.SchoolNumber,
			LastSeen:     m.LastSeen,
		})
	}
	return out
}

// Touch refreshes a member's last-activity timestamp.
func (r *Registry) Touch(sessionID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		if m, ok := s.members[clientID]; ok {
			m.LastSeen = time.Now()
		}
	}
}

// SetDocument replaces the session's document snapshot. Last write
// wins.
func (r *Registry) SetDocument(sessionID, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.createOrGetLocked(sessionID)
	s.document = text
	s.docSet = true
}

// Document returns the in-memory document snapshot, with ok=false when
// no snapshot has been set. A cleared document is still a snapshot.
func (r *Registry) Document(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || !s.docSet {
		return "", false
	}
	return s.document, true
}

// SetBackground stores the session's background image.
func (r *Registry) SetBackground(sessionID string, bg Background) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.background = &bg
	}
}

// Background returns the session's background image, if set.
func (r *Registry) Background(sessionID string) (Background, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.background == nil {
		return Background{}, false
	}
	return *s.background, true
}

// LoadDocument resolves a session's document: in-memory snapshot first,
// then the store. A store miss or failure degrades to an empty
// document. The loaded text is cached in memory so later joins skip
// the store.
func (r *Registry) LoadDocument(ctx context.Context, sessionID string) string {
	if doc, ok := r.Document(sessionID); ok {
		return doc
	}
	doc, ok, err := r.store.LoadSession(ctx, sessionID)
	if err != nil {
		r.logger.Error("load document from store", "session", sessionID, "error", err)
		return ""
	}
	if !ok {
		return ""
	}
	r.SetDocument(sessionID, doc)
	return doc
}

// DebouncedPersist schedules a store write delay after the last call
// for the session, canceling any previously scheduled write. Blank
// documents are not written.
func (r *Registry) DebouncedPersist(sessionID, text string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.saveTimers[sessionID]; ok {
		t.Stop()
	}
	r.saveTimers[sessionID] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.saveTimers, sessionID)
		r.mu.Unlock()

		if strings.TrimSpace(text) == "" {
			return
		}
		if err := r.store.SaveSession(context.Background(), sessionID, text); err != nil {
			r.logger.Error("auto-save document", "session", sessionID, "error", err)
			return
		}
		r.logger.Debug("document auto-saved", "session", sessionID)
	})
}

// Flush writes the session's document to the store if it is non-blank.
// Used before destroying an empty session and during shutdown.
func (r *Registry) Flush(ctx context.Context, sessionID string) {
	doc, ok := r.Document(sessionID)
	if !ok || strings.TrimSpace(doc) == "" {
		return
	}
	if err := r.store.SaveSession(ctx, sessionID, doc); err != nil {
		r.logger.Error("flush document", "session", sessionID, "error", err)
		return
	}
	r.logger.Info("document flushed to store", "session", sessionID)
}

// FlushAll flushes every session's document. Called on graceful
// shutdown.
func (r *Registry) FlushAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Flush(ctx, id)
	}
}

// Delete destroys a session object, canceling any pending persistence
// timer. Callers flush first. A later join with the same ID starts a
// fresh session rehydrated from the store.
func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	if t, ok := r.saveTimers[sessionID]; ok {
		t.Stop()
		delete(r.saveTimers, sessionID)
	}
}

// CleanupInactive evicts members whose last activity is older than
// timeout and returns the sessions that became fully empty as a
// result, for the caller to flush and destroy.
func (r *Registry) CleanupInactive(timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var emptied []string
	for id, s := range r.sessions {
		removed := false
		for clientID, m := range s.members {
			if now.Sub(m.LastSeen) >= timeout {
				delete(s.members, clientID)
				removed = true
			}
		}
		if removed && len(s.members) == 0 {
			emptied = append(emptied, id)
		}
	}
	return emptied
}

// SessionIDs returns the IDs of all active sessions.
func (r *Registry) SessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SessionStats describes one session for introspection endpoints.
type SessionStats struct {
	ClientCount int      `json:"clientCount"`
	Clients     []string `json:"clients"`
	HasDocument bool     `json:"hasDocument"`
}

// Stats returns a per-session snapshot for /debug/sessions.
func (r *Registry) Stats() map[string]SessionStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]SessionStats, len(r.sessions))
	for id, s := range r.sessions {
		clients := make([]string, 0, len(s.members))
		for clientID := range s.members {
			clients = append(clients, clientID)
		}
		out[id] = SessionStats{
			ClientCount: len(s.members),
			Clients:     clients,
			HasDocument: s.document != "",
		}
	}
	return out
}
