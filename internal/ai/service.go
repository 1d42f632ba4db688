package ai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Documents is the slice of the session registry the service writes
// answers through.
type Documents interface {
	LoadDocument(ctx context.Context, sessionID string) string
	SetDocument(sessionID, text string)
}

// Broadcaster delivers a document-update to every member of a session.
type Broadcaster interface {
	Broadcast(sessionID, event string, data any)
}

// Responder sends an event to a single client.
type Responder interface {
	Send(event string, data any) error
}

// systemAuthor marks AI-written document updates.
const systemAuthor = "ai-system"

// Service runs AI queries against sessions. Session-mode answers are
// appended to the shared document; direct-mode answers go only to the
// requester.
type Service struct {
	client *Client
	docs   Documents
	bcast  Broadcaster
	logger *slog.Logger
}

// NewService wires the chat client to the session registry.
func NewService(client *Client, docs Documents, bcast Broadcaster, logger *slog.Logger) *Service {
	return &Service{client: client, docs: docs, bcast: bcast, logger: logger}
}

// AskInSession appends the query with a waiting placeholder to the
// session document, asks the model, then rewrites the tail with the
// answer (or an error note). Every step is broadcast as a
// document-update from the system author.
func (s *Service) AskInSession(ctx context.Context, sessionID, selectedText string) {
	query := strings.TrimSpace(selectedText)
	if query == "" {
		s.logger.Warn("ai query with no selected text", "session", sessionID)
		return
	}

	base := s.docs.LoadDocument(ctx, sessionID)
	waiting := base + fmt.Sprintf("\n\n[AI Query: %q]\nAsking AI ... waiting for response\n", query)
	s.publish(sessionID, waiting)

	answer, err := s.client.Ask(ctx, query)
	if err != nil {
		s.logger.Error("ai query failed", "session", sessionID, "error", err)
		s.publish(sessionID, base+fmt.Sprintf(
			"\n\n[AI Query: %q]\n[AI Error: Unable to get AI response. Please try again.]\n", query))
		return
	}

	s.logger.Info("ai answer delivered", "session", sessionID, "chars", len(answer))
	s.publish(sessionID, base+fmt.Sprintf("\n\n[AI Query: %q]\n[AI Response: %s]\n", query, answer))
}

func (s *Service) publish(sessionID, document string) {
	s.docs.SetDocument(sessionID, document)
	s.bcast.Broadcast(sessionID, "document-update", map[string]any{
		"document":  document,
		"updatedBy": systemAuthor,
		"timestamp": time.Now().UnixMilli(),
	})
}

// AskDirect answers only the requesting client, tagged with its
// requestId so the client can match the reply.
func (s *Service) AskDirect(ctx context.Context, requestID, selectedText string, to Responder) {
	query := strings.TrimSpace(selectedText)
	if query == "" {
		s.logger.Warn("direct ai query with no selected text", "request", requestID)
		return
	}

	answer, err := s.client.Ask(ctx, query)
	if err != nil {
		s.logger.Error("direct ai query failed", "request", requestID, "error", err)
		to.Send("ai-response-direct", map[string]any{
			"requestId": requestID,
			"response":  "Unable to generate icebreaker. Please try again.",
			"error":     true,
			"timestamp": time.Now().UnixMilli(),
		})
		return
	}

	to.Send("ai-response-direct", map[string]any{
		"requestId": requestID,
		"response":  trimQuotes(answer),
		"timestamp": time.Now().UnixMilli(),
	})
}

// trimQuotes strips one pair of surrounding quotes the model sometimes
// adds to short answers.
func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
