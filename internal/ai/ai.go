// Package ai asks a chat-completion API (Cohere-compatible) about
// text a member selected. Answers either land in the shared document
// for everyone, or go straight back to the requesting client.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrEmptyPrompt is returned when a request carries no selected text.
var ErrEmptyPrompt = errors.New("ai: empty prompt")

// ErrNoAnswer is returned when the API responds without any text
// content.
var ErrNoAnswer = errors.New("ai: response carried no text")

const (
	defaultBaseURL = "https://api.cohere.com"
	defaultModel   = "command-a-03-2025"

	// shortAnswerPrefix keeps responses small enough for the shared
	// document.
	shortAnswerPrefix = "Please provide a concise, brief response (3-5 sentences maximum). "
)

// Client talks to a Cohere v2 chat endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	model      string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API host. Used by
// tests and Cohere-compatible gateways.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// NewClient returns a chat client authenticated with token.
func NewClient(token string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		token:      token,
		model:      defaultModel,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	SafetyMode  string        `json:"safety_mode"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []chatContent `json:"content"`
}

type chatContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatResponse struct {
	Message struct {
		Content []chatContent `json:"content"`
	} `json:"message"`
}

// Ask sends the selected text with the short-answer instruction and
// returns the model's reply.
func (c *Client) Ask(ctx context.Context, selectedText string) (string, error) {
	prompt := strings.TrimSpace(selectedText)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{{
			Role:    "user",
			Content: []chatContent{{Type: "text", Text: shortAnswerPrefix + prompt}},
		}},
		Temperature: 0.3,
		SafetyMode:  "STRICT",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ai: chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("ai: chat status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ai: decode response: %w", err)
	}
	for _, part := range out.Message.Content {
		if part.Type == "text" && part.Text != "" {
			return part.Text, nil
		}
	}
	return "", ErrNoAnswer
}
