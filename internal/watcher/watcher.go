// Package watcher polls a drop directory for message files and turns
// them into session text injections. A file named <sessionID>.txt
// carries a "system" message; <sessionID>_<type>.txt carries a typed
// one. Processed files are moved aside so they fire exactly once.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// processedDir is where handled files are moved, inside the drop
// directory.
const processedDir = "processed"

// Message is one parsed message file.
type Message struct {
	SessionID string
	Type      string
	Text      string
	Source    string
}

// Config configures the drop-directory watcher.
type Config struct {
	// Dir is the drop directory. Created if missing.
	Dir string

	// Interval is the poll period.
	Interval time.Duration
}

// Watcher polls the drop directory on a ticker.
type Watcher struct {
	cfg       Config
	logger    *slog.Logger
	onMessage func(Message)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewWatcher returns a watcher polling cfg.Dir.
func NewWatcher(cfg Config, logger *slog.Logger) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Watcher{cfg: cfg, logger: logger}
}

// OnMessage sets the callback invoked for each parsed message file.
func (w *Watcher) OnMessage(fn func(Message)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onMessage = fn
}

// Start creates the drop directory and begins polling it in the
// background until the context is cancelled or Stop is called. It
// returns once polling is underway.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	stop := w.stopCh
	w.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(w.cfg.Dir, processedDir), 0o755); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	w.logger.Info("watching message directory", "dir", w.cfg.Dir, "interval", w.cfg.Interval)

	go w.run(ctx, stop)
	return nil
}

func (w *Watcher) run(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// Stop halts polling.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		close(w.stopCh)
		w.running = false
	}
}

// poll handles every .txt file sitting in the drop directory.
func (w *Watcher) poll() {
	w.mu.Lock()
	callback := w.onMessage
	w.mu.Unlock()

	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		w.logger.Error("message directory read failed", "dir", w.cfg.Dir, "error", err)
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".txt") {
			continue
		}

		path := filepath.Join(w.cfg.Dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			w.logger.Error("message file read failed", "file", name, "error", err)
			continue
		}

		msg := parseMessageFile(name, string(data))
		if msg.Text == "" {
			w.logger.Warn("empty message file skipped", "file", name)
		} else if callback != nil {
			w.logger.Info("injecting message file",
				"file", name, "session", msg.SessionID, "type", msg.Type)
			callback(msg)
		}

		w.archive(path, name)
	}
}

// parseMessageFile extracts the session ID and message type from the
// file name. Everything after the first underscore is the type, so
// typed names may themselves contain underscores.
func parseMessageFile(name, content string) Message {
	base := strings.TrimSuffix(name, ".txt")
	sessionID, msgType := base, "system"
	if i := strings.Index(base, "_"); i >= 0 {
		sessionID, msgType = base[:i], base[i+1:]
	}
	return Message{
		SessionID: sessionID,
		Type:      msgType,
		Text:      strings.TrimSpace(content),
		Source:    name,
	}
}

// archive moves a handled file into the processed directory with a
// timestamp prefix.
func (w *Watcher) archive(path, name string) {
	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(time.Now().UTC().Format(time.RFC3339Nano))
	dest := filepath.Join(w.cfg.Dir, processedDir, stamp+"_"+name)
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error("processed file move failed", "file", name, "error", err)
		// Remove it outright rather than reprocess it every poll.
		os.Remove(path)
	}
}
