package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// TestParseMessageFile covers both naming patterns.
func TestParseMessageFile(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		sessionID string
		msgType   string
		text      string
	}{
		{"abc123.txt", "hello\n", "abc123", "system", "hello"},
		{"abc123_bot.txt", "hi", "abc123", "bot", "hi"},
		{"abc123_bot_alert.txt", "warn", "abc123", "bot_alert", "warn"},
		{"abc123.txt", "  \n\t", "abc123", "system", ""},
	}
	for _, tt := range tests {
		got := parseMessageFile(tt.name, tt.content)
		if got.SessionID != tt.sessionID || got.Type != tt.msgType || got.Text != tt.text {
			t.Errorf("parseMessageFile(%q) = %+v", tt.name, got)
		}
	}
}

// TestWatcherDeliversOnce drops files into the directory and checks
// each fires exactly one message before being archived.
func TestWatcherDeliversOnce(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(Config{Dir: dir, Interval: 5 * time.Millisecond}, slog.Default())

	var mu sync.Mutex
	var got []Message
	w.OnMessage(func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer w.Stop()

	// Start returns with polling already underway and the processed
	// directory in place.
	if _, err := os.Stat(filepath.Join(dir, processedDir)); err != nil {
		t.Fatalf("processed directory missing after Start: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "room1.txt"), []byte("announcement"), 0o644); err != nil {
		t.Fatalf("write message file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "room2_bot.txt"), []byte("typed"), 0o644); err != nil {
		t.Fatalf("write message file: %v", err)
	}
	// Non-txt and empty files are never delivered.
	os.WriteFile(filepath.Join(dir, "notes.md"), []byte("ignored"), 0o644)
	os.WriteFile(filepath.Join(dir, "room3.txt"), []byte("   "), 0o644)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Let a few more polls run to catch double delivery.
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("delivered %d messages, want 2: %+v", len(got), got)
	}
	bySession := make(map[string]Message)
	for _, m := range got {
		bySession[m.SessionID] = m
	}
	if m := bySession["room1"]; m.Type != "system" || m.Text != "announcement" {
		t.Errorf("room1 message = %+v", m)
	}
	if m := bySession["room2"]; m.Type != "bot" || m.Text != "typed" {
		t.Errorf("room2 message = %+v", m)
	}

	// Handled .txt files are archived out of the drop directory.
	for _, name := range []string{"room1.txt", "room2_bot.txt", "room3.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
			t.Errorf("%s still in drop directory", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.md")); err != nil {
		t.Error("non-txt file was touched")
	}
}
