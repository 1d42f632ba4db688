package session

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/collabrio/relay/internal/store"
)

// fakeStore records SaveSession calls for assertions.
type fakeStore struct {
	mu     sync.Mutex
	saves  []string // saved document texts, in order
	docs   map[string]string
	loadOK bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]string), loadOK: true}
}

func (f *fakeStore) SaveSession(_ context.Context, id, doc string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, doc)
	f.docs[id] = doc
	return nil
}

func (f *fakeStore) LoadSession(_ context.Context, id string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	return doc, ok && f.loadOK, nil
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeStore) lastSave() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saves) == 0 {
		return ""
	}
	return f.saves[len(f.saves)-1]
}

func (f *fakeStore) PurgeSessionsOlderThan(context.Context, time.Duration) (int64, error) {
	return 0, nil
}
func (f *fakeStore) InsertCachedImage(context.Context, store.CachedImage) (int64, error) {
	return 0, nil
}
func (f *fakeStore) ListCachedImages(context.Context, string, int) ([]store.CachedImage, error) {
	return nil, nil
}
func (f *fakeStore) AllCachedImages(context.Context, string) ([]store.CachedImage, error) {
	return nil, nil
}
func (f *fakeStore) GetCachedImage(context.Context, string, string) (store.CachedImage, bool, error) {
	return store.CachedImage{}, false, nil
}
func (f *fakeStore) DeleteCachedImageRow(context.Context, int64) error   { return nil }
func (f *fakeStore) DeleteCachedImage(context.Context, string, string) error { return nil }
func (f *fakeStore) ListInactiveCachedImages(context.Context, time.Time) ([]store.CachedImage, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

func newTestRegistry() (*Registry, *fakeStore) {
	fs := newFakeStore()
	return NewRegistry(fs, slog.Default()), fs
}

func member(id string) *Member {
	return &Member{ID: id, Username: id, LastSeen: time.Now()}
}

// TestMembershipAccounting verifies add/remove sequences and that
// hitting zero is reported exactly once.
func TestMembershipAccounting(t *testing.T) {
	r, _ := newTestRegistry()

	r.AddMember("room", member("a"))
	r.AddMember("room", member("b"))
	// Upsert of an existing ID must not duplicate.
	r.AddMember("room", member("a"))

	if got := len(r.Users("room")); got != 2 {
		t.Fatalf("member count = %d, want 2", got)
	}

	if empty := r.RemoveMember("room", "a"); empty {
		t.Error("session reported empty with one member remaining")
	}
	if empty := r.RemoveMember("room", "b"); !empty {
		t.Error("session not reported empty after last removal")
	}
	// A second removal must not report empty again.
	if empty := r.RemoveMember("room", "b"); empty {
		t.Error("empty reported twice")
	}
}

// TestRemoveUnknownMember checks removals of absent members are inert.
func TestRemoveUnknownMember(t *testing.T) {
	r, _ := newTestRegistry()
	r.AddMember("room", member("a"))

	if empty := r.RemoveMember("room", "ghost"); empty {
		t.Error("removing unknown member reported session empty")
	}
	if empty := r.RemoveMember("nosuch", "a"); empty {
		t.Error("removing from unknown session reported empty")
	}
	if got := len(r.Users("room")); got != 1 {
		t.Errorf("member count = %d, want 1", got)
	}
}

// TestDocumentLastWriteWins confirms whole-snapshot replacement.
func TestDocumentLastWriteWins(t *testing.T) {
	r, _ := newTestRegistry()

	r.SetDocument("room", "first edit")
	r.SetDocument("room", "second edit")

	doc, ok := r.Document("room")
	if !ok {
		t.Fatal("document missing")
	}
	if doc != "second edit" {
		t.Errorf("document = %q, want the last write", doc)
	}
}

// TestLoadDocumentRehydrates verifies store fallback and caching.
func TestLoadDocumentRehydrates(t *testing.T) {
	r, fs := newTestRegistry()
	fs.docs["room"] = "restored text"

	doc := r.LoadDocument(context.Background(), "room")
	if doc != "restored text" {
		t.Fatalf("loaded %q, want restored text", doc)
	}
	// Second load must come from memory.
	fs.loadOK = false
	if doc := r.LoadDocument(context.Background(), "room"); doc != "restored text" {
		t.Errorf("cached load = %q", doc)
	}
}

// TestLoadDocumentMissing degrades to an empty document.
func TestLoadDocumentMissing(t *testing.T) {
	r, _ := newTestRegistry()
	if doc := r.LoadDocument(context.Background(), "fresh"); doc != "" {
		t.Errorf("got %q, want empty document", doc)
	}
}

// TestClearedDocumentStaysCleared verifies a deliberately emptied
// document is a real snapshot: late joiners must not get the stale
// store text back.
func TestClearedDocumentStaysCleared(t *testing.T) {
	r, fs := newTestRegistry()
	fs.docs["room"] = "old text"

	if doc := r.LoadDocument(context.Background(), "room"); doc != "old text" {
		t.Fatalf("loaded %q, want old text", doc)
	}
	r.SetDocument("room", "")

	doc, ok := r.Document("room")
	if !ok {
		t.Fatal("cleared document reported as no snapshot")
	}
	if doc != "" {
		t.Errorf("document = %q, want empty", doc)
	}
	if doc := r.LoadDocument(context.Background(), "room"); doc != "" {
		t.Errorf("late joiner got %q, want cleared document", doc)
	}
}

// TestDebouncedPersist checks N rapid changes collapse into one store
// write holding the final text.
func TestDebouncedPersist(t *testing.T) {
	r, fs := newTestRegistry()

	for i := 0; i < 5; i++ {
		r.DebouncedPersist("room", "draft "+string(rune('0'+i)), 30*time.Millisecond)
	}
	r.DebouncedPersist("room", "final text", 30*time.Millisecond)

	time.Sleep(120 * time.Millisecond)

	if n := fs.saveCount(); n != 1 {
		t.Fatalf("store writes = %d, want 1", n)
	}
	if got := fs.lastSave(); got != "final text" {
		t.Errorf("saved %q, want final text", got)
	}
}

// TestDebouncedPersistSkipsBlank verifies blank documents are not
// written.
func TestDebouncedPersistSkipsBlank(t *testing.T) {
	r, fs := newTestRegistry()

	r.DebouncedPersist("room", "   \n ", 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	if n := fs.saveCount(); n != 0 {
		t.Errorf("store writes = %d, want 0 for blank document", n)
	}
}

// TestDeleteCancelsPendingPersist verifies destruction stops the timer.
func TestDeleteCancelsPendingPersist(t *testing.T) {
	r, fs := newTestRegistry()

	r.SetDocument("room", "text")
	r.DebouncedPersist("room", "text", 50*time.Millisecond)
	r.Delete("room")

	time.Sleep(120 * time.Millisecond)
	if n := fs.saveCount(); n != 0 {
		t.Errorf("store writes after delete = %d, want 0", n)
	}
}

// TestFlush writes exactly the held document, and nothing when blank.
func TestFlush(t *testing.T) {
	r, fs := newTestRegistry()

	r.SetDocument("full", "keep me")
	r.Flush(context.Background(), "full")
	if got := fs.lastSave(); got != "keep me" {
		t.Errorf("flushed %q, want keep me", got)
	}

	before := fs.saveCount()
	r.Flush(context.Background(), "empty")
	if fs.saveCount() != before {
		t.Error("flush of empty session produced a store write")
	}
}

// TestCleanupInactive evicts stale members and reports emptied
// sessions.
func TestCleanupInactive(t *testing.T) {
	r, _ := newTestRegistry()

	stale := &Member{ID: "old", LastSeen: time.Now().Add(-time.Minute)}
	fresh := &Member{ID: "new", LastSeen: time.Now()}

	r.AddMember("dead", stale)
	r.AddMember("alive", fresh)
	r.AddMember("mixed", &Member{ID: "old2", LastSeen: time.Now().Add(-time.Minute)})
	r.AddMember("mixed", &Member{ID: "new2", LastSeen: time.Now()})

	emptied := r.CleanupInactive(30 * time.Second)
	if len(emptied) != 1 || emptied[0] != "dead" {
		t.Errorf("emptied = %v, want [dead]", emptied)
	}
	if got := len(r.Users("mixed")); got != 1 {
		t.Errorf("mixed session members = %d, want 1", got)
	}
	if got := len(r.Users("alive")); got != 1 {
		t.Errorf("alive session members = %d, want 1", got)
	}
}

// TestStats reports counts and document presence.
func TestStats(t *testing.T) {
	r, _ := newTestRegistry()
	r.AddMember("room", member("a"))
	r.SetDocument("room", "doc")

	stats := r.Stats()
	s, ok := stats["room"]
	if !ok {
		t.Fatal("room missing from stats")
	}
	if s.ClientCount != 1 || !s.HasDocument {
		t.Errorf("stats = %+v", s)
	}
}
