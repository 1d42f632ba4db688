package imagecache

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/collabrio/relay/internal/store"

	_ "modernc.org/sqlite"
)

func newTestCache(t *testing.T, cap int) (*Cache, *store.SQLStore, string) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	meta, err := store.NewSQLStore(db)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	dir := t.TempDir()
	blobs, err := NewDiskStore(dir)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	return New(meta, blobs, cap, slog.Default()), meta, dir
}

func cacheOne(t *testing.T, c *Cache, sessionID, fileID string, data []byte) {
	t.Helper()
	cached, err := c.CacheIfImage(context.Background(), store.CachedImage{
		SessionID:        sessionID,
		FileID:           fileID,
		Filename:         fileID + ".png",
		MimeType:         "image/png",
		FileSize:         int64(len(data)),
		UploadedBy:       "client-1",
		UploaderUsername: "Alice",
	}, data)
	if err != nil {
		t.Fatalf("CacheIfImage(%s): %v", fileID, err)
	}
	if !cached {
		t.Fatalf("CacheIfImage(%s) reported not cached", fileID)
	}
}

// TestCacheAndServe round-trips an image through blob and metadata
// storage.
func TestCacheAndServe(t *testing.T) {
	c, _, _ := newTestCache(t, 5)
	data := []byte("png bytes")
	cacheOne(t, c, "room", "img1", data)

	img, got, err := c.Serve(context.Background(), "room", "img1")
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("served bytes differ from cached bytes")
	}
	if img.Filename != "img1.png" || img.MimeType != "image/png" {
		t.Errorf("metadata = %+v", img)
	}
}

// TestNonImageIgnored leaves non-image uploads out of the cache.
func TestNonImageIgnored(t *testing.T) {
	c, _, dir := newTestCache(t, 5)

	cached, err := c.CacheIfImage(context.Background(), store.CachedImage{
		SessionID: "room", FileID: "doc1", Filename: "notes.pdf",
		MimeType: "application/pdf",
	}, []byte("pdf"))
	if err != nil {
		t.Fatalf("CacheIfImage: %v", err)
	}
	if cached {
		t.Error("non-image upload was cached")
	}
	if _, err := os.Stat(filepath.Join(dir, "room")); !os.IsNotExist(err) {
		t.Error("blob written for non-image upload")
	}
}

// TestEvictionOrder keeps the newest cap images and evicts the oldest,
// blobs included.
func TestEvictionOrder(t *testing.T) {
	c, _, _ := newTestCache(t, 3)
	now := time.Now()
	c.now = func() time.Time { return now }

	for i := 1; i <= 4; i++ {
		now = now.Add(time.Second)
		cacheOne(t, c, "room", fmt.Sprintf("img%d", i), []byte{byte(i)})
	}

	list, err := c.ListForSession(context.Background(), "room")
	if err != nil {
		t.Fatalf("ListForSession: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("cached %d images, want 3", len(list))
	}
	for i, img := range list {
		want := fmt.Sprintf("img%d", 4-i)
		if img.FileID != want {
			t.Errorf("list[%d] = %s, want %s", i, img.FileID, want)
		}
	}

	_, _, err = c.Serve(context.Background(), "room", "img1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("evicted image Serve: %v, want ErrNotFound", err)
	}
}

// TestServeMissingBlob drops the stale record and distinguishes the
// error from an unknown image.
func TestServeMissingBlob(t *testing.T) {
	c, meta, _ := newTestCache(t, 5)
	cacheOne(t, c, "room", "img1", []byte("bytes"))

	img, _, err := meta.GetCachedImage(context.Background(), "room", "img1")
	if err != nil {
		t.Fatalf("GetCachedImage: %v", err)
	}
	if err := os.Remove(img.FilePath); err != nil {
		t.Fatalf("remove blob: %v", err)
	}

	_, _, err = c.Serve(context.Background(), "room", "img1")
	if !errors.Is(err, ErrNotFoundOnDisk) {
		t.Fatalf("Serve with missing blob: %v, want ErrNotFoundOnDisk", err)
	}

	// The stale record is gone, so the next lookup is a plain miss.
	_, _, err = c.Serve(context.Background(), "room", "img1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Serve after stale drop: %v, want ErrNotFound", err)
	}
}

// TestDelete removes blob and metadata.
func TestDelete(t *testing.T) {
	c, _, _ := newTestCache(t, 5)
	cacheOne(t, c, "room", "img1", []byte("bytes"))

	if err := c.Delete(context.Background(), "room", "img1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, _, err := c.Serve(context.Background(), "room", "img1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Serve after delete: %v, want ErrNotFound", err)
	}

	if err := c.Delete(context.Background(), "room", "img1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: %v, want ErrNotFound", err)
	}
}

// TestSweepInactive removes images for sessions idle past the
// threshold and prunes their directories.
func TestSweepInactive(t *testing.T) {
	c, meta, dir := newTestCache(t, 5)
	ctx := context.Background()

	// "idle" last touched long ago; "busy" touched now. The store
	// tracks activity through SaveSession timestamps.
	if err := meta.SaveSession(ctx, "idle", "old text"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	cacheOne(t, c, "idle", "img1", []byte("a"))
	cacheOne(t, c, "orphan", "img2", []byte("b")) // no session row at all

	time.Sleep(5 * time.Millisecond)
	threshold := time.Now()

	if err := meta.SaveSession(ctx, "busy", "fresh text"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	cacheOne(t, c, "busy", "img3", []byte("c"))

	removed, err := c.SweepInactive(ctx, threshold)
	if err != nil {
		t.Fatalf("SweepInactive: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed %d images, want 2", removed)
	}

	if _, _, err := c.Serve(ctx, "busy", "img3"); err != nil {
		t.Errorf("active session's image swept: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "idle")); !os.IsNotExist(err) {
		t.Error("idle session directory not pruned")
	}
	if _, err := os.Stat(filepath.Join(dir, "orphan")); !os.IsNotExist(err) {
		t.Error("orphan session directory not pruned")
	}
}

// TestDiskStorePrune keeps non-empty session directories.
func TestDiskStorePrune(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir)
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	ctx := context.Background()

	loc, err := s.Put(ctx, "room", "img1", "a.png", "image/png", []byte("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.PruneSession(ctx, "room"); err != nil {
		t.Fatalf("PruneSession: %v", err)
	}
	if _, err := os.Stat(loc); err != nil {
		t.Error("prune removed a non-empty session directory")
	}

	if err := s.Delete(ctx, loc); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.PruneSession(ctx, "room"); err != nil {
		t.Fatalf("PruneSession: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "room")); !os.IsNotExist(err) {
		t.Error("empty session directory survived prune")
	}
}
