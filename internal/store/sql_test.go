package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s, err := NewSQLStore(db)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestSaveLoadSession tests the upsert/load round trip and the
// not-found contract.
func TestSaveLoadSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadSession(ctx, "missing")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if ok {
		t.Error("expected missing session to report ok=false")
	}

	if err := s.SaveSession(ctx, "room-1", "hello"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.SaveSession(ctx, "room-1", "hello again"); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}

	doc, ok, err := s.LoadSession(ctx, "room-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if !ok || doc != "hello again" {
		t.Errorf("got (%q, %v), want (\"hello again\", true)", doc, ok)
	}
}

// TestSaveSessionPreservesCreatedAt verifies updates keep the original
// creation timestamp.
func TestSaveSessionPreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveSession(ctx, "room-1", "v1"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	var created1 int64
	if err := s.db.QueryRow(`SELECT created_at FROM sessions WHERE id = ?`, "room-1").Scan(&created1); err != nil {
		t.Fatalf("query created_at: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := s.SaveSession(ctx, "room-1", "v2"); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}
	var created2, updated int64
	if err := s.db.QueryRow(`SELECT created_at, last_updated FROM sessions WHERE id = ?`, "room-1").Scan(&created2, &updated); err != nil {
		t.Fatalf("query timestamps: %v", err)
	}

	if created1 != created2 {
		t.Errorf("created_at changed on update: %d -> %d", created1, created2)
	}
	if updated < created2 {
		t.Errorf("last_updated %d is before created_at %d", updated, created2)
	}
}

// TestPurgeSessionsOlderThan removes only stale rows.
func TestPurgeSessionsOlderThan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveSession(ctx, "fresh", "doc"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	// Backdate a second row beyond the cutoff.
	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	if _, err := s.db.Exec(
		`INSERT INTO sessions (id, document, last_updated, created_at) VALUES (?, ?, ?, ?)`,
		"stale", "doc", old, old); err != nil {
		t.Fatalf("insert stale row: %v", err)
	}

	n, err := s.PurgeSessionsOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeSessionsOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d rows, want 1", n)
	}
	if _, ok, _ := s.LoadSession(ctx, "fresh"); !ok {
		t.Error("fresh session was purged")
	}
	if _, ok, _ := s.LoadSession(ctx, "stale"); ok {
		t.Error("stale session survived purge")
	}
}

// TestCachedImageCRUD covers insert, get, list ordering, and both
// delete forms.
func TestCachedImageCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	var rowIDs []int64
	for i := 0; i < 3; i++ {
		id, err := s.InsertCachedImage(ctx, CachedImage{
			SessionID:        "room-1",
			FileID:           string(rune('a' + i)),
			Filename:         "img.png",
			MimeType:         "image/png",
			FileSize:         100,
			UploadedBy:       "client-1",
			UploaderUsername: "Alice",
			UploadedAt:       base.Add(time.Duration(i) * time.Second),
			FilePath:         "/tmp/img.png",
		})
		if err != nil {
			t.Fatalf("InsertCachedImage: %v", err)
		}
		rowIDs = append(rowIDs, id)
	}

	imgs, err := s.ListCachedImages(ctx, "room-1", 2)
	if err != nil {
		t.Fatalf("ListCachedImages: %v", err)
	}
	if len(imgs) != 2 {
		t.Fatalf("got %d images, want 2", len(imgs))
	}
	if imgs[0].FileID != "c" || imgs[1].FileID != "b" {
		t.Errorf("wrong recency order: %s, %s", imgs[0].FileID, imgs[1].FileID)
	}

	img, ok, err := s.GetCachedImage(ctx, "room-1", "a")
	if err != nil || !ok {
		t.Fatalf("GetCachedImage: ok=%v err=%v", ok, err)
	}
	if img.UploaderUsername != "Alice" {
		t.Errorf("uploader = %q, want Alice", img.UploaderUsername)
	}

	if err := s.DeleteCachedImageRow(ctx, rowIDs[0]); err != nil {
		t.Fatalf("DeleteCachedImageRow: %v", err)
	}
	if _, ok, _ := s.GetCachedImage(ctx, "room-1", "a"); ok {
		t.Error("row survived DeleteCachedImageRow")
	}

	if err := s.DeleteCachedImage(ctx, "room-1", "b"); err != nil {
		t.Fatalf("DeleteCachedImage: %v", err)
	}
	if _, ok, _ := s.GetCachedImage(ctx, "room-1", "b"); ok {
		t.Error("row survived DeleteCachedImage")
	}
}

// TestListInactiveCachedImages finds images for stale or missing
// sessions only.
func TestListInactiveCachedImages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveSession(ctx, "active", "doc"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	old := time.Now().Add(-8 * 24 * time.Hour).UnixMilli()
	if _, err := s.db.Exec(
		`INSERT INTO sessions (id, document, last_updated, created_at) VALUES (?, ?, ?, ?)`,
		"idle", "doc", old, old); err != nil {
		t.Fatalf("insert idle session: %v", err)
	}

	for _, sid := range []string{"active", "idle", "gone"} {
		if _, err := s.InsertCachedImage(ctx, CachedImage{
			SessionID: sid, FileID: "f1", Filename: "x.png", MimeType: "image/png",
			UploadedBy: "c", UploaderUsername: "u", UploadedAt: time.Now(), FilePath: "/tmp/x",
		}); err != nil {
			t.Fatalf("InsertCachedImage(%s): %v", sid, err)
		}
	}

	imgs, err := s.ListInactiveCachedImages(ctx, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("ListInactiveCachedImages: %v", err)
	}
	if len(imgs) != 2 {
		t.Fatalf("got %d inactive images, want 2", len(imgs))
	}
	for _, img := range imgs {
		if img.SessionID == "active" {
			t.Error("image for active session reported inactive")
		}
	}
}
