// Package imagecache keeps the most recent image uploads of a session
// available for late joiners. Blobs live in a pluggable BlobStore,
// metadata lives in the persistent store, and a per-session cap bounds
// disk usage.
package imagecache

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/collabrio/relay/internal/store"
)

// ErrNotFound is returned when no metadata record exists for an image.
var ErrNotFound = errors.New("imagecache: image not found")

// ErrNotFoundOnDisk is returned when a metadata record exists but the
// blob is gone from storage.
var ErrNotFoundOnDisk = errors.New("imagecache: blob missing from storage")

// DefaultCap is the number of images retained per session.
const DefaultCap = 5

// BlobStore stores image blobs keyed by session and file. Put returns
// an opaque location that is persisted in the metadata record and
// passed back to Get and Delete.
type BlobStore interface {
	Put(ctx context.Context, sessionID, fileID, filename, mimeType string, data []byte) (string, error)
	Get(ctx context.Context, location string) ([]byte, error)
	Delete(ctx context.Context, location string) error

	// PruneSession removes a session's now-empty blob container.
	// Backends without per-session containers treat this as a no-op.
	PruneSession(ctx context.Context, sessionID string) error
}

// MetaStore is the slice of the persistent store the cache needs.
type MetaStore interface {
	InsertCachedImage(ctx context.Context, img store.CachedImage) (int64, error)
	ListCachedImages(ctx context.Context, sessionID string, limit int) ([]store.CachedImage, error)
	AllCachedImages(ctx context.Context, sessionID string) ([]store.CachedImage, error)
	GetCachedImage(ctx context.Context, sessionID, fileID string) (store.CachedImage, bool, error)
	DeleteCachedImageRow(ctx context.Context, rowID int64) error
	ListInactiveCachedImages(ctx context.Context, threshold time.Time) ([]store.CachedImage, error)
}

// Cache coordinates blob storage and metadata for cached images.
type Cache struct {
	meta   MetaStore
	blobs  BlobStore
	cap    int
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Cache retaining at most cap images per session.
// A cap of zero or less uses DefaultCap.
func New(meta MetaStore, blobs BlobStore, cap int, logger *slog.Logger) *Cache {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Cache{
		meta:   meta,
		blobs:  blobs,
		cap:    cap,
		logger: logger,
		now:    time.Now,
	}
}

// IsImage reports whether a MIME type is cacheable.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}

// CacheIfImage stores an assembled upload if it is an image, evicting
// the oldest entries beyond the per-session cap. Non-image uploads are
// a no-op and report cached=false.
func (c *Cache) CacheIfImage(ctx context.Context, img store.CachedImage, data []byte) (bool, error) {
	if !IsImage(img.MimeType) {
		return false, nil
	}

	location, err := c.blobs.Put(ctx, img.SessionID, img.FileID, img.Filename, img.MimeType, data)
	if err != nil {
		return false, err
	}

	img.FilePath = location
	img.UploadedAt = c.now()
	if _, err := c.meta.InsertCachedImage(ctx, img); err != nil {
		c.blobs.Delete(ctx, location)
		return false, err
	}

	c.logger.Info("image cached",
		"session", img.SessionID, "file", img.FileID,
		"filename", img.Filename, "bytes", len(data))

	if err := c.evictOverflow(ctx, img.SessionID); err != nil {
		c.logger.Error("image cache eviction failed", "session", img.SessionID, "error", err)
	}
	return true, nil
}

// evictOverflow removes the oldest entries beyond the cap. A failed
// blob delete is logged but never blocks dropping the metadata row:
// an orphaned blob is recoverable, a phantom record is not.
func (c *Cache) evictOverflow(ctx context.Context, sessionID string) error {
	all, err := c.meta.AllCachedImages(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, victim := range all[min(c.cap, len(all)):] {
		if err := c.blobs.Delete(ctx, victim.FilePath); err != nil {
			c.logger.Warn("evicted blob delete failed",
				"session", sessionID, "file", victim.FileID, "error", err)
		}
		if err := c.meta.DeleteCachedImageRow(ctx, victim.RowID); err != nil {
			return err
		}
		c.logger.Info("image evicted", "session", sessionID, "file", victim.FileID)
	}
	return nil
}

// ListForSession returns up to the cap of a session's cached images,
// newest first.
func (c *Cache) ListForSession(ctx context.Context, sessionID string) ([]store.CachedImage, error) {
	return c.meta.ListCachedImages(ctx, sessionID, c.cap)
}

// Serve returns an image's metadata and bytes. A record whose blob has
// vanished is dropped and reported as ErrNotFoundOnDisk.
func (c *Cache) Serve(ctx context.Context, sessionID, fileID string) (store.CachedImage, []byte, error) {
	img, ok, err := c.meta.GetCachedImage(ctx, sessionID, fileID)
	if err != nil {
		return store.CachedImage{}, nil, err
	}
	if !ok {
		return store.CachedImage{}, nil, ErrNotFound
	}

	data, err := c.blobs.Get(ctx, img.FilePath)
	if err != nil {
		if errors.Is(err, ErrNotFoundOnDisk) {
			c.meta.DeleteCachedImageRow(ctx, img.RowID)
			return store.CachedImage{}, nil, ErrNotFoundOnDisk
		}
		return store.CachedImage{}, nil, err
	}
	return img, data, nil
}

// Delete removes one cached image, blob first.
func (c *Cache) Delete(ctx context.Context, sessionID, fileID string) error {
	img, ok, err := c.meta.GetCachedImage(ctx, sessionID, fileID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	if err := c.blobs.Delete(ctx, img.FilePath); err != nil {
		c.logger.Warn("blob delete failed",
			"session", sessionID, "file", fileID, "error", err)
	}
	return c.meta.DeleteCachedImageRow(ctx, img.RowID)
}

// SweepInactive removes every cached image belonging to a session that
// has seen no document update since the threshold, then prunes the
// emptied session containers. Returns the number of images removed.
func (c *Cache) SweepInactive(ctx context.Context, threshold time.Time) (int, error) {
	stale, err := c.meta.ListInactiveCachedImages(ctx, threshold)
	if err != nil {
		return 0, err
	}

	sessions := make(map[string]struct{})
	removed := 0
	for _, img := range stale {
		if err := c.blobs.Delete(ctx, img.FilePath); err != nil {
			c.logger.Warn("stale blob delete failed",
				"session", img.SessionID, "file", img.FileID, "error", err)
		}
		if err := c.meta.DeleteCachedImageRow(ctx, img.RowID); err != nil {
			return removed, err
		}
		sessions[img.SessionID] = struct{}{}
		removed++
	}

	for sessionID := range sessions {
		if err := c.blobs.PruneSession(ctx, sessionID); err != nil {
			c.logger.Warn("session blob prune failed", "session", sessionID, "error", err)
		}
	}

	if removed > 0 {
		c.logger.Info("inactive images swept", "count", removed, "sessions", len(sessions))
	}
	return removed, nil
}
