// Package store persists session document snapshots and cached-image
// metadata. It is a durable fallback only: the real-time path never
// reads from it, and callers treat a missing row as an empty document.
package store

import (
	"context"
	"time"
)

// Store is the persistence interface used by the registry, the image
// cache, and the HTTP surface. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveSession upserts a document snapshot, preserving the original
	// creation timestamp across updates.
	SaveSession(ctx context.Context, sessionID, document string) error

	// LoadSession returns the stored document for a session.
	// A missing row is (("", false, nil)), not an error.
	LoadSession(ctx context.Context, sessionID string) (string, bool, error)

	// PurgeSessionsOlderThan deletes session rows whose last update
	// predates the cutoff. Returns the number of rows removed.
	PurgeSessionsOlderThan(ctx context.Context, age time.Duration) (int64, error)

	// InsertCachedImage records cached-image metadata and returns the
	// row ID.
	InsertCachedImage(ctx context.Context, img CachedImage) (int64, error)

	// ListCachedImages returns up to limit records for a session,
	// newest first by upload timestamp.
	ListCachedImages(ctx context.Context, sessionID string, limit int) ([]CachedImage, error)

	// AllCachedImages returns every record for a session, newest first.
	AllCachedImages(ctx context.Context, sessionID string) ([]CachedImage, error)

	// GetCachedImage looks a record up by (session, file) pair.
	// A missing row is ((CachedImage{}, false, nil)), not an error.
	GetCachedImage(ctx context.Context, sessionID, fileID string) (CachedImage, bool, error)

	// DeleteCachedImageRow deletes by row ID.
	DeleteCachedImageRow(ctx context.Context, rowID int64) error

	// DeleteCachedImage deletes by (session, file) pair.
	DeleteCachedImage(ctx context.Context, sessionID, fileID string) error

	// ListInactiveCachedImages returns records whose session's last
	// update predates the threshold, or whose session row no longer
	// exists.
	ListInactiveCachedImages(ctx context.Context, threshold time.Time) ([]CachedImage, error)

	// Close releases the underlying database handle.
	Close() error
}

// CachedImage is one cached-image metadata row.
type CachedImage struct {
	RowID            int64
	SessionID        string
	FileID           string
	Filename         string
	MimeType         string
	FileSize         int64
	UploadedBy       string
	UploaderUsername string
	UploadedAt       time.Time
	FilePath         string
}
