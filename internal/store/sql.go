package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLStore is a database/sql implementation of Store. It is written
// against SQLite (modernc.org/sqlite) but sticks to portable SQL.
//
// Schema:
//
//	CREATE TABLE sessions (
//	    id TEXT PRIMARY KEY,
//	    document TEXT NOT NULL,
//	    last_updated INTEGER NOT NULL,
//	    created_at INTEGER NOT NULL
//	);
//	CREATE TABLE cached_images (
//	    id INTEGER PRIMARY KEY AUTOINCREMENT,
//	    session_id TEXT NOT NULL,
//	    file_id TEXT NOT NULL,
//	    filename TEXT NOT NULL,
//	    mime_type TEXT NOT NULL,
//	    file_size INTEGER NOT NULL,
//	    uploaded_by TEXT NOT NULL,
//	    uploader_username TEXT NOT NULL,
//	    upload_timestamp INTEGER NOT NULL,
//	    file_path TEXT NOT NULL
//	);
//
// Timestamps are unix milliseconds.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle and creates the schema if
// it does not exist.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			document TEXT NOT NULL,
			last_updated INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cached_images (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			file_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			file_size INTEGER NOT NULL,
			uploaded_by TEXT NOT NULL,
			uploader_username TEXT NOT NULL,
			upload_timestamp INTEGER NOT NULL,
			file_path TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cached_images_session
			ON cached_images(session_id, upload_timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSession upserts a document snapshot. The created_at of an
// existing row is preserved.
func (s *SQLStore) SaveSession(ctx context.Context, sessionID, document string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, document, last_updated, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET document = excluded.document, last_updated = excluded.last_updated`,
		sessionID, document, now, now)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	return nil
}

// LoadSession returns the stored document, or ok=false when no row
// exists.
func (s *SQLStore) LoadSession(ctx context.Context, sessionID string) (string, bool, error) {
	var document string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM sessions WHERE id = ?`, sessionID).Scan(&document)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return document, true, nil
}

// PurgeSessionsOlderThan removes stale session rows.
func (s *SQLStore) PurgeSessionsOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE last_updated < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

// InsertCachedImage records cached-image metadata.
func (s *SQLStore) InsertCachedImage(ctx context.Context, img CachedImage) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cached_images (
			session_id, file_id, filename, mime_type, file_size,
			uploaded_by, uploader_username, upload_timestamp, file_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		img.SessionID, img.FileID, img.Filename, img.MimeType, img.FileSize,
		img.UploadedBy, img.UploaderUsername, img.UploadedAt.UnixMilli(), img.FilePath)
	if err != nil {
		return 0, fmt.Errorf("insert cached image %s/%s: %w", img.SessionID, img.FileID, err)
	}
	return res.LastInsertId()
}

// ListCachedImages returns up to limit records, newest first.
func (s *SQLStore) ListCachedImages(ctx context.Context, sessionID string, limit int) ([]CachedImage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, file_id, filename, mime_type, file_size,
			uploaded_by, uploader_username, upload_timestamp, file_path
		 FROM cached_images
		 WHERE session_id = ?
		 ORDER BY upload_timestamp DESC
		 LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list cached images for %s: %w", sessionID, err)
	}
	defer rows.Close()
	return scanImages(rows)
}

// AllCachedImages returns every record for a session, newest first.
func (s *SQLStore) AllCachedImages(ctx context.Context, sessionID string) ([]CachedImage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, file_id, filename, mime_type, file_size,
			uploaded_by, uploader_username, upload_timestamp, file_path
		 FROM cached_images
		 WHERE session_id = ?
		 ORDER BY upload_timestamp DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list cached images for %s: %w", sessionID, err)
	}
	defer rows.Close()
	return scanImages(rows)
}

// GetCachedImage looks up a record by (session, file) pair.
func (s *SQLStore) GetCachedImage(ctx context.Context, sessionID, fileID string) (CachedImage, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, file_id, filename, mime_type, file_size,
			uploaded_by, uploader_username, upload_timestamp, file_path
		 FROM cached_images
		 WHERE session_id = ? AND file_id = ?`, sessionID, fileID)

	img, err := scanImage(row)
	if err == sql.ErrNoRows {
		return CachedImage{}, false, nil
	}
	if err != nil {
		return CachedImage{}, false, fmt.Errorf("get cached image %s/%s: %w", sessionID, fileID, err)
	}
	return img, true, nil
}

// DeleteCachedImageRow deletes by row ID.
func (s *SQLStore) DeleteCachedImageRow(ctx context.Context, rowID int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_images WHERE id = ?`, rowID); err != nil {
		return fmt.Errorf("delete cached image row %d: %w", rowID, err)
	}
	return nil
}

// DeleteCachedImage deletes by (session, file) pair.
func (s *SQLStore) DeleteCachedImage(ctx context.Context, sessionID, fileID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_images WHERE session_id = ? AND file_id = ?`,
		sessionID, fileID); err != nil {
		return fmt.Errorf("delete cached image %s/%s: %w", sessionID, fileID, err)
	}
	return nil
}

// ListInactiveCachedImages returns records belonging to sessions whose
// last update predates the threshold, or whose session row is gone.
func (s *SQLStore) ListInactiveCachedImages(ctx context.Context, threshold time.Time) ([]CachedImage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ci.id, ci.session_id, ci.file_id, ci.filename, ci.mime_type, ci.file_size,
			ci.uploaded_by, ci.uploader_username, ci.upload_timestamp, ci.file_path
		 FROM cached_images ci
		 LEFT JOIN sessions s ON ci.session_id = s.id
		 WHERE s.last_updated < ? OR s.id IS NULL`, threshold.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list inactive cached images: %w", err)
	}
	defer rows.Close()
	return scanImages(rows)
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (CachedImage, error) {
	var img CachedImage
	var ts int64
	err := row.Scan(&img.RowID, &img.SessionID, &img.FileID, &img.Filename,
		&img.MimeType, &img.FileSize, &img.UploadedBy, &img.UploaderUsername,
		&ts, &img.FilePath)
	if err != nil {
		return CachedImage{}, err
	}
	img.UploadedAt = time.UnixMilli(ts)
	return img, nil
}

func scanImages(rows *sql.Rows) ([]CachedImage, error) {
	var out []CachedImage
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}
