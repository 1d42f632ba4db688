package imagecache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DiskStore writes blobs under a root directory, one subdirectory per
// session. The location it returns is the absolute file path.
type DiskStore struct {
	dir string
}

// NewDiskStore creates the root directory if needed.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("imagecache: create cache dir: %w", err)
	}
	return &DiskStore{dir: dir}, nil
}

// Put writes the blob as <dir>/<sessionID>/<fileID><ext>.
func (s *DiskStore) Put(ctx context.Context, sessionID, fileID, filename, mimeType string, data []byte) (string, error) {
	sessionDir := filepath.Join(s.dir, sessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return "", fmt.Errorf("imagecache: create session dir: %w", err)
	}

	path := filepath.Join(sessionDir, fileID+filepath.Ext(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("imagecache: write blob: %w", err)
	}
	return path, nil
}

// Get reads a blob back. A missing file is ErrNotFoundOnDisk.
func (s *DiskStore) Get(ctx context.Context, location string) ([]byte, error) {
	data, err := os.ReadFile(location)
	if os.IsNotExist(err) {
		return nil, ErrNotFoundOnDisk
	}
	if err != nil {
		return nil, fmt.Errorf("imagecache: read blob: %w", err)
	}
	return data, nil
}

// Delete removes a blob. A file that is already gone is not an error.
func (s *DiskStore) Delete(ctx context.Context, location string) error {
	err := os.Remove(location)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("imagecache: remove blob: %w", err)
	}
	return nil
}

// PruneSession removes the session directory if it is empty.
func (s *DiskStore) PruneSession(ctx context.Context, sessionID string) error {
	sessionDir := filepath.Join(s.dir, sessionID)
	entries, err := os.ReadDir(sessionDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return os.Remove(sessionDir)
	}
	return nil
}
