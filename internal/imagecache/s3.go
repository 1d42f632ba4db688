package imagecache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store keeps blobs in an S3 bucket. The location it returns is the
// object key, <prefix><sessionID>/<fileID>.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store returns an S3-backed blob store. prefix may be empty; a
// non-empty prefix should end with a slash.
func NewS3Store(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// Put uploads the blob with its MIME type and original filename kept
// as object metadata.
func (s *S3Store) Put(ctx context.Context, sessionID, fileID, filename, mimeType string, data []byte) (string, error) {
	key := s.key(sessionID, fileID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(mimeType),
		Metadata: map[string]string{
			"original-filename": filename,
			"upload-time":       time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("imagecache: s3 put: %w", err)
	}
	return key, nil
}

// Get downloads a blob. Any retrieval failure is reported as
// ErrNotFoundOnDisk so callers drop the stale metadata record.
func (s *S3Store) Get(ctx context.Context, location string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(location),
	})
	if err != nil {
		return nil, ErrNotFoundOnDisk
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("imagecache: s3 read: %w", err)
	}
	return data, nil
}

// Delete removes an object. Deleting a missing key succeeds.
func (s *S3Store) Delete(ctx context.Context, location string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(location),
	})
	if err != nil {
		return fmt.Errorf("imagecache: s3 delete: %w", err)
	}
	return nil
}

// PruneSession is a no-op: S3 has no per-session containers to remove.
func (s *S3Store) PruneSession(ctx context.Context, sessionID string) error {
	return nil
}

func (s *S3Store) key(sessionID, fileID string) string {
	return s.prefix + sessionID + "/" + fileID
}
