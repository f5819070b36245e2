// Package blobstore is the object-addressed gateway to the artifact store.
// Blobs are keyed per plugin under "uploads/{pluginID}/zip/{filename}" and
// always streamed; nothing is buffered whole in memory.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	apperrors "github.com/unifytwin/plugin-manager/internal/errors"
)

const (
	ContentTypeZip = "application/zip"
	ContentTypeTar = "application/x-tar"
)

// Store wraps a MinIO client scoped to one bucket.
type Store struct {
	client *minio.Client
	bucket string
	log    *zap.Logger
}

// New connects to the artifact store and ensures the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, secure bool, log *zap.Logger) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact store client: %w", err)
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("artifact store bucket check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("artifact store bucket create: %w", err)
		}
	}
	return &Store{client: client, bucket: bucket, log: log}, nil
}

// UploadKey builds the namespaced blob key for a plugin archive.
func UploadKey(pluginID, filename string) string {
	return fmt.Sprintf("uploads/%s/zip/%s", pluginID, filepath.Base(filename))
}

// ContentTypeFor maps a file extension to an accepted archive content type.
func ContentTypeFor(filename string) (string, error) {
	switch filepath.Ext(filename) {
	case ".zip":
		return ContentTypeZip, nil
	case ".tar":
		return ContentTypeTar, nil
	default:
		return "", apperrors.Ef(apperrors.KindBadContent, "unsupported file extension %q", filepath.Ext(filename))
	}
}

// Put streams a blob into the store. size may be -1 when unknown; the client
// then falls back to multipart streaming. Content types outside the archive
// set are rejected.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if contentType != ContentTypeZip && contentType != ContentTypeTar {
		return apperrors.Ef(apperrors.KindBadContent, "content type %q not allowed", contentType)
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
		PartSize:    10 * 1024 * 1024,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.log.Debug("blob stored", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// Get opens a blob for reading. The caller owns the returned stream.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	// GetObject is lazy; surface missing keys now.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, apperrors.Ef(apperrors.KindNotFound, "blob %s not found", key)
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return obj, nil
}

// Download streams a blob into a local file, creating parent directories.
func (s *Store) Download(ctx context.Context, key, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	obj, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	defer obj.Close()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(f, obj); err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	return nil
}

// Delete removes a blob. Missing blobs are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a blob is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ────────────────────────────────────────────────────────────────────────────
// Chunked uploads
// ────────────────────────────────────────────────────────────────────────────

// AppendChunk appends one multipart chunk to a temp file; Promote finalizes
// the concatenation into the store as a single blob.
func AppendChunk(tempDir, filename string, chunk io.Reader) error {
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(tempDir, filepath.Base(filename)), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, chunk)
	return err
}

// Promote moves an assembled temp file into the store under the plugin's
// upload key and removes the temp file.
func (s *Store) Promote(ctx context.Context, tempDir, pluginID, filename string) (string, error) {
	contentType, err := ContentTypeFor(filename)
	if err != nil {
		return "", err
	}
	path := filepath.Join(tempDir, filepath.Base(filename))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.Ef(apperrors.KindNotFound, "no staged upload named %s", filename)
		}
		return "", err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	key := UploadKey(pluginID, filename)
	if err := s.Put(ctx, key, f, info.Size(), contentType); err != nil {
		return "", err
	}
	_ = os.Remove(path)
	return key, nil
}
