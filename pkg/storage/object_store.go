package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ProgressFunc receives integral upload progress in the range [0,100].
type ProgressFunc func(percent int)

// ObjectStore provides access to blob storage.
// Delete is idempotent: removing an absent object succeeds.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, onProgress ProgressFunc) error
	GetURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// MinioStore implements ObjectStore for MinIO/S3 compatible storage.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// Put uploads an object, reporting progress as bytes stream out.
func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, onProgress ProgressFunc) error {
	reader := NewProgressReader(r, size, onProgress)
	_, err := m.client.PutObject(ctx, m.bucket, key, reader, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	reader.Finish()
	return nil
}

// GetURL generates a pre-signed GET URL.
func (m *MinioStore) GetURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, key, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return url.String(), nil
}

// Delete removes an object. MinIO treats removal of a missing key as
// success, which gives us the idempotent delete the engine relies on.
func (m *MinioStore) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// ProgressReader wraps a reader and reports integral percent milestones.
type ProgressReader struct {
	inner       io.Reader
	size        int64
	transferred int64
	lastPercent int
	onProgress  ProgressFunc
}

// NewProgressReader builds a progress-tracking reader.
// A nil callback or unknown size disables reporting.
func NewProgressReader(r io.Reader, size int64, onProgress ProgressFunc) *ProgressReader {
	return &ProgressReader{inner: r, size: size, lastPercent: -1, onProgress: onProgress}
}

func (p *ProgressReader) Read(buf []byte) (int, error) {
	n, err := p.inner.Read(buf)
	if n > 0 {
		p.transferred += int64(n)
		p.report()
	}
	return n, err
}

// Finish forces a terminal 100% report once the upload has completed.
func (p *ProgressReader) Finish() {
	if p.onProgress != nil && p.lastPercent != 100 {
		p.lastPercent = 100
		p.onProgress(100)
	}
}

func (p *ProgressReader) report() {
	if p.onProgress == nil || p.size <= 0 {
		return
	}
	percent := int(p.transferred * 100 / p.size)
	if percent > 100 {
		percent = 100
	}
	if percent != p.lastPercent {
		p.lastPercent = percent
		p.onProgress(percent)
	}
}
