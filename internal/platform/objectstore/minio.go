package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore implements Store against any S3-compatible endpoint.
type MinIOStore struct {
	client *minio.Client
}

func NewMinIOClient(cfg Config) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	}
	return minio.New(cfg.Endpoint, opts)
}

func NewMinIOStore(client *minio.Client) *MinIOStore {
	if client == nil {
		return nil
	}
	return &MinIOStore{client: client}
}

func (s *MinIOStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error) {
	info, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return ObjectInfo{Bucket: bucket, Key: key, Size: info.Size, ETag: info.ETag, ContentType: contentType}, nil
}

func (s *MinIOStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return ObjectInfo{}, ErrNotFound
		}
		return ObjectInfo{}, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}
	return ObjectInfo{Bucket: bucket, Key: key, Size: info.Size, ETag: info.ETag, ContentType: info.ContentType}, nil
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == http.StatusNotFound
	}
	return minio.ToErrorResponse(err).StatusCode == http.StatusNotFound
}

// EnsureBucket creates the bundle bucket when it does not exist.
func EnsureBucket(ctx context.Context, client *minio.Client, cfg Config) error {
	exists, err := client.BucketExists(ctx, cfg.BundleBucket)
	if err != nil {
		return fmt.Errorf("bundle bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, cfg.BundleBucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
		return fmt.Errorf("make bundle bucket: %w", err)
	}
	return nil
}

// CheckBucket is a readiness check for the bundle bucket.
func CheckBucket(client *minio.Client, cfg Config) func(context.Context) error {
	return func(ctx context.Context) error {
		exists, err := client.BucketExists(ctx, cfg.BundleBucket)
		if err != nil {
			return fmt.Errorf("bundle bucket exists: %w", err)
		}
		if !exists {
			return fmt.Errorf("bundle bucket missing: %s", cfg.BundleBucket)
		}
		return nil
	}
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
