package objectstore

import (
	"bytes"
	"context"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
)

var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Bucket      string
	Key         string
	Size        int64
	ETag        string
	ContentType string
}

func (o ObjectInfo) URI() string {
	return "s3://" + o.Bucket + "/" + o.Key
}

// Store is the subset of object storage the engine uses: staging definition
// archives and checking that run inputs exist.
type Store interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
}

// ParseURI splits s3://bucket/key.
func ParseURI(uri string) (string, string, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || strings.TrimLeft(key, "/") == "" {
		return "", "", fmt.Errorf("s3 uri needs bucket and key: %q", uri)
	}
	return bucket, key, nil
}

// BundleKey is the object key of a staged definition archive.
func BundleKey(workflowID string, dgst digest.Digest) string {
	return "bundles/" + workflowID + "/" + dgst.Encoded() + ".zip"
}

// Memory is an in-process Store used when no endpoint is configured.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

func NewMemory() *Memory {
	return &Memory{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *Memory) Put(ctx context.Context, bucket, key string, r io.Reader, _ int64, contentType string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("read object: %w", err)
	}
	m.mu.Lock()
	m.objects[bucket+"/"+key] = data
	m.types[bucket+"/"+key] = contentType
	m.mu.Unlock()
	return ObjectInfo{Bucket: bucket, Key: key, Size: int64(len(data)), ETag: digest.FromBytes(data).Encoded(), ContentType: contentType}, nil
}

func (m *Memory) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return ObjectInfo{Bucket: bucket, Key: key, Size: int64(len(data)), ETag: digest.FromBytes(data).Encoded(), ContentType: m.types[bucket+"/"+key]}, nil
}

// Get returns a copy of a stored object.
func (m *Memory) Get(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, false
	}
	return bytes.Clone(data), true
}
