// Package blobstore stores uploaded document files. Objects are addressed by
// key, e.g. "organizations/{org}/documents/{id}.pdf".
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
	ErrMissingKey   = errors.New("object key is required")
)

// MaxFileSize is the largest object accepted (100 MB).
const MaxFileSize = 100 * 1024 * 1024

type Object struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BlobStore is implemented by the MinIO and in-memory backends.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, content io.Reader, size int64) (*Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	Stat(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
	// URL returns the address the object is published under.
	URL(key string) string
	Ping(ctx context.Context) error
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrMissingKey
	}
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid object key %q", key)
	}
	return nil
}

type storedBlob struct {
	object  Object
	content []byte
}

// InMemoryBlobStore keeps objects in memory. Used in development and tests.
type InMemoryBlobStore struct {
	mu      sync.RWMutex
	blobs   map[string]*storedBlob
	baseURL string
}

func NewInMemoryBlobStore(baseURL string) *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs:   make(map[string]*storedBlob),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (s *InMemoryBlobStore) Put(_ context.Context, key, contentType string, content io.Reader, _ int64) (*Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	if len(data) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	sum := sha256.Sum256(data)
	obj := Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        hex.EncodeToString(sum[:]),
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.blobs[key] = &storedBlob{object: obj, content: data}
	s.mu.Unlock()

	out := obj
	return &out, nil
}

func (s *InMemoryBlobStore) Get(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	s.mu.RLock()
	b, ok := s.blobs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrBlobNotFound
	}
	obj := b.object
	return io.NopCloser(bytes.NewReader(b.content)), &obj, nil
}

func (s *InMemoryBlobStore) Stat(_ context.Context, key string) (*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound
	}
	obj := b.object
	return &obj, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[key]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, key)
	return nil
}

func (s *InMemoryBlobStore) URL(key string) string {
	return s.baseURL + "/" + key
}

func (s *InMemoryBlobStore) Ping(context.Context) error { return nil }

func (s *InMemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
