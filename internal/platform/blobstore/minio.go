package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseTLS    bool
	// PublicURL overrides the scheme and host used in object URLs.
	PublicURL string
}

// MinioBlobStore stores objects in an S3-compatible bucket.
type MinioBlobStore struct {
	client  *minio.Client
	bucket  string
	baseURL string
}

func NewMinioBlobStore(ctx context.Context, cfg MinioConfig) (*MinioBlobStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	base := strings.TrimRight(cfg.PublicURL, "/")
	if base == "" {
		scheme := "http"
		if cfg.UseTLS {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Endpoint
	}
	return &MinioBlobStore{client: client, bucket: cfg.Bucket, baseURL: base + "/" + cfg.Bucket}, nil
}

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

func (s *MinioBlobStore) Put(ctx context.Context, key, contentType string, content io.Reader, size int64) (*Object, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if size > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, content, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", key, err)
	}
	return &Object{
		Key:         key,
		ContentType: contentType,
		Size:        info.Size,
		Hash:        info.ETag,
		CreatedAt:   info.LastModified,
	}, nil
}

func (s *MinioBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, *Object, error) {
	obj, err := s.Stat(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return rc, obj, nil
}

func (s *MinioBlobStore) Stat(ctx context.Context, key string) (*Object, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}
	return &Object{
		Key:         key,
		ContentType: info.ContentType,
		Size:        info.Size,
		Hash:        info.ETag,
		CreatedAt:   info.LastModified,
	}, nil
}

func (s *MinioBlobStore) Delete(ctx context.Context, key string) error {
	if _, err := s.Stat(ctx, key); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

func (s *MinioBlobStore) URL(key string) string {
	return s.baseURL + "/" + (&url.URL{Path: key}).EscapedPath()
}

func (s *MinioBlobStore) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("bucket " + s.bucket + " does not exist")
	}
	return nil
}
