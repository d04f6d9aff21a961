package objstore

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config mirrors the MINIO_* environment block.
type Config struct {
	Endpoint         string
	AccessKey        string
	SecretKey        string
	Bucket           string
	UseSSL           bool
	ExternalEndpoint string // host browsers can reach; empty means same as Endpoint
	ExternalScheme   string // "http" or "https"
	PresignValidity  time.Duration
}

// Store wraps the S3 client for the evidence bucket. A second client bound
// to the external endpoint signs presigned URLs, since the host is part of
// the V4 signature.
type Store struct {
	client  *minio.Client
	presign *minio.Client
	cfg     Config
}

func New(cfg Config) (*Store, error) {
	creds := credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: client: %w", err)
	}

	presign := client
	if cfg.ExternalEndpoint != "" && cfg.ExternalEndpoint != cfg.Endpoint {
		presign, err = minio.New(cfg.ExternalEndpoint, &minio.Options{
			Creds:  creds,
			Secure: cfg.ExternalScheme == "https",
		})
		if err != nil {
			return nil, fmt.Errorf("objstore: presign client: %w", err)
		}
	}

	if cfg.PresignValidity == 0 {
		cfg.PresignValidity = time.Hour
	}
	return &Store{client: client, presign: presign, cfg: cfg}, nil
}

// EnsureBucket creates the evidence bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("objstore: bucket check: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("objstore: make bucket: %w", err)
	}
	log.Printf("[ObjStore] Created bucket %s", s.cfg.Bucket)
	return nil
}

// Ping checks the store answers, for liveness probes.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.cfg.Bucket)
	return err
}

// Put streams an object of known length into the bucket.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.cfg.Bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("objstore: put %s: %w", key, err)
	}
	return nil
}

// Get opens an object for reading. The caller closes it.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("objstore: get %s: %w", key, err)
	}
	return obj, nil
}

// FetchToFile downloads an object to a local path, for the indexing
// pipeline's ffmpeg stage.
func (s *Store) FetchToFile(ctx context.Context, key, path string) error {
	if err := s.client.FGetObject(ctx, s.cfg.Bucket, key, path, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("objstore: fetch %s: %w", key, err)
	}
	return nil
}

// Stat returns object metadata, or an error when the key is absent.
func (s *Store) Stat(ctx context.Context, key string) (minio.ObjectInfo, error) {
	return s.client.StatObject(ctx, s.cfg.Bucket, key, minio.StatObjectOptions{})
}

// PresignGet returns a time-limited download URL signed for the external
// endpoint, so browsers outside the service network can resolve it.
func (s *Store) PresignGet(ctx context.Context, key, downloadName string) (string, error) {
	params := url.Values{}
	if downloadName != "" {
		params.Set("response-content-disposition", fmt.Sprintf(`attachment; filename="%s"`, downloadName))
	}
	u, err := s.presign.PresignedGetObject(ctx, s.cfg.Bucket, key, s.cfg.PresignValidity, params)
	if err != nil {
		return "", fmt.Errorf("objstore: presign %s: %w", key, err)
	}
	return u.String(), nil
}
