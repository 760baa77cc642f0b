package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ContentType is the media type of stored records.
const ContentType = "application/zstd"

// Backend stores encoded records.
type Backend interface {
	// Put writes data under key and returns the stored location.
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// S3Config describes the bucket records are written to.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
}

// S3Store wraps MinIO/S3 interactions for archived records.
type S3Store struct {
	client *minio.Client
	bucket string
	region string
}

// NewS3Store creates a MinIO client from cfg.
func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("init minio: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &S3Store{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket makes sure the archive bucket exists before use.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Put uploads an encoded record.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	opts := minio.PutObjectOptions{ContentType: ContentType}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return "", fmt.Errorf("upload record: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Get downloads the encoded record stored under key.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	return buf, nil
}

// Fetch downloads the record behind a location returned by Put.
func (s *S3Store) Fetch(ctx context.Context, location string) ([]byte, error) {
	key, err := s.keyOf(location)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}

func (s *S3Store) keyOf(location string) (string, error) {
	prefix := "s3://" + s.bucket + "/"
	key, ok := strings.CutPrefix(location, prefix)
	if !ok || key == "" {
		return "", fmt.Errorf("location %q is not in bucket %s", location, s.bucket)
	}
	return key, nil
}
