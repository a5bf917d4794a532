package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig carries the settings for an S3-compatible backend.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// MinioGateway serves objects out of a single bucket on an S3-compatible
// endpoint such as MinIO itself or AWS S3.
type MinioGateway struct {
	client *minio.Client
	bucket string
}

var _ Gateway = (*MinioGateway)(nil)

// NewMinioGateway connects to the endpoint and creates the bucket when it
// does not exist yet.
func NewMinioGateway(ctx context.Context, cfg MinioConfig) (*MinioGateway, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("object store endpoint required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("object store bucket required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}

	gateway := &MinioGateway{client: client, bucket: cfg.Bucket}
	if err := gateway.ensureBucket(ctx, cfg.Region); err != nil {
		return nil, err
	}
	return gateway, nil
}

func (g *MinioGateway) ensureBucket(ctx context.Context, region string) error {
	exists, err := g.client.BucketExists(ctx, g.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", g.bucket, translateMinioErr(err))
	}
	if exists {
		return nil
	}
	if err := g.client.MakeBucket(ctx, g.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", g.bucket, translateMinioErr(err))
	}
	return nil
}

func (g *MinioGateway) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := g.client.GetObject(ctx, g.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, translateMinioErr(err))
	}
	// GetObject is lazy; Stat forces the request so missing keys surface here
	// instead of on first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("get %s: %w", key, translateMinioErr(err))
	}
	return obj, nil
}

func (g *MinioGateway) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = ContentTypeForKey(key)
	}
	_, err := g.client.PutObject(ctx, g.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, translateMinioErr(err))
	}
	return nil
}

func (g *MinioGateway) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := g.client.BucketExists(ctx, g.bucket); err != nil {
		return translateMinioErr(err)
	}
	return nil
}

func translateMinioErr(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Code)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == 0 {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
