package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// Minio is a storage session on a MinIO server.
type Minio struct {
	client *minio.Client
	bucket string
	region string
	owner  string
	logger *zap.Logger
}

// NewMinio creates a MinIO session and makes sure the bucket exists.
func NewMinio(ctx context.Context, cfg Config, creds Credentials, logger *zap.Logger) (*Minio, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	m := &Minio{client: client, bucket: cfg.Bucket, region: cfg.Region, owner: creds.Owner, logger: logger}
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Minio) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", m.bucket, err)
		}
		m.logger.Info("bucket created", zap.String("bucket", m.bucket))
	}
	return nil
}

// FindFolder stats the folder marker object.
func (m *Minio) FindFolder(ctx context.Context, name string) (string, bool, error) {
	key := FolderKey(m.owner, name)
	_, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("stat folder marker: %w", err)
	}
	return key, true, nil
}

// CreateFolder writes the folder marker.
func (m *Minio) CreateFolder(ctx context.Context, name string) (string, error) {
	key := FolderKey(m.owner, name)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("put folder marker: %w", err)
	}
	return key, nil
}

// Upload streams body into the folder.
func (m *Minio) Upload(ctx context.Context, folderID, name, contentType string, body io.Reader, size int64) (string, error) {
	key := ObjectKey(folderID, name)
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := m.client.PutObject(ctx, m.bucket, key, body, size, opts); err != nil {
		return "", fmt.Errorf("upload object: %w", err)
	}
	m.logger.Debug("object uploaded", zap.String("bucket", m.bucket), zap.String("key", key))
	return key, nil
}
