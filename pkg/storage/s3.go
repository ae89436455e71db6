package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3 is a storage session on AWS S3 (or any endpoint speaking its API).
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	owner    string
	logger   *zap.Logger
}

// NewS3 creates an S3 session. Signed-in credentials are used when present,
// otherwise the default credential chain.
func NewS3(ctx context.Context, cfg Config, creds Credentials, logger *zap.Logger) (*S3, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if creds.AccessKeyID != "" && creds.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
		)))
		logger.Info("S3 session using signed-in credentials", zap.String("region", cfg.Region), zap.String("bucket", cfg.Bucket), zap.String("owner", creds.Owner))
	} else {
		logger.Warn("S3 session using default credential chain (no signed-in keys)", zap.String("owner", creds.Owner))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024 // 5MB parts for streaming
	})
	return &S3{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		owner:    creds.Owner,
		logger:   logger,
	}, nil
}

// FindFolder looks for the folder marker under the owner's prefix.
func (s *S3) FindFolder(ctx context.Context, name string) (string, bool, error) {
	key := FolderKey(s.owner, name)
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(key),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return "", false, fmt.Errorf("list objects: %w", err)
	}
	if len(out.Contents) == 0 {
		return "", false, nil
	}
	return key, true, nil
}

// CreateFolder writes the folder marker.
func (s *S3) CreateFolder(ctx context.Context, name string) (string, error) {
	key := FolderKey(s.owner, name)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return "", fmt.Errorf("put folder marker: %w", err)
	}
	return key, nil
}

// Upload streams body into the folder.
func (s *S3) Upload(ctx context.Context, folderID, name, contentType string, body io.Reader, size int64) (string, error) {
	key := ObjectKey(folderID, name)
	var contentLength *int64
	if size > 0 {
		contentLength = &size
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: contentLength,
	})
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	s.logger.Debug("object uploaded", zap.String("bucket", s.bucket), zap.String("key", key))
	return key, nil
}
