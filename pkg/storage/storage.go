// Package storage implements remote clip storage sessions on S3-compatible
// object stores. A folder is a key prefix "<owner>/<name>/" marked by a
// zero-byte object; clips are objects under that prefix.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"
)

// Providers.
const (
	ProviderS3    = "s3"
	ProviderMinio = "minio"
)

// Config selects and addresses the object store.
type Config struct {
	Provider     string
	Region       string
	Endpoint     string // empty for AWS; host:port for MinIO
	Bucket       string
	UseSSL       bool
	UsePathStyle bool
}

// Credentials are the result of the out-of-band sign-in. Owner scopes every
// folder lookup.
type Credentials struct {
	Owner           string `json:"owner" binding:"required"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token"`
}

// Session is an authenticated storage session.
type Session interface {
	FindFolder(ctx context.Context, name string) (id string, found bool, err error)
	CreateFolder(ctx context.Context, name string) (id string, err error)
	Upload(ctx context.Context, folderID, name, contentType string, body io.Reader, size int64) (remoteID string, err error)
}

// Connect opens a session for the configured provider.
func Connect(ctx context.Context, cfg Config, creds Credentials, logger *zap.Logger) (Session, error) {
	if strings.TrimSpace(creds.Owner) == "" {
		return nil, fmt.Errorf("credentials: owner is required")
	}
	switch cfg.Provider {
	case ProviderS3, "":
		s, err := NewS3(ctx, cfg, creds, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case ProviderMinio:
		m, err := NewMinio(ctx, cfg, creds, logger)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

// FolderKey returns the marker key of a folder: "<owner>/<name>/".
func FolderKey(owner, name string) string {
	return path.Join(sanitize(owner), sanitize(name)) + "/"
}

// ObjectKey returns the key of a file inside a folder.
func ObjectKey(folderID, name string) string {
	return strings.TrimSuffix(folderID, "/") + "/" + path.Base(name)
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "/", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
