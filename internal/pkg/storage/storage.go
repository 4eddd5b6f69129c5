package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrInvalidKey is returned for keys that are empty or escape the storage root.
var ErrInvalidKey = errors.New("invalid storage key")

// Storage is where rendered try-on results are kept.
type Storage interface {
	// Put stores an object under key.
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error

	// Exists reports whether key has been stored.
	Exists(ctx context.Context, key string) (bool, error)

	// GetURL returns the public URL of key.
	GetURL(key string) string
}

// Config selects and configures a backend. S3 is used when Bucket is set.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string // MinIO, R2 and other S3-compatible hosts
	AccessKey string
	SecretKey string
	PublicURL string

	LocalPath string
	LocalURL  string
}

// New returns the S3 backend when a bucket is configured and the local
// filesystem backend otherwise.
func New(ctx context.Context, cfg Config) (Storage, error) {
	if strings.TrimSpace(cfg.Bucket) != "" {
		return NewS3Storage(ctx, cfg)
	}
	if strings.TrimSpace(cfg.LocalPath) == "" {
		return nil, fmt.Errorf("storage: neither S3 bucket nor local path configured")
	}
	return NewLocalStorage(cfg.LocalPath, cfg.LocalURL)
}

// ResultKey is the object key of a rendered result.
func ResultKey(userID, requestID, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "jpg"
	}
	return fmt.Sprintf("tryon/%s/%s.%s", userID, requestID, ext)
}

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return path.Clean(key), nil
}
