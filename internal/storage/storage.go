package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/healthy-habitat/score-regions/internal/config"
	"go.uber.org/zap"
)

// ErrBlobNotFound is returned when the requested blob does not exist
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore defines the blob operations the scoring pipeline performs
type BlobStore interface {
	// DownloadToFile writes container/blobPath to localPath, creating parent directories
	DownloadToFile(ctx context.Context, container, blobPath, localPath string) error
	Upload(ctx context.Context, container, blobPath, contentType string, data []byte) error
	// SignedURL returns a read-only URL for container/blobPath
	SignedURL(container, blobPath string) (string, error)
}

// NewBlobStore creates a blob store based on configuration.
// For local mode, blobs live under LocalBasePath/{container}/{blobPath}.
// For azure mode, the account name and shared key are required.
func NewBlobStore(cfg *config.StorageConfig, logger *zap.Logger) (BlobStore, error) {
	switch cfg.Mode {
	case "local":
		return NewLocalBlobStore(cfg.LocalBasePath)
	case "cloud", "azure":
		if cfg.AccountName == "" || cfg.AccountKey == "" {
			return nil, fmt.Errorf("storage account name and key required for azure storage")
		}
		return NewAzureBlobStore(cfg.AccountName, cfg.AccountKey, cfg.SASExpiryDuration(), logger)
	default:
		return nil, fmt.Errorf("unsupported storage mode: %s", cfg.Mode)
	}
}

// LocalBlobStore implements BlobStore on the local filesystem
type LocalBlobStore struct {
	basePath string
}

// NewLocalBlobStore creates a new local blob store
func NewLocalBlobStore(basePath string) (*LocalBlobStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &LocalBlobStore{
		basePath: basePath,
	}, nil
}

func (s *LocalBlobStore) path(container, blobPath string) string {
	return filepath.Join(s.basePath, container, filepath.FromSlash(blobPath))
}

// DownloadToFile copies a stored blob to localPath
func (s *LocalBlobStore) DownloadToFile(ctx context.Context, container, blobPath, localPath string) error {
	src, err := os.Open(s.path(container, blobPath))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s/%s: %w", container, blobPath, ErrBlobNotFound)
		}
		return fmt.Errorf("failed to open blob: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(localPath)
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// Upload writes data to container/blobPath, replacing any existing blob
func (s *LocalBlobStore) Upload(ctx context.Context, container, blobPath, contentType string, data []byte) error {
	fullPath := s.path(container, blobPath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// SignedURL returns a file:// URL; local blobs need no signature
func (s *LocalBlobStore) SignedURL(container, blobPath string) (string, error) {
	abs, err := filepath.Abs(s.path(container, blobPath))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}
