package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"go.uber.org/zap"
)

// AzureBlobStore implements BlobStore for Azure Blob Storage with a shared key
type AzureBlobStore struct {
	client      *azblob.Client
	credential  *azblob.SharedKeyCredential
	accountName string
	sasExpiry   time.Duration
	logger      *zap.Logger
}

// NewAzureBlobStore creates a blob store for the given storage account
func NewAzureBlobStore(accountName, accountKey string, sasExpiry time.Duration, logger *zap.Logger) (*AzureBlobStore, error) {
	cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	logger.Info("Azure Blob Storage initialized",
		zap.String("account", accountName),
		zap.Duration("sas_expiry", sasExpiry),
	)

	return &AzureBlobStore{
		client:      client,
		credential:  cred,
		accountName: accountName,
		sasExpiry:   sasExpiry,
		logger:      logger,
	}, nil
}

// DownloadToFile downloads a blob to localPath
func (s *AzureBlobStore) DownloadToFile(ctx context.Context, container, blobPath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	size, err := s.client.DownloadFile(ctx, container, blobPath, file, nil)
	if err != nil {
		os.Remove(localPath)
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return fmt.Errorf("%s/%s: %w", container, blobPath, ErrBlobNotFound)
		}
		return fmt.Errorf("failed to download blob: %w", err)
	}

	s.logger.Debug("Blob downloaded",
		zap.String("container", container),
		zap.String("blob", blobPath),
		zap.Int64("size", size),
	)

	return nil
}

// Upload uploads data as a block blob, overwriting any existing blob
func (s *AzureBlobStore) Upload(ctx context.Context, container, blobPath, contentType string, data []byte) error {
	_, err := s.client.UploadBuffer(ctx, container, blobPath, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: &contentType,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload blob: %w", err)
	}

	s.logger.Debug("Blob uploaded",
		zap.String("container", container),
		zap.String("blob", blobPath),
		zap.String("content_type", contentType),
		zap.Int("size", len(data)),
	)

	return nil
}

// SignedURL builds a read-only SAS URL valid for the configured expiry
func (s *AzureBlobStore) SignedURL(container, blobPath string) (string, error) {
	now := time.Now().UTC()
	params, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     now.Add(-5 * time.Minute),
		ExpiryTime:    now.Add(s.sasExpiry),
		Permissions:   (&sas.BlobPermissions{Read: true}).String(),
		ContainerName: container,
		BlobName:      blobPath,
	}.SignWithSharedKey(s.credential)
	if err != nil {
		return "", fmt.Errorf("failed to sign blob URL: %w", err)
	}

	u := url.URL{
		Scheme:   "https",
		Host:     s.accountName + ".blob.core.windows.net",
		Path:     "/" + container + "/" + blobPath,
		RawQuery: params.Encode(),
	}
	return u.String(), nil
}
