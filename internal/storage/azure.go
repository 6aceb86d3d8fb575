// Azure Blob Storage page backend.
//
// The Azure gateway backend stores page bytes in an upstream Azure Blob
// Storage container via the official Azure SDK for Go. Metadata stays in the
// metadata store; this backend handles raw bytes only.
//
// Key mapping:
//
//	Pages:  {prefix}pages/{page_id}
//
// Credentials are resolved via a connection string, managed identity, or
// DefaultAzureCredential (env vars, Azure CLI, etc.).
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the gateway backend uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// UploadBlob uploads data to a blob, overwriting if it already exists.
	UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error
	// DownloadBlob downloads a blob's contents.
	DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// ContainerExists returns nil if the container is reachable.
	ContainerExists(ctx context.Context, containerName string) error
}

// AzureGatewayBackend implements the PageStore interface by storing pages in
// an Azure Blob Storage container under a key prefix.
type AzureGatewayBackend struct {
	// Container is the upstream Azure Blob container name.
	Container string
	// AccountURL is the Azure storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// Prefix is the key prefix for all blobs in the upstream container.
	Prefix string
	// client is the Azure Blob client (satisfying AzureBlobAPI interface).
	client AzureBlobAPI
}

// NewAzureGatewayBackend creates a new AzureGatewayBackend for the specified
// Azure Blob container.
func NewAzureGatewayBackend(ctx context.Context, container, accountURL, prefix, connectionString string, useManagedIdentity bool) (*AzureGatewayBackend, error) {
	client, err := newRealAzureClient(accountURL, connectionString, useManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	b := NewAzureGatewayBackendWithClient(container, accountURL, prefix, client)

	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream Azure container %q: %w", container, err)
	}

	slog.Info("Azure gateway backend initialized", "container", container, "account", accountURL, "prefix", prefix)
	return b, nil
}

// NewAzureGatewayBackendWithClient creates an AzureGatewayBackend with a
// pre-configured Azure client. This is primarily used for testing with mock
// clients.
func NewAzureGatewayBackendWithClient(container, accountURL, prefix string, client AzureBlobAPI) *AzureGatewayBackend {
	return &AzureGatewayBackend{
		Container:  container,
		AccountURL: accountURL,
		Prefix:     prefix,
		client:     client,
	}
}

// blobName maps a page ID to an upstream Azure blob name.
func (b *AzureGatewayBackend) blobName(id int64) string {
	return b.Prefix + "pages/" + pageName(id)
}

// PutPage uploads page data to the upstream container.
func (b *AzureGatewayBackend) PutPage(ctx context.Context, id int64, data []byte) error {
	if err := b.client.UploadBlob(ctx, b.Container, b.blobName(id), data); err != nil {
		return fmt.Errorf("uploading page %d to Azure: %w", id, err)
	}
	return nil
}

// GetPage downloads page data from the upstream container.
func (b *AzureGatewayBackend) GetPage(ctx context.Context, id int64) ([]byte, error) {
	data, err := b.client.DownloadBlob(ctx, b.Container, b.blobName(id))
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("page %d: %w", id, ErrPageNotFound)
		}
		return nil, fmt.Errorf("getting page %d from Azure: %w", id, err)
	}
	return data, nil
}

// DeletePage removes a page blob. Idempotent: a not-found error is treated as
// success.
func (b *AzureGatewayBackend) DeletePage(ctx context.Context, id int64) error {
	if err := b.client.DeleteBlob(ctx, b.Container, b.blobName(id)); err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting page %d from Azure: %w", id, err)
	}
	return nil
}

// HealthCheck verifies that the upstream container is accessible.
func (b *AzureGatewayBackend) HealthCheck(ctx context.Context) error {
	return b.client.ContainerExists(ctx, b.Container)
}

// isAzureNotFound checks if an Azure error indicates the blob or container
// was not found.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "not found") || strings.Contains(msg, "404") ||
		strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist") {
		return true
	}
	return false
}

// Ensure AzureGatewayBackend implements PageStore at compile time.
var _ PageStore = (*AzureGatewayBackend)(nil)
