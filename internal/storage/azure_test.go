package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// mockAzureClient implements AzureBlobAPI for unit testing.
type mockAzureClient struct {
	// blobs stores all blobs keyed by "container/blobName".
	blobs map[string][]byte
	// uploadCalls tracks the number of upload operations.
	uploadCalls int
	// deleteCalls tracks the number of delete operations.
	deleteCalls int
	// containerErr is returned by ContainerExists when set.
	containerErr error
}

func newMockAzureClient() *mockAzureClient {
	return &mockAzureClient{
		blobs: make(map[string][]byte),
	}
}

func (m *mockAzureClient) blobKey(containerName, blobName string) string {
	return containerName + "/" + blobName
}

func (m *mockAzureClient) UploadBlob(ctx context.Context, containerName, blobName string, data []byte) error {
	m.uploadCalls++
	copied := make([]byte, len(data))
	copy(copied, data)
	m.blobs[m.blobKey(containerName, blobName)] = copied
	return nil
}

func (m *mockAzureClient) DownloadBlob(ctx context.Context, containerName, blobName string) ([]byte, error) {
	data, ok := m.blobs[m.blobKey(containerName, blobName)]
	if !ok {
		return nil, &azcore.ResponseError{ErrorCode: "BlobNotFound", StatusCode: http.StatusNotFound}
	}
	return data, nil
}

func (m *mockAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	m.deleteCalls++
	key := m.blobKey(containerName, blobName)
	if _, ok := m.blobs[key]; !ok {
		return fmt.Errorf("BlobNotFound: the specified blob does not exist")
	}
	delete(m.blobs, key)
	return nil
}

func (m *mockAzureClient) ContainerExists(ctx context.Context, containerName string) error {
	return m.containerErr
}

func newTestAzureBackend(t *testing.T) (*AzureGatewayBackend, *mockAzureClient) {
	t.Helper()
	mock := newMockAzureClient()
	backend := NewAzureGatewayBackendWithClient("test-container", "https://acct.blob.core.windows.net", "bp/", mock)
	return backend, mock
}

func TestAzurePageStore(t *testing.T) {
	backend, _ := newTestAzureBackend(t)
	checkPageStore(t, backend)
}

func TestAzureKeyMapping(t *testing.T) {
	backend, mock := newTestAzureBackend(t)

	if err := backend.PutPage(context.Background(), 5, []byte("blob")); err != nil {
		t.Fatalf("PutPage failed: %v", err)
	}
	if _, ok := mock.blobs["test-container/bp/pages/5"]; !ok {
		t.Errorf("expected blob test-container/bp/pages/5, have %v", mock.blobs)
	}
}

func TestAzureHealthCheck(t *testing.T) {
	backend, mock := newTestAzureBackend(t)
	ctx := context.Background()

	if err := backend.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
	mock.containerErr = &azcore.ResponseError{ErrorCode: "ContainerNotFound", StatusCode: http.StatusNotFound}
	if err := backend.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck should fail when the container is missing")
	}
}

func TestIsAzureNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"response 404", &azcore.ResponseError{StatusCode: http.StatusNotFound}, true},
		{"response 403", &azcore.ResponseError{StatusCode: http.StatusForbidden}, false},
		{"message", errors.New("BlobNotFound"), true},
		{"nil", nil, false},
		{"other", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isAzureNotFound(tt.err); got != tt.want {
				t.Errorf("isAzureNotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
