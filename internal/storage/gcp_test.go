package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"

	gcs "cloud.google.com/go/storage"
)

// mockGCSClient implements GCSAPI for unit testing.
type mockGCSClient struct {
	// objects stores all objects keyed by their GCS object name.
	objects map[string][]byte
	// putCalls tracks the number of write operations.
	putCalls int
	// deleteCalls tracks the number of delete calls.
	deleteCalls int
}

func newMockGCSClient() *mockGCSClient {
	return &mockGCSClient{
		objects: make(map[string][]byte),
	}
}

// mockGCSWriter implements GCSWriter for testing.
type mockGCSWriter struct {
	buf    *bytes.Buffer
	client *mockGCSClient
	key    string
}

func (w *mockGCSWriter) Write(p []byte) (n int, err error) {
	return w.buf.Write(p)
}

func (w *mockGCSWriter) Close() error {
	w.client.objects[w.key] = w.buf.Bytes()
	w.client.putCalls++
	return nil
}

func (m *mockGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return &mockGCSWriter{
		buf:    &bytes.Buffer{},
		client: m,
		key:    object,
	}
}

func (m *mockGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	data, ok := m.objects[object]
	if !ok {
		return nil, gcs.ErrObjectNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockGCSClient) Delete(ctx context.Context, bucket, object string) error {
	m.deleteCalls++
	if _, ok := m.objects[object]; !ok {
		return fmt.Errorf("storage: object doesn't exist: not found")
	}
	delete(m.objects, object)
	return nil
}

func (m *mockGCSClient) ListObjects(ctx context.Context, bucket, prefix string, limit int) ([]string, error) {
	var names []string
	for name := range m.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	return names, nil
}

func newTestGCPBackend(t *testing.T) (*GCPGatewayBackend, *mockGCSClient) {
	t.Helper()
	mock := newMockGCSClient()
	backend := NewGCPGatewayBackendWithClient("test-gcs-bucket", "test-project", "bp/", mock)
	return backend, mock
}

func TestGCPPageStore(t *testing.T) {
	backend, _ := newTestGCPBackend(t)
	checkPageStore(t, backend)
}

func TestGCPKeyMapping(t *testing.T) {
	backend, mock := newTestGCPBackend(t)
	ctx := context.Background()

	if err := backend.PutPage(ctx, 3, []byte("x")); err != nil {
		t.Fatalf("PutPage failed: %v", err)
	}
	names, _ := mock.ListObjects(ctx, "test-gcs-bucket", "bp/pages/", 0)
	if len(names) != 1 || names[0] != "bp/pages/3" {
		t.Errorf("upstream names = %v, want [bp/pages/3]", names)
	}
	if mock.putCalls != 1 {
		t.Errorf("putCalls = %d, want 1", mock.putCalls)
	}
}

func TestGCPDeleteMissingPageTolerated(t *testing.T) {
	backend, mock := newTestGCPBackend(t)

	if err := backend.DeletePage(context.Background(), 404); err != nil {
		t.Errorf("DeletePage of missing page: %v", err)
	}
	if mock.deleteCalls != 1 {
		t.Errorf("deleteCalls = %d, want 1", mock.deleteCalls)
	}
}
