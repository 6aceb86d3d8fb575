// GCP Cloud Storage page backend.
//
// The GCP gateway backend stores page bytes in an upstream GCS bucket via the
// official Go Cloud Storage client library. Metadata stays in the metadata
// store; this backend handles raw bytes only.
//
// Key mapping:
//
//	Pages:  {prefix}pages/{page_id}
//
// Credentials are resolved via Application Default Credentials
// (GOOGLE_APPLICATION_CREDENTIALS, gcloud auth, metadata server).
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSAPI defines the subset of the GCS client interface that the gateway
// backend uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string) GCSWriter
	// NewReader returns a reader for the given GCS object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// ListObjects lists up to limit object names with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string, limit int) ([]string, error)
}

// GCSWriter is a writer interface for writing to GCS objects.
type GCSWriter interface {
	io.WriteCloser
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string) GCSWriter {
	return c.client.Bucket(bucket).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(object).NewReader(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string, limit int) ([]string, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var names []string
	for limit <= 0 || len(names) < limit {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// GCPGatewayBackend implements the PageStore interface by storing pages in
// Google Cloud Storage under a key prefix.
type GCPGatewayBackend struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	// Project is the GCP project ID.
	Project string
	// Prefix is the key prefix for all pages in the upstream bucket.
	Prefix string
	// client is the GCS client (satisfying GCSAPI interface).
	client GCSAPI
}

// NewGCPGatewayBackend creates a new GCPGatewayBackend for the specified GCS
// bucket. It initializes the GCS client using Application Default
// Credentials.
func NewGCPGatewayBackend(ctx context.Context, bucket, project, prefix string) (*GCPGatewayBackend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := NewGCPGatewayBackendWithClient(bucket, project, prefix, &realGCSClient{client: client})

	// Verify the upstream bucket is accessible.
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access upstream GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCP gateway backend initialized", "bucket", bucket, "project", project, "prefix", prefix)
	return b, nil
}

// NewGCPGatewayBackendWithClient creates a GCPGatewayBackend with a
// pre-configured GCS client. This is primarily used for testing with mock
// clients.
func NewGCPGatewayBackendWithClient(bucket, project, prefix string, client GCSAPI) *GCPGatewayBackend {
	return &GCPGatewayBackend{
		Bucket:  bucket,
		Project: project,
		Prefix:  prefix,
		client:  client,
	}
}

// gcsKey maps a page ID to an upstream GCS object name.
func (b *GCPGatewayBackend) gcsKey(id int64) string {
	return b.Prefix + "pages/" + pageName(id)
}

// PutPage uploads page data to the upstream GCS bucket.
func (b *GCPGatewayBackend) PutPage(ctx context.Context, id int64, data []byte) error {
	w := b.client.NewWriter(ctx, b.Bucket, b.gcsKey(id))
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return fmt.Errorf("uploading page %d to GCS: %w", id, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing GCS upload of page %d: %w", id, err)
	}
	return nil
}

// GetPage downloads page data from the upstream GCS bucket.
func (b *GCPGatewayBackend) GetPage(ctx context.Context, id int64) ([]byte, error) {
	r, err := b.client.NewReader(ctx, b.Bucket, b.gcsKey(id))
	if err != nil {
		if isGCSNotFound(err) {
			return nil, fmt.Errorf("page %d: %w", id, ErrPageNotFound)
		}
		return nil, fmt.Errorf("getting page %d from GCS: %w", id, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading page %d from GCS: %w", id, err)
	}
	return data, nil
}

// DeletePage removes a page from the upstream GCS bucket. Idempotent: a
// not-found error is treated as success.
func (b *GCPGatewayBackend) DeletePage(ctx context.Context, id int64) error {
	if err := b.client.Delete(ctx, b.Bucket, b.gcsKey(id)); err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting page %d from GCS: %w", id, err)
	}
	return nil
}

// HealthCheck verifies the upstream bucket is reachable by listing at most
// one page.
func (b *GCPGatewayBackend) HealthCheck(ctx context.Context) error {
	_, err := b.client.ListObjects(ctx, b.Bucket, b.Prefix+"pages/", 1)
	return err
}

// isGCSNotFound checks if a GCS error indicates the object was not found.
func isGCSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return true
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	// Check error message as fallback.
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "404") {
			return true
		}
	}
	return false
}

// Ensure GCPGatewayBackend implements PageStore at compile time.
var _ PageStore = (*GCPGatewayBackend)(nil)
