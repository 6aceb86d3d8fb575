// Package storage defines the interface and implementations for the bleepfs
// page store, which holds the raw bytes of file pages keyed by page ID.
package storage

import (
	"context"
	"errors"
	"strconv"
)

// ErrPageNotFound is returned by GetPage when no page has the requested ID.
var ErrPageNotFound = errors.New("page not found")

// PageStore defines the interface for reading and writing raw page data.
// Implementations provide the underlying storage mechanism (local filesystem,
// SQLite, cloud provider, etc.). All methods must be safe for concurrent use.
//
// Pages are immutable once written: the metadata layer allocates a fresh ID
// for every page, so PutPage never overwrites live data.
type PageStore interface {
	// PutPage stores data under the given page ID.
	PutPage(ctx context.Context, id int64, data []byte) error

	// GetPage returns the bytes of a page. Returns an error wrapping
	// ErrPageNotFound if the page does not exist.
	GetPage(ctx context.Context, id int64) ([]byte, error)

	// DeletePage removes a page. Deleting a missing page is not an error.
	DeletePage(ctx context.Context, id int64) error

	// HealthCheck verifies that the page store is operational.
	HealthCheck(ctx context.Context) error
}

// pageName renders a page ID as the object name used by file and cloud
// backends.
func pageName(id int64) string {
	return strconv.FormatInt(id, 10)
}
