// Package metadata defines the interface and implementations for the bleepfs
// metadata layer, which tracks files, their page associations, and store-wide
// configuration documents.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

// Metadata is the string-keyed property map carried by every file.
type Metadata map[string]string

// Clone returns an independent copy of m. A nil map clones to an empty map.
func (m Metadata) Clone() Metadata {
	cp := make(Metadata, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// FileRecord represents the metadata for a single stored file.
type FileRecord struct {
	Name     string
	Size     int64
	Metadata Metadata
	// UploadComplete is set once the last page of the file has been received.
	UploadComplete bool
	LastModified   time.Time
}

// PageRef associates a stored page with a position inside a file. The same
// page ID may be referenced by several files.
type PageRef struct {
	ID     int64
	Offset int64
	Size   int
}

// ListFilesOptions specifies filtering and pagination options for listing files.
type ListFilesOptions struct {
	Prefix     string
	StartAfter string
	MaxKeys    int
}

// ListFilesResult holds the result of a list files operation. Files are
// ordered by name.
type ListFilesResult struct {
	Files       []FileRecord
	IsTruncated bool
	NextMarker  string
}

// VersioningConfiguration is the per-collection revisioning policy stored as a
// configuration document.
type VersioningConfiguration struct {
	Exclude               bool `json:"exclude"`
	ExcludeUnlessExplicit bool `json:"exclude_unless_explicit"`
	MaxRevisions          int  `json:"max_revisions"`
}

// Configuration document keys.
const (
	// ConfigPrefix is the reserved system namespace for configuration documents.
	ConfigPrefix = "System/"
	// VersioningConfigPrefix prefixes per-collection versioning policies.
	VersioningConfigPrefix = "System/Versioning/"
	// DefaultVersioningConfigKey names the store-wide versioning policy.
	DefaultVersioningConfigKey = "System/Versioning/DefaultConfiguration"
)

// ErrOffsetTaken is returned by AssociatePage when the file already has a
// page at the requested offset.
var ErrOffsetTaken = errors.New("page offset already associated")

// IsSystemName reports whether name lives in the reserved system namespace.
// The check ignores ASCII case.
func IsSystemName(name string) bool {
	return len(name) >= len(ConfigPrefix) && strings.EqualFold(name[:len(ConfigPrefix)], ConfigPrefix)
}

// MetadataStore defines the interface for all metadata operations required by
// bleepfs. Implementations must be safe for concurrent use.
type MetadataStore interface {
	io.Closer

	// Ping checks connectivity to the metadata store.
	Ping(ctx context.Context) error

	// File operations

	// PutFile creates or replaces the record for a file. Replacing a file
	// drops its page associations and marks the upload incomplete. It returns
	// the IDs of pages that are no longer referenced by any file; their
	// bytes may be removed from the page store.
	PutFile(ctx context.Context, file *FileRecord) (released []int64, err error)

	// GetFile retrieves the record for the named file, or nil if absent.
	GetFile(ctx context.Context, name string) (*FileRecord, error)

	// RestoreFile puts file back with exactly the given page associations,
	// recreating page entries that an earlier PutFile or DeleteFile released.
	// It returns released page IDs as PutFile.
	RestoreFile(ctx context.Context, file *FileRecord, pages []PageRef) (released []int64, err error)

	// DeleteFile removes the named file and its page associations. Deleting
	// an absent file is not an error. Returns released page IDs as PutFile.
	DeleteFile(ctx context.Context, name string) (released []int64, err error)

	// ListFiles lists files according to the provided options.
	ListFiles(ctx context.Context, opts ListFilesOptions) (*ListFilesResult, error)

	// Page operations

	// InsertPage allocates a new page ID for a page of the given size.
	InsertPage(ctx context.Context, size int) (int64, error)

	// AssociatePage links an existing page to a position in the named file.
	// An offset that already holds a page returns ErrOffsetTaken.
	AssociatePage(ctx context.Context, name string, page PageRef) error

	// ListPages returns the page associations of the named file ordered by offset.
	ListPages(ctx context.Context, name string) ([]PageRef, error)

	// CompleteUpload marks the named file's content as complete and sets its
	// size to the sum of its associated pages.
	CompleteUpload(ctx context.Context, name string) error

	// Configuration operations

	// GetConfig returns the configuration document stored under key, or nil
	// if absent.
	GetConfig(ctx context.Context, key string) (json.RawMessage, error)

	// PutConfig creates or replaces the configuration document under key.
	PutConfig(ctx context.Context, key string, value json.RawMessage) error
}
