package versioning

import (
	"context"

	"github.com/bleepstore/bleepfs/internal/metadata"
	"github.com/bleepstore/bleepfs/internal/trigger"
)

// Storage is what the versioning trigger needs from the engine. Writes take
// the operation they are issued under so the engine can honour suppression.
type Storage interface {
	// ReadFile returns the named file, or nil if it does not exist.
	ReadFile(ctx context.Context, name string) (*metadata.FileRecord, error)

	// ListFiles lists files in name order.
	ListFiles(ctx context.Context, opts metadata.ListFilesOptions) (*metadata.ListFilesResult, error)

	// PutFile durably writes a file record. size is -1 when unknown.
	PutFile(ctx context.Context, op *trigger.Operation, name string, size int64, md metadata.Metadata) error

	// AssociatePage links an already stored page to name.
	AssociatePage(ctx context.Context, op *trigger.Operation, name string, page metadata.PageRef) error

	// CompleteUpload marks the content of name complete.
	CompleteUpload(ctx context.Context, op *trigger.Operation, name string) error

	// IsVersioningActive reports whether versioning is enabled at all.
	IsVersioningActive() bool

	// ChangesToRevisionsAllowed reports whether historical copies may be
	// modified.
	ChangesToRevisionsAllowed() bool

	// VersioningConfiguration returns the policy that applies to name, or
	// nil if none is configured.
	VersioningConfiguration(ctx context.Context, name string) (*metadata.VersioningConfiguration, error)

	// ScheduleDeletion queues name for asynchronous deletion once the write
	// running under op succeeds. A write that fails drops its deletions.
	ScheduleDeletion(op *trigger.Operation, name string)
}
