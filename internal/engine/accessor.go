package engine

import (
	"context"
	"strings"

	"github.com/bleepstore/bleepfs/internal/metadata"
	"github.com/bleepstore/bleepfs/internal/trigger"
	"github.com/bleepstore/bleepfs/internal/versioning"
)

// Accessor exposes the engine to triggers. Writes issued through it run under
// the caller's operation and go through the same dispatching path as client
// writes, so a trigger that does not suppress itself sees its own writes.
type Accessor struct {
	e *Engine
}

var _ versioning.Storage = (*Accessor)(nil)

// Accessor returns the trigger-facing view of the engine.
func (e *Engine) Accessor() *Accessor {
	return &Accessor{e: e}
}

func (a *Accessor) ReadFile(ctx context.Context, name string) (*metadata.FileRecord, error) {
	return a.e.meta.GetFile(ctx, name)
}

func (a *Accessor) ListFiles(ctx context.Context, opts metadata.ListFilesOptions) (*metadata.ListFilesResult, error) {
	return a.e.meta.ListFiles(ctx, opts)
}

func (a *Accessor) PutFile(ctx context.Context, op *trigger.Operation, name string, size int64, md metadata.Metadata) error {
	return a.e.putRecord(ctx, op, name, size, md.Clone())
}

func (a *Accessor) AssociatePage(ctx context.Context, op *trigger.Operation, name string, page metadata.PageRef) error {
	md, err := a.metadataOf(ctx, op, name)
	if err != nil {
		return err
	}
	return a.e.associatePage(ctx, op, name, md, page)
}

func (a *Accessor) CompleteUpload(ctx context.Context, op *trigger.Operation, name string) error {
	md, err := a.metadataOf(ctx, op, name)
	if err != nil {
		return err
	}
	return a.e.completeUpload(ctx, op, name, md)
}

// metadataOf returns the stored metadata of name for hook dispatch. Hooks are
// skipped under suppression, so the lookup only happens when they would run.
func (a *Accessor) metadataOf(ctx context.Context, op *trigger.Operation, name string) (metadata.Metadata, error) {
	if op.Suppressed() {
		return nil, nil
	}
	rec, err := a.e.meta.GetFile(ctx, name)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Metadata, nil
}

func (a *Accessor) IsVersioningActive() bool {
	return a.e.opts.VersioningActive
}

func (a *Accessor) ChangesToRevisionsAllowed() bool {
	return a.e.opts.AllowChangesToRevisions
}

// VersioningConfiguration returns the policy for the collection name belongs
// to, falling back to the store-wide default.
func (a *Accessor) VersioningConfiguration(ctx context.Context, name string) (*metadata.VersioningConfiguration, error) {
	if collection, _, ok := strings.Cut(name, "/"); ok && collection != "" {
		cfg, err := a.e.VersioningConfiguration(ctx, collection)
		if err != nil || cfg != nil {
			return cfg, err
		}
	}
	return a.e.VersioningConfiguration(ctx, "")
}

// ScheduleDeletion holds name on op until the write commits.
func (a *Accessor) ScheduleDeletion(op *trigger.Operation, name string) {
	appendState(op, deletionsKey, name)
}
