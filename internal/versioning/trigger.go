// Package versioning keeps an immutable history of every file written to
// bleepfs. Each overwrite of a live file is mirrored into a read-only copy
// named {name}/revisions/{n}; the copy shares the live file's pages instead
// of duplicating bytes, and old copies are pruned once a collection exceeds
// its retention limit.
package versioning

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/bleepstore/bleepfs/internal/logging"
	"github.com/bleepstore/bleepfs/internal/metadata"
	"github.com/bleepstore/bleepfs/internal/metrics"
	"github.com/bleepstore/bleepfs/internal/trigger"
)

// Veto reasons for changes to historical copies.
const (
	HistoricalEditDenied   = "Modifying a historical revision is not allowed"
	HistoricalDeleteDenied = "Deleting a historical revision is not allowed"
)

// Trigger is the versioning PutTrigger.
type Trigger struct {
	storage Storage
	logger  *slog.Logger
}

// NewTrigger returns a versioning trigger backed by storage.
func NewTrigger(storage Storage) *Trigger {
	return &Trigger{
		storage: storage,
		logger:  logging.Component("versioning"),
	}
}

var _ trigger.PutTrigger = (*Trigger)(nil)

// AllowPut denies writes to a historical copy unless changes to revisions are
// allowed or versioning is off.
func (t *Trigger) AllowPut(ctx context.Context, op *trigger.Operation, name string, md metadata.Metadata) trigger.Veto {
	existing, err := t.storage.ReadFile(ctx, name)
	if err != nil {
		// The write itself will surface the storage failure.
		t.logger.Warn("reading target for veto check failed", "op", op.ID, "name", name, "error", err)
		return trigger.Allowed()
	}
	if existing == nil {
		return trigger.Allowed()
	}
	if !t.storage.ChangesToRevisionsAllowed() && IsHistorical(existing.Metadata) && t.storage.IsVersioningActive() {
		return trigger.Deny(HistoricalEditDenied)
	}
	return trigger.Allowed()
}

// OnPut decides whether the write is versioned and, if so, allocates its
// revision number and tags the incoming metadata.
func (t *Trigger) OnPut(ctx context.Context, op *trigger.Operation, name string, md metadata.Metadata) error {
	if v, ok := md[CreateVersionKey]; ok {
		op.Set(stateCreateVersion, v)
		delete(md, CreateVersionKey)
	}

	cfg, reason := t.resolve(ctx, op, name, md)
	if cfg == nil {
		metrics.VersioningSkippedTotal.WithLabelValues(reason).Inc()
		t.logger.Debug("versioning skipped", "op", op.ID, "name", name, "reason", reason)
		return nil
	}

	rev, err := t.allocate(ctx, name)
	if err != nil {
		return fmt.Errorf("allocating revision for %q: %w", name, err)
	}

	func() {
		guard := op.SuppressTriggers()
		defer guard.Release()
		t.prune(op, name, rev, cfg)
	}()

	op.Set(stateNextRevision, rev)
	if rev > 1 {
		op.Set(stateParentRevision, rev-1)
	}

	md[StatusKey] = StatusCurrent
	md[RevisionKey] = strconv.FormatInt(rev, 10)

	t.logger.Debug("revision allocated", "op", op.ID, "name", name, "revision", rev)
	return nil
}

// AfterPut writes the historical copy of the file record just stored.
func (t *Trigger) AfterPut(ctx context.Context, op *trigger.Operation, name string, size int64, md metadata.Metadata) error {
	rev, ok := op.Int64(stateNextRevision)
	if !ok || !t.storage.IsVersioningActive() {
		return nil
	}

	shadow := md.Clone()
	shadow[StatusKey] = StatusHistorical
	shadow[ReadOnlyKey] = "true"
	delete(shadow, RevisionKey)
	delete(shadow, ParentRevisionKey)
	if parent, ok := op.Int64(stateParentRevision); ok {
		shadow[ParentRevisionKey] = RevisionName(name, parent)
	}

	shadowName := RevisionName(name, rev)
	guard := op.SuppressTriggers()
	defer guard.Release()

	if err := t.storage.PutFile(ctx, op, shadowName, size, shadow); err != nil {
		return fmt.Errorf("writing revision %q: %w", shadowName, err)
	}
	metrics.RevisionsCreatedTotal.Inc()
	t.logger.Info("revision created", "op", op.ID, "name", name, "revision", rev)
	return nil
}

// OnUpload mirrors a page association onto the historical copy.
func (t *Trigger) OnUpload(ctx context.Context, op *trigger.Operation, name string, md metadata.Metadata, page metadata.PageRef) error {
	rev, ok := op.Int64(stateNextRevision)
	if !ok || !t.storage.IsVersioningActive() {
		return nil
	}

	shadowName := RevisionName(name, rev)
	guard := op.SuppressTriggers()
	defer guard.Release()

	if err := t.storage.AssociatePage(ctx, op, shadowName, page); err != nil {
		return fmt.Errorf("associating page %d with %q: %w", page.ID, shadowName, err)
	}
	return nil
}

// AfterUpload marks the historical copy's content complete.
func (t *Trigger) AfterUpload(ctx context.Context, op *trigger.Operation, name string, md metadata.Metadata) error {
	rev, ok := op.Int64(stateNextRevision)
	if !ok || !t.storage.IsVersioningActive() {
		return nil
	}

	shadowName := RevisionName(name, rev)
	guard := op.SuppressTriggers()
	defer guard.Release()

	if err := t.storage.CompleteUpload(ctx, op, shadowName); err != nil {
		return fmt.Errorf("completing revision %q: %w", shadowName, err)
	}
	return nil
}
