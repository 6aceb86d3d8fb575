// Package engine is the bleepfs content store. It splits file bodies into
// pages, records files and page associations in the metadata store, and runs
// every write through the trigger pipeline.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	apierrors "github.com/bleepstore/bleepfs/internal/errors"
	"github.com/bleepstore/bleepfs/internal/logging"
	"github.com/bleepstore/bleepfs/internal/metadata"
	"github.com/bleepstore/bleepfs/internal/metrics"
	"github.com/bleepstore/bleepfs/internal/storage"
	"github.com/bleepstore/bleepfs/internal/trigger"
	"github.com/bleepstore/bleepfs/internal/versioning"
)

const (
	// DefaultPageSize is used when Options.PageSize is not set.
	DefaultPageSize = 64 * 1024

	// MaxNameLength bounds file names in bytes.
	MaxNameLength = 1024

	// Operation state kept until a write commits or rolls back: names
	// written, page IDs released by record replacement, and deletions
	// scheduled by triggers.
	writtenKey   = "engine/written"
	heldPagesKey = "engine/held-pages"
	deletionsKey = "engine/deletions"
)

var (
	// ErrInvalidName is returned for file names the engine cannot store.
	ErrInvalidName = errors.New("invalid file name")
	// ErrNameTooLong is returned for names over MaxNameLength. It wraps
	// ErrInvalidName.
	ErrNameTooLong = fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLength)
)

// Options configures an Engine.
type Options struct {
	// PageSize is the maximum number of bytes per stored page.
	PageSize int
	// VersioningActive enables the versioning trigger.
	VersioningActive bool
	// AllowChangesToRevisions permits writes to historical copies.
	AllowChangesToRevisions bool
}

// Engine is the content store.
type Engine struct {
	meta     metadata.MetadataStore
	pages    storage.PageStore
	opts     Options
	pipeline *trigger.Pipeline
	locks    *nameLocks
	deleter  *deleter
	logger   *slog.Logger
}

// New returns an Engine over the given metadata and page stores. Triggers are
// registered on Pipeline before the engine serves writes.
func New(meta metadata.MetadataStore, pages storage.PageStore, opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	e := &Engine{
		meta:     meta,
		pages:    pages,
		opts:     opts,
		pipeline: trigger.NewPipeline(),
		locks:    newNameLocks(),
		logger:   logging.Component("engine"),
	}
	e.deleter = newDeleter(e.deleteFile, e.logger)
	return e
}

// Pipeline returns the trigger pipeline run for every write.
func (e *Engine) Pipeline() *trigger.Pipeline {
	return e.pipeline
}

// Start launches the background deletion worker.
func (e *Engine) Start() {
	e.deleter.start()
}

// Close processes pending deletions and stops the background worker. The
// metadata and page stores are owned by the caller.
func (e *Engine) Close() error {
	e.deleter.close()
	return nil
}

// HealthCheck verifies both underlying stores.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if err := e.meta.Ping(ctx); err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	if err := e.pages.HealthCheck(ctx); err != nil {
		return fmt.Errorf("page store: %w", err)
	}
	return nil
}

// ValidateName checks that name can be stored.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case len(name) > MaxNameLength:
		return ErrNameTooLong
	case strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/"):
		return fmt.Errorf("%w: leading or trailing slash", ErrInvalidName)
	case strings.Contains(name, "//"):
		return fmt.Errorf("%w: empty path segment", ErrInvalidName)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: contains NUL", ErrInvalidName)
	}
	return nil
}

// PutFile stores a file: one logical write covering the metadata record and
// every page of body. size is the body length, or -1 if unknown. A write
// rejected by a trigger returns *errors.VetoError and changes nothing.
func (e *Engine) PutFile(ctx context.Context, name string, md metadata.Metadata, body io.Reader, size int64) (*metadata.FileRecord, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	op := trigger.NewOperation(name)
	defer op.Finish()

	unlock := e.locks.Lock(name)
	defer unlock()

	prev, err := e.capture(ctx, name)
	if err != nil {
		return nil, err
	}

	md = md.Clone()
	err = e.write(ctx, op, name, md, body, size)
	switch {
	case err == nil:
		metrics.FileWritesTotal.WithLabelValues("success").Inc()
		e.commit(ctx, op)
	case apierrors.IsVeto(err):
		metrics.FileWritesTotal.WithLabelValues("vetoed").Inc()
		e.logger.Info("write vetoed", "op", op.ID, "name", name, "error", err)
		return nil, err
	default:
		metrics.FileWritesTotal.WithLabelValues("error").Inc()
		e.logger.Error("write failed", "op", op.ID, "name", name, "error", err)
		e.rollback(ctx, op, prev)
		return nil, err
	}

	rec, err := e.meta.GetFile(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("reading back %q: %w", name, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("file %q vanished after write", name)
	}
	return rec, nil
}

func (e *Engine) write(ctx context.Context, op *trigger.Operation, name string, md metadata.Metadata, body io.Reader, size int64) error {
	if err := e.putRecord(ctx, op, name, size, md); err != nil {
		return err
	}

	buf := make([]byte, e.opts.PageSize)
	var offset int64
	for {
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			if err := e.storePage(ctx, op, name, md, offset, buf[:n]); err != nil {
				return err
			}
			offset += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading body of %q: %w", name, err)
		}
	}
	if size >= 0 && offset != size {
		return fmt.Errorf("body of %q: got %d bytes, want %d", name, offset, size)
	}

	return e.completeUpload(ctx, op, name, md)
}

// putRecord writes a file record. Unless op is suppressed, the record passes
// through AllowPut, OnPut and AfterPut.
func (e *Engine) putRecord(ctx context.Context, op *trigger.Operation, name string, size int64, md metadata.Metadata) error {
	dispatch := !op.Suppressed()
	if dispatch {
		if v := e.pipeline.AllowPut(ctx, op, name, md); v.Denied {
			return &apierrors.VetoError{Name: name, Reason: v.Reason}
		}
		if err := e.pipeline.OnPut(ctx, op, name, md); err != nil {
			return err
		}
	}

	rec := &metadata.FileRecord{
		Name:         name,
		Size:         max(size, 0),
		Metadata:     md,
		LastModified: time.Now().UTC(),
	}
	released, err := e.meta.PutFile(ctx, rec)
	if err != nil {
		return fmt.Errorf("storing record %q: %w", name, err)
	}
	appendState(op, writtenKey, name)
	for _, id := range released {
		appendState(op, heldPagesKey, id)
	}

	if dispatch {
		if err := e.pipeline.AfterPut(ctx, op, name, size, md); err != nil {
			return err
		}
	}
	return nil
}

// storePage writes one page of name's content and associates it.
func (e *Engine) storePage(ctx context.Context, op *trigger.Operation, name string, md metadata.Metadata, offset int64, data []byte) error {
	id, err := e.meta.InsertPage(ctx, len(data))
	if err != nil {
		return fmt.Errorf("allocating page for %q: %w", name, err)
	}
	if err := e.pages.PutPage(ctx, id, data); err != nil {
		return fmt.Errorf("storing page %d of %q: %w", id, name, err)
	}
	metrics.PagesWrittenTotal.Inc()
	metrics.BytesReceivedTotal.Add(float64(len(data)))

	return e.associatePage(ctx, op, name, md, metadata.PageRef{ID: id, Offset: offset, Size: len(data)})
}

// associatePage links a stored page to name and, unless op is suppressed,
// runs OnUpload.
func (e *Engine) associatePage(ctx context.Context, op *trigger.Operation, name string, md metadata.Metadata, page metadata.PageRef) error {
	if err := e.meta.AssociatePage(ctx, name, page); err != nil {
		return fmt.Errorf("associating page %d with %q: %w", page.ID, name, err)
	}
	if op.Suppressed() {
		return nil
	}
	return e.pipeline.OnUpload(ctx, op, name, md, page)
}

// completeUpload finalises name and, unless op is suppressed, runs
// AfterUpload.
func (e *Engine) completeUpload(ctx context.Context, op *trigger.Operation, name string, md metadata.Metadata) error {
	if err := e.meta.CompleteUpload(ctx, name); err != nil {
		return fmt.Errorf("completing %q: %w", name, err)
	}
	if op.Suppressed() {
		return nil
	}
	return e.pipeline.AfterUpload(ctx, op, name, md)
}

// snapshot is the live state of a name before a write replaces it.
type snapshot struct {
	rec   *metadata.FileRecord
	pages []metadata.PageRef
}

// capture snapshots name so a failed write can put it back. It returns nil
// when name does not exist.
func (e *Engine) capture(ctx context.Context, name string) (*snapshot, error) {
	rec, err := e.meta.GetFile(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", name, err)
	}
	if rec == nil {
		return nil, nil
	}
	pages, err := e.meta.ListPages(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("listing pages of %q: %w", name, err)
	}
	return &snapshot{rec: rec, pages: pages}, nil
}

// appendState appends v to the slice stored under key in op.
func appendState[T any](op *trigger.Operation, key string, v T) {
	var vs []T
	if cur, ok := op.Get(key); ok {
		vs = cur.([]T)
	}
	op.Set(key, append(vs, v))
}

func stateSlice[T any](op *trigger.Operation, key string) []T {
	if cur, ok := op.Get(key); ok {
		return cur.([]T)
	}
	return nil
}

// commit finishes a successful write: bytes of pages the write released are
// removed and deletions scheduled by triggers are handed to the deleter.
func (e *Engine) commit(ctx context.Context, op *trigger.Operation) {
	e.releasePages(ctx, stateSlice[int64](op, heldPagesKey))
	for _, name := range stateSlice[string](op, deletionsKey) {
		e.deleter.Schedule(name)
	}
}

// rollback undoes a failed write. Records the write created are removed and
// the live name is restored from prev, together with its pages. Deletions
// scheduled by triggers are dropped.
func (e *Engine) rollback(ctx context.Context, op *trigger.Operation, prev *snapshot) {
	if dropped := stateSlice[string](op, deletionsKey); len(dropped) > 0 {
		e.logger.Debug("dropping deletions of failed write", "op", op.ID, "names", dropped)
	}

	var released []int64
	seen := make(map[string]bool)
	for _, name := range stateSlice[string](op, writtenKey) {
		if seen[name] {
			continue
		}
		seen[name] = true

		var ids []int64
		var err error
		if name == op.Name && prev != nil {
			ids, err = e.meta.RestoreFile(ctx, prev.rec, prev.pages)
		} else {
			ids, err = e.meta.DeleteFile(ctx, name)
		}
		if err != nil {
			e.logger.Error("rollback failed", "op", op.ID, "name", name, "error", err)
			continue
		}
		released = append(released, ids...)
		e.logger.Warn("rolled back partial write", "op", op.ID, "name", name)
	}

	// Held pages belong to the replaced record and are live again once it
	// is restored.
	keep := make(map[int64]bool)
	if prev != nil {
		for _, p := range prev.pages {
			keep[p.ID] = true
		}
	}
	for _, id := range stateSlice[int64](op, heldPagesKey) {
		if !keep[id] {
			released = append(released, id)
		}
	}
	e.releasePages(ctx, released)
}

// releasePages removes page bytes that no file references any more. Failures
// leave orphaned bytes behind but never fail the caller.
func (e *Engine) releasePages(ctx context.Context, ids []int64) {
	for _, id := range ids {
		if err := e.pages.DeletePage(ctx, id); err != nil {
			e.logger.Warn("releasing page failed", "page", id, "error", err)
			continue
		}
		metrics.PagesReleasedTotal.Inc()
	}
}

// GetFile returns the record for name.
func (e *Engine) GetFile(ctx context.Context, name string) (*metadata.FileRecord, error) {
	rec, err := e.meta.GetFile(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", name, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("file %q: %w", name, apierrors.ErrNotFound)
	}
	return rec, nil
}

// OpenFile returns the record for name and a reader over its content. The
// caller must close the reader.
func (e *Engine) OpenFile(ctx context.Context, name string) (*metadata.FileRecord, io.ReadCloser, error) {
	rec, err := e.GetFile(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	refs, err := e.meta.ListPages(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("listing pages of %q: %w", name, err)
	}
	return rec, &pageReader{ctx: ctx, store: e.pages, refs: refs}, nil
}

// DeleteFile removes the live file name. Its historical copies are kept.
// While versioning is active a historical copy itself can only be removed by
// retention, unless changes to revisions are allowed.
func (e *Engine) DeleteFile(ctx context.Context, name string) error {
	rec, err := e.meta.GetFile(ctx, name)
	if err != nil {
		return fmt.Errorf("reading %q: %w", name, err)
	}
	if rec == nil {
		return fmt.Errorf("file %q: %w", name, apierrors.ErrNotFound)
	}
	if e.opts.VersioningActive && !e.opts.AllowChangesToRevisions && versioning.IsHistorical(rec.Metadata) {
		return &apierrors.VetoError{Name: name, Reason: versioning.HistoricalDeleteDenied}
	}
	return e.deleteFile(ctx, name)
}

// deleteFile removes name if present. Deleting an absent file is a no-op.
func (e *Engine) deleteFile(ctx context.Context, name string) error {
	unlock := e.locks.Lock(name)
	defer unlock()

	released, err := e.meta.DeleteFile(ctx, name)
	if err != nil {
		return fmt.Errorf("deleting %q: %w", name, err)
	}
	e.releasePages(ctx, released)
	return nil
}

// ListFiles lists files in name order.
func (e *Engine) ListFiles(ctx context.Context, opts metadata.ListFilesOptions) (*metadata.ListFilesResult, error) {
	return e.meta.ListFiles(ctx, opts)
}

// Revisions returns the historical copies of name ordered by revision number.
func (e *Engine) Revisions(ctx context.Context, name string) ([]metadata.FileRecord, error) {
	type revision struct {
		n   int64
		rec metadata.FileRecord
	}
	var revs []revision

	opts := metadata.ListFilesOptions{Prefix: versioning.RevisionsPrefix(name)}
	for {
		result, err := e.meta.ListFiles(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("listing revisions of %q: %w", name, err)
		}
		for _, f := range result.Files {
			if n, ok := versioning.ParseRevision(name, f.Name); ok {
				revs = append(revs, revision{n: n, rec: f})
			}
		}
		if !result.IsTruncated || result.NextMarker == "" {
			break
		}
		opts.StartAfter = result.NextMarker
	}

	sort.Slice(revs, func(i, j int) bool { return revs[i].n < revs[j].n })
	out := make([]metadata.FileRecord, len(revs))
	for i, r := range revs {
		out[i] = r.rec
	}
	return out, nil
}

// FlushDeletions synchronously processes every scheduled deletion.
func (e *Engine) FlushDeletions(ctx context.Context) {
	e.deleter.flush(ctx)
}

// PendingDeletions returns the names scheduled for deletion but not yet
// processed.
func (e *Engine) PendingDeletions() []string {
	return e.deleter.Pending()
}

// configKey returns the configuration key for collection. The empty
// collection names the store-wide default.
func configKey(collection string) string {
	if collection == "" {
		return metadata.DefaultVersioningConfigKey
	}
	return metadata.VersioningConfigPrefix + collection
}

// VersioningConfiguration returns the stored policy for collection, or nil if
// none is stored. The empty collection names the store-wide default.
func (e *Engine) VersioningConfiguration(ctx context.Context, collection string) (*metadata.VersioningConfiguration, error) {
	raw, err := e.meta.GetConfig(ctx, configKey(collection))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var cfg metadata.VersioningConfiguration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decoding versioning configuration %q: %w", configKey(collection), err)
	}
	return &cfg, nil
}

// SetVersioningConfiguration stores the policy for collection.
func (e *Engine) SetVersioningConfiguration(ctx context.Context, collection string, cfg metadata.VersioningConfiguration) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding versioning configuration: %w", err)
	}
	return e.meta.PutConfig(ctx, configKey(collection), raw)
}

// pageReader streams a file's pages in offset order, fetching each page on
// demand.
type pageReader struct {
	ctx   context.Context
	store storage.PageStore
	refs  []metadata.PageRef
	buf   []byte
}

func (r *pageReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if len(r.refs) == 0 {
			return 0, io.EOF
		}
		ref := r.refs[0]
		r.refs = r.refs[1:]
		data, err := r.store.GetPage(r.ctx, ref.ID)
		if err != nil {
			return 0, fmt.Errorf("reading page %d: %w", ref.ID, err)
		}
		if len(data) != ref.Size {
			return 0, fmt.Errorf("page %d: got %d bytes, want %d", ref.ID, len(data), ref.Size)
		}
		r.buf = data
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *pageReader) Close() error {
	r.refs = nil
	r.buf = nil
	return nil
}
