package versioning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/bleepstore/bleepfs/internal/metadata"
	"github.com/bleepstore/bleepfs/internal/trigger"
)

// fakeStorage is an in-memory Storage that records how it was called.
type fakeStorage struct {
	files     map[string]*metadata.FileRecord
	pages     map[string][]metadata.PageRef
	completed map[string]bool

	active         bool
	allowRevisions bool
	cfg            *metadata.VersioningConfiguration
	cfgErr         error
	putErr         error

	scheduled     []string
	unsuppressed  []string
	listCalls     int
	listPageLimit int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		files:     make(map[string]*metadata.FileRecord),
		pages:     make(map[string][]metadata.PageRef),
		completed: make(map[string]bool),
		active:    true,
		cfg:       &metadata.VersioningConfiguration{},
	}
}

func (f *fakeStorage) ReadFile(ctx context.Context, name string) (*metadata.FileRecord, error) {
	rec, ok := f.files[name]
	if !ok {
		return nil, nil
	}
	cp := *rec
	cp.Metadata = rec.Metadata.Clone()
	return &cp, nil
}

func (f *fakeStorage) ListFiles(ctx context.Context, opts metadata.ListFilesOptions) (*metadata.ListFilesResult, error) {
	f.listCalls++
	var names []string
	for name := range f.files {
		if strings.HasPrefix(name, opts.Prefix) && name > opts.StartAfter {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	limit := opts.MaxKeys
	if f.listPageLimit > 0 && f.listPageLimit < limit {
		limit = f.listPageLimit
	}
	result := &metadata.ListFilesResult{}
	for i, name := range names {
		if i == limit {
			result.IsTruncated = true
			result.NextMarker = names[i-1]
			break
		}
		result.Files = append(result.Files, *f.files[name])
	}
	return result, nil
}

func (f *fakeStorage) PutFile(ctx context.Context, op *trigger.Operation, name string, size int64, md metadata.Metadata) error {
	if !op.Suppressed() {
		f.unsuppressed = append(f.unsuppressed, "PutFile "+name)
	}
	if f.putErr != nil {
		return f.putErr
	}
	f.files[name] = &metadata.FileRecord{Name: name, Size: size, Metadata: md.Clone()}
	delete(f.pages, name)
	delete(f.completed, name)
	return nil
}

func (f *fakeStorage) AssociatePage(ctx context.Context, op *trigger.Operation, name string, page metadata.PageRef) error {
	if !op.Suppressed() {
		f.unsuppressed = append(f.unsuppressed, "AssociatePage "+name)
	}
	if _, ok := f.files[name]; !ok {
		return fmt.Errorf("file not found: %s", name)
	}
	f.pages[name] = append(f.pages[name], page)
	return nil
}

func (f *fakeStorage) CompleteUpload(ctx context.Context, op *trigger.Operation, name string) error {
	if !op.Suppressed() {
		f.unsuppressed = append(f.unsuppressed, "CompleteUpload "+name)
	}
	if _, ok := f.files[name]; !ok {
		return fmt.Errorf("file not found: %s", name)
	}
	f.completed[name] = true
	return nil
}

func (f *fakeStorage) IsVersioningActive() bool { return f.active }
func (f *fakeStorage) ChangesToRevisionsAllowed() bool { return f.allowRevisions }

func (f *fakeStorage) VersioningConfiguration(ctx context.Context, name string) (*metadata.VersioningConfiguration, error) {
	return f.cfg, f.cfgErr
}

func (f *fakeStorage) ScheduleDeletion(op *trigger.Operation, name string) {
	f.scheduled = append(f.scheduled, name)
}

// write drives one logical write of name through the trigger the way the
// engine does, storing the live record between OnPut and AfterPut.
func write(t *testing.T, tr *Trigger, fs *fakeStorage, name string, md metadata.Metadata, pages ...metadata.PageRef) *trigger.Operation {
	t.Helper()
	ctx := context.Background()
	op := trigger.NewOperation(name)

	if v := tr.AllowPut(ctx, op, name, md); v.Denied {
		t.Fatalf("write %q denied: %s", name, v.Reason)
	}
	if err := tr.OnPut(ctx, op, name, md); err != nil {
		t.Fatalf("OnPut(%q): %v", name, err)
	}
	fs.files[name] = &metadata.FileRecord{Name: name, Size: -1, Metadata: md.Clone()}
	if err := tr.AfterPut(ctx, op, name, -1, md); err != nil {
		t.Fatalf("AfterPut(%q): %v", name, err)
	}
	for _, p := range pages {
		fs.pages[name] = append(fs.pages[name], p)
		if err := tr.OnUpload(ctx, op, name, md, p); err != nil {
			t.Fatalf("OnUpload(%q): %v", name, err)
		}
	}
	fs.completed[name] = true
	if err := tr.AfterUpload(ctx, op, name, md); err != nil {
		t.Fatalf("AfterUpload(%q): %v", name, err)
	}
	return op
}

func TestThreeWritesWithRetention(t *testing.T) {
	fs := newFakeStorage()
	fs.cfg = &metadata.VersioningConfiguration{MaxRevisions: 2}
	tr := NewTrigger(fs)

	for i := 1; i <= 3; i++ {
		write(t, tr, fs, "docs/1", metadata.Metadata{"Content-Type": "text/plain"})

		live := fs.files["docs/1"]
		if got := live.Metadata[RevisionKey]; got != fmt.Sprint(i) {
			t.Errorf("write %d: live revision = %q, want %d", i, got, i)
		}
		if got := live.Metadata[StatusKey]; got != StatusCurrent {
			t.Errorf("write %d: live status = %q, want %q", i, got, StatusCurrent)
		}

		shadow := fs.files[RevisionName("docs/1", int64(i))]
		if shadow == nil {
			t.Fatalf("write %d: no shadow created", i)
		}
		if shadow.Metadata[StatusKey] != StatusHistorical {
			t.Errorf("write %d: shadow status = %q", i, shadow.Metadata[StatusKey])
		}
		if shadow.Metadata[ReadOnlyKey] != "true" {
			t.Errorf("write %d: shadow not read-only", i)
		}
		if _, ok := shadow.Metadata[RevisionKey]; ok {
			t.Errorf("write %d: shadow carries live revision field", i)
		}
		parent, hasParent := shadow.Metadata[ParentRevisionKey]
		if i == 1 && hasParent {
			t.Errorf("write 1: unexpected parent link %q", parent)
		}
		if i > 1 && parent != RevisionName("docs/1", int64(i-1)) {
			t.Errorf("write %d: parent = %q, want %q", i, parent, RevisionName("docs/1", int64(i-1)))
		}
		if shadow.Metadata["Content-Type"] != "text/plain" {
			t.Errorf("write %d: shadow lost user metadata", i)
		}
	}

	if len(fs.scheduled) != 1 || fs.scheduled[0] != "docs/1/revisions/1" {
		t.Errorf("scheduled deletions = %v, want [docs/1/revisions/1]", fs.scheduled)
	}
	if len(fs.unsuppressed) != 0 {
		t.Errorf("internal writes issued without suppression: %v", fs.unsuppressed)
	}
}

func TestAllocateAfterLiveDeleted(t *testing.T) {
	fs := newFakeStorage()
	tr := NewTrigger(fs)

	for i := 0; i < 3; i++ {
		write(t, tr, fs, "a", metadata.Metadata{})
	}
	delete(fs.files, "a")

	write(t, tr, fs, "a", metadata.Metadata{})
	if got := fs.files["a"].Metadata[RevisionKey]; got != "4" {
		t.Errorf("revision after delete = %q, want 4", got)
	}
}

func TestAllocateUsesNumericMaximum(t *testing.T) {
	fs := newFakeStorage()
	fs.listPageLimit = 2
	tr := NewTrigger(fs)

	// Lexical order puts 9 last; numeric order puts 10 last.
	for _, n := range []string{"1", "2", "9", "10", "010", "junk", "3/revisions/50"} {
		fs.files["a/revisions/"+n] = &metadata.FileRecord{Name: "a/revisions/" + n, Metadata: metadata.Metadata{}}
	}

	rev, err := tr.allocate(context.Background(), "a")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if rev != 11 {
		t.Errorf("allocate = %d, want 11", rev)
	}
	if fs.listCalls < 2 {
		t.Errorf("listCalls = %d, want the scan to page", fs.listCalls)
	}
}

func TestAllocateMalformedShadowsStartAtOne(t *testing.T) {
	fs := newFakeStorage()
	tr := NewTrigger(fs)
	fs.files["a/revisions/x"] = &metadata.FileRecord{Name: "a/revisions/x"}

	rev, err := tr.allocate(context.Background(), "a")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if rev != 1 {
		t.Errorf("allocate = %d, want 1", rev)
	}
}

func TestAllocateLiveWithoutRevisionScansShadows(t *testing.T) {
	fs := newFakeStorage()
	tr := NewTrigger(fs)
	fs.files["a"] = &metadata.FileRecord{Name: "a", Metadata: metadata.Metadata{}}
	fs.files["a/revisions/5"] = &metadata.FileRecord{Name: "a/revisions/5"}

	rev, err := tr.allocate(context.Background(), "a")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if rev != 6 {
		t.Errorf("allocate = %d, want 6", rev)
	}
}

func TestAllowPutDeniesHistorical(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name           string
		status         string
		active         bool
		allowRevisions bool
		wantDenied     bool
	}{
		{"historical", StatusHistorical, true, false, true},
		{"historical edits allowed", StatusHistorical, true, true, false},
		{"versioning inactive", StatusHistorical, false, false, false},
		{"current", StatusCurrent, true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStorage()
			fs.active = tt.active
			fs.allowRevisions = tt.allowRevisions
			fs.files["a/revisions/1"] = &metadata.FileRecord{
				Name:     "a/revisions/1",
				Metadata: metadata.Metadata{StatusKey: tt.status},
			}
			tr := NewTrigger(fs)

			v := tr.AllowPut(ctx, trigger.NewOperation("a/revisions/1"), "a/revisions/1", metadata.Metadata{})
			if v.Denied != tt.wantDenied {
				t.Errorf("Denied = %v, want %v", v.Denied, tt.wantDenied)
			}
			if v.Denied && v.Reason != HistoricalEditDenied {
				t.Errorf("Reason = %q, want %q", v.Reason, HistoricalEditDenied)
			}
		})
	}

	fs := newFakeStorage()
	tr := NewTrigger(fs)
	if v := tr.AllowPut(ctx, trigger.NewOperation("new"), "new", metadata.Metadata{}); v.Denied {
		t.Error("AllowPut denied a write to a missing file")
	}
}

func TestSkipRules(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		md     metadata.Metadata
		cfg    *metadata.VersioningConfiguration
		cfgErr error
		active bool
	}{
		{"system namespace", "System/Versioning/docs", metadata.Metadata{}, &metadata.VersioningConfiguration{}, nil, true},
		{"system namespace any case", "system/x", metadata.Metadata{}, &metadata.VersioningConfiguration{}, nil, true},
		{"historical metadata", "a", metadata.Metadata{StatusKey: StatusHistorical}, &metadata.VersioningConfiguration{}, nil, true},
		{"no configuration", "a", metadata.Metadata{}, nil, nil, true},
		{"unreadable configuration", "a", metadata.Metadata{}, nil, errors.New("bad json"), true},
		{"excluded", "a", metadata.Metadata{}, &metadata.VersioningConfiguration{Exclude: true}, nil, true},
		{"not explicit", "a", metadata.Metadata{}, &metadata.VersioningConfiguration{ExcludeUnlessExplicit: true}, nil, true},
		{"inactive", "a", metadata.Metadata{}, &metadata.VersioningConfiguration{}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeStorage()
			fs.cfg = tt.cfg
			fs.cfgErr = tt.cfgErr
			fs.active = tt.active
			tr := NewTrigger(fs)

			op := write(t, tr, fs, tt.file, tt.md, metadata.PageRef{ID: 1, Size: 10})

			if _, ok := op.Get(stateNextRevision); ok {
				t.Error("Next-Revision populated for a skipped write")
			}
			if _, ok := op.Get(stateParentRevision); ok {
				t.Error("Parent-Revision populated for a skipped write")
			}
			for name := range fs.files {
				if strings.Contains(name, "/revisions/") {
					t.Errorf("shadow %q created for a skipped write", name)
				}
			}
			if _, ok := fs.files[tt.file].Metadata[RevisionKey]; ok {
				t.Error("skipped write was tagged with a revision")
			}
		})
	}
}

func TestExplicitOptIn(t *testing.T) {
	fs := newFakeStorage()
	fs.cfg = &metadata.VersioningConfiguration{ExcludeUnlessExplicit: true}
	tr := NewTrigger(fs)

	md := metadata.Metadata{CreateVersionKey: "true", "Owner": "bob"}
	write(t, tr, fs, "a", md)

	if _, ok := fs.files["a"].Metadata[CreateVersionKey]; ok {
		t.Error("opt-in marker persisted on the live file")
	}
	shadow := fs.files["a/revisions/1"]
	if shadow == nil {
		t.Fatal("explicit write did not create a shadow")
	}
	if _, ok := shadow.Metadata[CreateVersionKey]; ok {
		t.Error("opt-in marker persisted on the shadow")
	}
}

func TestShadowMirrorsPages(t *testing.T) {
	fs := newFakeStorage()
	tr := NewTrigger(fs)

	pages := []metadata.PageRef{
		{ID: 11, Offset: 0, Size: 4},
		{ID: 12, Offset: 4, Size: 4},
		{ID: 13, Offset: 8, Size: 2},
	}
	write(t, tr, fs, "big", metadata.Metadata{}, pages...)

	got := fs.pages["big/revisions/1"]
	if len(got) != len(pages) {
		t.Fatalf("shadow pages = %d, want %d", len(got), len(pages))
	}
	for i := range pages {
		if got[i] != pages[i] {
			t.Errorf("shadow page %d = %+v, want %+v", i, got[i], pages[i])
		}
	}
	if !fs.completed["big/revisions/1"] {
		t.Error("shadow upload not marked complete")
	}
}

func TestMaxRevisionsZeroNeverPrunes(t *testing.T) {
	fs := newFakeStorage()
	fs.cfg = &metadata.VersioningConfiguration{MaxRevisions: 0}
	tr := NewTrigger(fs)

	for i := 0; i < 5; i++ {
		write(t, tr, fs, "a", metadata.Metadata{})
	}
	if len(fs.scheduled) != 0 {
		t.Errorf("scheduled = %v, want none", fs.scheduled)
	}
}

func TestRetentionBound(t *testing.T) {
	fs := newFakeStorage()
	fs.cfg = &metadata.VersioningConfiguration{MaxRevisions: 3}
	tr := NewTrigger(fs)

	for i := 0; i < 10; i++ {
		write(t, tr, fs, "a", metadata.Metadata{})
	}
	want := []string{
		"a/revisions/1", "a/revisions/2", "a/revisions/3",
		"a/revisions/4", "a/revisions/5", "a/revisions/6", "a/revisions/7",
	}
	if fmt.Sprint(fs.scheduled) != fmt.Sprint(want) {
		t.Errorf("scheduled = %v, want %v", fs.scheduled, want)
	}
}

func TestShadowWriteFailureAbortsWrite(t *testing.T) {
	fs := newFakeStorage()
	tr := NewTrigger(fs)
	ctx := context.Background()
	op := trigger.NewOperation("a")
	md := metadata.Metadata{}

	if err := tr.OnPut(ctx, op, "a", md); err != nil {
		t.Fatalf("OnPut: %v", err)
	}
	fs.putErr = errors.New("disk full")
	if err := tr.AfterPut(ctx, op, "a", -1, md); err == nil {
		t.Fatal("AfterPut should propagate the shadow write failure")
	}
	if op.Suppressed() {
		t.Error("suppression still held after failed shadow write")
	}
}

func TestHooksNoopWithoutRevision(t *testing.T) {
	fs := newFakeStorage()
	tr := NewTrigger(fs)
	ctx := context.Background()
	op := trigger.NewOperation("a")

	if err := tr.AfterPut(ctx, op, "a", 0, metadata.Metadata{}); err != nil {
		t.Errorf("AfterPut: %v", err)
	}
	if err := tr.OnUpload(ctx, op, "a", metadata.Metadata{}, metadata.PageRef{ID: 1}); err != nil {
		t.Errorf("OnUpload: %v", err)
	}
	if err := tr.AfterUpload(ctx, op, "a", metadata.Metadata{}); err != nil {
		t.Errorf("AfterUpload: %v", err)
	}
	if len(fs.files) != 0 {
		t.Errorf("hooks wrote files without a revision: %v", fs.files)
	}
}
