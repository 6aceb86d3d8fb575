package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore creates a SQLiteStore backed by a temporary database file.
// The database is automatically cleaned up when the test finishes.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) failed: %v", dbPath, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// forEachStore runs fn against every MetadataStore implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, store MetadataStore)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("dynamodb", func(t *testing.T) {
		store, _ := newTestDynamoDBStore(t)
		fn(t, store)
	})
}

// seedFile creates a file with a single page of the given size.
func seedFile(t *testing.T, store MetadataStore, name string, size int) int64 {
	t.Helper()
	ctx := context.Background()
	if _, err := store.PutFile(ctx, &FileRecord{Name: name, Metadata: Metadata{"k": "v"}}); err != nil {
		t.Fatalf("PutFile(%q) failed: %v", name, err)
	}
	id, err := store.InsertPage(ctx, size)
	if err != nil {
		t.Fatalf("InsertPage failed: %v", err)
	}
	if err := store.AssociatePage(ctx, name, PageRef{ID: id, Offset: 0, Size: size}); err != nil {
		t.Fatalf("AssociatePage(%q) failed: %v", name, err)
	}
	if err := store.CompleteUpload(ctx, name); err != nil {
		t.Fatalf("CompleteUpload(%q) failed: %v", name, err)
	}
	return id
}

// ---- File tests ----

func TestFileCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MetadataStore) {
		ctx := context.Background()

		file := &FileRecord{
			Name:         "docs/readme.txt",
			Metadata:     Metadata{"Content-Type": "text/plain", "Owner": "alice"},
			LastModified: time.Date(2026, 2, 22, 12, 0, 0, 0, time.UTC),
		}
		if _, err := store.PutFile(ctx, file); err != nil {
			t.Fatalf("PutFile: %v", err)
		}

		got, err := store.GetFile(ctx, "docs/readme.txt")
		if err != nil {
			t.Fatalf("GetFile: %v", err)
		}
		if got == nil {
			t.Fatal("GetFile returned nil")
		}
		if got.Metadata["Owner"] != "alice" {
			t.Errorf("Metadata[Owner] = %q, want %q", got.Metadata["Owner"], "alice")
		}
		if got.UploadComplete {
			t.Error("UploadComplete should be false before CompleteUpload")
		}
		if !got.LastModified.Equal(file.LastModified) {
			t.Errorf("LastModified = %v, want %v", got.LastModified, file.LastModified)
		}

		// Mutating the returned record must not affect the store.
		got.Metadata["Owner"] = "mallory"
		again, _ := store.GetFile(ctx, "docs/readme.txt")
		if again.Metadata["Owner"] != "alice" {
			t.Errorf("stored metadata was mutated through returned record")
		}

		if _, err := store.DeleteFile(ctx, "docs/readme.txt"); err != nil {
			t.Fatalf("DeleteFile: %v", err)
		}
		got, err = store.GetFile(ctx, "docs/readme.txt")
		if err != nil {
			t.Fatalf("GetFile after delete: %v", err)
		}
		if got != nil {
			t.Error("GetFile after delete should return nil")
		}

		// Deleting again is not an error.
		if _, err := store.DeleteFile(ctx, "docs/readme.txt"); err != nil {
			t.Errorf("second DeleteFile: %v", err)
		}
	})
}

func TestCompleteUploadComputesSize(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MetadataStore) {
		ctx := context.Background()
		if _, err := store.PutFile(ctx, &FileRecord{Name: "big.bin"}); err != nil {
			t.Fatalf("PutFile: %v", err)
		}
		for i, size := range []int{100, 100, 42} {
			id, err := store.InsertPage(ctx, size)
			if err != nil {
				t.Fatalf("InsertPage: %v", err)
			}
			ref := PageRef{ID: id, Offset: int64(i * 100), Size: size}
			if err := store.AssociatePage(ctx, "big.bin", ref); err != nil {
				t.Fatalf("AssociatePage: %v", err)
			}
		}
		if err := store.CompleteUpload(ctx, "big.bin"); err != nil {
			t.Fatalf("CompleteUpload: %v", err)
		}

		got, _ := store.GetFile(ctx, "big.bin")
		if got.Size != 242 {
			t.Errorf("Size = %d, want 242", got.Size)
		}
		if !got.UploadComplete {
			t.Error("UploadComplete should be true")
		}

		pages, err := store.ListPages(ctx, "big.bin")
		if err != nil {
			t.Fatalf("ListPages: %v", err)
		}
		if len(pages) != 3 {
			t.Fatalf("ListPages = %d pages, want 3", len(pages))
		}
		for i, p := range pages {
			if p.Offset != int64(i*100) {
				t.Errorf("pages[%d].Offset = %d, want %d", i, p.Offset, i*100)
			}
		}
	})
}

func TestAssociatePageMissingFile(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MetadataStore) {
		ctx := context.Background()
		id, err := store.InsertPage(ctx, 10)
		if err != nil {
			t.Fatalf("InsertPage: %v", err)
		}
		if err := store.AssociatePage(ctx, "nope", PageRef{ID: id, Size: 10}); err == nil {
			t.Error("AssociatePage on missing file should fail")
		}
		if err := store.CompleteUpload(ctx, "nope"); err == nil {
			t.Error("CompleteUpload on missing file should fail")
		}
	})
}

func TestSharedPagesReleasedOnLastReference(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MetadataStore) {
		ctx := context.Background()

		pageID := seedFile(t, store, "a.txt", 5)

		// A second file shares the same page, as a revision shadow does.
		if _, err := store.PutFile(ctx, &FileRecord{Name: "a.txt/revisions/1"}); err != nil {
			t.Fatalf("PutFile shadow: %v", err)
		}
		if err := store.AssociatePage(ctx, "a.txt/revisions/1", PageRef{ID: pageID, Size: 5}); err != nil {
			t.Fatalf("AssociatePage shadow: %v", err)
		}

		// Overwriting the live file leaves the page referenced by the shadow.
		released, err := store.PutFile(ctx, &FileRecord{Name: "a.txt"})
		if err != nil {
			t.Fatalf("PutFile overwrite: %v", err)
		}
		if len(released) != 0 {
			t.Errorf("released = %v, want none while shadow holds the page", released)
		}

		released, err = store.DeleteFile(ctx, "a.txt/revisions/1")
		if err != nil {
			t.Fatalf("DeleteFile shadow: %v", err)
		}
		if len(released) != 1 || released[0] != pageID {
			t.Errorf("released = %v, want [%d]", released, pageID)
		}
	})
}

func TestAssociatePageOffsetTaken(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MetadataStore) {
		ctx := context.Background()
		first := seedFile(t, store, "a.txt", 5)

		second, err := store.InsertPage(ctx, 5)
		if err != nil {
			t.Fatalf("InsertPage: %v", err)
		}
		err = store.AssociatePage(ctx, "a.txt", PageRef{ID: second, Offset: 0, Size: 5})
		if !errors.Is(err, ErrOffsetTaken) {
			t.Fatalf("AssociatePage at taken offset = %v, want ErrOffsetTaken", err)
		}

		pages, err := store.ListPages(ctx, "a.txt")
		if err != nil {
			t.Fatalf("ListPages: %v", err)
		}
		if len(pages) != 1 || pages[0].ID != first {
			t.Errorf("pages = %v, want only page %d", pages, first)
		}
	})
}

func TestRestoreFile(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MetadataStore) {
		ctx := context.Background()
		oldID := seedFile(t, store, "a.txt", 5)

		prev, err := store.GetFile(ctx, "a.txt")
		if err != nil || prev == nil {
			t.Fatalf("GetFile: %v, %v", prev, err)
		}
		prevPages, err := store.ListPages(ctx, "a.txt")
		if err != nil {
			t.Fatalf("ListPages: %v", err)
		}

		// Overwrite releases the old page; the replacement gets a new one.
		released, err := store.PutFile(ctx, &FileRecord{Name: "a.txt", Metadata: Metadata{"k": "new"}})
		if err != nil {
			t.Fatalf("PutFile overwrite: %v", err)
		}
		if len(released) != 1 || released[0] != oldID {
			t.Fatalf("released = %v, want [%d]", released, oldID)
		}
		newID, err := store.InsertPage(ctx, 3)
		if err != nil {
			t.Fatalf("InsertPage: %v", err)
		}
		if err := store.AssociatePage(ctx, "a.txt", PageRef{ID: newID, Size: 3}); err != nil {
			t.Fatalf("AssociatePage: %v", err)
		}

		released, err = store.RestoreFile(ctx, prev, prevPages)
		if err != nil {
			t.Fatalf("RestoreFile: %v", err)
		}
		if len(released) != 1 || released[0] != newID {
			t.Errorf("released by restore = %v, want [%d]", released, newID)
		}

		got, err := store.GetFile(ctx, "a.txt")
		if err != nil {
			t.Fatalf("GetFile: %v", err)
		}
		if got.Metadata["k"] != "v" || got.Size != 5 || !got.UploadComplete {
			t.Errorf("restored record = %+v", got)
		}
		pages, err := store.ListPages(ctx, "a.txt")
		if err != nil {
			t.Fatalf("ListPages: %v", err)
		}
		if len(pages) != 1 || pages[0].ID != oldID {
			t.Errorf("restored pages = %v, want page %d", pages, oldID)
		}

		// The restored page is referenced again and is released normally.
		released, err = store.DeleteFile(ctx, "a.txt")
		if err != nil {
			t.Fatalf("DeleteFile: %v", err)
		}
		if len(released) != 1 || released[0] != oldID {
			t.Errorf("released by delete = %v, want [%d]", released, oldID)
		}

		// Page IDs are never reused after a restore.
		next, err := store.InsertPage(ctx, 1)
		if err != nil {
			t.Fatalf("InsertPage: %v", err)
		}
		if next <= newID {
			t.Errorf("next page id = %d, want > %d", next, newID)
		}
	})
}

// ---- Listing tests ----

func TestListFilesWithPrefix(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MetadataStore) {
		ctx := context.Background()
		for _, name := range []string{
			"a.txt", "a.txt/revisions/1", "a.txt/revisions/2", "A.txt/revisions/9",
			"a_txt/revisions/5", "b.txt",
		} {
			if _, err := store.PutFile(ctx, &FileRecord{Name: name}); err != nil {
				t.Fatalf("PutFile(%q): %v", name, err)
			}
		}

		result, err := store.ListFiles(ctx, ListFilesOptions{Prefix: "a.txt/revisions/"})
		if err != nil {
			t.Fatalf("ListFiles: %v", err)
		}
		var names []string
		for _, f := range result.Files {
			names = append(names, f.Name)
		}
		want := []string{"a.txt/revisions/1", "a.txt/revisions/2"}
		if fmt.Sprint(names) != fmt.Sprint(want) {
			t.Errorf("ListFiles names = %v, want %v", names, want)
		}
		if result.IsTruncated {
			t.Error("IsTruncated should be false")
		}
	})
}

func TestListFilesPagination(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MetadataStore) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			store.PutFile(ctx, &FileRecord{Name: fmt.Sprintf("key%d", i)})
		}

		var all []string
		opts := ListFilesOptions{MaxKeys: 2}
		for page := 0; ; page++ {
			result, err := store.ListFiles(ctx, opts)
			if err != nil {
				t.Fatalf("ListFiles page %d: %v", page, err)
			}
			for _, f := range result.Files {
				all = append(all, f.Name)
			}
			if !result.IsTruncated {
				break
			}
			if result.NextMarker == "" {
				t.Fatalf("page %d truncated without NextMarker", page)
			}
			if page > 5 {
				t.Fatal("pagination did not terminate")
			}
			opts.StartAfter = result.NextMarker
		}
		if len(all) != 5 {
			t.Errorf("paginated listing returned %d files, want 5: %v", len(all), all)
		}
	})
}

// ---- Configuration tests ----

func TestConfigRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store MetadataStore) {
		ctx := context.Background()

		got, err := store.GetConfig(ctx, DefaultVersioningConfigKey)
		if err != nil {
			t.Fatalf("GetConfig missing: %v", err)
		}
		if got != nil {
			t.Errorf("GetConfig missing = %s, want nil", got)
		}

		cfg := VersioningConfiguration{MaxRevisions: 3, ExcludeUnlessExplicit: true}
		raw, _ := json.Marshal(cfg)
		if err := store.PutConfig(ctx, DefaultVersioningConfigKey, raw); err != nil {
			t.Fatalf("PutConfig: %v", err)
		}

		got, err = store.GetConfig(ctx, DefaultVersioningConfigKey)
		if err != nil {
			t.Fatalf("GetConfig: %v", err)
		}
		var decoded VersioningConfiguration
		if err := json.Unmarshal(got, &decoded); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if decoded != cfg {
			t.Errorf("config = %+v, want %+v", decoded, cfg)
		}
	})
}

func TestIsSystemName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"System/Versioning/docs", true},
		{"system/anything", true},
		{"SYSTEM/x", true},
		{"Systems/x", false},
		{"docs/System/x", false},
		{"Sys", false},
	}
	for _, tt := range tests {
		if got := IsSystemName(tt.name); got != tt.want {
			t.Errorf("IsSystemName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// ---- Schema tests ----

func TestIdempotentSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "idempotent.db")

	// Create store (runs initDB).
	store1, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("First NewSQLiteStore: %v", err)
	}
	ctx := context.Background()
	if _, err := store1.PutFile(ctx, &FileRecord{Name: "persisted"}); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	store1.Close()

	// Create another store on same DB (runs initDB again).
	store2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Second NewSQLiteStore: %v", err)
	}
	defer store2.Close()

	got, err := store2.GetFile(ctx, "persisted")
	if err != nil {
		t.Fatalf("GetFile after reopen: %v", err)
	}
	if got == nil {
		t.Error("file did not survive reopen")
	}
}
