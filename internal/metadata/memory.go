package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process MetadataStore used by tests and by
// deployments that do not need durable metadata.
type MemoryStore struct {
	mu         sync.RWMutex
	files      map[string]*FileRecord
	filePages  map[string]map[int64]PageRef
	pageRefs   map[int64]int
	pageSizes  map[int64]int
	nextPageID int64
	config     map[string]json.RawMessage
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:     make(map[string]*FileRecord),
		filePages: make(map[string]map[int64]PageRef),
		pageRefs:  make(map[int64]int),
		pageSizes: make(map[int64]int),
		config:    make(map[string]json.RawMessage),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) PutFile(ctx context.Context, file *FileRecord) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := s.detachLocked(file.Name)

	fileCopy := *file
	fileCopy.Metadata = file.Metadata.Clone()
	if fileCopy.LastModified.IsZero() {
		fileCopy.LastModified = time.Now().UTC()
	}
	s.files[file.Name] = &fileCopy
	return released, nil
}

func (s *MemoryStore) RestoreFile(ctx context.Context, file *FileRecord, pages []PageRef) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Take the restored references before detaching so pages shared by the
	// old and restored associations are not released.
	restored := make(map[int64]PageRef, len(pages))
	for _, p := range pages {
		if _, exists := s.pageSizes[p.ID]; !exists {
			s.pageSizes[p.ID] = p.Size
		}
		s.pageRefs[p.ID]++
		restored[p.Offset] = p
	}
	released := s.detachLocked(file.Name)
	if len(restored) > 0 {
		s.filePages[file.Name] = restored
	}

	s.files[file.Name] = copyFile(file)
	return released, nil
}

func (s *MemoryStore) GetFile(ctx context.Context, name string) (*FileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, exists := s.files[name]
	if !exists {
		return nil, nil
	}
	return copyFile(f), nil
}

func (s *MemoryStore) DeleteFile(ctx context.Context, name string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := s.detachLocked(name)
	delete(s.files, name)
	return released, nil
}

func (s *MemoryStore) ListFiles(ctx context.Context, opts ListFilesOptions) (*ListFilesResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}

	var names []string
	for name := range s.files {
		if opts.Prefix != "" && !strings.HasPrefix(name, opts.Prefix) {
			continue
		}
		if opts.StartAfter != "" && name <= opts.StartAfter {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	result := &ListFilesResult{}
	for i, name := range names {
		if i == maxKeys {
			result.IsTruncated = true
			result.NextMarker = names[i-1]
			break
		}
		result.Files = append(result.Files, *copyFile(s.files[name]))
	}
	return result, nil
}

func (s *MemoryStore) InsertPage(ctx context.Context, size int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPageID++
	s.pageSizes[s.nextPageID] = size
	return s.nextPageID, nil
}

func (s *MemoryStore) AssociatePage(ctx context.Context, name string, page PageRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[name]; !exists {
		return fmt.Errorf("file not found: %s", name)
	}
	if _, exists := s.pageSizes[page.ID]; !exists {
		return fmt.Errorf("page not found: %d", page.ID)
	}

	pages := s.filePages[name]
	if pages == nil {
		pages = make(map[int64]PageRef)
		s.filePages[name] = pages
	}
	if _, exists := pages[page.Offset]; exists {
		return fmt.Errorf("offset %d of %q: %w", page.Offset, name, ErrOffsetTaken)
	}
	pages[page.Offset] = page
	s.pageRefs[page.ID]++
	return nil
}

func (s *MemoryStore) ListPages(ctx context.Context, name string) ([]PageRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pages []PageRef
	for _, p := range s.filePages[name] {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool {
		return pages[i].Offset < pages[j].Offset
	})
	return pages, nil
}

func (s *MemoryStore) CompleteUpload(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, exists := s.files[name]
	if !exists {
		return fmt.Errorf("file not found: %s", name)
	}
	var size int64
	for _, p := range s.filePages[name] {
		size += int64(p.Size)
	}
	f.Size = size
	f.UploadComplete = true
	return nil
}

func (s *MemoryStore) GetConfig(ctx context.Context, key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, exists := s.config[key]
	if !exists {
		return nil, nil
	}
	return append(json.RawMessage(nil), v...), nil
}

func (s *MemoryStore) PutConfig(ctx context.Context, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.config[key] = append(json.RawMessage(nil), value...)
	return nil
}

// detachLocked drops the page associations of name and returns pages that
// are no longer referenced. Caller must hold s.mu.
func (s *MemoryStore) detachLocked(name string) []int64 {
	var released []int64
	for _, p := range s.filePages[name] {
		s.pageRefs[p.ID]--
		if s.pageRefs[p.ID] <= 0 {
			delete(s.pageRefs, p.ID)
			delete(s.pageSizes, p.ID)
			released = append(released, p.ID)
		}
	}
	delete(s.filePages, name)
	sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
	return released
}

func copyFile(f *FileRecord) *FileRecord {
	cp := *f
	cp.Metadata = f.Metadata.Clone()
	return &cp
}
