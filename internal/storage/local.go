package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bleepstore/bleepfs/internal/uid"
)

// pagesPerDir fans pages out over subdirectories so no single directory
// grows without bound.
const pagesPerDir = 1000

// LocalBackend implements the PageStore interface using the local
// filesystem. Pages are stored as files under {RootDir}/pages/.
type LocalBackend struct {
	// RootDir is the base directory under which all page data is stored.
	RootDir string
}

// NewLocalBackend creates a new LocalBackend rooted at the given directory.
// It creates the root directory and the temp directory if they do not exist.
func NewLocalBackend(rootDir string) (*LocalBackend, error) {
	for _, dir := range []string{rootDir, filepath.Join(rootDir, "pages"), filepath.Join(rootDir, ".tmp")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory %q: %w", dir, err)
		}
	}
	return &LocalBackend{RootDir: rootDir}, nil
}

// CleanTempFiles removes all files in the .tmp directory. This is called on
// startup as part of crash-only recovery. Any temp files left behind indicate
// incomplete writes from a previous crash.
func (b *LocalBackend) CleanTempFiles() error {
	tmpDir := filepath.Join(b.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

// pagePath returns the full filesystem path for a page.
func (b *LocalBackend) pagePath(id int64) string {
	return filepath.Join(b.RootDir, "pages", pageName(id/pagesPerDir), pageName(id))
}

// tempPath returns a unique temporary file path in the .tmp directory.
func (b *LocalBackend) tempPath() string {
	return filepath.Join(b.RootDir, ".tmp", "tmp-"+uid.New())
}

// PutPage writes page data using the crash-only atomic write pattern: write
// to temp file, fsync, rename.
func (b *LocalBackend) PutPage(ctx context.Context, id int64, data []byte) error {
	path := b.pagePath(id)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent directory for page %d: %w", id, err)
	}

	tmpPath := b.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing page %d: %w", id, err)
	}

	// Fsync before rename to guarantee durability.
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	// Atomic rename: temp -> final path.
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return nil
}

// GetPage reads a page file.
func (b *LocalBackend) GetPage(ctx context.Context, id int64) ([]byte, error) {
	data, err := os.ReadFile(b.pagePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("page %d: %w", id, ErrPageNotFound)
		}
		return nil, fmt.Errorf("reading page %d: %w", id, err)
	}
	return data, nil
}

// DeletePage removes a page file. Idempotent: missing files are ignored.
func (b *LocalBackend) DeletePage(ctx context.Context, id int64) error {
	if err := os.Remove(b.pagePath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting page %d: %w", id, err)
	}
	return nil
}

// HealthCheck verifies the root directory is writable by creating and
// removing a marker file.
func (b *LocalBackend) HealthCheck(ctx context.Context) error {
	marker := b.tempPath()
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return fmt.Errorf("storage directory not writable: %w", err)
	}
	return os.Remove(marker)
}

// Ensure LocalBackend implements PageStore at compile time.
var _ PageStore = (*LocalBackend)(nil)
