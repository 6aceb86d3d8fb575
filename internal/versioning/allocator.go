package versioning

import (
	"context"
	"fmt"

	"github.com/bleepstore/bleepfs/internal/metadata"
)

// scanPageSize bounds each page of the revision scan.
const scanPageSize = 1000

// allocate returns the next revision number for name. The live file's
// revision wins when present; otherwise the highest existing revision is
// found by a prefix scan so numbering continues after the live file has been
// deleted.
func (t *Trigger) allocate(ctx context.Context, name string) (int64, error) {
	live, err := t.storage.ReadFile(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("reading %q: %w", name, err)
	}
	if live != nil {
		if rev, ok := Revision(live.Metadata); ok {
			return rev + 1, nil
		}
	}

	latest, err := t.latestRevision(ctx, name)
	if err != nil {
		return 0, err
	}
	return latest + 1, nil
}

// latestRevision returns the highest revision number among the existing
// revisions of name, or 0 if none can be parsed. Selection is by numeric
// suffix, not by listing order, so revision 10 beats revision 9.
func (t *Trigger) latestRevision(ctx context.Context, name string) (int64, error) {
	var latest int64
	opts := metadata.ListFilesOptions{
		Prefix:  RevisionsPrefix(name),
		MaxKeys: scanPageSize,
	}
	for {
		result, err := t.storage.ListFiles(ctx, opts)
		if err != nil {
			return 0, fmt.Errorf("listing revisions of %q: %w", name, err)
		}
		for _, f := range result.Files {
			if rev, ok := ParseRevision(name, f.Name); ok && rev > latest {
				latest = rev
			}
		}
		if !result.IsTruncated || result.NextMarker == "" {
			return latest, nil
		}
		opts.StartAfter = result.NextMarker
	}
}
