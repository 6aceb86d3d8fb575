package versioning

import (
	"strconv"
	"strings"

	"github.com/bleepstore/bleepfs/internal/metadata"
)

// Metadata keys shared by live files and their historical copies.
const (
	// RevisionKey holds the revision number of a live file.
	RevisionKey = "File-Revision"
	// StatusKey holds StatusCurrent or StatusHistorical.
	StatusKey = "File-Revision-Status"
	// ParentRevisionKey links a historical copy to the copy it superseded.
	ParentRevisionKey = "File-Parent-Revision"
	// ReadOnlyKey marks historical copies read-only.
	ReadOnlyKey = "Read-Only"
	// CreateVersionKey is the write-intent opt-in marker. It is consumed by
	// the trigger and never persisted.
	CreateVersionKey = "Create-Version"
)

// Revision status values.
const (
	StatusCurrent    = "Current"
	StatusHistorical = "Historical"
)

// Operation state keys.
const (
	stateCreateVersion  = "Create-Version"
	stateNextRevision   = "Next-Revision"
	stateParentRevision = "Parent-Revision"
)

const revisionsSegment = "/revisions/"

// RevisionName returns the name of revision rev of the file name.
func RevisionName(name string, rev int64) string {
	return RevisionsPrefix(name) + strconv.FormatInt(rev, 10)
}

// RevisionsPrefix returns the name prefix shared by all revisions of name.
func RevisionsPrefix(name string) string {
	return name + revisionsSegment
}

// ParseRevision extracts the revision number from shadow, which must be a
// direct revision of name. Suffixes with non-digits, leading zeros, or
// further path segments are rejected.
func ParseRevision(name, shadow string) (int64, bool) {
	prefix := RevisionsPrefix(name)
	if !strings.HasPrefix(shadow, prefix) {
		return 0, false
	}
	suffix := shadow[len(prefix):]
	if suffix == "" || suffix[0] == '0' {
		return 0, false
	}
	for i := 0; i < len(suffix); i++ {
		if suffix[i] < '0' || suffix[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsHistorical reports whether md marks a historical copy.
func IsHistorical(md metadata.Metadata) bool {
	return md[StatusKey] == StatusHistorical
}

// Revision returns the revision number stored in md, if any.
func Revision(md metadata.Metadata) (int64, bool) {
	v, ok := md[RevisionKey]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
