// Package render writes bleepfs JSON responses.
package render

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	apierrors "github.com/bleepstore/bleepfs/internal/errors"
	"github.com/bleepstore/bleepfs/internal/metadata"
)

// RequestIDHeader carries the id assigned to each request.
const RequestIDHeader = "X-Request-Id"

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Resource  string `json:"resource,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// FileEntry describes one stored file.
type FileEntry struct {
	Name           string            `json:"name"`
	Size           int64             `json:"size"`
	UploadComplete bool              `json:"upload_complete"`
	LastModified   string            `json:"last_modified"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// FileList is the body of a file listing.
type FileList struct {
	Prefix      string      `json:"prefix,omitempty"`
	StartAfter  string      `json:"start_after,omitempty"`
	MaxKeys     int         `json:"max_keys,omitempty"`
	IsTruncated bool        `json:"is_truncated"`
	NextMarker  string      `json:"next_marker,omitempty"`
	Files       []FileEntry `json:"files"`
}

// RevisionList is the body of a revision listing.
type RevisionList struct {
	Name      string      `json:"name"`
	Revisions []FileEntry `json:"revisions"`
}

// Entry converts a metadata record to its wire form.
func Entry(rec *metadata.FileRecord) FileEntry {
	return FileEntry{
		Name:           rec.Name,
		Size:           rec.Size,
		UploadComplete: rec.UploadComplete,
		LastModified:   FormatTimeISO(rec.LastModified),
		Metadata:       rec.Metadata,
	}
}

// Entries converts records to their wire form, never returning nil.
func Entries(recs []metadata.FileRecord) []FileEntry {
	out := make([]FileEntry, 0, len(recs))
	for i := range recs {
		out = append(out, Entry(&recs[i]))
	}
	return out
}

// RenderError writes an error response. The request id is taken from the
// response headers set by the server middleware.
func RenderError(w http.ResponseWriter, r *http.Request, apiErr *apierrors.APIError, resource string) {
	resp := ErrorResponse{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		Resource:  resource,
		RequestID: w.Header().Get(RequestIDHeader),
	}
	WriteJSON(w, apiErr.HTTPStatus, resp)
}

// WriteErrorResponse renders apiErr using the request path as the resource.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, apiErr *apierrors.APIError) {
	RenderError(w, r, apiErr, r.URL.Path)
}

// RenderFile writes a single file entry.
func RenderFile(w http.ResponseWriter, status int, rec *metadata.FileRecord) {
	WriteJSON(w, status, Entry(rec))
}

// RenderFileList writes a file listing.
func RenderFileList(w http.ResponseWriter, list *FileList) {
	WriteJSON(w, http.StatusOK, list)
}

// RenderRevisionList writes a revision listing.
func RenderRevisionList(w http.ResponseWriter, list *RevisionList) {
	WriteJSON(w, http.StatusOK, list)
}

// FormatTimeISO formats t as ISO 8601 with millisecond precision
// (e.g. "2006-01-02T15:04:05.000Z").
func FormatTimeISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// FormatTimeHTTP formats t as an HTTP date per RFC 7231.
func FormatTimeHTTP(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// MetadataHeaders returns the header names and values for md in a stable
// order, each name carrying prefix.
func MetadataHeaders(prefix string, md metadata.Metadata) [][2]string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{prefix + k, md[k]})
	}
	return out
}

// WriteJSON marshals v and writes it with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, "encoding response: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
