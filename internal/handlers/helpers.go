// Package handlers implements the bleepfs HTTP file operations.
package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/bleepstore/bleepfs/internal/engine"
	apierrors "github.com/bleepstore/bleepfs/internal/errors"
	"github.com/bleepstore/bleepfs/internal/metadata"
	"github.com/bleepstore/bleepfs/internal/render"
)

// MetaHeaderPrefix marks request and response headers that carry file
// metadata. Keys arrive in canonical MIME form (e.g. X-Meta-Author).
const MetaHeaderPrefix = "X-Meta-"

// extractName returns the file name following routePrefix in the request
// path, e.g. "docs/1" for "/files/docs/1".
func extractName(r *http.Request, routePrefix string) string {
	return strings.TrimPrefix(r.URL.Path, routePrefix)
}

// extractMetadata collects X-Meta-* request headers into file metadata.
func extractMetadata(r *http.Request) metadata.Metadata {
	md := make(metadata.Metadata)
	for key, values := range r.Header {
		if !strings.HasPrefix(key, MetaHeaderPrefix) {
			continue
		}
		mdKey := key[len(MetaHeaderPrefix):]
		if mdKey != "" && len(values) > 0 {
			md[mdKey] = values[0]
		}
	}
	return md
}

// setFileHeaders sets the response headers describing rec, used by GET and
// HEAD.
func setFileHeaders(w http.ResponseWriter, rec *metadata.FileRecord) {
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Last-Modified", render.FormatTimeHTTP(rec.LastModified))
	h.Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	for _, kv := range render.MetadataHeaders(MetaHeaderPrefix, rec.Metadata) {
		h.Set(kv[0], kv[1])
	}
}

// apiError maps an engine error to its API error.
func apiError(err error) *apierrors.APIError {
	var veto *apierrors.VetoError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &veto):
		return apierrors.ErrWriteVetoed.WithMessage(veto.Reason)
	case errors.Is(err, apierrors.ErrNotFound):
		return apierrors.ErrFileNotFound
	case errors.Is(err, engine.ErrNameTooLong):
		return apierrors.ErrNameTooLong
	case errors.Is(err, engine.ErrInvalidName):
		return apierrors.ErrInvalidName.WithMessage(err.Error())
	case errors.As(err, &tooLarge):
		return apierrors.ErrEntityTooLarge
	}
	return apierrors.ErrInternalError
}

// parseMaxKeys parses the max-keys query parameter. Zero means the store
// default.
func parseMaxKeys(v string) (int, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
