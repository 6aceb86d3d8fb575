package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/bleepstore/bleepfs/internal/engine"
	apierrors "github.com/bleepstore/bleepfs/internal/errors"
	"github.com/bleepstore/bleepfs/internal/logging"
	"github.com/bleepstore/bleepfs/internal/metadata"
	"github.com/bleepstore/bleepfs/internal/render"
)

// Route prefixes served by FileHandler.
const (
	FilesPrefix     = "/files/"
	RevisionsPrefix = "/revisions/"
)

// FileHandler serves file reads, writes, listings and revision history.
type FileHandler struct {
	eng         *engine.Engine
	maxFileSize int64
	logger      *slog.Logger
}

// NewFileHandler creates a FileHandler. maxFileSize <= 0 disables the upload
// size limit.
func NewFileHandler(eng *engine.Engine, maxFileSize int64) *FileHandler {
	return &FileHandler{
		eng:         eng,
		maxFileSize: maxFileSize,
		logger:      logging.Component("handlers"),
	}
}

// fail logs unexpected errors and writes the mapped API error.
func (h *FileHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	apiErr := apiError(err)
	if apiErr == apierrors.ErrInternalError {
		h.logger.Error(op+" failed", "path", r.URL.Path, "error", err)
	}
	render.WriteErrorResponse(w, r, apiErr)
}

// PutFile handles PUT /files/{name}. The body becomes the file content and
// X-Meta-* headers its metadata. Writes that a trigger vetoes return 403.
func (h *FileHandler) PutFile(w http.ResponseWriter, r *http.Request) {
	name := extractName(r, FilesPrefix)
	if err := engine.ValidateName(name); err != nil {
		render.WriteErrorResponse(w, r, apiError(err))
		return
	}
	if h.maxFileSize > 0 && r.ContentLength > h.maxFileSize {
		render.WriteErrorResponse(w, r, apierrors.ErrEntityTooLarge)
		return
	}

	var body io.Reader = r.Body
	if h.maxFileSize > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxFileSize)
	}

	rec, err := h.eng.PutFile(r.Context(), name, extractMetadata(r), body, r.ContentLength)
	if err != nil {
		h.fail(w, r, "PutFile", err)
		return
	}
	render.RenderFile(w, http.StatusOK, rec)
}

// GetFile handles GET /files/{name}.
func (h *FileHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	name := extractName(r, FilesPrefix)
	rec, rc, err := h.eng.OpenFile(r.Context(), name)
	if err != nil {
		h.fail(w, r, "GetFile", err)
		return
	}
	defer rc.Close()

	setFileHeaders(w, rec)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		// Headers are gone; the short body is all the client will see.
		h.logger.Error("streaming file failed", "name", name, "error", err)
	}
}

// HeadFile handles HEAD /files/{name}.
func (h *FileHandler) HeadFile(w http.ResponseWriter, r *http.Request) {
	rec, err := h.eng.GetFile(r.Context(), extractName(r, FilesPrefix))
	if err != nil {
		// HEAD responses carry no body.
		w.WriteHeader(apiError(err).HTTPStatus)
		return
	}
	setFileHeaders(w, rec)
	w.WriteHeader(http.StatusOK)
}

// DeleteFile handles DELETE /files/{name}. Revisions of the file are kept.
func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.DeleteFile(r.Context(), extractName(r, FilesPrefix)); err != nil {
		h.fail(w, r, "DeleteFile", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListFiles handles GET /files?prefix=&start-after=&max-keys=.
func (h *FileHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxKeys, ok := parseMaxKeys(q.Get("max-keys"))
	if !ok {
		render.WriteErrorResponse(w, r, apierrors.ErrInvalidArgument.WithMessage("max-keys must be a non-negative integer"))
		return
	}
	opts := metadata.ListFilesOptions{
		Prefix:     q.Get("prefix"),
		StartAfter: q.Get("start-after"),
		MaxKeys:    maxKeys,
	}
	result, err := h.eng.ListFiles(r.Context(), opts)
	if err != nil {
		h.fail(w, r, "ListFiles", err)
		return
	}
	render.RenderFileList(w, &render.FileList{
		Prefix:      opts.Prefix,
		StartAfter:  opts.StartAfter,
		MaxKeys:     opts.MaxKeys,
		IsTruncated: result.IsTruncated,
		NextMarker:  result.NextMarker,
		Files:       render.Entries(result.Files),
	})
}

// ListRevisions handles GET /revisions/{name}, returning the historical
// copies of name oldest first.
func (h *FileHandler) ListRevisions(w http.ResponseWriter, r *http.Request) {
	name := extractName(r, RevisionsPrefix)
	if err := engine.ValidateName(name); err != nil {
		render.WriteErrorResponse(w, r, apiError(err))
		return
	}
	revs, err := h.eng.Revisions(r.Context(), name)
	if err != nil {
		h.fail(w, r, "ListRevisions", err)
		return
	}
	render.RenderRevisionList(w, &render.RevisionList{
		Name:      name,
		Revisions: render.Entries(revs),
	})
}
