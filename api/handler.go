// Package api exposes the upload service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/bitrise-io/go-chunkupload/compression"
	"github.com/bitrise-io/go-chunkupload/service"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-utils/v2/log"
)

// OwnerHeader carries the caller identity set by the authenticating proxy in front of the service.
const OwnerHeader = "X-Owner-ID"

const (
	multipartMemory   = 4 * 1024 * 1024
	multipartOverhead = 1024 * 1024
)

// UploadService is the subset of service.Service the handlers call.
type UploadService interface {
	Initiate(ctx context.Context) (string, error)
	StoreChunk(ctx context.Context, ownerID string, req service.ChunkRequest) (service.StatusReport, error)
	Status(ctx context.Context, uploadID string) (service.StatusReport, error)
	Download(ctx context.Context, uploadID string) (service.Download, error)
	List(ctx context.Context, ownerID string) ([]upload.Record, error)
	Delete(ctx context.Context, uploadID string) error
}

// Params ...
type Params struct {
	Service UploadService
	Logger  log.Logger
	// MaxChunkSize bounds the multipart request body, together with a fixed allowance for the form fields.
	MaxChunkSize int64
	// Owner resolves the caller of a request. Defaults to the OwnerHeader value.
	Owner func(r *http.Request) string
}

// Handler ...
type Handler struct {
	svc          UploadService
	logger       log.Logger
	maxChunkSize int64
	owner        func(r *http.Request) string
}

// NewHandler ...
func NewHandler(params Params) *Handler {
	owner := params.Owner
	if owner == nil {
		owner = func(r *http.Request) string {
			return r.Header.Get(OwnerHeader)
		}
	}
	maxChunkSize := params.MaxChunkSize
	if maxChunkSize <= 0 {
		maxChunkSize = upload.DefaultMaxChunkSize
	}

	return &Handler{
		svc:          params.Service,
		logger:       params.Logger,
		maxChunkSize: maxChunkSize,
		owner:        owner,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload/init", h.initiate)
	mux.HandleFunc("POST /upload/chunk", h.storeChunk)
	mux.HandleFunc("GET /upload/uploads", h.list)
	mux.HandleFunc("GET /upload/{id}/status", h.status)
	mux.HandleFunc("GET /upload/{id}/download", h.download)
	mux.HandleFunc("DELETE /upload/{id}", h.delete)
	return h.logRequests(mux)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debugf("%s %s -> %d (%s)", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.Initiate(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, initResponse{UploadID: id})
}

func (h *Handler) storeChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxChunkSize+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, &upload.ValidationError{Field: "chunk", Reason: fmt.Sprintf("exceeds the maximum of %d bytes", h.maxChunkSize)})
			return
		}
		h.writeError(w, r, &upload.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			h.logger.Warnf("Failed to remove multipart temp files: %s", err)
		}
	}()

	req, closeChunk, err := parseChunkRequest(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer func() {
		if err := closeChunk(); err != nil {
			h.logger.Warnf("Failed to close chunk part: %s", err)
		}
	}()

	report, err := h.svc.StoreChunk(r.Context(), h.owner(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, chunkResponse{Message: "Chunk uploaded successfully", StatusReport: report})
}

func parseChunkRequest(r *http.Request) (service.ChunkRequest, func() error, error) {
	noop := func() error { return nil }

	index, err := intField(r, "chunk_number")
	if err != nil {
		return service.ChunkRequest{}, noop, err
	}
	totalChunks, err := intField(r, "total_chunks")
	if err != nil {
		return service.ChunkRequest{}, noop, err
	}
	totalSize, err := int64Field(r, "total_size")
	if err != nil {
		return service.ChunkRequest{}, noop, err
	}
	encoding, err := compression.ParseEncoding(r.FormValue("chunk_encoding"))
	if err != nil {
		return service.ChunkRequest{}, noop, &upload.ValidationError{Field: "chunk_encoding", Reason: err.Error()}
	}

	file, header, err := r.FormFile("chunk")
	if err != nil {
		return service.ChunkRequest{}, noop, &upload.ValidationError{Field: "chunk", Reason: "is required"}
	}

	return service.ChunkRequest{
		ChunkMeta: upload.ChunkMeta{
			UploadID:    r.FormValue("upload_id"),
			Index:       index,
			TotalChunks: totalChunks,
			TotalSize:   totalSize,
			Filename:    r.FormValue("filename"),
			MimeType:    r.FormValue("mime_type"),
		},
		Data:     file,
		Size:     header.Size,
		Encoding: encoding,
	}, file.Close, nil
}

func intField(r *http.Request, name string) (int, error) {
	value, err := strconv.Atoi(r.FormValue(name))
	if err != nil {
		return 0, &upload.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return value, nil
}

func int64Field(r *http.Request, name string) (int64, error) {
	value, err := strconv.ParseInt(r.FormValue(name), 10, 64)
	if err != nil {
		return 0, &upload.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return value, nil
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Download(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer func() {
		if err := d.Body.Close(); err != nil {
			h.logger.Warnf("[%s] Failed to close download: %s", d.Record.UploadID, err)
		}
	}()

	w.Header().Set("Content-Type", d.Record.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": d.Record.OriginalFilename}))

	if rs, ok := d.Body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, d.Record.OriginalFilename, d.Record.UpdatedAt, rs)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(d.Record.TotalSize, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, d.Body); err != nil {
		h.logger.Warnf("[%s] Download interrupted: %s", d.Record.UploadID, err)
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	records, err := h.svc.List(r.Context(), h.owner(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := listResponse{Uploads: make([]uploadResource, 0, len(records))}
	for _, rec := range records {
		resp.Uploads = append(resp.Uploads, newUploadResource(rec))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, messageResponse{Message: "Upload deleted successfully"})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *upload.ValidationError

	switch {
	case errors.As(err, &validationErr):
		h.logger.Debugf("%s %s rejected: %s", r.Method, r.URL.Path, err)
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation_failed", Message: err.Error(), Field: validationErr.Field})
	case errors.Is(err, upload.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: err.Error()})
	case errors.Is(err, upload.ErrNotReady):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_ready", Message: err.Error()})
	default:
		h.logger.Errorf("%s %s failed: %s", r.Method, r.URL.Path, err)
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error", Message: err.Error()})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warnf("Failed to write response: %s", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
