// Package api exposes the file management surface next to the upload
// protocol: listing, metadata, ranged downloads, deletion, the cleanup
// trigger and the storage and health probes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/bmizerany/pat"
	"golang.org/x/exp/slog"

	"github.com/transferd/transferd/pkg/state"
	"github.com/transferd/transferd/pkg/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Config describes the api handler.
type Config struct {
	// Store is the storage backend holding bytes and records.
	Store *storage.Storage
	// State is the state manager, used for the health probe's backend
	// name.
	State *state.Manager
	// ChunkSize is the read granularity for downloads and the chunk size
	// reported in listings. Defaults to the store's chunk size.
	ChunkSize int64
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Handler serves the file API. Mount it at /api/.
type Handler struct {
	store     *storage.Storage
	stateMgr  *state.Manager
	chunkSize int64
	logger    *slog.Logger

	mux *pat.PatternServeMux
}

// New creates the api handler with its routes registered.
func New(config Config) *Handler {
	chunkSize := config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = config.Store.ChunkSize()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		store:     config.Store,
		stateMgr:  config.State,
		chunkSize: chunkSize,
		logger:    logger,
	}

	mux := pat.New()
	mux.Get("/api/files/:id/info/download", http.HandlerFunc(h.downloadInfo))
	mux.Get("/api/files/:id/download", http.HandlerFunc(h.download))
	mux.Get("/api/files/:id", http.HandlerFunc(h.fileInfo))
	mux.Get("/api/files", http.HandlerFunc(h.listFiles))
	mux.Del("/api/files/:id", http.HandlerFunc(h.deleteFile))
	mux.Post("/api/files/cleanup", http.HandlerFunc(h.cleanup))
	mux.Get("/api/storage", http.HandlerFunc(h.storageUsage))
	mux.Get("/api/health", http.HandlerFunc(h.health))
	h.mux = mux

	return h
}

// ServeHTTP implements the http.Handler interface.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// fileEntry is the listing representation of a completed file or an
// in-progress upload.
type fileEntry struct {
	FileID         string            `json:"file_id"`
	Filename       string            `json:"filename"`
	Size           int64             `json:"size"`
	MimeType       string            `json:"mime_type,omitempty"`
	Checksum       string            `json:"checksum,omitempty"`
	Status         string            `json:"status"`
	UploadedSize   int64             `json:"uploaded_size"`
	ChunkSize      int64             `json:"chunk_size"`
	TotalChunks    int64             `json:"total_chunks"`
	UploadedChunks int64             `json:"uploaded_chunks"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	Metadata       fileEntryMetadata `json:"metadata"`
}

type fileEntryMetadata struct {
	Retention          storage.RetentionPolicy `json:"retention"`
	RetentionTTL       int64                   `json:"retention_ttl,omitempty"`
	RetentionExpiresAt *time.Time              `json:"retention_expires_at,omitempty"`
	DownloadCount      int64                   `json:"download_count"`
}

func (h *Handler) entryFromInfo(info *storage.Info) fileEntry {
	status := "partial"
	if info.IsComplete {
		status = "complete"
	}

	return fileEntry{
		FileID:         info.FileID,
		Filename:       info.Filename,
		Size:           info.Size,
		MimeType:       info.MimeType,
		Checksum:       info.Checksum,
		Status:         status,
		UploadedSize:   info.AvailableSize,
		ChunkSize:      h.chunkSize,
		TotalChunks:    chunkCount(info.Size, h.chunkSize),
		UploadedChunks: chunkCount(info.AvailableSize, h.chunkSize),
		CreatedAt:      info.CreatedAt,
		UpdatedAt:      info.UpdatedAt,
		ExpiresAt:      info.ExpiresAt,
		Metadata: fileEntryMetadata{
			Retention:          info.Retention,
			RetentionTTL:       info.RetentionTTL,
			RetentionExpiresAt: info.RetentionExpiresAt,
			DownloadCount:      info.DownloadCount,
		},
	}
}

func chunkCount(size, chunkSize int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// listFiles merges completed files and, on request, in-progress uploads
// into one paginated view sorted by updated_at descending.
func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page := queryInt(query.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize := queryInt(query.Get("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	includePartial := query.Get("include_partial") == "true" || query.Get("include_partial") == "1"

	entries := make([]fileEntry, 0)

	files, err := h.store.ListFiles(r.Context())
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	for _, record := range files {
		info, err := h.store.GetInfo(r.Context(), record.FileID)
		if err != nil {
			continue
		}
		entries = append(entries, h.entryFromInfo(info))
	}

	if includePartial {
		// Finalized uploads are already covered by their file records, so
		// only non-final upload records are merged in.
		uploads, err := h.store.ListUploads(r.Context(), false, true)
		if err != nil {
			h.sendError(w, r, err)
			return
		}
		for _, record := range uploads {
			info, err := h.store.GetInfo(r.Context(), record.FileID)
			if err != nil {
				continue
			}
			entries = append(entries, h.entryFromInfo(info))
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})

	total := len(entries)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"files":     entries[start:end],
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (h *Handler) fileInfo(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(":id")

	info, err := h.store.GetInfo(r.Context(), id)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	h.sendJSON(w, http.StatusOK, h.entryFromInfo(info))
}

// downloadInfo returns the lightweight metadata a client needs to plan a
// ranged download.
func (h *Handler) downloadInfo(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(":id")

	info, err := h.store.GetInfo(r.Context(), id)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"file_id":        info.FileID,
		"filename":       info.Filename,
		"size":           info.Size,
		"available_size": info.AvailableSize,
		"mime_type":      info.MimeType,
		"checksum":       info.Checksum,
		"supports_range": true,
	})
}

func (h *Handler) deleteFile(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(":id")

	if _, err := h.store.GetInfo(r.Context(), id); err != nil {
		h.sendError(w, r, err)
		return
	}

	if err := h.store.DeleteUpload(r.Context(), id); err != nil {
		h.sendError(w, r, err)
		return
	}

	h.logger.Info("FileDeleted", "id", id)

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "deleted",
		"file_id": id,
	})
}

// cleanup synchronously runs one sweep. Intended for operators and
// tests; the periodic scheduler covers normal operation.
func (h *Handler) cleanup(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.CleanupExpired(r.Context())
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"cleaned": stats.ExpiredUploads + stats.ExpiredFiles,
		"stats":   stats,
	})
}

func (h *Handler) storageUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.store.StorageUsage()
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	h.sendJSON(w, http.StatusOK, usage)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	backend := "memory"
	if h.stateMgr != nil {
		backend = h.stateMgr.BackendName()
	}

	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"backend": backend,
	})
}

func (h *Handler) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := err.Error()

	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
		message = "file not found"
	case errors.Is(err, state.ErrUnavailable):
		status = http.StatusServiceUnavailable
		message = "state backend temporarily unavailable"
	default:
		h.logger.Error("InternalServerError", "message", err.Error(), "method", r.Method, "path", r.URL.Path)
	}

	h.sendJSON(w, status, map[string]string{"error": message})
}

func queryInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
