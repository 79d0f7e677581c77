package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/transferd/transferd/pkg/storage"
)

// byteRange is the resolved, inclusive byte window of a download.
type byteRange struct {
	start int64
	end   int64
}

func (br byteRange) length() int64 {
	return br.end - br.start + 1
}

var errInvalidRange = errors.New("api: range not satisfiable")

// resolveRange maps the Range header onto the currently available bytes.
// An absent header yields the full available window. The end position is
// clamped to what exists; a start beyond it is unsatisfiable.
func resolveRange(header string, available int64) (byteRange, error) {
	full := byteRange{start: 0, end: available - 1}

	if header == "" {
		return full, nil
	}

	if !strings.HasPrefix(header, "bytes=") {
		return byteRange{}, errInvalidRange
	}

	spec := strings.TrimPrefix(header, "bytes=")
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 || parts[0] == "" {
		return byteRange{}, errInvalidRange
	}

	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, errInvalidRange
	}

	end := available - 1
	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return byteRange{}, errInvalidRange
		}
	}
	if end > available-1 {
		end = available - 1
	}

	if start >= available || start > end {
		return byteRange{}, errInvalidRange
	}

	return byteRange{start: start, end: end}, nil
}

// download streams the requested byte window in chunk-size reads. The
// response is 206 whenever a Range header was supplied or the file is
// still partial; only a client downloading a fully available file
// without a Range header sees a plain 200.
func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(":id")

	info, err := h.store.GetInfo(r.Context(), id)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	available := info.AvailableSize

	rangeHeader := r.Header.Get("Range")
	br, err := resolveRange(rangeHeader, available)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", available))
		h.sendJSON(w, http.StatusRequestedRangeNotSatisfiable, map[string]string{
			"error": "requested range not satisfiable",
		})
		return
	}

	isPartialFile := available < info.Size
	isFullDownload := available > 0 && br.start == 0 && br.end == available-1

	header := w.Header()
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Length", strconv.FormatInt(br.length(), 10))
	header.Set("Content-Disposition", "attachment; filename="+strconv.Quote(info.Filename))
	if info.MimeType != "" {
		header.Set("Content-Type", info.MimeType)
	} else {
		header.Set("Content-Type", "application/octet-stream")
	}

	header.Set("X-Retention-Policy", string(info.Retention))
	if info.RetentionExpiresAt != nil {
		header.Set("X-Retention-Expires", info.RetentionExpiresAt.Format(time.RFC3339))
	}
	header.Set("X-Download-Count", strconv.FormatInt(info.DownloadCount, 10))
	if info.Retention == storage.RetentionDownloadOnce && isFullDownload {
		header.Set("X-Retention-Warning", "file will be deleted after this download")
	}

	status := http.StatusOK
	if rangeHeader != "" || isPartialFile {
		// Partial files report 206 even without a Range header; the
		// Content-Range tells the client the representation is incomplete.
		status = http.StatusPartialContent
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", br.start, br.end, info.Size))
	}
	w.WriteHeader(status)

	if err := h.streamRange(r.Context(), w, id, br); err != nil {
		// Headers are out; all that is left is to stop and log.
		h.logger.Error("DownloadStreamError", "id", id, "error", err.Error())
		return
	}

	h.logger.Info("DownloadComplete", "id", id, "start", br.start, "end", br.end, "full", isFullDownload)

	if isFullDownload {
		// The retention side effects must not delay or break the response,
		// so they run after the body has been flushed.
		go h.afterFullDownload(id)
	}
}

func (h *Handler) streamRange(ctx context.Context, w http.ResponseWriter, id string, br byteRange) error {
	flusher, _ := w.(http.Flusher)

	pos := br.start
	for pos <= br.end {
		length := h.chunkSize
		if remaining := br.end - pos + 1; remaining < length {
			length = remaining
		}

		chunk, err := h.store.ReadChunk(ctx, id, pos, length)
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return fmt.Errorf("unexpected end of data at offset %d", pos)
		}

		if _, err := w.Write(chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}

		pos += int64(len(chunk))
	}

	return nil
}

// afterFullDownload records the completed download and applies the
// download_once policy. It runs detached from the request, so it uses a
// fresh context.
func (h *Handler) afterFullDownload(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	outcome, err := h.store.RecordDownload(ctx, id)
	if err != nil {
		h.logger.Error("DownloadRecordError", "id", id, "error", err.Error())
		return
	}

	if outcome.ShouldDelete {
		if err := h.store.DeleteUpload(ctx, id); err != nil {
			h.logger.Error("DownloadOnceDeleteError", "id", id, "error", err.Error())
			return
		}
		h.logger.Info("DownloadOnceDeleted", "id", id, "downloadCount", outcome.DownloadCount)
	}
}
