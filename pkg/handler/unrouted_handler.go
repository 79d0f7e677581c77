package handler

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/slog"

	"github.com/transferd/transferd/internal/uid"
	"github.com/transferd/transferd/pkg/state"
	"github.com/transferd/transferd/pkg/statelocker"
	"github.com/transferd/transferd/pkg/storage"
)

const tusVersion = "1.0.0"

var (
	reExtractFileID  = regexp.MustCompile(`([^/]+)\/?$`)
	reForwardedHost  = regexp.MustCompile(`host="?([^;"]+)`)
	reForwardedProto = regexp.MustCompile(`proto=(https?)`)
)

var (
	ErrUnsupportedVersion   = NewError("ERR_UNSUPPORTED_VERSION", "missing, invalid or unsupported Tus-Resumable header", http.StatusPreconditionFailed)
	ErrMaxSizeExceeded      = NewError("ERR_MAX_SIZE_EXCEEDED", "maximum size exceeded", http.StatusRequestEntityTooLarge)
	ErrInvalidContentType   = NewError("ERR_INVALID_CONTENT_TYPE", "missing or invalid Content-Type header", http.StatusUnsupportedMediaType)
	ErrInvalidUploadLength  = NewError("ERR_INVALID_UPLOAD_LENGTH", "missing or invalid Upload-Length header", http.StatusBadRequest)
	ErrInvalidOffset        = NewError("ERR_INVALID_OFFSET", "missing or invalid Upload-Offset header", http.StatusBadRequest)
	ErrMissingFilename      = NewError("ERR_MISSING_FILENAME", "upload metadata must contain a filename", http.StatusBadRequest)
	ErrNotFound             = NewError("ERR_UPLOAD_NOT_FOUND", "upload not found", http.StatusNotFound)
	ErrUploadExpired        = NewError("ERR_UPLOAD_EXPIRED", "upload has expired", http.StatusGone)
	ErrMismatchOffset       = NewError("ERR_MISMATCHED_OFFSET", "mismatched offset", http.StatusConflict)
	ErrUploadBusy           = NewError("ERR_UPLOAD_BUSY", "upload is locked by another request", http.StatusConflict)
	ErrEmptyChunk           = NewError("ERR_EMPTY_CHUNK", "request body must not be empty", http.StatusBadRequest)
	ErrSizeExceeded         = NewError("ERR_UPLOAD_SIZE_EXCEEDED", "upload's size exceeded", http.StatusBadRequest)
	ErrUnknownChecksumAlgo  = NewError("ERR_UNKNOWN_CHECKSUM_ALGORITHM", "unsupported Upload-Checksum algorithm", http.StatusBadRequest)
	ErrChecksumMismatch     = NewError("ERR_CHECKSUM_MISMATCH", "chunk checksum does not match", 460)
	ErrStorageFull          = NewError("ERR_STORAGE_FULL", "insufficient storage space", http.StatusInsufficientStorage)
	ErrBackendUnavailable   = NewError("ERR_BACKEND_UNAVAILABLE", "state backend temporarily unavailable", http.StatusServiceUnavailable)
)

// UnroutedHandler exposes methods to handle requests as part of the tus
// protocol, such as PostFile, HeadFile, PatchFile and DelFile. The
// methods need to be combined with a router (aka mux) of your choice.
type UnroutedHandler struct {
	config        Config
	store         *storage.Storage
	isBasePathAbs bool
	basePath      string
	logger        *slog.Logger
	extensions    string

	// Metrics provides numbers of the usage for this handler.
	Metrics Metrics
}

// NewUnroutedHandler creates a new handler without routing using the
// given configuration.
func NewUnroutedHandler(config Config) (*UnroutedHandler, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	handler := &UnroutedHandler{
		config:        config,
		store:         config.Store,
		basePath:      config.BasePath,
		isBasePathAbs: config.isAbs,
		logger:        config.Logger,
		extensions:    "creation,creation-with-upload,termination,checksum,expiration",
		Metrics:       newMetrics(),
	}

	return handler, nil
}

// SupportedExtensions returns a comma-separated list of the supported tus
// extensions.
func (handler *UnroutedHandler) SupportedExtensions() string {
	return handler.extensions
}

// Middleware checks various aspects of the request and ensures that it
// conforms with the protocol. It also answers OPTIONS requests used for
// capability discovery. If you are using the handler methods directly
// you will need to wrap at least the POST and PATCH endpoints in this
// middleware.
func (handler *UnroutedHandler) Middleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := newContext(w, r)

		handler.logger.Info("RequestIncoming", "method", r.Method, "path", r.URL.Path, "requestId", getRequestId(r))

		handler.Metrics.incRequestsTotal(r.Method)

		header := w.Header()

		// Set current version used by the server
		header.Set("Tus-Resumable", tusVersion)

		// Add nosniff to all responses https://golang.org/src/net/http/server.go#L1429
		header.Set("X-Content-Type-Options", "nosniff")

		// Set appropriated headers in case of OPTIONS method allowing
		// protocol discovery and end with an 204 No Content
		if r.Method == "OPTIONS" {
			if handler.config.MaxSize > 0 {
				header.Set("Tus-Max-Size", strconv.FormatInt(handler.config.MaxSize, 10))
			}

			header.Set("Tus-Version", tusVersion)
			header.Set("Tus-Extension", handler.extensions)

			handler.sendResp(c, HTTPResponse{
				StatusCode: http.StatusNoContent,
			})
			return
		}

		// Test if the version sent by the client is supported. GET and
		// HEAD methods are not checked since a browser may visit this URL
		// and does not include this header.
		if r.Method != "GET" && r.Method != "HEAD" && r.Header.Get("Tus-Resumable") != tusVersion {
			handler.sendError(c, ErrUnsupportedVersion)
			return
		}

		// Proceed with routing the request
		h.ServeHTTP(w, r)
	})
}

// PostFile creates a new upload after validating the length and parsing
// the metadata. If the request carries a chunk, it is written as the
// first chunk at offset 0.
func (handler *UnroutedHandler) PostFile(w http.ResponseWriter, r *http.Request) {
	c := newContext(w, r)

	size, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil || size < 0 {
		handler.sendError(c, ErrInvalidUploadLength)
		return
	}

	if handler.config.MaxSize > 0 && size > handler.config.MaxSize {
		handler.sendError(c, ErrMaxSizeExceeded)
		return
	}

	meta := ParseMetadataHeader(r.Header.Get("Upload-Metadata"))
	if meta["filename"] == "" {
		handler.sendError(c, ErrMissingFilename)
		return
	}

	token := r.Header.Get(handler.config.TokenHeader)
	retention := handler.resolveRetention(meta, token)
	retentionTTL := handler.resolveRetentionTTL(meta)

	id := uid.Uid()
	now := time.Now().UTC()
	expiresAt := now.Add(handler.config.UploadExpiration)

	record := &storage.Record{
		FileID:       id,
		Filename:     meta["filename"],
		Size:         size,
		MetaData:     meta,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    &expiresAt,
		MimeType:     meta["filetype"],
		Retention:    retention,
		RetentionTTL: retentionTTL,
		OwnerID:      token,
	}

	if err := handler.store.CreateUpload(c, record); err != nil {
		handler.sendError(c, err)
		return
	}

	url := handler.absFileURL(r, id)

	handler.Metrics.incUploadsCreated()
	handler.logger.Info("UploadCreated", "id", id, "size", size, "retention", retention, "url", url)

	resp := HTTPResponse{
		StatusCode: http.StatusCreated,
		Header: HTTPHeader{
			"Location":       url,
			"Upload-Offset":  "0",
			"Upload-Expires": expiresAt.Format(time.RFC3339),
		},
	}

	// Check for presence of application/offset+octet-stream. If another
	// content type is defined, it is ignored and treated as none was set
	// because some HTTP clients may enforce a default value for this
	// header.
	containsChunk := r.Header.Get("Content-Type") == "application/offset+octet-stream"
	if containsChunk && r.ContentLength != 0 {
		data, err := handler.readChunkBody(r, record)
		if err != nil {
			handler.sendError(c, err)
			return
		}
		if len(data) > 0 {
			if err := handler.admitChunk(c, data, 0); err != nil {
				handler.sendError(c, err)
				return
			}
			resp, err = handler.writeChunk(c, resp, record, data, 0)
			if err != nil {
				handler.sendError(c, err)
				return
			}
		}
	}

	handler.sendResp(c, resp)
}

// HeadFile returns the length and offset for the HEAD request. An upload
// whose deadline has passed is removed, bytes included, and answered
// with 410.
func (handler *UnroutedHandler) HeadFile(w http.ResponseWriter, r *http.Request) {
	c := newContext(w, r)

	id, err := extractIDFromPath(r.URL.Path)
	if err != nil {
		handler.sendError(c, err)
		return
	}

	record, err := handler.store.GetUpload(c, id)
	if err != nil {
		handler.sendError(c, err)
		return
	}

	if record.Expired(time.Now().UTC()) {
		handler.expireUpload(c, record)
		return
	}

	resp := HTTPResponse{
		StatusCode: http.StatusOK,
		Header: HTTPHeader{
			"Cache-Control": "no-store",
			"Upload-Offset": strconv.FormatInt(record.Offset, 10),
			"Upload-Length": strconv.FormatInt(record.Size, 10),
		},
	}

	if record.ExpiresAt != nil {
		resp.Header["Upload-Expires"] = record.ExpiresAt.Format(time.RFC3339)
	}

	if len(record.MetaData) != 0 {
		resp.Header["Upload-Metadata"] = SerializeMetadataHeader(record.MetaData)
	}

	handler.sendResp(c, resp)
}

// PatchFile adds a chunk to an upload. This operation is only allowed
// if enough space in the upload is left.
func (handler *UnroutedHandler) PatchFile(w http.ResponseWriter, r *http.Request) {
	c := newContext(w, r)

	// Check for presence of application/offset+octet-stream
	if r.Header.Get("Content-Type") != "application/offset+octet-stream" {
		handler.sendError(c, ErrInvalidContentType)
		return
	}

	// Check for presence of a valid Upload-Offset Header
	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset < 0 {
		handler.sendError(c, ErrInvalidOffset)
		return
	}

	id, err := extractIDFromPath(r.URL.Path)
	if err != nil {
		handler.sendError(c, err)
		return
	}

	record, err := handler.store.GetUpload(c, id)
	if err != nil {
		handler.sendError(c, err)
		return
	}

	// Once finalized, the completed-file record is authoritative and the
	// upload can no longer be modified.
	if record.IsFinal {
		handler.sendError(c, ErrNotFound)
		return
	}

	if record.Expired(time.Now().UTC()) {
		handler.expireUpload(c, record)
		return
	}

	if offset != record.Offset {
		handler.sendError(c, ErrMismatchOffset)
		return
	}

	data, err := handler.readChunkBody(r, record)
	if err != nil {
		handler.sendError(c, err)
		return
	}

	if len(data) == 0 {
		handler.sendError(c, ErrEmptyChunk)
		return
	}

	// Quota admission comes before checksum verification so a client on a
	// full server learns about the 507 without paying for the digest.
	if err := handler.admitChunk(c, data, offset); err != nil {
		handler.sendError(c, err)
		return
	}

	if err := verifyChecksum(r.Header.Get("Upload-Checksum"), data); err != nil {
		handler.sendError(c, err)
		return
	}

	resp := HTTPResponse{
		StatusCode: http.StatusNoContent,
		Header:     make(HTTPHeader, 2),
	}

	resp, err = handler.writeChunk(c, resp, record, data, offset)
	if err != nil {
		handler.sendError(c, err)
		return
	}

	handler.sendResp(c, resp)
}

// readChunkBody buffers the request body, bounded by the upload's
// remaining capacity. Reading one byte past the remaining capacity is
// enough to detect an overrunning chunk without consuming an unbounded
// body.
func (handler *UnroutedHandler) readChunkBody(r *http.Request, record *storage.Record) ([]byte, error) {
	remaining := record.Size - record.Offset

	if r.ContentLength > 0 && r.ContentLength > remaining {
		return nil, ErrSizeExceeded
	}

	if r.Body == nil {
		return nil, nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, remaining+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > remaining {
		return nil, ErrSizeExceeded
	}
	return data, nil
}

// admitChunk runs quota admission for an incoming chunk. On a full
// server it returns the decorated 507 error carrying the usage headers
// and the unchanged offset.
func (handler *UnroutedHandler) admitChunk(c *httpContext, data []byte, offset int64) error {
	usage, err := handler.store.CheckQuota(int64(len(data)))
	if err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			return quotaExceededError(usage, offset)
		}
		return err
	}
	return nil
}

// writeChunk writes data at offset and persists the new offset. If the
// upload reached its declared size, it is finalized. The necessary
// response headers are set but the response is not sent.
func (handler *UnroutedHandler) writeChunk(c *httpContext, resp HTTPResponse, record *storage.Record, data []byte, offset int64) (HTTPResponse, error) {
	id := record.FileID

	handler.logger.Info("ChunkWriteStart", "id", id, "size", len(data), "offset", offset)

	bytesWritten, err := handler.store.WriteChunk(c, id, data, offset)
	if err != nil {
		return resp, err
	}

	handler.logger.Info("ChunkWriteComplete", "id", id, "bytesWritten", bytesWritten)

	newOffset := offset + bytesWritten
	record.Offset = newOffset
	if err := handler.store.UpdateUpload(c, record); err != nil {
		return resp, err
	}

	handler.Metrics.incBytesReceived(uint64(bytesWritten))

	resp.Header["Upload-Offset"] = strconv.FormatInt(newOffset, 10)
	if record.ExpiresAt != nil {
		resp.Header["Upload-Expires"] = record.ExpiresAt.Format(time.RFC3339)
	}

	return handler.finishUploadIfComplete(c, resp, record)
}

// finishUploadIfComplete checks whether an upload is completed (i.e.
// upload offset matches upload size) and if so, finalizes it.
func (handler *UnroutedHandler) finishUploadIfComplete(c *httpContext, resp HTTPResponse, record *storage.Record) (HTTPResponse, error) {
	if record.IsComplete() {
		if err := handler.store.Finalize(c, record.FileID); err != nil {
			return resp, err
		}

		handler.logger.Info("UploadFinished", "id", record.FileID, "size", record.Size)
		handler.Metrics.incUploadsFinished()
	}

	return resp, nil
}

// DelFile terminates an upload permanently.
func (handler *UnroutedHandler) DelFile(w http.ResponseWriter, r *http.Request) {
	c := newContext(w, r)

	id, err := extractIDFromPath(r.URL.Path)
	if err != nil {
		handler.sendError(c, err)
		return
	}

	// A second DELETE must observe nothing and answer 404.
	if _, err := handler.store.GetInfo(c, id); err != nil {
		handler.sendError(c, err)
		return
	}

	if err := handler.store.DeleteUpload(c, id); err != nil {
		handler.sendError(c, err)
		return
	}

	handler.logger.Info("UploadTerminated", "id", id)
	handler.Metrics.incUploadsTerminated()

	handler.sendResp(c, HTTPResponse{
		StatusCode: http.StatusNoContent,
	})
}

// expireUpload removes an upload whose deadline passed, bytes included,
// and reports 410 to the client.
func (handler *UnroutedHandler) expireUpload(c *httpContext, record *storage.Record) {
	if err := handler.store.DeleteUpload(c, record.FileID); err != nil {
		handler.sendError(c, err)
		return
	}

	handler.logger.Info("UploadExpired", "id", record.FileID)
	handler.sendError(c, ErrUploadExpired)
}

// resolveRetention picks the retention policy by priority: client
// metadata first, then the token policy table, then the server default.
// Unrecognized values degrade to permanent.
func (handler *UnroutedHandler) resolveRetention(meta map[string]string, token string) storage.RetentionPolicy {
	if value := meta["retention"]; value != "" {
		return storage.ParseRetention(value)
	}

	if token != "" {
		if policy, ok := handler.config.TokenRetentionPolicies[token]; ok {
			return storage.ParseRetention(string(policy))
		}
	}

	return handler.config.DefaultRetention
}

func (handler *UnroutedHandler) resolveRetentionTTL(meta map[string]string) int64 {
	if value := meta["retention_ttl"]; value != "" {
		if ttl, err := strconv.ParseInt(value, 10, 64); err == nil && ttl > 0 {
			return ttl
		}
	}
	return handler.config.DefaultRetentionTTL
}

// quotaExceededError decorates the storage-full error with the retry and
// usage headers for a 507 response. The client may retry the identical
// PATCH once space was freed.
func quotaExceededError(usage *storage.Usage, offset int64) Error {
	err := ErrStorageFull
	err.HTTPResponse.Header = HTTPHeader{
		"Content-Type":  "text/plain; charset=utf-8",
		"Retry-After":   "10",
		"Upload-Offset": strconv.FormatInt(offset, 10),
	}
	if usage != nil {
		err.HTTPResponse.Header["X-Storage-Used"] = strconv.FormatInt(usage.UsedBytes, 10)
		err.HTTPResponse.Header["X-Storage-Max"] = strconv.FormatInt(usage.MaxBytes, 10)
		err.HTTPResponse.Header["X-Storage-Available"] = strconv.FormatInt(usage.AvailableBytes, 10)
	}
	return err
}

// verifyChecksum checks the chunk against the Upload-Checksum header,
// `<algo> <hex digest>` with a case-insensitive algorithm tag. The
// digest is computed before any byte is written, so a mismatch leaves
// the upload untouched.
func verifyChecksum(header string, data []byte) error {
	if header == "" {
		return nil
	}

	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 {
		return ErrUnknownChecksumAlgo
	}

	var digest []byte
	switch strings.ToLower(parts[0]) {
	case "sha1":
		sum := sha1.Sum(data)
		digest = sum[:]
	case "sha256":
		sum := sha256.Sum256(data)
		digest = sum[:]
	case "md5":
		sum := md5.Sum(data)
		digest = sum[:]
	default:
		return ErrUnknownChecksumAlgo
	}

	if !strings.EqualFold(hex.EncodeToString(digest), strings.TrimSpace(parts[1])) {
		return ErrChecksumMismatch
	}
	return nil
}

// Send the error in the response body, after mapping storage and state
// sentinels onto their protocol errors.
func (handler *UnroutedHandler) sendError(c *httpContext, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		err = ErrNotFound
	case errors.Is(err, statelocker.ErrLockHeld):
		err = ErrUploadBusy
	case errors.Is(err, state.ErrUnavailable):
		err = ErrBackendUnavailable
	}

	r := c.req

	detailedErr, ok := err.(Error)
	if !ok {
		handler.logger.Error("InternalServerError", "message", err.Error(), "method", r.Method, "path", r.URL.Path, "requestId", getRequestId(r))
		detailedErr = NewError("ERR_INTERNAL_SERVER_ERROR", err.Error(), http.StatusInternalServerError)
	}

	// If we are sending the response for a HEAD request, ensure that we
	// are not including any response body.
	if r.Method == "HEAD" {
		detailedErr.HTTPResponse.Body = ""
	}

	handler.sendResp(c, detailedErr.HTTPResponse)
	handler.Metrics.incErrorsTotal(detailedErr)
}

// sendResp writes the header to w with the specified status code.
func (handler *UnroutedHandler) sendResp(c *httpContext, resp HTTPResponse) {
	resp.writeTo(c.res)

	handler.logger.Info("ResponseOutgoing", "status", resp.StatusCode, "method", c.req.Method, "path", c.req.URL.Path, "requestId", getRequestId(c.req))
}

// Make an absolute URLs to the given upload id. If the base path is
// absolute it will be prepended else the host and protocol from the
// request is used.
func (handler *UnroutedHandler) absFileURL(r *http.Request, id string) string {
	if handler.isBasePathAbs {
		return handler.basePath + id
	}

	// Read origin and protocol from request
	host, proto := getHostAndProtocol(r, handler.config.RespectForwardedHeaders)

	url := proto + "://" + host + handler.basePath + id

	return url
}

// getHostAndProtocol extracts the host and used protocol (either HTTP or
// HTTPS) from the given request. If `allowForwarded` is set, the
// X-Forwarded-Host, X-Forwarded-Proto and Forwarded headers will also be
// checked to support proxies.
func getHostAndProtocol(r *http.Request, allowForwarded bool) (host, proto string) {
	if r.TLS != nil {
		proto = "https"
	} else {
		proto = "http"
	}

	host = r.Host

	if !allowForwarded {
		return
	}

	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = h
	}

	if h := r.Header.Get("X-Forwarded-Proto"); h == "http" || h == "https" {
		proto = h
	}

	if h := r.Header.Get("Forwarded"); h != "" {
		if r := reForwardedHost.FindStringSubmatch(h); len(r) == 2 {
			host = r[1]
		}

		if r := reForwardedProto.FindStringSubmatch(h); len(r) == 2 {
			proto = r[1]
		}
	}

	return
}

// extractIDFromPath pulls the last segment from the url provided
func extractIDFromPath(url string) (string, error) {
	result := reExtractFileID.FindStringSubmatch(url)
	if len(result) != 2 {
		return "", ErrNotFound
	}
	return result[1], nil
}

// getRequestId returns the value of the X-Request-ID header, if
// available, and also takes care of truncating the input.
func getRequestId(r *http.Request) string {
	reqId := r.Header.Get("X-Request-ID")
	if reqId == "" {
		return ""
	}

	// Limit the length of the request ID to 36 characters, which is
	// enough to fit a UUID.
	if len(reqId) > 36 {
		reqId = reqId[:36]
	}

	return reqId
}
