package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/transferd/transferd/pkg/state"
	"github.com/transferd/transferd/pkg/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestAPI builds the api handler on a fresh storage with a small
// chunk size so downloads exercise the chunked streaming path.
func newTestAPI(t *testing.T, storageConfig storage.Config) (*Handler, *storage.Storage) {
	t.Helper()

	backend := state.NewMemoryBackend()
	t.Cleanup(func() { backend.Close() })

	if storageConfig.BasePath == "" {
		storageConfig.BasePath = t.TempDir()
	}
	storageConfig.State = backend
	if storageConfig.Logger == nil {
		storageConfig.Logger = testLogger()
	}

	store, err := storage.New(storageConfig)
	require.NoError(t, err)

	handler := New(Config{
		Store:     store,
		State:     state.NewManagerFromBackend(backend, state.BackendMemory),
		ChunkSize: 4,
		Logger:    testLogger(),
	})

	return handler, store
}

// seedFile creates a fully uploaded, finalized file.
func seedFile(t *testing.T, store *storage.Storage, id, filename string, content []byte, retention storage.RetentionPolicy) {
	t.Helper()

	record := seedPartial(t, store, id, filename, content, int64(len(content)))
	record.Retention = retention
	require.NoError(t, store.UpdateUpload(context.Background(), record))
	require.NoError(t, store.Finalize(context.Background(), id))
}

// seedPartial creates an upload of the given declared size with only the
// content bytes written.
func seedPartial(t *testing.T, store *storage.Storage, id, filename string, content []byte, size int64) *storage.Record {
	t.Helper()
	ctx := context.Background()

	now := time.Now().UTC()
	record := &storage.Record{
		FileID:    id,
		Filename:  filename,
		Size:      size,
		CreatedAt: now,
		UpdatedAt: now,
		Retention: storage.RetentionPermanent,
	}
	require.NoError(t, store.CreateUpload(ctx, record))

	if len(content) > 0 {
		n, err := store.WriteChunk(ctx, id, content, 0)
		require.NoError(t, err)
		record.Offset = n
		require.NoError(t, store.UpdateUpload(ctx, record))
	}

	return record
}

func doRequest(t *testing.T, handler http.Handler, method, url string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, url, nil)
	for key, value := range header {
		req.Header.Set(key, value)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	handler, _ := newTestAPI(t, storage.Config{})

	res := doRequest(t, handler, "GET", "/api/health", nil)
	require.Equal(t, http.StatusOK, res.Code)

	body := decodeBody(t, res)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "memory", body["backend"])
}

func TestStorageUsage(t *testing.T) {
	handler, store := newTestAPI(t, storage.Config{MaxStorageSize: 100})

	seedFile(t, store, "f1", "a.txt", []byte("0123456789"), storage.RetentionPermanent)
	seedPartial(t, store, "p1", "b.txt", []byte("01234"), 20)

	res := doRequest(t, handler, "GET", "/api/storage", nil)
	require.Equal(t, http.StatusOK, res.Code)

	body := decodeBody(t, res)
	assert.Equal(t, float64(15), body["used"])
	assert.Equal(t, float64(100), body["max"])
	assert.Equal(t, float64(85), body["available"])
	assert.Equal(t, float64(1), body["files_count"])
	assert.Equal(t, float64(1), body["uploads_count"])
	assert.Equal(t, false, body["is_full"])
}

func TestListFiles(t *testing.T) {
	handler, store := newTestAPI(t, storage.Config{})

	seedFile(t, store, "f1", "a.txt", []byte("aaaa"), storage.RetentionPermanent)
	seedFile(t, store, "f2", "b.txt", []byte("bbbbbbbb"), storage.RetentionPermanent)
	seedFile(t, store, "f3", "c.txt", []byte("cc"), storage.RetentionPermanent)
	seedPartial(t, store, "p1", "d.txt", []byte("dddd"), 10)

	// Completed files only by default.
	res := doRequest(t, handler, "GET", "/api/files", nil)
	require.Equal(t, http.StatusOK, res.Code)
	body := decodeBody(t, res)
	assert.Equal(t, float64(3), body["total"])
	assert.Equal(t, float64(1), body["page"])
	assert.Equal(t, float64(20), body["page_size"])
	assert.Len(t, body["files"], 3)

	// Partial uploads join the listing on request.
	res = doRequest(t, handler, "GET", "/api/files?include_partial=true", nil)
	body = decodeBody(t, res)
	assert.Equal(t, float64(4), body["total"])

	// Pagination slices the sorted view.
	res = doRequest(t, handler, "GET", "/api/files?page=2&page_size=2", nil)
	body = decodeBody(t, res)
	assert.Equal(t, float64(3), body["total"])
	assert.Equal(t, float64(2), body["page"])
	assert.Len(t, body["files"], 1)

	// A page past the end is empty, not an error.
	res = doRequest(t, handler, "GET", "/api/files?page=9", nil)
	body = decodeBody(t, res)
	assert.Len(t, body["files"], 0)
}

func TestFileInfo(t *testing.T) {
	handler, store := newTestAPI(t, storage.Config{})

	seedFile(t, store, "f1", "a.txt", []byte("0123456789"), storage.RetentionPermanent)

	res := doRequest(t, handler, "GET", "/api/files/f1", nil)
	require.Equal(t, http.StatusOK, res.Code)

	body := decodeBody(t, res)
	assert.Equal(t, "f1", body["file_id"])
	assert.Equal(t, "a.txt", body["filename"])
	assert.Equal(t, "complete", body["status"])
	assert.Equal(t, float64(10), body["size"])
	assert.Equal(t, float64(10), body["uploaded_size"])
	// 10 bytes in 4-byte chunks.
	assert.Equal(t, float64(3), body["total_chunks"])
	assert.Equal(t, float64(3), body["uploaded_chunks"])

	metadata, ok := body["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "permanent", metadata["retention"])
	assert.Equal(t, float64(0), metadata["download_count"])

	res = doRequest(t, handler, "GET", "/api/files/unknown", nil)
	require.Equal(t, http.StatusNotFound, res.Code)
	assert.Equal(t, "file not found", decodeBody(t, res)["error"])
}

func TestFileInfoPartial(t *testing.T) {
	handler, store := newTestAPI(t, storage.Config{})

	seedPartial(t, store, "p1", "d.txt", []byte("dddddd"), 10)

	res := doRequest(t, handler, "GET", "/api/files/p1", nil)
	require.Equal(t, http.StatusOK, res.Code)

	body := decodeBody(t, res)
	assert.Equal(t, "partial", body["status"])
	assert.Equal(t, float64(10), body["size"])
	assert.Equal(t, float64(6), body["uploaded_size"])
	assert.Equal(t, float64(2), body["uploaded_chunks"])
}

func TestDownloadInfo(t *testing.T) {
	handler, store := newTestAPI(t, storage.Config{})

	seedPartial(t, store, "p1", "d.bin", []byte("dddddd"), 10)

	res := doRequest(t, handler, "GET", "/api/files/p1/info/download", nil)
	require.Equal(t, http.StatusOK, res.Code)

	body := decodeBody(t, res)
	assert.Equal(t, "p1", body["file_id"])
	assert.Equal(t, float64(10), body["size"])
	assert.Equal(t, float64(6), body["available_size"])
	assert.Equal(t, true, body["supports_range"])
}

func TestDeleteFile(t *testing.T) {
	handler, store := newTestAPI(t, storage.Config{})

	seedFile(t, store, "f1", "a.txt", []byte("data"), storage.RetentionPermanent)

	res := doRequest(t, handler, "DELETE", "/api/files/f1", nil)
	require.Equal(t, http.StatusOK, res.Code)

	body := decodeBody(t, res)
	assert.Equal(t, "deleted", body["status"])
	assert.Equal(t, "f1", body["file_id"])

	_, err := store.GetInfo(context.Background(), "f1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	res = doRequest(t, handler, "DELETE", "/api/files/f1", nil)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestCleanupEndpoint(t *testing.T) {
	handler, store := newTestAPI(t, storage.Config{})
	ctx := context.Background()

	seedFile(t, store, "keep", "keep.txt", []byte("data"), storage.RetentionPermanent)
	seedFile(t, store, "ttl1", "gone.txt", []byte("data"), storage.RetentionTTL)

	// Backdate the retention deadline so the sweep picks the file up.
	record, err := store.GetUpload(ctx, "ttl1")
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	record.RetentionExpiresAt = &past
	require.NoError(t, store.UpdateUpload(ctx, record))

	res := doRequest(t, handler, "POST", "/api/files/cleanup", nil)
	require.Equal(t, http.StatusOK, res.Code)

	body := decodeBody(t, res)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["cleaned"])

	_, err = store.GetInfo(ctx, "ttl1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.GetInfo(ctx, "keep")
	assert.NoError(t, err)
}
