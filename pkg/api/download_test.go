package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transferd/transferd/pkg/storage"
)

func TestResolveRange(t *testing.T) {
	cases := []struct {
		name      string
		header    string
		available int64
		want      byteRange
		wantErr   bool
	}{
		{name: "absent means everything", header: "", available: 10, want: byteRange{0, 9}},
		{name: "explicit window", header: "bytes=2-5", available: 10, want: byteRange{2, 5}},
		{name: "open end", header: "bytes=4-", available: 10, want: byteRange{4, 9}},
		{name: "end clamped to available", header: "bytes=4-9999", available: 10, want: byteRange{4, 9}},
		{name: "single byte", header: "bytes=0-0", available: 10, want: byteRange{0, 0}},
		{name: "start past available", header: "bytes=10-", available: 10, wantErr: true},
		{name: "start after end", header: "bytes=5-2", available: 10, wantErr: true},
		{name: "missing start", header: "bytes=-5", available: 10, wantErr: true},
		{name: "wrong unit", header: "chunks=0-5", available: 10, wantErr: true},
		{name: "garbage", header: "bytes=a-b", available: 10, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveRange(tc.header, tc.available)
			if tc.wantErr {
				assert.ErrorIs(t, err, errInvalidRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDownloadFull(t *testing.T) {
	handler, store := newTestAPI(t, storage.Config{})

	seedFile(t, store, "f1", "hello.txt", []byte("hello world"), storage.RetentionPermanent)

	res := doRequest(t, handler, "GET", "/api/files/f1/download", nil)
	require.Equal(t, http.StatusOK, res.Code)

	assert.Equal(t, "hello world", res.Body.String())
	assert.Equal(t, "bytes", res.Header().Get("Accept-Ranges"))
	assert.Equal(t, "11", res.Header().Get("Content-Length"))
	assert.Equal(t, `attachment; filename="hello.txt"`, res.Header().Get("Content-Disposition"))
	assert.Equal(t, "application/octet-stream", res.Header().Get("Content-Type"))
	assert.Equal(t, "permanent", res.Header().Get("X-Retention-Policy"))
	assert.Equal(t, "0", res.Header().Get("X-Download-Count"))
	assert.Empty(t, res.Header().Get("X-Retention-Warning"))
}

func TestDownloadRange(t *testing.T) {
	handler, store := newTestAPI(t, storage.Config{})

	seedFile(t, store, "f1", "hello.txt", []byte("hello world"), storage.RetentionPermanent)

	res := doRequest(t, handler, "GET", "/api/files/f1/download", map[string]string{
		"Range": "bytes=6-10",
	})
	require.Equal(t, http.StatusPartialContent, res.Code)
	assert.Equal(t, "world", res.Body.String())
	assert.Equal(t, "bytes 6-10/11", res.Header().Get("Content-Range"))
	assert.Equal(t, "5", res.Header().Get("Content-Length"))

	res = doRequest(t, handler, "GET", "/api/files/f1/download", map[string]string{
		"Range": "bytes=6-",
	})
	require.Equal(t, http.StatusPartialContent, res.Code)
	assert.Equal(t, "world", res.Body.String())
}

// A partially uploaded file streams what exists, flagged 206 even
// without a Range header.
func TestDownloadPartialFile(t *testing.T) {
	handler, store := newTestAPI(t, storage.Config{})

	seedPartial(t, store, "p1", "big.bin", []byte("hello "), 11)

	res := doRequest(t, handler, "GET", "/api/files/p1/download", nil)
	require.Equal(t, http.StatusPartialContent, res.Code)
	assert.Equal(t, "hello ", res.Body.String())
	assert.Equal(t, "bytes 0-5/11", res.Header().Get("Content-Range"))
}

func TestDownloadInvalidRange(t *testing.T) {
	handler, store := newTestAPI(t, storage.Config{})

	seedFile(t, store, "f1", "hello.txt", []byte("hello world"), storage.RetentionPermanent)

	res := doRequest(t, handler, "GET", "/api/files/f1/download", map[string]string{
		"Range": "bytes=50-",
	})
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, res.Code)
	assert.Equal(t, "bytes */11", res.Header().Get("Content-Range"))
}

func TestDownloadNotFound(t *testing.T) {
	handler, _ := newTestAPI(t, storage.Config{})

	res := doRequest(t, handler, "GET", "/api/files/unknown/download", nil)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestDownloadOnceDeletesAfterFullDownload(t *testing.T) {
	handler, store := newTestAPI(t, storage.Config{})

	seedFile(t, store, "f1", "secret.txt", []byte("hello world"), storage.RetentionDownloadOnce)

	res := doRequest(t, handler, "GET", "/api/files/f1/download", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "hello world", res.Body.String())
	assert.Equal(t, "file will be deleted after this download", res.Header().Get("X-Retention-Warning"))

	// The deletion runs detached after the body went out.
	require.Eventually(t, func() bool {
		_, err := store.GetInfo(context.Background(), "f1")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

// A ranged read is not a full download and must not burn the single
// download of a download_once file.
func TestDownloadOnceSurvivesRangedDownload(t *testing.T) {
	handler, store := newTestAPI(t, storage.Config{})

	seedFile(t, store, "f1", "secret.txt", []byte("hello world"), storage.RetentionDownloadOnce)

	res := doRequest(t, handler, "GET", "/api/files/f1/download", map[string]string{
		"Range": "bytes=0-4",
	})
	require.Equal(t, http.StatusPartialContent, res.Code)
	assert.Equal(t, "hello", res.Body.String())
	assert.Empty(t, res.Header().Get("X-Retention-Warning"))

	// Give any misfired deletion a moment to show itself.
	time.Sleep(100 * time.Millisecond)

	_, err := store.GetInfo(context.Background(), "f1")
	assert.NoError(t, err)
}

func TestDownloadCountIncrements(t *testing.T) {
	handler, store := newTestAPI(t, storage.Config{})

	seedFile(t, store, "f1", "hello.txt", []byte("hello world"), storage.RetentionPermanent)

	doRequest(t, handler, "GET", "/api/files/f1/download", nil)

	require.Eventually(t, func() bool {
		info, err := store.GetInfo(context.Background(), "f1")
		return err == nil && info.DownloadCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	res := doRequest(t, handler, "GET", "/api/files/f1/download", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "1", res.Header().Get("X-Download-Count"))
}
