package handler_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	. "github.com/transferd/transferd/pkg/handler"
	"github.com/transferd/transferd/pkg/state"
	"github.com/transferd/transferd/pkg/storage"
)

// SubTest runs the test body against a fresh storage on an in-memory
// state backend and a temporary directory.
func SubTest(t *testing.T, name string, runTest func(*testing.T, *storage.Storage, *state.MemoryBackend)) {
	t.Run(name, func(subT *testing.T) {
		backend := state.NewMemoryBackend()
		subT.Cleanup(func() { backend.Close() })

		store := newStorage(subT, backend, storage.Config{})

		runTest(subT, store, backend)
	})
}

func newStorage(t *testing.T, backend state.Backend, config storage.Config) *storage.Storage {
	t.Helper()

	if config.BasePath == "" {
		config.BasePath = t.TempDir()
	}
	config.State = backend
	if config.Logger == nil {
		config.Logger = testLogger()
	}

	store, err := storage.New(config)
	require.NoError(t, err)
	return store
}

func newHandler(t *testing.T, config Config) *Handler {
	t.Helper()

	if config.Logger == nil {
		config.Logger = testLogger()
	}

	handler, err := NewHandler(config)
	require.NoError(t, err)
	return handler
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createUpload POSTs a new upload and returns its id from the Location
// header.
func createUpload(t *testing.T, handler http.Handler, size int64, meta map[string]string) string {
	t.Helper()

	res := (&httpTest{
		Method: "POST",
		URL:    "/",
		ReqHeader: map[string]string{
			"Tus-Resumable":   "1.0.0",
			"Upload-Length":   strconv.FormatInt(size, 10),
			"Upload-Metadata": SerializeMetadataHeader(meta),
		},
		Code: http.StatusCreated,
	}).Run(handler, t)

	return idFromLocation(res.Header().Get("Location"))
}

func idFromLocation(location string) string {
	return location[strings.LastIndex(location, "/")+1:]
}

type httpTest struct {
	Name string

	Method string
	URL    string

	ReqBody   io.Reader
	ReqHeader map[string]string

	Code      int
	ResBody   string
	ResHeader map[string]string
}

func (test *httpTest) Run(handler http.Handler, t *testing.T) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(test.Method, test.URL, test.ReqBody)
	req.RequestURI = test.URL

	// Add headers
	for key, value := range test.ReqHeader {
		req.Header.Set(key, value)
	}

	req.Host = "tus.io"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != test.Code {
		t.Errorf("Expected %v %s as status code (got %v %s)", test.Code, http.StatusText(test.Code), w.Code, http.StatusText(w.Code))
	}

	for key, value := range test.ResHeader {
		header := w.Header().Get(key)

		if value != header {
			t.Errorf("Expected '%s' as '%s' (got '%s')", value, key, header)
		}
	}

	if test.ResBody != "" && w.Body.String() != test.ResBody {
		t.Errorf("Expected '%s' as body (got '%s')", test.ResBody, w.Body.String())
	}

	return w
}
