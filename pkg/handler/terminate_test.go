package handler_test

import (
	"context"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	. "github.com/transferd/transferd/pkg/handler"
	"github.com/transferd/transferd/pkg/state"
	"github.com/transferd/transferd/pkg/storage"
)

func TestTerminate(t *testing.T) {
	SubTest(t, "PartialUpload", func(t *testing.T, store *storage.Storage, backend *state.MemoryBackend) {
		handler := newHandler(t, Config{Store: store})

		id := createUpload(t, handler, 11, map[string]string{"filename": "hello.txt"})

		(&httpTest{
			Method: "DELETE",
			URL:    "/" + id,
			ReqHeader: map[string]string{
				"Tus-Resumable": "1.0.0",
			},
			Code: http.StatusNoContent,
			ResHeader: map[string]string{
				"Tus-Resumable": "1.0.0",
			},
		}).Run(handler, t)

		(&httpTest{
			Method: "HEAD",
			URL:    "/" + id,
			ReqHeader: map[string]string{
				"Tus-Resumable": "1.0.0",
			},
			Code: http.StatusNotFound,
		}).Run(handler, t)

		// A second DELETE observes nothing.
		(&httpTest{
			Method: "DELETE",
			URL:    "/" + id,
			ReqHeader: map[string]string{
				"Tus-Resumable": "1.0.0",
			},
			Code: http.StatusNotFound,
		}).Run(handler, t)
	})

	SubTest(t, "CompletedFile", func(t *testing.T, store *storage.Storage, backend *state.MemoryBackend) {
		handler := newHandler(t, Config{Store: store})

		id := createUpload(t, handler, 5, map[string]string{"filename": "hello.txt"})

		(&httpTest{
			Method: "PATCH",
			URL:    "/" + id,
			ReqHeader: map[string]string{
				"Tus-Resumable": "1.0.0",
				"Content-Type":  "application/offset+octet-stream",
				"Upload-Offset": "0",
			},
			ReqBody: strings.NewReader("hello"),
			Code:    http.StatusNoContent,
		}).Run(handler, t)

		(&httpTest{
			Method: "DELETE",
			URL:    "/" + id,
			ReqHeader: map[string]string{
				"Tus-Resumable": "1.0.0",
			},
			Code: http.StatusNoContent,
		}).Run(handler, t)

		// Termination removes the finalized bytes as well.
		_, err := store.GetInfo(context.Background(), id)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = os.Stat(store.FinalPath(id, "hello.txt"))
		assert.True(t, os.IsNotExist(err))
	})

	SubTest(t, "RequiresVersion", func(t *testing.T, store *storage.Storage, backend *state.MemoryBackend) {
		handler := newHandler(t, Config{Store: store})

		id := createUpload(t, handler, 11, map[string]string{"filename": "hello.txt"})

		(&httpTest{
			Method: "DELETE",
			URL:    "/" + id,
			Code:   http.StatusPreconditionFailed,
		}).Run(handler, t)
	})
}
