package cli

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/exp/slog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/transferd/transferd/pkg/api"
	"github.com/transferd/transferd/pkg/handler"
	"github.com/transferd/transferd/pkg/state"
	"github.com/transferd/transferd/pkg/storage"
)

// Serve wires the state backend, the storage layer, the upload protocol
// handler and the file API together and runs the HTTP server until the
// process is told to stop.
func Serve() {
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stateMgr, err := state.NewManager(state.ManagerConfig{
		Backend:  state.BackendType(Flags.StateBackend),
		Dir:      Flags.StateDir,
		RedisURI: Flags.RedisURI,
	})
	if err != nil {
		fatal("Unable to create state manager", "error", err.Error())
	}
	defer stateMgr.Close()

	store, err := storage.New(storage.Config{
		BasePath:       Flags.StoragePath,
		State:          stateMgr,
		ChunkSize:      Flags.ChunkSize,
		MaxStorageSize: Flags.MaxStorageSize,
		LockTimeout:    Flags.LockTimeout,
		Logger:         logger,
	})
	if err != nil {
		fatal("Unable to create storage", "error", err.Error())
	}

	// Uploads that crashed between completion and finalization are
	// brought back into a consistent state before traffic arrives.
	recovered, err := store.RecoverFinalized(ctx)
	if err != nil {
		fatal("Unable to recover finalized uploads", "error", err.Error())
	}
	if recovered > 0 {
		logger.Info("FinalizeRecoveryDone", "recovered", recovered)
	}

	tusHandler, err := handler.NewHandler(handler.Config{
		Store:                   store,
		MaxSize:                 Flags.MaxUploadSize,
		BasePath:                Flags.Basepath,
		UploadExpiration:        Flags.UploadExpiration,
		DefaultRetention:        storage.ParseRetention(Flags.DefaultRetention),
		DefaultRetentionTTL:     Flags.DefaultRetentionTTL,
		TokenRetentionPolicies:  parseTokenPolicies(Flags.TokenRetentionPolicies),
		TokenHeader:             Flags.TokenHeader,
		RespectForwardedHeaders: Flags.BehindProxy,
		Logger:                  logger,
	})
	if err != nil {
		fatal("Unable to create protocol handler", "error", err.Error())
	}

	apiHandler := api.New(api.Config{
		Store:     store,
		State:     stateMgr,
		ChunkSize: Flags.ChunkSize,
		Logger:    logger,
	})

	basepath := Flags.Basepath
	if !strings.HasSuffix(basepath, "/") {
		basepath += "/"
	}

	mux := http.NewServeMux()
	mux.Handle(basepath, http.StripPrefix(basepath, tusHandler))
	mux.Handle(strings.TrimSuffix(basepath, "/"), http.StripPrefix(strings.TrimSuffix(basepath, "/"), tusHandler))
	mux.Handle("/api/", apiHandler)

	if Flags.ExposeMetrics {
		SetupMetrics(mux, tusHandler)
	}

	scheduler := storage.NewScheduler(store, Flags.CleanupInterval, logger)
	go scheduler.Run(ctx)

	var root http.Handler = mux
	if Flags.EnableH2C {
		root = h2c.NewHandler(mux, &http2.Server{})
	}

	address := Flags.HttpHost + ":" + Flags.HttpPort
	server := &http.Server{
		Addr:         address,
		Handler:      root,
		ReadTimeout:  Flags.NetworkTimeout,
		WriteTimeout: Flags.NetworkTimeout,
	}

	logger.Info("ServerStarted",
		"address", address,
		"basepath", basepath,
		"stateBackend", stateMgr.BackendName(),
		"storagePath", Flags.StoragePath)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		fatal("Unable to serve", "error", err.Error())
	case <-ctx.Done():
	}

	logger.Info("ServerShutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), Flags.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ShutdownError", "error", err.Error())
	}
}
