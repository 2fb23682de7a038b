package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/sjawhar/visit-scribe/internal/session"
)

// ControlHooks connect the HTTP API to the visit coordinator. Nil hooks
// disable the matching endpoints.
type ControlHooks struct {
	Start       func(ctx context.Context, visit session.VisitContext) (session.VisitContext, error)
	Stop        func(ctx context.Context) error
	Status      func() session.CaptureStatus
	Warnings    func() []string
	Presets     func() []string
	Resummarize func(ctx context.Context, visitID, preset string) error
}

type Options struct {
	Logger *slog.Logger
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// AudioDir is the only directory absolute audio paths may point into.
	AudioDir string
}

func Handler(staticFS fs.FS, hub *Hub, store VisitStore, controls ControlHooks, opts Options) (http.Handler, error) {
	if hub == nil {
		return nil, errors.New("server: hub is required")
	}
	if store == nil {
		return nil, errors.New("server: visit store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	registerWSRoute(mux, hub, logger)
	registerAPIRoutes(mux, store, controls, opts.AudioDir)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	fileServer := http.FileServer(http.FS(staticFS))
	mux.HandleFunc("/", serveSPA(fileServer))

	return mux, nil
}

// Serve runs the HTTP server until ctx is canceled, then shuts it down
// gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("web UI listening", "url", fmt.Sprintf("http://%s", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}

func serveSPA(fileServer http.Handler) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws" || r.URL.Path == "/metrics" {
			http.NotFound(w, r)
			return
		}

		if r.URL.Path == "/manifest.json" || r.URL.Path == "/manifest.webmanifest" {
			w.Header().Set("Content-Type", "application/manifest+json")
		}

		cleanPath := path.Clean(strings.TrimPrefix(r.URL.Path, "/"))
		if cleanPath == "." || cleanPath == "" {
			r.URL.Path = "/"
		} else if !strings.Contains(cleanPath, ".") {
			r.URL.Path = "/index.html"
		} else {
			r.URL.Path = "/" + cleanPath
		}

		fileServer.ServeHTTP(w, r)
	}
}
