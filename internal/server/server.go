// Package server exposes a package over HTTP: rendered pages, CR previews,
// source view, the sync endpoints used by remote clients and a few
// mutation endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"dpm-go/internal/dpm"
)

const shutdownTimeout = 10 * time.Second

// Backend is the application surface the server drives. Implementations take
// the package lock and keep the render cache current.
type Backend interface {
	RenderFile(ctx context.Context, urlPath string) (*dpm.Rendered, error)
	RenderCRFile(ctx context.Context, cr int64, urlPath string) (*dpm.Rendered, error)
	ViewSource(ctx context.Context, path string) ([]byte, error)

	Edit(ctx context.Context, file string, cr int64) error
	Revert(ctx context.Context, file string, cr *int64) error
	CreateCR(ctx context.Context, title *string) (*dpm.ChangeRequest, error)
	CloseCR(ctx context.Context, cr int64) error
	ClearCache(ctx context.Context) error
	TranslationStatus(ctx context.Context) (map[string]dpm.TranslatedDocument, error)

	// Snapshot owner endpoints used by remote.HTTPRemote.
	Manifest(ctx context.Context) (map[string]dpm.FileEdit, error)
	ReadAt(ctx context.Context, file string, version dpm.Version) ([]byte, error)
	Commit(ctx context.Context, changes []dpm.Change) (map[string]dpm.Version, error)
}

// Server serves one package.
type Server struct {
	backend Backend
	logger  *slog.Logger
	router  *mux.Router
}

// New creates a Server. A nil logger discards log output.
func New(backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{backend: backend, logger: logger}
	s.router = s.routes()
	return s
}

// Handler returns the server's request router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/-/view-src/{path:.*}", s.handleViewSource).Methods(http.MethodGet)
	r.HandleFunc("/-/edit/", s.handleEdit).Methods(http.MethodPost)
	r.HandleFunc("/-/revert/", s.handleRevert).Methods(http.MethodPost)
	r.HandleFunc("/-/sync/", s.handleSync).Methods(http.MethodPost)
	r.HandleFunc("/-/manifest/", s.handleManifest).Methods(http.MethodGet)
	r.HandleFunc("/-/history/{path:.*}", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/-/create-cr/", s.handleCreateCR).Methods(http.MethodPost)
	r.HandleFunc("/-/close-cr/", s.handleCloseCR).Methods(http.MethodPost)
	r.HandleFunc("/-/clear-cache/", s.handleClearCache).Methods(http.MethodPost)
	r.HandleFunc("/-/translation-status/", s.handleTranslationStatus).Methods(http.MethodGet)
	r.HandleFunc("/-/{cr:[0-9]+}/{path:.*}", s.handleCRFile).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(s.handleFile).Methods(http.MethodGet)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, &dpm.UsageError{Message: fmt.Sprintf("method %s not allowed on %s", r.Method, r.URL.Path)}, http.StatusMethodNotAllowed)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start).Truncate(time.Microsecond))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	s.logger.Info("serving", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down: %w", err)
		}
		s.logger.Info("server stopped")
		return nil
	}
}
