// Package httpserver exposes the download gatekeeper and the public
// download counter over HTTP.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

const shutdownTimeout = 15 * time.Second

// Counter reads the public download count of a file.
type Counter interface {
	DownloadCount(ctx context.Context, fileID int64) (int64, error)
}

type HTTPServer struct {
	address    string
	gatekeeper *Gatekeeper
	counter    Counter
	logger     logging.Logger
}

func NewHTTPServer(a string, l logging.Logger, g *Gatekeeper, c Counter) *HTTPServer {
	return &HTTPServer{
		address:    a,
		gatekeeper: g,
		counter:    c,
		logger:     l.With("module", "http_server"),
	}
}

type counterResponse struct {
	FileID        int64 `json:"file_id"`
	DownloadCount int64 `json:"download_count"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *HTTPServer) downloadCount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid file id"})
		return
	}

	n, err := s.counter.DownloadCount(r.Context(), id)
	switch {
	case errors.Is(err, common.ErrorNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "file not found"})
		return
	case err != nil:
		s.logger.Error(r.Context(), "download count failed", "file_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, counterResponse{FileID: id, DownloadCount: n})
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func index(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "filevault\n")
}

// recoveryLogger adapts the logger for gorilla's recovery middleware.
func recoveryLogger(l logging.Logger) handlers.RecoveryHandlerLogger {
	if p, ok := l.(handlers.RecoveryHandlerLogger); ok {
		return p
	}
	return printlnFunc(func(v ...any) {
		l.Error(context.Background(), "recovered panic", "detail", fmt.Sprint(v...))
	})
}

type printlnFunc func(...any)

func (f printlnFunc) Println(v ...any) { f(v...) }

// accessLog writes one structured line per request. The query string is
// left out since it may carry a download token.
func (s *HTTPServer) accessLog(_ io.Writer, p handlers.LogFormatterParams) {
	s.logger.Info(p.Request.Context(), "request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
	)
}

// Handler builds the routed handler with its middleware chain.
func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter().StrictSlash(true)
	router.Methods(http.MethodGet).Path("/files/{id}/downloads").Name("DownloadCount").HandlerFunc(s.downloadCount)
	router.Methods(http.MethodGet).Path("/healthz").Name("Health").HandlerFunc(healthz)
	router.Methods(http.MethodGet).Path("/").Name("Index").HandlerFunc(index)

	// the gate runs for every path, routed or not
	h := s.gatekeeper.Middleware(router)
	h = handlers.CustomLoggingHandler(io.Discard, h, s.accessLog)
	h = handlers.ProxyHeaders(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger(s.logger)))(h)
	return h
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
