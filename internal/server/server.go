// Package server wires the HTTP listener: a chi router dispatching every
// non-reserved path to a clientjob.Job, a health endpoint, and a
// Prometheus /metrics endpoint, served over h2c so pipelined HTTP/1.1
// and cleartext HTTP/2 clients share one listener (grounded on the
// teacher's main.go server setup).
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/danielloader/acng-core/internal/clientjob"
)

// New builds the root http.Handler: client requests are dispatched to a
// fresh clientjob.Job per request; /healthz and /metrics are reserved
// paths handled directly.
func New(deps *clientjob.Deps, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(loggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		clientjob.New(deps).Serve(w, r)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		clientjob.New(deps).Serve(w, r)
	})
	// chi only reaches NotFound/MethodNotAllowed for paths with no
	// registered route; a catch-all ensures every other artifact path
	// (the vast majority of traffic) also goes through clientjob.
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		clientjob.New(deps).Serve(w, r)
	})
	r.Head("/*", func(w http.ResponseWriter, r *http.Request) {
		clientjob.New(deps).Serve(w, r)
	})

	h2s := &http2.Server{}
	return h2c.NewHandler(r, h2s)
}

// statusRecorder wraps http.ResponseWriter to capture the status code
// for the logging middleware below.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
