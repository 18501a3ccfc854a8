package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

var (
	httpRequests = NewCounter("openintent_http_requests_total",
		"Total number of HTTP requests processed, labelled by handler, method and status code.")
	httpErrors = NewCounter("openintent_http_request_errors_total",
		"Total number of HTTP requests that resulted in a server error.")
	httpDuration = NewHistogram("openintent_http_request_duration_seconds",
		"HTTP request duration in seconds.",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10})
)

// ObserveHTTPRequest feeds the HTTP request families. The middleware calls it
// for every wrapped route; standalone handlers may call it directly.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.Inc(Labels{"handler": handler, "method": method, "code": strconv.Itoa(status)})
	if status >= 500 {
		httpErrors.Inc(Labels{"handler": handler, "method": method})
	}
	httpDuration.ObserveWith(Labels{"handler": handler, "method": method}, duration.Seconds())
}

// statusRecorder captures the status code written by the wrapped handler so
// the middleware can label the request series with it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments an HTTP handler under the given name. Handlers are
// wrapped per route because the mux only reveals the matched pattern to the
// innermost handler.
func Middleware(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		ObserveHTTPRequest(handler, r.Method, recorder.status, time.Since(start))
	})
}

// Handler exposes every registered family in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = io.WriteString(w, defaultRegistry.render())
	})
}

// StartServer launches a standalone HTTP server exposing the /metrics
// endpoint and blocks until ctx is cancelled or the listener fails.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
