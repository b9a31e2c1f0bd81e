package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Timeout attaches a deadline to each request's context and answers 504 if
// the handler has produced no output when it fires. A handler that already
// started writing keeps the connection; only its context is cancelled.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			tw := &deadlineWriter{ResponseWriter: w}
			finished := make(chan struct{})
			go func() {
				defer close(finished)
				next.ServeHTTP(tw, r.WithContext(ctx))
			}()

			select {
			case <-finished:
			case <-ctx.Done():
				if tw.wrote.Load() {
					return
				}
				slog.Warn("request timed out",
					"method", r.Method,
					"path", r.URL.Path,
					"timeout", timeout,
				)
				http.Error(w, `{"error":"request timeout"}`, http.StatusGatewayTimeout)
			}
		})
	}
}

// deadlineWriter remembers whether the handler produced any output.
type deadlineWriter struct {
	http.ResponseWriter
	wrote atomic.Bool
}

func (dw *deadlineWriter) WriteHeader(code int) {
	dw.wrote.Store(true)
	dw.ResponseWriter.WriteHeader(code)
}

func (dw *deadlineWriter) Write(b []byte) (int, error) {
	dw.wrote.Store(true)
	return dw.ResponseWriter.Write(b)
}
