package health

import (
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/e7canasta/flame-avsim/internal/log"
)

// HeaderRequestID carries the request correlation id.
const HeaderRequestID = "X-Request-ID"

// requestID tags every request with an id, reusing the caller's when set.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r)
	})
}

// recoverer turns a handler panic into a logged 500.
func recoverer(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					buf := make([]byte, 8192)
					buf = buf[:runtime.Stack(buf, false)]
					logger.Error().
						Str(log.FieldEvent, "panic.recovered").
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Str(log.FieldRemote, r.RemoteAddr).
						Interface("panic", rec).
						Bytes("stack", buf).
						Msg("panic recovered in HTTP handler")
					writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// accessLog writes one debug line per request.
func accessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str(HeaderRequestID, ww.Header().Get(HeaderRequestID)).
				Msg("http request")
		})
	}
}
