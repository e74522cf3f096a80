package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxAPIBodyBytes int64 = 2 << 20

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	bytes       int64
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	s.wroteHeader = true
	n, err := s.ResponseWriter.Write(p)
	s.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer for flushes and deadlines.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func requestLoggingMiddleware(logger *slog.Logger, clientIP *clientIPResolver) middlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			attrs := func() []any {
				return []any{
					"method", r.Method,
					"path", r.URL.RequestURI(),
					"status", rec.status,
					"bytes", rec.bytes,
					"duration", time.Since(start),
					"request_id", requestIDFromContext(r.Context()),
					"client_ip", clientIP.clientIPFromRequest(r),
				}
			}
			defer func() {
				if v := recover(); v != nil {
					logger.Warn("request aborted", attrs()...)
					panic(v)
				}
			}()
			next.ServeHTTP(rec, r)
			level := slog.LevelInfo
			if rec.status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.Log(r.Context(), level, "request", attrs()...)
		})
	}
}

// requestBodyLimitMiddleware caps JSON API bodies. Pack uploads under gitPrefix are
// streamed and left unbounded.
func requestBodyLimitMiddleware(gitPrefix string) middlewareFunc {
	gitPrefix = strings.TrimRight(gitPrefix, "/") + "/"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, gitPrefix) {
				next.ServeHTTP(w, r)
				return
			}
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
			default:
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxAPIBodyBytes {
				jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxAPIBodyBytes)
			next.ServeHTTP(w, r)
		})
	}
}
