package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"ntonix/internal/types"
)

// loggingResponseWriter captures the status code and byte count written
// through it so AccessLogging can log them after the handler returns.
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lrw.statusCode == 0 {
		lrw.statusCode = http.StatusOK
	}
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += n
	return n, err
}

func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := lrw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}

// AccessLogging logs one structured line per request. Request-ID
// generation is not duplicated here: the forwarder is the sole owner of
// X-Request-ID (see internal/forwarder), so this middleware only reads it
// back once the handler has set it.
func AccessLogging(logger types.Logger) types.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w}

			next.ServeHTTP(lrw, r)

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", lrw.statusCode,
				"duration", time.Since(start),
				"bytes", lrw.bytes,
				"remote_addr", r.RemoteAddr,
				"request_id", lrw.Header().Get("X-Request-ID"),
			)
		})
	}
}
