package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"ntonix/internal/types"
)

// compressionPool pools per-algorithm compressors so a sustained stream
// of chat-completions/cache-stats responses doesn't allocate a fresh
// brotli/zstd/gzip writer per request.
type compressionPool struct {
	level    int
	gzipPool *sync.Pool
	brPool   *sync.Pool
	zstdPool *sync.Pool
}

func newCompressionPool(level int) *compressionPool {
	gzLevel := level
	if gzLevel > gzip.BestCompression {
		gzLevel = gzip.BestCompression
	}
	return &compressionPool{
		level: level,
		gzipPool: &sync.Pool{
			New: func() any {
				w, _ := gzip.NewWriterLevel(io.Discard, gzLevel)
				return w
			},
		},
		brPool: &sync.Pool{
			New: func() any {
				return brotli.NewWriterLevel(io.Discard, level)
			},
		},
		zstdPool: &sync.Pool{
			New: func() any {
				enc, _ := zstd.NewWriter(io.Discard, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
				return enc
			},
		},
	}
}

// get returns a pooled writer for encoding, reset onto w. Callers must
// pair every get with a matching put.
func (cp *compressionPool) get(encoding string, w io.Writer) io.WriteCloser {
	switch encoding {
	case "br":
		bw := cp.brPool.Get().(*brotli.Writer)
		bw.Reset(w)
		return bw
	case "zstd":
		enc := cp.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(w)
		return enc
	case "gzip":
		gz := cp.gzipPool.Get().(*gzip.Writer)
		gz.Reset(w)
		return gz
	default:
		return nil
	}
}

func (cp *compressionPool) put(encoding string, wc io.WriteCloser) {
	switch encoding {
	case "br":
		bw := wc.(*brotli.Writer)
		bw.Reset(io.Discard)
		cp.brPool.Put(bw)
	case "zstd":
		enc := wc.(*zstd.Encoder)
		enc.Reset(io.Discard)
		cp.zstdPool.Put(enc)
	case "gzip":
		gz := wc.(*gzip.Writer)
		gz.Reset(io.Discard)
		cp.gzipPool.Put(gz)
	}
}

// compressionWriter writes through to a pooled compressor bound to the
// underlying ResponseWriter.
type compressionWriter struct {
	http.ResponseWriter
	writer io.WriteCloser
}

func (cw *compressionWriter) Write(b []byte) (int, error) {
	return cw.writer.Write(b)
}

func (cw *compressionWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// responseWriter defers the compress-or-passthrough decision until the
// handler sets a Content-Type, since only some of the pipeline's
// responses (JSON banner/health/cache-stats/chat-completions) are worth
// compressing; a streamed text/event-stream body is never in the
// compressible set and always falls through to cw.ResponseWriter
// directly, untouched.
type responseWriter struct {
	http.ResponseWriter
	compressible   map[string]bool
	encoding       string
	shouldCompress bool
	wroteHeader    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		contentType := rw.Header().Get("Content-Type")
		if idx := strings.Index(contentType, ";"); idx != -1 {
			contentType = contentType[:idx]
		}
		contentType = strings.TrimSpace(contentType)
		rw.shouldCompress = contentType != "" && rw.compressible[contentType]

		if rw.shouldCompress {
			rw.Header().Set("Content-Encoding", rw.encoding)
			rw.Header().Del("Content-Length")
		}
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	if rw.shouldCompress {
		return rw.ResponseWriter.Write(b)
	}
	if cw, ok := rw.ResponseWriter.(*compressionWriter); ok {
		return cw.ResponseWriter.Write(b)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Compression negotiates a response encoding from Accept-Encoding
// (priority order br, zstd, gzip) and transparently compresses
// responses whose Content-Type is in cfg.Compression.Types. Disabled
// entirely when cfg.Compression.Enabled is false.
func Compression(cfg types.ProxyConfig) types.Middleware {
	cc := cfg.Compression
	if !cc.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	compressibleTypes := make(map[string]bool, len(cc.Types))
	for _, t := range cc.Types {
		compressibleTypes[t] = true
	}
	enabledAlgorithms := make(map[string]bool, len(cc.Algorithms))
	for _, a := range cc.Algorithms {
		enabledAlgorithms[a] = true
	}
	pool := newCompressionPool(cc.Level)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			acceptEncoding := r.Header.Get("Accept-Encoding")
			if acceptEncoding == "" {
				next.ServeHTTP(w, r)
				return
			}

			var encoding string
			switch {
			case strings.Contains(acceptEncoding, "br") && enabledAlgorithms["br"]:
				encoding = "br"
			case strings.Contains(acceptEncoding, "zstd") && enabledAlgorithms["zstd"]:
				encoding = "zstd"
			case strings.Contains(acceptEncoding, "gzip") && enabledAlgorithms["gzip"]:
				encoding = "gzip"
			default:
				next.ServeHTTP(w, r)
				return
			}

			writer := pool.get(encoding, w)
			cw := &compressionWriter{ResponseWriter: w, writer: writer}
			rw := &responseWriter{ResponseWriter: cw, compressible: compressibleTypes, encoding: encoding}

			next.ServeHTTP(rw, r)

			if rw.shouldCompress {
				writer.Close()
			}
			pool.put(encoding, writer)
		})
	}
}
