package middleware_test

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ntonix/internal/middleware"
	"ntonix/internal/types"
)

func compressionConfig() types.ProxyConfig {
	var cfg types.ProxyConfig
	cfg.Compression.Enabled = true
	cfg.Compression.Level = 5
	cfg.Compression.Types = []string{"application/json"}
	cfg.Compression.Algorithms = []string{"br", "zstd", "gzip"}
	return cfg
}

func jsonHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(body))
	})
}

func TestCompressionGzipsCompressibleResponse(t *testing.T) {
	handler := middleware.Compression(compressionConfig())(jsonHandler(`{"ok":true}`))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	defer gz.Close()
	decompressed, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(decompressed))
}

func TestCompressionPrefersBrotliOverGzip(t *testing.T) {
	handler := middleware.Compression(compressionConfig())(jsonHandler(`{"ok":true}`))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, "br", rec.Header().Get("Content-Encoding"))
}

func TestCompressionSkipsNonCompressibleContentType(t *testing.T) {
	handler := middleware.Compression(compressionConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("data: hello\n\n"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "data: hello\n\n", rec.Body.String())
}

func TestCompressionSkipsWhenNoAcceptEncoding(t *testing.T) {
	handler := middleware.Compression(compressionConfig())(jsonHandler(`{"ok":true}`))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
}

func TestCompressionDisabledPassesThrough(t *testing.T) {
	cfg := compressionConfig()
	cfg.Compression.Enabled = false
	handler := middleware.Compression(cfg)(jsonHandler(`{"ok":true}`))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
}
