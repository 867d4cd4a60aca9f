package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func body(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	io.WriteString(w, strings.Repeat("#EXTM3U playlist line\n", 50))
}

func TestGzipPassthroughWithoutAcceptEncoding(t *testing.T) {
	rec := httptest.NewRecorder()
	Gzip(body)(rec, httptest.NewRequest("GET", "/api/playlist.m3u", nil))

	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Contains(t, rec.Body.String(), "#EXTM3U")
}

func TestGzipCompressesWhenAdvertised(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/playlist.m3u", nil)
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	rec := httptest.NewRecorder()
	Gzip(body)(rec, req)

	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Less(t, rec.Body.Len(), 50*len("#EXTM3U playlist line\n"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	defer gz.Close()

	decoded, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("#EXTM3U playlist line\n", 50), string(decoded))
}

func TestGzipPreservesStatusCode(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/playlist.m3u", nil)
	req.Header.Set("Accept-Encoding", "gzip")

	rec := httptest.NewRecorder()
	Gzip(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, "Login required")
	})(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
