package middleware

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"tpbinge-proxy/work/logger"

	"github.com/klauspost/compress/gzip"
)

// gzipWriterPool reuses gzip writers across requests. Playlist and manifest
// bodies are text that compresses well, and BestSpeed keeps the latency cost
// negligible next to the upstream round trips.
var gzipWriterPool = sync.Pool{
	New: func() interface{} {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.BestSpeed)
		return w
	},
}

// gzipResponseWriter routes handler writes through a gzip writer while leaving
// header access on the original ResponseWriter.
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
	wroteHeader bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.Writer.Write(b)
}

// Gzip wraps a handler with transparent response compression for clients that
// advertise gzip support. Clients that don't are passed through untouched.
func Gzip(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next(w, r)
			return
		}

		// compressed size is unknown until the body is fully written
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")

		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			if err := gz.Close(); err != nil {
				logger.Error("failed to close gzip writer for %s %s: %v", r.Method, r.URL.Path, err)
			}
			gzipWriterPool.Put(gz)
		}()

		next(&gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	}
}
