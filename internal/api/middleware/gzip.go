// Package middleware provides HTTP middleware components for the Osservatorio API.
package middleware

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
)

// Gzip creates a middleware that compresses responses for clients that
// accept gzip encoding.
func Gzip() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
				next.ServeHTTP(w, r)

				return
			}

			gz := gzip.NewWriter(w)
			defer func() {
				_ = gz.Close()
			}()

			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Add("Vary", "Accept-Encoding")

			next.ServeHTTP(&gzipResponseWriter{ResponseWriter: w, writer: gz}, r)
		})
	}
}

// gzipResponseWriter routes the response body through a gzip writer.
// Content-Length is dropped because the compressed length is unknown.
type gzipResponseWriter struct {
	http.ResponseWriter

	writer io.Writer
}

func (grw *gzipResponseWriter) WriteHeader(code int) {
	grw.Header().Del("Content-Length")
	grw.ResponseWriter.WriteHeader(code)
}

func (grw *gzipResponseWriter) Write(p []byte) (int, error) {
	return grw.writer.Write(p)
}
