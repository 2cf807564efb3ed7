// Package middleware provides HTTP middleware components for the Osservatorio API.
package middleware

import (
	"net/http"
	"strconv"
	"time"
)

// ProcessTime creates a middleware that reports server-side processing time
// in milliseconds through the X-Process-Time header. The header is emitted on
// every response, including errors.
func ProcessTime() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(&processTimeWriter{ResponseWriter: w, start: time.Now()}, r)
		})
	}
}

// processTimeWriter stamps the timing header just before the response status
// line is committed. Headers cannot change after WriteHeader.
type processTimeWriter struct {
	http.ResponseWriter

	start       time.Time
	wroteHeader bool
}

func (ptw *processTimeWriter) WriteHeader(code int) {
	if !ptw.wroteHeader {
		elapsed := time.Since(ptw.start).Milliseconds()
		ptw.Header().Set("X-Process-Time", strconv.FormatInt(elapsed, 10))
		ptw.wroteHeader = true
	}

	ptw.ResponseWriter.WriteHeader(code)
}

func (ptw *processTimeWriter) Write(p []byte) (int, error) {
	if !ptw.wroteHeader {
		ptw.WriteHeader(http.StatusOK)
	}

	return ptw.ResponseWriter.Write(p)
}
