package middleware

import "net/http"

// MaxBytes caps every request body at maxBodySize, generalized from the
// teacher's inline per-handler http.MaxBytesReader call
// (internal/agent/handler.go) into reusable middleware applied once at the
// router, rather than repeated in every handler.
func MaxBytes(maxBodySize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
			next.ServeHTTP(w, r)
		})
	}
}
