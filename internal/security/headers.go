// Package security holds HTTP hardening middleware for the tracking API.
package security

import (
	"net/http"
	"strconv"
)

// Headers sets response headers suitable for a JSON-only API.
type Headers struct {
	// HSTSMaxAge enables Strict-Transport-Security on TLS requests when > 0.
	HSTSMaxAge int
}

// Middleware attaches the headers before the handler writes.
func (h Headers) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "no-referrer")
		headers.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		if h.HSTSMaxAge > 0 && r.TLS != nil {
			headers.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(h.HSTSMaxAge)+"; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
