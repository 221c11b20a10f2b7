package middleware

import (
	"net/http"
	"strings"
)

// Headers a browser client may send and read. The API only serves GET and
// POST; clients authenticate with X-API-Key or a bearer token and may
// correlate calls with X-Request-ID.
const (
	corsAllowMethods  = "GET, POST, OPTIONS"
	corsAllowHeaders  = "Content-Type, Authorization, X-API-Key, " + RequestIDHeader
	corsExposeHeaders = RequestIDHeader + ", Retry-After"
	corsMaxAge        = "600"
)

// CORS admits browser calls from allowedOrigins, matched case-insensitively.
// An empty list or a "*" entry admits every origin. Preflight requests are
// answered here: 204 for an admitted origin, 403 otherwise.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	anyOrigin := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			anyOrigin = true
		}
		allowed[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
	}
	admits := func(origin string) bool {
		if anyOrigin {
			return true
		}
		_, ok := allowed[strings.ToLower(origin)]
		return ok
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")
			ok := admits(origin)
			if ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if !ok {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
				w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
				w.Header().Set("Access-Control-Max-Age", corsMaxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
