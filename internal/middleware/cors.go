package middleware

import (
	"net/http"
	"strings"
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Credentials": "true",
	"Access-Control-Allow-Methods":     "GET, POST, DELETE, OPTIONS",
	"Access-Control-Allow-Headers":     "Authorization, Content-Type, " + traceHeader,
	"Access-Control-Expose-Headers":    traceHeader,
	"Access-Control-Max-Age":           "3600",
}

// CORSMiddleware answers browser preflights and echoes allowed origins.
// The dashboard sends credentials, so the origin is echoed rather than "*".
type CORSMiddleware struct {
	origins  map[string]struct{}
	wildcard bool
}

func canonicalOrigin(o string) string {
	return strings.TrimRight(strings.TrimSpace(o), "/")
}

// NewCORSMiddleware builds the policy from CORS_ALLOWED_ORIGINS. An entry of
// "*" allows every origin.
func NewCORSMiddleware(allowedOrigins []string) *CORSMiddleware {
	m := &CORSMiddleware{origins: make(map[string]struct{}, len(allowedOrigins))}
	for _, raw := range allowedOrigins {
		switch o := canonicalOrigin(raw); o {
		case "":
		case "*":
			m.wildcard = true
		default:
			m.origins[o] = struct{}{}
		}
	}
	return m
}

func (m *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Add("Vary", "Origin")
		if origin := r.Header.Get("Origin"); origin != "" && m.IsOriginAllowed(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			for k, v := range corsHeaders {
				h.Set(k, v)
			}
		}

		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		if preflight {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IsOriginAllowed is also the websocket upgrader's origin check.
func (m *CORSMiddleware) IsOriginAllowed(origin string) bool {
	if m.wildcard {
		return true
	}
	_, ok := m.origins[canonicalOrigin(origin)]
	return ok
}
