package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAgeSeconds  int
}

// corsPolicy holds the header values rendered once from CORSConfig.
type corsPolicy struct {
	anyOrigin     bool
	origins       map[string]struct{}
	allowMethods  string
	allowHeaders  string
	exposeHeaders string
	maxAge        string
}

func newCORSPolicy(cfg CORSConfig) corsPolicy {
	policy := corsPolicy{origins: make(map[string]struct{})}
	for _, origin := range trimmedList(cfg.AllowedOrigins) {
		if origin == "*" {
			policy.anyOrigin = true
			continue
		}
		policy.origins[strings.ToLower(origin)] = struct{}{}
	}

	policy.allowMethods = joinOrDefault(cfg.AllowedMethods,
		http.MethodGet, http.MethodPost, http.MethodOptions)
	policy.allowHeaders = joinOrDefault(cfg.AllowedHeaders,
		"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id", "traceparent")
	// Pollers read these from cross-origin responses; downloads need the filename.
	policy.exposeHeaders = joinOrDefault(cfg.ExposedHeaders,
		"Location", "Retry-After", "X-Request-Id", "Content-Disposition")

	maxAge := cfg.MaxAgeSeconds
	if maxAge <= 0 {
		maxAge = 600
	}
	policy.maxAge = strconv.Itoa(maxAge)
	return policy
}

func (p corsPolicy) allows(origin string) bool {
	if p.anyOrigin {
		return true
	}
	_, ok := p.origins[strings.ToLower(origin)]
	return ok
}

func (p corsPolicy) allowOriginValue(origin string) string {
	if p.anyOrigin {
		return "*"
	}
	return origin
}

// CORS answers preflights for allowed origins and decorates their actual
// requests. Requests from other origins pass through untouched so the browser
// blocks them.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" || !policy.allows(origin) {
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			header.Add("Vary", "Origin")
			header.Set("Access-Control-Allow-Origin", policy.allowOriginValue(origin))

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				header.Add("Vary", "Access-Control-Request-Method")
				header.Add("Vary", "Access-Control-Request-Headers")
				header.Set("Access-Control-Allow-Methods", policy.allowMethods)
				header.Set("Access-Control-Allow-Headers", policy.allowHeaders)
				header.Set("Access-Control-Max-Age", policy.maxAge)
				w.WriteHeader(http.StatusNoContent)
				return
			}

			header.Set("Access-Control-Expose-Headers", policy.exposeHeaders)
			next.ServeHTTP(w, r)
		})
	}
}

func joinOrDefault(values []string, defaults ...string) string {
	if trimmed := trimmedList(values); len(trimmed) > 0 {
		return strings.Join(trimmed, ", ")
	}
	return strings.Join(defaults, ", ")
}

func trimmedList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, raw := range values {
		if value := strings.TrimSpace(raw); value != "" {
			result = append(result, value)
		}
	}
	return result
}
