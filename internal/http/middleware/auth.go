package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const APIKeyKey contextKey = "api_key"

// APIKeyHeader is where clients send their key.
const APIKeyHeader = "X-API-Key"

// ExtractAPIKey puts the request's API key (header, or ?apiKey= for quick
// curl tests) on the context. It never rejects; entitlement checking decides.
func ExtractAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(APIKeyHeader))
		if key == "" {
			key = strings.TrimSpace(r.URL.Query().Get("apiKey"))
		}
		if key != "" {
			r = r.WithContext(context.WithValue(r.Context(), APIKeyKey, key))
		}
		next.ServeHTTP(w, r)
	})
}

// APIKeyFrom returns the API key stored by ExtractAPIKey, if any.
func APIKeyFrom(ctx context.Context) string {
	if v, ok := ctx.Value(APIKeyKey).(string); ok {
		return v
	}
	return ""
}
