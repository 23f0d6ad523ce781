package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIDContextKey contextKey = "request_id"
	traceIDContextKey   contextKey = "trace_id"
)

// RequestID tags each request with an id and a trace id. The trace id comes
// from a W3C traceparent header when present so job logs can be joined with
// an upstream trace; otherwise it falls back to the request id.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		traceID := parseTraceparent(r.Header.Get("traceparent"))
		if traceID == "" {
			traceID = requestID
		}

		ctx := context.WithValue(r.Context(), requestIDContextKey, requestID)
		ctx = context.WithValue(ctx, traceIDContextKey, traceID)
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func GetRequestID(ctx context.Context) string {
	value, _ := ctx.Value(requestIDContextKey).(string)
	if value == "" {
		return "unknown"
	}
	return value
}

// GetTraceID returns "" outside a request.
func GetTraceID(ctx context.Context) string {
	value, _ := ctx.Value(traceIDContextKey).(string)
	return value
}

// parseTraceparent extracts the trace-id field of "00-<32 hex>-<16 hex>-<2 hex>".
func parseTraceparent(header string) string {
	parts := strings.Split(strings.TrimSpace(header), "-")
	if len(parts) != 4 || len(parts[1]) != 32 {
		return ""
	}
	traceID := strings.ToLower(parts[1])
	if strings.Trim(traceID, "0") == "" {
		return ""
	}
	for _, char := range traceID {
		if !strings.ContainsRune("0123456789abcdef", char) {
			return ""
		}
	}
	return traceID
}
