package logging

import (
	"context"

	"github.com/google/uuid"
)

// CorrelationIDHeader carries the correlation ID across HTTP hops.
const CorrelationIDHeader = "X-Correlation-ID"

// maxCorrelationIDLen bounds IDs accepted from callers.
const maxCorrelationIDLen = 64

type ctxKey int

const (
	correlationIDKey ctxKey = iota
	clientIPKey
)

// WithCorrelationID attaches id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// GetCorrelationID returns the ID attached to ctx, or "".
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// GenerateCorrelationID returns a random UUID.
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// EnsureCorrelationID returns ctx unchanged when it already carries an ID,
// otherwise a derived context with a fresh one.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := GetCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := GenerateCorrelationID()
	return WithCorrelationID(ctx, id), id
}

// AcceptCorrelationID returns the caller-supplied id when it is short and
// made only of letters, digits, '-', '_' and '.', and a fresh ID otherwise.
// The value ends up in logs and response headers.
func AcceptCorrelationID(id string) string {
	if id == "" || len(id) > maxCorrelationIDLen {
		return GenerateCorrelationID()
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return GenerateCorrelationID()
		}
	}
	return id
}

// WithClientIP records the caller's address for audit events.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// GetClientIP returns the address stored by WithClientIP, or "".
func GetClientIP(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	ip, _ := ctx.Value(clientIPKey).(string)
	return ip
}
