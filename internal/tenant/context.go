package tenant

import (
	"context"
	"errors"
)

type contextKey string

const (
	tenantIDKey  contextKey = "tenantID"
	requestIDKey contextKey = "requestID"
)

// ErrTenantIDNotFound is returned when no tenant ID is found in context
var ErrTenantIDNotFound = errors.New("tenant ID not found in context")

// ErrNoRequestIDInContext is returned when no request ID is found in context
var ErrNoRequestIDInContext = errors.New("no request ID found in context")

// WithTenantID adds a tenant ID to the context
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// FromContext extracts the tenant ID from the context
func FromContext(ctx context.Context) (string, error) {
	tenantID, ok := ctx.Value(tenantIDKey).(string)
	if !ok || tenantID == "" {
		return "", ErrTenantIDNotFound
	}
	return tenantID, nil
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// FromRequestIDContext extracts the request ID from the context
func FromRequestIDContext(ctx context.Context) (string, error) {
	requestID, ok := ctx.Value(requestIDKey).(string)
	if !ok || requestID == "" {
		return "", ErrNoRequestIDInContext
	}
	return requestID, nil
}

// Detach returns a background context carrying only the tenant and request ids of ctx.
// Work that must outlive the caller (async persistence, background sync) starts from it.
func Detach(ctx context.Context) context.Context {
	out := context.Background()
	if tenantID, err := FromContext(ctx); err == nil {
		out = WithTenantID(out, tenantID)
	}
	if requestID, err := FromRequestIDContext(ctx); err == nil {
		out = WithRequestID(out, requestID)
	}
	return out
}
