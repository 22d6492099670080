// Package tenantctx carries the active tenancy through request contexts.
package tenantctx

import (
	"context"
	"strings"
)

// TenancyContextKey is the request context key for the active tenancy ID.
type TenancyContextKey struct{}

// WithTenancyID stores the tenancy ID in the context.
func WithTenancyID(ctx context.Context, tenancyID string) context.Context {
	return context.WithValue(ctx, TenancyContextKey{}, tenancyID)
}

// TenancyIDFromContext returns the tenancy ID from context, if set.
func TenancyIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(TenancyContextKey{}).(string)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}
