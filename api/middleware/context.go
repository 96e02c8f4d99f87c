package middleware

import "context"

type contextKey string

const ctxService contextKey = "service_name"

// ServiceFromContext returns the authenticated service name, empty when the
// request was not authenticated.
func ServiceFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxService).(string); ok {
		return v
	}
	return ""
}

// WithService injects the service identity into the context.
func WithService(ctx context.Context, service string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxService, service)
}
