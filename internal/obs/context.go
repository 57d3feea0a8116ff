package obs

import "context"

type routePatternKey struct{}

// WithRoutePattern records the matched router pattern so downstream
// middleware can label metrics and spans with a bounded cardinality value
// instead of the raw URL.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	return context.WithValue(ctx, routePatternKey{}, pattern)
}

// RoutePatternFromContext returns the matched route pattern, or "".
func RoutePatternFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	pattern, _ := ctx.Value(routePatternKey{}).(string)
	return pattern
}
