package middleware

import "context"

type contextKey string

const (
	ctxActor  contextKey = "actor"
	ctxRole   contextKey = "actor_role"
	ctxChains contextKey = "chain_scope"
)

// ActorFromContext returns the token subject of the authenticated operator.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxActor).(string); ok {
		return v
	}
	return ""
}

func RoleFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxRole).(string); ok {
		return v
	}
	return ""
}

// ChainScopeFromContext returns the chains the token is limited to; nil means all.
func ChainScopeFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	if v, ok := ctx.Value(ctxChains).([]string); ok {
		return v
	}
	return nil
}

// WithActor injects the operator identity into the context.
func WithActor(ctx context.Context, actor, role string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, ctxActor, actor)
	return context.WithValue(ctx, ctxRole, role)
}
