package access

import "context"

type actorContextKey struct{}

// ContextWithActor attaches the authenticated actor to the context. The actor
// still travels as an explicit parameter into every core operation; the
// context copy exists for logging enrichment only.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	v, ok := ctx.Value(actorContextKey{}).(Actor)
	if !ok || v.ID == "" {
		return Actor{}, false
	}
	return v, true
}
