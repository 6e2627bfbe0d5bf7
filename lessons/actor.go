package lessons

import "context"

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   string
	Role Role
}

type actorKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the caller stored by WithActor.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok && a.ID != ""
}

// SystemActor is used by background jobs and webhooks.
var SystemActor = Actor{ID: "system", Role: RoleSystem}
