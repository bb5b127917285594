package actorcontext

import "context"

type contextKey struct{}

// Actor identifies who is performing an operation. Identity resolution is
// a collaborator concern; the pipeline only cares about the ID and whether
// the caller holds the admin capability.
type Actor struct {
	ID    string
	Admin bool
}

// System is the actor used for mutations the pipeline performs on its own,
// such as settling a reservation when a job finishes.
var System = Actor{ID: "system", Admin: true}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, actor)
}

func FromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(contextKey{}).(Actor)
	return actor, ok
}
