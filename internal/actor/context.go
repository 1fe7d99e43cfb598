// Package actor carries the identity of whoever triggered an operation
// (an approver, an operator, a service account) through a context.
package actor

import "context"

// System is recorded as the actor of transitions nobody triggered directly.
const System = "system"

type contextKey struct{}

// WithActor returns a context carrying actorID. An empty id leaves ctx
// unchanged.
func WithActor(ctx context.Context, actorID string) context.Context {
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, actorID)
}

// Actor returns the actor ID from the context, or empty string if not set.
func Actor(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(contextKey{}).(string)
	return s
}

// OrSystem returns the actor in ctx, or System.
func OrSystem(ctx context.Context) string {
	if a := Actor(ctx); a != "" {
		return a
	}
	return System
}
