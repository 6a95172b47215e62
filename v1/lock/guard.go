package lock

import "context"

type holderKey struct{}

// Holding reports whether ctx is already inside a callback protected by the
// lock identified by id. Lock implementations outside this package can use it
// together with WithHolder to get the same recursion detection as Local.
func Holding(ctx context.Context, id string) bool {
	held, _ := ctx.Value(holderKey{}).(map[string]struct{})
	_, ok := held[id]
	return ok
}

// WithHolder returns a context marked as holding the lock identified by id.
// The set of held locks is copied, never mutated, so sibling goroutines that
// share the parent context are unaffected.
func WithHolder(ctx context.Context, id string) context.Context {
	prev, _ := ctx.Value(holderKey{}).(map[string]struct{})
	held := make(map[string]struct{}, len(prev)+1)
	for k := range prev {
		held[k] = struct{}{}
	}
	held[id] = struct{}{}
	return context.WithValue(ctx, holderKey{}, held)
}
