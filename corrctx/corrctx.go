// Package corrctx carries the ambient correlation/causation identifiers
// of one handler invocation (spec.md §5 "Ambient correlation") through an
// ordinary context.Context, the way aggregate/project's pcontext embeds a
// Context interface over context.Context rather than relying on
// goroutine-local state.
package corrctx

import "context"

type key struct{}

// Pair is the correlation/causation identifiers of one invocation.
// Either field may be nil, mirroring spec.md §3's optional payload fields.
type Pair struct {
	CorrelationID *string
	CausationID   *string
}

// WithPair returns a context carrying p. It replaces any Pair already
// present; invocations never nest correlation scopes.
func WithPair(ctx context.Context, p Pair) context.Context {
	return context.WithValue(ctx, key{}, p)
}

// With is a convenience constructor for WithPair from raw ids. An empty
// string is treated as absent.
func With(ctx context.Context, correlationID, causationID string) context.Context {
	p := Pair{}
	if correlationID != "" {
		p.CorrelationID = &correlationID
	}
	if causationID != "" {
		p.CausationID = &causationID
	}
	return WithPair(ctx, p)
}

// From reads the Pair attached to ctx. Returns the zero Pair (both fields
// nil) if none was ever attached, so callers never need a presence check
// before reading CorrelationID/CausationID.
func From(ctx context.Context) Pair {
	p, _ := ctx.Value(key{}).(Pair)
	return p
}
