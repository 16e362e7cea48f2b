package callback

import "context"

type contextKey struct{}

// WithAddress attaches the originating session's address to the context.
// The server sets this before a turn runs so tools that enqueue background
// jobs know where results should be delivered.
func WithAddress(ctx context.Context, addr Address) context.Context {
	return context.WithValue(ctx, contextKey{}, addr)
}

// AddressFromContext returns the address attached by WithAddress.
func AddressFromContext(ctx context.Context) (Address, bool) {
	addr, ok := ctx.Value(contextKey{}).(Address)
	return addr, ok
}
