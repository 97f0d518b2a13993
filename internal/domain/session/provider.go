package session

import "context"

type providerKey struct{}

// Provide returns a context carrying store. Every consumer below it resolves
// the same instance with FromContext.
func Provide(ctx context.Context, store *Store) context.Context {
	if store == nil {
		panic("session: Provide called with a nil store")
	}
	return context.WithValue(ctx, providerKey{}, store)
}

// FromContext returns the store installed by Provide, or ErrMissingProvider.
func FromContext(ctx context.Context) (*Store, error) {
	if ctx == nil {
		return nil, ErrMissingProvider
	}
	store, ok := ctx.Value(providerKey{}).(*Store)
	if !ok || store == nil {
		return nil, ErrMissingProvider
	}
	return store, nil
}

// MustFromContext is FromContext for code paths that cannot report errors;
// it panics with ErrMissingProvider.
func MustFromContext(ctx context.Context) *Store {
	store, err := FromContext(ctx)
	if err != nil {
		panic(err)
	}
	return store
}
