package clients

import "context"

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const (
	// UserIDKey is the context key for user ID (for X-User-ID header)
	UserIDKey contextKey = "user-id"

	// LockTokenKey is the context key for a canvas lease token (X-Lock-Token)
	LockTokenKey contextKey = "lock-token"

	// ProviderKeyKey is the context key for a provider credential (X-Provider-Key)
	ProviderKeyKey contextKey = "provider-key"
)

// WithUserID adds a user ID to the context
// This will be automatically extracted and added as X-User-ID header in HTTP requests
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves the user ID from context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}

// WithLockToken adds a lease token; agent sessions send it on every write
func WithLockToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, LockTokenKey, token)
}

// GetLockToken retrieves the lease token from context
func GetLockToken(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(LockTokenKey).(string)
	return token, ok && token != ""
}

// WithProviderKey adds a provider credential forwarded to remote processors
func WithProviderKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ProviderKeyKey, key)
}

// GetProviderKey retrieves the provider credential from context
func GetProviderKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(ProviderKeyKey).(string)
	return key, ok && key != ""
}
