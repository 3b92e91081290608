// Package context provides request-scoped values for the relay.
package context

import (
	"context"
)

type contextKey string

const (
	// ConnectionIDKey is the context key for storing connection ID
	ConnectionIDKey contextKey = "connection_id"
	// IdentityKey is the context key for the authenticated principal ID.
	IdentityKey contextKey = "identity"
	// RoleKey is the context key for the authenticated principal role.
	RoleKey contextKey = "role"
)

// WithConnectionID adds a connection ID to the context.
func WithConnectionID(ctx context.Context, connectionID string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, connectionID)
}

// GetConnectionID retrieves the connection ID from context.
// Returns empty string if not found.
func GetConnectionID(ctx context.Context) string {
	if connectionID, ok := ctx.Value(ConnectionIDKey).(string); ok {
		return connectionID
	}
	return ""
}

// WithPrincipal stores the authenticated identity and role.
func WithPrincipal(ctx context.Context, identity, role string) context.Context {
	ctx = context.WithValue(ctx, IdentityKey, identity)
	return context.WithValue(ctx, RoleKey, role)
}

// GetPrincipal returns the identity and role stored by WithPrincipal.
func GetPrincipal(ctx context.Context) (identity, role string) {
	identity, _ = ctx.Value(IdentityKey).(string)
	role, _ = ctx.Value(RoleKey).(string)
	return identity, role
}
