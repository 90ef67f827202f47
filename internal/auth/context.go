// internal/auth/context.go
//
// Current-user context plumbing.
//
// Usage
// -----
//     // Attach the resolved user after session lookup.
//     ctx = auth.WithUser(ctx, auth.User{Email: "a@b.c"})
//
//     // Downstream code (override endpoints, share creation) retrieves it.
//     user, ok := auth.FromContext(ctx)
//
// Notes
// -----
// • Identity is pseudo-auth: whoever presents a valid session token is
//   that email.  Nothing here verifies mailbox ownership.
// • Oxford commas, two spaces after periods.

package auth

import (
	"context"

	"github.com/yanizio/querydeck/internal/qerr"
)

// User is the identity attached to a request.
type User struct {
	Email       string
	DisplayName string
}

// userKey is unexported to avoid context-key collisions.
type userKey struct{}

// WithUser returns a new context carrying user.
func WithUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// FromContext extracts the current user.  It returns (zero, false) when
// no user is attached.
func FromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userKey{}).(User)
	return u, ok
}

// Require returns the current user or a not_authenticated error for the
// handler to surface.
func Require(ctx context.Context) (User, error) {
	u, ok := FromContext(ctx)
	if !ok || u.Email == "" {
		return User{}, qerr.NotAuthenticated()
	}
	return u, nil
}
