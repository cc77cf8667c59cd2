package middleware

import (
	"context"
	"net/http"
	"strings"
)

// UserHeader carries the caller's id, set by the upstream auth component.
const UserHeader = "X-User-ID"

type userKey struct{}

// Identity copies the user id from UserHeader into the request context.
// Requests without the header pass through anonymously.
func Identity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id := strings.TrimSpace(r.Header.Get(UserHeader)); id != "" {
				r = r.WithContext(WithUserID(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithUserID returns a copy of ctx carrying the user id.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

// UserID returns the caller's id, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}
