// Package authmw provides HTTP middleware for bearer token authentication.
// Warden distinguishes two token classes: producer tokens for module
// ingestion endpoints and operator tokens for triage and admin endpoints.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// Role identifies the token class a request authenticated with.
type Role string

const (
	RoleProducer Role = "producer"
	RoleOperator Role = "operator"
)

type roleKey struct{}

// RoleFromContext returns the authenticated token class, if any.
func RoleFromContext(ctx context.Context) (Role, bool) {
	r, ok := ctx.Value(roleKey{}).(Role)
	return r, ok
}

// BearerToken returns middleware that validates the Authorization header
// contains a Bearer token matching the expected value. Comparison uses
// constant-time equality to prevent timing side-channel attacks.
func BearerToken(token string) func(http.Handler) http.Handler {
	return Bearer(map[string]Role{token: RoleOperator})
}

// Bearer returns middleware that accepts any of the given tokens and stores
// the matched token's role in the request context.
func Bearer(tokens map[string]Role) func(http.Handler) http.Handler {
	type entry struct {
		token []byte
		role  Role
	}
	entries := make([]entry, 0, len(tokens))
	for t, role := range tokens {
		entries = append(entries, entry{token: []byte(t), role: role})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}

			got := []byte(auth[len("Bearer "):])

			// Compare against every entry so timing does not reveal which
			// token class matched.
			var matched *entry
			for i := range entries {
				if subtle.ConstantTimeCompare(got, entries[i].token) == 1 {
					matched = &entries[i]
				}
			}
			if matched == nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), roleKey{}, matched.role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole returns middleware that rejects requests whose authenticated
// token class matches none of the given roles. It must run inside Bearer.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := RoleFromContext(r.Context())
			if ok {
				for _, role := range roles {
					if got == role {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		})
	}
}
