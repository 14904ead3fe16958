package server

import (
	"context"
	"net/http"
	"strings"
)

type actorKey struct{}

// AnonymousActor is the identity attached when no tokens are configured.
const AnonymousActor = "user:anonymous"

// TokenAuth resolves bearer tokens to stable actor identities. With no
// tokens configured the server runs open and every request acts as
// AnonymousActor; with tokens configured, requests without a known
// token are rejected.
type TokenAuth struct {
	actors map[string]string // token -> actor
}

// NewTokenAuth builds a resolver from a token -> actor map.
func NewTokenAuth(actors map[string]string) *TokenAuth {
	return &TokenAuth{actors: actors}
}

// Middleware authenticates the request and stores the actor in its
// context.
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := a.resolve(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token", "")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func (a *TokenAuth) resolve(r *http.Request) (string, bool) {
	if len(a.actors) == 0 {
		return AnonymousActor, true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		// Browsers cannot set headers on websocket upgrades; accept the
		// token as a query parameter there.
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", false
	}
	actor, ok := a.actors[token]
	return actor, ok
}

// Actor returns the authenticated actor for a request context.
func Actor(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok {
		return actor
	}
	return AnonymousActor
}
