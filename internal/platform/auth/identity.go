package auth

import (
	"context"
	"net/http"
)

type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

// Actor names the caller for audit records.
func Actor(ctx context.Context) string {
	if identity, ok := IdentityFromContext(ctx); ok && identity.Subject != "" {
		return identity.Subject
	}
	return "anonymous"
}

// StaticAuthenticator returns the same identity for every request. Dev mode
// uses the configured identity; disabled mode an anonymous admin.
type StaticAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *StaticAuthenticator {
	return &StaticAuthenticator{identity: Identity{Subject: cfg.DevSubject, Email: cfg.DevEmail, Roles: cfg.DevRoles}}
}

func NewDisabledAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{identity: Identity{Subject: "anonymous", Roles: []string{RoleAdmin}}}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}
