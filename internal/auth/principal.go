// Package auth carries the authenticated caller identity through request and
// worker contexts. Identity is issued elsewhere; this package only transports
// it and answers role questions.
package auth

import (
	"context"
	"strings"
)

// Role names recognised in role lists (e.g. the X-Caseflow-Roles header).
const (
	RoleAdmin  = "admin"
	RoleWorker = "worker"
)

// Principal is an authenticated caller.
type Principal struct {
	ID     string
	Admin  bool
	Worker bool
}

// Empty reports whether no identity was supplied.
func (p Principal) Empty() bool {
	return strings.TrimSpace(p.ID) == ""
}

// ParseRoles builds a principal from an identity and a comma separated role list.
func ParseRoles(id, roles string) Principal {
	p := Principal{ID: strings.TrimSpace(id)}
	for _, role := range strings.Split(roles, ",") {
		switch strings.ToLower(strings.TrimSpace(role)) {
		case RoleAdmin:
			p.Admin = true
		case RoleWorker:
			p.Worker = true
		}
	}
	return p
}

type principalKey struct{}

// WithPrincipal annotates ctx with the caller identity.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the caller identity; ok is false when absent or empty.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	if !ok || p.Empty() {
		return Principal{}, false
	}
	return p, true
}
