package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

// Permission is what a request needs from the caller's roles.
type Permission string

const (
	PermRead   Permission = "read"
	PermDeploy Permission = "deploy"
	PermRun    Permission = "run"
	PermAudit  Permission = "audit"
)

const (
	RoleViewer   = "viewer"
	RoleDeployer = "deployer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

var roleGrants = map[string][]Permission{
	RoleViewer:   {PermRead},
	RoleDeployer: {PermRead, PermDeploy},
	RoleOperator: {PermRead, PermRun},
	RoleAdmin:    {PermRead, PermDeploy, PermRun, PermAudit},
}

// readOnlyPosts compute a result without changing stored state.
var readOnlyPosts = map[string]struct{}{
	"/bundles/validate":   {},
	"/references/resolve": {},
}

// Grants reports whether any of roles carries perm. Unknown roles grant nothing.
func Grants(roles []string, perm Permission) bool {
	for _, role := range roles {
		for _, granted := range roleGrants[strings.ToLower(strings.TrimSpace(role))] {
			if granted == perm {
				return true
			}
		}
	}
	return false
}

func RequiredPermission(r *http.Request) Permission {
	path := r.URL.Path
	if path == "/audit" || strings.HasPrefix(path, "/audit/") {
		return PermAudit
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return PermRead
	}
	if _, ok := readOnlyPosts[path]; ok {
		return PermRead
	}
	if path == "/runs" || strings.HasPrefix(path, "/runs/") {
		return PermRun
	}
	return PermDeploy
}

func PermissionAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		perm := RequiredPermission(r)
		if Grants(identity.Roles, perm) {
			return nil
		}
		return fmt.Errorf("%w: %s permission required", ErrForbidden, perm)
	}
}
