package api

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// Roles recognized on mutating endpoints. The reverse proxy in front of
// the service authenticates the user and forwards the role header; the
// service only enforces it.
const (
	RoleOperator = "operator"
	RoleEngineer = "engineer"
	RoleAdmin    = "admin"
)

// roleHeader is set by the authenticating proxy.
const roleHeader = "X-Auth-Role"

// roleRank orders roles so a stronger role satisfies a weaker requirement.
var roleRank = map[string]int{
	RoleOperator: 1,
	RoleEngineer: 2,
	RoleAdmin:    3,
}

// RequireRole wraps a handler so only requests carrying at least the given
// role pass through. Read-only endpoints stay unwrapped.
func RequireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	required := roleRank[role]
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(roleHeader)
		if roleRank[got] < required {
			log.Debug().Str("path", r.URL.Path).Str("role", got).
				Str("required", role).Msg("Request rejected by role check")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}
