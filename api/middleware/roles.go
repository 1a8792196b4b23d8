package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/compliance-ledger/api/responses"
	"github.com/angelmondragon/compliance-ledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/compliance-ledger/pkg/errors"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
)

// RequireRole admits requests whose token carries one of roles.
func RequireRole(logg *logger.Logger, roles ...enums.ActorRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			current := RoleFromContext(r.Context())
			for _, role := range roles {
				if current == string(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "role required"))
		})
	}
}

// RequireChainScope rejects tokens limited to other chains than the
// {chainId} route parameter.
func RequireChainScope(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scope := ChainScopeFromContext(r.Context())
			if len(scope) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			chainID := chi.URLParam(r, "chainId")
			for _, allowed := range scope {
				if allowed == chainID {
					next.ServeHTTP(w, r)
					return
				}
			}
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeForbidden, "token not valid for this chain"))
		})
	}
}
