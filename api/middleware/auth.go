package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/angelmondragon/compliance-ledger/api/responses"
	pkgAuth "github.com/angelmondragon/compliance-ledger/pkg/auth"
	"github.com/angelmondragon/compliance-ledger/pkg/config"
	pkgerrors "github.com/angelmondragon/compliance-ledger/pkg/errors"
	"github.com/angelmondragon/compliance-ledger/pkg/logger"
)

const bearerRealm = `Bearer realm="compliance-ledger"`

// bearerToken extracts the credentials of an RFC 6750 Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Auth admits requests carrying a valid operator token. The token subject,
// role and chain scope are placed on the request context.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", bearerRealm)
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing bearer credentials"))
				return
			}
			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", bearerRealm+`, error="invalid_token"`)
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(authenticated(r.Context(), logg, claims)))
		})
	}
}

func authenticated(ctx context.Context, logg *logger.Logger, claims *pkgAuth.AccessTokenClaims) context.Context {
	role := string(claims.Role)
	ctx = WithActor(ctx, claims.Subject, role)
	if len(claims.Chains) > 0 {
		ctx = context.WithValue(ctx, ctxChains, claims.Chains)
	}
	if logg != nil {
		ctx = logg.WithActor(ctx, claims.Subject, role)
	}
	return ctx
}
