package middleware

import (
	"net/http"
	"strings"

	"github.com/voyagio/eventbus/api/responses"
	pkgauth "github.com/voyagio/eventbus/pkg/auth"
	"github.com/voyagio/eventbus/pkg/config"
	pkgerrors "github.com/voyagio/eventbus/pkg/errors"
	"github.com/voyagio/eventbus/pkg/logger"
)

// devServiceHeader lets local callers skip token minting outside prod.
const devServiceHeader = "X-Voyagio-Service"

// ServiceAuth validates the bearer token and seeds the request context with
// the caller's service identity. Outside production a plain header may name
// the service instead.
func ServiceAuth(cfg *config.Config, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if raw == "" {
				if !cfg.App.IsProd() {
					if service := strings.TrimSpace(r.Header.Get(devServiceHeader)); service != "" {
						serve(next, w, r, logg, service)
						return
					}
				}
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgauth.ParseServiceToken(cfg.JWT, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}
			serve(next, w, r, logg, claims.Service)
		})
	}
}

func serve(next http.Handler, w http.ResponseWriter, r *http.Request, logg *logger.Logger, service string) {
	ctx := WithService(r.Context(), service)
	if logg != nil {
		ctx = logg.WithField(ctx, "service", service)
	}
	next.ServeHTTP(w, r.WithContext(ctx))
}
