package middleware

import (
	"log/slog"
	"net/http"

	"fleetcore/internal/auth"
)

// TokenParser validates a bearer token
type TokenParser interface {
	Parse(raw string) (*auth.Principal, error)
}

// Authenticate attaches the caller's principal to the request context.
//
// The token is read from the Authorization header, or from the "token" query
// parameter for websocket clients that cannot set headers. Requests without
// a token continue anonymously; a token that fails validation gets a 401.
func Authenticate(logger *slog.Logger, tokens TokenParser) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			raw := auth.TokenFromHeader(r.Header.Get("Authorization"))
			if raw == "" {
				raw = r.URL.Query().Get("token")
			}
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			principal, err := tokens.Parse(raw)
			if err != nil {
				logger.WarnContext(ctx, "authentication failed",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				ProblemFromStatus(
					http.StatusUnauthorized,
					"Invalid or expired token",
					GetRequestID(ctx),
				).Render(w, r)
				return
			}

			logger.DebugContext(ctx, "authentication successful",
				"subject", principal.Subject,
				"roles", principal.Roles,
				"path", r.URL.Path,
			)

			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(ctx, principal)))
		})
	}
}

// RequireRoles rejects callers that hold none of roles. Anonymous callers
// get a 401, authenticated callers without a matching role a 403.
func RequireRoles(logger *slog.Logger, roles ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			principal, ok := auth.PrincipalFrom(ctx)
			if !ok {
				ProblemFromStatus(
					http.StatusUnauthorized,
					"Authentication required",
					GetRequestID(ctx),
				).Render(w, r)
				return
			}

			if !auth.HasAnyRole(principal, roles) {
				logger.WarnContext(ctx, "access denied",
					"subject", principal.Subject,
					"roles", principal.Roles,
					"path", r.URL.Path,
				)
				ProblemFromStatus(
					http.StatusForbidden,
					"Access denied",
					GetRequestID(ctx),
				).Render(w, r)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
