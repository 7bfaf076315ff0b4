package chatsim

import (
	"context"
	"net/http"

	"github.com/putto11262002/chatsync/pkg/router"
)

const AuthCookieName = "auth_token"

type claimsKey struct{}

func contextWithClaims(ctx context.Context, claims *AuthClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromRequest returns the claims attached by JWTMiddleware.
// It panics when called outside a handler protected by JWTMiddleware.
func ClaimsFromRequest(r *http.Request) *AuthClaims {
	claims, ok := r.Context().Value(claimsKey{}).(*AuthClaims)
	if !ok {
		panic("claims not found in request context: call this function in handlers that are protected by JWTMiddleware")
	}
	return claims
}

// tokenFromRequest reads the bearer token, falling back to the auth cookie.
func tokenFromRequest(r *http.Request) string {
	if token := bearer(r.Header.Get("Authorization")); token != "" {
		return token
	}
	if cookie, err := r.Cookie(AuthCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

// JWTMiddleware validates the request token and attaches its claims to the request
// context.
func JWTMiddleware(secret []byte) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		authErr := router.NewJsonError(http.StatusUnauthorized, ErrUnauthenticated.Error())

		return func(w http.ResponseWriter, r *http.Request) error {
			token := tokenFromRequest(r)
			if token == "" {
				return authErr
			}
			claims, err := VerifyToken(token, secret)
			if err != nil {
				return router.NewJsonError(http.StatusUnauthorized, err.Error())
			}
			next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
			return nil
		}
	}
}
