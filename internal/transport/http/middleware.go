package http

import (
	"context"
	"net/http"

	"tourist-safety/monitor/internal/auth"
)

type principalKey struct{}

// DeviceLogin resolves the X-API-Key header to a principal.
type DeviceLogin interface {
	DeviceLogin(ctx context.Context, apiKey string) (auth.Principal, error)
}

type AuthMiddleware struct {
	login DeviceLogin
}

func NewAuthMiddleware(login DeviceLogin) *AuthMiddleware {
	return &AuthMiddleware{login: login}
}

func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing X-API-Key header"})
			return
		}

		p, err := m.login.DeviceLogin(r.Context(), apiKey)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// PrincipalFrom returns the principal stored by AuthMiddleware.
func PrincipalFrom(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(auth.Principal)
	return p, ok
}
