package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"pulse/infrastructure"
)

const ServiceKeyHeader = "X-Service-Key"

type Middleware struct {
	verifier   TokenVerifier
	serviceKey string
}

func NewMiddleware(verifier TokenVerifier, serviceKey string) *Middleware {
	return &Middleware{verifier: verifier, serviceKey: serviceKey}
}

// BearerToken reads the token from the Authorization header, falling back to
// the token query parameter used by websocket clients.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// RequireUser rejects requests without a valid access token and stores the
// identity in the request context.
func (m *Middleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := m.verifier.Verify(r.Context(), BearerToken(r))
		if err != nil {
			infrastructure.WriteError(w, r, err)
			return
		}
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("user_id", id.UserID)
		})
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireServiceKey guards internal endpoints called by other backend services.
func (m *Middleware) RequireServiceKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(ServiceKeyHeader)
		if m.serviceKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(m.serviceKey)) != 1 {
			infrastructure.WriteError(w, r, infrastructure.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
