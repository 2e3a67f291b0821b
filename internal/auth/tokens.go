package auth

import (
	"context"
	"errors"
	"strings"

	"pulse/infrastructure"
	"pulse/pkg/jwt"
)

// Identity is the verified caller of a request or connection.
type Identity struct {
	UserID   string
	Username string
}

// TokenVerifier checks an access token issued by the identity service.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type JWTVerifier struct {
	jwt *jwt.JWT
}

func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{jwt: jwt.NewJWT(secret, 0)}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return Identity{}, infrastructure.ErrMissingToken
	}
	claims, err := v.jwt.ValidateToken(token)
	if errors.Is(err, jwt.ErrExpired) {
		return Identity{}, infrastructure.ErrTokenExpired
	}
	if err != nil {
		return Identity{}, infrastructure.ErrInvalidToken
	}
	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// UserIDFromContext returns the authenticated user id, or "" outside an
// authenticated request.
func UserIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}
