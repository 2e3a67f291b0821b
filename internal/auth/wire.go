package auth

import (
	"github.com/google/wire"

	"pulse/config"
)

func ProvideVerifier(cfg *config.Config) TokenVerifier {
	return NewJWTVerifier(cfg.JWTSecret)
}

func ProvideMiddleware(verifier TokenVerifier, cfg *config.Config) *Middleware {
	return NewMiddleware(verifier, cfg.ServiceKey)
}

var Set = wire.NewSet(ProvideVerifier, ProvideMiddleware)
