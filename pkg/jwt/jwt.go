package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var (
	ErrExpired = errors.New("token has expired")
	ErrInvalid = errors.New("invalid token")
)

type JWT struct {
	secretKey []byte
	ttl       time.Duration
}

type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewJWT(secretKey []byte, ttl time.Duration) *JWT {
	return &JWT{
		secretKey: secretKey,
		ttl:       ttl,
	}
}

// GenerateToken issues an HS256 access token. Issuance belongs to the identity
// service; the gateway uses it in tests and tooling.
func (j *JWT) GenerateToken(userID, username string, now time.Time) (string, error) {
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(j.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

func (j *JWT) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return j.secretKey, nil
	})

	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}

	return nil, ErrInvalid
}
