package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

// JWTResolver verifies HS256 tokens signed with a shared secret. It is
// used when no verify endpoint is configured, and by the load generator.
type JWTResolver struct {
	secret []byte
}

func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

func (r *JWTResolver) Resolve(_ context.Context, tokenString string) (User, error) {
	if tokenString == "" {
		return User{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	// MapClaims.Valid only checks exp when present; require it.
	if _, ok := claims["exp"]; !ok {
		return User{}, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}

	user, ok := userFromPayload(claims)
	if !ok {
		return User{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	for _, k := range []string{"exp", "iat", "nbf", "iss", "sub", "aud"} {
		delete(user.Extra, k)
	}
	return user, nil
}

// Sign mints a token the resolver accepts.
func (r *JWTResolver) Sign(userID, username string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  userID,
		"username": username,
		"iat":      time.Now().Unix(),
		"exp":      time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(r.secret)
}
