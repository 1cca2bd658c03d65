package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/valsssa/TutorHub-sub003/internal/model"
)

var ErrInvalidToken = errors.New("invalid session token")

// Claims is the TutorHub session token payload. Subject holds the user id.
type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ParseIdentity extracts the user identity from a session token without
// verifying the signature. The client trusts its own token; the gateway is
// the verifying party.
func ParseIdentity(token string) (model.User, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return model.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return model.User{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return model.User{}, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return model.User{ID: claims.Subject, Name: claims.Name, Role: claims.Role}, nil
}

// SignToken mints a session token for user. Used by the dev gateway and in
// tests; production tokens come from the platform auth service.
func SignToken(secret string, user model.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: user.Name,
		Role: user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken checks the signature and expiry and returns the embedded
// identity. This is the gateway-side counterpart of ParseIdentity.
func VerifyToken(secret, token string) (model.User, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return model.User{}, ErrInvalidToken
	}
	return model.User{ID: claims.Subject, Name: claims.Name, Role: claims.Role}, nil
}
