package middleware

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// HMACValidator validates HS256 bearer tokens against a shared signing key.
type HMACValidator struct {
	key []byte
}

func NewHMACValidator(signingKey string) *HMACValidator {
	return &HMACValidator{key: []byte(signingKey)}
}

type tokenClaims struct {
	OrganizationID string   `json:"org,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

func (v *HMACValidator) ValidateToken(tokenString string) (*JWTClaims, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	return &JWTClaims{
		Subject:        claims.Subject,
		OrganizationID: claims.OrganizationID,
		Roles:          claims.Roles,
	}, nil
}
