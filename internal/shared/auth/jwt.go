// Package auth issues and checks the HS256 bearer tokens accepted by the API.
package auth

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer    = "hallucheck"
	tokenTTL  = 24 * time.Hour
	clockSkew = 30 * time.Second
	devSecret = "dev-secret"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingSecret = errors.New("JWT_SECRET is required in production")
)

// Claims carries the owner id in Subject.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// SignJWT issues a token for subject valid for 24h.
func SignJWT(subject, name string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("jwt subject is required")
	}
	secret, err := signingSecret()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyJWT accepts only HS256 tokens with an expiry and a subject. Every
// failure maps to ErrInvalidToken except a missing production secret.
func VerifyJWT(token string) (Claims, error) {
	secret, err := signingSecret()
	if err != nil {
		return Claims{}, err
	}

	var claims Claims
	_, err = jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	if err != nil || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func signingSecret() ([]byte, error) {
	if secret := strings.TrimSpace(os.Getenv("JWT_SECRET")); secret != "" {
		return []byte(secret), nil
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("ENV"))) {
	case "production", "prod":
		return nil, ErrMissingSecret
	}
	return []byte(devSecret), nil
}
