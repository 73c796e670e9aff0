package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload issued by the auth service.
type Claims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Credential is the bearer token plus the bits of it the client relies on.
// The signature is verified by the server, never here.
type Credential struct {
	Token     string
	ViewerID  int64
	Username  string
	ExpiresAt time.Time
}

func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

func (c Credential) Header() string {
	return "Bearer " + c.Token
}

// Parse reads the viewer identity out of a bearer token without verifying it.
func Parse(token string) (Credential, error) {
	if token == "" {
		return Credential{}, errors.New("empty token")
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Credential{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ID <= 0 {
		return Credential{}, errors.New("token carries no user id")
	}
	cred := Credential{Token: token, ViewerID: claims.ID, Username: claims.Username}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred, nil
}

// Issue signs a token for id. Used by the in-process relay and the CLI's
// local mode; production tokens come from the auth service.
func Issue(secret string, id int64, username string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:       id,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "convsync",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
	return token.SignedString([]byte(secret))
}

// Validate verifies an HMAC-signed token and returns its claims.
func Validate(secret, token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
