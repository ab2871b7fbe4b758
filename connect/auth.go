package connect

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// handshake auth tokens are HS256 jwts signed with the host secret

type AuthClaims struct {
	Subject   string
	ExpiresAt time.Time
}

func NewAuthToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
	}
	if 0 < ttl {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

func VerifyAuthToken(secret []byte, authToken string) (*AuthClaims, error) {
	if authToken == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	parser := gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	token, err := parser.Parse(authToken, func(token *gojwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, err)
	}
	return authClaims(token)
}

// ParseAuthTokenUnverified reads the claims without checking the signature.
func ParseAuthTokenUnverified(authToken string) (*AuthClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(authToken, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return authClaims(token)
}

func authClaims(token *gojwt.Token) (*AuthClaims, error) {
	claims := &AuthClaims{}
	if subject, err := token.Claims.GetSubject(); err == nil {
		claims.Subject = subject
	}
	if expiresAt, err := token.Claims.GetExpirationTime(); err == nil && expiresAt != nil {
		claims.ExpiresAt = expiresAt.Time
	}
	return claims, nil
}
