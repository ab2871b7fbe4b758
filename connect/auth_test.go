package connect

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestAuthToken(t *testing.T) {
	secret := []byte("secret")
	authToken, err := NewAuthToken(secret, "watcher", time.Hour)
	assert.Equal(t, err, nil)

	claims, err := VerifyAuthToken(secret, authToken)
	assert.Equal(t, err, nil)
	assert.Equal(t, "watcher", claims.Subject)
	assert.Equal(t, true, time.Now().Add(59*time.Minute).Before(claims.ExpiresAt))

	_, err = VerifyAuthToken([]byte("other"), authToken)
	assert.Equal(t, true, errors.Is(err, ErrUnauthorized))

	// the claims can be read without the secret
	claims, err = ParseAuthTokenUnverified(authToken)
	assert.Equal(t, err, nil)
	assert.Equal(t, "watcher", claims.Subject)

	forever, err := NewAuthToken(secret, "host", 0)
	assert.Equal(t, err, nil)
	claims, err = ParseAuthTokenUnverified(forever)
	assert.Equal(t, err, nil)
	assert.Equal(t, true, claims.ExpiresAt.IsZero())

	_, err = ParseAuthTokenUnverified("not a token")
	assert.NotEqual(t, err, nil)
}
