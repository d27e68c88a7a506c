package auth

import (
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
)

const utSigningSecret = "unit-test-signing-secret"

func signTestToken(
	t *testing.T, secret string, subject string, lifetime time.Duration,
) string {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(lifetime)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign test token: %s", err)
	}
	return token
}

func handshakeWithQuery(t *testing.T, token string) *http.Request {
	request, err := http.NewRequest("GET", "/v1/chat/ws", nil)
	if err != nil {
		t.Fatalf("failed to define request: %s", err)
	}
	if len(token) > 0 {
		query := url.Values{}
		query.Set("token", token)
		request.URL.RawQuery = query.Encode()
	}
	return request
}

func TestJWTTokenValidator(t *testing.T) {
	assert := assert.New(t)

	blacklist, err := GetTokenBlacklistInstance("ut-validator")
	assert.Nil(err)
	uut, err := GetJWTTokenValidatorInstance(utSigningSecret, blacklist)
	assert.Nil(err)

	// Case 0: valid token
	token := signTestToken(t, utSigningSecret, "user-1", time.Hour)
	identity, err := uut.ExtractIdentity(token)
	assert.Nil(err)
	assert.Equal("user-1", identity)
	remaining, err := uut.RemainingValidity(token)
	assert.Nil(err)
	assert.Greater(int64(remaining), int64(0))

	// Case 1: garbage token
	_, err = uut.ExtractIdentity("not-a-token")
	assert.NotNil(err)

	// Case 2: wrong signing secret
	forged := signTestToken(t, "some-other-signing-secret", "user-1", time.Hour)
	_, err = uut.ExtractIdentity(forged)
	assert.NotNil(err)

	// Case 3: expired token still parses, but reports no validity left
	expired := signTestToken(t, utSigningSecret, "user-2", -time.Minute)
	identity, err = uut.ExtractIdentity(expired)
	assert.Nil(err)
	assert.Equal("user-2", identity)
	remaining, err = uut.RemainingValidity(expired)
	assert.Nil(err)
	assert.LessOrEqual(int64(remaining), int64(0))

	// Case 4: revocation
	blacklisted, err := uut.IsBlacklisted(token)
	assert.Nil(err)
	assert.False(blacklisted)
	blacklist.Revoke(token, time.Now().Add(time.Hour))
	blacklisted, err = uut.IsBlacklisted(token)
	assert.Nil(err)
	assert.True(blacklisted)

	// Case 5: revocation entries lapse with the token's own expiry
	shortLived := signTestToken(t, utSigningSecret, "user-3", time.Hour)
	blacklist.Revoke(shortLived, time.Now().Add(-time.Second))
	blacklisted, err = uut.IsBlacklisted(shortLived)
	assert.Nil(err)
	assert.False(blacklisted)
}

func TestAuthenticationGate(t *testing.T) {
	assert := assert.New(t)

	blacklist, err := GetTokenBlacklistInstance("ut-gate")
	assert.Nil(err)
	validator, err := GetJWTTokenValidatorInstance(utSigningSecret, blacklist)
	assert.Nil(err)
	uut, err := GetAuthenticationGateInstance(validator, "token")
	assert.Nil(err)

	// Case 0: no credential at all
	_, err = uut.Admit(handshakeWithQuery(t, ""))
	assert.NotNil(err)

	// Case 1: valid credential via query parameter
	token := signTestToken(t, utSigningSecret, "user-1", time.Hour)
	identity, err := uut.Admit(handshakeWithQuery(t, token))
	assert.Nil(err)
	assert.Equal("user-1", identity)

	// Case 2: valid credential via Authorization header
	request := handshakeWithQuery(t, "")
	request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	identity, err = uut.Admit(request)
	assert.Nil(err)
	assert.Equal("user-1", identity)

	// Case 3: query parameter takes preference over the header
	request = handshakeWithQuery(t, token)
	request.Header.Set("Authorization", "Bearer not-a-token")
	identity, err = uut.Admit(request)
	assert.Nil(err)
	assert.Equal("user-1", identity)

	// Case 4: expired credential
	expired := signTestToken(t, utSigningSecret, "user-2", -time.Minute)
	_, err = uut.Admit(handshakeWithQuery(t, expired))
	assert.NotNil(err)

	// Case 5: revoked credential
	revoked := signTestToken(t, utSigningSecret, "user-3", time.Hour)
	blacklist.Revoke(revoked, time.Now().Add(time.Hour))
	_, err = uut.Admit(handshakeWithQuery(t, revoked))
	assert.NotNil(err)

	// Case 6: forged credential
	forged := signTestToken(t, "some-other-signing-secret", "user-4", time.Hour)
	_, err = uut.Admit(handshakeWithQuery(t, forged))
	assert.NotNil(err)
}
