package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/chatrelay/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v4"
)

// TokenValidator validates client credentials during admission
type TokenValidator interface {
	// ExtractIdentity parse and verify a token, returning the principal
	// identity it carries
	ExtractIdentity(token string) (string, error)
	// IsBlacklisted check whether a token was explicitly revoked
	IsBlacklisted(token string) (bool, error)
	// RemainingValidity time left before the token expires. Zero or
	// negative means expired.
	RemainingValidity(token string) (time.Duration, error)
}

// TokenBlacklist records revoked tokens until their natural expiry
type TokenBlacklist interface {
	// Revoke record a token as revoked until expiresAt
	Revoke(token string, expiresAt time.Time)
	// Contains check whether a token is currently revoked
	Contains(token string) bool
}

// ========================================================================================

// tokenBlacklistImpl implements TokenBlacklist with an in-process map.
// Entries past their natural expiry are dropped lazily on read.
type tokenBlacklistImpl struct {
	common.Component
	lock    sync.Mutex
	revoked map[string]time.Time
}

// GetTokenBlacklistInstance get instance of TokenBlacklist
func GetTokenBlacklistInstance(instance string) (TokenBlacklist, error) {
	logTags := log.Fields{
		"module": "auth", "component": "token-blacklist", "instance": instance,
	}
	return &tokenBlacklistImpl{
		Component: common.Component{LogTags: logTags},
		revoked:   make(map[string]time.Time),
	}, nil
}

// Revoke record a token as revoked until expiresAt
func (b *tokenBlacklistImpl) Revoke(token string, expiresAt time.Time) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.revoked[token] = expiresAt
	log.WithFields(b.LogTags).Info("Recorded token revocation")
}

// Contains check whether a token is currently revoked
func (b *tokenBlacklistImpl) Contains(token string) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	expiresAt, present := b.revoked[token]
	if !present {
		return false
	}
	if time.Now().After(expiresAt) {
		delete(b.revoked, token)
		return false
	}
	return true
}

// ========================================================================================

// jwtTokenValidatorImpl implements TokenValidator against HS256 signed JWTs.
// The identity is the token's subject claim.
type jwtTokenValidatorImpl struct {
	common.Component
	signingSecret []byte
	blacklist     TokenBlacklist
}

// GetJWTTokenValidatorInstance get instance of TokenValidator backed by JWT
func GetJWTTokenValidatorInstance(
	signingSecret string, blacklist TokenBlacklist,
) (TokenValidator, error) {
	if len(signingSecret) == 0 {
		return nil, fmt.Errorf("JWT validator requires a signing secret")
	}
	logTags := log.Fields{
		"module": "auth", "component": "jwt-validator",
	}
	return &jwtTokenValidatorImpl{
		Component:     common.Component{LogTags: logTags},
		signingSecret: []byte(signingSecret),
		blacklist:     blacklist,
	}, nil
}

// parseClaims verify signature and decode the registered claims. Expiry is
// not enforced here; the gate checks it through RemainingValidity.
func (v *jwtTokenValidatorImpl) parseClaims(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token failed validation")
	}
	return claims, nil
}

// ExtractIdentity parse and verify a token, returning the subject claim
func (v *jwtTokenValidatorImpl) ExtractIdentity(token string) (string, error) {
	claims, err := v.parseClaims(token)
	if err != nil {
		return "", err
	}
	if len(claims.Subject) == 0 {
		return "", fmt.Errorf("token carries no subject")
	}
	return claims.Subject, nil
}

// IsBlacklisted check whether a token was explicitly revoked
func (v *jwtTokenValidatorImpl) IsBlacklisted(token string) (bool, error) {
	if v.blacklist == nil {
		return false, nil
	}
	return v.blacklist.Contains(token), nil
}

// RemainingValidity time left before the token expires
func (v *jwtTokenValidatorImpl) RemainingValidity(token string) (time.Duration, error) {
	claims, err := v.parseClaims(token)
	if err != nil {
		return 0, err
	}
	if claims.ExpiresAt == nil {
		return 0, fmt.Errorf("token carries no expiry")
	}
	return time.Until(claims.ExpiresAt.Time), nil
}
