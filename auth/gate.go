package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/alwitt/chatrelay/common"
	"github.com/apex/log"
)

// AuthenticationGate runs once per connection at admission time. It extracts
// a bearer credential from the handshake request, delegates validation to the
// token validator, and resolves the principal identity to attach to the
// connection. No session state is created here.
type AuthenticationGate interface {
	// Admit authorize a handshake request, returning the principal identity
	Admit(request *http.Request) (string, error)
}

// authenticationGateImpl implements AuthenticationGate
type authenticationGateImpl struct {
	common.Component
	validator       TokenValidator
	tokenQueryParam string
}

// GetAuthenticationGateInstance get instance of AuthenticationGate
func GetAuthenticationGateInstance(
	validator TokenValidator, tokenQueryParam string,
) (AuthenticationGate, error) {
	if validator == nil {
		return nil, fmt.Errorf("authentication gate requires a token validator")
	}
	if len(tokenQueryParam) == 0 {
		tokenQueryParam = "token"
	}
	logTags := log.Fields{
		"module": "auth", "component": "authentication-gate",
	}
	return &authenticationGateImpl{
		Component:       common.Component{LogTags: logTags},
		validator:       validator,
		tokenQueryParam: tokenQueryParam,
	}, nil
}

// extractToken pull the bearer credential from the handshake request. The
// query parameter takes preference over the Authorization header.
func (g *authenticationGateImpl) extractToken(request *http.Request) (string, error) {
	if token := request.URL.Query().Get(g.tokenQueryParam); len(token) > 0 {
		return token, nil
	}
	header := request.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimPrefix(header, "Bearer "); len(token) > 0 {
			return token, nil
		}
	}
	return "", fmt.Errorf("handshake request carries no credential")
}

// Admit authorize a handshake request, returning the principal identity
func (g *authenticationGateImpl) Admit(request *http.Request) (string, error) {
	token, err := g.extractToken(request)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Info("Rejected handshake")
		return "", err
	}

	identity, err := g.validator.ExtractIdentity(token)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Info("Rejected invalid credential")
		return "", fmt.Errorf("credential validation failed: %w", err)
	}

	blacklisted, err := g.validator.IsBlacklisted(token)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Blacklist check failed")
		return "", fmt.Errorf("credential validation failed: %w", err)
	}
	if blacklisted {
		log.WithFields(g.LogTags).Infof("Rejected revoked credential of %s", identity)
		return "", fmt.Errorf("credential was revoked")
	}

	remaining, err := g.validator.RemainingValidity(token)
	if err != nil {
		log.WithError(err).WithFields(g.LogTags).Info("Rejected credential without validity")
		return "", fmt.Errorf("credential validation failed: %w", err)
	}
	if remaining <= 0 {
		log.WithFields(g.LogTags).Infof("Rejected expired credential of %s", identity)
		return "", fmt.Errorf("credential expired")
	}

	log.WithFields(g.LogTags).Infof("Admitted %s", identity)
	return identity, nil
}
